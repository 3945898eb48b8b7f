// Package store holds the process-wide mutable state: credentials and token
// settings, per-tab session snapshots, and the image/history cache.
package store

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"time"
)

// Origin tags who issued a settings update. Internal updates come from the
// pipeline itself (for example the token manager persisting a refreshed
// token) and must not be treated as a credential change by watchers.
type Origin string

const (
	OriginExternal Origin = "external"
	OriginInternal Origin = "internal"
)

// DefaultHistoryLimit caps the publish history when the config does not name
// its own retention count.
const DefaultHistoryLimit = 20

// Settings is the single shared configuration value read by every stage and
// by the token manager. All mutation goes through SettingsStore.Update.
type Settings struct {
	AppID          string    `json:"app_id"`
	AppSecret      string    `json:"app_secret"`
	AccessToken    string    `json:"access_token,omitempty"`
	TokenExpiresAt time.Time `json:"token_expires_at,omitzero"`

	LLMAPIKey  string `json:"llm_api_key,omitempty"`
	LLMModel   string `json:"llm_model,omitempty"`
	LLMBaseURL string `json:"llm_base_url,omitempty"`

	Author       string `json:"author,omitempty"`
	ThumbMediaID string `json:"thumb_media_id,omitempty"`
	DryRun       bool   `json:"dry_run,omitempty"`
	HistoryLimit int    `json:"history_limit,omitempty"`
	ServerAddr   string `json:"server_addr,omitempty"`
}

// Patch is a partial settings update; nil fields are left untouched.
type Patch struct {
	AppID          *string    `json:"app_id,omitempty"`
	AppSecret      *string    `json:"app_secret,omitempty"`
	AccessToken    *string    `json:"access_token,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	LLMAPIKey      *string    `json:"llm_api_key,omitempty"`
	LLMModel       *string    `json:"llm_model,omitempty"`
	LLMBaseURL     *string    `json:"llm_base_url,omitempty"`
	Author         *string    `json:"author,omitempty"`
	ThumbMediaID   *string    `json:"thumb_media_id,omitempty"`
	DryRun         *bool      `json:"dry_run,omitempty"`
}

// Sanitized is the settings view exposed over the API: presence flags and
// masked values only, never raw secrets.
type Sanitized struct {
	HasAppID        bool   `json:"hasAppId"`
	HasAppSecret    bool   `json:"hasAppSecret"`
	HasLLMAPIKey    bool   `json:"hasLlmApiKey"`
	HasAccessToken  bool   `json:"hasAccessToken"`
	AppIDMasked     string `json:"appIdMasked,omitempty"`
	LLMModel        string `json:"llmModel,omitempty"`
	Author          string `json:"author,omitempty"`
	ThumbMediaID    string `json:"thumbMediaId,omitempty"`
	DryRun          bool   `json:"dryRun"`
	TokenExpiresAt  string `json:"tokenExpiresAt,omitempty"`
	HistoryLimit    int    `json:"historyLimit"`
}

// Watcher observes every settings mutation. Watchers run synchronously in
// the same call as the mutation, so a concurrently scheduled stage can never
// observe fresh settings alongside stale derived configuration.
type Watcher func(old, updated Settings, origin Origin)

// SettingsStore serializes reads and updates of the shared Settings value.
type SettingsStore struct {
	mu       sync.Mutex
	current  Settings
	watchers []Watcher
}

func NewSettingsStore(initial Settings) *SettingsStore {
	if initial.HistoryLimit <= 0 {
		initial.HistoryLimit = DefaultHistoryLimit
	}
	return &SettingsStore{current: initial}
}

// LoadSettings reads the JSON config file and fills credential gaps from the
// environment (WECHAT_APP_ID, WECHAT_APP_SECRET, LLM_API_KEY). A missing
// file is not an error; credentials may arrive later via the settings API.
func LoadSettings(path string) (Settings, error) {
	var s Settings
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s); err != nil {
			return Settings{}, err
		}
	case errors.Is(err, os.ErrNotExist):
		// fall through to env
	default:
		return Settings{}, err
	}
	if s.AppID == "" {
		s.AppID = os.Getenv("WECHAT_APP_ID")
	}
	if s.AppSecret == "" {
		s.AppSecret = os.Getenv("WECHAT_APP_SECRET")
	}
	if s.LLMAPIKey == "" {
		s.LLMAPIKey = os.Getenv("LLM_API_KEY")
	}
	if s.HistoryLimit <= 0 {
		s.HistoryLimit = DefaultHistoryLimit
	}
	return s, nil
}

// Get returns the current settings value.
func (s *SettingsStore) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Watch registers a watcher for subsequent updates.
func (s *SettingsStore) Watch(fn Watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}

// Update applies the patch atomically and notifies watchers before
// returning. Watchers run outside the lock so they may call back into the
// store.
func (s *SettingsStore) Update(patch Patch, origin Origin) Settings {
	s.mu.Lock()
	old := s.current
	next := applyPatch(old, patch)
	s.current = next
	watchers := append([]Watcher(nil), s.watchers...)
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(old, next, origin)
	}
	return next
}

// Sanitized returns the secret-free view of the current settings.
func (s *SettingsStore) Sanitized() Sanitized {
	cur := s.Get()
	out := Sanitized{
		HasAppID:       cur.AppID != "",
		HasAppSecret:   cur.AppSecret != "",
		HasLLMAPIKey:   cur.LLMAPIKey != "",
		HasAccessToken: cur.AccessToken != "",
		AppIDMasked:    maskSecret(cur.AppID),
		LLMModel:       cur.LLMModel,
		Author:         cur.Author,
		ThumbMediaID:   cur.ThumbMediaID,
		DryRun:         cur.DryRun,
		HistoryLimit:   cur.HistoryLimit,
	}
	if !cur.TokenExpiresAt.IsZero() {
		out.TokenExpiresAt = cur.TokenExpiresAt.Format(time.RFC3339)
	}
	return out
}

// CredentialsChanged reports whether the publisher credential pair differs
// between two settings values.
func CredentialsChanged(old, updated Settings) bool {
	return old.AppID != updated.AppID || old.AppSecret != updated.AppSecret
}

func applyPatch(s Settings, p Patch) Settings {
	if p.AppID != nil {
		s.AppID = strings.TrimSpace(*p.AppID)
	}
	if p.AppSecret != nil {
		s.AppSecret = strings.TrimSpace(*p.AppSecret)
	}
	if p.AccessToken != nil {
		s.AccessToken = *p.AccessToken
	}
	if p.TokenExpiresAt != nil {
		s.TokenExpiresAt = *p.TokenExpiresAt
	}
	if p.LLMAPIKey != nil {
		s.LLMAPIKey = strings.TrimSpace(*p.LLMAPIKey)
	}
	if p.LLMModel != nil {
		s.LLMModel = strings.TrimSpace(*p.LLMModel)
	}
	if p.LLMBaseURL != nil {
		s.LLMBaseURL = strings.TrimSpace(*p.LLMBaseURL)
	}
	if p.Author != nil {
		s.Author = *p.Author
	}
	if p.ThumbMediaID != nil {
		s.ThumbMediaID = strings.TrimSpace(*p.ThumbMediaID)
	}
	if p.DryRun != nil {
		s.DryRun = *p.DryRun
	}
	return s
}

func maskSecret(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 6 {
		return "••••"
	}
	return v[:3] + "••••" + v[len(v)-2:]
}
