package wechat

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/singleflight"

	"wash_articles/store"
)

const stableTokenURL = "https://api.weixin.qq.com/cgi-bin/stable_token"

// A token is treated as expired this long before its actual expiry, so a
// token that is about to lapse is never handed to an upload.
const tokenSafetyMargin = 5 * time.Minute

// TokenResult is the outcome of a refresh.
type TokenResult struct {
	AccessToken string
	ExpiresAt   time.Time
	FromCache   bool
}

// TokenManager acquires, caches, and refreshes the shared bearer token. The
// token lives in the SettingsStore because it is shared by every session
// using the same credentials, so the refresh guard is process-global.
type TokenManager struct {
	settings *store.SettingsStore
	client   *http.Client
	logger   zerolog.Logger
	group    singleflight.Group
	now      func() time.Time

	tokenURL string
}

func NewTokenManager(settings *store.SettingsStore, client *http.Client, logger zerolog.Logger) *TokenManager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenManager{
		settings: settings,
		client:   client,
		logger:   logger,
		now:      time.Now,
		tokenURL: stableTokenURL,
	}
}

// HasCredentials reports whether both app_id and app_secret are set.
func HasCredentials(s store.Settings) bool {
	return s.AppID != "" && s.AppSecret != ""
}

// IsExpired reports whether the cached token is absent or inside the safety
// margin of its expiry.
func (m *TokenManager) IsExpired(s store.Settings) bool {
	if s.AccessToken == "" || s.TokenExpiresAt.IsZero() {
		return true
	}
	return !s.TokenExpiresAt.After(m.now().Add(tokenSafetyMargin))
}

// Refresh returns a valid access token. Without force, a cached unexpired
// token is returned immediately with no network call. Concurrent refreshes
// share one in-flight request; every caller observes the same result. On
// failure the cached token state is left untouched and the guard is cleared
// so the next call can try again.
func (m *TokenManager) Refresh(ctx context.Context, force bool) (TokenResult, error) {
	s := m.settings.Get()
	if !HasCredentials(s) {
		return TokenResult{}, &ConfigError{Missing: "app_id/app_secret"}
	}
	if !force && !m.IsExpired(s) {
		return TokenResult{AccessToken: s.AccessToken, ExpiresAt: s.TokenExpiresAt, FromCache: true}, nil
	}

	v, err, _ := m.group.Do("token", func() (any, error) {
		// Another caller may have refreshed while this one waited on the
		// guard; re-check before issuing a request.
		cur := m.settings.Get()
		if !force && !m.IsExpired(cur) {
			return TokenResult{AccessToken: cur.AccessToken, ExpiresAt: cur.TokenExpiresAt, FromCache: true}, nil
		}
		return m.requestToken(ctx, cur)
	})
	if err != nil {
		return TokenResult{}, err
	}
	return v.(TokenResult), nil
}

// Invalidate drops the cached token, forcing the next refresh to hit the
// network. Used when credentials change.
func (m *TokenManager) Invalidate() {
	empty := ""
	var zero time.Time
	m.settings.Update(store.Patch{AccessToken: &empty, TokenExpiresAt: &zero}, store.OriginInternal)
}

func (m *TokenManager) requestToken(ctx context.Context, s store.Settings) (TokenResult, error) {
	body, _ := sjson.Set("", "grant_type", "client_credential")
	body, _ = sjson.Set(body, "appid", s.AppID)
	body, _ = sjson.Set(body, "secret", s.AppSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, bytes.NewReader([]byte(body)))
	if err != nil {
		return TokenResult{}, &TransportError{Op: "build token request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return TokenResult{}, &TransportError{Op: "request access token", Err: err}
	}
	defer resp.Body.Close()

	payload, err := readBody(resp)
	if err != nil {
		return TokenResult{}, &TransportError{Op: "read token response", Err: err}
	}

	if code := gjson.GetBytes(payload, "errcode").Int(); code != 0 {
		return TokenResult{}, &ProviderError{Code: int(code), Message: gjson.GetBytes(payload, "errmsg").String()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return TokenResult{}, &ProviderError{Code: resp.StatusCode, Message: resp.Status}
	}
	token := gjson.GetBytes(payload, "access_token").String()
	if token == "" {
		return TokenResult{}, &ProviderError{Message: "token response missing access_token"}
	}

	expiresIn := gjson.GetBytes(payload, "expires_in").Int()
	if expiresIn <= 0 {
		expiresIn = 7200
	}
	expiresAt := m.now().Add(time.Duration(expiresIn) * time.Second)

	m.settings.Update(store.Patch{AccessToken: &token, TokenExpiresAt: &expiresAt}, store.OriginInternal)
	m.logger.Info().Time("expires_at", expiresAt).Msg("refreshed wechat access token")

	return TokenResult{AccessToken: token, ExpiresAt: expiresAt, FromCache: false}, nil
}
