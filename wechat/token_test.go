package wechat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"wash_articles/store"
)

func newTestTokenManager(t *testing.T, settings *store.SettingsStore, handler http.HandlerFunc) (*TokenManager, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	m := NewTokenManager(settings, srv.Client(), zerolog.Nop())
	m.tokenURL = srv.URL
	return m, &calls
}

func tokenHandler(token string, expiresIn int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"access_token":%q,"expires_in":%d}`, token, expiresIn)
	}
}

func TestRefreshWithoutCredentials(t *testing.T) {
	settings := store.NewSettingsStore(store.Settings{})
	m, calls := newTestTokenManager(t, settings, tokenHandler("tok", 7200))

	_, err := m.Refresh(context.Background(), false)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("network calls = %d, want 0", calls.Load())
	}
}

func TestRefreshUsesCachedToken(t *testing.T) {
	settings := store.NewSettingsStore(store.Settings{
		AppID:          "wx-1",
		AppSecret:      "sec",
		AccessToken:    "cached",
		TokenExpiresAt: time.Now().Add(time.Hour),
	})
	m, calls := newTestTokenManager(t, settings, tokenHandler("fresh", 7200))

	got, err := m.Refresh(context.Background(), false)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !got.FromCache || got.AccessToken != "cached" {
		t.Fatalf("got %+v, want cached token", got)
	}
	if calls.Load() != 0 {
		t.Fatalf("network calls = %d, want 0", calls.Load())
	}
}

func TestRefreshExpiredTokenHitsNetwork(t *testing.T) {
	settings := store.NewSettingsStore(store.Settings{
		AppID:          "wx-1",
		AppSecret:      "sec",
		AccessToken:    "stale",
		TokenExpiresAt: time.Now().Add(time.Minute), // inside the safety margin
	})
	m, calls := newTestTokenManager(t, settings, tokenHandler("fresh", 7200))

	got, err := m.Refresh(context.Background(), false)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got.FromCache || got.AccessToken != "fresh" {
		t.Fatalf("got %+v, want fresh token", got)
	}
	if calls.Load() != 1 {
		t.Fatalf("network calls = %d, want 1", calls.Load())
	}
	if cur := settings.Get(); cur.AccessToken != "fresh" || cur.TokenExpiresAt.IsZero() {
		t.Fatalf("token not persisted: %+v", cur)
	}
}

func TestRefreshSendsClientCredentials(t *testing.T) {
	settings := store.NewSettingsStore(store.Settings{AppID: "wx-1", AppSecret: "sec"})
	var gotBody []byte
	m, _ := newTestTokenManager(t, settings, func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, `{"access_token":"tok","expires_in":7200}`)
	})

	if _, err := m.Refresh(context.Background(), true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if gjson.GetBytes(gotBody, "grant_type").String() != "client_credential" ||
		gjson.GetBytes(gotBody, "appid").String() != "wx-1" ||
		gjson.GetBytes(gotBody, "secret").String() != "sec" {
		t.Fatalf("request body = %s", gotBody)
	}
}

func TestRefreshSingleFlight(t *testing.T) {
	settings := store.NewSettingsStore(store.Settings{AppID: "wx-1", AppSecret: "sec"})
	release := make(chan struct{})
	m, calls := newTestTokenManager(t, settings, func(w http.ResponseWriter, r *http.Request) {
		<-release
		fmt.Fprint(w, `{"access_token":"shared","expires_in":7200}`)
	})

	const n = 8
	results := make([]TokenResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Refresh(context.Background(), true)
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("network calls = %d, want exactly 1", calls.Load())
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].AccessToken != "shared" {
			t.Fatalf("caller %d token = %q", i, results[i].AccessToken)
		}
	}
}

func TestRefreshFailurePropagatesCodeAndClearsGuard(t *testing.T) {
	settings := store.NewSettingsStore(store.Settings{AppID: "wx-1", AppSecret: "bad"})
	var fail atomic.Bool
	fail.Store(true)
	m, calls := newTestTokenManager(t, settings, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			fmt.Fprint(w, `{"errcode":40013,"errmsg":"invalid appid"}`)
			return
		}
		fmt.Fprint(w, `{"access_token":"tok","expires_in":7200}`)
	})

	_, err := m.Refresh(context.Background(), true)
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Code != 40013 {
		t.Fatalf("err = %v, want ProviderError 40013", err)
	}
	if cur := settings.Get(); cur.AccessToken != "" {
		t.Fatalf("failed refresh mutated token state: %+v", cur)
	}

	// guard must be cleared: a later call triggers a fresh attempt
	fail.Store(false)
	got, err := m.Refresh(context.Background(), true)
	if err != nil || got.AccessToken != "tok" {
		t.Fatalf("second refresh = %+v, %v", got, err)
	}
	if calls.Load() != 2 {
		t.Fatalf("network calls = %d, want 2", calls.Load())
	}
}

func TestRefreshMissingTokenField(t *testing.T) {
	settings := store.NewSettingsStore(store.Settings{AppID: "wx-1", AppSecret: "sec"})
	m, _ := newTestTokenManager(t, settings, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"expires_in":7200}`)
	})

	_, err := m.Refresh(context.Background(), true)
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProviderError", err)
	}
}

func TestInvalidateDropsToken(t *testing.T) {
	settings := store.NewSettingsStore(store.Settings{
		AppID:          "wx-1",
		AppSecret:      "sec",
		AccessToken:    "tok",
		TokenExpiresAt: time.Now().Add(time.Hour),
	})
	m := NewTokenManager(settings, nil, zerolog.Nop())
	m.Invalidate()
	if cur := settings.Get(); cur.AccessToken != "" || !cur.TokenExpiresAt.IsZero() {
		t.Fatalf("token survived invalidate: %+v", cur)
	}
}
