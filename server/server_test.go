package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"wash_articles/article"
	"wash_articles/bus"
	"wash_articles/formatter"
	"wash_articles/pipeline"
	"wash_articles/store"
	"wash_articles/translator"
	"wash_articles/wechat"
)

func newTestServer(t *testing.T) (*Server, *store.ContentStore, *store.SettingsStore, *store.PersistentStore) {
	t.Helper()
	settings := store.NewSettingsStore(store.Settings{DryRun: true})
	content := store.NewContentStore()
	history := store.NewPersistentStore(store.DefaultHistoryLimit)
	b := bus.New()

	trans := translator.New(zerolog.Nop())
	trans.SetLLM(translator.MockLLM{})
	tokens := wechat.NewTokenManager(settings, nil, zerolog.Nop())

	orch := pipeline.New(pipeline.Config{
		Content:    content,
		Settings:   settings,
		Bus:        b,
		History:    history,
		Translator: trans,
		Formatter:  formatter.New(zerolog.Nop()),
		Publisher:  wechat.NewClient(nil, zerolog.Nop()),
		Retry:      &wechat.RetryPolicy{Tokens: tokens, Logger: zerolog.Nop()},
		Logger:     zerolog.Nop(),
	})

	srv, err := New(orch, content, settings, b, history, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, content, settings, history
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestContentCaptured(t *testing.T) {
	srv, content, _, _ := newTestServer(t)
	h := srv.Routes()

	body := `{
		"sourceUrl": "https://example.com/post",
		"title": "Post",
		"items": [
			{"kind": "heading", "level": 1, "text": "Post"},
			{"kind": "paragraph", "text": "Body."},
			{"kind": "image", "sequence": 1, "url": "https://example.com/1.jpg"}
		],
		"images": [{"url": "https://example.com/1.jpg", "sequence": 1, "dataUrl": "data:image/png;base64,eA=="}]
	}`
	rec := doRequest(t, h, http.MethodPost, "/api/content/tab-1", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if gjson.Get(rec.Body.String(), "key").String() != "tab-1" {
		t.Fatalf("snapshot = %s", rec.Body)
	}

	// the run was started in the background; wait for it to settle
	deadline := time.Now().Add(5 * time.Second)
	for {
		sess := content.Get("tab-1")
		if sess != nil && sess.Workflow.Status != article.StatusIdle && sess.Workflow.Status != article.StatusRunning {
			if sess.Workflow.Status != article.StatusSuccess {
				t.Fatalf("workflow = %+v", sess.Workflow)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never settled")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestContentCapturedRequiresSourceURL(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	rec := doRequest(t, srv.Routes(), http.MethodPost, "/api/content/tab-1", `{"items":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetContent(t *testing.T) {
	srv, content, _, _ := newTestServer(t)
	content.Set("tab-1", &article.Session{Key: "tab-1", SourceURL: "https://a"})
	h := srv.Routes()

	rec := doRequest(t, h, http.MethodGet, "/api/content?key=tab-1", "")
	if rec.Code != http.StatusOK || gjson.Get(rec.Body.String(), "sourceUrl").String() != "https://a" {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	// empty key falls back to the most recent session
	rec = doRequest(t, h, http.MethodGet, "/api/content", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/content?key=missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestContentClosed(t *testing.T) {
	srv, content, _, _ := newTestServer(t)
	content.Set("tab-1", &article.Session{Key: "tab-1", SourceURL: "https://a"})

	rec := doRequest(t, srv.Routes(), http.MethodDelete, "/api/content/tab-1", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if content.Get("tab-1") != nil {
		t.Fatal("session survived delete")
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	srv, _, settings, _ := newTestServer(t)
	h := srv.Routes()

	rec := doRequest(t, h, http.MethodPatch, "/api/settings", `{"app_id":"wx-1","app_secret":"sec"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if got := settings.Get(); got.AppID != "wx-1" || got.AppSecret != "sec" {
		t.Fatalf("settings = %+v", got)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/settings", "")
	body := rec.Body.String()
	if strings.Contains(body, "sec\"") {
		t.Fatalf("settings response leaks secret: %s", body)
	}
	if !gjson.Get(body, "hasAppSecret").Bool() {
		t.Fatalf("presence flag missing: %s", body)
	}
}

func TestCreateDraftOnDemand(t *testing.T) {
	srv, content, _, _ := newTestServer(t)
	content.Set("tab-1", &article.Session{
		Key:         "tab-1",
		SourceURL:   "https://a",
		Translation: article.Translation{Status: article.TaskDone, Text: "译文"},
		Formatted:   article.Formatted{HTML: "<article>译文</article>"},
	})
	h := srv.Routes()

	// empty body is fine, all overrides optional
	rec := doRequest(t, h, http.MethodPost, "/api/draft/tab-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if gjson.Get(rec.Body.String(), "media_id").String() != "<dry-run>" {
		t.Fatalf("draft = %s", rec.Body)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/draft", `{"title":"手动标题"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("latest-session draft status = %d, body %s", rec.Code, rec.Body)
	}
}

func TestCreateDraftConfigErrorMapsTo412(t *testing.T) {
	srv, content, settings, _ := newTestServer(t)
	settings.Update(store.Patch{DryRun: boolPtr(false)}, store.OriginExternal)
	content.Set("tab-1", &article.Session{
		Key:         "tab-1",
		SourceURL:   "https://a",
		Translation: article.Translation{Status: article.TaskDone, Text: "译文"},
	})

	rec := doRequest(t, srv.Routes(), http.MethodPost, "/api/draft/tab-1", "")
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	srv, _, _, history := newTestServer(t)
	history.AppendHistory(store.HistoryEntry{SourceURL: "https://a", Title: "标题", Markdown: "# 标题"})
	h := srv.Routes()

	rec := doRequest(t, h, http.MethodGet, "/api/history", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "https://a") {
		t.Fatalf("history = %d %s", rec.Code, rec.Body)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/history/export?sourceUrl=https://a&format=markdown", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "text/markdown" {
		t.Fatalf("export = %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}

	rec = doRequest(t, h, http.MethodGet, "/api/history/export", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("export without sourceUrl = %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodDelete, "/api/history", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("clear = %d", rec.Code)
	}
	if len(history.LoadHistory()) != 0 {
		t.Fatal("history survived clear")
	}
}

func TestEventsStreamDeliversSnapshots(t *testing.T) {
	srv, content, _, _ := newTestServer(t)
	content.Set("tab-1", &article.Session{Key: "tab-1", SourceURL: "https://a"})
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/events")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// nudge snapshots onto the stream until the subscription is live
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			doRequest(t, srv.Routes(), http.MethodPost, "/api/events/refresh?key=tab-1", "")
			select {
			case <-stop:
				return
			case <-time.After(20 * time.Millisecond):
			}
		}
	}()

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	chunk := string(buf[:n])
	if !strings.HasPrefix(chunk, "data: ") || !strings.Contains(chunk, `"tab-1"`) {
		t.Fatalf("stream chunk = %q", chunk)
	}
}

func boolPtr(v bool) *bool { return &v }
