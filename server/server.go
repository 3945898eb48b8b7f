// Package server exposes the boundary events over HTTP: content capture,
// session/settings access, on-demand drafts, history export, and a live SSE
// stream of session snapshots.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"wash_articles/article"
	"wash_articles/bus"
	"wash_articles/pipeline"
	"wash_articles/store"
	"wash_articles/wechat"
)

type Server struct {
	orch     *pipeline.Orchestrator
	content  *store.ContentStore
	settings *store.SettingsStore
	bus      *bus.Bus
	history  *store.PersistentStore
	logger   zerolog.Logger
}

func New(orch *pipeline.Orchestrator, content *store.ContentStore, settings *store.SettingsStore, b *bus.Bus, history *store.PersistentStore, logger zerolog.Logger) (*Server, error) {
	if orch == nil {
		return nil, errors.New("orchestrator required")
	}
	return &Server{
		orch:     orch,
		content:  content,
		settings: settings,
		bus:      b,
		history:  history,
		logger:   logger,
	}, nil
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(s.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/content/{key}", s.handleContentCaptured)
		r.Delete("/content/{key}", s.handleContentClosed)
		r.Get("/content", s.handleGetContent)
		r.Get("/sessions", s.handleListSessions)

		r.Get("/settings", s.handleGetSettings)
		r.Patch("/settings", s.handlePatchSettings)

		r.Post("/draft/{key}", s.handleCreateDraft)
		r.Post("/draft", s.handleCreateDraftLatest)

		r.Get("/events", s.handleEvents)
		r.Post("/events/refresh", s.handleEventsRefresh)

		r.Get("/history", s.handleHistory)
		r.Get("/history/export", s.handleHistoryExport)
		r.Delete("/history", s.handleHistoryClear)
	})
	return r
}

// capturePayload is the content-captured message body.
type capturePayload struct {
	SourceURL string                `json:"sourceUrl"`
	Title     string                `json:"title"`
	Items     []article.ContentItem `json:"items"`
	Images    []article.CachedImage `json:"images,omitempty"`
}

func (s *Server) handleContentCaptured(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var payload capturePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if payload.SourceURL == "" {
		http.Error(w, "sourceUrl is required", http.StatusBadRequest)
		return
	}

	sess := &article.Session{
		Key:          key,
		SourceURL:    payload.SourceURL,
		CapturedAt:   time.Now(),
		Title:        payload.Title,
		Items:        payload.Items,
		CachedImages: article.MergeImages(nil, payload.Images),
		Workflow:     article.Workflow{Status: article.StatusIdle},
	}
	s.content.Set(key, sess)

	// The run outlives this request on purpose.
	go func() {
		if err := s.orch.Start(r.Context(), key); err != nil {
			s.logger.Warn().Str("key", key).Err(err).Msg("pipeline run ended with error")
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, s.content.Get(key))
}

func (s *Server) handleContentClosed(w http.ResponseWriter, r *http.Request) {
	s.orch.SessionClosed(chi.URLParam(r, "key"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	sess := s.content.Get(r.URL.Query().Get("key"))
	if sess == nil {
		http.Error(w, "no session content", http.StatusNotFound)
		return
	}
	writeJSON(w, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.content.Entries())
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.settings.Sanitized())
}

func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	var patch store.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.settings.Update(patch, store.OriginExternal)
	writeJSON(w, s.settings.Sanitized())
}

func (s *Server) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	s.createDraft(w, r, chi.URLParam(r, "key"))
}

func (s *Server) handleCreateDraftLatest(w http.ResponseWriter, r *http.Request) {
	s.createDraft(w, r, "")
}

func (s *Server) createDraft(w http.ResponseWriter, r *http.Request, key string) {
	var ov pipeline.DraftOverrides
	if err := json.NewDecoder(r.Body).Decode(&ov); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	draft, err := s.orch.CreateDraftOnDemand(r.Context(), key, ov)
	if err != nil {
		status := http.StatusBadGateway
		var cfgErr *wechat.ConfigError
		if errors.As(err, &cfgErr) {
			status = http.StatusPreconditionFailed
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, draft)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := s.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case sess, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(sess)
			if err != nil {
				continue
			}
			if _, err := w.Write(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleEventsRefresh(w http.ResponseWriter, r *http.Request) {
	s.orch.RefreshSnapshot(r.URL.Query().Get("key"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.history.LoadHistory())
}

func (s *Server) handleHistoryExport(w http.ResponseWriter, r *http.Request) {
	sourceURL := r.URL.Query().Get("sourceUrl")
	if sourceURL == "" {
		http.Error(w, "sourceUrl is required", http.StatusBadRequest)
		return
	}
	data, contentType, err := s.history.ExportHistoryEntry(sourceURL, r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(data)
}

func (s *Server) handleHistoryClear(w http.ResponseWriter, _ *http.Request) {
	s.history.ClearHistory()
	w.WriteHeader(http.StatusNoContent)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func requestLogger(l zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			l.Info().Msgf("%s %s %d %s", r.Method, r.URL.Path, sw.status, time.Since(start))
		})
	}
}
