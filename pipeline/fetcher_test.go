package pipeline

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFetchDataURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	f := NewHTTPImageFetcher(srv.Client())
	got, err := f.FetchDataURL(context.Background(), srv.URL+"/img.jpg")
	if err != nil {
		t.Fatalf("FetchDataURL: %v", err)
	}
	want := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))
	if got != want {
		t.Fatalf("data url = %q, want %q", got, want)
	}
}

func TestFetchDataURLDetectsContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil // suppress the default
		_, _ = w.Write([]byte("\x89PNG\r\n\x1a\nrest"))
	}))
	defer srv.Close()

	f := NewHTTPImageFetcher(srv.Client())
	got, err := f.FetchDataURL(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("FetchDataURL: %v", err)
	}
	if !strings.HasPrefix(got, "data:image/png;base64,") {
		t.Fatalf("data url = %q, want detected png type", got)
	}
}

func TestFetchDataURLErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewHTTPImageFetcher(srv.Client())
	if _, err := f.FetchDataURL(context.Background(), srv.URL); err == nil {
		t.Fatal("404 should fail")
	}
}
