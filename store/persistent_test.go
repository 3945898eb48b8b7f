package store

import (
	"strings"
	"sync"
	"testing"

	"wash_articles/article"
)

func TestImageCacheRoundTrip(t *testing.T) {
	p := NewPersistentStore(5)
	images := []article.CachedImage{
		{URL: "https://a/1.jpg", Sequence: 1, DataURL: "old"},
		{URL: "https://a/2.jpg", Sequence: 2},
		{URL: "https://a/1.jpg", Sequence: 1, DataURL: "new"},
	}
	p.SaveImages("https://a", images)

	got := p.LoadImages("https://a")
	if len(got) != 2 {
		t.Fatalf("loaded %d images, want 2 after dedup", len(got))
	}
	if got[0].DataURL != "new" {
		t.Fatalf("last write did not win: %+v", got[0])
	}

	p.ClearImages("https://a")
	if got := p.LoadImages("https://a"); len(got) != 0 {
		t.Fatalf("images survived clear: %+v", got)
	}
}

func TestHistoryDedupAndCap(t *testing.T) {
	p := NewPersistentStore(3)
	p.AppendHistory(HistoryEntry{SourceURL: "https://a", Title: "first"})
	p.AppendHistory(HistoryEntry{SourceURL: "https://b"})
	p.AppendHistory(HistoryEntry{SourceURL: "https://a", Title: "second"})

	got := p.LoadHistory()
	if len(got) != 2 {
		t.Fatalf("history length = %d, want 2 after dedup", len(got))
	}
	if got[0].SourceURL != "https://a" || got[0].Title != "second" {
		t.Fatalf("newest entry wrong: %+v", got[0])
	}

	p.AppendHistory(HistoryEntry{SourceURL: "https://c"})
	p.AppendHistory(HistoryEntry{SourceURL: "https://d"})
	got = p.LoadHistory()
	if len(got) != 3 {
		t.Fatalf("history length = %d, want cap 3", len(got))
	}
	if got[0].SourceURL != "https://d" {
		t.Fatalf("newest-first violated: %+v", got)
	}
}

func TestHistoryEntryGetsID(t *testing.T) {
	p := NewPersistentStore(0)
	p.AppendHistory(HistoryEntry{SourceURL: "https://a"})
	got := p.LoadHistory()
	if got[0].ID == "" {
		t.Fatal("entry missing generated id")
	}
	if got[0].SavedAt.IsZero() {
		t.Fatal("entry missing savedAt")
	}
}

func TestExportHistoryEntryConcurrentAppend(t *testing.T) {
	p := NewPersistentStore(5)
	p.AppendHistory(HistoryEntry{SourceURL: "https://a", Title: "标题", Markdown: "# 标题"})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			p.AppendHistory(HistoryEntry{SourceURL: "https://a", Title: "标题", Markdown: "# 标题"})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			data, _, err := p.ExportHistoryEntry("https://a", "json")
			if err != nil {
				t.Errorf("export during append: %v", err)
				return
			}
			if !strings.Contains(string(data), "标题") {
				t.Errorf("export returned torn entry: %s", data)
				return
			}
		}
	}()
	wg.Wait()
}

func TestExportHistoryEntry(t *testing.T) {
	p := NewPersistentStore(5)
	p.AppendHistory(HistoryEntry{
		SourceURL:    "https://a",
		Title:        "标题",
		Markdown:     "# 标题\n\n正文",
		DraftMediaID: "m-1",
	})

	data, contentType, err := p.ExportHistoryEntry("https://a", "json")
	if err != nil {
		t.Fatalf("json export: %v", err)
	}
	if contentType != "application/json" || !strings.Contains(string(data), "m-1") {
		t.Fatalf("json export = %s (%s)", data, contentType)
	}

	data, contentType, err = p.ExportHistoryEntry("https://a", "markdown")
	if err != nil {
		t.Fatalf("markdown export: %v", err)
	}
	if contentType != "text/markdown" || !strings.Contains(string(data), "# 标题") {
		t.Fatalf("markdown export = %s (%s)", data, contentType)
	}

	if _, _, err := p.ExportHistoryEntry("https://missing", "json"); err == nil {
		t.Fatal("export of unknown source should fail")
	}
	if _, _, err := p.ExportHistoryEntry("https://a", "pdf"); err == nil {
		t.Fatal("unsupported format should fail")
	}
}
