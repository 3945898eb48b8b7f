package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"wash_articles/article"
)

// Image cache entries outlive a single run but not an idle afternoon; the
// source page can be re-captured at any time.
const (
	imageCacheTTL     = 6 * time.Hour
	imageCacheCleanup = 30 * time.Minute
)

// HistoryEntry is one archived publish result, deduplicated by source URL.
type HistoryEntry struct {
	ID           string    `json:"id"`
	SourceURL    string    `json:"sourceUrl"`
	Title        string    `json:"title,omitempty"`
	Translation  string    `json:"translation,omitempty"`
	HTML         string    `json:"html,omitempty"`
	Markdown     string    `json:"markdown,omitempty"`
	DraftMediaID string    `json:"draftMediaId,omitempty"`
	DryRun       bool      `json:"dryRun,omitempty"`
	SavedAt      time.Time `json:"savedAt"`
}

// PersistentStore keeps fetched image data and the publish history. Images
// live in a TTL cache keyed by source URL; history is a newest-first list
// capped at the configured retention count.
type PersistentStore struct {
	images *gocache.Cache

	mu      sync.Mutex
	history []HistoryEntry
	limit   int
	now     func() time.Time
}

func NewPersistentStore(historyLimit int) *PersistentStore {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &PersistentStore{
		images: gocache.New(imageCacheTTL, imageCacheCleanup),
		limit:  historyLimit,
		now:    time.Now,
	}
}

// SaveImages stores the image list for a source URL, deduplicated by image
// URL with the last write winning.
func (p *PersistentStore) SaveImages(sourceURL string, images []article.CachedImage) {
	if sourceURL == "" {
		return
	}
	p.images.Set(sourceURL, article.MergeImages(nil, images), gocache.DefaultExpiration)
}

// LoadImages returns the cached images for a source URL, or an empty list.
func (p *PersistentStore) LoadImages(sourceURL string) []article.CachedImage {
	if sourceURL == "" {
		return nil
	}
	v, ok := p.images.Get(sourceURL)
	if !ok {
		return nil
	}
	cached, ok := v.([]article.CachedImage)
	if !ok {
		return nil
	}
	return append([]article.CachedImage(nil), cached...)
}

// ClearImages drops the cached images for a source URL.
func (p *PersistentStore) ClearImages(sourceURL string) {
	if sourceURL == "" {
		return
	}
	p.images.Delete(sourceURL)
}

// AppendHistory archives an entry, replacing any older entry for the same
// source URL and trimming to the retention cap.
func (p *PersistentStore) AppendHistory(entry HistoryEntry) {
	if entry.SourceURL == "" {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.SavedAt = p.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.history[:0]
	for _, item := range p.history {
		if item.SourceURL != entry.SourceURL {
			kept = append(kept, item)
		}
	}
	p.history = append([]HistoryEntry{entry}, kept...)
	if len(p.history) > p.limit {
		p.history = p.history[:p.limit]
	}
}

// LoadHistory returns all archived entries, newest first.
func (p *PersistentStore) LoadHistory() []HistoryEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]HistoryEntry(nil), p.history...)
}

// ClearHistory drops all archived entries.
func (p *PersistentStore) ClearHistory() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = nil
}

// ExportHistoryEntry renders the entry for sourceURL as json or markdown.
func (p *PersistentStore) ExportHistoryEntry(sourceURL, format string) ([]byte, string, error) {
	// copy the entry while holding the lock; AppendHistory compacts the
	// backing array in place
	p.mu.Lock()
	var found HistoryEntry
	ok := false
	for _, item := range p.history {
		if item.SourceURL == sourceURL {
			found = item
			ok = true
			break
		}
	}
	p.mu.Unlock()
	if !ok {
		return nil, "", fmt.Errorf("no history entry for %s", sourceURL)
	}

	switch format {
	case "", "json":
		data, err := json.MarshalIndent(found, "", "  ")
		if err != nil {
			return nil, "", err
		}
		return data, "application/json", nil
	case "markdown":
		var b strings.Builder
		title := found.Title
		if title == "" {
			title = found.SourceURL
		}
		fmt.Fprintf(&b, "# %s\n\n", title)
		fmt.Fprintf(&b, "> 来源：%s\n\n", found.SourceURL)
		if found.DraftMediaID != "" {
			fmt.Fprintf(&b, "> 草稿 media_id：%s\n\n", found.DraftMediaID)
		}
		if found.Markdown != "" {
			b.WriteString(found.Markdown)
		} else {
			b.WriteString(found.Translation)
		}
		b.WriteString("\n")
		return []byte(b.String()), "text/markdown", nil
	default:
		return nil, "", fmt.Errorf("unsupported export format %q", format)
	}
}
