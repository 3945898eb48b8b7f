package store

import (
	"sync"

	"wash_articles/article"
)

// ContentStore keeps the latest-known session snapshot per tab key. Sessions
// are deep-copied on the way in and out, so the only shared state is the map
// itself.
type ContentStore struct {
	mu      sync.Mutex
	byKey   map[string]*article.Session
	order   []string
	lastKey string
}

func NewContentStore() *ContentStore {
	return &ContentStore{byKey: make(map[string]*article.Session)}
}

// Set stores a full snapshot and marks the key as most recent.
func (c *ContentStore) Set(key string, sess *article.Session) {
	if key == "" || sess == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byKey[key]; !ok {
		c.order = append(c.order, key)
	}
	c.byKey[key] = sess.Clone()
	c.lastKey = key
}

// Get returns the snapshot for key, or the most recent one when key is
// empty. Returns nil when nothing is stored.
func (c *ContentStore) Get(key string) *article.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key != "" {
		return c.byKey[key].Clone()
	}
	if c.lastKey != "" {
		return c.byKey[c.lastKey].Clone()
	}
	return nil
}

// Update applies the updater to the current snapshot (nil if absent). A nil
// return leaves the existing entry untouched, which keeps one stage's write
// from clobbering fields another callback just wrote.
func (c *ContentStore) Update(key string, updater func(*article.Session) *article.Session) {
	if key == "" || updater == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	next := updater(c.byKey[key].Clone())
	if next == nil {
		return
	}
	if _, ok := c.byKey[key]; !ok {
		c.order = append(c.order, key)
	}
	c.byKey[key] = next.Clone()
}

// Clear evicts the entry for key. When the evicted key was the most recent,
// the most recently inserted surviving key takes its place.
func (c *ContentStore) Clear(key string) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byKey[key]; !ok {
		return
	}
	delete(c.byKey, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	if c.lastKey == key {
		c.lastKey = ""
		if len(c.order) > 0 {
			c.lastKey = c.order[len(c.order)-1]
		}
	}
}

// Latest returns the most recently set snapshot, falling back to any stored
// entry when the last key was evicted.
func (c *ContentStore) Latest() *article.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastKey != "" {
		if sess, ok := c.byKey[c.lastKey]; ok {
			return sess.Clone()
		}
	}
	for _, k := range c.order {
		if sess, ok := c.byKey[k]; ok {
			return sess.Clone()
		}
	}
	return nil
}

// Entry pairs a key with its snapshot.
type Entry struct {
	Key     string           `json:"key"`
	Session *article.Session `json:"session"`
}

// Entries returns all stored snapshots in insertion order.
func (c *ContentStore) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.byKey))
	for _, k := range c.order {
		if sess, ok := c.byKey[k]; ok {
			out = append(out, Entry{Key: k, Session: sess.Clone()})
		}
	}
	return out
}
