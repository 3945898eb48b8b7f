// Package bus fans session snapshots out to live subscribers (the SSE
// endpoint, tests) without backpressure on the pipeline.
package bus

import (
	"sync"

	"wash_articles/article"
)

const subscriberBuffer = 16

// Bus delivers published snapshots to every subscriber independently and
// best-effort. A subscriber that cannot keep up is dropped; the publisher
// never blocks and never sees an error. Subscribers receive no historical
// events; they ask the orchestrator for a refresh instead.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan *article.Session
	next int
}

func New() *Bus {
	return &Bus{subs: make(map[int]chan *article.Session)}
}

// Publish hands the snapshot to every subscriber whose buffer has room.
// Subscribers whose buffer is full are removed and their channel closed.
func (b *Bus) Publish(sess *article.Session) {
	if sess == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- sess:
		default:
			delete(b.subs, id)
			close(ch)
		}
	}
}

// Subscribe registers a new subscriber and returns its event channel plus a
// cancel function. The channel is closed on cancel or when the subscriber
// falls behind.
func (b *Bus) Subscribe() (<-chan *article.Session, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan *article.Session, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Len reports the current subscriber count.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
