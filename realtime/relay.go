package realtime

import (
	"sync"
	"time"
)

// Relay fans edits out to the other members of a document's room. With a
// non-zero interval the first edit of a burst goes out immediately and later
// edits inside the window are coalesced into one trailing delivery of the
// newest content.
type Relay struct {
	mu       sync.Mutex
	hub      *Hub
	interval time.Duration
	bursts   map[string]*burst
}

type burst struct {
	latest *DocumentChange
	timer  *time.Timer
}

func NewRelay(hub *Hub, interval time.Duration) *Relay {
	return &Relay{
		hub:      hub,
		interval: interval,
		bursts:   make(map[string]*burst),
	}
}

// Publish relays content from sender to the rest of the room.
func (r *Relay) Publish(documentID, sender, content string) {
	change := &DocumentChange{DocumentID: documentID, Content: content, SenderID: sender}

	if r.interval <= 0 {
		r.deliver(change)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.bursts[documentID]; ok {
		b.latest = change
		return
	}

	r.deliver(change)
	b := &burst{}
	b.timer = time.AfterFunc(r.interval, func() { r.tick(documentID, b) })
	r.bursts[documentID] = b
}

func (r *Relay) tick(documentID string, b *burst) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bursts[documentID] != b {
		return
	}
	if b.latest == nil {
		delete(r.bursts, documentID)
		return
	}
	r.deliver(b.latest)
	b.latest = nil
	b.timer.Reset(r.interval)
}

// Stop cancels every trailing delivery.
func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, b := range r.bursts {
		b.timer.Stop()
		delete(r.bursts, id)
	}
}

func (r *Relay) deliver(change *DocumentChange) {
	r.hub.Broadcast(change.DocumentID, EventDocumentChange, *change, change.SenderID)
}
