package realtime

import (
	"context"
	"errors"
	"sync"

	"codecollab-server/core"
	"codecollab-server/stores/memory"
)

type emitted struct {
	Conn    string
	Event   string
	Payload any
}

// recorder is an Emitter that keeps everything it was asked to send.
type recorder struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recorder) Emit(connectionID, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{connectionID, event, payload})
}

func (r *recorder) For(conn, event string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, e := range r.events {
		if e.Conn == conn && e.Event == event {
			out = append(out, e.Payload)
		}
	}
	return out
}

func (r *recorder) Count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

func (r *recorder) LastCount(conn, documentID string) int {
	counts := r.For(conn, EventActiveUsers)
	for i := len(counts) - 1; i >= 0; i-- {
		if au := counts[i].(ActiveUsers); au.DocumentID == documentID {
			return au.Count
		}
	}
	return -1
}

func (r *recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// countingStore wraps a DocumentStore and records content writes.
type countingStore struct {
	core.DocumentStore

	mu        sync.Mutex
	updates   map[string][]string
	failNext  error
	updateHit chan struct{}
	block     chan struct{}
	findHit   chan struct{}
	findBlock chan struct{}
}

func newCountingStore() *countingStore {
	return &countingStore{
		DocumentStore: memory.NewDocumentStore(),
		updates:       make(map[string][]string),
	}
}

func (c *countingStore) Update(ctx context.Context, id string, patch core.DocumentPatch) (*core.Document, error) {
	c.mu.Lock()
	if patch.Content != nil {
		c.updates[id] = append(c.updates[id], *patch.Content)
	}
	err := c.failNext
	c.failNext = nil
	hit, block := c.updateHit, c.block
	c.mu.Unlock()

	if hit != nil {
		hit <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return c.DocumentStore.Update(ctx, id, patch)
}

// FindID reads the document, then parks the next caller armed by
// blockNextFind until released.
func (c *countingStore) FindID(ctx context.Context, id string) (*core.Document, error) {
	doc, err := c.DocumentStore.FindID(ctx, id)

	c.mu.Lock()
	hit, block := c.findHit, c.findBlock
	c.findHit, c.findBlock = nil, nil
	c.mu.Unlock()

	if hit != nil {
		close(hit)
		<-block
	}
	return doc, err
}

func (c *countingStore) blockNextFind() (loaded <-chan struct{}, release chan struct{}) {
	hit := make(chan struct{})
	block := make(chan struct{})
	c.mu.Lock()
	c.findHit, c.findBlock = hit, block
	c.mu.Unlock()
	return hit, block
}

func (c *countingStore) Writes(id string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.updates[id]...)
}

func (c *countingStore) FailNext(err error) {
	c.mu.Lock()
	c.failNext = err
	c.mu.Unlock()
}

func (c *countingStore) mustCreate(doc *core.Document) string {
	id, err := c.Create(context.Background(), doc)
	if err != nil {
		panic(err)
	}
	return id
}

var errStoreDown = errors.New("store unavailable")
