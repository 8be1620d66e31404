package realtime

import (
	"context"
	"sync"
	"time"

	"codecollab-server/core"

	"github.com/sirupsen/logrus"
)

// SaveFunc persists content for one document.
type SaveFunc func(ctx context.Context, documentID, content string) (*core.Document, error)

// Scheduler coalesces bursts of edits to one document into a single durable
// write issued after a quiet period. Every scheduled value gets a generation
// number; writes to one document are serialised and a write older than the
// last one issued for that document is dropped.
type Scheduler struct {
	mu      sync.Mutex
	delay   time.Duration
	timeout time.Duration
	save    SaveFunc
	onSaved func(documentID string, doc *core.Document)
	gen     uint64
	pending map[string]*pendingSave
	writers map[string]*docWriter
	writing sync.WaitGroup
	closed  bool
}

type pendingSave struct {
	content string
	gen     uint64
	timer   *time.Timer
}

type docWriter struct {
	// held across the store call; guards lastWritten
	mu          sync.Mutex
	lastWritten uint64

	// guarded by Scheduler.mu
	refs        int
	inflight    string
	inflightGen uint64
	ackedGen    uint64
}

// NewScheduler creates a scheduler with quiet window delay. onSaved, if set,
// runs after a successful timer-driven write.
func NewScheduler(delay, timeout time.Duration, save SaveFunc, onSaved func(string, *core.Document)) *Scheduler {
	return &Scheduler{
		delay:   delay,
		timeout: timeout,
		save:    save,
		onSaved: onSaved,
		pending: make(map[string]*pendingSave),
		writers: make(map[string]*docWriter),
	}
}

// Schedule stores content as the document's pending value and restarts its
// quiet-window timer.
func (s *Scheduler) Schedule(documentID, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.gen++
	gen := s.gen

	p, ok := s.pending[documentID]
	if ok {
		p.timer.Stop()
	} else {
		p = &pendingSave{}
		s.pending[documentID] = p
	}
	p.content = content
	p.gen = gen
	p.timer = time.AfterFunc(s.delay, func() { s.fire(documentID, gen) })
}

func (s *Scheduler) fire(documentID string, gen uint64) {
	s.mu.Lock()
	p, ok := s.pending[documentID]
	if !ok || p.gen != gen {
		// superseded by a newer Schedule or taken by Flush
		s.mu.Unlock()
		return
	}
	delete(s.pending, documentID)
	w := s.acquireLocked(documentID, p.content, gen)
	s.mu.Unlock()

	doc, err := s.write(w, documentID, p.content, gen)
	if err == nil && doc != nil && s.onSaved != nil {
		s.onSaved(documentID, doc)
	}
}

// Flush writes the pending value for documentID immediately. It reports
// whether a write was attempted; it is a no-op when nothing is pending.
func (s *Scheduler) Flush(documentID string) (bool, error) {
	s.mu.Lock()
	p, ok := s.pending[documentID]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	p.timer.Stop()
	delete(s.pending, documentID)
	w := s.acquireLocked(documentID, p.content, p.gen)
	s.mu.Unlock()

	_, err := s.write(w, documentID, p.content, p.gen)
	return true, err
}

// SaveNow writes content immediately, replacing any pending value for
// documentID, and returns the stored document.
func (s *Scheduler) SaveNow(documentID, content string) (*core.Document, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if p, ok := s.pending[documentID]; ok {
		p.timer.Stop()
		delete(s.pending, documentID)
	}
	s.gen++
	gen := s.gen
	w := s.acquireLocked(documentID, content, gen)
	s.mu.Unlock()

	return s.write(w, documentID, content, gen)
}

// FlushAll flushes every pending document, stops accepting new work and
// waits for writes already in flight.
func (s *Scheduler) FlushAll() {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = s.Flush(id)
		}(id)
	}
	wg.Wait()
	s.writing.Wait()
}

// Latest returns the newest content for documentID that has not been
// acknowledged by the store yet.
func (s *Scheduler) Latest(documentID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[documentID]; ok {
		return p.content, true
	}
	if w, ok := s.writers[documentID]; ok && w.inflightGen > w.ackedGen {
		return w.inflight, true
	}
	return "", false
}

// Pending reports whether a debounced write is waiting for documentID.
func (s *Scheduler) Pending(documentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[documentID]
	return ok
}

// acquireLocked marks content as in flight from the moment it leaves the
// pending map, so Latest never loses sight of it.
func (s *Scheduler) acquireLocked(documentID, content string, gen uint64) *docWriter {
	w, ok := s.writers[documentID]
	if !ok {
		w = &docWriter{}
		s.writers[documentID] = w
	}
	w.refs++
	if gen > w.inflightGen {
		w.inflight, w.inflightGen = content, gen
	}
	s.writing.Add(1)
	return w
}

func (s *Scheduler) releaseLocked(documentID string, w *docWriter) {
	s.writing.Done()
	w.refs--
	if w.refs == 0 {
		delete(s.writers, documentID)
	}
}

func (s *Scheduler) write(w *docWriter, documentID, content string, gen uint64) (*core.Document, error) {
	defer func() {
		s.mu.Lock()
		s.releaseLocked(documentID, w)
		s.mu.Unlock()
	}()

	log := logrus.WithField("document_id", documentID)

	w.mu.Lock()
	defer w.mu.Unlock()

	if gen <= w.lastWritten {
		log.WithField("generation", gen).Debug("Skipping superseded save")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	// w.mu is held across the store call so writes to one document land in
	// generation order.
	doc, err := s.save(ctx, documentID, content)
	// write-once: the value is considered handled even if the store failed
	w.lastWritten = gen
	s.mu.Lock()
	if gen > w.ackedGen {
		w.ackedGen = gen
	}
	s.mu.Unlock()
	if err != nil {
		log.WithError(err).Error("Failed to persist document")
		return nil, err
	}
	log.WithField("content_length", len(content)).Debug("Document persisted")
	return doc, nil
}
