// Package realtime keeps the viewers of a document in sync: it tracks which
// connection views which document, relays edits between them, and coalesces
// bursts of edits into bounded-rate durable writes.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"codecollab-server/core"

	"github.com/sirupsen/logrus"
)

const AnonymousPrincipal = "anonymous"

type Options struct {
	// SaveDelay is the quiet window before a debounced write fires.
	SaveDelay time.Duration
	// RelayInterval bounds edit fan-out per document; zero disables coalescing.
	RelayInterval time.Duration
	// StoreTimeout bounds every call into the document store.
	StoreTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.SaveDelay <= 0 {
		o.SaveDelay = time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 10 * time.Second
	}
	return o
}

type Service struct {
	store    core.DocumentStore
	access   core.AccessChecker
	registry core.RoomRegistry
	hub      *Hub
	relay    *Relay
	saver    *Scheduler
	opts     Options

	mu    sync.Mutex
	loads map[string][]*loadWatch
}

// loadWatch keeps the newest store acknowledgement for a document while a
// joiner is reading it.
type loadWatch struct {
	acked *core.Document
}

// NewService wires the synchronization core. access and registry may be nil;
// a nil access checker lets every principal join.
func NewService(store core.DocumentStore, access core.AccessChecker, registry core.RoomRegistry, emitter Emitter, opts Options) *Service {
	opts = opts.withDefaults()
	if access == nil {
		access = core.AllowAll{}
	}

	s := &Service{
		store:    store,
		access:   access,
		registry: registry,
		hub:      NewHub(emitter),
		opts:     opts,
		loads:    make(map[string][]*loadWatch),
	}
	s.relay = NewRelay(s.hub, opts.RelayInterval)
	s.saver = NewScheduler(opts.SaveDelay, opts.StoreTimeout, s.saveContent, s.autoSaved)
	return s
}

func (s *Service) Hub() *Hub { return s.hub }

func (s *Service) Scheduler() *Scheduler { return s.saver }

// Open registers a new connection for principal.
func (s *Service) Open(connectionID, principal string) error {
	if connectionID == "" {
		return fmt.Errorf("%w: connection id is required", ErrMalformedPayload)
	}
	if principal == "" {
		principal = AnonymousPrincipal
	}
	if err := s.hub.Open(connectionID, principal); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"connection_id": connectionID,
		"principal":     principal,
	}).Info("Connection opened")
	return nil
}

// Join checks access, loads the document and adds the connection to its room.
// The snapshot goes to the joiner only. A connection already viewing another
// document leaves it first, which flushes that document's pending save.
func (s *Service) Join(ctx context.Context, connectionID, documentID string) error {
	documentID = strings.TrimSpace(documentID)
	log := logrus.WithFields(logrus.Fields{
		"connection_id": connectionID,
		"document_id":   documentID,
	})

	if documentID == "" {
		return s.reject(connectionID, "", fmt.Errorf("%w: document id is required", ErrMalformedPayload))
	}

	session, ok := s.hub.Session(connectionID)
	if !ok {
		return ErrUnknownConnection
	}

	allowed, err := s.isMember(ctx, session.Principal, documentID)
	if err != nil {
		if errors.Is(err, core.ErrDocumentNotFound) {
			return s.reject(connectionID, documentID, err)
		}
		log.WithError(err).Error("Access check failed")
		return s.reject(connectionID, documentID, fmt.Errorf("failed to join document: %w", err))
	}
	if !allowed {
		log.WithField("principal", session.Principal).Warn("Join denied")
		return s.reject(connectionID, documentID, ErrForbidden)
	}

	watch, unwatch := s.watchLoad(documentID)
	defer unwatch()

	doc, err := s.load(ctx, documentID)
	if err != nil {
		if !errors.Is(err, core.ErrDocumentNotFound) {
			log.WithError(err).Error("Failed to load document")
		}
		return s.reject(connectionID, documentID, err)
	}

	// The store call may have taken a while: the hub re-checks that the
	// connection is still open and the snapshot picks up writes acknowledged
	// during the load and edits newer than the stored content.
	previous, err := s.hub.Join(connectionID, documentID, func() any {
		loaded := DocumentLoaded{
			DocumentID: documentID,
			Name:       doc.Name,
			Content:    doc.Content,
			Language:   doc.Language,
			UpdatedAt:  doc.UpdatedAt,
		}
		if acked := s.ackedDuring(watch); acked != nil && !acked.UpdatedAt.Before(doc.UpdatedAt) {
			loaded.Content = acked.Content
			loaded.Language = acked.Language
			loaded.UpdatedAt = acked.UpdatedAt
		}
		if latest, ok := s.saver.Latest(documentID); ok {
			loaded.Content = latest
		}
		return loaded
	})
	if err != nil {
		log.Debug("Connection closed before join completed")
		return err
	}

	if previous != "" {
		s.flush(previous)
	}
	s.touchRoom(ctx, documentID)

	log.Info("Connection joined document")
	return nil
}

// Leave flushes the document's pending save and removes the connection from
// its room.
func (s *Service) Leave(connectionID, documentID string) error {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return s.reject(connectionID, "", fmt.Errorf("%w: document id is required", ErrMalformedPayload))
	}
	if !s.hub.IsMember(connectionID, documentID) {
		return s.reject(connectionID, documentID, ErrNotJoined)
	}

	s.flush(documentID)

	if err := s.hub.Leave(connectionID, documentID); err != nil {
		// closed or moved on while the flush was running
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"connection_id": connectionID,
		"document_id":   documentID,
	}).Info("Connection left document")
	return nil
}

// Edit relays content to the other viewers and schedules a debounced save.
func (s *Service) Edit(connectionID, documentID, content string) error {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return s.reject(connectionID, "", fmt.Errorf("%w: document id is required", ErrMalformedPayload))
	}
	if !s.hub.IsMember(connectionID, documentID) {
		logrus.WithFields(logrus.Fields{
			"connection_id": connectionID,
			"document_id":   documentID,
		}).Warn("Rejected edit from non-member")
		return s.reject(connectionID, documentID, ErrNotJoined)
	}

	// Scheduling first means a concurrent joiner either sees this content in
	// its snapshot or is already a member when the relay fans it out.
	s.saver.Schedule(documentID, content)
	s.relay.Publish(documentID, connectionID, content)
	return nil
}

// Save writes content right away, replacing any debounced save. The sender
// gets a confirmation; the other viewers get the content and a notice.
func (s *Service) Save(connectionID, documentID, content string) error {
	documentID = strings.TrimSpace(documentID)
	log := logrus.WithFields(logrus.Fields{
		"connection_id": connectionID,
		"document_id":   documentID,
	})

	if documentID == "" {
		return s.reject(connectionID, "", fmt.Errorf("%w: document id is required", ErrMalformedPayload))
	}
	session, ok := s.hub.Session(connectionID)
	if !ok {
		return ErrUnknownConnection
	}
	if !s.hub.IsMember(connectionID, documentID) {
		log.Warn("Rejected save from non-member")
		return s.reject(connectionID, documentID, ErrNotJoined)
	}

	doc, err := s.saver.SaveNow(documentID, content)
	s.relay.Publish(documentID, connectionID, content)
	if err != nil {
		return s.reject(connectionID, documentID, fmt.Errorf("failed to save document: %w", err))
	}

	s.hub.EmitTo(connectionID, EventDocumentSaved, DocumentSaved{
		DocumentID: documentID,
		UpdatedAt:  doc.UpdatedAt,
	})
	s.hub.Broadcast(documentID, EventSavedByPeer, SavedByPeer{
		DocumentID: documentID,
		UserID:     session.Principal,
	}, connectionID)
	log.Info("Document saved")
	return nil
}

// ChangeLanguage persists the language tag immediately and tells every
// viewer, the sender included.
func (s *Service) ChangeLanguage(ctx context.Context, connectionID, documentID, language string) error {
	documentID = strings.TrimSpace(documentID)
	language = strings.TrimSpace(language)
	log := logrus.WithFields(logrus.Fields{
		"connection_id": connectionID,
		"document_id":   documentID,
		"language":      language,
	})

	if documentID == "" || language == "" {
		return s.reject(connectionID, documentID, fmt.Errorf("%w: document id and language are required", ErrMalformedPayload))
	}
	if !s.hub.IsMember(connectionID, documentID) {
		return s.reject(connectionID, documentID, ErrNotJoined)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	doc, err := s.store.Update(ctx, documentID, core.DocumentPatch{Language: &language})
	if err != nil {
		log.WithError(err).Error("Failed to persist language change")
		return s.reject(connectionID, documentID, fmt.Errorf("failed to update language: %w", err))
	}
	s.recordAck(documentID, doc)

	s.hub.Broadcast(documentID, EventLanguageUpdated, LanguageUpdated{
		DocumentID: documentID,
		Language:   language,
	}, "")
	log.Info("Document language changed")
	return nil
}

// Cursor relays a cursor update to the other viewers. Cursor positions are
// ephemeral and never persisted.
func (s *Service) Cursor(connectionID, documentID string, position, selection any) error {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return fmt.Errorf("%w: document id is required", ErrMalformedPayload)
	}
	if !s.hub.IsMember(connectionID, documentID) {
		return ErrNotJoined
	}
	s.hub.Broadcast(documentID, EventPeerCursorUpdate, PeerCursor{
		DocumentID: documentID,
		SocketID:   connectionID,
		Position:   position,
		Selection:  selection,
	}, connectionID)
	return nil
}

// Close tears the session down, re-broadcasts presence for the document it
// was viewing and flushes that document only.
func (s *Service) Close(connectionID string) {
	documentID, ok := s.hub.Close(connectionID)
	if !ok {
		return
	}
	if documentID != "" {
		s.flush(documentID)
	}
	logrus.WithFields(logrus.Fields{
		"connection_id": connectionID,
		"document_id":   documentID,
	}).Info("Connection closed")
}

// ActiveRooms maps each document being viewed to its viewer count.
func (s *Service) ActiveRooms() map[string]int {
	return s.hub.ActiveRooms()
}

// Shutdown stops coalesced relays and flushes every pending save.
func (s *Service) Shutdown() {
	s.relay.Stop()
	s.saver.FlushAll()
	logrus.Info("Realtime service stopped")
}

func (s *Service) isMember(ctx context.Context, principal, documentID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	return s.access.IsMember(ctx, principal, documentID)
}

func (s *Service) load(ctx context.Context, documentID string) (*core.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	return s.store.FindID(ctx, documentID)
}

func (s *Service) flush(documentID string) {
	// failures are logged by the scheduler
	_, _ = s.saver.Flush(documentID)
}

func (s *Service) saveContent(ctx context.Context, documentID, content string) (*core.Document, error) {
	doc, err := s.store.Update(ctx, documentID, core.DocumentPatch{Content: &content})
	if err != nil {
		return nil, err
	}
	s.recordAck(documentID, doc)
	return doc, nil
}

func (s *Service) watchLoad(documentID string) (*loadWatch, func()) {
	w := &loadWatch{}
	s.mu.Lock()
	s.loads[documentID] = append(s.loads[documentID], w)
	s.mu.Unlock()

	return w, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		watches := slices.DeleteFunc(s.loads[documentID], func(other *loadWatch) bool { return other == w })
		if len(watches) == 0 {
			delete(s.loads, documentID)
			return
		}
		s.loads[documentID] = watches
	}
}

// recordAck hands a document returned by the store to every joiner that is
// still loading it.
func (s *Service) recordAck(documentID string, doc *core.Document) {
	if doc == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.loads[documentID] {
		if w.acked == nil || !doc.UpdatedAt.Before(w.acked.UpdatedAt) {
			w.acked = doc
		}
	}
}

func (s *Service) ackedDuring(w *loadWatch) *core.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return w.acked
}

func (s *Service) autoSaved(documentID string, doc *core.Document) {
	s.hub.Broadcast(documentID, EventAutoSaved, AutoSaved{
		DocumentID: documentID,
		Timestamp:  doc.UpdatedAt,
	}, "")
}

func (s *Service) touchRoom(ctx context.Context, documentID string) {
	if s.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	if err := s.registry.TouchRoom(ctx, documentID); err != nil {
		logrus.WithError(err).WithField("document_id", documentID).Warn("Failed to record room activity")
	}
}

// Reject reports a payload the transport could not decode.
func (s *Service) Reject(connectionID string, err error) error {
	return s.reject(connectionID, "", err)
}

// reject reports err to the originating connection and returns it.
func (s *Service) reject(connectionID, documentID string, err error) error {
	s.hub.EmitTo(connectionID, EventError, ErrorMessage{
		Message:    errorMessage(err),
		DocumentID: documentID,
	})
	return err
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, core.ErrDocumentNotFound):
		return "Document not found"
	case errors.Is(err, ErrForbidden):
		return "Access denied. Not a document collaborator."
	case errors.Is(err, ErrNotJoined):
		return "Join the document before sending changes"
	default:
		return err.Error()
	}
}
