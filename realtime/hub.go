package realtime

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Session is one open connection. Document is empty until the connection
// joins a document.
type Session struct {
	ID        string
	Principal string
	Document  string
	OpenedAt  time.Time
}

// Hub is the session registry and presence tracker. Membership changes and
// every emit that depends on membership happen under mu, so fan-out order to a
// room equals the order in which the hub processed the events.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*Session
	rooms    map[string]map[string]struct{}
	emitter  Emitter
}

func NewHub(emitter Emitter) *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]struct{}),
		emitter:  emitter,
	}
}

// Open registers a session that has not joined any document.
func (h *Hub) Open(connectionID, principal string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.sessions[connectionID]; exists {
		return fmt.Errorf("connection %s already open", connectionID)
	}
	h.sessions[connectionID] = &Session{
		ID:        connectionID,
		Principal: principal,
		OpenedAt:  time.Now(),
	}
	return nil
}

// Session returns a copy of the session state.
func (h *Hub) Session(connectionID string) (Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[connectionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Join moves the connection into documentID's room. Any previous membership
// is removed first and its room is told the new count. snapshot is evaluated
// under the lock and delivered to the joiner before the presence broadcast.
// It returns the previously joined document, if any.
func (h *Hub) Join(connectionID, documentID string, snapshot func() any) (previous string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[connectionID]
	if !ok {
		return "", ErrUnknownConnection
	}

	previous = s.Document
	if previous != "" && previous != documentID {
		h.removeLocked(s)
	}

	room, ok := h.rooms[documentID]
	if !ok {
		room = make(map[string]struct{})
		h.rooms[documentID] = room
	}
	room[connectionID] = struct{}{}
	s.Document = documentID

	if snapshot != nil {
		h.emitter.Emit(connectionID, EventDocumentLoaded, snapshot())
	}
	h.broadcastPresenceLocked(documentID)

	logrus.WithFields(logrus.Fields{
		"connection_id": connectionID,
		"document_id":   documentID,
		"users":         len(room),
	}).Debug("Connection joined document")

	if previous == documentID {
		previous = ""
	}
	return previous, nil
}

// Leave removes the connection from documentID's room.
func (h *Hub) Leave(connectionID, documentID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[connectionID]
	if !ok {
		return ErrUnknownConnection
	}
	if s.Document != documentID {
		return ErrNotJoined
	}
	h.removeLocked(s)
	return nil
}

// Close destroys the session and returns the document it was viewing.
func (h *Hub) Close(connectionID string) (documentID string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[connectionID]
	if !ok {
		return "", false
	}
	documentID = s.Document
	if documentID != "" {
		h.removeLocked(s)
	}
	delete(h.sessions, connectionID)
	return documentID, true
}

// removeLocked drops s from its room, deletes the room when it becomes empty
// and broadcasts the new count to whoever is left.
func (h *Hub) removeLocked(s *Session) {
	documentID := s.Document
	s.Document = ""

	room, ok := h.rooms[documentID]
	if !ok {
		return
	}
	delete(room, s.ID)
	if len(room) == 0 {
		delete(h.rooms, documentID)
		return
	}
	h.broadcastPresenceLocked(documentID)
}

func (h *Hub) broadcastPresenceLocked(documentID string) {
	room := h.rooms[documentID]
	h.broadcastLocked(documentID, EventActiveUsers, ActiveUsers{
		DocumentID: documentID,
		Count:      len(room),
	}, "")
}

// Broadcast emits to every member of the room except the connection named by
// except (which may be empty).
func (h *Hub) Broadcast(documentID, event string, payload any, except string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(documentID, event, payload, except)
}

func (h *Hub) broadcastLocked(documentID, event string, payload any, except string) {
	for _, member := range sortedMembers(h.rooms[documentID]) {
		if member == except {
			continue
		}
		h.emitter.Emit(member, event, payload)
	}
}

// EmitTo sends to a single open connection.
func (h *Hub) EmitTo(connectionID, event string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[connectionID]; ok {
		h.emitter.Emit(connectionID, event, payload)
	}
}

// IsMember reports whether the connection currently views documentID.
func (h *Hub) IsMember(connectionID, documentID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.rooms[documentID][connectionID]
	return ok
}

// Count is the current number of viewers of documentID.
func (h *Hub) Count(documentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[documentID])
}

// ActiveRooms maps each non-empty room to its viewer count.
func (h *Hub) ActiveRooms() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms := make(map[string]int, len(h.rooms))
	for id, members := range h.rooms {
		rooms[id] = len(members)
	}
	return rooms
}

// Sessions returns the number of open connections.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// sorted so delivery order is deterministic
func sortedMembers(room map[string]struct{}) []string {
	members := make([]string, 0, len(room))
	for id := range room {
		members = append(members, id)
	}
	sort.Strings(members)
	return members
}
