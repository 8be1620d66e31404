package realtime

import "time"

// Inbound events.
const (
	EventJoinDocument   = "join-document"
	EventLeaveDocument  = "leave-document"
	EventDocumentEdit   = "document-edit"
	EventSaveDocument   = "save-document"
	EventLanguageChange = "document-language-change"
	EventCursorPosition = "cursor-position"
)

// Outbound events.
const (
	EventDocumentLoaded   = "document-loaded"
	EventDocumentChange   = "document-change"
	EventAutoSaved        = "document-auto-saved"
	EventDocumentSaved    = "document-saved"
	EventSavedByPeer      = "document-saved-by-peer"
	EventLanguageUpdated  = "document-language-updated"
	EventActiveUsers      = "active-users-update"
	EventPeerCursorUpdate = "peer-cursor-update"
	EventError            = "error"
)

type (
	DocumentLoaded struct {
		DocumentID string    `json:"documentId"`
		Name       string    `json:"name,omitempty"`
		Content    string    `json:"content"`
		Language   string    `json:"language"`
		UpdatedAt  time.Time `json:"updatedAt"`
	}

	DocumentChange struct {
		DocumentID string `json:"documentId"`
		Content    string `json:"content"`
		SenderID   string `json:"senderId"`
	}

	AutoSaved struct {
		DocumentID string    `json:"documentId"`
		Timestamp  time.Time `json:"timestamp"`
	}

	DocumentSaved struct {
		DocumentID string    `json:"documentId"`
		UpdatedAt  time.Time `json:"updatedAt"`
	}

	SavedByPeer struct {
		DocumentID string `json:"documentId"`
		UserID     string `json:"userId"`
	}

	LanguageUpdated struct {
		DocumentID string `json:"documentId"`
		Language   string `json:"language"`
	}

	ActiveUsers struct {
		DocumentID string `json:"documentId"`
		Count      int    `json:"count"`
	}

	PeerCursor struct {
		DocumentID string `json:"documentId"`
		SocketID   string `json:"socketId"`
		Position   any    `json:"position"`
		Selection  any    `json:"selection,omitempty"`
	}

	ErrorMessage struct {
		Message    string `json:"message"`
		DocumentID string `json:"documentId,omitempty"`
	}
)

// Emitter delivers an outbound event to one connection. Implementations must
// not block: the hub emits while holding its lock.
type Emitter interface {
	Emit(connectionID, event string, payload any)
}
