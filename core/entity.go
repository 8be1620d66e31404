package core

import (
	"context"
	"errors"
	"slices"
	"time"
)

// DefaultLanguage is the language tag given to documents created without one.
const DefaultLanguage = "javascript"

// ErrDocumentNotFound is returned (wrapped) by every DocumentStore when the
// requested id does not exist.
var ErrDocumentNotFound = errors.New("document not found")

type (
	Document struct {
		ID            string    `json:"id"`
		Name          string    `json:"name"`
		Content       string    `json:"content"`
		Language      string    `json:"language"`
		Collaborators []string  `json:"collaborators,omitempty"`
		CreatedAt     time.Time `json:"createdAt"`
		UpdatedAt     time.Time `json:"updatedAt"`
	}

	// DocumentPatch is a partial update. Nil fields are left untouched.
	DocumentPatch struct {
		Content          *string
		Language         *string
		AddCollaborators []string
	}

	DocumentStore interface {
		FindID(ctx context.Context, id string) (*Document, error)
		Create(ctx context.Context, document *Document) (string, error)
		// Update applies patch and always refreshes UpdatedAt.
		Update(ctx context.Context, id string, patch DocumentPatch) (*Document, error)
	}

	Room struct {
		ID         string
		LastActive int64
	}

	RoomRegistry interface {
		ListRooms(ctx context.Context) ([]Room, error)
		TouchRoom(ctx context.Context, roomID string) error
	}

	AccessChecker interface {
		IsMember(ctx context.Context, principal, documentID string) (bool, error)
	}
)

// HasCollaborator reports whether principal is on the document's access list.
func (d *Document) HasCollaborator(principal string) bool {
	return slices.Contains(d.Collaborators, principal)
}

// Apply mutates d according to patch. Stores call it before persisting.
func (p DocumentPatch) Apply(d *Document, now time.Time) {
	if p.Content != nil {
		d.Content = *p.Content
	}
	if p.Language != nil {
		d.Language = *p.Language
	}
	for _, principal := range p.AddCollaborators {
		if principal != "" && !d.HasCollaborator(principal) {
			d.Collaborators = append(d.Collaborators, principal)
		}
	}
	d.UpdatedAt = now
}

// CollaboratorAccess grants access to principals listed on the document.
type CollaboratorAccess struct {
	Store DocumentStore
}

func (a CollaboratorAccess) IsMember(ctx context.Context, principal, documentID string) (bool, error) {
	doc, err := a.Store.FindID(ctx, documentID)
	if err != nil {
		return false, err
	}
	return doc.HasCollaborator(principal), nil
}

// AllowAll is used when authentication is disabled.
type AllowAll struct{}

func (AllowAll) IsMember(context.Context, string, string) (bool, error) {
	return true, nil
}
