package documents

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"codecollab-server/core"
	"codecollab-server/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	DocumentCreateRequest struct {
		Name     string `json:"name"`
		Content  string `json:"content"`
		Language string `json:"language"`
	}

	DocumentCreateResponse struct {
		ID string `json:"id"`
	}

	CollaboratorRequest struct {
		Principal string `json:"principal"`
	}
)

// HandleCreate creates a document owned by the caller. An empty body creates
// an empty document with the default language.
func HandleCreate(store core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := middleware.Principal(r.Context())

		var req DocumentCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Invalid request body"})
			return
		}

		doc := &core.Document{
			Name:     strings.TrimSpace(req.Name),
			Content:  req.Content,
			Language: strings.TrimSpace(req.Language),
		}
		if principal != "" {
			doc.Collaborators = []string{principal}
		}

		id, err := store.Create(r.Context(), doc)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error":     err,
				"principal": principal,
			}).Error("Failed to create document")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to create document"})
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, DocumentCreateResponse{ID: id})
	}
}

// HandleGet returns the stored document to one of its collaborators.
func HandleGet(store core.DocumentStore, access core.AccessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, ok := authorize(w, r, store, access)
		if !ok {
			return
		}
		render.JSON(w, r, doc)
	}
}

// HandleAddCollaborator grants another principal access to the document.
func HandleAddCollaborator(store core.DocumentStore, access core.AccessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, ok := authorize(w, r, store, access)
		if !ok {
			return
		}

		var req CollaboratorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Principal) == "" {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "principal is required"})
			return
		}

		updated, err := store.Update(r.Context(), doc.ID, core.DocumentPatch{
			AddCollaborators: []string{strings.TrimSpace(req.Principal)},
		})
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error":       err,
				"document_id": doc.ID,
			}).Error("Failed to add collaborator")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to add collaborator"})
			return
		}

		render.JSON(w, r, updated)
	}
}

func authorize(w http.ResponseWriter, r *http.Request, store core.DocumentStore, access core.AccessChecker) (*core.Document, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "Document id is required"})
		return nil, false
	}
	principal := middleware.Principal(r.Context())
	log := logrus.WithFields(logrus.Fields{
		"document_id": id,
		"principal":   principal,
	})

	allowed, err := access.IsMember(r.Context(), principal, id)
	if err == nil && !allowed {
		log.Warn("Document access denied")
		render.Status(r, http.StatusForbidden)
		render.JSON(w, r, map[string]string{"error": "Access denied. Not a document collaborator."})
		return nil, false
	}

	var doc *core.Document
	if err == nil {
		doc, err = store.FindID(r.Context(), id)
	}
	if err != nil {
		if errors.Is(err, core.ErrDocumentNotFound) {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, map[string]string{"error": "Document not found"})
			return nil, false
		}
		log.WithError(err).Error("Failed to load document")
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"error": "Failed to load document"})
		return nil, false
	}
	return doc, true
}
