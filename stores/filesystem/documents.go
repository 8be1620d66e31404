package filesystem

import (
	"codecollab-server/core"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type documentStore struct {
	basePath string
	// guards read-modify-write in Update
	mu sync.Mutex
}

// NewDocumentStore stores each document as <basePath>/<id>.json.
func NewDocumentStore(basePath string) (*documentStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	return &documentStore{basePath: basePath}, nil
}

func (s *documentStore) documentPath(id string) (string, error) {
	if id == "" || id == "." || id == ".." || filepath.Base(id) != id {
		return "", fmt.Errorf("invalid document id %q", id)
	}
	return filepath.Join(s.basePath, id+".json"), nil
}

func (s *documentStore) FindID(ctx context.Context, id string) (*core.Document, error) {
	log := logrus.WithField("document_id", id)

	filePath, err := s.documentPath(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrDocumentNotFound, err)
	}

	doc, err := readDocument(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn("Document with specified ID not found")
			return nil, fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
		}
		log.WithError(err).Error("Failed to retrieve document")
		return nil, err
	}

	log.WithField("file_path", filePath).Debug("Document retrieved successfully")
	return doc, nil
}

func (s *documentStore) Create(ctx context.Context, document *core.Document) (string, error) {
	id := ulid.Make().String()
	filePath, _ := s.documentPath(id)
	now := time.Now().UTC()
	log := logrus.WithFields(logrus.Fields{
		"document_id": id,
		"file_path":   filePath,
	})

	doc := *document
	doc.ID = id
	if doc.Language == "" {
		doc.Language = core.DefaultLanguage
	}
	doc.CreatedAt = now
	doc.UpdatedAt = now

	if err := writeDocument(filePath, &doc); err != nil {
		log.WithError(err).Error("Failed to create document")
		return "", err
	}

	log.Info("Document created successfully")
	return id, nil
}

func (s *documentStore) Update(ctx context.Context, id string, patch core.DocumentPatch) (*core.Document, error) {
	filePath, err := s.documentPath(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrDocumentNotFound, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := readDocument(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
		}
		return nil, err
	}

	patch.Apply(doc, time.Now().UTC())
	if err := writeDocument(filePath, doc); err != nil {
		logrus.WithField("document_id", id).WithError(err).Error("Failed to write document")
		return nil, err
	}
	return doc, nil
}

func readDocument(filePath string) (*core.Document, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var doc core.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filePath, err)
	}
	return &doc, nil
}

// writeDocument replaces the file atomically so readers never see a torn write.
func writeDocument(filePath string, doc *core.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".document-*.tmp")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filePath)
}
