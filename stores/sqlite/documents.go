package sqlite

import (
	"codecollab-server/core"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL DEFAULT 'javascript',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS document_collaborators (
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	principal TEXT NOT NULL,
	PRIMARY KEY (document_id, principal)
);
CREATE TABLE IF NOT EXISTS rooms (
	room_id TEXT PRIMARY KEY,
	last_active INTEGER NOT NULL
);`

type documentStore struct {
	db *sql.DB
}

func NewDocumentStore(dataSourceName string) (*documentStore, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// sqlite serialises writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &documentStore{db}, nil
}

func (s *documentStore) Close() error {
	return s.db.Close()
}

func (s *documentStore) FindID(ctx context.Context, id string) (*core.Document, error) {
	log := logrus.WithField("document_id", id)
	log.Debug("Retrieving document by ID")

	doc, err := findDocument(ctx, s.db, id)
	if err != nil {
		if errors.Is(err, core.ErrDocumentNotFound) {
			log.Warn("Document with specified ID not found")
		} else {
			log.WithError(err).Error("Failed to retrieve document")
		}
		return nil, err
	}
	return doc, nil
}

func (s *documentStore) Create(ctx context.Context, document *core.Document) (string, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()
	language := document.Language
	if language == "" {
		language = core.DefaultLanguage
	}
	log := logrus.WithFields(logrus.Fields{
		"document_id":    id,
		"content_length": len(document.Content),
	})

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO documents (id, name, content, language, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		id, document.Name, document.Content, language, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		log.WithError(err).Error("Failed to create document")
		return "", err
	}
	if err = addCollaborators(ctx, tx, id, document.Collaborators); err != nil {
		log.WithError(err).Error("Failed to store collaborators")
		return "", err
	}
	if err = tx.Commit(); err != nil {
		return "", err
	}

	log.Info("Document created successfully")
	return id, nil
}

func (s *documentStore) Update(ctx context.Context, id string, patch core.DocumentPatch) (*core.Document, error) {
	log := logrus.WithField("document_id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	doc, err := findDocument(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	patch.Apply(doc, time.Now().UTC())

	_, err = tx.ExecContext(ctx,
		"UPDATE documents SET content = ?, language = ?, updated_at = ? WHERE id = ?",
		doc.Content, doc.Language, doc.UpdatedAt.UnixMilli(), id)
	if err != nil {
		log.WithError(err).Error("Failed to update document")
		return nil, err
	}
	if err = addCollaborators(ctx, tx, id, patch.AddCollaborators); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}

	log.Debug("Document updated")
	return doc, nil
}

func (s *documentStore) TouchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO rooms (room_id, last_active) VALUES (?, ?) ON CONFLICT(room_id) DO UPDATE SET last_active = excluded.last_active",
		roomID, time.Now().UnixMilli())
	return err
}

func (s *documentStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT room_id, last_active FROM rooms ORDER BY last_active DESC, room_id ASC")
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to close room rows")
		}
	}()

	var rooms []core.Room
	for rows.Next() {
		var room core.Room
		if err := rows.Scan(&room.ID, &room.LastActive); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func findDocument(ctx context.Context, q querier, id string) (*core.Document, error) {
	var (
		doc                  core.Document
		createdAt, updatedAt int64
	)
	err := q.QueryRowContext(ctx,
		"SELECT id, name, content, language, created_at, updated_at FROM documents WHERE id = ?", id).
		Scan(&doc.ID, &doc.Name, &doc.Content, &doc.Language, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
		}
		return nil, err
	}
	doc.CreatedAt = time.UnixMilli(createdAt).UTC()
	doc.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	rows, err := q.QueryContext(ctx,
		"SELECT principal FROM document_collaborators WHERE document_id = ? ORDER BY rowid", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var principal string
		if err := rows.Scan(&principal); err != nil {
			return nil, err
		}
		doc.Collaborators = append(doc.Collaborators, principal)
	}
	return &doc, rows.Err()
}

func addCollaborators(ctx context.Context, tx *sql.Tx, documentID string, principals []string) error {
	for _, principal := range principals {
		if principal == "" {
			continue
		}
		_, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO document_collaborators (document_id, principal) VALUES (?, ?)",
			documentID, principal)
		if err != nil {
			return err
		}
	}
	return nil
}
