package memory

import (
	"codecollab-server/core"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestCreate_Success(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()

	id, err := store.Create(ctx, &core.Document{Name: "main.go", Content: "package main"})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	// ULIDs are 26 characters
	if len(id) != 26 {
		t.Errorf("Create() returned invalid ID length: got %d, want 26", len(id))
	}

	doc, err := store.FindID(ctx, id)
	if err != nil {
		t.Fatalf("FindID() failed: %v", err)
	}
	if doc.ID != id {
		t.Errorf("ID mismatch: got %q, want %q", doc.ID, id)
	}
	if doc.Language != core.DefaultLanguage {
		t.Errorf("Language default mismatch: got %q, want %q", doc.Language, core.DefaultLanguage)
	}
	if doc.CreatedAt.IsZero() || doc.UpdatedAt.IsZero() {
		t.Error("timestamps were not set")
	}
}

func TestFindID_NotFound(t *testing.T) {
	store := NewDocumentStore()

	_, err := store.FindID(context.Background(), "nonexistent-id")
	if !errors.Is(err, core.ErrDocumentNotFound) {
		t.Errorf("FindID() error = %v, want ErrDocumentNotFound", err)
	}
}

func TestUpdate_PartialPatch(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()

	id, err := store.Create(ctx, &core.Document{Name: "a", Content: "old", Language: "go"})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	before, _ := store.FindID(ctx, id)

	time.Sleep(2 * time.Millisecond)
	content := "new"
	updated, err := store.Update(ctx, id, core.DocumentPatch{Content: &content})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	if updated.Content != "new" {
		t.Errorf("Content mismatch: got %q", updated.Content)
	}
	if updated.Language != "go" {
		t.Errorf("Language should be untouched, got %q", updated.Language)
	}
	if !updated.UpdatedAt.After(before.UpdatedAt) {
		t.Error("UpdatedAt was not refreshed")
	}

	language := "python"
	updated, err = store.Update(ctx, id, core.DocumentPatch{Language: &language})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if updated.Content != "new" || updated.Language != "python" {
		t.Errorf("unexpected document after language patch: %+v", updated)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	store := NewDocumentStore()
	content := "x"

	_, err := store.Update(context.Background(), "missing", core.DocumentPatch{Content: &content})
	if !errors.Is(err, core.ErrDocumentNotFound) {
		t.Errorf("Update() error = %v, want ErrDocumentNotFound", err)
	}
}

func TestUpdate_AddCollaborators(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()

	id, _ := store.Create(ctx, &core.Document{Collaborators: []string{"alice"}})
	doc, err := store.Update(ctx, id, core.DocumentPatch{AddCollaborators: []string{"bob", "alice", ""}})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	if strings.Join(doc.Collaborators, ",") != "alice,bob" {
		t.Errorf("Collaborators mismatch: got %v", doc.Collaborators)
	}
}

func TestFindID_ReturnsCopy(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()

	id, _ := store.Create(ctx, &core.Document{Collaborators: []string{"alice"}})
	doc, _ := store.FindID(ctx, id)
	doc.Content = "mutated"
	doc.Collaborators[0] = "mallory"

	again, _ := store.FindID(ctx, id)
	if again.Content != "" || again.Collaborators[0] != "alice" {
		t.Errorf("store state leaked through returned document: %+v", again)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()
	id, _ := store.Create(ctx, &core.Document{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := strings.Repeat("x", i)
			if _, err := store.Update(ctx, id, core.DocumentPatch{Content: &content}); err != nil {
				t.Errorf("concurrent Update() failed: %v", err)
			}
			if _, err := store.FindID(ctx, id); err != nil {
				t.Errorf("concurrent FindID() failed: %v", err)
			}
		}(i)
	}
	wg.Wait()
}

func TestRooms_TouchAndList(t *testing.T) {
	store := NewDocumentStore()
	ctx := context.Background()

	if err := store.TouchRoom(ctx, ""); err == nil {
		t.Error("TouchRoom() should reject an empty room id")
	}

	if err := store.TouchRoom(ctx, "room-a"); err != nil {
		t.Fatalf("TouchRoom() failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := store.TouchRoom(ctx, "room-b"); err != nil {
		t.Fatalf("TouchRoom() failed: %v", err)
	}

	rooms, err := store.ListRooms(ctx)
	if err != nil {
		t.Fatalf("ListRooms() failed: %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("expected 2 rooms, got %d", len(rooms))
	}
	if rooms[0].ID != "room-b" {
		t.Errorf("most recently touched room should come first, got %q", rooms[0].ID)
	}
}
