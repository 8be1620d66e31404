package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"codecollab-server/config"
	"codecollab-server/core"
	"codecollab-server/handlers/auth"
	"codecollab-server/handlers/websocket"
	"codecollab-server/realtime"
	"codecollab-server/stores/memory"
)

func newTestServer(t *testing.T) *server {
	t.Helper()
	store := memory.NewDocumentStore()
	service := realtime.NewService(store, nil, store, websocket.NewRegistry(), realtime.Options{})
	t.Cleanup(service.Shutdown)
	return &server{
		store:    store,
		access:   core.AllowAll{},
		registry: store,
		service:  service,
		verifier: auth.NewVerifier(""),
	}
}

func TestHealthz(t *testing.T) {
	r := setupRouter(newTestServer(t), []string{"http://localhost:*"})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Status code mismatch: got %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestDocumentRoundTripThroughRouter(t *testing.T) {
	s := newTestServer(t)
	r := setupRouter(s, nil)

	body := bytes.NewBufferString(`{"content":"fn main() {}","language":"rust"}`)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/documents", body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("Create status mismatch: got %d, want %d", rec.Code, http.StatusCreated)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/documents/"+created.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Get status mismatch: got %d, want %d", rec.Code, http.StatusOK)
	}

	var doc core.Document
	if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
		t.Fatalf("Failed to decode document: %v", err)
	}
	if doc.Language != "rust" || doc.Content != "fn main() {}" {
		t.Errorf("Document mismatch: %+v", doc)
	}
	if !doc.HasCollaborator(auth.AnonymousPrincipal) {
		t.Errorf("Expected anonymous creator in collaborators, got %v", doc.Collaborators)
	}
}

func TestRoomsListsJoinedDocuments(t *testing.T) {
	s := newTestServer(t)
	r := setupRouter(s, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	id, err := s.store.Create(ctx, &core.Document{})
	if err != nil {
		t.Fatalf("Failed to create document: %v", err)
	}
	if err := s.service.Open("conn-1", ""); err != nil {
		t.Fatalf("Failed to open session: %v", err)
	}
	if err := s.service.Join(ctx, "conn-1", id); err != nil {
		t.Fatalf("Failed to join: %v", err)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))

	var list []struct {
		ID         string `json:"id"`
		Users      int    `json:"users"`
		LastActive *int64 `json:"lastActive"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("Failed to decode rooms: %v", err)
	}
	if len(list) != 1 || list[0].ID != id || list[0].Users != 1 || list[0].LastActive == nil {
		t.Errorf("Unexpected rooms: %+v", list)
	}
}

func TestRoomsRequiresTokenWhenAuthEnabled(t *testing.T) {
	s := newTestServer(t)
	s.verifier = auth.NewVerifier("test-secret")
	r := setupRouter(s, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("Status code mismatch without token: got %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	token, err := s.verifier.CreateJWT("alice", "Alice", time.Hour)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Status code mismatch with token: got %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestAccessCheckerFollowsAuthConfig(t *testing.T) {
	store := memory.NewDocumentStore()

	cfg := &config.Config{}
	if _, ok := newAccessChecker(cfg, store).(core.AllowAll); !ok {
		t.Errorf("expected AllowAll with auth disabled")
	}

	cfg.Auth.JWTSecret = "test-secret"
	if _, ok := newAccessChecker(cfg, store).(core.CollaboratorAccess); !ok {
		t.Errorf("expected CollaboratorAccess with auth enabled")
	}
}
