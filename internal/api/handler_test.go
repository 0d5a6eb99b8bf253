package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/avelsh/specdec/internal/domain"
	"github.com/avelsh/specdec/internal/session"
	"github.com/avelsh/specdec/internal/store"
)

func newTestServer(t *testing.T, repo store.Repository, sessions *session.Store) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	NewHandler(repo, sessions).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func newTestRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Close returned error: %v", err)
		}
	})
	return repo
}

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s returned error: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
}

func TestHandler_Health(t *testing.T) {
	srv := newTestServer(t, newTestRepo(t), session.New())

	var body map[string]any
	getJSON(t, srv.URL+"/health", http.StatusOK, &body)
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body["status"])
	}
}

func TestHandler_ListSessions(t *testing.T) {
	sessions := session.New()
	if _, err := sessions.Start(7, "prompt", nil, 32, 4); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	srv := newTestServer(t, nil, sessions)

	var body struct {
		Sessions []session.Info `json:"sessions"`
	}
	getJSON(t, srv.URL+"/api/sessions", http.StatusOK, &body)
	if len(body.Sessions) != 1 || body.Sessions[0].ID != 7 {
		t.Errorf("Unexpected sessions payload: %+v", body.Sessions)
	}
	if body.Sessions[0].MaxNewTokens != 32 {
		t.Errorf("Expected max_new_tokens 32, got %d", body.Sessions[0].MaxNewTokens)
	}
}

func TestHandler_ListGenerations(t *testing.T) {
	repo := newTestRepo(t)
	gen := &domain.Generation{
		SessionID:   3,
		Prompt:      "p",
		OutputText:  "o",
		TokensOut:   2,
		FinishedAt:  time.Now(),
		Speculative: true,
	}
	if err := repo.RecordGeneration(context.Background(), gen); err != nil {
		t.Fatalf("RecordGeneration returned error: %v", err)
	}
	srv := newTestServer(t, repo, session.New())

	var body struct {
		Generations []*domain.Generation `json:"generations"`
	}
	getJSON(t, srv.URL+"/api/generations", http.StatusOK, &body)
	if len(body.Generations) != 1 || body.Generations[0].SessionID != 3 {
		t.Errorf("Unexpected generations payload: %+v", body.Generations)
	}
}

func TestHandler_ListGenerations_InvalidLimit(t *testing.T) {
	srv := newTestServer(t, newTestRepo(t), session.New())
	getJSON(t, srv.URL+"/api/generations?limit=bogus", http.StatusBadRequest, nil)
}

func TestHandler_GetGeneration_NotFound(t *testing.T) {
	srv := newTestServer(t, newTestRepo(t), session.New())
	getJSON(t, srv.URL+"/api/generations/404", http.StatusNotFound, nil)
}

func TestHandler_GetGeneration_BadID(t *testing.T) {
	srv := newTestServer(t, newTestRepo(t), session.New())
	getJSON(t, srv.URL+"/api/generations/notanumber", http.StatusBadRequest, nil)
}

func TestHandler_PersistenceDisabled(t *testing.T) {
	srv := newTestServer(t, nil, session.New())
	getJSON(t, srv.URL+"/api/generations", http.StatusNotImplemented, nil)
	getJSON(t, srv.URL+"/api/generations/1", http.StatusNotImplemented, nil)
}
