package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/trellis/checkpoint"
	"github.com/GoCodeAlone/trellis/config"
	"github.com/GoCodeAlone/trellis/cursor"
	"github.com/GoCodeAlone/trellis/escalation"
	"github.com/GoCodeAlone/trellis/events"
	"github.com/GoCodeAlone/trellis/graph"
	"github.com/GoCodeAlone/trellis/hierarchy"
)

const (
	testUser     = "admin"
	testPassword = "swordfish"
	testOrg      = "acme"
)

// newTestServer wires a full server over a temp SQLite store. Routes
// are registered but nothing listens; requests go through s.mux.
func newTestServer(t *testing.T) (*Server, graph.Store) {
	t.Helper()

	f, err := os.CreateTemp("", "trellis-server-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	store, err := graph.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt hash: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.AdminUser = testUser
	cfg.Auth.AdminPass = string(hash)
	cfg.Auth.Organization = testOrg

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s := New(*cfg, "test", logger)

	bus := events.NewInMemoryBus()
	s.SetBus(bus)
	s.SetSynchronizer(hierarchy.NewSynchronizer(store, bus, logger))
	s.SetCursorTracker(cursor.NewTracker(store, bus, logger))
	s.SetCheckpointStore(checkpoint.NewStore(store, bus, logger))
	s.SetEscalationWorkflow(escalation.NewWorkflow(store, bus, logger))
	s.registerRoutes()

	return s, store
}

// login obtains a bearer token via the real login endpoint.
func login(t *testing.T, s *Server) string {
	t.Helper()
	rec := doJSON(t, s, "POST", "/api/auth/login", "",
		map[string]string{"username": testUser, "password": testPassword})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp loginResponse
	decodeBody(t, rec, &resp)
	if resp.Token == "" {
		t.Fatal("login returned empty token")
	}
	return resp.Token
}

// doJSON performs a request against the server mux with an optional
// bearer token and JSON body.
func doJSON(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}
