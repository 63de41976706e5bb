package app

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"memoledger/internal/api/apitest"
	"memoledger/internal/auth"
	"memoledger/internal/config"
	"memoledger/internal/session"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})))
	os.Exit(m.Run())
}

func testConfig(t *testing.T, backend *apitest.Backend, store string) config.Config {
	t.Helper()
	return config.Config{
		APIBaseURL:  backend.URL(),
		DataPath:    filepath.Join(t.TempDir(), "data"),
		TokenStore:  store,
		TokenSecret: "correct horse",
	}
}

func TestSessionSurvivesRestart(t *testing.T) {
	for _, store := range []string{config.TokenStoreSQLite, config.TokenStoreFile} {
		t.Run(store, func(t *testing.T) {
			backend := apitest.New(t)
			backend.AddUser("alice", "secret", "alice@example.com")
			cfg := testConfig(t, backend, store)
			ctx := context.Background()

			first, err := Open(ctx, cfg)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			first.Session.Load(ctx)
			if _, err := first.Session.Login(ctx, "alice", "secret"); err != nil {
				t.Fatalf("login: %v", err)
			}
			if err := first.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			second, err := Open(ctx, cfg)
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer second.Close()
			second.Session.Load(ctx)
			snap := second.Session.Snapshot()
			if snap.State != session.Authenticated || snap.User.Username != "alice" {
				t.Fatalf("expected alice restored, got %+v", snap)
			}
			if second.Bearer.Token() == "" {
				t.Fatal("expected restored bearer token")
			}
		})
	}
}

func TestTokenIsSealedAtRest(t *testing.T) {
	backend := apitest.New(t)
	backend.AddUser("alice", "secret", "alice@example.com")
	cfg := testConfig(t, backend, config.TokenStoreFile)
	ctx := context.Background()

	a, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	a.Session.Load(ctx)
	if _, err := a.Session.Login(ctx, "alice", "secret"); err != nil {
		t.Fatalf("login: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(a.Config.DataPath, "session", "token"))
	if err != nil {
		t.Fatalf("read token file: %v", err)
	}
	if !auth.IsSealed(string(raw)) {
		t.Fatalf("expected sealed token on disk, got %q", raw)
	}
	if strings.Contains(string(raw), a.Bearer.Token()) {
		t.Fatal("expected the plain token not to appear on disk")
	}
}

func TestUnknownTokenStore(t *testing.T) {
	backend := apitest.New(t)
	cfg := testConfig(t, backend, "redis")
	if _, err := Open(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unknown token store")
	}
}

func TestMetricsHandler(t *testing.T) {
	backend := apitest.New(t)
	cfg := testConfig(t, backend, config.TokenStoreSQLite)
	a, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.MetricsHandler() != nil {
		t.Fatal("expected no metrics handler when disabled")
	}

	a.Config.Metrics = true
	rec := httptest.NewRecorder()
	a.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("expected go runtime metrics, got %d", rec.Code)
	}
}
