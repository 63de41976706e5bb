package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, key := range []string{
		"MEMO_API_BASE_URL", "MEMO_LISTEN_ADDR", "MEMO_DATA_PATH", "MEMO_TOKEN_STORE",
		"MEMO_TOKEN_SECRET", "MEMO_REQUEST_TIMEOUT", "MEMO_HOME_NOTES", "MEMO_TAGS_PAGE", "MEMO_METRICS",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.APIBaseURL != "http://localhost:3001" {
		t.Fatalf("expected default base url, got %q", cfg.APIBaseURL)
	}
	if cfg.ListenAddr != "127.0.0.1:8080" {
		t.Fatalf("expected default listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.TokenStore != TokenStoreSQLite {
		t.Fatalf("expected sqlite token store, got %q", cfg.TokenStore)
	}
	if cfg.RequestTimeout != 15*time.Second {
		t.Fatalf("expected 15s timeout, got %s", cfg.RequestTimeout)
	}
	if cfg.TagsPageSize != 25 {
		t.Fatalf("expected tags page 25, got %d", cfg.TagsPageSize)
	}
	if cfg.Metrics {
		t.Fatal("expected metrics disabled by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MEMO_API_BASE_URL", "https://api.example.com/")
	t.Setenv("MEMO_TOKEN_STORE", "FILE")
	t.Setenv("MEMO_REQUEST_TIMEOUT", "2s")
	t.Setenv("MEMO_HOME_NOTES", "-3")
	t.Setenv("MEMO_METRICS", "true")

	cfg := Load()
	if cfg.APIBaseURL != "https://api.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.APIBaseURL)
	}
	if cfg.TokenStore != TokenStoreFile {
		t.Fatalf("expected file token store, got %q", cfg.TokenStore)
	}
	if cfg.RequestTimeout != 2*time.Second {
		t.Fatalf("expected 2s timeout, got %s", cfg.RequestTimeout)
	}
	if cfg.HomeNotes != 20 {
		t.Fatalf("expected invalid home notes to fall back to 20, got %d", cfg.HomeNotes)
	}
	if !cfg.Metrics {
		t.Fatal("expected metrics enabled")
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("MEMO_LISTEN_ADDR", "")
	os.Unsetenv("MEMO_LISTEN_ADDR")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("MEMO_LISTEN_ADDR=127.0.0.1:9999\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg := Load()
	if cfg.ListenAddr != "127.0.0.1:9999" {
		t.Fatalf("expected listen addr from .env, got %q", cfg.ListenAddr)
	}
}
