package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	APIBaseURL     string
	ListenAddr     string
	DataPath       string
	TokenStore     string
	TokenSecret    string
	RequestTimeout time.Duration
	HomeNotes      int
	TagsPageSize   int
	Metrics        bool
}

const (
	TokenStoreSQLite = "sqlite"
	TokenStoreFile   = "file"
)

func Load() Config {
	loadEnvFile()

	cfg := Config{
		APIBaseURL:  strings.TrimRight(envOr("MEMO_API_BASE_URL", "http://localhost:3001"), "/"),
		ListenAddr:  envOr("MEMO_LISTEN_ADDR", "127.0.0.1:8080"),
		DataPath:    envOr("MEMO_DATA_PATH", ".memoledger"),
		TokenStore:  strings.ToLower(envOr("MEMO_TOKEN_STORE", TokenStoreSQLite)),
		TokenSecret: os.Getenv("MEMO_TOKEN_SECRET"),
	}

	cfg.RequestTimeout = parseDurationOr("MEMO_REQUEST_TIMEOUT", 15*time.Second)
	cfg.HomeNotes = parseIntOr("MEMO_HOME_NOTES", 20)
	cfg.TagsPageSize = parseIntOr("MEMO_TAGS_PAGE", 25)
	cfg.Metrics = parseBoolOr("MEMO_METRICS", false)
	return cfg
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func parseDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func parseIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return fallback
}

func parseBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
