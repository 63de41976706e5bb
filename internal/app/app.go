// Package app assembles the MemoLedger client from configuration. Both the
// web server and the terminal client start here so they share one token
// store.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"memoledger/internal/api"
	"memoledger/internal/auth"
	"memoledger/internal/config"
	"memoledger/internal/notes"
	"memoledger/internal/session"
	"memoledger/internal/storage"
	"memoledger/internal/storage/fs"
	"memoledger/internal/storage/sqlite"
)

type App struct {
	Config   config.Config
	Registry *prometheus.Registry
	Bearer   *auth.Bearer
	Client   *api.Client
	Session  *session.Store
	Notes    *notes.Service

	kv storage.KV
}

// Open resolves the data directory, opens the configured token store and
// wires the API client, session store and note service on top of it. The
// session is left in the loading state; callers decide when to Load.
func Open(ctx context.Context, cfg config.Config, opts ...api.Option) (*App, error) {
	dataPath, err := resolveDataPath(cfg.DataPath)
	if err != nil {
		return nil, err
	}
	cfg.DataPath = dataPath
	if err := os.MkdirAll(cfg.DataPath, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	kv, err := openKV(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	bearer := &auth.Bearer{}
	clientOpts := append([]api.Option{
		api.WithTimeout(cfg.RequestTimeout),
		api.WithMetrics(api.NewMetrics(reg)),
	}, opts...)
	client := api.New(cfg.APIBaseURL, bearer, clientOpts...)

	sealer := auth.NewSealer(cfg.TokenSecret)
	store := session.New(client, storage.NewTokenStore(kv, sealer), bearer)

	slog.Info("app ready",
		"api", cfg.APIBaseURL,
		"data_path", cfg.DataPath,
		"token_store", cfg.TokenStore,
		"token_sealed", sealer != nil,
	)
	return &App{
		Config:   cfg,
		Registry: reg,
		Bearer:   bearer,
		Client:   client,
		Session:  store,
		Notes:    notes.New(client, store),
		kv:       kv,
	}, nil
}

// MetricsHandler returns nil unless metrics are enabled.
func (a *App) MetricsHandler() http.Handler {
	if !a.Config.Metrics {
		return nil
	}
	return promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry})
}

func (a *App) Close() error {
	if a.kv == nil {
		return nil
	}
	return a.kv.Close()
}

func resolveDataPath(raw string) (string, error) {
	dataPath := strings.TrimSpace(raw)
	if dataPath == "" {
		return "", fmt.Errorf("data path is required")
	}
	return filepath.Abs(dataPath)
}

func openKV(ctx context.Context, cfg config.Config) (storage.KV, error) {
	switch cfg.TokenStore {
	case config.TokenStoreSQLite, "":
		kv, err := sqlite.Open(ctx, filepath.Join(cfg.DataPath, "session.sqlite"))
		if err != nil {
			return nil, fmt.Errorf("open sqlite token store: %w", err)
		}
		return kv, nil
	case config.TokenStoreFile:
		kv, err := fs.Open(filepath.Join(cfg.DataPath, "session"))
		if err != nil {
			return nil, fmt.Errorf("open file token store: %w", err)
		}
		return kv, nil
	default:
		return nil, fmt.Errorf("unknown token store %q", cfg.TokenStore)
	}
}
