package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"memoledger/internal/app"
	"memoledger/internal/config"
	"memoledger/internal/logging"
	"memoledger/internal/web"
)

func main() {
	closeLog := logging.Setup(os.Stdout, logging.OptionsFromEnv())
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config.Load()); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := web.NewServer(a.Config, a.Session, a.Notes, a.MetricsHandler())
	defer srv.Close()

	// Pages show the loading view until the stored token has been checked.
	go a.Session.Load(ctx)

	httpServer := &http.Server{
		Addr:              a.Config.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Request contexts end with ctx so open event streams return on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", a.Config.ListenAddr, "metrics", a.Config.Metrics)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
