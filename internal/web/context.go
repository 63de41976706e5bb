package web

import (
	"context"
	"net/http"

	"memoledger/internal/model"
	"memoledger/internal/session"
)

type contextKey int

const snapshotKey contextKey = iota

func WithSnapshot(ctx context.Context, snap session.Snapshot) context.Context {
	return context.WithValue(ctx, snapshotKey, snap)
}

func SnapshotFrom(ctx context.Context) session.Snapshot {
	snap, _ := ctx.Value(snapshotKey).(session.Snapshot)
	return snap
}

func CurrentUser(ctx context.Context) (*model.User, bool) {
	snap := SnapshotFrom(ctx)
	if !snap.Authenticated() {
		return nil, false
	}
	return snap.User, true
}

func (s *Server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := s.session.Snapshot()
		if snap.State == session.Loading && r.URL.Path != "/events" && r.URL.Path != "/metrics" {
			w.Header().Set("Retry-After", "1")
			s.views.RenderPage(w, http.StatusServiceUnavailable, ViewData{
				Title:           "Loading",
				ContentTemplate: "loading",
				Session:         snap,
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSnapshot(r.Context(), snap)))
	})
}
