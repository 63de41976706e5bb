// Package web serves the MemoLedger views from a loopback HTTP server. All
// session state lives in the session store; pages are rendered server-side.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"memoledger/internal/config"
	"memoledger/internal/notes"
	"memoledger/internal/session"
)

type Server struct {
	cfg     config.Config
	session *session.Store
	notes   *notes.Service
	mux     *http.ServeMux
	views   *Templates
	toasts  *toastStore
	events  *sseHub
	metrics http.Handler
	stop    func()
}

// NewServer wires the views to store and svc. metrics may be nil, in which
// case /metrics is not served.
func NewServer(cfg config.Config, store *session.Store, svc *notes.Service, metrics http.Handler) *Server {
	s := &Server{
		cfg:     cfg,
		session: store,
		notes:   svc,
		mux:     http.NewServeMux(),
		views:   MustParseTemplates(),
		toasts:  newToastStore(),
		events:  newSSEHub(),
		metrics: metrics,
	}
	s.stop = store.Subscribe(s.publishSession)
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.logRequests(s.rejectCrossSite(s.withSession(s.mux)))
}

// Close detaches the server from the session store.
func (s *Server) Close() {
	if s.stop != nil {
		s.stop()
	}
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleHome)
	s.mux.HandleFunc("GET /login", s.anonymousOnly(s.handleLoginForm))
	s.mux.HandleFunc("POST /login", s.anonymousOnly(s.handleLogin))
	s.mux.HandleFunc("GET /signup", s.anonymousOnly(s.handleSignupForm))
	s.mux.HandleFunc("POST /signup", s.anonymousOnly(s.handleSignup))
	s.mux.HandleFunc("POST /logout", s.handleLogout)

	s.mux.HandleFunc("GET /profile", s.requireUser(s.handleProfile))
	s.mux.HandleFunc("GET /profile/edit", s.requireUser(s.handleProfileForm))
	s.mux.HandleFunc("POST /profile/edit", s.requireUser(s.handleProfileUpdate))
	s.mux.HandleFunc("GET /profile/delete", s.requireUser(s.handleProfileDeleteConfirm))
	s.mux.HandleFunc("POST /profile/delete", s.requireUser(s.handleProfileDelete))

	s.mux.HandleFunc("GET /search", s.requireUser(s.handleSearch))
	s.mux.HandleFunc("POST /notes/new", s.requireUser(s.handleNewNote))
	s.mux.HandleFunc("GET /notes/{noteId}", s.requireUser(s.handleViewNote))
	s.mux.HandleFunc("GET /notes/{noteId}/edit", s.requireUser(s.handleEditNote))
	s.mux.HandleFunc("POST /notes/{noteId}/edit", s.requireUser(s.handleSaveNote))
	s.mux.HandleFunc("POST /notes/{noteId}/cancel", s.requireUser(s.handleCancelEdit))
	s.mux.HandleFunc("GET /notes/{noteId}/delete", s.requireUser(s.handleDeleteConfirm))
	s.mux.HandleFunc("POST /notes/{noteId}/delete", s.requireUser(s.handleDeleteNote))
	s.mux.HandleFunc("POST /notes/{noteId}/tags", s.requireUser(s.handleNoteTags))
	s.mux.HandleFunc("GET /tags/{tagName}", s.requireUser(s.handleTagNotes))

	s.mux.HandleFunc("GET /events", s.handleEvents)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("http", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start).String())
	})
}

// rejectCrossSite refuses state-changing requests submitted from another
// origin's page, so a site the user visits cannot drive the signed-in client.
func (s *Server) rejectCrossSite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
		default:
			if crossOrigin(r) {
				slog.Warn("cross-origin request refused", "method", r.Method, "path", r.URL.Path, "origin", r.Header.Get("Origin"))
				http.Error(w, "cross-origin request refused", http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func crossOrigin(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Site") == "cross-site" {
		return true
	}
	for _, header := range []string{"Origin", "Referer"} {
		v := r.Header.Get(header)
		if v == "" {
			continue
		}
		u, err := url.Parse(v)
		if err != nil || u.Host != r.Host {
			return true
		}
	}
	return false
}

type sessionEvent struct {
	State    string `json:"state"`
	Busy     bool   `json:"busy"`
	Username string `json:"username,omitempty"`
}

func (s *Server) publishSession(snap session.Snapshot) {
	ev := sessionEvent{State: snap.State.String(), Busy: snap.Busy}
	if snap.User != nil {
		ev.Username = snap.User.Username
	}
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("encode session event", "err", err)
		return
	}
	s.events.broadcastAll("session", data)
}
