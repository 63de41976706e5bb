package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	toastInfo  = "info"
	toastError = "error"

	anonymousToastKey   = "anonymous"
	sessionEndedMessage = "Your session has ended. Please log in again."
)

type Toast struct {
	ID              string    `json:"id"`
	Message         string    `json:"message"`
	Kind            string    `json:"kind"`
	DurationSeconds int       `json:"durationSeconds"`
	CreatedAt       time.Time `json:"createdAt"`
}

// toastStore queues notifications per viewer until the next page shows them.
type toastStore struct {
	mu     sync.Mutex
	byUser map[string][]Toast
}

func newToastStore() *toastStore {
	return &toastStore{byUser: make(map[string][]Toast)}
}

func (s *toastStore) Add(key string, toast Toast) {
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUser[key] = append(s.byUser[key], toast)
}

// Take returns the unexpired toasts for key and forgets all of them.
func (s *toastStore) Take(key string) []Toast {
	if key == "" {
		return nil
	}
	now := time.Now()
	s.mu.Lock()
	toasts := s.byUser[key]
	delete(s.byUser, key)
	s.mu.Unlock()

	var out []Toast
	for _, toast := range toasts {
		if toast.DurationSeconds > 0 {
			exp := toast.CreatedAt.Add(time.Duration(toast.DurationSeconds) * time.Second)
			if now.After(exp) {
				continue
			}
		}
		out = append(out, toast)
	}
	return out
}

// toastKey is the signed-in username, or a shared key for anonymous viewers.
// The server holds a single session for one local user, so every anonymous
// tab belongs to that user.
func toastKey(r *http.Request) string {
	if user, ok := CurrentUser(r.Context()); ok {
		return "user:" + user.Username
	}
	return anonymousToastKey
}

func newToast(kind, message string) Toast {
	return Toast{
		ID:              uuid.NewString(),
		Message:         message,
		Kind:            kind,
		DurationSeconds: 30,
		CreatedAt:       time.Now(),
	}
}

func (s *Server) addToast(key string, toast Toast) {
	s.toasts.Add(key, toast)
	if data, err := json.Marshal(toast); err == nil {
		s.events.broadcast(key, "toast", data)
	} else {
		slog.Warn("encode toast", "err", err)
	}
}

func (s *Server) toastError(r *http.Request, messages ...string) {
	key := toastKey(r)
	for _, msg := range messages {
		s.addToast(key, newToast(toastError, msg))
	}
}

func (s *Server) toastInfo(r *http.Request, message string) {
	s.addToast(toastKey(r), newToast(toastInfo, message))
}
