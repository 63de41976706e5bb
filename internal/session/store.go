// Package session holds the signed-in state of the client: the auth token,
// the user it belongs to, and the user's cached notes. The token is
// persisted so a restart picks the session back up.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"memoledger/internal/api"
	"memoledger/internal/auth"
	"memoledger/internal/model"
	"memoledger/internal/validate"
)

type State int

const (
	Loading State = iota
	Anonymous
	Authenticated
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Anonymous:
		return "anonymous"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time copy of the session.
type Snapshot struct {
	State State
	Busy  bool
	Token string
	User  *model.User
	Notes []model.Note
}

func (s Snapshot) Authenticated() bool {
	return s.State == Authenticated && s.User != nil
}

// Backend is the part of the API the session drives.
type Backend interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, password, email string) (string, error)
	GetUser(ctx context.Context, username string) (*model.User, error)
	UpdateUser(ctx context.Context, username string, in api.UserUpdate) (*model.User, error)
	DeleteUser(ctx context.Context, username string) (model.Deleted, error)
	CreateNote(ctx context.Context, userID int) (*model.Note, error)
}

// TokenStore persists the raw token between runs.
type TokenStore interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// Confirmer asks the user a yes/no question before a destructive action.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

type ConfirmFunc func(ctx context.Context, prompt string) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) (bool, error) {
	return f(ctx, prompt)
}

const DeleteAccountPrompt = "Are you sure you want to delete your profile?\nThis action can not be undone."

type Store struct {
	backend Backend
	tokens  TokenStore
	bearer  *auth.Bearer
	now     func() time.Time

	mu    sync.RWMutex
	state State
	busy  int
	token string
	user  *model.User
	notes []model.Note
	// gen changes whenever the token does; a response that started under an
	// older generation is dropped.
	gen uint64

	// persistMu orders token writes against clears so a superseded login
	// cannot leave its token on disk.
	persistMu sync.Mutex

	subMu   sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int
}

func New(backend Backend, tokens TokenStore, bearer *auth.Bearer) *Store {
	if bearer == nil {
		bearer = &auth.Bearer{}
	}
	return &Store{
		backend: backend,
		tokens:  tokens,
		bearer:  bearer,
		now:     time.Now,
		state:   Loading,
		subs:    make(map[int]func(Snapshot)),
	}
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{State: s.state, Busy: s.busy > 0}
	if s.user != nil {
		u := *s.user
		snap.User = &u
		snap.Token = s.token
		snap.Notes = append([]model.Note(nil), s.notes...)
	}
	return snap
}

// Subscribe registers fn for every state change. The returned func removes it.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify() {
	snap := s.Snapshot()
	s.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// beginBusy raises the busy overlay; the returned func lowers it and must run
// on every exit path.
func (s *Store) beginBusy() func() {
	s.mu.Lock()
	s.busy++
	s.mu.Unlock()
	s.notify()
	return func() {
		s.mu.Lock()
		s.busy--
		s.mu.Unlock()
		s.notify()
	}
}

// Load rehydrates the session from the persisted token. Any failure leaves
// the session anonymous with the stored token removed.
func (s *Store) Load(ctx context.Context) {
	s.mu.RLock()
	gen := s.gen
	s.mu.RUnlock()

	raw, err := s.tokens.Load(ctx)
	if err != nil {
		slog.Warn("read stored token", "err", err)
		s.dropStoredToken(ctx, gen)
		return
	}
	if raw == "" {
		s.settle(gen, Anonymous)
		return
	}
	claims, err := auth.DecodeToken(raw, s.now())
	if err != nil {
		slog.Warn("stored token rejected", "err", err)
		s.dropStoredToken(ctx, gen)
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.bearer.Set(raw)
	s.mu.Unlock()

	user, err := s.backend.GetUser(ctx, claims.Username)
	if err != nil {
		slog.Warn("load session user", "username", claims.Username, "err", err)
		s.dropStoredToken(ctx, gen)
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		slog.Debug("discard stale session load", "username", claims.Username)
		return
	}
	s.token = raw
	s.user = user
	s.notes = user.Notes
	s.state = Authenticated
	s.mu.Unlock()
	slog.Info("session restored", "username", user.Username)
	s.notify()
}

func (s *Store) dropStoredToken(ctx context.Context, gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.bearer.Clear()
	s.mu.Unlock()
	s.unpersist(context.WithoutCancel(ctx))
	s.settle(gen, Anonymous)
}

func (s *Store) persist(ctx context.Context, gen uint64, token string) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.mu.RLock()
	current := s.gen == gen
	s.mu.RUnlock()
	if !current {
		return
	}
	if err := s.tokens.Save(ctx, token); err != nil {
		slog.Warn("persist token", "err", err)
	}
}

func (s *Store) unpersist(ctx context.Context) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if err := s.tokens.Clear(ctx); err != nil {
		slog.Warn("clear stored token", "err", err)
	}
}

func (s *Store) settle(gen uint64, state State) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	s.notify()
}

type loginForm struct {
	Username string `form:"username" validate:"notblank" msg:"Username is required."`
	Password string `form:"password" validate:"required" msg:"Password is required."`
}

func (s *Store) Login(ctx context.Context, username, password string) (model.Route, error) {
	if err := validate.Struct(loginForm{Username: username, Password: password}); err != nil {
		return "", err
	}
	defer s.beginBusy()()

	token, err := s.backend.Login(ctx, username, password)
	if err != nil {
		return "", &AuthError{Messages: api.Messages(err), Err: err}
	}
	return s.authenticate(ctx, token, username)
}

type RegisterInput struct {
	Username string `form:"username" validate:"notblank" msg:"Username is required."`
	Password string `form:"password" validate:"required" msg:"Password is required."`
	Email    string `form:"email" validate:"notblank" msg:"Email is required."`
}

func (s *Store) Register(ctx context.Context, in RegisterInput) (model.Route, error) {
	if err := validate.Struct(in); err != nil {
		return "", err
	}
	defer s.beginBusy()()

	token, err := s.backend.Register(ctx, in.Username, in.Password, in.Email)
	if err != nil {
		return "", &AuthError{Messages: api.Messages(err), Err: err}
	}
	return s.authenticate(ctx, token, in.Username)
}

// authenticate installs a freshly issued token and loads its user. Tokens
// that are not JWTs are treated as opaque and the submitted username is used.
func (s *Store) authenticate(ctx context.Context, token, username string) (model.Route, error) {
	claims, err := auth.DecodeToken(token, s.now())
	switch {
	case err == nil:
		username = claims.Username
	case errors.Is(err, auth.ErrTokenExpired):
		return "", &AuthError{Messages: []string{"The server issued an expired token."}, Err: err}
	default:
		slog.Debug("token is opaque, using submitted username", "username", username)
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	prevToken := s.token
	s.token = token
	s.bearer.Set(token)
	s.mu.Unlock()

	user, err := s.backend.GetUser(ctx, username)
	if err != nil {
		s.restoreToken(gen, prevToken)
		return "", &AuthError{Messages: api.Messages(err), Err: err}
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return "", ErrSuperseded
	}
	s.user = user
	s.notes = user.Notes
	s.state = Authenticated
	s.mu.Unlock()
	s.persist(ctx, gen, token)
	slog.Info("signed in", "username", user.Username)
	s.notify()
	return model.RouteHome, nil
}

// restoreToken puts back the token that was active before a failed sign-in,
// or clears the session when there was none.
func (s *Store) restoreToken(gen uint64, prev string) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	if prev != "" && s.state == Authenticated && s.user != nil {
		s.token = prev
		s.bearer.Set(prev)
		s.mu.Unlock()
		return
	}
	s.token = ""
	s.user = nil
	s.notes = nil
	s.state = Anonymous
	s.bearer.Clear()
	s.mu.Unlock()
	s.notify()
}

// Logout forgets the session locally; the backend is not contacted. The
// stored token is cleared even when ctx is already cancelled.
func (s *Store) Logout(ctx context.Context) model.Route {
	s.mu.Lock()
	s.gen++
	s.token = ""
	s.user = nil
	s.notes = nil
	s.state = Anonymous
	s.bearer.Clear()
	s.mu.Unlock()
	s.unpersist(context.WithoutCancel(ctx))
	s.notify()
	return model.RouteHome
}

func (s *Store) currentUser() (*model.User, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != Authenticated || s.user == nil {
		return nil, s.gen, ErrNotAuthenticated
	}
	u := *s.user
	return &u, s.gen, nil
}

// CreateNewNote asks the backend for a placeholder note and routes to it.
func (s *Store) CreateNewNote(ctx context.Context) (model.Route, error) {
	user, gen, err := s.currentUser()
	if err != nil {
		return "", err
	}
	defer s.beginBusy()()

	note, err := s.backend.CreateNote(ctx, user.UserID)
	if err != nil {
		slog.Error("create note", "username", user.Username, "err", err)
		return "", err
	}
	s.mu.Lock()
	if s.gen == gen {
		s.notes = append([]model.Note{*note}, s.notes...)
	}
	s.mu.Unlock()
	s.notify()
	return model.NoteRoute(note.NoteID), nil
}

type ProfileInput struct {
	Email           string `form:"email" validate:"contains=@" msg:"Please enter a valid email address."`
	Password        string `form:"password" validate:"min=8" msg:"Password must be at least 8 characters long."`
	ConfirmPassword string `form:"confirmPassword" validate:"eqfield=Password" msg:"Passwords do not match."`
}

func (s *Store) UpdateProfile(ctx context.Context, in ProfileInput) (model.Route, error) {
	user, gen, err := s.currentUser()
	if err != nil {
		return "", err
	}
	if err := validate.Struct(in); err != nil {
		return "", err
	}
	defer s.beginBusy()()

	updated, err := s.backend.UpdateUser(ctx, user.Username, api.UserUpdate{Password: in.Password, Email: in.Email})
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	if s.gen != gen || s.user == nil {
		s.mu.Unlock()
		return "", ErrSuperseded
	}
	u := *s.user
	u.Email = updated.Email
	s.user = &u
	s.mu.Unlock()
	s.notify()
	return model.RouteHome, nil
}

// DeleteAccount removes the user after confirmation and signs out. A
// declined prompt leaves the user on the profile view.
func (s *Store) DeleteAccount(ctx context.Context, confirm Confirmer) (model.Route, error) {
	user, _, err := s.currentUser()
	if err != nil {
		return "", err
	}
	ok, err := confirm.Confirm(ctx, DeleteAccountPrompt)
	if err != nil {
		return "", err
	}
	if !ok {
		return model.RouteProfile, nil
	}
	defer s.beginBusy()()

	deleted, err := s.backend.DeleteUser(ctx, user.Username)
	if err != nil {
		return "", err
	}
	if !deleted.OK() {
		return "", ErrDeleteFailed
	}
	slog.Info("account deleted", "username", user.Username)
	return s.Logout(ctx), nil
}

// RefreshUser reloads the user and its notes. A token the backend refuses
// ends the session.
func (s *Store) RefreshUser(ctx context.Context) error {
	user, gen, err := s.currentUser()
	if err != nil {
		return err
	}
	fresh, err := s.backend.GetUser(ctx, user.Username)
	if err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			slog.Warn("session no longer accepted", "username", user.Username)
			s.Logout(ctx)
			return &AuthError{Messages: api.Messages(err), Err: err}
		}
		return err
	}
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrSuperseded
	}
	s.user = fresh
	s.notes = fresh.Notes
	s.mu.Unlock()
	s.notify()
	return nil
}

// SetNotes replaces the cached note list.
func (s *Store) SetNotes(notes []model.Note) {
	s.mu.Lock()
	if s.user == nil {
		s.mu.Unlock()
		return
	}
	s.notes = append([]model.Note(nil), notes...)
	s.mu.Unlock()
	s.notify()
}

// Notes returns the cached note list.
func (s *Store) Notes() []model.Note {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Note(nil), s.notes...)
}
