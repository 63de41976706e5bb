package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"memoledger/internal/api"
	"memoledger/internal/api/apitest"
	"memoledger/internal/auth"
	"memoledger/internal/model"
	"memoledger/internal/storage"
	"memoledger/internal/storage/fs"
	"memoledger/internal/validate"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})))
	os.Exit(m.Run())
}

type fixture struct {
	backend *apitest.Backend
	kv      *storage.Memory
	bearer  *auth.Bearer
	store   *Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := apitest.New(t)
	kv := storage.NewMemory()
	bearer := &auth.Bearer{}
	client := api.New(backend.URL(), bearer)
	return &fixture{
		backend: backend,
		kv:      kv,
		bearer:  bearer,
		store:   New(client, storage.NewTokenStore(kv, nil), bearer),
	}
}

func (f *fixture) storedToken(t *testing.T) (string, bool) {
	t.Helper()
	val, ok, err := f.kv.Get(context.Background(), "token")
	if err != nil {
		t.Fatalf("kv get: %v", err)
	}
	return val, ok
}

func TestLoginPersistsTokenAndRoutesHome(t *testing.T) {
	f := newFixture(t)
	f.backend.StaticToken = "abc"
	f.backend.AddUser("alice", "secret", "alice@example.com")

	route, err := f.store.Login(context.Background(), "alice", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if route != model.RouteHome {
		t.Fatalf("expected route /, got %q", route)
	}
	snap := f.store.Snapshot()
	if !snap.Authenticated() || snap.User.Username != "alice" {
		t.Fatalf("expected alice signed in, got %+v", snap)
	}
	if snap.Busy {
		t.Fatal("busy flag left raised after login")
	}
	if tok, ok := f.storedToken(t); !ok || tok != "abc" {
		t.Fatalf("expected persisted token abc, got %q (%v)", tok, ok)
	}
	if f.bearer.Token() != "abc" {
		t.Fatalf("expected bearer abc, got %q", f.bearer.Token())
	}
}

func TestLoginDecodesJWTUsername(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser("alice", "secret", "alice@example.com")

	if _, err := f.store.Login(context.Background(), "  alice", "secret"); err == nil {
		t.Fatal("expected login with padded username to fail at the backend")
	}
	if _, err := f.store.Login(context.Background(), "alice", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	calls := f.backend.Calls()
	last := calls[len(calls)-1]
	if last.Path != "/users/alice" {
		t.Fatalf("expected user fetch for alice, got %+v", last)
	}
}

func TestLoginValidationBlocksNetwork(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Login(context.Background(), "alice", "")
	if validate.Fields(err)["password"] == "" {
		t.Fatalf("expected password field error, got %v", err)
	}
	if calls := f.backend.Calls(); len(calls) != 0 {
		t.Fatalf("expected no network calls, got %+v", calls)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser("alice", "secret", "alice@example.com")
	f.store.Load(context.Background())

	_, err := f.store.Login(context.Background(), "alice", "wrong")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Error() != "Invalid username/password" {
		t.Fatalf("unexpected message %q", authErr.Error())
	}
	if !errors.Is(err, api.ErrUnauthorized) {
		t.Fatalf("expected wrapped ErrUnauthorized, got %v", err)
	}
	snap := f.store.Snapshot()
	if snap.State != Anonymous || snap.Busy {
		t.Fatalf("expected anonymous idle session, got %+v", snap)
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Register(ctx, RegisterInput{Username: "bob", Password: "hunter22"})
	if validate.Fields(err)["email"] == "" {
		t.Fatalf("expected email field error, got %v", err)
	}
	if len(f.backend.Calls()) != 0 {
		t.Fatal("validation failure reached the backend")
	}

	route, err := f.store.Register(ctx, RegisterInput{Username: "bob", Password: "hunter22", Email: "bob@example.com"})
	if err != nil || route != model.RouteHome {
		t.Fatalf("Register: %q %v", route, err)
	}
	if snap := f.store.Snapshot(); snap.User == nil || snap.User.Email != "bob@example.com" {
		t.Fatalf("expected bob signed in, got %+v", snap)
	}

	f.store.Logout(ctx)
	_, err = f.store.Register(ctx, RegisterInput{Username: "bob", Password: "hunter22", Email: "bob@example.com"})
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Messages[0] != "Duplicate username: bob" {
		t.Fatalf("expected duplicate username AuthError, got %v", err)
	}
}

func TestLogoutClearsEverythingWithoutNetwork(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser("alice", "secret", "alice@example.com")
	ctx := context.Background()
	if _, err := f.store.Login(ctx, "alice", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	f.backend.ResetCalls()

	if route := f.store.Logout(ctx); route != model.RouteHome {
		t.Fatalf("expected route /, got %q", route)
	}
	if calls := f.backend.Calls(); len(calls) != 0 {
		t.Fatalf("logout made network calls: %+v", calls)
	}
	if _, ok := f.storedToken(t); ok {
		t.Fatal("expected persisted token cleared")
	}
	snap := f.store.Snapshot()
	if snap.User != nil || snap.Token != "" || snap.State != Anonymous || snap.Notes != nil {
		t.Fatalf("expected empty session, got %+v", snap)
	}
	if f.bearer.Token() != "" {
		t.Fatal("expected bearer cleared")
	}
}

func TestLoadWithoutTokenIsAnonymous(t *testing.T) {
	f := newFixture(t)
	if f.store.Snapshot().State != Loading {
		t.Fatal("expected new store to start loading")
	}
	f.store.Load(context.Background())
	if snap := f.store.Snapshot(); snap.State != Anonymous {
		t.Fatalf("expected anonymous, got %v", snap.State)
	}
	if len(f.backend.Calls()) != 0 {
		t.Fatal("expected no network calls")
	}
}

func TestLoadRestoresSession(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser("alice", "secret", "alice@example.com")
	f.backend.AddNote("alice", "Groceries", "milk")
	token := f.backend.Token("alice", time.Hour)
	if err := f.kv.Set(context.Background(), "token", token); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	f.store.Load(context.Background())
	snap := f.store.Snapshot()
	if !snap.Authenticated() || snap.User.Username != "alice" || snap.Token != token {
		t.Fatalf("expected restored session, got %+v", snap)
	}
	if len(snap.Notes) != 1 || snap.Notes[0].Title != "Groceries" {
		t.Fatalf("expected cached notes from user record, got %+v", snap.Notes)
	}
}

func TestLoadDropsBadTokens(t *testing.T) {
	cases := []struct {
		name    string
		token   func(*apitest.Backend) string
		network bool
	}{
		{"corrupt", func(*apitest.Backend) string { return "not-a-token" }, false},
		{"expired", func(b *apitest.Backend) string { return b.Token("alice", -time.Minute) }, false},
		{"unknown user", func(b *apitest.Backend) string { return b.Token("ghost", time.Hour) }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.backend.AddUser("alice", "secret", "alice@example.com")
			if err := f.kv.Set(context.Background(), "token", tc.token(f.backend)); err != nil {
				t.Fatalf("seed token: %v", err)
			}

			f.store.Load(context.Background())

			snap := f.store.Snapshot()
			if snap.State != Anonymous || snap.User != nil {
				t.Fatalf("expected anonymous, got %+v", snap)
			}
			if _, ok := f.storedToken(t); ok {
				t.Fatal("expected bad token cleared")
			}
			if f.bearer.Token() != "" {
				t.Fatal("expected bearer cleared")
			}
			if made := len(f.backend.Calls()) > 0; made != tc.network {
				t.Fatalf("network calls made=%v, want %v", made, tc.network)
			}
		})
	}
}

func TestCreateNewNote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.store.CreateNewNote(ctx); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}

	f.backend.AddUser("alice", "secret", "alice@example.com")
	if _, err := f.store.Login(ctx, "alice", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	route, err := f.store.CreateNewNote(ctx)
	if err != nil {
		t.Fatalf("CreateNewNote: %v", err)
	}
	if route != model.NoteRoute(1) {
		t.Fatalf("expected /notes/1, got %q", route)
	}
	if snap := f.store.Snapshot(); len(snap.Notes) != 1 || snap.Busy {
		t.Fatalf("expected one cached note and idle store, got %+v", snap)
	}

	f.backend.Fail("POST", "/notes/", 500, "boom")
	if _, err := f.store.CreateNewNote(ctx); !errors.Is(err, api.ErrServer) {
		t.Fatalf("expected server error, got %v", err)
	}
	if snap := f.store.Snapshot(); len(snap.Notes) != 1 || snap.Busy {
		t.Fatalf("failed create changed state: %+v", snap)
	}
}

func TestSubscribeSeesBusyPairing(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser("alice", "secret", "alice@example.com")

	var mu sync.Mutex
	var busy []bool
	unsubscribe := f.store.Subscribe(func(s Snapshot) {
		mu.Lock()
		busy = append(busy, s.Busy)
		mu.Unlock()
	})
	if _, err := f.store.Login(context.Background(), "alice", "wrong"); err == nil {
		t.Fatal("expected login failure")
	}
	unsubscribe()
	f.store.Logout(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(busy) != 2 || !busy[0] || busy[1] {
		t.Fatalf("expected busy true then false, got %v", busy)
	}
}

type blockingBackend struct {
	*api.Client
	release chan struct{}
}

func (b *blockingBackend) GetUser(ctx context.Context, username string) (*model.User, error) {
	<-b.release
	return b.Client.GetUser(ctx, username)
}

func TestLogoutDuringLoginDiscardsResponse(t *testing.T) {
	backend := apitest.New(t)
	backend.AddUser("alice", "secret", "alice@example.com")
	bearer := &auth.Bearer{}
	kv := storage.NewMemory()
	slow := &blockingBackend{Client: api.New(backend.URL(), bearer), release: make(chan struct{})}
	store := New(slow, storage.NewTokenStore(kv, nil), bearer)

	done := make(chan error, 1)
	go func() {
		_, err := store.Login(context.Background(), "alice", "secret")
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for bearer.Token() == "" {
		if time.Now().After(deadline) {
			t.Fatal("login never installed its token")
		}
		time.Sleep(5 * time.Millisecond)
	}
	store.Logout(context.Background())
	close(slow.release)

	err := <-done
	if !errors.Is(err, ErrSuperseded) && !errors.As(err, new(*AuthError)) {
		t.Fatalf("expected discarded login, got %v", err)
	}
	snap := store.Snapshot()
	if snap.State != Anonymous || snap.User != nil || snap.Busy {
		t.Fatalf("stale login leaked into session: %+v", snap)
	}
}

func TestUpdateProfile(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser("alice", "secret", "alice@example.com")
	ctx := context.Background()
	if _, err := f.store.UpdateProfile(ctx, ProfileInput{}); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if _, err := f.store.Login(ctx, "alice", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	f.backend.ResetCalls()

	_, err := f.store.UpdateProfile(ctx, ProfileInput{Email: "nope", Password: "short", ConfirmPassword: "other"})
	fields := validate.Fields(err)
	if fields["email"] == "" || fields["password"] == "" || fields["confirmPassword"] == "" {
		t.Fatalf("expected all three field errors, got %v", err)
	}
	if len(f.backend.Calls()) != 0 {
		t.Fatal("invalid profile reached the backend")
	}

	route, err := f.store.UpdateProfile(ctx, ProfileInput{Email: "new@example.com", Password: "longenough", ConfirmPassword: "longenough"})
	if err != nil || route != model.RouteHome {
		t.Fatalf("UpdateProfile: %q %v", route, err)
	}
	if got := f.store.Snapshot().User.Email; got != "new@example.com" {
		t.Fatalf("expected updated email, got %q", got)
	}
}

func TestDeleteAccount(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser("alice", "secret", "alice@example.com")
	ctx := context.Background()
	if _, err := f.store.Login(ctx, "alice", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	var asked string
	decline := ConfirmFunc(func(_ context.Context, prompt string) (bool, error) {
		asked = prompt
		return false, nil
	})
	f.backend.ResetCalls()
	route, err := f.store.DeleteAccount(ctx, decline)
	if err != nil || route != model.RouteProfile {
		t.Fatalf("declined delete: %q %v", route, err)
	}
	if asked != DeleteAccountPrompt {
		t.Fatalf("unexpected prompt %q", asked)
	}
	if len(f.backend.Calls()) != 0 {
		t.Fatal("declined delete reached the backend")
	}

	accept := ConfirmFunc(func(context.Context, string) (bool, error) { return true, nil })
	route, err = f.store.DeleteAccount(ctx, accept)
	if err != nil || route != model.RouteHome {
		t.Fatalf("DeleteAccount: %q %v", route, err)
	}
	if f.backend.HasUser("alice") {
		t.Fatal("expected account removed on backend")
	}
	if snap := f.store.Snapshot(); snap.State != Anonymous {
		t.Fatalf("expected anonymous after delete, got %v", snap.State)
	}
}

func TestRefreshUserLogsOutOnRejectedToken(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser("alice", "secret", "alice@example.com")
	ctx := context.Background()
	if _, err := f.store.Login(ctx, "alice", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	f.backend.AddNote("alice", "Later", "")
	if err := f.store.RefreshUser(ctx); err != nil {
		t.Fatalf("RefreshUser: %v", err)
	}
	if n := len(f.store.Snapshot().Notes); n != 1 {
		t.Fatalf("expected refreshed notes, got %d", n)
	}

	f.backend.Fail("GET", "/users/alice", 401, "Unauthorized")
	err := f.store.RefreshUser(ctx)
	if !errors.As(err, new(*AuthError)) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if f.store.Snapshot().State != Anonymous {
		t.Fatal("expected session ended")
	}
}

func TestFailedLoginKeepsCurrentSession(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser("alice", "secret", "alice@example.com")
	f.backend.AddUser("bob", "hunter22", "bob@example.com")
	ctx := context.Background()
	if _, err := f.store.Login(ctx, "alice", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	aliceToken := f.store.Snapshot().Token

	f.backend.Fail("GET", "/users/bob", 500, "boom")
	if _, err := f.store.Login(ctx, "bob", "hunter22"); err == nil {
		t.Fatal("expected login to fail when the user fetch fails")
	}
	snap := f.store.Snapshot()
	if !snap.Authenticated() || snap.User.Username != "alice" {
		t.Fatalf("expected alice still signed in, got %+v", snap)
	}
	if snap.Token != aliceToken || f.bearer.Token() != aliceToken {
		t.Fatalf("expected alice's token back, got session %q bearer %q", snap.Token, f.bearer.Token())
	}
	if tok, ok := f.storedToken(t); !ok || tok != aliceToken {
		t.Fatalf("expected stored token untouched, got %q (%v)", tok, ok)
	}
	if _, err := f.store.CreateNewNote(ctx); err != nil {
		t.Fatalf("CreateNewNote after failed login: %v", err)
	}
}

func TestFailedFirstLoginStaysAnonymous(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser("bob", "hunter22", "bob@example.com")
	ctx := context.Background()
	f.store.Load(ctx)

	f.backend.Fail("GET", "/users/bob", 500, "boom")
	if _, err := f.store.Login(ctx, "bob", "hunter22"); err == nil {
		t.Fatal("expected login to fail when the user fetch fails")
	}
	snap := f.store.Snapshot()
	if snap.State != Anonymous || snap.User != nil || snap.Token != "" {
		t.Fatalf("expected anonymous session, got %+v", snap)
	}
	if f.bearer.Token() != "" {
		t.Fatalf("expected bearer cleared, got %q", f.bearer.Token())
	}
	if _, ok := f.storedToken(t); ok {
		t.Fatal("expected nothing persisted")
	}
}

func TestLogoutClearsStoredTokenAfterCancel(t *testing.T) {
	kv, err := fs.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	backend := apitest.New(t)
	backend.AddUser("alice", "secret", "alice@example.com")
	bearer := &auth.Bearer{}
	store := New(api.New(backend.URL(), bearer), storage.NewTokenStore(kv, nil), bearer)
	if _, err := store.Login(context.Background(), "alice", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, ok, _ := kv.Get(context.Background(), "token"); !ok {
		t.Fatal("expected token on disk after login")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store.Logout(ctx)
	if _, ok, err := kv.Get(context.Background(), "token"); err != nil || ok {
		t.Fatalf("expected token removed from disk, got ok=%v err=%v", ok, err)
	}
}
