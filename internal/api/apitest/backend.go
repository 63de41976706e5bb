// Package apitest runs an in-memory MemoLedger backend behind httptest so
// client packages can exercise the real REST contract.
package apitest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"memoledger/internal/model"
)

var signingKey = []byte("apitest-signing-key")

// Call is one request the backend received.
type Call struct {
	Method        string
	Path          string
	RawQuery      string
	Authorization string
	Body          string
}

type failure struct {
	status  int
	message any
}

type account struct {
	user     model.User
	password string
}

type Backend struct {
	// StaticToken, when set, is returned by login and register instead of a
	// signed JWT and accepted as that user's credential.
	StaticToken string
	// ReportIsNew makes notes carry the explicit isNew flag.
	ReportIsNew bool

	mu       sync.Mutex
	server   *httptest.Server
	accounts map[string]*account
	notes    map[int]*model.Note
	nextUser int
	nextNote int
	clock    time.Time
	calls    []Call
	fail     map[string]failure
	static   map[string]string
}

func New(t testing.TB) *Backend {
	t.Helper()
	b := &Backend{
		accounts: make(map[string]*account),
		notes:    make(map[int]*model.Note),
		nextUser: 1,
		nextNote: 1,
		clock:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		fail:     make(map[string]failure),
		static:   make(map[string]string),
	}
	b.server = httptest.NewServer(b.routes())
	t.Cleanup(b.server.Close)
	return b
}

func (b *Backend) URL() string {
	return b.server.URL
}

func (b *Backend) Close() {
	b.server.Close()
}

func (b *Backend) AddUser(username, password, email string) model.User {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addUserLocked(username, password, email)
}

func (b *Backend) addUserLocked(username, password, email string) model.User {
	u := model.User{UserID: b.nextUser, Username: username, Email: email}
	b.nextUser++
	b.accounts[username] = &account{user: u, password: password}
	return u
}

// AddNote stores a note for username and returns it.
func (b *Backend) AddNote(username, title, body string, tags ...string) model.Note {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct := b.accounts[username]
	n := b.newNoteLocked(acct.user.UserID)
	n.Title = title
	n.NoteBody = body
	n.Tags = append([]string{}, tags...)
	if b.ReportIsNew {
		n.IsNew = boolPtr(false)
	}
	return *n
}

func (b *Backend) Note(id int) (model.Note, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.notes[id]
	if !ok {
		return model.Note{}, false
	}
	return *n, true
}

func (b *Backend) HasUser(username string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.accounts[username]
	return ok
}

// Token issues a signed token for username that expires after ttl.
func (b *Backend) Token(username string, ttl time.Duration) string {
	claims := jwt.MapClaims{"username": username, "isAdmin": false, "iat": time.Now().Unix()}
	if ttl != 0 {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		panic(err)
	}
	return signed
}

// Fail makes the next request matching method and path answer with status
// and {"error":{"message": message}}.
func (b *Backend) Fail(method, path string, status int, message any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail[method+" "+path] = failure{status: status, message: message}
}

func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

func (b *Backend) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

func (b *Backend) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", b.handleRegister)
	mux.HandleFunc("POST /auth/token", b.handleLogin)
	mux.HandleFunc("GET /users/{username}", b.authed(b.handleGetUser))
	mux.HandleFunc("PATCH /users/{username}", b.authed(b.handleUpdateUser))
	mux.HandleFunc("DELETE /users/{username}", b.authed(b.handleDeleteUser))
	mux.HandleFunc("GET /users/{username}/tags/{$}", b.authed(b.handleUserTags))
	mux.HandleFunc("POST /notes/{$}", b.authed(b.handleCreateNote))
	mux.HandleFunc("GET /notes/{$}", b.authed(b.handleSearch))
	mux.HandleFunc("GET /notes/{id}", b.authed(b.handleGetNote))
	mux.HandleFunc("PATCH /notes/{id}", b.authed(b.handleUpdateNote))
	mux.HandleFunc("DELETE /notes/{id}", b.authed(b.handleDeleteNote))
	mux.HandleFunc("POST /notes/{id}/tags", b.authed(b.handleAddTags))
	mux.HandleFunc("DELETE /notes/{id}/tags", b.authed(b.handleRemoveTags))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		b.mu.Lock()
		b.calls = append(b.calls, Call{
			Method:        r.Method,
			Path:          r.URL.Path,
			RawQuery:      r.URL.RawQuery,
			Authorization: r.Header.Get("Authorization"),
			Body:          string(body),
		})
		key := r.Method + " " + r.URL.Path
		f, failing := b.fail[key]
		if failing {
			delete(b.fail, key)
		}
		b.mu.Unlock()
		if failing {
			writeJSON(w, f.status, map[string]any{"error": map[string]any{"message": f.message, "status": f.status}})
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (b *Backend) authed(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		username, err := b.verify(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r, username)
	}
}

func (b *Backend) verify(raw string) (string, error) {
	b.mu.Lock()
	if username, ok := b.static[raw]; ok {
		b.mu.Unlock()
		return username, nil
	}
	b.mu.Unlock()
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return signingKey, nil })
	if err != nil {
		return "", err
	}
	username, _ := claims["username"].(string)
	if username == "" {
		return "", errors.New("no username")
	}
	if !b.HasUser(username) {
		return "", errors.New("unknown user")
	}
	return username, nil
}

func (b *Backend) issue(username string) string {
	if b.StaticToken == "" {
		return b.Token(username, time.Hour)
	}
	b.mu.Lock()
	b.static[b.StaticToken] = username
	b.mu.Unlock()
	return b.StaticToken
}

func (b *Backend) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Email    string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	var problems []string
	if len(in.Password) < 5 {
		problems = append(problems, "instance.password does not meet minimum length of 5")
	}
	if !strings.Contains(in.Email, "@") {
		problems = append(problems, `instance.email does not conform to the "email" format`)
	}
	if len(problems) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": problems, "status": 400}})
		return
	}
	b.mu.Lock()
	if _, exists := b.accounts[in.Username]; exists {
		b.mu.Unlock()
		writeError(w, http.StatusBadRequest, "Duplicate username: "+in.Username)
		return
	}
	b.addUserLocked(in.Username, in.Password, in.Email)
	b.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]string{"token": b.issue(in.Username)})
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	b.mu.Lock()
	acct, ok := b.accounts[in.Username]
	valid := ok && acct.password == in.Password
	b.mu.Unlock()
	if !valid {
		writeError(w, http.StatusUnauthorized, "Invalid username/password")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": b.issue(in.Username)})
}

func (b *Backend) handleGetUser(w http.ResponseWriter, r *http.Request, caller string) {
	name := r.PathValue("username")
	if name != caller {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[name]
	if !ok {
		writeError(w, http.StatusNotFound, "No user: "+name)
		return
	}
	u := acct.user
	u.Notes = b.notesForLocked(u.UserID)
	writeJSON(w, http.StatusOK, map[string]any{"user": u})
}

func (b *Backend) handleUpdateUser(w http.ResponseWriter, r *http.Request, caller string) {
	name := r.PathValue("username")
	if name != caller {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var in struct {
		Password string `json:"password"`
		Email    string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	acct := b.accounts[name]
	if in.Password != "" {
		acct.password = in.Password
	}
	if in.Email != "" {
		acct.user.Email = in.Email
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": acct.user})
}

func (b *Backend) handleDeleteUser(w http.ResponseWriter, r *http.Request, caller string) {
	name := r.PathValue("username")
	if name != caller {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	acct := b.accounts[name]
	for id, n := range b.notes {
		if n.UserID == acct.user.UserID {
			delete(b.notes, id)
		}
	}
	delete(b.accounts, name)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": name})
}

func (b *Backend) handleUserTags(w http.ResponseWriter, r *http.Request, caller string) {
	name := r.PathValue("username")
	if name != caller {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	b.mu.Lock()
	acct := b.accounts[name]
	seen := map[string]bool{}
	var tags []string
	for _, n := range b.notesForLocked(acct.user.UserID) {
		for _, tag := range n.Tags {
			if !seen[tag] {
				seen[tag] = true
				tags = append(tags, tag)
			}
		}
	}
	b.mu.Unlock()
	sort.Strings(tags)
	if offset, _ := strconv.Atoi(r.URL.Query().Get("offset")); offset > 0 {
		if offset > len(tags) {
			offset = len(tags)
		}
		tags = tags[offset:]
	}
	if limit, _ := strconv.Atoi(r.URL.Query().Get("limit")); limit > 0 && limit < len(tags) {
		tags = tags[:limit]
	}
	if tags == nil {
		tags = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

func (b *Backend) handleCreateNote(w http.ResponseWriter, r *http.Request, caller string) {
	var in struct {
		UserID int `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.accounts[caller].user.UserID != in.UserID {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	n := b.newNoteLocked(in.UserID)
	if b.ReportIsNew {
		n.IsNew = boolPtr(true)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"note": n})
}

func (b *Backend) handleGetNote(w http.ResponseWriter, r *http.Request, caller string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.ownedNoteLocked(w, r, caller)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"note": n})
}

func (b *Backend) handleUpdateNote(w http.ResponseWriter, r *http.Request, caller string) {
	var in struct {
		Title    string `json:"title"`
		NoteBody string `json:"noteBody"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.ownedNoteLocked(w, r, caller)
	if !ok {
		return
	}
	n.Title = in.Title
	n.NoteBody = in.NoteBody
	n.EditedAt = b.tickLocked()
	if b.ReportIsNew {
		n.IsNew = boolPtr(false)
	}
	writeJSON(w, http.StatusOK, map[string]any{"note": n})
}

func (b *Backend) handleDeleteNote(w http.ResponseWriter, r *http.Request, caller string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.ownedNoteLocked(w, r, caller)
	if !ok {
		return
	}
	delete(b.notes, n.NoteID)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n.NoteID})
}

func (b *Backend) handleAddTags(w http.ResponseWriter, r *http.Request, caller string) {
	tags, ok := decodeTags(w, r)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.ownedNoteLocked(w, r, caller)
	if !ok {
		return
	}
	added := []string{}
	for _, tag := range tags {
		if !n.HasTag(tag) {
			n.Tags = append(n.Tags, tag)
			added = append(added, tag)
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"added": added, "toNote": n.NoteID})
}

func (b *Backend) handleRemoveTags(w http.ResponseWriter, r *http.Request, caller string) {
	tags, ok := decodeTags(w, r)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.ownedNoteLocked(w, r, caller)
	if !ok {
		return
	}
	drop := map[string]bool{}
	for _, tag := range tags {
		drop[tag] = true
	}
	kept := []string{}
	removed := []string{}
	for _, tag := range n.Tags {
		if drop[tag] {
			removed = append(removed, tag)
			continue
		}
		kept = append(kept, tag)
	}
	n.Tags = kept
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "fromNote": n.NoteID})
}

func (b *Backend) handleSearch(w http.ResponseWriter, r *http.Request, caller string) {
	q := r.URL.Query()
	term := strings.ToLower(q.Get("q"))
	sTitle, sTags, sText := q.Get("sTitle") == "true", q.Get("sTags") == "true", q.Get("sText") == "true"
	if !sTitle && !sTags && !sText {
		sTitle, sTags, sText = true, true, true
	}
	b.mu.Lock()
	all := b.notesForLocked(b.accounts[caller].user.UserID)
	b.mu.Unlock()

	out := []model.Note{}
	for _, n := range all {
		if term == "" ||
			(sTitle && strings.Contains(strings.ToLower(n.Title), term)) ||
			(sText && strings.Contains(strings.ToLower(n.NoteBody), term)) ||
			(sTags && tagContains(n.Tags, term)) {
			out = append(out, n)
		}
	}
	switch q.Get("order") {
	case "oldest":
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	case "editTime":
		sort.SliceStable(out, func(i, j int) bool { return out[i].EditedAt.After(out[j].EditedAt) })
	default:
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": out})
}

func (b *Backend) ownedNoteLocked(w http.ResponseWriter, r *http.Request, caller string) (*model.Note, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid note id")
		return nil, false
	}
	n, ok := b.notes[id]
	if !ok {
		writeError(w, http.StatusNotFound, "No note: "+strconv.Itoa(id))
		return nil, false
	}
	if b.accounts[caller].user.UserID != n.UserID {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return nil, false
	}
	return n, true
}

func (b *Backend) newNoteLocked(userID int) *model.Note {
	now := b.tickLocked()
	n := &model.Note{
		NoteID:    b.nextNote,
		UserID:    userID,
		Title:     model.UntitledTitle,
		CreatedAt: now,
		EditedAt:  now,
		Tags:      []string{},
	}
	b.nextNote++
	b.notes[n.NoteID] = n
	return n
}

func (b *Backend) notesForLocked(userID int) []model.Note {
	out := []model.Note{}
	for _, n := range b.notes {
		if n.UserID == userID {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NoteID < out[j].NoteID })
	return out
}

func (b *Backend) tickLocked() time.Time {
	b.clock = b.clock.Add(time.Second)
	return b.clock
}

func decodeTags(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var in struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return nil, false
	}
	return in.Tags, true
}

func tagContains(tags []string, term string) bool {
	for _, tag := range tags {
		if strings.Contains(strings.ToLower(tag), term) {
			return true
		}
	}
	return false
}

func boolPtr(v bool) *bool {
	return &v
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"message": message, "status": status}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
