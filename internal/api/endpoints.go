package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"memoledger/internal/model"
)

// Credentials is the login/registration payload. Its log form hides the
// password.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
}

func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("password", redacted(c.Password)),
		slog.String("email", c.Email),
	)
}

type UserUpdate struct {
	Password string `json:"password,omitempty"`
	Email    string `json:"email,omitempty"`
}

func (u UserUpdate) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("password", redacted(u.Password)),
		slog.String("email", u.Email),
	)
}

func redacted(secret string) string {
	if secret == "" {
		return ""
	}
	return "[redacted]"
}

// SearchQuery flags are sent only when set. Order outside the allowed set is
// dropped.
type SearchQuery struct {
	Term  string
	Title bool
	Tags  bool
	Text  bool
	Order string
}

var searchOrders = map[string]bool{"newest": true, "oldest": true, "editTime": true}

func ValidOrder(order string) bool {
	return searchOrders[order]
}

func (q SearchQuery) values() url.Values {
	v := url.Values{}
	if q.Term != "" {
		v.Set("q", q.Term)
	}
	if q.Title {
		v.Set("sTitle", "true")
	}
	if q.Tags {
		v.Set("sTags", "true")
	}
	if q.Text {
		v.Set("sText", "true")
	}
	if ValidOrder(q.Order) {
		v.Set("order", q.Order)
	}
	return v
}

func userPath(username string) string {
	return "users/" + url.PathEscape(username)
}

func notePath(noteID int) string {
	return "notes/" + strconv.Itoa(noteID)
}

func (c *Client) Register(ctx context.Context, username, password, email string) (string, error) {
	var res struct {
		Token string `json:"token"`
	}
	in := Credentials{Username: username, Password: password, Email: email}
	if err := c.Request(ctx, "auth/register", in, http.MethodPost, &res); err != nil {
		return "", err
	}
	return res.Token, nil
}

func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var res struct {
		Token string `json:"token"`
	}
	in := Credentials{Username: username, Password: password}
	if err := c.Request(ctx, "auth/token", in, http.MethodPost, &res); err != nil {
		return "", err
	}
	return res.Token, nil
}

func (c *Client) GetUser(ctx context.Context, username string) (*model.User, error) {
	var res struct {
		User *model.User `json:"user"`
	}
	if err := c.Request(ctx, userPath(username), nil, http.MethodGet, &res); err != nil {
		return nil, err
	}
	if res.User == nil {
		return nil, &Error{Status: http.StatusNotFound, Messages: []string{"user not found"}, kind: ErrNotFound}
	}
	return res.User, nil
}

func (c *Client) UpdateUser(ctx context.Context, username string, in UserUpdate) (*model.User, error) {
	var res struct {
		User *model.User `json:"user"`
	}
	if err := c.Request(ctx, userPath(username), in, http.MethodPatch, &res); err != nil {
		return nil, err
	}
	if res.User == nil {
		return &model.User{Username: username, Email: in.Email}, nil
	}
	return res.User, nil
}

func (c *Client) DeleteUser(ctx context.Context, username string) (model.Deleted, error) {
	var res struct {
		Deleted model.Deleted `json:"deleted"`
	}
	if err := c.Request(ctx, userPath(username), nil, http.MethodDelete, &res); err != nil {
		return "", err
	}
	return res.Deleted, nil
}

// TagsForUser omits limit and offset when they are zero.
func (c *Client) TagsForUser(ctx context.Context, username string, limit, offset int) ([]string, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var res struct {
		Tags []string `json:"tags"`
	}
	if err := c.Request(ctx, userPath(username)+"/tags/", q, http.MethodGet, &res); err != nil {
		return nil, err
	}
	return res.Tags, nil
}

func (c *Client) CreateNote(ctx context.Context, userID int) (*model.Note, error) {
	var res struct {
		Note *model.Note `json:"note"`
	}
	in := struct {
		UserID int `json:"userId"`
	}{UserID: userID}
	if err := c.Request(ctx, "notes/", in, http.MethodPost, &res); err != nil {
		return nil, err
	}
	return noteOrMissing(res.Note)
}

func (c *Client) GetNote(ctx context.Context, noteID int) (*model.Note, error) {
	var res struct {
		Note *model.Note `json:"note"`
	}
	if err := c.Request(ctx, notePath(noteID), nil, http.MethodGet, &res); err != nil {
		return nil, err
	}
	return noteOrMissing(res.Note)
}

func (c *Client) UpdateNote(ctx context.Context, noteID int, title, noteBody string) (*model.Note, error) {
	var res struct {
		Note *model.Note `json:"note"`
	}
	in := struct {
		Title    string `json:"title"`
		NoteBody string `json:"noteBody"`
	}{Title: title, NoteBody: noteBody}
	if err := c.Request(ctx, notePath(noteID), in, http.MethodPatch, &res); err != nil {
		return nil, err
	}
	return noteOrMissing(res.Note)
}

func (c *Client) DeleteNote(ctx context.Context, noteID int) (model.Deleted, error) {
	var res struct {
		Deleted model.Deleted `json:"deleted"`
	}
	if err := c.Request(ctx, notePath(noteID), nil, http.MethodDelete, &res); err != nil {
		return "", err
	}
	return res.Deleted, nil
}

func (c *Client) SearchNotes(ctx context.Context, q SearchQuery) ([]model.Note, error) {
	var res struct {
		Notes []model.Note `json:"notes"`
	}
	if err := c.Request(ctx, "notes/", q.values(), http.MethodGet, &res); err != nil {
		return nil, err
	}
	return res.Notes, nil
}

func (c *Client) AddTags(ctx context.Context, noteID int, tags []string) ([]string, error) {
	var res struct {
		Added []string `json:"added"`
	}
	in := struct {
		Tags []string `json:"tags"`
	}{Tags: tags}
	if err := c.Request(ctx, notePath(noteID)+"/tags", in, http.MethodPost, &res); err != nil {
		return nil, err
	}
	return res.Added, nil
}

func (c *Client) RemoveTags(ctx context.Context, noteID int, tags []string) ([]string, error) {
	var res struct {
		Removed []string `json:"removed"`
	}
	in := struct {
		Tags []string `json:"tags"`
	}{Tags: tags}
	if err := c.Request(ctx, notePath(noteID)+"/tags", in, http.MethodDelete, &res); err != nil {
		return nil, err
	}
	return res.Removed, nil
}

func noteOrMissing(note *model.Note) (*model.Note, error) {
	if note == nil {
		return nil, &Error{Status: http.StatusNotFound, Messages: []string{"note not found"}, kind: ErrNotFound}
	}
	return note, nil
}
