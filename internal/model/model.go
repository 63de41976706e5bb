// Package model holds the MemoLedger resources as the remote API returns them.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// UntitledTitle is the title the backend gives a freshly created note.
const UntitledTitle = "Untitled"

type User struct {
	UserID   int    `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email"`
	IsAdmin  bool   `json:"isAdmin"`
	Notes    []Note `json:"notes,omitempty"`
}

type Note struct {
	NoteID    int       `json:"noteId"`
	UserID    int       `json:"userId"`
	Title     string    `json:"title"`
	NoteBody  string    `json:"noteBody"`
	CreatedAt time.Time `json:"createdAt"`
	EditedAt  time.Time `json:"editedAt"`
	Tags      []string  `json:"tags"`
	// IsNew is set by backends that report creation state explicitly.
	IsNew *bool `json:"isNew,omitempty"`
}

// Fresh reports whether the note is a placeholder nobody has saved yet.
// The explicit flag wins; without it the Untitled/empty-body pair decides.
func (n Note) Fresh() bool {
	if n.IsNew != nil {
		return *n.IsNew
	}
	return n.Title == UntitledTitle && n.NoteBody == ""
}

func (n Note) HasTag(tag string) bool {
	for _, t := range n.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Deleted is the acknowledgement of a delete call. The backend answers with
// either the deleted username or the numeric note id.
type Deleted string

func (d *Deleted) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*d = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*d = Deleted(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("deleted: expected string or number, got %s", data)
	}
	*d = Deleted(n.String())
	return nil
}

func (d Deleted) OK() bool {
	return d != ""
}

// Route is a client-side view path.
type Route string

const (
	RouteHome    Route = "/"
	RouteProfile Route = "/profile"
)

func NoteRoute(noteID int) Route {
	return Route("/notes/" + strconv.Itoa(noteID))
}
