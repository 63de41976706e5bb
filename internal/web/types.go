package web

import (
	"html/template"

	"memoledger/internal/model"
	"memoledger/internal/session"
)

type ViewData struct {
	Title           string
	ContentTemplate string
	ContentHTML     template.HTML
	Session         session.Snapshot
	Toasts          []Toast
	MetricsEnabled  bool

	Form      map[string]string
	Errors    map[string]string
	FormError []string

	Note     *model.Note
	NoteHTML template.HTML
	IsNew    bool
	NotFound string

	Notes      []NoteCard
	Tags       []string
	TagName    string
	TagsPaging Paging

	Search   SearchForm
	Searched bool

	Confirm *ConfirmPrompt
}

type NoteCard struct {
	ID          int
	Title       string
	Preview     string
	EditedLabel string
	Tags        []string
}

type SearchForm struct {
	Query string
	Title bool
	Tags  bool
	Text  bool
	Order string
}

type Paging struct {
	Offset  int
	Prev    int
	Next    int
	HasPrev bool
	HasNext bool
}

// ConfirmPrompt is a yes/no page standing in for a blocking dialog.
type ConfirmPrompt struct {
	Lines  []string
	Action string
	Cancel string
	Yes    string
}
