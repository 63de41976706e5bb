// Package notes implements the note operations behind the views: fetch,
// edit, delete with confirmation, tag changes, and search.
package notes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"memoledger/internal/api"
	"memoledger/internal/model"
	"memoledger/internal/session"
	"memoledger/internal/validate"
)

var (
	ErrNotFound     = errors.New("note not found")
	ErrDeleteFailed = errors.New("note deletion was not acknowledged")
)

const (
	DiscardNewNotePrompt = "Leaving without saving will delete your new note. Are you sure you want to leave?"
	DeleteNotePrompt     = "Are you sure you want to delete your note?\nThis action can not be undone."
	DeleteFailedMessage  = "Error occurred during note deletion. Please try again."
	TitleRequiredMessage = "Note must include a title."
)

type Backend interface {
	GetNote(ctx context.Context, noteID int) (*model.Note, error)
	UpdateNote(ctx context.Context, noteID int, title, noteBody string) (*model.Note, error)
	DeleteNote(ctx context.Context, noteID int) (model.Deleted, error)
	SearchNotes(ctx context.Context, q api.SearchQuery) ([]model.Note, error)
	AddTags(ctx context.Context, noteID int, tags []string) ([]string, error)
	RemoveTags(ctx context.Context, noteID int, tags []string) ([]string, error)
	TagsForUser(ctx context.Context, username string, limit, offset int) ([]string, error)
}

// Cache is the session's note list, kept in step with edits made here.
type Cache interface {
	Notes() []model.Note
	SetNotes(notes []model.Note)
}

type Service struct {
	backend Backend
	cache   Cache
}

// New returns a Service; cache may be nil.
func New(backend Backend, cache Cache) *Service {
	return &Service{backend: backend, cache: cache}
}

// View is a fetched note plus whether it should open straight into the
// editor.
type View struct {
	Note  model.Note
	IsNew bool
}

func (s *Service) Get(ctx context.Context, noteID int) (*View, error) {
	note, err := s.backend.GetNote(ctx, noteID)
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return nil, fmt.Errorf("note %d: %w", noteID, ErrNotFound)
		}
		return nil, err
	}
	return &View{Note: *note, IsNew: note.Fresh()}, nil
}

type noteForm struct {
	Title string `form:"title" validate:"notblank" msg:"Note must include a title."`
}

// Update saves title and body. A blank title never reaches the backend.
func (s *Service) Update(ctx context.Context, noteID int, title, noteBody string) (*model.Note, error) {
	if err := validate.Struct(noteForm{Title: title}); err != nil {
		return nil, err
	}
	note, err := s.backend.UpdateNote(ctx, noteID, title, noteBody)
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return nil, fmt.Errorf("note %d: %w", noteID, ErrNotFound)
		}
		return nil, err
	}
	s.replaceCached(*note)
	return note, nil
}

// DeletePrompt is the confirmation shown before deleting note.
func DeletePrompt(note model.Note) string {
	if note.Fresh() {
		return DiscardNewNotePrompt
	}
	return DeleteNotePrompt
}

// Delete asks confirm first and reports whether the note was deleted. A
// declined prompt makes no backend call.
func (s *Service) Delete(ctx context.Context, note model.Note, confirm session.Confirmer) (bool, error) {
	ok, err := confirm.Confirm(ctx, DeletePrompt(note))
	if err != nil || !ok {
		return false, err
	}
	if err := s.delete(ctx, note.NoteID); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) delete(ctx context.Context, noteID int) error {
	deleted, err := s.backend.DeleteNote(ctx, noteID)
	if err != nil {
		return err
	}
	if !deleted.OK() {
		return ErrDeleteFailed
	}
	s.dropCached(noteID)
	slog.Info("note deleted", "note_id", noteID)
	return nil
}

// DiscardIfUnsaved deletes a new note that is being cancelled with nothing
// entered. It reports whether the note was removed.
func (s *Service) DiscardIfUnsaved(ctx context.Context, note model.Note, title, noteBody string) (bool, error) {
	if !note.Fresh() {
		return false, nil
	}
	title = strings.TrimSpace(title)
	if (title != "" && title != model.UntitledTitle) || strings.TrimSpace(noteBody) != "" {
		return false, nil
	}
	if err := s.delete(ctx, note.NoteID); err != nil {
		return false, err
	}
	return true, nil
}

// NormalizeTags trims and dedupes tags, keeping first-seen order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

// difference returns the tags in a that are not in b.
func difference(a, b []string) []string {
	inB := make(map[string]bool, len(b))
	for _, tag := range b {
		inB[tag] = true
	}
	var out []string
	for _, tag := range a {
		if !inB[tag] {
			out = append(out, tag)
		}
	}
	return out
}

// checkTags drops blank entries and validates the rest.
func checkTags(working []string) ([]string, error) {
	tags := NormalizeTags(working)
	if err := validate.Tags(tags); err != nil {
		return nil, err
	}
	return tags, nil
}

// AddTags submits only the working tags the note does not have yet.
func (s *Service) AddTags(ctx context.Context, note model.Note, working []string) (model.Note, error) {
	tags, err := checkTags(working)
	if err != nil {
		return note, err
	}
	added := difference(tags, note.Tags)
	if len(added) == 0 {
		return note, nil
	}
	if _, err := s.backend.AddTags(ctx, note.NoteID, added); err != nil {
		return note, err
	}
	note.Tags = append(append([]string(nil), note.Tags...), added...)
	s.replaceCached(note)
	return note, nil
}

// RemoveTags submits only the note's tags missing from the working set.
func (s *Service) RemoveTags(ctx context.Context, note model.Note, working []string) (model.Note, error) {
	tags, err := checkTags(working)
	if err != nil {
		return note, err
	}
	removed := difference(note.Tags, tags)
	if len(removed) == 0 {
		return note, nil
	}
	if _, err := s.backend.RemoveTags(ctx, note.NoteID, removed); err != nil {
		return note, err
	}
	note.Tags = difference(note.Tags, removed)
	if note.Tags == nil {
		note.Tags = []string{}
	}
	s.replaceCached(note)
	return note, nil
}

// SyncTags brings the note's tags to the working set with at most one add
// and one remove call.
func (s *Service) SyncTags(ctx context.Context, note model.Note, working []string) (model.Note, error) {
	if _, err := checkTags(working); err != nil {
		return note, err
	}
	note, err := s.RemoveTags(ctx, note, working)
	if err != nil {
		return note, err
	}
	return s.AddTags(ctx, note, working)
}

type SearchOptions struct {
	Term  string
	Title bool
	Tags  bool
	Body  bool
	Order string
	// Limit truncates the results after they arrive; zero keeps all.
	Limit int
}

func (s *Service) Search(ctx context.Context, opts SearchOptions) ([]model.Note, error) {
	found, err := s.backend.SearchNotes(ctx, api.SearchQuery{
		Term:  opts.Term,
		Title: opts.Title,
		Tags:  opts.Tags,
		Text:  opts.Body,
		Order: opts.Order,
	})
	if err != nil {
		return nil, err
	}
	if opts.Limit > 0 && len(found) > opts.Limit {
		found = found[:opts.Limit]
	}
	return found, nil
}

// List fetches the user's notes for the home view and refreshes the cache.
func (s *Service) List(ctx context.Context, limit int) ([]model.Note, error) {
	found, err := s.Search(ctx, SearchOptions{Limit: limit})
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.SetNotes(found)
	}
	return found, nil
}

// ListTags omits limit and offset from the request when they are zero.
func (s *Service) ListTags(ctx context.Context, username string, limit, offset int) ([]string, error) {
	return s.backend.TagsForUser(ctx, username, limit, offset)
}

// TaggedNotes returns notes carrying exactly tag.
func (s *Service) TaggedNotes(ctx context.Context, tag string) ([]model.Note, error) {
	tag = strings.TrimSpace(tag)
	if err := validate.Tags([]string{tag}); err != nil {
		return nil, err
	}
	found, err := s.Search(ctx, SearchOptions{Term: tag, Tags: true})
	if err != nil {
		return nil, err
	}
	out := found[:0]
	for _, n := range found {
		if n.HasTag(tag) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *Service) replaceCached(note model.Note) {
	if s.cache == nil {
		return
	}
	cached := s.cache.Notes()
	for i := range cached {
		if cached[i].NoteID == note.NoteID {
			cached[i] = note
			s.cache.SetNotes(cached)
			return
		}
	}
}

func (s *Service) dropCached(noteID int) {
	if s.cache == nil {
		return
	}
	cached := s.cache.Notes()
	kept := cached[:0]
	for _, n := range cached {
		if n.NoteID != noteID {
			kept = append(kept, n)
		}
	}
	if len(kept) != len(cached) {
		s.cache.SetNotes(kept)
	}
}
