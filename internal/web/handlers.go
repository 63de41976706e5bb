package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"memoledger/internal/api"
	"memoledger/internal/model"
	"memoledger/internal/notes"
	"memoledger/internal/session"
	"memoledger/internal/validate"
)

const previewRunes = 160

func (s *Server) page(r *http.Request, title, content string) ViewData {
	return ViewData{
		Title:           title,
		ContentTemplate: content,
		Session:         SnapshotFrom(r.Context()),
		Toasts:          s.toasts.Take(toastKey(r)),
		MetricsEnabled:  s.metrics != nil,
	}
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, data ViewData) {
	data.Session = s.session.Snapshot()
	s.views.RenderPage(w, status, data)
}

func redirect(w http.ResponseWriter, r *http.Request, route model.Route) {
	http.Redirect(w, r, string(route), http.StatusSeeOther)
}

// reportError shows err as toasts; validation failures are handled inline by
// the callers before they get here.
func (s *Server) reportError(r *http.Request, action string, err error) {
	slog.Warn(action, "err", err)
	if errors.Is(err, api.ErrUnauthorized) && s.sessionRejected(r) {
		s.addToast(anonymousToastKey, newToast(toastError, sessionEndedMessage))
		return
	}
	s.toastError(r, api.Messages(err)...)
}

// sessionRejected re-checks the token with the backend after a 401 or 403
// and reports whether the session was ended because of it.
func (s *Server) sessionRejected(r *http.Request) bool {
	err := s.session.RefreshUser(r.Context())
	var authErr *session.AuthError
	return errors.As(err, &authErr)
}

func noteCards(list []model.Note) []NoteCard {
	cards := make([]NoteCard, 0, len(list))
	for _, n := range list {
		preview := strings.TrimSpace(n.NoteBody)
		if utf8.RuneCountInString(preview) > previewRunes {
			preview = string([]rune(preview)[:previewRunes]) + "…"
		}
		cards = append(cards, NoteCard{
			ID:          n.NoteID,
			Title:       n.Title,
			Preview:     preview,
			EditedLabel: formatTimestamp(n.EditedAt),
			Tags:        n.Tags,
		})
	}
	return cards
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	data := s.page(r, "Home", "home")
	user, ok := CurrentUser(r.Context())
	if !ok {
		s.render(w, r, http.StatusOK, data)
		return
	}

	list, err := s.notes.List(r.Context(), s.cfg.HomeNotes)
	if err != nil {
		s.reportError(r, "list notes", err)
		list = SnapshotFrom(r.Context()).Notes
	}
	data.Notes = noteCards(list)

	offset, _ := strconv.Atoi(r.URL.Query().Get("tagsOffset"))
	if offset < 0 {
		offset = 0
	}
	tags, err := s.notes.ListTags(r.Context(), user.Username, s.cfg.TagsPageSize, offset)
	if err != nil {
		s.reportError(r, "list tags", err)
	}
	data.Tags = tags
	data.TagsPaging = Paging{
		Offset:  offset,
		Prev:    max(offset-s.cfg.TagsPageSize, 0),
		Next:    offset + s.cfg.TagsPageSize,
		HasPrev: offset > 0,
		HasNext: len(tags) == s.cfg.TagsPageSize,
	}
	data.Toasts = append(data.Toasts, s.toasts.Take(toastKey(r))...)
	s.render(w, r, http.StatusOK, data)
}

func (s *Server) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	data := s.page(r, "Log in", "login")
	data.Form = map[string]string{}
	s.render(w, r, http.StatusOK, data)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	username := r.PostForm.Get("username")
	route, err := s.session.Login(r.Context(), username, r.PostForm.Get("password"))
	if err != nil {
		data := s.page(r, "Log in", "login")
		data.Form = map[string]string{"username": username}
		s.formFailure(w, r, data, err)
		return
	}
	redirect(w, r, route)
}

func (s *Server) handleSignupForm(w http.ResponseWriter, r *http.Request) {
	data := s.page(r, "Sign up", "signup")
	data.Form = map[string]string{}
	s.render(w, r, http.StatusOK, data)
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	in := session.RegisterInput{
		Username: r.PostForm.Get("username"),
		Password: r.PostForm.Get("password"),
		Email:    r.PostForm.Get("email"),
	}
	route, err := s.session.Register(r.Context(), in)
	if err != nil {
		data := s.page(r, "Sign up", "signup")
		data.Form = map[string]string{"username": in.Username, "email": in.Email}
		s.formFailure(w, r, data, err)
		return
	}
	redirect(w, r, route)
}

// formFailure re-renders a form with inline feedback: field messages for
// validation errors, a form-level message for everything else.
func (s *Server) formFailure(w http.ResponseWriter, r *http.Request, data ViewData, err error) {
	if fields := validate.Fields(err); fields != nil {
		data.Errors = fields
		s.render(w, r, http.StatusUnprocessableEntity, data)
		return
	}
	var authErr *session.AuthError
	if errors.As(err, &authErr) {
		data.FormError = authErr.Messages
		if len(data.FormError) == 0 {
			data.FormError = []string{authErr.Error()}
		}
		s.render(w, r, http.StatusUnauthorized, data)
		return
	}
	slog.Warn("form submit", "path", r.URL.Path, "err", err)
	data.FormError = api.Messages(err)
	s.render(w, r, http.StatusBadGateway, data)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	redirect(w, r, s.session.Logout(r.Context()))
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, s.page(r, "Profile", "profile"))
}

func (s *Server) handleProfileForm(w http.ResponseWriter, r *http.Request) {
	user, _ := CurrentUser(r.Context())
	data := s.page(r, "Edit profile", "profile_edit")
	data.Form = map[string]string{"email": user.Email}
	s.render(w, r, http.StatusOK, data)
}

func (s *Server) handleProfileUpdate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	in := session.ProfileInput{
		Email:           r.PostForm.Get("email"),
		Password:        r.PostForm.Get("password"),
		ConfirmPassword: r.PostForm.Get("confirmPassword"),
	}
	route, err := s.session.UpdateProfile(r.Context(), in)
	if err != nil {
		data := s.page(r, "Edit profile", "profile_edit")
		data.Form = map[string]string{"email": in.Email}
		s.formFailure(w, r, data, err)
		return
	}
	s.toastInfo(r, "Profile updated.")
	redirect(w, r, route)
}

func (s *Server) handleProfileDeleteConfirm(w http.ResponseWriter, r *http.Request) {
	data := s.page(r, "Delete profile", "confirm")
	data.Confirm = &ConfirmPrompt{
		Lines:  strings.Split(session.DeleteAccountPrompt, "\n"),
		Action: "/profile/delete",
		Cancel: string(model.RouteProfile),
		Yes:    "Delete profile",
	}
	s.render(w, r, http.StatusOK, data)
}

func (s *Server) handleProfileDelete(w http.ResponseWriter, r *http.Request) {
	route, err := s.session.DeleteAccount(r.Context(), formConfirmer(r))
	if err != nil {
		s.reportError(r, "delete account", err)
		redirect(w, r, model.RouteProfile)
		return
	}
	redirect(w, r, route)
}

// formConfirmer answers a confirmation with the button the user pressed on
// the confirm page.
func formConfirmer(r *http.Request) session.Confirmer {
	answer := r.PostFormValue("confirm") == "yes"
	return session.ConfirmFunc(func(context.Context, string) (bool, error) {
		return answer, nil
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	data := s.page(r, "Search", "search")
	// Defaults match a fresh search form: titles and tags, recently edited.
	data.Search = SearchForm{Title: true, Tags: true, Order: "editTime"}
	if q.Has("search") {
		data.Search = SearchForm{
			Query: strings.TrimSpace(q.Get("q")),
			Title: q.Get("sTitle") != "",
			Tags:  q.Get("sTags") != "",
			Text:  q.Get("sText") != "",
			Order: q.Get("order"),
		}
		found, err := s.notes.Search(r.Context(), notes.SearchOptions{
			Term:  data.Search.Query,
			Title: data.Search.Title,
			Tags:  data.Search.Tags,
			Body:  data.Search.Text,
			Order: data.Search.Order,
		})
		if err != nil {
			s.reportError(r, "search notes", err)
			data.Toasts = append(data.Toasts, s.toasts.Take(toastKey(r))...)
		}
		data.Notes = noteCards(found)
		data.Searched = true
	}
	s.render(w, r, http.StatusOK, data)
}

func (s *Server) handleNewNote(w http.ResponseWriter, r *http.Request) {
	route, err := s.session.CreateNewNote(r.Context())
	if err != nil {
		s.reportError(r, "create note", err)
		back := r.Referer()
		if back == "" {
			back = "/"
		}
		http.Redirect(w, r, back, http.StatusSeeOther)
		return
	}
	redirect(w, r, route)
}

func (s *Server) renderNotFound(w http.ResponseWriter, r *http.Request, what string) {
	data := s.page(r, "Not found", "not_found")
	data.NotFound = what
	s.render(w, r, http.StatusNotFound, data)
}

// loadNote resolves {noteId}; it writes the response itself and returns nil
// when the note cannot be shown.
func (s *Server) loadNote(w http.ResponseWriter, r *http.Request) *notes.View {
	raw := r.PathValue("noteId")
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		s.renderNotFound(w, r, "Note "+raw)
		return nil
	}
	view, err := s.notes.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, notes.ErrNotFound) {
			s.renderNotFound(w, r, "Note "+raw)
			return nil
		}
		s.reportError(r, "load note", err)
		if errors.Is(err, api.ErrUnauthorized) {
			redirect(w, r, model.RouteHome)
			return nil
		}
		data := s.page(r, "Error", "not_found")
		data.NotFound = "Note " + raw
		s.render(w, r, http.StatusBadGateway, data)
		return nil
	}
	return view
}

func (s *Server) noteData(r *http.Request, view *notes.View, content string) ViewData {
	note := view.Note
	title := note.Title
	if content == "note_edit" {
		title = "Edit Note"
		if view.IsNew {
			title = "New Note"
		}
	}
	data := s.page(r, title, content)
	data.Note = &note
	data.IsNew = view.IsNew
	return data
}

func (s *Server) renderEdit(w http.ResponseWriter, r *http.Request, status int, view *notes.View, title, body string, errs map[string]string) {
	data := s.noteData(r, view, "note_edit")
	data.Form = map[string]string{"title": title, "noteBody": body}
	data.Errors = errs
	s.render(w, r, status, data)
}

func (s *Server) handleViewNote(w http.ResponseWriter, r *http.Request) {
	view := s.loadNote(w, r)
	if view == nil {
		return
	}
	if view.IsNew {
		s.renderEdit(w, r, http.StatusOK, view, "", "", nil)
		return
	}
	data := s.noteData(r, view, "note")
	html, err := renderNoteBody(view.Note.NoteBody)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data.NoteHTML = html
	data.Form = map[string]string{"tags": strings.Join(view.Note.Tags, " ")}
	s.render(w, r, http.StatusOK, data)
}

func (s *Server) handleEditNote(w http.ResponseWriter, r *http.Request) {
	view := s.loadNote(w, r)
	if view == nil {
		return
	}
	title, body := view.Note.Title, view.Note.NoteBody
	if view.IsNew {
		title = ""
	}
	s.renderEdit(w, r, http.StatusOK, view, title, body, nil)
}

func (s *Server) handleSaveNote(w http.ResponseWriter, r *http.Request) {
	view := s.loadNote(w, r)
	if view == nil {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	title, body := r.PostForm.Get("title"), r.PostForm.Get("noteBody")
	if _, err := s.notes.Update(r.Context(), view.Note.NoteID, title, body); err != nil {
		if fields := validate.Fields(err); fields != nil {
			s.renderEdit(w, r, http.StatusUnprocessableEntity, view, title, body, fields)
			return
		}
		s.reportError(r, "update note", err)
		s.renderEdit(w, r, http.StatusBadGateway, view, title, body, nil)
		return
	}
	redirect(w, r, model.NoteRoute(view.Note.NoteID))
}

func (s *Server) handleCancelEdit(w http.ResponseWriter, r *http.Request) {
	view := s.loadNote(w, r)
	if view == nil {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	discarded, err := s.notes.DiscardIfUnsaved(r.Context(), view.Note, r.PostForm.Get("title"), r.PostForm.Get("noteBody"))
	if err != nil {
		s.reportError(r, "discard note", err)
	}
	if discarded {
		redirect(w, r, model.RouteHome)
		return
	}
	redirect(w, r, model.NoteRoute(view.Note.NoteID))
}

func (s *Server) handleDeleteConfirm(w http.ResponseWriter, r *http.Request) {
	view := s.loadNote(w, r)
	if view == nil {
		return
	}
	route := string(model.NoteRoute(view.Note.NoteID))
	data := s.noteData(r, view, "confirm")
	data.Title = "Delete note"
	data.Confirm = &ConfirmPrompt{
		Lines:  strings.Split(notes.DeletePrompt(view.Note), "\n"),
		Action: route + "/delete",
		Cancel: route,
		Yes:    "Delete",
	}
	if view.IsNew {
		data.Confirm.Cancel = route + "/edit"
		data.Confirm.Yes = "Leave"
	}
	s.render(w, r, http.StatusOK, data)
}

func (s *Server) handleDeleteNote(w http.ResponseWriter, r *http.Request) {
	view := s.loadNote(w, r)
	if view == nil {
		return
	}
	deleted, err := s.notes.Delete(r.Context(), view.Note, formConfirmer(r))
	switch {
	case errors.Is(err, notes.ErrDeleteFailed):
		slog.Warn("delete note", "note_id", view.Note.NoteID, "err", err)
		s.toastError(r, notes.DeleteFailedMessage)
	case err != nil:
		s.reportError(r, "delete note", err)
	case deleted:
		s.toastInfo(r, "Note deleted.")
		redirect(w, r, model.RouteHome)
		return
	}
	// Stay on the note until the backend confirms the deletion.
	redirect(w, r, model.NoteRoute(view.Note.NoteID))
}

func (s *Server) handleNoteTags(w http.ResponseWriter, r *http.Request) {
	view := s.loadNote(w, r)
	if view == nil {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	working := strings.FieldsFunc(r.PostForm.Get("tags"), func(c rune) bool {
		return c == ',' || c == ' ' || c == '\n' || c == '\t' || c == '\r'
	})
	if _, err := s.notes.SyncTags(r.Context(), view.Note, working); err != nil {
		if fields := validate.Fields(err); fields != nil {
			data := s.noteData(r, view, "note")
			html, renderErr := renderNoteBody(view.Note.NoteBody)
			if renderErr == nil {
				data.NoteHTML = html
			}
			data.Form = map[string]string{"tags": r.PostForm.Get("tags")}
			data.Errors = fields
			s.render(w, r, http.StatusUnprocessableEntity, data)
			return
		}
		s.reportError(r, "update tags", err)
	}
	redirect(w, r, model.NoteRoute(view.Note.NoteID))
}

func (s *Server) handleTagNotes(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("tagName")
	data := s.page(r, "Notes tagged "+tag, "tag_notes")
	data.TagName = tag
	found, err := s.notes.TaggedNotes(r.Context(), tag)
	if err != nil {
		if fields := validate.Fields(err); fields != nil {
			data.Errors = fields
			s.render(w, r, http.StatusNotFound, data)
			return
		}
		s.reportError(r, "tagged notes", err)
		data.Toasts = append(data.Toasts, s.toasts.Take(toastKey(r))...)
	}
	data.Notes = noteCards(found)
	s.render(w, r, http.StatusOK, data)
}
