package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"memoledger/internal/api"
	"memoledger/internal/app"
	"memoledger/internal/model"
	"memoledger/internal/notes"
	"memoledger/internal/session"
	"memoledger/internal/storage/fs"
)

var errUsage = errors.New("usage")

const timeLayout = "January 2, 2006, 03:04 PM"

type cli struct {
	app    *app.App
	out    io.Writer
	errOut io.Writer
	prompt prompter
	stdin  io.Reader
}

// run restores the stored session, then dispatches one command.
func (c *cli) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	c.app.Session.Load(ctx)

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "login":
		return c.login(ctx, rest)
	case "signup":
		return c.signup(ctx, rest)
	case "logout":
		c.app.Session.Logout(ctx)
		fmt.Fprintln(c.out, "logged out")
		return nil
	case "whoami":
		return c.whoami()
	case "help", "-h", "--help":
		usage(c.out)
		return nil
	}

	if !c.app.Session.Snapshot().Authenticated() {
		return errors.New("not logged in; run: memoledger-cli login")
	}
	err := c.signedIn(ctx, cmd, rest)
	if errors.Is(err, api.ErrUnauthorized) {
		var authErr *session.AuthError
		if errors.As(c.app.Session.RefreshUser(ctx), &authErr) {
			return fmt.Errorf("session ended; run: memoledger-cli login: %w", err)
		}
	}
	return err
}

func (c *cli) signedIn(ctx context.Context, cmd string, rest []string) error {
	switch cmd {
	case "new":
		return c.newNote(ctx, rest)
	case "show":
		return c.show(ctx, rest)
	case "edit":
		return c.edit(ctx, rest)
	case "rm":
		return c.remove(ctx, rest)
	case "search":
		return c.search(ctx, rest)
	case "tags":
		return c.tags(ctx, rest)
	case "tag":
		return c.tag(ctx, rest)
	case "export":
		return c.export(ctx, rest)
	default:
		return errUsage
	}
}

func (c *cli) flags(name string) *flag.FlagSet {
	set := flag.NewFlagSet(name, flag.ContinueOnError)
	set.SetOutput(c.errOut)
	return set
}

func (c *cli) login(ctx context.Context, args []string) error {
	username, err := c.argOrPrompt(args, "Username: ")
	if err != nil {
		return err
	}
	password, err := c.prompt.Password("Password: ")
	if err != nil {
		return err
	}
	if _, err := c.app.Session.Login(ctx, username, password); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "logged in as %s\n", c.app.Session.Snapshot().User.Username)
	return nil
}

func (c *cli) signup(ctx context.Context, args []string) error {
	username, err := c.argOrPrompt(args, "Username: ")
	if err != nil {
		return err
	}
	email, err := c.prompt.Line("Email: ")
	if err != nil {
		return err
	}
	password, err := c.prompt.Password("Password: ")
	if err != nil {
		return err
	}
	in := session.RegisterInput{Username: username, Password: password, Email: email}
	if _, err := c.app.Session.Register(ctx, in); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "signed up as %s\n", c.app.Session.Snapshot().User.Username)
	return nil
}

func (c *cli) argOrPrompt(args []string, prompt string) (string, error) {
	if len(args) > 0 {
		return strings.TrimSpace(args[0]), nil
	}
	return c.prompt.Line(prompt)
}

func (c *cli) whoami() error {
	snap := c.app.Session.Snapshot()
	if !snap.Authenticated() {
		fmt.Fprintln(c.out, "not logged in")
		return nil
	}
	fmt.Fprintf(c.out, "%s <%s>\n", snap.User.Username, snap.User.Email)
	return nil
}

func (c *cli) newNote(ctx context.Context, args []string) error {
	flags := c.flags("new")
	title := flags.String("title", "", "note title")
	body := flags.String("body", "", "note body")
	if err := flags.Parse(args); err != nil {
		return errUsage
	}
	route, err := c.app.Session.CreateNewNote(ctx)
	if err != nil {
		return err
	}
	id, err := strconv.Atoi(path.Base(string(route)))
	if err != nil {
		return fmt.Errorf("unexpected note route %q", route)
	}
	if *title != "" || *body != "" {
		if _, err := c.app.Notes.Update(ctx, id, *title, *body); err != nil {
			return err
		}
	}
	fmt.Fprintf(c.out, "created note %d\n", id)
	return nil
}

func parseID(args []string) (int, error) {
	if len(args) == 0 {
		return 0, errUsage
	}
	id, err := strconv.Atoi(args[0])
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid note id %q", args[0])
	}
	return id, nil
}

func (c *cli) load(ctx context.Context, id int) (*notes.View, error) {
	view, err := c.app.Notes.Get(ctx, id)
	if errors.Is(err, notes.ErrNotFound) {
		return nil, fmt.Errorf("note %d not found", id)
	}
	return view, err
}

func (c *cli) show(ctx context.Context, args []string) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}
	view, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	n := view.Note
	fmt.Fprintf(c.out, "#%d %s\n", n.NoteID, n.Title)
	if view.IsNew {
		fmt.Fprintln(c.out, "(new, not saved yet)")
	}
	fmt.Fprintf(c.out, "created: %s\n", formatTime(n.CreatedAt))
	fmt.Fprintf(c.out, "edited:  %s\n", formatTime(n.EditedAt))
	if len(n.Tags) > 0 {
		fmt.Fprintf(c.out, "tags:    %s\n", strings.Join(n.Tags, ", "))
	}
	if n.NoteBody != "" {
		fmt.Fprintf(c.out, "\n%s\n", n.NoteBody)
	}
	return nil
}

func (c *cli) edit(ctx context.Context, args []string) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}
	flags := c.flags("edit")
	title := flags.String("title", "", "new title")
	body := flags.String("body", "", "new body")
	bodyFile := flags.String("body-file", "", "read the body from a file, - for stdin")
	if err := flags.Parse(args[1:]); err != nil {
		return errUsage
	}
	view, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	set := map[string]bool{}
	flags.Visit(func(f *flag.Flag) { set[f.Name] = true })

	newTitle, newBody := view.Note.Title, view.Note.NoteBody
	if set["title"] {
		newTitle = *title
	}
	switch {
	case set["body-file"]:
		data, err := c.readBody(*bodyFile)
		if err != nil {
			return err
		}
		newBody = data
	case set["body"]:
		newBody = *body
	}
	if _, err := c.app.Notes.Update(ctx, id, newTitle, newBody); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "saved note %d\n", id)
	return nil
}

func (c *cli) readBody(name string) (string, error) {
	var data []byte
	var err error
	if name == "-" {
		data, err = io.ReadAll(c.stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

func (c *cli) remove(ctx context.Context, args []string) error {
	flags := c.flags("rm")
	yes := flags.Bool("y", false, "do not ask for confirmation")
	if err := flags.Parse(args); err != nil {
		return errUsage
	}
	id, err := parseID(flags.Args())
	if err != nil {
		return err
	}
	view, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	confirm := session.ConfirmFunc(func(_ context.Context, prompt string) (bool, error) {
		if *yes {
			return true, nil
		}
		return c.prompt.YesNo(prompt + " [y/N]: ")
	})
	deleted, err := c.app.Notes.Delete(ctx, view.Note, confirm)
	if errors.Is(err, notes.ErrDeleteFailed) {
		return errors.New(notes.DeleteFailedMessage)
	}
	if err != nil {
		return err
	}
	if !deleted {
		fmt.Fprintln(c.out, "no changes made")
		return nil
	}
	fmt.Fprintf(c.out, "deleted note %d\n", id)
	return nil
}

func (c *cli) search(ctx context.Context, args []string) error {
	flags := c.flags("search")
	opts := notes.SearchOptions{}
	flags.BoolVar(&opts.Title, "title", false, "match titles")
	flags.BoolVar(&opts.Tags, "tags", false, "match tags")
	flags.BoolVar(&opts.Body, "text", false, "match body text")
	flags.StringVar(&opts.Order, "order", "", "newest, oldest or editTime")
	flags.IntVar(&opts.Limit, "limit", 0, "show at most N notes")
	if err := flags.Parse(args); err != nil {
		return errUsage
	}
	opts.Term = strings.Join(flags.Args(), " ")
	found, err := c.app.Notes.Search(ctx, opts)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Fprintln(c.out, "No results found.")
		return nil
	}
	c.printList(found)
	return nil
}

func (c *cli) printList(list []model.Note) {
	for _, n := range list {
		line := fmt.Sprintf("%5d  %s", n.NoteID, n.Title)
		if len(n.Tags) > 0 {
			line += "  [" + strings.Join(n.Tags, ", ") + "]"
		}
		fmt.Fprintln(c.out, line)
	}
}

func (c *cli) tags(ctx context.Context, args []string) error {
	flags := c.flags("tags")
	limit := flags.Int("limit", c.app.Config.TagsPageSize, "page size")
	offset := flags.Int("offset", 0, "skip the first N tags")
	if err := flags.Parse(args); err != nil {
		return errUsage
	}
	user := c.app.Session.Snapshot().User
	tags, err := c.app.Notes.ListTags(ctx, user.Username, *limit, *offset)
	if err != nil {
		return err
	}
	for _, tag := range tags {
		fmt.Fprintln(c.out, tag)
	}
	return nil
}

func (c *cli) tag(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return errUsage
	}
	id, err := parseID(args)
	if err != nil {
		return err
	}
	view, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	var updated model.Note
	switch args[1] {
	case "add":
		working := append(append([]string{}, view.Note.Tags...), args[2:]...)
		updated, err = c.app.Notes.AddTags(ctx, view.Note, working)
	case "rm":
		drop := make(map[string]bool, len(args)-2)
		for _, t := range notes.NormalizeTags(args[2:]) {
			drop[t] = true
		}
		var working []string
		for _, t := range view.Note.Tags {
			if !drop[t] {
				working = append(working, t)
			}
		}
		updated, err = c.app.Notes.RemoveTags(ctx, view.Note, working)
	default:
		return errUsage
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "tags: %s\n", strings.Join(updated.Tags, ", "))
	return nil
}

type frontMatter struct {
	ID      int       `yaml:"id"`
	Title   string    `yaml:"title"`
	Tags    []string  `yaml:"tags,omitempty"`
	Created time.Time `yaml:"created"`
	Edited  time.Time `yaml:"edited"`
}

func exportNote(n model.Note) ([]byte, error) {
	meta, err := yaml.Marshal(frontMatter{
		ID:      n.NoteID,
		Title:   n.Title,
		Tags:    n.Tags,
		Created: n.CreatedAt.UTC(),
		Edited:  n.EditedAt.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode front matter: %w", err)
	}
	var b bytes.Buffer
	b.WriteString("---\n")
	b.Write(meta)
	b.WriteString("---\n\n")
	b.WriteString(n.NoteBody)
	if n.NoteBody != "" && !strings.HasSuffix(n.NoteBody, "\n") {
		b.WriteString("\n")
	}
	return b.Bytes(), nil
}

func (c *cli) export(ctx context.Context, args []string) error {
	flags := c.flags("export")
	outPath := flags.String("o", "", "write to a file instead of stdout")
	if err := flags.Parse(args); err != nil {
		return errUsage
	}
	id, err := parseID(flags.Args())
	if err != nil {
		return err
	}
	view, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	data, err := exportNote(view.Note)
	if err != nil {
		return err
	}
	if *outPath == "" {
		_, err := c.out.Write(data)
		return err
	}
	if err := fs.WriteFileAtomic(*outPath, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(c.errOut, "wrote %s\n", *outPath)
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}
