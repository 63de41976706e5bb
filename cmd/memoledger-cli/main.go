package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"memoledger/internal/api"
	"memoledger/internal/app"
	"memoledger/internal/config"
	"memoledger/internal/logging"
	"memoledger/internal/session"
	"memoledger/internal/validate"
)

func main() {
	opts := logging.OptionsFromEnv()
	if strings.TrimSpace(opts.Level) == "" {
		opts.Level = "warn"
	}
	opts.Pretty = true
	closeLog := logging.Setup(os.Stderr, opts)
	defer closeLog()

	args := os.Args[1:]
	if len(args) == 0 {
		usage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, config.Load())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer a.Close()

	c := &cli{
		app:    a,
		out:    os.Stdout,
		errOut: os.Stderr,
		prompt: newTerminalPrompter(os.Stdin, os.Stderr),
		stdin:  os.Stdin,
	}
	err = c.run(ctx, args)
	if errors.Is(err, errUsage) {
		usage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `usage: memoledger-cli <command> [args]

commands:
  login [username]             sign in and remember the session
  signup [username]            create an account and sign in
  logout                       forget the stored session
  whoami                       show the signed-in user
  new [-title T] [-body B]     create a note
  show <id>                    print a note
  edit <id> [-title T] [-body B | -body-file F]
  rm [-y] <id>                 delete a note
  search [-title] [-tags] [-text] [-order O] [-limit N] <term>
  tags [-limit N] [-offset N]  list your tags
  tag <id> add|rm <tag>...     change a note's tags
  export [-o file] <id>        write a note as markdown with front matter`)
}

// printError writes validation failures per field and backend errors one
// message per line.
func printError(w io.Writer, err error) {
	if fields := validate.Fields(err); fields != nil {
		for name, msg := range fields {
			fmt.Fprintf(w, "%s: %s\n", name, msg)
		}
		return
	}
	var authErr *session.AuthError
	if errors.As(err, &authErr) && len(authErr.Messages) > 0 {
		for _, msg := range authErr.Messages {
			fmt.Fprintln(w, msg)
		}
		return
	}
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		for _, msg := range apiErr.Messages {
			fmt.Fprintln(w, msg)
		}
		return
	}
	fmt.Fprintln(w, err)
}

type prompter interface {
	Line(prompt string) (string, error)
	Password(prompt string) (string, error)
	YesNo(prompt string) (bool, error)
}

type terminalPrompter struct {
	in     *os.File
	reader *bufio.Reader
	out    io.Writer
}

func newTerminalPrompter(in *os.File, out io.Writer) *terminalPrompter {
	return &terminalPrompter{in: in, reader: bufio.NewReader(in), out: out}
}

func (p *terminalPrompter) Line(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	line, err := p.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (p *terminalPrompter) Password(prompt string) (string, error) {
	if !term.IsTerminal(int(p.in.Fd())) {
		return "", errors.New("stdin is not a terminal")
	}
	fmt.Fprint(p.out, prompt)
	pass, err := term.ReadPassword(int(p.in.Fd()))
	fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(string(pass)), nil
}

func (p *terminalPrompter) YesNo(prompt string) (bool, error) {
	if !term.IsTerminal(int(p.in.Fd())) {
		return false, errors.New("stdin is not a terminal")
	}
	answer, err := p.Line(prompt)
	if err != nil {
		return false, err
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes", nil
}
