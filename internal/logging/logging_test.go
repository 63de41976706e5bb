package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw).Level(); got != want {
			t.Fatalf("ParseLevel(%q): expected %s, got %s", raw, want, got)
		}
	}
}

func TestPrettyHandlerWritesGroupedAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newPrettyHandler(&buf, slog.LevelDebug)).WithGroup("api")
	logger.Info("api call", "endpoint", "notes/1", slog.Group("req", "method", "GET"))

	out := buf.String()
	if !strings.Contains(out, "INFO api call") {
		t.Fatalf("expected header line, got %q", out)
	}
	if !strings.Contains(out, "  api.endpoint: notes/1\n") {
		t.Fatalf("expected grouped attr, got %q", out)
	}
	if !strings.Contains(out, "  api.req.method: GET\n") {
		t.Fatalf("expected nested group attr, got %q", out)
	}
}

func TestSetupTeesToFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "memo.log")
	var console bytes.Buffer
	closeLog := Setup(&console, Options{Level: "info", File: path})
	slog.Debug("only in file")
	slog.Info("everywhere")
	closeLog()

	if strings.Contains(console.String(), "only in file") {
		t.Fatalf("debug record leaked to console: %q", console.String())
	}
	if !strings.Contains(console.String(), "everywhere") {
		t.Fatalf("expected info record on console, got %q", console.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "only in file") || !strings.Contains(string(data), "everywhere") {
		t.Fatalf("expected both records in file, got %q", data)
	}
}
