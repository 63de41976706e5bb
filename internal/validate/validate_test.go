package validate

import (
	"errors"
	"strings"
	"testing"
)

type profileForm struct {
	Email    string `form:"email" validate:"contains=@" msg:"Invalid Email"`
	Password string `form:"password" validate:"min=8" msg:"Password must be at least 8 characters"`
	Confirm  string `form:"confirmPassword" validate:"eqfield=Password" msg:"Passwords must match"`
}

type titleForm struct {
	Title string `form:"title" validate:"notblank"`
}

func TestStructUsesFormNamesAndMessages(t *testing.T) {
	err := Struct(profileForm{Email: "nope", Password: "short", Confirm: "other"})
	var verr *Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected *Error, got %T (%v)", err, err)
	}
	want := map[string]string{
		"email":           "Invalid Email",
		"password":        "Password must be at least 8 characters",
		"confirmPassword": "Passwords must match",
	}
	for field, msg := range want {
		if got := verr.Field(field); got != msg {
			t.Fatalf("%s: expected %q, got %q", field, msg, got)
		}
	}
}

func TestStructPasses(t *testing.T) {
	if err := Struct(profileForm{Email: "a@b.c", Password: "longenough", Confirm: "longenough"}); err != nil {
		t.Fatalf("expected valid form, got %v", err)
	}
}

func TestNotBlankRejectsWhitespace(t *testing.T) {
	err := Struct(titleForm{Title: "   "})
	if got := Fields(err)["title"]; got != "title must be provided" {
		t.Fatalf("expected blank title message, got %q (err %v)", got, err)
	}
}

func TestIsTag(t *testing.T) {
	cases := map[string]bool{
		"work":                  true,
		"  padded  ":            true,
		"snake_case-and-dash1":  true,
		"":                      false,
		"has space":             false,
		"emoji🙂":                false,
		strings.Repeat("a", 40): true,
		strings.Repeat("a", 41): false,
	}
	for tag, want := range cases {
		if got := IsTag(tag); got != want {
			t.Fatalf("IsTag(%q): expected %v, got %v", tag, want, got)
		}
	}
}

func TestTagsReportsTagsField(t *testing.T) {
	if err := Tags([]string{"ok", "also_ok"}); err != nil {
		t.Fatalf("expected valid tags, got %v", err)
	}
	err := Tags([]string{"ok", "not ok", "also bad"})
	fields := Fields(err)
	if got := fields["tags"]; got != TagMessage {
		t.Fatalf("expected tag message, got %q", got)
	}
	if len(fields) != 1 {
		t.Fatalf("expected one tags entry without indexes, got %v", fields)
	}
	if err := Tags([]string{""}); Fields(err)["tags"] != TagMessage {
		t.Fatalf("expected empty tag rejected, got %v", err)
	}
}
