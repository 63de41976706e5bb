package model

import (
	"encoding/json"
	"testing"
)

func TestNoteFresh(t *testing.T) {
	yes, no := true, false
	cases := []struct {
		name string
		note Note
		want bool
	}{
		{"sentinel placeholder", Note{Title: "Untitled"}, true},
		{"untitled with body", Note{Title: "Untitled", NoteBody: "x"}, false},
		{"titled empty body", Note{Title: "Groceries"}, false},
		{"explicit flag overrides sentinel", Note{Title: "Untitled", IsNew: &no}, false},
		{"explicit flag on titled note", Note{Title: "Draft", IsNew: &yes}, true},
	}
	for _, tc := range cases {
		if got := tc.note.Fresh(); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestDeletedAcceptsStringOrNumber(t *testing.T) {
	var res struct {
		Deleted Deleted `json:"deleted"`
	}
	if err := json.Unmarshal([]byte(`{"deleted": 42}`), &res); err != nil {
		t.Fatalf("unmarshal number: %v", err)
	}
	if res.Deleted != "42" || !res.Deleted.OK() {
		t.Fatalf("expected 42, got %q", res.Deleted)
	}
	if err := json.Unmarshal([]byte(`{"deleted": "alice"}`), &res); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	if res.Deleted != "alice" {
		t.Fatalf("expected alice, got %q", res.Deleted)
	}
	if err := json.Unmarshal([]byte(`{"deleted": null}`), &res); err != nil {
		t.Fatalf("unmarshal null: %v", err)
	}
	if res.Deleted.OK() {
		t.Fatal("expected null acknowledgement to report not ok")
	}
	if err := json.Unmarshal([]byte(`{"deleted": [1]}`), &res); err == nil {
		t.Fatal("expected error for array acknowledgement")
	}
}

func TestRoutes(t *testing.T) {
	if got := NoteRoute(7); got != "/notes/7" {
		t.Fatalf("expected /notes/7, got %s", got)
	}
}
