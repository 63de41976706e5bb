package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func TestKVRoundTripAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "state.sqlite")

	kv, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok, err := kv.Get(ctx, "token"); err != nil || ok {
		t.Fatalf("expected empty store, got ok=%v err=%v", ok, err)
	}
	if err := kv.Set(ctx, "token", "abc"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := kv.Set(ctx, "token", "def"); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	if err := kv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	kv, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer kv.Close()
	val, ok, err := kv.Get(ctx, "token")
	if err != nil || !ok || val != "def" {
		t.Fatalf("expected def after reopen, got %q ok=%v err=%v", val, ok, err)
	}

	if err := kv.Delete(ctx, "token"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := kv.Delete(ctx, "token"); err != nil {
		t.Fatalf("Delete missing key: %v", err)
	}
	if _, ok, _ := kv.Get(ctx, "token"); ok {
		t.Fatal("expected token removed")
	}
}
