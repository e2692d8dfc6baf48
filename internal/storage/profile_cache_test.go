package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func TestProfileCacheUpsertKeepsNewest(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), ProfileFileName)
	c, err := OpenProfileCache(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	newer, err := ProfileFromMetadata("pk1", `{"name":"alice","about":"hi","picture":"https://x/p.png"}`, 20)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if err := c.Save(ctx, newer); err != nil {
		t.Fatalf("save: %v", err)
	}
	older, _ := ProfileFromMetadata("pk1", `{"name":"old"}`, 10)
	if err := c.Save(ctx, older); err != nil {
		t.Fatalf("save older: %v", err)
	}
	_ = c.Close()

	c, err = OpenProfileCache(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close()
	all, err := c.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	got := all["pk1"]
	if got.Name != "alice" || got.EventCreatedAt != 20 || got.PictureURL != "https://x/p.png" {
		t.Fatalf("older event overwrote newer: %+v", got)
	}
	if got.LastCheckedAt != 0 {
		t.Fatalf("last_checked_at must reset on load, got %d", got.LastCheckedAt)
	}
	raw, ok, err := c.LoadMetadataJSON(ctx, "pk1")
	if err != nil || !ok || raw == "" {
		t.Fatalf("metadata json: %q %v %v", raw, ok, err)
	}

	if err := c.ClearAll(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	all, _ = c.LoadAll(ctx)
	if len(all) != 0 {
		t.Fatalf("expected empty cache, got %d", len(all))
	}
}

func TestProfileFromMetadataPrefersDisplayName(t *testing.T) {
	p, err := ProfileFromMetadata("pk", `{"name":"n","display_name":"Display"}`, 1)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if p.DisplayName() != "Display" {
		t.Fatalf("unexpected name %q", p.DisplayName())
	}
	if _, err := ProfileFromMetadata("pk", "not json", 1); err == nil {
		t.Fatal("expected error for malformed metadata")
	}
}
