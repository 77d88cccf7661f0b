package sync

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/wotsync/internal/nostr/nostrtest"
)

func TestIsReplaceableKind(t *testing.T) {
	tests := []struct {
		kind int
		want bool
	}{
		{0, true},
		{1, false},
		{3, true},
		{7, false},
		{10002, true},
		{30023, true},
		{40000, false},
	}
	for _, tt := range tests {
		if got := IsReplaceableKind(tt.kind); got != tt.want {
			t.Errorf("IsReplaceableKind(%d) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestResyncQueries(t *testing.T) {
	fb := NewFilterBuilder([]int{0, 1, 3, 7}, 0)
	since := time.Unix(1000, 0)

	queries := fb.ResyncQueries("alice", since)
	if len(queries) != 2 {
		t.Fatalf("got %d queries, want 2", len(queries))
	}
	if !queries[0].Since.IsZero() {
		t.Error("replaceable kinds must ignore the cursor")
	}
	if queries[1].Filter().Since == nil || *queries[1].Filter().Since != 1000 {
		t.Errorf("regular kinds should start at the cursor, got %v", queries[1].Filter().Since)
	}
	if queries[1].Limit != 500 {
		t.Errorf("limit = %d, want default 500", queries[1].Limit)
	}

	if got := NewFilterBuilder([]int{1}, 10).ResyncQueries("alice", since); len(got) != 1 {
		t.Errorf("only regular kinds should give one query, got %d", len(got))
	}
}

func TestLiveFilter(t *testing.T) {
	fb := NewFilterBuilder(nil, 0)
	f := fb.LiveFilter(time.Unix(42, 0))
	if len(f.Kinds) != len(defaultKinds) {
		t.Errorf("kinds = %v, want defaults", f.Kinds)
	}
	if f.Since == nil || *f.Since != 42 {
		t.Errorf("since = %v, want 42", f.Since)
	}
}

func TestContiguous(t *testing.T) {
	alice := nostrtest.PK("alice")
	a := nostrtest.Note(alice, 100, "a")
	b := nostrtest.Note(alice, 200, "b")
	c := nostrtest.Note(alice, 300, "c")
	events := []*nostr.Event{c, a, b}

	if got := Contiguous(events, nil); len(got) != 3 || got[0] != a || got[2] != c {
		t.Errorf("Contiguous() without failures = %v", got)
	}
	if got := Contiguous(events, map[string]bool{b.ID: true}); len(got) != 1 || got[0] != a {
		t.Errorf("Contiguous() should stop before the failed event, got %d events", len(got))
	}
	if got := Contiguous(events, map[string]bool{a.ID: true}); len(got) != 0 {
		t.Errorf("Contiguous() should be empty when the oldest failed, got %d", len(got))
	}
}

func TestCursorManager(t *testing.T) {
	ctx := context.Background()
	st := setupTestStorage(t)
	cm := NewCursorManager(st)
	alice := nostrtest.PK("alice")

	since, err := cm.Since(ctx, alice)
	if err != nil || !since.IsZero() {
		t.Fatalf("Since() = %v, %v, want zero time", since, err)
	}

	events := []*nostr.Event{nostrtest.Note(alice, 300, "new"), nostrtest.Note(alice, 100, "old")}
	if err := cm.Advance(ctx, alice, events); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if err := cm.Advance(ctx, alice, events[1:]); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	since, _ = cm.Since(ctx, alice)
	if since.Unix() != 300 {
		t.Errorf("Since() = %d, want 300", since.Unix())
	}
}
