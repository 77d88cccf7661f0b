package mirror

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/wotsync/internal/config"
	"github.com/sandwichfarm/wotsync/internal/nostr/nostrtest"
	"github.com/sandwichfarm/wotsync/internal/ops"
	"github.com/sandwichfarm/wotsync/internal/priority"
	"github.com/sandwichfarm/wotsync/internal/storage"
)

func setupTestIndex(t *testing.T) *storage.Storage {
	t.Helper()
	st, err := storage.New(context.Background(), &config.Storage{
		SQLitePath: filepath.Join(t.TempDir(), "state.db"),
	})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

var best = priority.SyncPriority{Tier: priority.TierTangential, Retention: priority.RetentionBestEffort}

func TestRelaySink(t *testing.T) {
	net := nostrtest.NewNetwork()
	st := setupTestIndex(t)
	clock := ops.NewManualClock(time.Unix(1_700_000_000, 0))
	m := New(NewRelaySink(net, "ws://mirror", time.Second), st, clock, ops.Discard())

	evt := nostrtest.Note(nostrtest.PK("alice"), 100, "hello")
	if err := m.Save(context.Background(), evt, best); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	published := net.Published("ws://mirror")
	if len(published) != 1 || published[0].ID != evt.ID {
		t.Fatalf("Published() = %v", published)
	}
	counts, err := st.CountByRetention(context.Background())
	if err != nil {
		t.Fatalf("CountByRetention() error = %v", err)
	}
	if counts["BEST_EFFORT"] != 1 {
		t.Errorf("counts = %v, want one BEST_EFFORT", counts)
	}
}

func TestRelaySinkFailureIsNotIndexed(t *testing.T) {
	net := nostrtest.NewNetwork()
	net.SetDown("ws://mirror", true)
	st := setupTestIndex(t)
	m := New(NewRelaySink(net, "ws://mirror", time.Second), st, nil, ops.Discard())

	evt := nostrtest.Note(nostrtest.PK("alice"), 100, "hello")
	if err := m.Save(context.Background(), evt, best); err == nil {
		t.Fatal("expected error when the mirror relay is down")
	}
	counts, _ := st.CountByRetention(context.Background())
	if len(counts) != 0 {
		t.Errorf("failed save should not be indexed, got %v", counts)
	}
}

type failingIndex struct{}

func (failingIndex) RecordMirrored(ctx context.Context, rec *storage.MirrorRecord) error {
	return errors.New("disk full")
}

func TestIndexFailureStillMirrors(t *testing.T) {
	net := nostrtest.NewNetwork()
	m := New(NewRelaySink(net, "ws://mirror", time.Second), failingIndex{}, nil, ops.Discard())

	evt := nostrtest.Note(nostrtest.PK("alice"), 100, "hello")
	if err := m.Save(context.Background(), evt, best); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if len(net.Published("ws://mirror")) != 1 {
		t.Error("expected the event to be published")
	}
}

func TestEventstoreSink(t *testing.T) {
	ctx := context.Background()
	sink, err := OpenEventstore(filepath.Join(t.TempDir(), "mirror", "events.db"))
	if err != nil {
		t.Fatalf("OpenEventstore() error = %v", err)
	}
	m := New(sink, nil, nil, ops.Discard())
	defer m.Close()

	alice := nostrtest.PK("alice")
	evt := nostrtest.Note(alice, 100, "hello")
	for i := 0; i < 2; i++ {
		if err := m.Save(ctx, evt, best); err != nil {
			t.Fatalf("Save() #%d error = %v", i, err)
		}
	}

	n, err := sink.Count(ctx, nostr.Filter{Authors: []string{alice}})
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestOpen(t *testing.T) {
	cfg := config.Default().Mirror
	cfg.EventstorePath = filepath.Join(t.TempDir(), "events.db")

	m, err := Open(&cfg, nostrtest.NewNetwork(), nil, ops.Discard())
	if err != nil {
		t.Fatalf("Open(relay) error = %v", err)
	}
	if _, ok := m.sink.(*RelaySink); !ok {
		t.Errorf("sink = %T, want *RelaySink", m.sink)
	}

	cfg.Driver = "eventstore"
	m, err = Open(&cfg, nil, nil, ops.Discard())
	if err != nil {
		t.Fatalf("Open(eventstore) error = %v", err)
	}
	defer m.Close()
	if _, ok := m.sink.(*EventstoreSink); !ok {
		t.Errorf("sink = %T, want *EventstoreSink", m.sink)
	}

	cfg.Driver = "lmdb"
	if _, err := Open(&cfg, nil, nil, ops.Discard()); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
