package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/wotsync/internal/config"
	"github.com/sandwichfarm/wotsync/internal/graph"
	wnostr "github.com/sandwichfarm/wotsync/internal/nostr"
	"github.com/sandwichfarm/wotsync/internal/nostr/nostrtest"
	"github.com/sandwichfarm/wotsync/internal/ops"
	"github.com/sandwichfarm/wotsync/internal/priority"
	"github.com/sandwichfarm/wotsync/internal/relays"
	"github.com/sandwichfarm/wotsync/internal/storage"
)

func setupTestStorage(t *testing.T) *storage.Storage {
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

type testEngine struct {
	engine *Engine
	net    *nostrtest.Network
	store  *storage.Storage
	mirror *recordingMirror
}

func setupTestEngine(t *testing.T, classifier tiers, sub wnostr.Subscriber) *testEngine {
	t.Helper()
	net := nostrtest.NewNetwork()
	st := setupTestStorage(t)
	m := &recordingMirror{reject: map[string]bool{}}
	src := wnostr.StaticRelays{"ws://seed"}

	wot := config.Default().WoT
	g := graph.New(net, src, &wot, ops.Discard())
	reg := relays.New(relays.Options{Store: st, Key: "relay_registry", Prober: net, Logger: ops.Discard()})

	p := NewPipeline(fixedNoise{}, classifier, nil, pressure(false), m, PipelineOptions{}, ops.Discard())
	e := New(Deps{
		Pipeline:   p,
		Subscriber: sub,
		Querier:    net,
		Relays:     src,
		Registry:   reg,
		Graph:      g,
		Classifier: classifier,
		Cursors:    st,
		Logger:     ops.Discard(),
	}, Options{Workers: 2, QueueSize: 16, ReconnectDelay: 10 * time.Millisecond})

	return &testEngine{engine: e, net: net, store: st, mirror: m}
}

func TestResyncAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	alice := nostrtest.PK("alice")
	bob := nostrtest.PK("bob")
	te := setupTestEngine(t, tiers{alice: priority.TierPaidUser, bob: priority.TierBackground}, nil)

	te.net.Add(
		nostrtest.Note(alice, 100, "one"),
		nostrtest.Note(alice, 200, "two"),
		nostrtest.Note(bob, 150, "not resynced"),
	)

	stats, err := te.engine.Resync(ctx)
	if err != nil {
		t.Fatalf("Resync() error = %v", err)
	}
	if stats.Authors != 1 || stats.Events != 2 || stats.Mirrored != 2 {
		t.Errorf("stats = %+v, want 1 author, 2 events, 2 mirrored", stats)
	}

	since, err := te.store.GetSyncCursor(ctx, alice)
	if err != nil {
		t.Fatalf("GetSyncCursor() error = %v", err)
	}
	if since != 200 {
		t.Errorf("cursor = %d, want 200", since)
	}
	if since, _ := te.store.GetSyncCursor(ctx, bob); since != 0 {
		t.Errorf("background author should not be resynced, cursor = %d", since)
	}
}

func TestResyncKeepsCursorBehindFailure(t *testing.T) {
	ctx := context.Background()
	alice := nostrtest.PK("alice")
	te := setupTestEngine(t, tiers{alice: priority.TierPaidUser}, nil)

	first := nostrtest.Note(alice, 100, "one")
	failing := nostrtest.Note(alice, 200, "two")
	last := nostrtest.Note(alice, 300, "three")
	te.net.Add(first, failing, last)
	te.mirror.reject[failing.ID] = true

	stats, err := te.engine.Resync(ctx)
	if err != nil {
		t.Fatalf("Resync() error = %v", err)
	}
	if stats.Failed != 1 || stats.Mirrored != 2 {
		t.Errorf("stats = %+v, want 1 failed, 2 mirrored", stats)
	}
	if since, _ := te.store.GetSyncCursor(ctx, alice); since != 100 {
		t.Errorf("cursor = %d, want 100", since)
	}

	// the next pass retries from the cursor
	delete(te.mirror.reject, failing.ID)
	if _, err := te.engine.Resync(ctx); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}
	if since, _ := te.store.GetSyncCursor(ctx, alice); since != 300 {
		t.Errorf("cursor = %d, want 300", since)
	}
}

func TestResyncDegradesOnNetworkFailure(t *testing.T) {
	alice := nostrtest.PK("alice")
	te := setupTestEngine(t, tiers{alice: priority.TierPaidUser}, nil)
	te.net.Add(nostrtest.Note(alice, 100, "one"))
	te.net.FailAll(true)

	stats, err := te.engine.Resync(context.Background())
	if err != nil {
		t.Fatalf("Resync() error = %v", err)
	}
	if stats.Authors != 0 || te.mirror.count() != 0 {
		t.Errorf("stats = %+v, mirrored %d", stats, te.mirror.count())
	}
}

func TestHandleObservesRelays(t *testing.T) {
	alice := nostrtest.PK("alice")
	te := setupTestEngine(t, tiers{alice: priority.TierPaidUser}, nil)

	evt := nostrtest.RelayList(alice, 100, []string{"wss://relay.example.com"})
	out := te.engine.Handle(context.Background(), evt)
	if out.State != StateMirrored {
		t.Errorf("state = %s, want mirrored", out.State)
	}
	if _, ok := te.engine.deps.Registry.Get("wss://relay.example.com"); !ok {
		t.Error("expected the relay list to be observed")
	}
}

type pushSubscriber chan *nostr.Event

func (p pushSubscriber) Subscribe(ctx context.Context, relays []string, filter nostr.Filter) <-chan *nostr.Event {
	out := make(chan *nostr.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-p:
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func TestStartProcessesLiveEvents(t *testing.T) {
	alice := nostrtest.PK("alice")
	sub := make(pushSubscriber)
	te := setupTestEngine(t, tiers{alice: priority.TierPaidUser}, sub)

	if err := te.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		sub <- nostrtest.Note(alice, int64(100+i), "live")
	}

	deadline := time.Now().Add(2 * time.Second)
	for te.mirror.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	te.engine.Stop()

	if got := te.mirror.count(); got != 3 {
		t.Errorf("mirrored %d live events, want 3", got)
	}
}

func TestRegisterJobs(t *testing.T) {
	te := setupTestEngine(t, tiers{}, nil)
	sched := ops.NewScheduler(ops.NewManualClock(time.Unix(0, 0)), ops.Discard())

	cfg := config.Default().Schedule
	if err := te.engine.RegisterJobs(sched, &cfg); err != nil {
		t.Fatalf("RegisterJobs() error = %v", err)
	}
	for _, name := range []string{JobRelayProbe, JobPriorityResync, JobRetentionScan} {
		if !sched.Trigger(name) {
			t.Errorf("job %s not registered", name)
		}
	}
}
