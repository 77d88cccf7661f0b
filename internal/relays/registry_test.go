package relays

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/wotsync/internal/config"
	"github.com/sandwichfarm/wotsync/internal/nostr/nostrtest"
	"github.com/sandwichfarm/wotsync/internal/ops"
	"github.com/sandwichfarm/wotsync/internal/storage"
)

func setupTestRegistry(t *testing.T) (*Registry, *storage.Storage, *nostrtest.Network) {
	t.Helper()

	st, err := storage.New(context.Background(), &config.Storage{
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	net := nostrtest.NewNetwork()
	reg := New(Options{
		Store:  st,
		Prober: net,
		Clock:  ops.NewManualClock(time.Unix(1_700_000_000, 0)),
		Logger: ops.Discard(),
	})
	return reg, st, net
}

func TestObserveRelayList(t *testing.T) {
	reg, _, _ := setupTestRegistry(t)
	ctx := context.Background()
	alice, bob := nostrtest.PK("alice"), nostrtest.PK("bob")

	got := reg.Observe(ctx, nostrtest.RelayList(alice, 100,
		[]string{"wss://a.test/", "read"},
		[]string{"wss://b.test", "write"},
		[]string{"https://nope.test"},
	))
	if len(got) != 2 || got[0] != "wss://a.test" || got[1] != "wss://b.test" {
		t.Fatalf("unexpected discovered relays: %v", got)
	}

	// second observer, same relays: nothing new, counts grow
	if got := reg.Observe(ctx, nostrtest.RelayList(bob, 100, []string{"wss://a.test"})); len(got) != 0 {
		t.Errorf("expected nothing new, got %v", got)
	}
	// same observer again does not inflate counts
	reg.Observe(ctx, nostrtest.RelayList(alice, 200, []string{"wss://a.test", "read"}))

	a, ok := reg.Get("wss://a.test")
	if !ok {
		t.Fatal("wss://a.test not registered")
	}
	if a.SeenInUsers != 2 || a.SeenInReads != 2 || a.SeenInWrites != 1 {
		t.Errorf("unexpected counts: %+v", a)
	}
	b, _ := reg.Get("wss://b.test")
	if b.SeenInUsers != 1 || b.SeenInWrites != 1 || b.SeenInReads != 0 {
		t.Errorf("unexpected counts: %+v", b)
	}
}

func TestObserveFollowListAndMetadata(t *testing.T) {
	reg, _, _ := setupTestRegistry(t)
	ctx := context.Background()
	alice, bob := nostrtest.PK("alice"), nostrtest.PK("bob")

	kind3 := &nostr.Event{
		PubKey:  alice,
		Kind:    nostr.KindFollowList,
		Tags:    nostr.Tags{{"p", bob, "wss://hint.test"}},
		Content: `{"wss://legacy.test":{"read":true,"write":true}}`,
	}
	got := reg.Observe(ctx, kind3)
	if len(got) != 2 {
		t.Fatalf("expected hint and legacy relays, got %v", got)
	}

	got = reg.Observe(ctx, nostrtest.Metadata(bob, 100, `{"name":"bob","relays":["wss://meta.test","wss://hint.test"]}`))
	if len(got) != 1 || got[0] != "wss://meta.test" {
		t.Errorf("unexpected discovered relays: %v", got)
	}

	hint, _ := reg.Get("wss://hint.test")
	if hint.SeenInUsers != 2 || hint.SeenInReads != 0 {
		t.Errorf("hints count as plain sightings: %+v", hint)
	}
	legacy, _ := reg.Get("wss://legacy.test")
	if legacy.SeenInReads != 1 || legacy.SeenInWrites != 1 {
		t.Errorf("legacy content keeps markers: %+v", legacy)
	}

	if got := reg.Observe(ctx, nostrtest.Note(alice, 100, "wss://not-a-relay-source.test")); got != nil {
		t.Errorf("notes are not relay sources: %v", got)
	}
}

func TestObserveConcurrentCounts(t *testing.T) {
	reg, _, _ := setupTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			author := nostrtest.PK(string(rune('a'+i%26)) + string(rune('a'+i/26)))
			reg.Observe(ctx, nostrtest.RelayList(author, 100, []string{"wss://shared.test"}))
		}(i)
	}
	wg.Wait()

	shared, _ := reg.Get("wss://shared.test")
	if shared.SeenInUsers != 50 {
		t.Errorf("lost updates: expected 50 users, got %d", shared.SeenInUsers)
	}
}

func TestProbe(t *testing.T) {
	reg, _, net := setupTestRegistry(t)
	ctx := context.Background()
	reg.Observe(ctx, nostrtest.RelayList(nostrtest.PK("alice"), 100, []string{"wss://a.test"}))

	net.SetLatency("wss://a.test", 100*time.Millisecond)
	res, err := reg.Probe(ctx, "wss://a.test/")
	if err != nil || !res.Online || res.ResponseMs != 100 {
		t.Fatalf("first probe = %+v, %v", res, err)
	}

	net.SetLatency("wss://a.test", 201*time.Millisecond)
	reg.Probe(ctx, "wss://a.test")
	a, _ := reg.Get("wss://a.test")
	if a.AvgResponseMs != 151 || !a.IsOnline {
		t.Errorf("expected rounded two point average 151, got %+v", a)
	}

	net.SetDown("wss://a.test", true)
	res, err = reg.Probe(ctx, "wss://a.test")
	if err != nil || res.Online {
		t.Fatalf("down probe = %+v, %v", res, err)
	}
	a, _ = reg.Get("wss://a.test")
	if a.IsOnline || a.AvgResponseMs != 151 {
		t.Errorf("failed probe must go offline and keep the average: %+v", a)
	}

	if _, err := reg.Probe(ctx, "http://a.test"); !errors.Is(err, ErrInvalidRelayURL) {
		t.Errorf("expected ErrInvalidRelayURL, got %v", err)
	}
}

func TestProbeAll(t *testing.T) {
	reg, _, net := setupTestRegistry(t)
	ctx := context.Background()
	reg.Observe(ctx, nostrtest.RelayList(nostrtest.PK("alice"), 100,
		[]string{"wss://a.test"}, []string{"wss://b.test"}, []string{"wss://c.test"}))
	net.SetDown("wss://b.test", true)

	results, err := reg.ProbeAll(ctx)
	if err != nil {
		t.Fatalf("ProbeAll() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for _, r := range results {
		if want := r.URL != "wss://b.test"; r.Online != want {
			t.Errorf("%s online = %v, want %v", r.URL, r.Online, want)
		}
	}
}

func TestPopular(t *testing.T) {
	reg, _, _ := setupTestRegistry(t)
	ctx := context.Background()
	for i, name := range []string{"alice", "bob", "carol"} {
		entries := [][]string{{"wss://common.test"}}
		if i > 0 {
			entries = append(entries, []string{"wss://second.test", "read"})
		}
		entries = append(entries, []string{"wss://" + name + ".test"})
		reg.Observe(ctx, nostrtest.RelayList(nostrtest.PK(name), 100, entries...))
	}

	top := reg.Popular(2)
	if len(top) != 2 || top[0].URL != "wss://common.test" || top[1].URL != "wss://second.test" {
		t.Errorf("unexpected popular relays: %+v", top)
	}
	if all := reg.All(); len(all) != 5 || all[0].URL != "wss://alice.test" {
		t.Errorf("All() should list every relay sorted by url: %+v", all)
	}
}

func TestPersistAndLoad(t *testing.T) {
	reg, st, _ := setupTestRegistry(t)
	ctx := context.Background()
	alice, bob := nostrtest.PK("alice"), nostrtest.PK("bob")
	reg.Observe(ctx, nostrtest.RelayList(alice, 100, []string{"wss://a.test", "write"}))

	restored := New(Options{Store: st, Logger: ops.Discard()})
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	a, ok := restored.Get("wss://a.test")
	if !ok || a.SeenInUsers != 1 || a.SeenInWrites != 1 {
		t.Fatalf("unexpected restored relay: %+v", a)
	}

	// observer sets survive the round trip, so the same observer is not recounted
	restored.Observe(ctx, nostrtest.RelayList(alice, 200, []string{"wss://a.test", "write"}))
	restored.Observe(ctx, nostrtest.RelayList(bob, 200, []string{"wss://a.test"}))
	a, _ = restored.Get("wss://a.test")
	if a.SeenInUsers != 2 || a.SeenInWrites != 2 {
		t.Errorf("unexpected counts after reload: %+v", a)
	}
}

func TestRepeatSightingPersistsLastSeen(t *testing.T) {
	st, err := storage.New(context.Background(), &config.Storage{
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	clock := ops.NewManualClock(time.Unix(1_700_000_000, 0))
	reg := New(Options{Store: st, Clock: clock, Logger: ops.Discard()})
	alice := nostrtest.PK("alice")

	reg.Observe(ctx, nostrtest.RelayList(alice, 100, []string{"wss://a.test"}))
	clock.Set(time.Unix(1_700_003_600, 0))
	reg.Observe(ctx, nostrtest.RelayList(alice, 200, []string{"wss://a.test"}))

	restored := New(Options{Store: st, Logger: ops.Discard()})
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	a, ok := restored.Get("wss://a.test")
	if !ok {
		t.Fatal("wss://a.test not restored")
	}
	if a.LastSeen != 1_700_003_600 {
		t.Errorf("LastSeen = %d, want 1700003600", a.LastSeen)
	}
	if a.SeenInUsers != 1 {
		t.Errorf("SeenInUsers = %d, want 1", a.SeenInUsers)
	}
}

func TestLoadCorruptOrMissing(t *testing.T) {
	reg, st, _ := setupTestRegistry(t)
	ctx := context.Background()

	if err := reg.Load(ctx); err != nil || reg.Size() != 0 {
		t.Fatalf("missing snapshot should load empty, got %v", err)
	}

	if err := st.PutDocument(ctx, "relay_registry", []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if err := reg.Load(ctx); err != nil || reg.Size() != 0 {
		t.Fatalf("corrupt snapshot should load empty, got %v", err)
	}

	// the next mutation rewrites a valid document
	reg.Observe(ctx, nostrtest.RelayList(nostrtest.PK("alice"), 100, []string{"wss://a.test"}))
	fresh := New(Options{Store: st, Logger: ops.Discard()})
	if err := fresh.Load(ctx); err != nil || fresh.Size() != 1 {
		t.Errorf("expected rewritten snapshot, size=%d err=%v", fresh.Size(), err)
	}
}

type breakers map[string]bool

func (b breakers) RelayAvailable(relay string) bool { return !b[relay] }

func TestSelector(t *testing.T) {
	reg, _, _ := setupTestRegistry(t)
	ctx := context.Background()
	reg.Observe(ctx, nostrtest.RelayList(nostrtest.PK("alice"), 100,
		[]string{"wss://online.test"}, []string{"wss://offline.test"}, []string{"wss://open.test"}))
	reg.Observe(ctx, nostrtest.RelayList(nostrtest.PK("bob"), 100, []string{"wss://online.test"}))
	reg.ProbeAll(ctx)
	// nostrtest answers every probe; mark one offline through a failed probe
	// and one as breaker-open
	for _, e := range []string{"wss://offline.test"} {
		v, _ := reg.entries.Load(e)
		v.recordProbe(ProbeResult{URL: e}, 0)
	}

	sel := NewSelector([]string{"wss://seed.test", "wss://broken-seed.test"}, reg,
		breakers{"wss://open.test": true, "wss://broken-seed.test": true}, 10)
	got := sel.QueryRelays()
	want := []string{"wss://seed.test", "wss://online.test"}
	if len(got) != len(want) {
		t.Fatalf("QueryRelays() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("QueryRelays()[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	capped := NewSelector([]string{"wss://seed.test"}, reg, nil, 1).QueryRelays()
	if len(capped) != 1 {
		t.Errorf("expected selector capped at 1, got %v", capped)
	}

	allOpen := NewSelector([]string{"wss://broken-seed.test"}, nil, breakers{"wss://broken-seed.test": true}, 5).QueryRelays()
	if len(allOpen) != 1 {
		t.Errorf("expected fallback to seeds, got %v", allOpen)
	}
}
