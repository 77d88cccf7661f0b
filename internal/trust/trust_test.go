package trust

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sandwichfarm/wotsync/internal/config"
	"github.com/sandwichfarm/wotsync/internal/graph"
	wnostr "github.com/sandwichfarm/wotsync/internal/nostr"
	"github.com/sandwichfarm/wotsync/internal/nostr/nostrtest"
	"github.com/sandwichfarm/wotsync/internal/ops"
	"github.com/sandwichfarm/wotsync/internal/storage"
)

func TestActivityStrategy(t *testing.T) {
	tests := []struct {
		name      string
		signals   Signals
		wantScore int
		wantBot   bool
	}{
		{"empty identity", Signals{Depth: 3}, 5, false},
		{"anchor with no activity", Signals{Depth: 0}, 20, false},
		// 18*2 + 10*2 + 15 + 12 = 83
		{"well connected", Signals{Followers: 100, Following: 100, Depth: 1, RecentNotes: 10}, 83, false},
		// 45 + 20 + 20 + 15 = 100
		{"capped", Signals{Followers: 1_000_000, Following: 1_000_000, Depth: 0, RecentNotes: 500}, 100, true},
		{"follow spammer", Signals{Followers: 3, Following: 5000, Depth: 2}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ActivityStrategy{}.Score(tt.signals)
			if tt.name != "follow spammer" && got.Score != tt.wantScore {
				t.Errorf("score = %d, want %d", got.Score, tt.wantScore)
			}
			if got.IsLikelyBot != tt.wantBot {
				t.Errorf("bot = %v, want %v", got.IsLikelyBot, tt.wantBot)
			}
			if got.DiscountPercent != DiscountPercent(got.Score) {
				t.Errorf("discount %d does not follow score %d", got.DiscountPercent, got.Score)
			}
		})
	}
}

func TestLiveStrategy(t *testing.T) {
	// 16*2 + 5*2 + 15 + 12 + 6 = 75
	got := LiveStrategy{}.Score(Signals{Followers: 100, Following: 100, Depth: 1, AccountAgeDays: 360, MonthNotes: 60})
	if got.Score != 75 || got.IsLikelyBot || got.DiscountPercent != 10 {
		t.Errorf("unexpected live result: %+v", got)
	}

	bot := LiveStrategy{}.Score(Signals{Followers: 10_000, Following: 10, Depth: 0, MonthNotes: 30 * 51})
	if !bot.IsLikelyBot || bot.Score != 0 || bot.DiscountPercent != 0 {
		t.Errorf("bots must short-circuit to zero: %+v", bot)
	}
}

func TestScoreRangeAndDiscountSteps(t *testing.T) {
	strategies := []Strategy{ActivityStrategy{}, LiveStrategy{}}
	prevDiscount := 0
	for score := 0; score <= 100; score++ {
		d := DiscountPercent(score)
		if d != 0 && d != 10 && d != 20 {
			t.Fatalf("discount %d outside {0,10,20}", d)
		}
		if d < prevDiscount {
			t.Fatalf("discount decreased at score %d", score)
		}
		prevDiscount = d
	}

	for _, s := range strategies {
		for _, followers := range []int{0, 1, 9, 10, 1000, 1 << 30} {
			for _, notes := range []int{0, 5, 151, 10_000} {
				for depth := 0; depth <= 3; depth++ {
					res := s.Score(Signals{Followers: followers, Following: followers / 2, Depth: depth, RecentNotes: notes, MonthNotes: notes, AccountAgeDays: 10_000})
					if res.Score < 0 || res.Score > 100 {
						t.Fatalf("%s score %d out of range", s.Name(), res.Score)
					}
				}
			}
		}
	}
}

type fakeSource struct {
	signals Signals
	err     error
	calls   atomic.Int32
	delay   time.Duration
}

func (f *fakeSource) Gather(ctx context.Context, pubkey string) (Signals, error) {
	f.calls.Add(1)
	time.Sleep(f.delay)
	s := f.signals
	s.Pubkey = pubkey
	return s, f.err
}

func setupTestService(t *testing.T, src Source, clock ops.Clock) (*Service, *storage.Storage) {
	t.Helper()

	st, err := storage.New(context.Background(), &config.Storage{
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	svc, err := New(st, src, &config.Trust{Strategy: "activity", MaxAgeHours: 24}, clock, ops.Discard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc, st
}

func TestRecalculateAndGetScore(t *testing.T) {
	clock := ops.NewManualClock(time.Unix(1_700_000_000, 0))
	src := &fakeSource{signals: Signals{Followers: 100, Following: 100, Depth: 1, RecentNotes: 10}}
	svc, _ := setupTestService(t, src, clock)
	ctx := context.Background()

	if _, err := svc.GetScore(ctx, "abc"); !errors.Is(err, ErrNotCalculated) {
		t.Fatalf("expected ErrNotCalculated, got %v", err)
	}

	rec, err := svc.Recalculate(ctx, "abc")
	if err != nil {
		t.Fatalf("Recalculate() error = %v", err)
	}
	if rec.Score != 83 || rec.DiscountPercent != 20 || rec.Strategy != "activity" || rec.LastCalculated != 1_700_000_000 {
		t.Errorf("unexpected record: %+v", rec)
	}

	got, err := svc.GetScore(ctx, "abc")
	if err != nil || *got != *rec {
		t.Errorf("GetScore() = %+v, %v", got, err)
	}
}

func TestRecalculateDoesNotPersistOnFailure(t *testing.T) {
	src := &fakeSource{err: errors.New("relays down")}
	svc, _ := setupTestService(t, src, nil)
	ctx := context.Background()

	if _, err := svc.Recalculate(ctx, "abc"); err == nil {
		t.Fatal("expected error")
	}
	if _, err := svc.GetScore(ctx, "abc"); !errors.Is(err, ErrNotCalculated) {
		t.Errorf("failed calculations must not be stored, got %v", err)
	}
}

func TestLookupFreshness(t *testing.T) {
	clock := ops.NewManualClock(time.Unix(1_700_000_000, 0))
	src := &fakeSource{signals: Signals{Depth: 2}}
	svc, _ := setupTestService(t, src, clock)
	ctx := context.Background()

	if _, err := svc.Lookup(ctx, "abc"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Hour)
	if _, err := svc.Lookup(ctx, "abc"); err != nil {
		t.Fatal(err)
	}
	if n := src.calls.Load(); n != 1 {
		t.Errorf("fresh record should be reused, gathered %d times", n)
	}

	clock.Advance(24 * time.Hour)
	if _, err := svc.Lookup(ctx, "abc"); err != nil {
		t.Fatal(err)
	}
	if n := src.calls.Load(); n != 2 {
		t.Errorf("stale record should be recalculated, gathered %d times", n)
	}
}

func TestRecalculateSharesInflight(t *testing.T) {
	src := &fakeSource{signals: Signals{Depth: 2}, delay: 50 * time.Millisecond}
	svc, _ := setupTestService(t, src, nil)
	ctx := context.Background()

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			svc.Recalculate(ctx, "abc")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	if n := src.calls.Load(); n >= 5 {
		t.Errorf("expected concurrent recalculations to share work, gathered %d times", n)
	}
}

func TestGatherer(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	day := int64(24 * 60 * 60)
	anchor, alice, bob, carol := nostrtest.PK("anchor"), nostrtest.PK("alice"), nostrtest.PK("bob"), nostrtest.PK("carol")

	net := nostrtest.NewNetwork()
	net.Add(
		nostrtest.FollowList(alice, now.Unix()-10*day, anchor, bob),
		nostrtest.FollowList(bob, now.Unix()-day, alice),
		nostrtest.FollowList(carol, now.Unix()-day, alice, bob),
		nostrtest.Metadata(alice, now.Unix()-300*day, `{"name":"alice"}`),
		nostrtest.Note(alice, now.Unix()-day, "one"),
		nostrtest.Note(alice, now.Unix()-2*day, "two"),
		nostrtest.Note(alice, now.Unix()-20*day, "three"),
		nostrtest.Note(alice, now.Unix()-60*day, "too old"),
	)

	clock := ops.NewManualClock(now)
	cfg := config.Default().WoT
	cfg.ExpansionCacheSeconds = 0
	relays := wnostr.StaticRelays{"wss://relay.test"}
	g := graph.New(net, relays, &cfg, ops.Discard())
	gatherer := NewGatherer(g, net, relays, []string{anchor}, clock)

	s, err := gatherer.Gather(context.Background(), alice)
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	want := Signals{Pubkey: alice, Following: 2, Followers: 2, Depth: 1, RecentNotes: 2, MonthNotes: 3, AccountAgeDays: 300}
	if s != want {
		t.Errorf("Gather() = %+v, want %+v", s, want)
	}

	if s, _ := gatherer.Gather(context.Background(), anchor); s.Depth != 0 {
		t.Errorf("anchor depth = %d, want 0", s.Depth)
	}
	if s, _ := gatherer.Gather(context.Background(), bob); s.Depth != 2 {
		t.Errorf("bob depth = %d, want 2", s.Depth)
	}
	if s, _ := gatherer.Gather(context.Background(), nostrtest.PK("nobody")); s.Depth != 3 {
		t.Errorf("isolated depth = %d, want 3", s.Depth)
	}

	net.FailAll(true)
	if _, err := gatherer.Gather(context.Background(), alice); err == nil {
		t.Error("expected error when relays are unreachable")
	}
}
