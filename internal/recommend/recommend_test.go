package recommend

import (
	"context"
	"reflect"
	"testing"

	"github.com/sandwichfarm/wotsync/internal/config"
	"github.com/sandwichfarm/wotsync/internal/graph"
	wnostr "github.com/sandwichfarm/wotsync/internal/nostr"
	"github.com/sandwichfarm/wotsync/internal/nostr/nostrtest"
	"github.com/sandwichfarm/wotsync/internal/ops"
)

var (
	me    = nostrtest.PK("me")
	alice = nostrtest.PK("alice")
	bob   = nostrtest.PK("bob")
	carol = nostrtest.PK("carol")
	dave  = nostrtest.PK("dave")
)

func setupTestRecommender(t *testing.T) (*Recommender, *nostrtest.Network) {
	t.Helper()

	net := nostrtest.NewNetwork()
	relays := wnostr.StaticRelays{"wss://relay.test"}
	wot := config.Default().WoT
	wot.ExpansionCacheSeconds = 0
	g := graph.New(net, relays, &wot, ops.Discard())
	return New(g, net, relays, ops.Discard()), net
}

func TestRecommend(t *testing.T) {
	r, net := setupTestRecommender(t)
	net.Add(
		nostrtest.FollowList(me, 100, alice, bob),
		nostrtest.FollowList(alice, 100, carol, bob, me),
		nostrtest.FollowList(bob, 100, dave),
		// direct follows, weight 3
		nostrtest.RelayList(alice, 100, []string{"wss://w.test", "write"}, []string{"wss://both.test"}),
		nostrtest.RelayList(bob, 100, []string{"wss://r.test", "read"}, []string{"wss://w.test", "write"}),
		// second degree, weight 1
		nostrtest.RelayList(carol, 100, []string{"wss://both.test"}, []string{"wss://tie.test", "write"}),
		nostrtest.RelayList(dave, 100, []string{"wss://r.test", "read"}, []string{"wss://tie2.test", "read"}, []string{"wss://tie2b.test", "read"}),
		// superseded list never counts
		nostrtest.RelayList(dave, 50, []string{"wss://stale.test"}),
	)

	got := r.Recommend(context.Background(), me)
	want := []Recommendation{
		{URL: "wss://w.test", Score: 12, DirectContributors: 2},
		{URL: "wss://both.test", Score: 12, DirectContributors: 1},
		{URL: "wss://r.test", Score: 4, DirectContributors: 1},
		{URL: "wss://tie.test", Score: 2, DirectContributors: 0},
		{URL: "wss://tie2.test", Score: 1, DirectContributors: 0},
		{URL: "wss://tie2b.test", Score: 1, DirectContributors: 0},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Recommend() =\n%+v\nwant\n%+v", got, want)
	}

	for i := 1; i < len(got); i++ {
		if got[i-1].Score < got[i].Score {
			t.Fatalf("not sorted by score at %d", i)
		}
	}
}

func TestBestRelays(t *testing.T) {
	r, net := setupTestRecommender(t)
	net.Add(
		nostrtest.FollowList(me, 100, alice),
		nostrtest.FollowList(bob, 100, me),
		nostrtest.FollowList(carol, 100, me),
		nostrtest.RelayList(alice, 100, []string{"wss://alice-out.test", "write"}, []string{"wss://alice-in.test", "read"}),
		nostrtest.RelayList(bob, 100, []string{"wss://inbox.test", "read"}, []string{"wss://bob-out.test", "write"}),
		nostrtest.RelayList(carol, 100, []string{"wss://inbox.test"}, []string{"wss://carol-in.test", "read"}),
	)
	ctx := context.Background()

	write := r.BestWriteRelays(ctx, me, 2)
	if !reflect.DeepEqual(write, []string{"wss://inbox.test", "wss://carol-in.test"}) {
		t.Errorf("BestWriteRelays() = %v", write)
	}

	read := r.BestReadRelays(ctx, me, 5)
	if !reflect.DeepEqual(read, []string{"wss://alice-out.test"}) {
		t.Errorf("BestReadRelays() = %v", read)
	}
}

func TestOverlap(t *testing.T) {
	r, net := setupTestRecommender(t)
	net.Add(
		nostrtest.RelayList(alice, 100, []string{"wss://a.test"}, []string{"wss://shared.test/"}, []string{"wss://z.test"}),
		nostrtest.RelayList(bob, 100, []string{"wss://z.test", "read"}, []string{"wss://shared.test"}),
	)
	ctx := context.Background()

	if got := r.Overlap(ctx, alice, bob); !reflect.DeepEqual(got, []string{"wss://shared.test", "wss://z.test"}) {
		t.Errorf("Overlap() = %v", got)
	}
	if got := r.Overlap(ctx, alice, carol); len(got) != 0 {
		t.Errorf("Overlap() with no relay list = %v", got)
	}
}

func TestRecommendDegradesOnFailure(t *testing.T) {
	r, net := setupTestRecommender(t)
	net.FailAll(true)
	ctx := context.Background()

	if got := r.Recommend(ctx, me); len(got) != 0 {
		t.Errorf("expected empty recommendation, got %v", got)
	}
	if got := r.BestWriteRelays(ctx, me, 3); len(got) != 0 {
		t.Errorf("expected empty write relays, got %v", got)
	}
}
