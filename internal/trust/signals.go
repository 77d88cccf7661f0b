package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/wotsync/internal/graph"
	wnostr "github.com/sandwichfarm/wotsync/internal/nostr"
	"github.com/sandwichfarm/wotsync/internal/ops"
)

const (
	followerSampleCap = 1000
	noteSampleCap     = 2000
)

// Gatherer collects Signals from the relay network
type Gatherer struct {
	graph   *graph.Graph
	querier wnostr.Querier
	relays  wnostr.RelaySource
	anchors map[string]bool
	clock   ops.Clock
}

// NewGatherer creates a signal gatherer. Anchors are the identities at
// depth 0.
func NewGatherer(g *graph.Graph, q wnostr.Querier, relays wnostr.RelaySource, anchors []string, clock ops.Clock) *Gatherer {
	set := make(map[string]bool, len(anchors))
	for _, a := range anchors {
		set[a] = true
	}
	if clock == nil {
		clock = ops.SystemClock{}
	}
	return &Gatherer{graph: g, querier: q, relays: relays, anchors: set, clock: clock}
}

// Gather fetches every signal once. Signals whose query failed stay zero and
// the failures are joined into the returned error.
func (g *Gatherer) Gather(ctx context.Context, pubkey string) (Signals, error) {
	s := Signals{Pubkey: pubkey, Depth: 3}
	var errs []error
	now := g.clock.Now()

	follows, err := g.graph.FollowsOf(ctx, pubkey)
	if err != nil {
		errs = append(errs, fmt.Errorf("following: %w", err))
	}
	s.Following = len(follows)
	s.Depth = g.depth(pubkey, follows)

	followers, err := g.graph.Followers(ctx, pubkey, followerSampleCap)
	if err != nil {
		errs = append(errs, fmt.Errorf("followers: %w", err))
	}
	s.Followers = len(followers)

	q := wnostr.NotesQuery{Authors: []string{pubkey}, Since: now.Add(-30 * 24 * time.Hour), Limit: noteSampleCap}
	notes, err := g.querier.Query(ctx, g.relays.QueryRelays(), q.Filter())
	if err != nil {
		errs = append(errs, fmt.Errorf("notes: %w", err))
	}
	weekAgo := nostr.Timestamp(now.Add(-7 * 24 * time.Hour).Unix())
	oldest := nostr.Timestamp(0)
	for _, n := range notes {
		s.MonthNotes++
		if n.CreatedAt >= weekAgo {
			s.RecentNotes++
		}
		oldest = older(oldest, n.CreatedAt)
	}

	// account age from the oldest event we can see cheaply: replaceable
	// profile events plus the notes above
	profile := wnostr.EventsQuery{
		Authors: []string{pubkey},
		Kinds:   []int{nostr.KindProfileMetadata, nostr.KindFollowList, nostr.KindRelayListMetadata},
	}
	if evts, err := g.querier.Query(ctx, g.relays.QueryRelays(), profile.Filter()); err == nil {
		for _, e := range evts {
			oldest = older(oldest, e.CreatedAt)
		}
	}
	if oldest > 0 {
		s.AccountAgeDays = now.Sub(oldest.Time()).Hours() / 24
	}

	return s, errors.Join(errs...)
}

func older(cur, ts nostr.Timestamp) nostr.Timestamp {
	if cur == 0 || ts < cur {
		return ts
	}
	return cur
}

func (g *Gatherer) depth(pubkey string, follows []string) int {
	if g.anchors[pubkey] {
		return 0
	}
	for _, f := range follows {
		if g.anchors[f] {
			return 1
		}
	}
	if len(follows) > 0 {
		return 2
	}
	return 3
}
