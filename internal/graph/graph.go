// Package graph samples the follow graph from relays. Graphs are never
// complete: every call is bounded by sample sizes and answers from whatever
// the reachable relays returned.
package graph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sandwichfarm/wotsync/internal/config"
	wnostr "github.com/sandwichfarm/wotsync/internal/nostr"
	"github.com/sandwichfarm/wotsync/internal/ops"
)

// followerCheckBatch is the smallest number of candidates rechecked per query
const followerCheckBatch = 50

type cachedList struct {
	follows   map[string]struct{}
	createdAt nostr.Timestamp
	fetchedAt time.Time
}

// Graph answers follow-graph questions from the latest follow lists
type Graph struct {
	querier wnostr.Querier
	relays  wnostr.RelaySource
	config  *config.WoT
	clock   ops.Clock
	logger  *ops.Logger

	// author -> latest follow list, kept for ExpansionCacheSeconds
	lists *xsync.MapOf[string, cachedList]
}

// New creates a graph sampler
func New(q wnostr.Querier, relays wnostr.RelaySource, cfg *config.WoT, logger *ops.Logger) *Graph {
	if cfg == nil {
		cfg = &config.Default().WoT
	}
	if logger == nil {
		logger = ops.Default()
	}
	return &Graph{
		querier: q,
		relays:  relays,
		config:  cfg,
		clock:   ops.SystemClock{},
		logger:  logger.WithComponent("graph"),
		lists:   xsync.NewMapOf[string, cachedList](),
	}
}

// WithClock replaces the clock used for cache expiry
func (g *Graph) WithClock(c ops.Clock) *Graph {
	g.clock = c
	return g
}

// Config returns the expansion settings
func (g *Graph) Config() *config.WoT {
	return g.config
}

func (g *Graph) ttl() time.Duration {
	return time.Duration(g.config.ExpansionCacheSeconds) * time.Second
}

// Follows returns the latest follow list of each author. Authors without a
// follow list map to an empty set. Lists are cached for the configured
// expansion cache duration; a failed query is not cached.
func (g *Graph) Follows(ctx context.Context, authors []string) (map[string]map[string]struct{}, error) {
	lists, err := g.latestLists(ctx, authors)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]struct{}, len(lists))
	for a, l := range lists {
		out[a] = l.follows
	}
	return out, nil
}

func (g *Graph) latestLists(ctx context.Context, authors []string) (map[string]cachedList, error) {
	out := make(map[string]cachedList, len(authors))
	missing := make([]string, 0, len(authors))
	now := g.clock.Now()
	ttl := g.ttl()

	for _, a := range uniq(authors) {
		if ttl > 0 {
			if c, ok := g.lists.Load(a); ok && now.Sub(c.fetchedAt) < ttl {
				out[a] = c
				continue
			}
		}
		missing = append(missing, a)
	}
	if len(missing) == 0 {
		return out, nil
	}

	q := wnostr.FollowListQuery{Authors: missing}
	events, err := g.querier.Query(ctx, g.relays.QueryRelays(), q.Filter())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch follow lists: %w", err)
	}

	latest := wnostr.LatestByAuthor(events, nostr.KindFollowList)
	for _, a := range missing {
		entry := cachedList{follows: map[string]struct{}{}, fetchedAt: now}
		if evt, ok := latest[a]; ok {
			if list, err := wnostr.ParseFollowList(evt); err == nil {
				for _, f := range list.Follows {
					entry.follows[f] = struct{}{}
				}
				entry.createdAt = list.CreatedAt
			}
		}
		if ttl > 0 {
			// a concurrent fetch may already hold a newer list; answer with
			// whatever the cache keeps
			entry, _ = g.lists.Compute(a, func(old cachedList, loaded bool) (cachedList, bool) {
				if loaded && old.createdAt > entry.createdAt {
					return old, false
				}
				return entry, false
			})
		}
		out[a] = entry
	}
	return out, nil
}

// FollowsOf returns the sorted follows of one author
func (g *Graph) FollowsOf(ctx context.Context, author string) ([]string, error) {
	lists, err := g.Follows(ctx, []string{author})
	if err != nil {
		return nil, err
	}
	return sortedKeys(lists[author]), nil
}

// IsFollowedBy reports whether any of the followers currently follows target.
// Query failures answer false.
func (g *Graph) IsFollowedBy(ctx context.Context, target string, followers []string) bool {
	if len(followers) == 0 {
		return false
	}
	lists, err := g.Follows(ctx, followers)
	if err != nil {
		g.logger.Debug("follow check failed closed", "target", target, "error", err)
		return false
	}
	for _, set := range lists {
		if _, ok := set[target]; ok {
			return true
		}
	}
	return false
}

// Followers returns up to limit distinct authors whose latest follow list
// references target. Relays are asked for more lists than needed since the
// target's own list and superseded lists also match the tag filter; every
// candidate is then checked against its latest known list.
func (g *Graph) Followers(ctx context.Context, target string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = g.config.FollowerSampleSize
	}
	q := wnostr.FollowersQuery{Target: target, Limit: max(limit+1, g.config.FollowerSampleSize)}
	events, err := g.querier.Query(ctx, g.relays.QueryRelays(), q.Filter())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch followers: %w", err)
	}

	latest := wnostr.LatestByAuthor(events, nostr.KindFollowList)
	seenAt := make(map[string]nostr.Timestamp, len(latest))
	candidates := make([]string, 0, len(latest))
	for author, evt := range latest {
		if author == target {
			continue
		}
		if list, err := wnostr.ParseFollowList(evt); err == nil && list.Contains(target) {
			seenAt[author] = evt.CreatedAt
			candidates = append(candidates, author)
		}
	}
	sort.Strings(candidates)

	out := make([]string, 0, min(limit, len(candidates)))
	batch := max(limit, followerCheckBatch)
	for start := 0; start < len(candidates) && len(out) < limit; start += batch {
		chunk := candidates[start:min(start+batch, len(candidates))]
		lists, err := g.latestLists(ctx, chunk)
		if err != nil {
			g.logger.Debug("follower recheck skipped", "target", target, "error", err)
			out = append(out, chunk...)
			continue
		}
		for _, author := range chunk {
			l := lists[author]
			if l.createdAt > seenAt[author] {
				if _, ok := l.follows[target]; !ok {
					continue
				}
			}
			out = append(out, author)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Expand walks the follow graph breadth first from roots up to hops and
// returns the distance of every reached pubkey (roots are 0). Each frontier
// is capped at the second degree sample size. A failed hop stops the walk
// and returns what was reached so far together with the error.
func (g *Graph) Expand(ctx context.Context, roots []string, hops int) (map[string]int, error) {
	dist := make(map[string]int)
	frontier := uniq(roots)
	for _, r := range frontier {
		dist[r] = 0
	}

	for hop := 1; hop <= hops && len(frontier) > 0; hop++ {
		if limit := g.config.SecondDegreeSample; hop > 1 && limit > 0 && len(frontier) > limit {
			frontier = frontier[:limit]
		}

		lists, err := g.Follows(ctx, frontier)
		if err != nil {
			return dist, err
		}

		next := make([]string, 0)
		for _, author := range frontier {
			for f := range lists[author] {
				if _, seen := dist[f]; seen {
					continue
				}
				dist[f] = hop
				next = append(next, f)
			}
		}
		sort.Strings(next)
		frontier = next
	}

	return dist, nil
}

// Within reports the hop distance of target from roots, if it is reachable
// within maxHops. Query failures answer false.
func (g *Graph) Within(ctx context.Context, roots []string, target string, maxHops int) (int, bool) {
	for _, r := range roots {
		if r == target {
			return 0, true
		}
	}
	dist, err := g.Expand(ctx, roots, maxHops)
	if err != nil {
		g.logger.Debug("graph expansion incomplete", "roots", len(roots), "error", err)
	}
	d, ok := dist[target]
	return d, ok
}

// Forget drops cached follow lists, e.g. after a newer kind 3 was ingested
func (g *Graph) Forget(authors ...string) {
	for _, a := range authors {
		g.lists.Delete(a)
	}
}

func uniq(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
