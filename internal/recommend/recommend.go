// Package recommend ranks relays for an identity from the relay lists of the
// people around it in the follow graph.
package recommend

import (
	"context"
	"sort"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/wotsync/internal/graph"
	wnostr "github.com/sandwichfarm/wotsync/internal/nostr"
	"github.com/sandwichfarm/wotsync/internal/ops"
)

const (
	directWeight = 3
	secondWeight = 1
)

// Recommendation is one ranked relay
type Recommendation struct {
	URL   string `json:"url"`
	Score int    `json:"score"`
	// DirectContributors counts direct follows listing the relay
	DirectContributors int `json:"directContributors"`
}

// Recommender answers relay questions from sampled relay lists. Failed
// queries shrink the sample instead of failing the call.
type Recommender struct {
	graph        *graph.Graph
	querier      wnostr.Querier
	relays       wnostr.RelaySource
	secondSample int
	logger       *ops.Logger
}

// New creates a recommender
func New(g *graph.Graph, q wnostr.Querier, relays wnostr.RelaySource, logger *ops.Logger) *Recommender {
	if logger == nil {
		logger = ops.Default()
	}
	return &Recommender{
		graph:        g,
		querier:      q,
		relays:       relays,
		secondSample: g.Config().SecondDegreeSample,
		logger:       logger.WithComponent("recommend"),
	}
}

// relayLists returns the latest relay list of each author that has one
func (r *Recommender) relayLists(ctx context.Context, authors []string) map[string]*wnostr.RelayList {
	out := make(map[string]*wnostr.RelayList)
	if len(authors) == 0 {
		return out
	}
	q := wnostr.RelayListQuery{Authors: authors}
	events, err := r.querier.Query(ctx, r.relays.QueryRelays(), q.Filter())
	if err != nil {
		r.logger.Warn("failed to fetch relay lists", "authors", len(authors), "error", err)
		return out
	}
	for author, evt := range wnostr.LatestByAuthor(events, nostr.KindRelayListMetadata) {
		if list, err := wnostr.ParseRelayList(evt); err == nil {
			out[author] = list
		}
	}
	return out
}

// Recommend ranks relays by the weighted read/write markers of the
// identity's direct follows (weight 3) and a sample of their follows
// (weight 1). A write marker counts twice a read marker.
func (r *Recommender) Recommend(ctx context.Context, pubkey string) []Recommendation {
	direct, err := r.graph.FollowsOf(ctx, pubkey)
	if err != nil {
		r.logger.Warn("failed to fetch follows", "pubkey", pubkey, "error", err)
		return []Recommendation{}
	}

	second := r.secondDegree(ctx, pubkey, direct)

	weights := make(map[string]int, len(direct)+len(second))
	for _, pk := range second {
		weights[pk] = secondWeight
	}
	for _, pk := range direct {
		weights[pk] = directWeight
	}

	authors := append(append([]string{}, direct...), second...)
	lists := r.relayLists(ctx, authors)

	scores := make(map[string]*Recommendation)
	for author, list := range lists {
		w := weights[author]
		for _, e := range list.Entries {
			rec, ok := scores[e.URL]
			if !ok {
				rec = &Recommendation{URL: e.URL}
				scores[e.URL] = rec
			}
			if e.Write {
				rec.Score += w * 2
			}
			if e.Read {
				rec.Score += w
			}
			if w == directWeight {
				rec.DirectContributors++
			}
		}
	}

	out := make([]Recommendation, 0, len(scores))
	for _, rec := range scores {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].DirectContributors != out[j].DirectContributors {
			return out[i].DirectContributors > out[j].DirectContributors
		}
		return out[i].URL < out[j].URL
	})
	return out
}

// secondDegree samples follows of follows, excluding the identity and its
// direct follows
func (r *Recommender) secondDegree(ctx context.Context, pubkey string, direct []string) []string {
	if len(direct) == 0 {
		return nil
	}
	lists, err := r.graph.Follows(ctx, direct)
	if err != nil {
		r.logger.Warn("failed to fetch second degree follows", "pubkey", pubkey, "error", err)
		return nil
	}

	exclude := map[string]bool{pubkey: true}
	for _, pk := range direct {
		exclude[pk] = true
	}
	set := make(map[string]bool)
	for _, follows := range lists {
		for pk := range follows {
			if !exclude[pk] {
				set[pk] = true
			}
		}
	}

	out := make([]string, 0, len(set))
	for pk := range set {
		out = append(out, pk)
	}
	sort.Strings(out)
	if r.secondSample > 0 && len(out) > r.secondSample {
		out = out[:r.secondSample]
	}
	return out
}

// BestWriteRelays returns the relays the identity's followers read from:
// where it should publish so they see its posts
func (r *Recommender) BestWriteRelays(ctx context.Context, pubkey string, n int) []string {
	followers, err := r.graph.Followers(ctx, pubkey, 0)
	if err != nil {
		r.logger.Warn("failed to fetch followers", "pubkey", pubkey, "error", err)
		return []string{}
	}
	return r.topMarked(ctx, followers, n, func(e wnostr.RelayEntry) bool { return e.Read })
}

// BestReadRelays returns the relays the identity's follows write to: where
// it should subscribe to see their posts
func (r *Recommender) BestReadRelays(ctx context.Context, pubkey string, n int) []string {
	follows, err := r.graph.FollowsOf(ctx, pubkey)
	if err != nil {
		r.logger.Warn("failed to fetch follows", "pubkey", pubkey, "error", err)
		return []string{}
	}
	return r.topMarked(ctx, follows, n, func(e wnostr.RelayEntry) bool { return e.Write })
}

func (r *Recommender) topMarked(ctx context.Context, authors []string, n int, marked func(wnostr.RelayEntry) bool) []string {
	counts := make(map[string]int)
	for _, list := range r.relayLists(ctx, authors) {
		for _, e := range list.Entries {
			if marked(e) {
				counts[e.URL]++
			}
		}
	}

	out := make([]string, 0, len(counts))
	for url := range counts {
		out = append(out, url)
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return out[i] < out[j]
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Overlap returns the relays present in the latest relay lists of both
// identities, sorted
func (r *Recommender) Overlap(ctx context.Context, a, b string) []string {
	lists := r.relayLists(ctx, []string{a, b})
	la, lb := lists[a], lists[b]
	if la == nil || lb == nil {
		return []string{}
	}

	inB := make(map[string]bool, len(lb.Entries))
	for _, e := range lb.Entries {
		inB[e.URL] = true
	}
	out := make([]string, 0)
	for _, url := range la.URLs() {
		if inB[url] {
			out = append(out, url)
		}
	}
	return out
}
