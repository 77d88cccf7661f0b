// Package priority assigns every identity a sync tier and a retention policy.
package priority

import (
	"context"
	"fmt"
	"sort"

	"github.com/sandwichfarm/wotsync/internal/graph"
	"github.com/sandwichfarm/wotsync/internal/ops"
	"golang.org/x/sync/errgroup"
)

// Tier orders identities by how much their content matters. Lower is higher
// priority.
type Tier int

const (
	TierPaidUser Tier = iota + 1
	TierPaidUserWoT
	TierCompanyWoT
	TierOwnerWoT
	TierTangential
	TierTrending
	TierBackground
)

var tierNames = map[Tier]string{
	TierPaidUser:    "PAID_USER",
	TierPaidUserWoT: "PAID_USER_WOT",
	TierCompanyWoT:  "COMPANY_WOT",
	TierOwnerWoT:    "OWNER_WOT",
	TierTangential:  "TANGENTIAL",
	TierTrending:    "TRENDING",
	TierBackground:  "BACKGROUND",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TIER_%d", int(t))
}

// MarshalText renders the tier name
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Retention is the durability a mirrored event gets under storage pressure
type Retention string

const (
	RetentionPriority   Retention = "PRIORITY"
	RetentionBestEffort Retention = "BEST_EFFORT"
	RetentionTemporary  Retention = "TEMPORARY"
)

// SyncPriority is the decision for one identity. It is never persisted.
type SyncPriority struct {
	Pubkey    string    `json:"pubkey"`
	Tier      Tier      `json:"tier"`
	Retention Retention `json:"retention"`
	Reason    string    `json:"reason"`
}

// Membership answers whether identities are active paying members
type Membership interface {
	IsActive(ctx context.Context, pubkey string) (bool, error)
	ActiveMembers(ctx context.Context, limit int) ([]string, error)
}

// TrendingAuthors answers whether an identity is currently trending
type TrendingAuthors interface {
	IsTrendingAuthor(ctx context.Context, pubkey string) (bool, error)
}

// Options configures a Classifier
type Options struct {
	Owner            string
	Company          []string
	Anchors          []string
	MaxHops          int
	MemberSampleSize int
	Concurrency      int
}

// Classifier runs the precedence chain. Every failed lookup answers false so
// an identity can only fall to a lower tier when the network misbehaves.
type Classifier struct {
	graph    *graph.Graph
	members  Membership
	trending TrendingAuthors
	opts     Options
	logger   *ops.Logger
}

// New creates a classifier. members and trending may be nil.
func New(g *graph.Graph, members Membership, trending TrendingAuthors, opts Options, logger *ops.Logger) *Classifier {
	if opts.MaxHops <= 0 {
		opts.MaxHops = 2
	}
	if opts.MemberSampleSize <= 0 {
		opts.MemberSampleSize = 200
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if logger == nil {
		logger = ops.Default()
	}
	return &Classifier{
		graph:    g,
		members:  members,
		trending: trending,
		opts:     opts,
		logger:   logger.WithComponent("priority"),
	}
}

// facts are the membership questions the chain asks, in order
type facts interface {
	isPaid(pk string) bool
	followedByPaid(pk string) bool
	isCompany(pk string) bool
	followedByCompany(pk string) bool
	followedByOwner(pk string) bool
	hops(pk string) (int, bool)
	trendingAuthor(pk string) bool
}

func decide(pk string, f facts, maxHops int) SyncPriority {
	p := SyncPriority{Pubkey: pk}
	switch {
	case f.isPaid(pk):
		p.Tier, p.Retention, p.Reason = TierPaidUser, RetentionPriority, "paid_member"
	case f.followedByPaid(pk):
		p.Tier, p.Retention, p.Reason = TierPaidUserWoT, RetentionPriority, "followed_by_paid_member"
	case f.isCompany(pk):
		p.Tier, p.Retention, p.Reason = TierCompanyWoT, RetentionPriority, "company_account"
	case f.followedByCompany(pk):
		p.Tier, p.Retention, p.Reason = TierCompanyWoT, RetentionPriority, "followed_by_company"
	case f.followedByOwner(pk):
		p.Tier, p.Retention, p.Reason = TierOwnerWoT, RetentionBestEffort, "followed_by_owner"
	default:
		if d, ok := f.hops(pk); ok && d <= maxHops {
			p.Tier, p.Retention, p.Reason = TierTangential, RetentionBestEffort, fmt.Sprintf("within_%d_hops", d)
		} else if f.trendingAuthor(pk) {
			p.Tier, p.Retention, p.Reason = TierTrending, RetentionTemporary, "trending_author"
		} else {
			p.Tier, p.Retention, p.Reason = TierBackground, RetentionTemporary, "background"
		}
	}
	return p
}

// Classify resolves one identity, asking only the questions needed to reach
// the first matching rule
func (c *Classifier) Classify(ctx context.Context, pubkey string) SyncPriority {
	return decide(pubkey, &liveFacts{c: c, ctx: ctx}, c.opts.MaxHops)
}

// Roots returns the WoT root set: paying members (sampled), company
// accounts, the owner and the trust anchors
func (c *Classifier) Roots(ctx context.Context) []string {
	return c.rootsWith(c.activeMembers(ctx))
}

func (c *Classifier) rootsWith(members []string) []string {
	roots := make([]string, 0, len(members)+len(c.opts.Company)+len(c.opts.Anchors)+1)
	roots = append(roots, members...)
	roots = append(roots, c.opts.Company...)
	if c.opts.Owner != "" {
		roots = append(roots, c.opts.Owner)
	}
	roots = append(roots, c.opts.Anchors...)
	return dedupe(roots)
}

// ClassifyAll classifies the root set plus everyone it follows directly,
// sorted by tier then pubkey, for the periodic bulk resync
func (c *Classifier) ClassifyAll(ctx context.Context) ([]SyncPriority, error) {
	snap, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]string, 0, len(snap.dist))
	for pk, d := range snap.dist {
		if d <= 1 {
			candidates = append(candidates, pk)
		}
	}
	sort.Strings(candidates)

	out := make([]SyncPriority, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, pk := range candidates {
		g.Go(func() error {
			out[i] = decide(pk, snap.withContext(gctx), c.opts.MaxHops)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].Pubkey < out[j].Pubkey
	})
	return out, nil
}

// PriorityPubkeys returns the pubkeys of ClassifyAll in the same order
func (c *Classifier) PriorityPubkeys(ctx context.Context) ([]string, error) {
	all, err := c.ClassifyAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(all))
	for i, p := range all {
		out[i] = p.Pubkey
	}
	return out, nil
}

func (c *Classifier) activeMembers(ctx context.Context) []string {
	if c.members == nil {
		return nil
	}
	members, err := c.members.ActiveMembers(ctx, c.opts.MemberSampleSize)
	if err != nil {
		c.logger.Warn("failed to list active members", "error", err)
		return nil
	}
	return members
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
