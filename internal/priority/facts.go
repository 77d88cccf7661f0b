package priority

import (
	"context"
	"sync"
)

// liveFacts queries lazily for a single classification
type liveFacts struct {
	c   *Classifier
	ctx context.Context

	membersOnce sync.Once
	members     []string
}

func (f *liveFacts) activeMembers() []string {
	f.membersOnce.Do(func() {
		f.members = f.c.activeMembers(f.ctx)
	})
	return f.members
}

func (f *liveFacts) isPaid(pk string) bool {
	if f.c.members == nil {
		return false
	}
	ok, err := f.c.members.IsActive(f.ctx, pk)
	if err != nil {
		f.c.logger.Debug("membership lookup failed closed", "pubkey", pk, "error", err)
		return false
	}
	return ok
}

func (f *liveFacts) followedByPaid(pk string) bool {
	return f.c.graph.IsFollowedBy(f.ctx, pk, f.activeMembers())
}

func (f *liveFacts) isCompany(pk string) bool {
	return contains(f.c.opts.Company, pk)
}

func (f *liveFacts) followedByCompany(pk string) bool {
	return f.c.graph.IsFollowedBy(f.ctx, pk, f.c.opts.Company)
}

func (f *liveFacts) followedByOwner(pk string) bool {
	if f.c.opts.Owner == "" {
		return false
	}
	return f.c.graph.IsFollowedBy(f.ctx, pk, []string{f.c.opts.Owner})
}

func (f *liveFacts) hops(pk string) (int, bool) {
	return f.c.graph.Within(f.ctx, f.c.rootsWith(f.activeMembers()), pk, f.c.opts.MaxHops)
}

func (f *liveFacts) trendingAuthor(pk string) bool {
	if f.c.trending == nil {
		return false
	}
	ok, err := f.c.trending.IsTrendingAuthor(f.ctx, pk)
	if err != nil {
		f.c.logger.Debug("trending author lookup failed closed", "pubkey", pk, "error", err)
		return false
	}
	return ok
}

// snapshotFacts answers from sets fetched once, for bulk classification
type snapshotFacts struct {
	c   *Classifier
	ctx context.Context

	paid         map[string]bool
	paidFollows  map[string]bool
	company      map[string]bool
	compFollows  map[string]bool
	ownerFollows map[string]bool
	dist         map[string]int
}

func (c *Classifier) snapshot(ctx context.Context) (*snapshotFacts, error) {
	members := c.activeMembers(ctx)
	s := &snapshotFacts{
		c:            c,
		ctx:          ctx,
		paid:         setOf(members),
		company:      setOf(c.opts.Company),
		paidFollows:  map[string]bool{},
		compFollows:  map[string]bool{},
		ownerFollows: map[string]bool{},
	}

	union := func(authors []string, into map[string]bool) {
		if len(authors) == 0 {
			return
		}
		lists, err := c.graph.Follows(ctx, authors)
		if err != nil {
			c.logger.Warn("follow lists unavailable for bulk classification", "error", err)
			return
		}
		for _, set := range lists {
			for pk := range set {
				into[pk] = true
			}
		}
	}
	union(members, s.paidFollows)
	union(c.opts.Company, s.compFollows)
	if c.opts.Owner != "" {
		union([]string{c.opts.Owner}, s.ownerFollows)
	}

	dist, err := c.graph.Expand(ctx, c.rootsWith(members), c.opts.MaxHops)
	if err != nil {
		c.logger.Warn("graph expansion incomplete", "error", err)
	}
	s.dist = dist
	return s, nil
}

func (s *snapshotFacts) withContext(ctx context.Context) *snapshotFacts {
	cp := *s
	cp.ctx = ctx
	return &cp
}

// members outside the sample are still asked about directly
func (s *snapshotFacts) isPaid(pk string) bool {
	return s.paid[pk] || (&liveFacts{c: s.c, ctx: s.ctx}).isPaid(pk)
}

func (s *snapshotFacts) followedByPaid(pk string) bool    { return s.paidFollows[pk] }
func (s *snapshotFacts) isCompany(pk string) bool         { return s.company[pk] }
func (s *snapshotFacts) followedByCompany(pk string) bool { return s.compFollows[pk] }
func (s *snapshotFacts) followedByOwner(pk string) bool   { return s.ownerFollows[pk] }

func (s *snapshotFacts) hops(pk string) (int, bool) {
	d, ok := s.dist[pk]
	return d, ok
}

func (s *snapshotFacts) trendingAuthor(pk string) bool {
	return (&liveFacts{c: s.c, ctx: s.ctx}).trendingAuthor(pk)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func setOf(list []string) map[string]bool {
	out := make(map[string]bool, len(list))
	for _, v := range list {
		out[v] = true
	}
	return out
}
