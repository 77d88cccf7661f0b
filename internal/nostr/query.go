package nostr

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Query is a kind-specific request. Each variant knows the one filter shape
// it needs; callers switch on the concrete type instead of sniffing filters.
type Query interface {
	Filter() nostr.Filter
	query()
}

// FollowListQuery asks for the follow lists (kind 3) of the given authors.
// Relays may return several generations per author; use LatestByAuthor.
type FollowListQuery struct {
	Authors []string
}

// FollowersQuery asks for follow lists that reference Target
type FollowersQuery struct {
	Target string
	Limit  int
}

// RelayListQuery asks for NIP-65 relay lists (kind 10002)
type RelayListQuery struct {
	Authors []string
}

// MetadataQuery asks for profile metadata (kind 0)
type MetadataQuery struct {
	Authors []string
}

// NotesQuery asks for short text notes (kind 1) published since Since
type NotesQuery struct {
	Authors []string
	Since   time.Time
	Limit   int
}

// EventsQuery asks for arbitrary kinds by author, used by the resync job
type EventsQuery struct {
	Authors []string
	Kinds   []int
	Since   time.Time
	Limit   int
}

func (FollowListQuery) query() {}
func (FollowersQuery) query()  {}
func (RelayListQuery) query()  {}
func (MetadataQuery) query()   {}
func (NotesQuery) query()      {}
func (EventsQuery) query()     {}

// Filter builds the relay filter
func (q FollowListQuery) Filter() nostr.Filter {
	return nostr.Filter{Kinds: []int{nostr.KindFollowList}, Authors: q.Authors}
}

// Filter builds the relay filter
func (q FollowersQuery) Filter() nostr.Filter {
	return nostr.Filter{
		Kinds: []int{nostr.KindFollowList},
		Tags:  nostr.TagMap{"p": []string{q.Target}},
		Limit: q.Limit,
	}
}

// Filter builds the relay filter
func (q RelayListQuery) Filter() nostr.Filter {
	return nostr.Filter{Kinds: []int{nostr.KindRelayListMetadata}, Authors: q.Authors}
}

// Filter builds the relay filter
func (q MetadataQuery) Filter() nostr.Filter {
	return nostr.Filter{Kinds: []int{nostr.KindProfileMetadata}, Authors: q.Authors}
}

// Filter builds the relay filter
func (q NotesQuery) Filter() nostr.Filter {
	f := nostr.Filter{Kinds: []int{nostr.KindTextNote}, Authors: q.Authors, Limit: q.Limit}
	if !q.Since.IsZero() {
		since := nostr.Timestamp(q.Since.Unix())
		f.Since = &since
	}
	return f
}

// Filter builds the relay filter
func (q EventsQuery) Filter() nostr.Filter {
	f := nostr.Filter{Kinds: q.Kinds, Authors: q.Authors, Limit: q.Limit}
	if !q.Since.IsZero() {
		since := nostr.Timestamp(q.Since.Unix())
		f.Since = &since
	}
	return f
}

// LatestByAuthor keeps the newest replaceable event of the given kind per
// author. Older publications are discarded; equal timestamps are broken by
// the greater event id so the choice does not depend on arrival order.
func LatestByAuthor(events []*nostr.Event, kind int) map[string]*nostr.Event {
	latest := make(map[string]*nostr.Event)
	for _, evt := range events {
		if evt == nil || evt.Kind != kind {
			continue
		}
		cur, ok := latest[evt.PubKey]
		if !ok || evt.CreatedAt > cur.CreatedAt || (evt.CreatedAt == cur.CreatedAt && evt.ID > cur.ID) {
			latest[evt.PubKey] = evt
		}
	}
	return latest
}
