package sync

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
	wnostr "github.com/sandwichfarm/wotsync/internal/nostr"
)

// defaultKinds are mirrored when the configuration names none
var defaultKinds = []int{0, 1, 3, 6, 7, 10002, 30023}

// FilterBuilder creates the live and resync filters for the configured kinds
type FilterBuilder struct {
	kinds []int
	limit int
}

// NewFilterBuilder creates a filter builder. limit bounds every resync query.
func NewFilterBuilder(kinds []int, limit int) *FilterBuilder {
	if len(kinds) == 0 {
		kinds = defaultKinds
	}
	if limit <= 0 {
		limit = 500
	}
	return &FilterBuilder{kinds: kinds, limit: limit}
}

// Kinds returns the mirrored kinds
func (fb *FilterBuilder) Kinds() []int {
	return fb.kinds
}

// IsReplaceableKind reports kinds where only the latest version matters.
// They are fetched without cursors so an old follow list never hides a newer
// one that was published with a backdated timestamp.
func IsReplaceableKind(kind int) bool {
	return kind == 0 || kind == 3 || (kind >= 10000 && kind < 20000) || (kind >= 30000 && kind < 40000)
}

// LiveFilter subscribes to every mirrored kind from since on
func (fb *FilterBuilder) LiveFilter(since time.Time) nostr.Filter {
	f := nostr.Filter{Kinds: fb.kinds}
	if !since.IsZero() {
		ts := nostr.Timestamp(since.Unix())
		f.Since = &ts
	}
	return f
}

// ResyncQueries builds the catch-up queries for one author. Replaceable kinds
// ignore the cursor, everything else starts at it.
func (fb *FilterBuilder) ResyncQueries(author string, since time.Time) []wnostr.EventsQuery {
	var replaceable, regular []int
	for _, k := range fb.kinds {
		if IsReplaceableKind(k) {
			replaceable = append(replaceable, k)
		} else {
			regular = append(regular, k)
		}
	}

	queries := make([]wnostr.EventsQuery, 0, 2)
	if len(replaceable) > 0 {
		queries = append(queries, wnostr.EventsQuery{
			Authors: []string{author},
			Kinds:   replaceable,
			Limit:   fb.limit,
		})
	}
	if len(regular) > 0 {
		queries = append(queries, wnostr.EventsQuery{
			Authors: []string{author},
			Kinds:   regular,
			Since:   since,
			Limit:   fb.limit,
		})
	}
	return queries
}
