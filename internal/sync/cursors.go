package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// CursorStore persists the newest created_at synced per author
type CursorStore interface {
	GetSyncCursor(ctx context.Context, pubkey string) (int64, error)
	AdvanceSyncCursor(ctx context.Context, pubkey string, since int64) error
}

// CursorManager handles per-author resync cursors so a resync pass only asks
// for what the previous pass has not already mirrored
type CursorManager struct {
	store CursorStore
}

// NewCursorManager creates a new cursor manager
func NewCursorManager(store CursorStore) *CursorManager {
	return &CursorManager{store: store}
}

// Since returns the resume point of an author, the zero time on first sync
func (cm *CursorManager) Since(ctx context.Context, pubkey string) (time.Time, error) {
	since, err := cm.store.GetSyncCursor(ctx, pubkey)
	if err != nil {
		return time.Time{}, err
	}
	if since == 0 {
		return time.Time{}, nil
	}
	return time.Unix(since, 0), nil
}

// Advance moves the cursor of an author to the newest created_at in synced
func (cm *CursorManager) Advance(ctx context.Context, pubkey string, synced []*nostr.Event) error {
	var newest int64
	for _, evt := range synced {
		if ts := int64(evt.CreatedAt); ts > newest {
			newest = ts
		}
	}
	if newest == 0 {
		return nil
	}
	if err := cm.store.AdvanceSyncCursor(ctx, pubkey, newest); err != nil {
		return fmt.Errorf("failed to advance cursor for %s: %w", pubkey, err)
	}
	return nil
}

// Contiguous returns the prefix of events, oldest first, up to the first one
// that failed. The cursor must not move past an event that still needs a
// retry.
func Contiguous(events []*nostr.Event, failed map[string]bool) []*nostr.Event {
	sorted := append([]*nostr.Event(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt < sorted[j].CreatedAt
	})
	for i, evt := range sorted {
		if failed[evt.ID] {
			return sorted[:i]
		}
	}
	return sorted
}
