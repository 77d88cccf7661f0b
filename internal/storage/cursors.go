package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SyncCursor is the newest created_at already pulled for one author
type SyncCursor struct {
	Pubkey    string `db:"pubkey"`
	Since     int64  `db:"since"`
	UpdatedAt int64  `db:"updated_at"`
}

// GetSyncCursor returns the cursor for pubkey, 0 when it has never been synced
func (s *Storage) GetSyncCursor(ctx context.Context, pubkey string) (int64, error) {
	var since int64
	err := s.db.GetContext(ctx, &since, `SELECT since FROM sync_cursors WHERE pubkey = ?`, pubkey)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get sync cursor: %w", err)
	}
	return since, nil
}

// AdvanceSyncCursor moves the cursor forward. Older values are ignored so
// out-of-order batches never rewind it.
func (s *Storage) AdvanceSyncCursor(ctx context.Context, pubkey string, since int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (pubkey, since, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			since = MAX(sync_cursors.since, excluded.since),
			updated_at = excluded.updated_at
	`, pubkey, since, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to update sync cursor: %w", err)
	}
	return nil
}

// GetAllSyncCursors returns every cursor keyed by pubkey
func (s *Storage) GetAllSyncCursors(ctx context.Context) (map[string]int64, error) {
	var rows []SyncCursor
	if err := s.db.SelectContext(ctx, &rows, `SELECT pubkey, since, updated_at FROM sync_cursors`); err != nil {
		return nil, fmt.Errorf("failed to list sync cursors: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Pubkey] = r.Since
	}
	return out, nil
}
