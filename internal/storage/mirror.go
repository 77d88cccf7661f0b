package storage

import (
	"context"
	"fmt"
	"strings"
)

// MirrorRecord indexes one mirrored event with the retention it was given
type MirrorRecord struct {
	EventID    string `db:"event_id"`
	Author     string `db:"author"`
	Kind       int    `db:"kind"`
	Tier       int    `db:"tier"`
	Retention  string `db:"retention"`
	MirroredAt int64  `db:"mirrored_at"`
}

// RecordMirrored stores or refreshes the retention annotation of an event.
// A later classification overwrites an earlier one.
func (s *Storage) RecordMirrored(ctx context.Context, rec *MirrorRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO mirror_retention (event_id, author, kind, tier, retention, mirrored_at)
		VALUES (:event_id, :author, :kind, :tier, :retention, :mirrored_at)
		ON CONFLICT(event_id) DO UPDATE SET
			tier = excluded.tier,
			retention = excluded.retention,
			mirrored_at = excluded.mirrored_at
	`, rec)
	if err != nil {
		return fmt.Errorf("failed to record mirrored event: %w", err)
	}
	return nil
}

// CountByRetention returns the number of mirrored events per retention policy
func (s *Storage) CountByRetention(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Retention string `db:"retention"`
		Count     int64  `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT retention, COUNT(*) AS n FROM mirror_retention GROUP BY retention`); err != nil {
		return nil, fmt.Errorf("failed to count mirrored events: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Retention] = r.Count
	}
	return out, nil
}

// EvictionCandidates lists mirrored events in eviction order: by the position
// of their retention in order, then oldest first. Retentions not in order are
// never returned.
func (s *Storage) EvictionCandidates(ctx context.Context, order []string, limit int) ([]MirrorRecord, error) {
	if len(order) == 0 || limit <= 0 {
		return nil, nil
	}

	// arguments follow placeholder order: the IN list, the CASE ranks, the limit
	args := make([]interface{}, 0, len(order)*3+1)
	for _, r := range order {
		args = append(args, r)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(order)), ",")

	var b strings.Builder
	b.WriteString("CASE retention")
	for i, r := range order {
		b.WriteString(" WHEN ? THEN ?")
		args = append(args, r, i)
	}
	b.WriteString(" END")
	rank := b.String()
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT event_id, author, kind, tier, retention, mirrored_at FROM mirror_retention
		WHERE retention IN (%s)
		ORDER BY %s ASC, mirrored_at ASC, event_id ASC
		LIMIT ?
	`, placeholders, rank)

	var out []MirrorRecord
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list eviction candidates: %w", err)
	}
	return out, nil
}
