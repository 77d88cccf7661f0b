package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// TrustRecord is the persisted result of a trust calculation
type TrustRecord struct {
	Pubkey          string `db:"pubkey" json:"pubkey"`
	Score           int    `db:"score" json:"trustScore"`
	Followers       int    `db:"followers" json:"followers"`
	Following       int    `db:"following" json:"following"`
	WotDepth        int    `db:"wot_depth" json:"wotDepth"`
	IsLikelyBot     bool   `db:"is_likely_bot" json:"isLikelyBot"`
	DiscountPercent int    `db:"discount_percent" json:"discountPercent"`
	Strategy        string `db:"strategy" json:"strategy"`
	LastCalculated  int64  `db:"last_calculated" json:"lastCalculated"`
}

// SaveTrustRecord inserts or replaces the record for its pubkey
func (s *Storage) SaveTrustRecord(ctx context.Context, rec *TrustRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO trust_records (pubkey, score, followers, following, wot_depth, is_likely_bot, discount_percent, strategy, last_calculated)
		VALUES (:pubkey, :score, :followers, :following, :wot_depth, :is_likely_bot, :discount_percent, :strategy, :last_calculated)
		ON CONFLICT(pubkey) DO UPDATE SET
			score = excluded.score,
			followers = excluded.followers,
			following = excluded.following,
			wot_depth = excluded.wot_depth,
			is_likely_bot = excluded.is_likely_bot,
			discount_percent = excluded.discount_percent,
			strategy = excluded.strategy,
			last_calculated = excluded.last_calculated
	`, rec)
	if err != nil {
		return fmt.Errorf("failed to save trust record: %w", err)
	}
	return nil
}

// GetTrustRecord returns the persisted record for pubkey, or ErrNotFound
func (s *Storage) GetTrustRecord(ctx context.Context, pubkey string) (*TrustRecord, error) {
	var rec TrustRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM trust_records WHERE pubkey = ?`, pubkey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trust record: %w", err)
	}
	return &rec, nil
}

// CountTrustRecords returns the number of persisted trust records
func (s *Storage) CountTrustRecords(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM trust_records`); err != nil {
		return 0, fmt.Errorf("failed to count trust records: %w", err)
	}
	return n, nil
}
