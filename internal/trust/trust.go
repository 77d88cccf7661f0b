// Package trust computes and persists web-of-trust scores.
package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sandwichfarm/wotsync/internal/config"
	"github.com/sandwichfarm/wotsync/internal/ops"
	"github.com/sandwichfarm/wotsync/internal/storage"
)

// ErrNotCalculated is returned by GetScore for identities never recalculated
var ErrNotCalculated = errors.New("trust score not calculated")

// Record is a trust record
type Record = storage.TrustRecord

// Store persists trust records
type Store interface {
	SaveTrustRecord(ctx context.Context, rec *storage.TrustRecord) error
	GetTrustRecord(ctx context.Context, pubkey string) (*storage.TrustRecord, error)
}

// Source gathers signals for an identity
type Source interface {
	Gather(ctx context.Context, pubkey string) (Signals, error)
}

type call struct {
	done chan struct{}
	rec  *Record
	err  error
}

// Service is the single trust scorer. The configured strategy is
// authoritative for score, bot flag and discount.
type Service struct {
	store    Store
	source   Source
	strategy Strategy
	maxAge   time.Duration
	clock    ops.Clock
	logger   *ops.Logger

	inflight *xsync.MapOf[string, *call]
}

// New creates a trust service
func New(store Store, source Source, cfg *config.Trust, clock ops.Clock, logger *ops.Logger) (*Service, error) {
	if cfg == nil {
		cfg = &config.Default().Trust
	}
	strategy, ok := StrategyByName(cfg.Strategy)
	if !ok {
		return nil, fmt.Errorf("unknown trust strategy %q", cfg.Strategy)
	}
	if clock == nil {
		clock = ops.SystemClock{}
	}
	if logger == nil {
		logger = ops.Default()
	}
	return &Service{
		store:    store,
		source:   source,
		strategy: strategy,
		maxAge:   time.Duration(cfg.MaxAgeHours) * time.Hour,
		clock:    clock,
		logger:   logger.WithComponent("trust"),
		inflight: xsync.NewMapOf[string, *call](),
	}, nil
}

// Strategy returns the authoritative strategy
func (s *Service) Strategy() Strategy {
	return s.strategy
}

func (s *Service) compute(ctx context.Context, pubkey string, strategy Strategy) (*Record, error) {
	signals, err := s.source.Gather(ctx, pubkey)
	if err != nil {
		return nil, fmt.Errorf("failed to gather signals for %s: %w", pubkey, err)
	}
	res := strategy.Score(signals)
	return &Record{
		Pubkey:          pubkey,
		Score:           res.Score,
		Followers:       signals.Followers,
		Following:       signals.Following,
		WotDepth:        signals.Depth,
		IsLikelyBot:     res.IsLikelyBot,
		DiscountPercent: res.DiscountPercent,
		Strategy:        strategy.Name(),
		LastCalculated:  s.clock.Now().Unix(),
	}, nil
}

// Recalculate scores pubkey with the configured strategy and persists the
// record. Concurrent calls for the same pubkey share one calculation.
// Nothing is persisted when signals could not be gathered.
func (s *Service) Recalculate(ctx context.Context, pubkey string) (*Record, error) {
	c, loaded := s.inflight.LoadOrCompute(pubkey, func() *call {
		return &call{done: make(chan struct{})}
	})
	if loaded {
		select {
		case <-c.done:
			return c.rec, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	defer func() {
		s.inflight.Delete(pubkey)
		close(c.done)
	}()

	start := s.clock.Now()
	c.rec, c.err = s.compute(ctx, pubkey, s.strategy)
	if c.err != nil {
		return nil, c.err
	}
	if err := s.store.SaveTrustRecord(ctx, c.rec); err != nil {
		c.rec, c.err = nil, err
		return nil, err
	}
	s.logger.Debug("trust recalculated",
		"pubkey", pubkey,
		"score", c.rec.Score,
		"bot", c.rec.IsLikelyBot,
		"duration_ms", s.clock.Now().Sub(start).Milliseconds())
	return c.rec, nil
}

// GetScore returns the persisted record
func (s *Service) GetScore(ctx context.Context, pubkey string) (*Record, error) {
	rec, err := s.store.GetTrustRecord(ctx, pubkey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotCalculated
	}
	return rec, err
}

// Lookup returns the persisted record while it is fresher than the max age
// and recalculates otherwise
func (s *Service) Lookup(ctx context.Context, pubkey string) (*Record, error) {
	rec, err := s.GetScore(ctx, pubkey)
	if err == nil && s.maxAge > 0 && s.clock.Now().Sub(time.Unix(rec.LastCalculated, 0)) < s.maxAge {
		return rec, nil
	}
	return s.Recalculate(ctx, pubkey)
}

// Live scores pubkey with the live strategy without persisting
func (s *Service) Live(ctx context.Context, pubkey string) (*Record, error) {
	return s.compute(ctx, pubkey, LiveStrategy{})
}
