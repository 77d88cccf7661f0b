// Package signals reads membership and engagement state maintained outside
// this process.
package signals

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/sandwichfarm/wotsync/internal/config"
)

// Trending returns the engagement counter of an event
type Trending interface {
	Score(ctx context.Context, eventID string) (float64, error)
}

// Source bundles every external signal
type Source interface {
	IsActive(ctx context.Context, pubkey string) (bool, error)
	ActiveMembers(ctx context.Context, limit int) ([]string, error)
	Score(ctx context.Context, eventID string) (float64, error)
	IsTrendingAuthor(ctx context.Context, pubkey string) (bool, error)
	Close() error
}

// RedisSource reads a members set, a trending sorted set keyed by event id
// and a trending authors set
type RedisSource struct {
	client             *redis.Client
	membersKey         string
	trendingKey        string
	trendingAuthorsKey string
}

// NewRedisSource wraps a redis client
func NewRedisSource(client *redis.Client, cfg *config.Signals) *RedisSource {
	return &RedisSource{
		client:             client,
		membersKey:         cfg.MembersKey,
		trendingKey:        cfg.TrendingKey,
		trendingAuthorsKey: cfg.TrendingAuthorsKey,
	}
}

// IsActive reports membership of the members set
func (r *RedisSource) IsActive(ctx context.Context, pubkey string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.membersKey, pubkey).Result()
	if err != nil {
		return false, fmt.Errorf("members lookup: %w", err)
	}
	return ok, nil
}

// ActiveMembers returns up to limit members in a stable order
func (r *RedisSource) ActiveMembers(ctx context.Context, limit int) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.membersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("members list: %w", err)
	}
	sort.Strings(members)
	if limit > 0 && len(members) > limit {
		members = members[:limit]
	}
	return members, nil
}

// Score returns the trending counter of an event, 0 when it has none
func (r *RedisSource) Score(ctx context.Context, eventID string) (float64, error) {
	score, err := r.client.ZScore(ctx, r.trendingKey, eventID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("trending lookup: %w", err)
	}
	return score, nil
}

// IsTrendingAuthor reports membership of the trending authors set
func (r *RedisSource) IsTrendingAuthor(ctx context.Context, pubkey string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.trendingAuthorsKey, pubkey).Result()
	if err != nil {
		return false, fmt.Errorf("trending authors lookup: %w", err)
	}
	return ok, nil
}

// Close closes the client
func (r *RedisSource) Close() error {
	return r.client.Close()
}

// StaticSource serves a fixed member list and no engagement. It is used when
// no redis is configured.
type StaticSource struct {
	members []string
	set     map[string]bool
}

// NewStaticSource creates a static source
func NewStaticSource(members []string) *StaticSource {
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)
	set := make(map[string]bool, len(members))
	for _, m := range members {
		set[m] = true
	}
	return &StaticSource{members: sorted, set: set}
}

// IsActive implements Source
func (s *StaticSource) IsActive(ctx context.Context, pubkey string) (bool, error) {
	return s.set[pubkey], nil
}

// ActiveMembers implements Source
func (s *StaticSource) ActiveMembers(ctx context.Context, limit int) ([]string, error) {
	if limit > 0 && len(s.members) > limit {
		return s.members[:limit], nil
	}
	return s.members, nil
}

// Score implements Source
func (s *StaticSource) Score(ctx context.Context, eventID string) (float64, error) {
	return 0, nil
}

// IsTrendingAuthor implements Source
func (s *StaticSource) IsTrendingAuthor(ctx context.Context, pubkey string) (bool, error) {
	return false, nil
}

// Close implements Source
func (s *StaticSource) Close() error { return nil }

// New picks the redis source when a URL is configured and the static member
// list otherwise
func New(cfg *config.Signals) (Source, error) {
	if cfg.RedisURL == "" {
		return NewStaticSource(cfg.PaidPubkeys), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewRedisSource(redis.NewClient(opts), cfg), nil
}
