// Package noise decides whether an incoming event is spam, bot output or
// otherwise not worth mirroring.
package noise

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/wotsync/internal/config"
	wnostr "github.com/sandwichfarm/wotsync/internal/nostr"
	"github.com/sandwichfarm/wotsync/internal/ops"
	"github.com/sandwichfarm/wotsync/internal/storage"
)

// Reason explains a noise verdict
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonZeroFollowers Reason = "zero_followers"
	ReasonSpamPattern   Reason = "spam_pattern"
	ReasonSpamList      Reason = "spam_list"
	ReasonRepetitive    Reason = "repetitive"
	ReasonLowWoT        Reason = "low_wot"
)

// Verdict is the admission decision for one event
type Verdict struct {
	IsNoise    bool    `json:"isNoise"`
	Reason     Reason  `json:"reason,omitempty"`
	Confidence float64 `json:"confidence"`
}

func noise(r Reason, confidence float64) Verdict {
	return Verdict{IsNoise: true, Reason: r, Confidence: confidence}
}

var spamPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bbuy\b.{0,40}\bfollowers?\b`),
	regexp.MustCompile(`(?i)\bfree\b.{0,40}\b(bitcoin|btc|sats|crypto)\b`),
	regexp.MustCompile(`(?i)\bairdrop\b.{0,60}\bclaim\b`),
	regexp.MustCompile(`(?i)\bclaim\b.{0,60}\bairdrop\b`),
	regexp.MustCompile(`(?i)\b(double|triple|10x)\s+your\s+(bitcoin|btc|sats|crypto)\b`),
}

var urlPattern = regexp.MustCompile(`(?i)\b(?:https?|wss?)://\S+|\bwww\.\S+`)

// IsSpam reports whether content matches a known spam pattern
func IsSpam(content string) bool {
	for _, p := range spamPatterns {
		if p.MatchString(content) {
			return true
		}
	}
	return false
}

// Normalize lower-cases content, strips URLs and collapses whitespace so
// near-duplicates compare equal
func Normalize(content string) string {
	content = urlPattern.ReplaceAllString(strings.ToLower(content), " ")
	return strings.Join(strings.Fields(content), " ")
}

// FollowerSampler counts an author's followers from a bounded sample
type FollowerSampler interface {
	Followers(ctx context.Context, target string, limit int) ([]string, error)
}

// TrustLookup returns a current trust record
type TrustLookup interface {
	Lookup(ctx context.Context, pubkey string) (*storage.TrustRecord, error)
}

// Filter evaluates events. It holds no mutable state, so verdicts only
// change when the network or the trust records do.
type Filter struct {
	followers FollowerSampler
	querier   wnostr.Querier
	relays    wnostr.RelaySource
	trust     TrustLookup
	config    *config.Noise
	blocklist map[string]bool
	clock     ops.Clock
	logger    *ops.Logger
}

// New creates a noise filter. Zero thresholds disable the matching check.
func New(cfg *config.Noise, followers FollowerSampler, q wnostr.Querier, relays wnostr.RelaySource, trust TrustLookup, clock ops.Clock, logger *ops.Logger) *Filter {
	if cfg == nil {
		cfg = &config.Default().Noise
	}
	if clock == nil {
		clock = ops.SystemClock{}
	}
	if logger == nil {
		logger = ops.Default()
	}
	block := make(map[string]bool, len(cfg.Blocklist))
	for _, pk := range cfg.Blocklist {
		block[pk] = true
	}
	return &Filter{
		followers: followers,
		querier:   q,
		relays:    relays,
		trust:     trust,
		config:    cfg,
		blocklist: block,
		clock:     clock,
		logger:    logger.WithComponent("noise"),
	}
}

// Evaluate runs the checks in order and returns the first hard match. A check
// whose query fails passes.
func (f *Filter) Evaluate(ctx context.Context, evt *nostr.Event) Verdict {
	if f.hasTooFewFollowers(ctx, evt.PubKey) {
		return noise(ReasonZeroFollowers, 0.7)
	}
	if IsSpam(evt.Content) {
		return noise(ReasonSpamPattern, 0.9)
	}
	if f.blocklist[evt.PubKey] {
		return noise(ReasonSpamList, 0.95)
	}
	if f.isRepetitive(ctx, evt) {
		return noise(ReasonRepetitive, 0.8)
	}
	if f.hasLowTrust(ctx, evt.PubKey) {
		return noise(ReasonLowWoT, 0.6)
	}
	return Verdict{}
}

func (f *Filter) hasTooFewFollowers(ctx context.Context, author string) bool {
	need := f.config.MinFollowers
	if need <= 0 || f.followers == nil {
		return false
	}
	followers, err := f.followers.Followers(ctx, author, need)
	if err != nil {
		f.logger.Debug("follower check skipped", "author", author, "error", err)
		return false
	}
	return len(followers) < need
}

// isRepetitive counts distinct notes by the author inside the window whose
// normalized content equals this event's. The event itself counts once
// whether or not relays already return it.
func (f *Filter) isRepetitive(ctx context.Context, evt *nostr.Event) bool {
	threshold := f.config.DuplicateThreshold
	if threshold <= 0 || evt.Kind != nostr.KindTextNote || f.querier == nil {
		return false
	}
	target := Normalize(evt.Content)
	if target == "" {
		return false
	}

	window := time.Duration(max(1, f.config.DuplicateWindowDays)) * 24 * time.Hour
	q := wnostr.NotesQuery{
		Authors: []string{evt.PubKey},
		Since:   f.clock.Now().Add(-window),
		Limit:   f.config.HistoryLimit,
	}
	history, err := f.querier.Query(ctx, f.relays.QueryRelays(), q.Filter())
	if err != nil {
		f.logger.Debug("duplicate check skipped", "author", evt.PubKey, "error", err)
		return false
	}

	same := map[string]bool{evt.ID: true}
	for _, h := range history {
		if h.PubKey == evt.PubKey && Normalize(h.Content) == target {
			same[h.ID] = true
		}
	}
	return len(same) >= threshold
}

func (f *Filter) hasLowTrust(ctx context.Context, author string) bool {
	need := f.config.MinWotScore
	if need <= 0 || f.trust == nil {
		return false
	}
	rec, err := f.trust.Lookup(ctx, author)
	if err != nil || rec == nil {
		f.logger.Debug("trust check skipped", "author", author, "error", err)
		return false
	}
	return rec.Score < need
}
