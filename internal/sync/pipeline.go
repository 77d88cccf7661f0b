// Package sync pulls events from the relay network and decides, per event,
// whether it reaches the local mirror.
package sync

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/wotsync/internal/noise"
	"github.com/sandwichfarm/wotsync/internal/ops"
	"github.com/sandwichfarm/wotsync/internal/priority"
)

// State is the terminal state of one event
type State string

const (
	StateMirrored State = "mirrored"
	StateDropped  State = "dropped"
)

// Drop reasons
const (
	ReasonNoise         = "noise"
	ReasonBelowTrending = "below_trending_threshold"
	ReasonCapacity      = "capacity"
)

const (
	DefaultDropConfidence    = 0.7
	DefaultTrendingThreshold = 10
)

// Outcome is what happened to one event. PublishErr is set when the event
// was admitted but the mirror did not take it; it is not retried here.
type Outcome struct {
	State      State
	Reason     string
	Priority   priority.SyncPriority
	Verdict    noise.Verdict
	PublishErr error
}

// NoiseFilter judges whether an event is noise
type NoiseFilter interface {
	Evaluate(ctx context.Context, evt *nostr.Event) noise.Verdict
}

// Classifier assigns the author a tier
type Classifier interface {
	Classify(ctx context.Context, pubkey string) priority.SyncPriority
}

// Trending returns the engagement counter of an event
type Trending interface {
	Score(ctx context.Context, eventID string) (float64, error)
}

// PressureSource reports whether storage is under pressure
type PressureSource interface {
	Pressure() bool
}

// Mirror stores an admitted event with its retention
type Mirror interface {
	Save(ctx context.Context, evt *nostr.Event, p priority.SyncPriority) error
}

// Recorder receives outcome counters. It is optional.
type Recorder interface {
	RecordOutcome(state, reason, tier string)
	RecordNoise(reason string)
}

// PipelineOptions tunes admission
type PipelineOptions struct {
	DropConfidence    float64
	TrendingThreshold float64
}

// Pipeline runs noise filtering, classification, admission and the mirror
// write for one event at a time. It is safe for concurrent use.
type Pipeline struct {
	noise      NoiseFilter
	classifier Classifier
	trending   Trending
	pressure   PressureSource
	mirror     Mirror
	recorder   Recorder
	opts       PipelineOptions
	logger     *ops.Logger
}

// NewPipeline wires a pipeline. trending and recorder may be nil.
func NewPipeline(nf NoiseFilter, c Classifier, trending Trending, pressure PressureSource, m Mirror, opts PipelineOptions, logger *ops.Logger) *Pipeline {
	if opts.DropConfidence <= 0 {
		opts.DropConfidence = DefaultDropConfidence
	}
	if opts.TrendingThreshold <= 0 {
		opts.TrendingThreshold = DefaultTrendingThreshold
	}
	if logger == nil {
		logger = ops.Default()
	}
	return &Pipeline{
		noise:      nf,
		classifier: c,
		trending:   trending,
		pressure:   pressure,
		mirror:     m,
		opts:       opts,
		logger:     logger.WithComponent("pipeline"),
	}
}

// WithRecorder attaches outcome counters
func (p *Pipeline) WithRecorder(r Recorder) *Pipeline {
	p.recorder = r
	return p
}

// Process drives one event to a terminal state
func (p *Pipeline) Process(ctx context.Context, evt *nostr.Event) Outcome {
	out := p.admit(ctx, evt)
	if out.State == StateMirrored {
		if err := p.mirror.Save(ctx, evt, out.Priority); err != nil {
			out.PublishErr = err
			p.logger.Warn("mirror publish failed", "event_id", evt.ID, "error", err)
		}
	}

	p.logger.LogIngestOutcome(evt.ID, evt.PubKey, string(out.State), out.Reason, out.Priority.Tier.String())
	if p.recorder != nil {
		p.recorder.RecordOutcome(string(out.State), out.Reason, out.Priority.Tier.String())
		if out.Reason == ReasonNoise {
			p.recorder.RecordNoise(string(out.Verdict.Reason))
		}
	}
	return out
}

func (p *Pipeline) admit(ctx context.Context, evt *nostr.Event) Outcome {
	verdict := p.noise.Evaluate(ctx, evt)
	if verdict.IsNoise && verdict.Confidence >= p.opts.DropConfidence {
		return Outcome{State: StateDropped, Reason: ReasonNoise, Verdict: verdict}
	}

	prio := p.classifier.Classify(ctx, evt.PubKey)
	out := Outcome{Priority: prio, Verdict: verdict}

	switch {
	case prio.Tier <= priority.TierTangential:
		out.State = StateMirrored
	case prio.Tier == priority.TierTrending:
		if p.trendingScore(ctx, evt.ID) >= p.opts.TrendingThreshold {
			out.State = StateMirrored
		} else {
			out.State, out.Reason = StateDropped, ReasonBelowTrending
		}
	default:
		if p.pressure != nil && p.pressure.Pressure() {
			out.State, out.Reason = StateDropped, ReasonCapacity
		} else {
			out.State = StateMirrored
		}
	}
	return out
}

// trendingScore reads the engagement counter. An unreadable counter counts
// as zero.
func (p *Pipeline) trendingScore(ctx context.Context, eventID string) float64 {
	if p.trending == nil {
		return 0
	}
	score, err := p.trending.Score(ctx, eventID)
	if err != nil {
		p.logger.Warn("trending lookup failed", "event_id", eventID, "error", err)
		return 0
	}
	return score
}
