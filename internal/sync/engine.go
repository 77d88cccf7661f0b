package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/wotsync/internal/config"
	"github.com/sandwichfarm/wotsync/internal/graph"
	wnostr "github.com/sandwichfarm/wotsync/internal/nostr"
	"github.com/sandwichfarm/wotsync/internal/ops"
	"github.com/sandwichfarm/wotsync/internal/priority"
	"github.com/sandwichfarm/wotsync/internal/relays"
	"github.com/sandwichfarm/wotsync/internal/retention"
	"golang.org/x/sync/errgroup"
)

// Job names registered on the scheduler
const (
	JobRelayProbe     = "relay_probe"
	JobPriorityResync = "priority_resync"
	JobRetentionScan  = "retention_scan"
)

// PriorityLister lists every identity worth a resync pass
type PriorityLister interface {
	ClassifyAll(ctx context.Context) ([]priority.SyncPriority, error)
}

// Gauges receives engine level gauges. It is optional.
type Gauges interface {
	SetStorageUsage(percent float64)
	SetQueueDepth(n int)
}

// Deps are the collaborators of an Engine. Registry, Graph, Monitor and
// Gauges may be nil.
type Deps struct {
	Pipeline   *Pipeline
	Subscriber wnostr.Subscriber
	Querier    wnostr.Querier
	Relays     wnostr.RelaySource
	Registry   *relays.Registry
	Graph      *graph.Graph
	Classifier PriorityLister
	Cursors    CursorStore
	Monitor    *retention.Monitor
	Gauges     Gauges
	Clock      ops.Clock
	Logger     *ops.Logger
}

// Options tunes the engine
type Options struct {
	Kinds             []int
	Workers           int
	QueueSize         int
	ResyncConcurrency int
	ResyncLimit       int
	ReconnectDelay    time.Duration
}

// ResyncStats summarizes one resync pass
type ResyncStats struct {
	Authors  int
	Events   int
	Mirrored int
	Dropped  int
	Failed   int
}

// Engine feeds live and catch-up events through the pipeline
type Engine struct {
	deps    Deps
	opts    Options
	filters *FilterBuilder
	cursors *CursorManager
	clock   ops.Clock
	logger  *ops.Logger

	queue  chan *nostr.Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine
func New(deps Deps, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 5000
	}
	if opts.ResyncConcurrency <= 0 {
		opts.ResyncConcurrency = 4
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 10 * time.Second
	}
	clock := deps.Clock
	if clock == nil {
		clock = ops.SystemClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = ops.Default()
	}

	return &Engine{
		deps:    deps,
		opts:    opts,
		filters: NewFilterBuilder(opts.Kinds, opts.ResyncLimit),
		cursors: NewCursorManager(deps.Cursors),
		clock:   clock,
		logger:  logger.WithComponent("sync"),
		queue:   make(chan *nostr.Event, opts.QueueSize),
	}
}

// OptionsFromConfig maps the ingest section onto engine options
func OptionsFromConfig(cfg *config.Ingest) Options {
	return Options{
		Kinds:     cfg.Kinds,
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
	}
}

// Start loads the relay registry, starts the workers and opens the live
// subscription. It returns immediately.
func (e *Engine) Start(ctx context.Context) error {
	if e.deps.Registry != nil {
		if err := e.deps.Registry.Load(ctx); err != nil {
			return fmt.Errorf("failed to load relay registry: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.logger.Info("starting sync engine", "workers", e.opts.Workers, "kinds", e.filters.Kinds())
	for i := 0; i < e.opts.Workers; i++ {
		e.wg.Add(1)
		go e.worker(runCtx)
	}

	if e.deps.Subscriber != nil {
		e.wg.Add(1)
		go e.subscribe(runCtx)
	}
	return nil
}

// Stop cancels the subscription and waits for the workers. Queued events
// that were not picked up are discarded.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Enqueue hands an event to the workers, blocking while the queue is full
func (e *Engine) Enqueue(ctx context.Context, evt *nostr.Event) bool {
	select {
	case e.queue <- evt:
		if e.deps.Gauges != nil {
			e.deps.Gauges.SetQueueDepth(len(e.queue))
		}
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-e.queue:
			e.Handle(ctx, evt)
		}
	}
}

// subscribe keeps a live subscription open on the selected relays,
// reopening it after every disconnect
func (e *Engine) subscribe(ctx context.Context) {
	defer e.wg.Done()
	for {
		urls := e.deps.Relays.QueryRelays()
		since := e.clock.Now()
		e.logger.Info("opening live subscription", "relays", len(urls))

		n := 0
		for evt := range e.deps.Subscriber.Subscribe(ctx, urls, e.filters.LiveFilter(since)) {
			if !e.Enqueue(ctx, evt) {
				return
			}
			n++
		}
		e.logger.Warn("live subscription closed", "events", n)

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.opts.ReconnectDelay):
		}
	}
}

// Handle updates the relay registry and follow graph from the event, then
// runs it through the pipeline
func (e *Engine) Handle(ctx context.Context, evt *nostr.Event) Outcome {
	switch evt.Kind {
	case nostr.KindFollowList:
		if e.deps.Graph != nil {
			e.deps.Graph.Forget(evt.PubKey)
		}
		e.observe(ctx, evt)
	case nostr.KindProfileMetadata, nostr.KindRelayListMetadata:
		e.observe(ctx, evt)
	}
	return e.deps.Pipeline.Process(ctx, evt)
}

func (e *Engine) observe(ctx context.Context, evt *nostr.Event) {
	if e.deps.Registry == nil {
		return
	}
	if found := e.deps.Registry.Observe(ctx, evt); len(found) > 0 && e.logger.IsDebugEnabled() {
		e.logger.Debug("relays observed", "author", evt.PubKey, "relays", found)
	}
}

// Resync pulls what every identity at or above TANGENTIAL published since
// its cursor. Events the mirror rejected keep the cursor behind them so the
// next pass tries again.
func (e *Engine) Resync(ctx context.Context) (ResyncStats, error) {
	all, err := e.deps.Classifier.ClassifyAll(ctx)
	if err != nil {
		return ResyncStats{}, fmt.Errorf("failed to classify identities: %w", err)
	}

	var authors, events, mirrored, dropped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.ResyncConcurrency)

	for _, p := range all {
		if p.Tier > priority.TierTangential {
			continue
		}
		pubkey := p.Pubkey
		g.Go(func() error {
			got, err := e.resyncAuthor(gctx, pubkey)
			if err != nil {
				e.logger.Warn("resync failed", "author", pubkey, "error", err)
				return nil
			}
			authors.Add(1)
			events.Add(int64(len(got)))
			for _, out := range got {
				switch {
				case out.State == StateDropped:
					dropped.Add(1)
				case out.PublishErr != nil:
					failed.Add(1)
				default:
					mirrored.Add(1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ResyncStats{}, err
	}

	stats := ResyncStats{
		Authors:  int(authors.Load()),
		Events:   int(events.Load()),
		Mirrored: int(mirrored.Load()),
		Dropped:  int(dropped.Load()),
		Failed:   int(failed.Load()),
	}
	e.logger.Info("resync complete",
		"authors", stats.Authors,
		"events", stats.Events,
		"mirrored", stats.Mirrored,
		"dropped", stats.Dropped,
		"failed", stats.Failed)
	return stats, nil
}

func (e *Engine) resyncAuthor(ctx context.Context, pubkey string) ([]Outcome, error) {
	since, err := e.cursors.Since(ctx, pubkey)
	if err != nil {
		return nil, err
	}

	urls := e.deps.Relays.QueryRelays()
	var (
		outcomes []Outcome
		regular  []*nostr.Event
	)
	failedIDs := make(map[string]bool)

	for _, q := range e.filters.ResyncQueries(pubkey, since) {
		evts, err := e.deps.Querier.Query(ctx, urls, q.Filter())
		if err != nil {
			return nil, err
		}
		for _, evt := range evts {
			out := e.Handle(ctx, evt)
			outcomes = append(outcomes, out)
			if out.PublishErr != nil {
				failedIDs[evt.ID] = true
			}
			if !IsReplaceableKind(evt.Kind) {
				regular = append(regular, evt)
			}
		}
	}

	if err := e.cursors.Advance(ctx, pubkey, Contiguous(regular, failedIDs)); err != nil {
		return outcomes, err
	}
	if e.logger.IsDebugEnabled() {
		e.logger.WithFields("author", pubkey).Debug("author resynced",
			"since", since.Unix(),
			"events", len(outcomes),
			"publish_failures", len(failedIDs))
	}
	return outcomes, nil
}

// ProbeRelays probes every known relay
func (e *Engine) ProbeRelays(ctx context.Context) error {
	if e.deps.Registry == nil {
		return nil
	}
	results, err := e.deps.Registry.ProbeAll(ctx)
	if err != nil {
		return err
	}
	online := 0
	for _, r := range results {
		if r.Online {
			online++
		}
	}
	e.logger.Info("relay probe complete", "probed", len(results), "online", online)
	return nil
}

// ScanRetention refreshes the storage pressure flag
func (e *Engine) ScanRetention(ctx context.Context) error {
	if e.deps.Monitor == nil {
		return nil
	}
	usage, err := e.deps.Monitor.Scan(ctx)
	if err != nil {
		return err
	}
	if e.deps.Gauges != nil {
		e.deps.Gauges.SetStorageUsage(usage.Percent)
	}
	return nil
}

// RegisterJobs adds the periodic jobs to s
func (e *Engine) RegisterJobs(s *ops.Scheduler, cfg *config.Schedule) error {
	jobs := []struct {
		name     string
		interval int64
		fn       ops.JobFunc
	}{
		{JobRelayProbe, cfg.ProbeIntervalMs, e.ProbeRelays},
		{JobPriorityResync, cfg.PrioritySyncIntervalMs, func(ctx context.Context) error {
			_, err := e.Resync(ctx)
			return err
		}},
		{JobRetentionScan, cfg.RetentionScanIntervalMs, e.ScanRetention},
	}
	for _, j := range jobs {
		if err := s.Every(j.name, time.Duration(j.interval)*time.Millisecond, j.fn); err != nil {
			return err
		}
	}
	return nil
}
