package main

import (
	"context"
	"fmt"

	"github.com/sandwichfarm/wotsync/internal/config"
	"github.com/sandwichfarm/wotsync/internal/graph"
	"github.com/sandwichfarm/wotsync/internal/metrics"
	"github.com/sandwichfarm/wotsync/internal/mirror"
	"github.com/sandwichfarm/wotsync/internal/noise"
	wnostr "github.com/sandwichfarm/wotsync/internal/nostr"
	"github.com/sandwichfarm/wotsync/internal/ops"
	"github.com/sandwichfarm/wotsync/internal/priority"
	"github.com/sandwichfarm/wotsync/internal/recommend"
	"github.com/sandwichfarm/wotsync/internal/relays"
	"github.com/sandwichfarm/wotsync/internal/retention"
	"github.com/sandwichfarm/wotsync/internal/signals"
	"github.com/sandwichfarm/wotsync/internal/storage"
	"github.com/sandwichfarm/wotsync/internal/sync"
	"github.com/sandwichfarm/wotsync/internal/trust"
)

// app holds every wired component
type app struct {
	cfg     *config.Config
	logger  *ops.Logger
	metrics *metrics.Collector

	store       *storage.Storage
	client      *wnostr.Client
	registry    *relays.Registry
	selector    *relays.Selector
	graph       *graph.Graph
	trust       *trust.Service
	noise       *noise.Filter
	signals     signals.Source
	classifier  *priority.Classifier
	recommender *recommend.Recommender
	monitor     *retention.Monitor
	mirror      *mirror.Mirror
	pipeline    *sync.Pipeline
	engine      *sync.Engine
}

// anchors are the depth 0 identities of trust scoring and the extra roots of
// WoT expansion
func anchors(cfg *config.Config) []string {
	out := make([]string, 0, len(cfg.WoT.TrustAnchors)+len(cfg.Identity.Admins))
	out = append(out, cfg.WoT.TrustAnchors...)
	out = append(out, cfg.Identity.Admins...)
	return out
}

func build(ctx context.Context, cfg *config.Config, logger *ops.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.NewCollector()
	}

	st, err := storage.New(ctx, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.store = st

	a.client = wnostr.New(ctx, &cfg.Relays, logger)

	regOpts := relays.Options{
		Store:            st,
		Key:              cfg.Storage.RegistryKey,
		Prober:           a.client,
		ProbeConcurrency: cfg.Relays.Policy.ProbeConcurrency,
		Logger:           logger,
	}
	if a.metrics != nil {
		regOpts.Recorder = a.metrics
	}
	a.registry = relays.New(regOpts)
	a.selector = relays.NewSelector(cfg.Relays.Seeds, a.registry, a.client, cfg.Relays.Policy.MaxSyncRelays)

	a.graph = graph.New(a.client, a.selector, &cfg.WoT, logger)

	depth0 := append([]string{cfg.Identity.Owner}, anchors(cfg)...)
	gatherer := trust.NewGatherer(a.graph, a.client, a.selector, depth0, nil)
	a.trust, err = trust.New(st, gatherer, &cfg.Trust, nil, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.noise = noise.New(&cfg.Noise, a.graph, a.client, a.selector, a.trust, nil, logger)

	a.signals, err = signals.New(&cfg.Signals)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.classifier = priority.New(a.graph, a.signals, a.signals, priority.Options{
		Owner:            cfg.Identity.Owner,
		Company:          cfg.Identity.Company,
		Anchors:          anchors(cfg),
		MaxHops:          cfg.WoT.MaxHops,
		MemberSampleSize: cfg.WoT.MemberSampleSize,
	}, logger)

	a.recommender = recommend.New(a.graph, a.client, a.selector, logger)

	var usage retention.UsageSource = retention.FilesystemSource{Path: cfg.Retention.DataDir}
	if cfg.Retention.QuotaMB > 0 {
		usage = retention.QuotaSource{Path: cfg.Retention.DataDir, QuotaBytes: uint64(cfg.Retention.QuotaMB) << 20}
	}
	a.monitor = retention.NewMonitor(usage, cfg.Retention.StorageWarningPercent, st, nil, logger)

	a.mirror, err = mirror.Open(&cfg.Mirror, a.client, st, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.pipeline = sync.NewPipeline(a.noise, a.classifier, a.signals, a.monitor, a.mirror, sync.PipelineOptions{
		DropConfidence:    cfg.Ingest.DropConfidence,
		TrendingThreshold: cfg.Ingest.TrendingThreshold,
	}, logger)
	if a.metrics != nil {
		a.pipeline.WithRecorder(a.metrics)
	}

	deps := sync.Deps{
		Pipeline:   a.pipeline,
		Subscriber: a.client,
		Querier:    a.client,
		Relays:     a.selector,
		Registry:   a.registry,
		Graph:      a.graph,
		Classifier: a.classifier,
		Cursors:    st,
		Monitor:    a.monitor,
		Logger:     logger,
	}
	if a.metrics != nil {
		deps.Gauges = a.metrics
	}
	a.engine = sync.New(deps, sync.OptionsFromConfig(&cfg.Ingest))

	return a, nil
}

// Close releases everything build opened
func (a *app) Close() {
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			a.logger.Warn("failed to close mirror", "error", err)
		}
	}
	if a.signals != nil {
		a.signals.Close()
	}
	if a.client != nil {
		a.client.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}
