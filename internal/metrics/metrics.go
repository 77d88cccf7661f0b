// Package metrics exposes pipeline, noise and relay probe counters for
// prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sandwichfarm/wotsync/internal/ops"
)

const namespace = "wotsync"

// Collector holds the metrics of one process. Every collector has its own
// registry so tests can create as many as they like.
type Collector struct {
	registry *prometheus.Registry

	Outcomes      *prometheus.CounterVec
	NoiseVerdicts *prometheus.CounterVec
	Probes        *prometheus.CounterVec
	ProbeDuration prometheus.Histogram
	StorageUsage  prometheus.Gauge
	QueueDepth    prometheus.Gauge
}

// NewCollector creates and registers every metric
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_outcomes_total",
			Help:      "Events processed by the ingestion pipeline",
		}, []string{"state", "reason", "tier"}),
		NoiseVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "noise_verdicts_total",
			Help:      "Noise filter rejections by reason",
		}, []string{"reason"}),
		Probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_probes_total",
			Help:      "Relay health probes by result",
		}, []string{"result"}),
		ProbeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_probe_duration_seconds",
			Help:      "Round trip time of successful relay probes",
			Buckets:   prometheus.DefBuckets,
		}),
		StorageUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_usage_percent",
			Help:      "Storage usage at the last retention scan",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_queue_depth",
			Help:      "Events waiting for a pipeline worker",
		}),
	}

	c.registry.MustRegister(
		c.Outcomes,
		c.NoiseVerdicts,
		c.Probes,
		c.ProbeDuration,
		c.StorageUsage,
		c.QueueDepth,
		collectors.NewGoCollector(),
	)
	return c
}

// RecordOutcome counts one pipeline outcome
func (c *Collector) RecordOutcome(state, reason, tier string) {
	c.Outcomes.WithLabelValues(state, reason, tier).Inc()
}

// RecordNoise counts one noise rejection
func (c *Collector) RecordNoise(reason string) {
	c.NoiseVerdicts.WithLabelValues(reason).Inc()
}

// RecordProbe counts one relay probe
func (c *Collector) RecordProbe(online bool, d time.Duration) {
	if !online {
		c.Probes.WithLabelValues("offline").Inc()
		return
	}
	c.Probes.WithLabelValues("online").Inc()
	c.ProbeDuration.Observe(d.Seconds())
}

// SetStorageUsage records the latest usage percentage
func (c *Collector) SetStorageUsage(percent float64) {
	c.StorageUsage.Set(percent)
}

// SetQueueDepth records the ingest backlog
func (c *Collector) SetQueueDepth(n int) {
	c.QueueDepth.Set(float64(n))
}

// Handler serves the registry in the prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled
func (c *Collector) Serve(ctx context.Context, addr string, logger *ops.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
