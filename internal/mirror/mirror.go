// Package mirror writes admitted events to the local mirror and indexes the
// retention they were admitted with.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fiatjaf/eventstore"
	"github.com/fiatjaf/eventstore/sqlite3"
	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/wotsync/internal/config"
	wnostr "github.com/sandwichfarm/wotsync/internal/nostr"
	"github.com/sandwichfarm/wotsync/internal/ops"
	"github.com/sandwichfarm/wotsync/internal/priority"
	"github.com/sandwichfarm/wotsync/internal/storage"
)

// Sink is where mirrored events end up
type Sink interface {
	Save(ctx context.Context, evt *nostr.Event) error
	Close() error
}

// RelaySink publishes to a mirror relay
type RelaySink struct {
	publisher wnostr.Publisher
	url       string
	timeout   time.Duration
}

// NewRelaySink creates a sink publishing to url
func NewRelaySink(publisher wnostr.Publisher, url string, timeout time.Duration) *RelaySink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RelaySink{publisher: publisher, url: url, timeout: timeout}
}

// Save publishes one event
func (s *RelaySink) Save(ctx context.Context, evt *nostr.Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.publisher.Publish(ctx, s.url, evt)
}

// Close is a no-op, the publisher owns the connection
func (s *RelaySink) Close() error { return nil }

// EventstoreSink keeps the mirror in an embedded sqlite eventstore
type EventstoreSink struct {
	backend *sqlite3.SQLite3Backend
}

// OpenEventstore opens or creates the eventstore at path
func OpenEventstore(path string) (*EventstoreSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create eventstore directory: %w", err)
		}
	}
	backend := &sqlite3.SQLite3Backend{DatabaseURL: path}
	if err := backend.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize eventstore: %w", err)
	}
	return &EventstoreSink{backend: backend}, nil
}

// Save stores one event. Storing an event twice is not an error.
func (s *EventstoreSink) Save(ctx context.Context, evt *nostr.Event) error {
	if err := s.backend.SaveEvent(ctx, evt); err != nil && !errors.Is(err, eventstore.ErrDupEvent) {
		return err
	}
	return nil
}

// Count returns how many stored events match filter
func (s *EventstoreSink) Count(ctx context.Context, filter nostr.Filter) (int64, error) {
	return s.backend.CountEvents(ctx, filter)
}

// Close closes the database
func (s *EventstoreSink) Close() error {
	s.backend.Close()
	return nil
}

// Index records the retention of mirrored events
type Index interface {
	RecordMirrored(ctx context.Context, rec *storage.MirrorRecord) error
}

// Mirror saves events to a sink and annotates them in the retention index
type Mirror struct {
	sink   Sink
	index  Index
	clock  ops.Clock
	logger *ops.Logger
}

// New wraps a sink. index may be nil.
func New(sink Sink, index Index, clock ops.Clock, logger *ops.Logger) *Mirror {
	if clock == nil {
		clock = ops.SystemClock{}
	}
	if logger == nil {
		logger = ops.Default()
	}
	return &Mirror{sink: sink, index: index, clock: clock, logger: logger.WithComponent("mirror")}
}

// Open builds the sink the configuration asks for
func Open(cfg *config.Mirror, publisher wnostr.Publisher, index Index, logger *ops.Logger) (*Mirror, error) {
	var sink Sink
	switch cfg.Driver {
	case "eventstore":
		es, err := OpenEventstore(cfg.EventstorePath)
		if err != nil {
			return nil, err
		}
		sink = es
	case "relay", "":
		sink = NewRelaySink(publisher, cfg.URL, time.Duration(cfg.PublishTimeout)*time.Millisecond)
	default:
		return nil, fmt.Errorf("unsupported mirror driver: %s", cfg.Driver)
	}
	return New(sink, index, nil, logger), nil
}

// Save writes evt and records the retention it was admitted with. The event
// is only indexed once the sink accepted it.
func (m *Mirror) Save(ctx context.Context, evt *nostr.Event, p priority.SyncPriority) error {
	if err := m.sink.Save(ctx, evt); err != nil {
		return fmt.Errorf("mirror save failed: %w", err)
	}
	if m.index == nil {
		return nil
	}
	rec := &storage.MirrorRecord{
		EventID:    evt.ID,
		Author:     evt.PubKey,
		Kind:       evt.Kind,
		Tier:       int(p.Tier),
		Retention:  string(p.Retention),
		MirroredAt: m.clock.Now().Unix(),
	}
	if err := m.index.RecordMirrored(ctx, rec); err != nil {
		// the event is mirrored, it only misses its annotation
		m.logger.Warn("failed to index mirrored event", "event_id", evt.ID, "error", err)
	}
	return nil
}

// Close closes the sink
func (m *Mirror) Close() error {
	return m.sink.Close()
}
