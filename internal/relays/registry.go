// Package relays keeps the registry of relays discovered from observed events
// and their probed health.
package relays

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	wnostr "github.com/sandwichfarm/wotsync/internal/nostr"
	"github.com/sandwichfarm/wotsync/internal/ops"
	"github.com/sandwichfarm/wotsync/internal/storage"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidRelayURL is returned for URLs that do not normalize
var ErrInvalidRelayURL = errors.New("invalid relay url")

// DiscoveredRelay is the public view of one registry entry
type DiscoveredRelay struct {
	URL           string `json:"url"`
	FirstSeen     int64  `json:"firstSeen"`
	LastSeen      int64  `json:"lastSeen"`
	SeenInUsers   int    `json:"seenInUsers"`
	SeenInWrites  int    `json:"seenInWrites"`
	SeenInReads   int    `json:"seenInReads"`
	AvgResponseMs int64  `json:"avgResponseMs"`
	IsOnline      bool   `json:"isOnline"`
	LastProbe     int64  `json:"lastProbe"`
}

// ProbeResult is the outcome of one probe
type ProbeResult struct {
	URL        string `json:"url"`
	Online     bool   `json:"online"`
	ResponseMs int64  `json:"responseMs"`
}

// DocumentStore persists whole JSON documents
type DocumentStore interface {
	GetDocument(ctx context.Context, key string) ([]byte, error)
	PutDocument(ctx context.Context, key string, body []byte) error
}

// ProbeRecorder receives probe outcomes, e.g. for metrics
type ProbeRecorder interface {
	RecordProbe(online bool, d time.Duration)
}

type entry struct {
	mu      sync.Mutex
	relay   DiscoveredRelay
	users   map[string]struct{}
	writers map[string]struct{}
	readers map[string]struct{}
}

func newEntry(url string, now int64) *entry {
	return &entry{
		relay:   DiscoveredRelay{URL: url, FirstSeen: now, LastSeen: now},
		users:   make(map[string]struct{}),
		writers: make(map[string]struct{}),
		readers: make(map[string]struct{}),
	}
}

// Registry is the single owner of discovered relay state. Mutations of one
// relay are serialized by that relay's lock; snapshot writes are serialized
// by persistMu so a slow write never interleaves with another.
type Registry struct {
	entries *xsync.MapOf[string, *entry]

	store       DocumentStore
	key         string
	prober      wnostr.Prober
	recorder    ProbeRecorder
	concurrency int
	clock       ops.Clock
	logger      *ops.Logger

	persistMu sync.Mutex
}

// Options configures a Registry
type Options struct {
	Store            DocumentStore
	Key              string
	Prober           wnostr.Prober
	Recorder         ProbeRecorder
	ProbeConcurrency int
	Clock            ops.Clock
	Logger           *ops.Logger
}

// New creates an empty registry. Call Load to restore the persisted snapshot.
func New(opts Options) *Registry {
	if opts.Key == "" {
		opts.Key = "relay_registry"
	}
	if opts.ProbeConcurrency <= 0 {
		opts.ProbeConcurrency = 16
	}
	if opts.Clock == nil {
		opts.Clock = ops.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = ops.Default()
	}
	return &Registry{
		entries:     xsync.NewMapOf[string, *entry](),
		store:       opts.Store,
		key:         opts.Key,
		prober:      opts.Prober,
		recorder:    opts.Recorder,
		concurrency: opts.ProbeConcurrency,
		clock:       opts.Clock,
		logger:      opts.Logger.WithComponent("relays"),
	}
}

type observation struct {
	url   string
	read  bool
	write bool
}

// extract lists the relays an event mentions. Only relay lists carry
// read/write markers; hints and profile fields count as plain sightings.
func extract(evt *nostr.Event) []observation {
	switch evt.Kind {
	case nostr.KindRelayListMetadata:
		list, err := wnostr.ParseRelayList(evt)
		if err != nil {
			return nil
		}
		out := make([]observation, 0, len(list.Entries))
		for _, e := range list.Entries {
			out = append(out, observation{url: e.URL, read: e.Read, write: e.Write})
		}
		return out

	case nostr.KindFollowList:
		list, err := wnostr.ParseFollowList(evt)
		if err != nil {
			return nil
		}
		out := make([]observation, 0, len(list.Hints)+len(list.ContentRelays))
		for _, hint := range list.Hints {
			out = append(out, observation{url: hint})
		}
		for _, e := range list.ContentRelays {
			out = append(out, observation{url: e.URL, read: e.Read, write: e.Write})
		}
		return out

	case nostr.KindProfileMetadata:
		urls := wnostr.MetadataRelays(evt.Content)
		out := make([]observation, 0, len(urls))
		for _, u := range urls {
			out = append(out, observation{url: u})
		}
		return out
	}
	return nil
}

// Observe records the relays mentioned by a relay list, follow list or
// profile metadata event and returns the URLs seen for the first time.
// Counts are distinct observer pubkeys and never decrease.
func (r *Registry) Observe(ctx context.Context, evt *nostr.Event) []string {
	obs := extract(evt)
	if len(obs) == 0 {
		return nil
	}

	now := r.clock.Now().Unix()
	discovered := make([]string, 0)
	changed := false

	for _, o := range obs {
		e, loaded := r.entries.LoadOrCompute(o.url, func() *entry {
			return newEntry(o.url, now)
		})
		if !loaded {
			discovered = append(discovered, o.url)
		}
		if e.observe(evt.PubKey, o, now) || !loaded {
			changed = true
		}
	}

	if changed {
		if err := r.Persist(ctx); err != nil {
			r.logger.Warn("failed to persist relay registry", "error", err)
		}
	}

	sort.Strings(discovered)
	return discovered
}

func (e *entry) observe(pubkey string, o observation, now int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := add(e.users, pubkey)
	if o.write && add(e.writers, pubkey) {
		changed = true
	}
	if o.read && add(e.readers, pubkey) {
		changed = true
	}
	if changed {
		e.relay.SeenInUsers = max(e.relay.SeenInUsers, len(e.users))
		e.relay.SeenInWrites = max(e.relay.SeenInWrites, len(e.writers))
		e.relay.SeenInReads = max(e.relay.SeenInReads, len(e.readers))
	}
	// a repeat sighting still moves LastSeen and must reach the snapshot
	if now > e.relay.LastSeen {
		e.relay.LastSeen = now
		changed = true
	}
	return changed
}

func add(set map[string]struct{}, key string) bool {
	if key == "" {
		return false
	}
	if _, ok := set[key]; ok {
		return false
	}
	set[key] = struct{}{}
	return true
}

// Probe issues one minimal query to the relay and records the outcome on its
// entry when the relay is registered. A failed probe marks the relay offline
// and leaves the response average unchanged.
func (r *Registry) Probe(ctx context.Context, raw string) (ProbeResult, error) {
	res, err := r.probe(ctx, raw)
	if err != nil {
		return res, err
	}
	if err := r.Persist(ctx); err != nil {
		r.logger.Warn("failed to persist relay registry", "error", err)
	}
	return res, nil
}

func (r *Registry) probe(ctx context.Context, raw string) (ProbeResult, error) {
	url := wnostr.NormalizeRelayURL(raw)
	if url == "" {
		return ProbeResult{}, fmt.Errorf("%w: %q", ErrInvalidRelayURL, raw)
	}
	if r.prober == nil {
		return ProbeResult{URL: url}, fmt.Errorf("no prober configured")
	}

	d, err := r.prober.Probe(ctx, url)
	res := ProbeResult{URL: url, Online: err == nil}
	if err == nil {
		res.ResponseMs = max(d.Milliseconds(), 1)
	}
	r.logger.LogRelayProbe(url, res.Online, res.ResponseMs, err)
	if r.recorder != nil {
		r.recorder.RecordProbe(res.Online, d)
	}

	if e, ok := r.entries.Load(url); ok {
		e.recordProbe(res, r.clock.Now().Unix())
	}
	return res, nil
}

func (e *entry) recordProbe(res ProbeResult, now int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.relay.LastProbe = now
	e.relay.IsOnline = res.Online
	if !res.Online {
		return
	}
	if e.relay.AvgResponseMs == 0 {
		e.relay.AvgResponseMs = res.ResponseMs
	} else {
		// round half up of the two point average
		e.relay.AvgResponseMs = (e.relay.AvgResponseMs + res.ResponseMs + 1) / 2
	}
}

// ProbeAll probes every registered relay with bounded concurrency and
// persists once at the end
func (r *Registry) ProbeAll(ctx context.Context) ([]ProbeResult, error) {
	urls := r.urls()
	results := make([]ProbeResult, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, url := range urls {
		g.Go(func() error {
			res, err := r.probe(gctx, url)
			if err != nil {
				// unconfigured prober; nothing else can fail here
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := r.Persist(ctx); err != nil {
		return results, err
	}

	online := 0
	for _, res := range results {
		if res.Online {
			online++
		}
	}
	r.logger.Info("relay probe pass completed", "relays", len(results), "online", online)
	return results, nil
}

func (r *Registry) urls() []string {
	urls := make([]string, 0, r.entries.Size())
	r.entries.Range(func(url string, _ *entry) bool {
		urls = append(urls, url)
		return true
	})
	sort.Strings(urls)
	return urls
}

// Get returns one relay
func (r *Registry) Get(raw string) (DiscoveredRelay, bool) {
	e, ok := r.entries.Load(wnostr.NormalizeRelayURL(raw))
	if !ok {
		return DiscoveredRelay{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.relay, true
}

// All returns every discovered relay, sorted by URL
func (r *Registry) All() []DiscoveredRelay {
	out := make([]DiscoveredRelay, 0, r.entries.Size())
	r.entries.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		out = append(out, e.relay)
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Popular returns the n relays seen in the most users. Ties are broken by
// write sightings, then by URL.
func (r *Registry) Popular(n int) []DiscoveredRelay {
	all := r.All()
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].SeenInUsers != all[j].SeenInUsers {
			return all[i].SeenInUsers > all[j].SeenInUsers
		}
		if all[i].SeenInWrites != all[j].SeenInWrites {
			return all[i].SeenInWrites > all[j].SeenInWrites
		}
		return all[i].URL < all[j].URL
	})
	if n >= 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// Size returns the number of discovered relays
func (r *Registry) Size() int {
	return r.entries.Size()
}

type observerSets struct {
	Users   []string `json:"users"`
	Writers []string `json:"writers"`
	Readers []string `json:"readers"`
}

type snapshot struct {
	Relays    []DiscoveredRelay       `json:"relays"`
	Observers map[string]observerSets `json:"observers"`
}

func setList(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func setOf(list []string) map[string]struct{} {
	set := make(map[string]struct{}, len(list))
	for _, k := range list {
		set[k] = struct{}{}
	}
	return set
}

// Persist writes the whole registry as one document
func (r *Registry) Persist(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	snap := snapshot{Observers: make(map[string]observerSets)}
	for _, url := range r.urls() {
		e, ok := r.entries.Load(url)
		if !ok {
			continue
		}
		e.mu.Lock()
		snap.Relays = append(snap.Relays, e.relay)
		snap.Observers[url] = observerSets{
			Users:   setList(e.users),
			Writers: setList(e.writers),
			Readers: setList(e.readers),
		}
		e.mu.Unlock()
	}

	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode relay registry: %w", err)
	}
	start := r.clock.Now()
	err = r.store.PutDocument(ctx, r.key, body)
	r.logger.LogStorageOperation("persist_relay_registry", r.clock.Now().Sub(start), err)
	return err
}

// Counts returns how many relays are known and how many answered their last
// probe
func (r *Registry) Counts() (known, online int) {
	r.entries.Range(func(_ string, e *entry) bool {
		known++
		e.mu.Lock()
		if e.relay.IsOnline {
			online++
		}
		e.mu.Unlock()
		return true
	})
	return known, online
}

// Load restores the persisted snapshot. A missing or corrupt document leaves
// the registry empty; it is rewritten on the next persist.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	body, err := r.store.GetDocument(ctx, r.key)
	if errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("no relay registry snapshot, starting empty", "key", r.key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read relay registry: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		r.logger.Warn("relay registry snapshot is corrupt, starting empty", "key", r.key, "error", err)
		return nil
	}

	loaded := 0
	for _, relay := range snap.Relays {
		url := wnostr.NormalizeRelayURL(relay.URL)
		if url == "" {
			continue
		}
		relay.URL = url
		sets := snap.Observers[relay.URL]
		e := &entry{
			relay:   relay,
			users:   setOf(sets.Users),
			writers: setOf(sets.Writers),
			readers: setOf(sets.Readers),
		}
		e.relay.SeenInUsers = max(e.relay.SeenInUsers, len(e.users))
		e.relay.SeenInWrites = max(e.relay.SeenInWrites, len(e.writers))
		e.relay.SeenInReads = max(e.relay.SeenInReads, len(e.readers))
		r.entries.Store(url, e)
		loaded++
	}

	r.logger.Info("relay registry loaded", "relays", loaded)
	return nil
}
