package nostr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sandwichfarm/wotsync/internal/config"
	"github.com/sandwichfarm/wotsync/internal/ops"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrNoRelayAnswered is returned when every relay of a query failed or was skipped
var ErrNoRelayAnswered = errors.New("no relay answered")

// Querier fetches events matching a filter from a set of relays.
// Implementations must bound every call by a timeout.
type Querier interface {
	Query(ctx context.Context, relays []string, filter nostr.Filter) ([]*nostr.Event, error)
}

// Publisher sends one event to one relay
type Publisher interface {
	Publish(ctx context.Context, relay string, event *nostr.Event) error
}

// Prober measures whether a relay answers a minimal request
type Prober interface {
	Probe(ctx context.Context, relay string) (time.Duration, error)
}

// Subscriber streams live events until ctx is cancelled. The channel is
// closed when every relay subscription ended.
type Subscriber interface {
	Subscribe(ctx context.Context, relays []string, filter nostr.Filter) <-chan *nostr.Event
}

// RelaySource chooses the relays a query fans out to
type RelaySource interface {
	QueryRelays() []string
}

// StaticRelays is a fixed relay set
type StaticRelays []string

// QueryRelays returns the set unchanged
func (s StaticRelays) QueryRelays() []string { return s }

// Client provides a high-level interface for interacting with Nostr relays.
// Every relay gets its own rate limiter and circuit breaker so one flaky
// endpoint cannot stall a fan-out.
type Client struct {
	pool        *nostr.SimplePool
	relayConfig *config.Relays
	logger      *ops.Logger

	limiters *xsync.MapOf[string, *rate.Limiter]
	breakers *xsync.MapOf[string, *gobreaker.CircuitBreaker]
}

// New creates a new Nostr client with the given configuration
func New(ctx context.Context, relayConfig *config.Relays, logger *ops.Logger) *Client {
	if logger == nil {
		logger = ops.Default()
	}
	pool := nostr.NewSimplePool(ctx, nostr.WithRelayOptions(
		nostr.WithNoticeHandler(func(notice string) {}),
	))
	return &Client{
		pool:        pool,
		relayConfig: relayConfig,
		logger:      logger.WithComponent("nostr"),
		limiters:    xsync.NewMapOf[string, *rate.Limiter](),
		breakers:    xsync.NewMapOf[string, *gobreaker.CircuitBreaker](),
	}
}

// Pool returns the underlying SimplePool for advanced operations
func (c *Client) Pool() *nostr.SimplePool {
	return c.pool
}

func (c *Client) policy() config.RelayPolicy {
	if c.relayConfig == nil {
		return config.Default().Relays.Policy
	}
	return c.relayConfig.Policy
}

func (c *Client) limiter(relay string) *rate.Limiter {
	l, _ := c.limiters.LoadOrCompute(relay, func() *rate.Limiter {
		p := c.policy()
		if p.RequestsPerSecond <= 0 {
			return rate.NewLimiter(rate.Inf, 1)
		}
		burst := p.Burst
		if burst < 1 {
			burst = 1
		}
		return rate.NewLimiter(rate.Limit(p.RequestsPerSecond), burst)
	})
	return l
}

func (c *Client) breaker(relay string) *gobreaker.CircuitBreaker {
	b, _ := c.breakers.LoadOrCompute(relay, func() *gobreaker.CircuitBreaker {
		p := c.policy()
		failures := uint32(p.BreakerFailures)
		if failures == 0 {
			failures = 3
		}
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        relay,
			MaxRequests: 1,
			Timeout:     time.Duration(p.BreakerCooldownMs) * time.Millisecond,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
		})
	})
	return b
}

// RelayAvailable reports whether a relay's breaker currently lets requests through
func (c *Client) RelayAvailable(relay string) bool {
	b, ok := c.breakers.Load(relay)
	if !ok {
		return true
	}
	return b.State() != gobreaker.StateOpen
}

// Query fans a filter out to every relay, splitting large author lists into
// batches, and returns the deduplicated union. It only fails when no relay
// answered at all.
func (c *Client) Query(ctx context.Context, relays []string, filter nostr.Filter) ([]*nostr.Event, error) {
	if len(relays) == 0 {
		return nil, fmt.Errorf("no relays provided: %w", ErrNoRelayAnswered)
	}

	p := c.policy()
	timeout := time.Duration(p.QueryTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	filters := SplitAuthors(filter, p.AuthorBatchSize)

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		seen     = make(map[string]bool)
		events   = make([]*nostr.Event, 0)
		answered int
		lastErr  error
	)

	for _, relay := range relays {
		wg.Add(1)
		go func(relay string) {
			defer wg.Done()
			start := time.Now()
			got, err := c.queryRelay(queryCtx, relay, filters)
			c.logger.LogRelayQuery(relay, filter.Kinds, time.Since(start), err)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				return
			}
			answered++
			for _, evt := range got {
				if !seen[evt.ID] {
					seen[evt.ID] = true
					events = append(events, evt)
				}
			}
		}(relay)
	}
	wg.Wait()

	if answered == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoRelayAnswered, lastErr)
	}

	// newest first, the order relays use for limited queries
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt > events[j].CreatedAt
	})
	return events, nil
}

func (c *Client) queryRelay(ctx context.Context, url string, filters []nostr.Filter) ([]*nostr.Event, error) {
	res, err := c.breaker(url).Execute(func() (interface{}, error) {
		if err := c.limiter(url).Wait(ctx); err != nil {
			return nil, err
		}
		relay, err := c.pool.EnsureRelay(url)
		if err != nil {
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
		out := make([]*nostr.Event, 0)
		for _, f := range filters {
			evts, err := relay.QuerySync(ctx, f)
			if err != nil {
				return nil, err
			}
			out = append(out, evts...)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]*nostr.Event), nil
}

// Fetch runs a kind-specific query
func (c *Client) Fetch(ctx context.Context, relays []string, q Query) ([]*nostr.Event, error) {
	return c.Query(ctx, relays, q.Filter())
}

// Subscribe opens one subscription per relay and merges their events.
// Duplicates across relays are dropped by the pool.
func (c *Client) Subscribe(ctx context.Context, relays []string, filter nostr.Filter) <-chan *nostr.Event {
	out := make(chan *nostr.Event)
	usable := make([]string, 0, len(relays))
	for _, r := range relays {
		if c.RelayAvailable(r) {
			usable = append(usable, r)
		}
	}

	go func() {
		defer close(out)
		for ie := range c.pool.SubscribeMany(ctx, usable, filter) {
			if ie.Event == nil {
				continue
			}
			select {
			case out <- ie.Event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Publish publishes an event to a single relay
func (c *Client) Publish(ctx context.Context, url string, event *nostr.Event) error {
	_, err := c.breaker(url).Execute(func() (interface{}, error) {
		relay, err := c.pool.EnsureRelay(url)
		if err != nil {
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
		return nil, relay.Publish(ctx, *event)
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", url, err)
	}
	return nil
}

// Probe opens a fresh connection to a relay and issues one minimal REQ,
// returning the round trip time. Pooled connections are not reused so the
// measurement reflects a cold client.
func (c *Client) Probe(ctx context.Context, url string) (time.Duration, error) {
	timeout := time.Duration(c.policy().ProbeTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	relay, err := nostr.RelayConnect(probeCtx, url)
	if err != nil {
		return 0, fmt.Errorf("failed to connect: %w", err)
	}
	defer relay.Close()

	if _, err := relay.QuerySync(probeCtx, nostr.Filter{Kinds: []int{nostr.KindTextNote}, Limit: 1}); err != nil {
		return 0, fmt.Errorf("probe query failed: %w", err)
	}
	return time.Since(start), nil
}

// Close closes all relay connections
func (c *Client) Close() {
	c.pool.Close("client shutting down")
}

// GetSeedRelays returns the configured seed relays
func (c *Client) GetSeedRelays() []string {
	if c.relayConfig == nil {
		return []string{}
	}
	return c.relayConfig.Seeds
}

// SplitAuthors splits a filter with a long author list into filters of at
// most batch authors each. Filters without authors are returned unchanged.
func SplitAuthors(filter nostr.Filter, batch int) []nostr.Filter {
	if batch <= 0 || len(filter.Authors) <= batch {
		return []nostr.Filter{filter}
	}

	out := make([]nostr.Filter, 0, (len(filter.Authors)+batch-1)/batch)
	for start := 0; start < len(filter.Authors); start += batch {
		end := min(start+batch, len(filter.Authors))
		f := filter
		f.Authors = filter.Authors[start:end]
		out = append(out, f)
	}
	return out
}
