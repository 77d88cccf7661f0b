// Package nostrtest provides an in-memory relay network for tests.
package nostrtest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// ErrUnreachable is returned for relays marked down
var ErrUnreachable = errors.New("relay unreachable")

// PK derives a stable 64-hex pubkey from a readable name
func PK(name string) string {
	sum := sha256.Sum256([]byte("pubkey:" + name))
	return hex.EncodeToString(sum[:])
}

// Network is a single shared event set answering every relay the same way,
// which is how the code under test sees a well-replicated network.
type Network struct {
	mu        sync.Mutex
	events    []*nostr.Event
	down      map[string]bool
	failAll   bool
	latency   map[string]time.Duration
	published map[string][]*nostr.Event
	queries   int
}

// NewNetwork creates an empty network
func NewNetwork() *Network {
	return &Network{
		down:      make(map[string]bool),
		latency:   make(map[string]time.Duration),
		published: make(map[string][]*nostr.Event),
	}
}

// Add stores events
func (n *Network) Add(events ...*nostr.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, events...)
}

// FailAll makes every query, publish and probe fail
func (n *Network) FailAll(fail bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failAll = fail
}

// SetDown marks a single relay unreachable
func (n *Network) SetDown(relay string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[relay] = down
}

// SetLatency sets the probe response time of a relay
func (n *Network) SetLatency(relay string, d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latency[relay] = d
}

// Queries reports how many queries were served
func (n *Network) Queries() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.queries
}

// Published returns the events published to a relay
func (n *Network) Published(relay string) []*nostr.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*nostr.Event(nil), n.published[relay]...)
}

func (n *Network) reachable(relays []string) bool {
	if n.failAll {
		return false
	}
	for _, r := range relays {
		if !n.down[r] {
			return true
		}
	}
	return len(relays) == 0
}

// Query returns stored events matching the filter, newest first
func (n *Network) Query(ctx context.Context, relays []string, filter nostr.Filter) ([]*nostr.Event, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queries++

	if !n.reachable(relays) {
		return nil, ErrUnreachable
	}

	out := make([]*nostr.Event, 0)
	for _, evt := range n.events {
		if filter.Matches(evt) {
			out = append(out, evt)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Publish records the event
func (n *Network) Publish(ctx context.Context, relay string, event *nostr.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failAll || n.down[relay] {
		return ErrUnreachable
	}
	n.published[relay] = append(n.published[relay], event)
	return nil
}

// Subscribe replays the stored events matching filter, then stays open until
// ctx is cancelled
func (n *Network) Subscribe(ctx context.Context, relays []string, filter nostr.Filter) <-chan *nostr.Event {
	events, err := n.Query(ctx, relays, filter)
	out := make(chan *nostr.Event)
	go func() {
		defer close(out)
		if err != nil {
			return
		}
		for i := len(events) - 1; i >= 0; i-- {
			select {
			case out <- events[i]:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return out
}

// Probe answers with the configured latency
func (n *Network) Probe(ctx context.Context, relay string) (time.Duration, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failAll || n.down[relay] {
		return 0, ErrUnreachable
	}
	if d, ok := n.latency[relay]; ok {
		return d, nil
	}
	return 100 * time.Millisecond, nil
}

func finish(evt *nostr.Event) *nostr.Event {
	if evt.Tags == nil {
		evt.Tags = nostr.Tags{}
	}
	evt.ID = evt.GetID()
	return evt
}

// FollowList builds a kind 3 event
func FollowList(author string, at int64, follows ...string) *nostr.Event {
	tags := make(nostr.Tags, 0, len(follows))
	for _, f := range follows {
		tags = append(tags, nostr.Tag{"p", f})
	}
	return finish(&nostr.Event{
		PubKey:    author,
		CreatedAt: nostr.Timestamp(at),
		Kind:      nostr.KindFollowList,
		Tags:      tags,
	})
}

// RelayList builds a kind 10002 event from tags of the form {url} or {url, marker}
func RelayList(author string, at int64, entries ...[]string) *nostr.Event {
	tags := make(nostr.Tags, 0, len(entries))
	for _, e := range entries {
		tags = append(tags, append(nostr.Tag{"r"}, e...))
	}
	return finish(&nostr.Event{
		PubKey:    author,
		CreatedAt: nostr.Timestamp(at),
		Kind:      nostr.KindRelayListMetadata,
		Tags:      tags,
	})
}

// Note builds a kind 1 event
func Note(author string, at int64, content string) *nostr.Event {
	return finish(&nostr.Event{
		PubKey:    author,
		CreatedAt: nostr.Timestamp(at),
		Kind:      nostr.KindTextNote,
		Content:   content,
	})
}

// Metadata builds a kind 0 event
func Metadata(author string, at int64, content string) *nostr.Event {
	return finish(&nostr.Event{
		PubKey:    author,
		CreatedAt: nostr.Timestamp(at),
		Kind:      nostr.KindProfileMetadata,
		Content:   content,
	})
}
