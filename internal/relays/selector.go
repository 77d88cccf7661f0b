package relays

// Availability reports whether a relay should currently receive requests
type Availability interface {
	RelayAvailable(relay string) bool
}

// Selector picks the relays queries fan out to: the configured seeds first,
// then the most popular relays the registry last saw online, skipping relays
// whose breaker is open.
type Selector struct {
	seeds     []string
	registry  *Registry
	available Availability
	max       int
}

// NewSelector creates a selector returning at most max relays
func NewSelector(seeds []string, registry *Registry, available Availability, max int) *Selector {
	return &Selector{seeds: seeds, registry: registry, available: available, max: max}
}

// QueryRelays returns the relay set for the next query
func (s *Selector) QueryRelays() []string {
	out := make([]string, 0, s.max)
	seen := make(map[string]bool)
	push := func(url string) bool {
		if url == "" || seen[url] {
			return true
		}
		if s.available != nil && !s.available.RelayAvailable(url) {
			return true
		}
		seen[url] = true
		out = append(out, url)
		return s.max <= 0 || len(out) < s.max
	}

	for _, url := range s.seeds {
		if !push(url) {
			return out
		}
	}
	if s.registry == nil {
		return out
	}
	for _, relay := range s.registry.Popular(-1) {
		if !relay.IsOnline {
			continue
		}
		if !push(relay.URL) {
			break
		}
	}

	// an all-open breaker set would leave nothing; fall back to the seeds
	if len(out) == 0 {
		return append(out, s.seeds...)
	}
	return out
}
