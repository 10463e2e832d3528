package metrics

import "sync"

// Counter names used across the bridge.
const (
	PeersJoined          = "peers_joined"
	PeersLeft            = "peers_left"
	BroadcasterConflicts = "broadcaster_conflicts"
	TransportsCreated    = "transports_created"
	ProducersCreated     = "producers_created"
	ProducersReplaced    = "producers_replaced"
	ConsumersCreated     = "consumers_created"
	ConsumersResumed     = "consumers_resumed"
	CascadedCloses       = "cascaded_closes"
	TeardownErrors       = "teardown_errors_suppressed"
	RateLimitedMessages  = "rate_limited_messages"
	BadMessages          = "bad_messages"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The bridge is expected to plug into a real metrics backend eventually; this
// type keeps lifecycle logic testable while still exposing counters for
// scraping via the Prometheus text handler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
