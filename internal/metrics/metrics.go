package metrics

import "sync"

// Event counter names.
const (
	RoomsCreated       = "rooms_created"
	RoomsJoined        = "rooms_joined"
	RoomsDestroyed     = "rooms_destroyed"
	MessagesRelayed    = "messages_relayed"
	SignalsRelayed     = "signals_relayed"
	TransfersStarted   = "transfers_started"
	TransfersCompleted = "transfers_completed"
	TransfersCancelled = "transfers_cancelled"
	ChunksRelayed      = "chunks_relayed"
	DropRateLimited    = "drop_rate_limited"
	DropBlocked        = "drop_blocked"
	DropBadEvent       = "drop_bad_event"
	OriginRejected     = "origin_rejected"
	ClusterErrors      = "cluster_errors"
)

// Metrics is a minimal, concurrency-safe counter registry. It keeps the
// enforcement logic testable without binding the gateway to a particular
// metrics backend.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
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
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
