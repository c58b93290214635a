package metrics

import "sync"

// Event counter names used across the relay.
const (
	SignalConnections     = "signal_connections"
	SignalDisconnects     = "signal_disconnects"
	RoomsCreated          = "rooms_created"
	RoomsDestroyed        = "rooms_destroyed"
	ParticipantsJoined    = "participants_joined"
	ParticipantsLeft      = "participants_left"
	EnvelopesRelayed      = "envelopes_relayed"
	EnvelopesBroadcast    = "envelopes_broadcast"
	RelayTargetGone       = "relay_target_gone"
	BoardUpdates          = "board_updates"
	BoardStateServed      = "board_state_served"
	DropReasonRateLimited = "rate_limited"
	DropReasonBadMessage  = "bad_message"
	JoinRejected          = "join_rejected"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay exposes these counters over the Prometheus text format (see
// PrometheusHandler); keeping the registry in-process keeps the signaling
// logic testable without a metrics backend.
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
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
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
