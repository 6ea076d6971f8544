package metrics

import "sync"

// Event counter names used across the signaling server.
const (
	HandshakeRejected  = "handshake_rejected"
	AuthAccepted       = "auth_accepted"
	AuthRejected       = "auth_rejected"
	UnauthorizedEvent  = "unauthorized_message"
	RoomCreated        = "room_created"
	RoomCreateConflict = "room_create_conflict"
	RoomJoinRequested  = "room_join_requested"
	RoomJoinNotFound   = "room_join_not_found"
	RoomJoinAccepted   = "room_join_accepted"
	RoomJoinRejected   = "room_join_rejected"
	RelayedCandidate   = "relayed_ice_candidate"
	RelayedDescription = "relayed_session_description"
	PeerConnected      = "peer_connected"
	PeerDisconnected   = "peer_disconnected"
	RateLimited        = "rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry. It keeps protocol
// decisions observable and testable without pulling a metrics backend into the
// router.
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
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
