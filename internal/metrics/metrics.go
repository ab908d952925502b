package metrics

import "sync"

// Negotiation events.
const (
	SignalMalformed      = "signal_malformed"
	SignalMisrouted      = "signal_misrouted"
	RequestDropped       = "connection_request_dropped"
	RequestGlare         = "connection_request_glare"
	ResponseStale        = "connection_response_stale"
	OfferDropped         = "offer_dropped"
	AnswerStale          = "answer_stale"
	CandidateDropped     = "ice_candidate_dropped"
	CandidateRejected    = "ice_candidate_rejected"
	EngineEventStale     = "engine_event_stale"
	EngineError          = "engine_error"
	NegotiationTimeout   = "negotiation_timeout"
	ConnectionFailed     = "peer_connection_failed"
	PeerConnected        = "peer_connected"
	PeerDisconnected     = "peer_disconnected"
	MessagesSent         = "chat_messages_sent"
	MessagesReceived     = "chat_messages_received"
	SignalingReconnects  = "signaling_reconnects"
	SignalingSendDropped = "signaling_send_dropped"
)

// Relay events.
const (
	RelayClientsJoined     = "relay_clients_joined"
	RelayClientsLeft       = "relay_clients_left"
	RelayDuplicateIdentity = "relay_duplicate_identity"
	RelayMessagesForwarded = "relay_messages_forwarded"
	RelayUnknownTarget     = "relay_unknown_target"
	RelayDroppedBeforeJoin = "relay_dropped_before_join"
	RelayMalformed         = "relay_malformed"
	RelayRateLimited       = "relay_rate_limited"
	RelayWriteDropped      = "relay_write_dropped"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A nil *Metrics is valid and discards everything.
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
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
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

// Snapshot returns a copy of every counter.
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
