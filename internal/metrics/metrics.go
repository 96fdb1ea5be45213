package metrics

import "sync"

// SIP signaling events.
const (
	SIPRequests            = "sip_requests"
	SIPForwardedInbound    = "sip_forwarded_inbound"
	SIPForwardedOutbound   = "sip_forwarded_outbound"
	SIPBlockedBlacklist    = "sip_blocked_blacklist"
	SIPBlockedRateLimit    = "sip_blocked_rate_limit"
	SIPTransactionFailures = "sip_transaction_failures"
)

// Call admission events.
const (
	CallsAdmitted          = "calls_admitted"
	CallsStarted           = "calls_started"
	CallsReleased          = "calls_released"
	CallsRejectedMaxCalls  = "calls_rejected_max_calls"
	CallsRejectedBandwidth = "calls_rejected_bandwidth"
)

// Media relay events.
const (
	RelayAllocated          = "relay_allocated"
	RelayReleased           = "relay_released"
	RelayRejectedDisabled   = "relay_rejected_disabled"
	RelayRejectedExhausted  = "relay_rejected_exhausted"
	RTPPacketsRelayed       = "rtp_packets_relayed"
	RTPDroppedRateLimited   = "rtp_dropped_rate_limited"
	RTPDroppedMalformed     = "rtp_dropped_malformed"
	RTPDroppedUnknownPeer   = "rtp_dropped_unknown_peer"
	RTPDroppedNoSession     = "rtp_dropped_no_session"
	NATClassificationPrefix = "nat_classified_"
)

// Metrics is a minimal, concurrency-safe counter registry. The zero value is
// ready to use.
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

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
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
