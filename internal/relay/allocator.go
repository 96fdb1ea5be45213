package relay

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/metrics"
)

type AllocatorOptions struct {
	// Enabled mirrors the media_relay feature flag. A disabled allocator
	// rejects every allocation with ReasonRelayDisabled.
	Enabled bool
	// RelayIP is the address advertised in relay sessions.
	RelayIP string

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// PortAllocator hands out RTP/RTCP port pairs from a fixed pool, one pair per
// call id.
type PortAllocator struct {
	enabled bool
	relayIP string
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu sync.Mutex
	// ports is the configured pool in ascending order; members is the same set
	// for lookups.
	ports    []int
	members  map[int]struct{}
	free     map[int]struct{}
	held     map[int]string
	sessions map[string]RelaySession

	relayedBytes   uint64
	relayedPackets uint64

	onRelease func(RelaySession)
}

// PortsFromRange lists every port in [min, max].
func PortsFromRange(min, max uint16) []int {
	if max < min {
		return nil
	}
	out := make([]int, 0, int(max)-int(min)+1)
	for p := int(min); p <= int(max); p++ {
		out = append(out, p)
	}
	return out
}

func NewPortAllocator(ports []int, opts AllocatorOptions) *PortAllocator {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	a := &PortAllocator{
		enabled:  opts.Enabled,
		relayIP:  opts.RelayIP,
		clock:    clk,
		metrics:  m,
		logger:   logger,
		members:  make(map[int]struct{}, len(ports)),
		free:     make(map[int]struct{}, len(ports)),
		held:     make(map[int]string),
		sessions: make(map[string]RelaySession),
	}
	for _, p := range ports {
		if p <= 0 || p > 65535 {
			continue
		}
		if _, dup := a.members[p]; dup {
			continue
		}
		a.members[p] = struct{}{}
		a.free[p] = struct{}{}
		a.ports = append(a.ports, p)
	}
	sort.Ints(a.ports)
	return a
}

// Allocate returns the relay session for callID, creating it if needed.
// Calling it again for an allocated call returns the existing session
// unchanged.
func (a *PortAllocator) Allocate(callID, codec string) Allocation {
	if !a.enabled {
		a.metrics.Inc(metrics.RelayRejectedDisabled)
		return Allocation{Reason: ReasonRelayDisabled}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if s, ok := a.sessions[callID]; ok {
		return Allocation{Success: true, Session: s}
	}

	rtp, ok := a.pickLocked()
	if !ok {
		a.metrics.Inc(metrics.RelayRejectedExhausted)
		a.logger.Warn("relay port pool exhausted", "call_id", callID, "free_ports", len(a.free))
		return Allocation{Reason: ReasonPortsExhausted}
	}
	rtcp := rtp + 1

	delete(a.free, rtp)
	delete(a.free, rtcp)
	a.held[rtp] = callID
	a.held[rtcp] = callID

	s := RelaySession{
		CallID:      callID,
		RTPPort:     rtp,
		RTCPPort:    rtcp,
		RelayIP:     a.relayIP,
		Codec:       codec,
		AllocatedAt: a.clock.Now(),
	}
	a.sessions[callID] = s
	a.metrics.Inc(metrics.RelayAllocated)
	a.logger.Debug("relay allocated", "call_id", callID, "rtp_port", rtp, "rtcp_port", rtcp, "codec", codec)
	return Allocation{Success: true, Session: s}
}

// pickLocked finds the lowest free port whose successor is not held by any
// call. The successor does not need to be in the pool.
func (a *PortAllocator) pickLocked() (int, bool) {
	if len(a.free) < 2 {
		return 0, false
	}
	for _, p := range a.ports {
		if _, ok := a.free[p]; !ok {
			continue
		}
		if p+1 > 65535 {
			continue
		}
		if _, taken := a.held[p+1]; taken {
			continue
		}
		return p, true
	}
	return 0, false
}

// Release returns the call's ports to the pool and runs the release hooks. It
// is a no-op for unknown call ids.
func (a *PortAllocator) Release(callID string) bool {
	a.mu.Lock()
	s, ok := a.sessions[callID]
	if !ok {
		a.mu.Unlock()
		return false
	}
	delete(a.sessions, callID)
	for _, p := range []int{s.RTPPort, s.RTCPPort} {
		delete(a.held, p)
		// RTCP ports borrowed from outside the configured range are not
		// added to the pool.
		if _, member := a.members[p]; member {
			a.free[p] = struct{}{}
		}
	}
	onRelease := a.onRelease
	a.mu.Unlock()

	a.metrics.Inc(metrics.RelayReleased)
	a.logger.Debug("relay released", "call_id", callID, "rtp_port", s.RTPPort)
	if onRelease != nil {
		onRelease(s)
	}
	return true
}

// AddOnRelease registers fn to run after a session is released. Callbacks
// are chained in registration order.
func (a *PortAllocator) AddOnRelease(fn func(RelaySession)) {
	if fn == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.onRelease
	a.onRelease = func(s RelaySession) {
		if prev != nil {
			prev(s)
		}
		fn(s)
	}
}

// RelayRTPPacket accounts one RTP packet for callID. It reports false, and
// records nothing, when the call has no relay session.
func (a *PortAllocator) RelayRTPPacket(packet []byte, callID string) bool {
	a.mu.Lock()
	if _, ok := a.sessions[callID]; !ok {
		a.mu.Unlock()
		a.metrics.Inc(metrics.RTPDroppedNoSession)
		return false
	}
	a.relayedBytes += uint64(len(packet))
	a.relayedPackets++
	a.mu.Unlock()

	a.metrics.Inc(metrics.RTPPacketsRelayed)
	return true
}

func (a *PortAllocator) Enabled() bool { return a.enabled }

func (a *PortAllocator) Session(callID string) (RelaySession, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[callID]
	return s, ok
}

// Sessions returns a copy of all active sessions, ordered by RTP port.
func (a *PortAllocator) Sessions() []RelaySession {
	a.mu.Lock()
	out := make([]RelaySession, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, s)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RTPPort < out[j].RTPPort })
	return out
}

func (a *PortAllocator) ActiveSessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

func (a *PortAllocator) FreePorts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}

func (a *PortAllocator) RelayedBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.relayedBytes
}

func (a *PortAllocator) RelayedPackets() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.relayedPackets
}
