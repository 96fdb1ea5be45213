package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtp"

	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/ratelimit"
)

// Forwarders runs one RTP forwarder per relay session. Forwarders stop when
// the allocator releases their session.
type Forwarders struct {
	alloc   *PortAllocator
	cfg     Config
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	m      map[string]*forwarder
}

func NewForwarders(alloc *PortAllocator, cfg Config, clk clock.Clock, m *metrics.Metrics, logger *slog.Logger) *Forwarders {
	if clk == nil {
		clk = clock.New()
	}
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Forwarders{
		alloc:   alloc,
		cfg:     cfg.withDefaults(),
		clock:   clk,
		metrics: m,
		logger:  logger,
		m:       make(map[string]*forwarder),
	}
	alloc.AddOnRelease(func(s RelaySession) {
		f.Stop(s.CallID)
	})
	return f
}

// Start binds the session's RTP port and begins forwarding. Starting an
// already running call is a no-op.
func (f *Forwarders) Start(s RelaySession) error {
	if _, ok := f.alloc.Session(s.CallID); !ok {
		return fmt.Errorf("relay: start forwarder for %q: %w", s.CallID, ErrSessionNotFound)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrForwarderClosed
	}
	if _, ok := f.m[s.CallID]; ok {
		return nil
	}

	ip := f.cfg.ListenIP
	if ip == nil {
		ip = net.IPv4zero
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: s.RTPPort})
	if err != nil {
		return fmt.Errorf("relay: listen rtp %s:%d: %w", ip, s.RTPPort, err)
	}

	fw := &forwarder{
		callID:  s.CallID,
		conn:    conn,
		cfg:     f.cfg,
		clock:   f.clock,
		metrics: f.metrics,
		account: func(pkt []byte) bool { return f.alloc.RelayRTPPacket(pkt, s.CallID) },
		done:    make(chan struct{}),
	}
	if f.cfg.MaxPacketsPerSecond > 0 {
		fw.limiter = ratelimit.NewTokenBucket(f.clock, int64(f.cfg.MaxPacketsPerSecond), int64(f.cfg.BurstPackets))
	}
	f.m[s.CallID] = fw
	go fw.readLoop()

	f.logger.Debug("rtp forwarder started", "call_id", s.CallID, "local_addr", conn.LocalAddr().String())
	return nil
}

// Stop closes the call's forwarder, if any.
func (f *Forwarders) Stop(callID string) {
	f.mu.Lock()
	fw, ok := f.m[callID]
	delete(f.m, callID)
	f.mu.Unlock()
	if ok {
		fw.Close()
		f.logger.Debug("rtp forwarder stopped", "call_id", callID, "rate_limited_packets", fw.rateLimited())
	}
}

// Close stops every forwarder and rejects further starts.
func (f *Forwarders) Close() {
	f.mu.Lock()
	f.closed = true
	all := f.m
	f.m = make(map[string]*forwarder)
	f.mu.Unlock()
	for _, fw := range all {
		fw.Close()
	}
}

func (f *Forwarders) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.m)
}

// LocalAddr reports the bound socket address of the call's forwarder.
func (f *Forwarders) LocalAddr(callID string) (*net.UDPAddr, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fw, ok := f.m[callID]
	if !ok {
		return nil, false
	}
	return fw.conn.LocalAddr().(*net.UDPAddr), true
}

type latchedPeer struct {
	addr     netip.AddrPort
	lastSeen time.Time
}

// forwarder relays RTP between the first two distinct sources that send to
// its socket (symmetric latching).
type forwarder struct {
	callID  string
	conn    *net.UDPConn
	cfg     Config
	clock   clock.Clock
	metrics *metrics.Metrics
	limiter *ratelimit.TokenBucket
	account func([]byte) bool

	mu    sync.Mutex
	peers [2]latchedPeer

	closed atomic.Bool
	once   sync.Once
	done   chan struct{}
}

func (fw *forwarder) Close() {
	fw.once.Do(func() {
		fw.closed.Store(true)
		_ = fw.conn.Close()
	})
	<-fw.done
}

func (fw *forwarder) rateLimited() uint64 {
	if fw.limiter == nil {
		return 0
	}
	return fw.limiter.Denied()
}

func (fw *forwarder) readLoop() {
	defer close(fw.done)

	buf := make([]byte, fw.cfg.ReadBufferBytes)
	var hdr rtp.Header
	for {
		n, remote, err := fw.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || fw.closed.Load() {
				return
			}
			continue
		}
		if n > fw.cfg.MaxPacketBytes {
			fw.metrics.Inc(metrics.RTPDroppedMalformed)
			continue
		}
		pkt := buf[:n]
		if _, err := hdr.Unmarshal(pkt); err != nil || hdr.Version != 2 {
			fw.metrics.Inc(metrics.RTPDroppedMalformed)
			continue
		}

		dst, ok := fw.route(netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port()), fw.clock.Now())
		if !ok {
			continue
		}
		if fw.limiter != nil && !fw.limiter.Allow(1) {
			fw.metrics.Inc(metrics.RTPDroppedRateLimited)
			continue
		}
		if !fw.account(pkt) {
			// Session released underneath us; the release hook closes the socket.
			continue
		}
		_, _ = fw.conn.WriteToUDPAddrPort(pkt, dst)
	}
}

// route latches src if there is room and returns the opposite leg.
func (fw *forwarder) route(src netip.AddrPort, now time.Time) (netip.AddrPort, bool) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	idx := -1
	for i := range fw.peers {
		if fw.peers[i].addr == src {
			idx = i
			break
		}
	}
	if idx < 0 {
		for i := range fw.peers {
			p := fw.peers[i]
			if !p.addr.IsValid() || now.Sub(p.lastSeen) > fw.cfg.LatchTimeout {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		fw.metrics.Inc(metrics.RTPDroppedUnknownPeer)
		return netip.AddrPort{}, false
	}
	fw.peers[idx] = latchedPeer{addr: src, lastSeen: now}

	other := fw.peers[1-idx]
	if !other.addr.IsValid() {
		// Other leg has not sent anything yet.
		return netip.AddrPort{}, false
	}
	return other.addr, true
}
