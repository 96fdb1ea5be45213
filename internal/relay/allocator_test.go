package relay

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/metrics"
)

func newTestAllocator(t *testing.T, ports []int) (*PortAllocator, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	a := NewPortAllocator(ports, AllocatorOptions{
		Enabled: true,
		RelayIP: "203.0.113.10",
		Clock:   clock.NewMock(),
		Metrics: m,
	})
	return a, m
}

func TestPortsFromRange(t *testing.T) {
	got := PortsFromRange(10000, 10003)
	if len(got) != 4 || got[0] != 10000 || got[3] != 10003 {
		t.Fatalf("PortsFromRange=%v", got)
	}
	if got := PortsFromRange(5, 4); got != nil {
		t.Fatalf("PortsFromRange(5,4)=%v, want nil", got)
	}
}

func TestAllocate_PairsAndIdempotent(t *testing.T) {
	a, m := newTestAllocator(t, PortsFromRange(10000, 10009))

	first := a.Allocate("call-1", "opus")
	if !first.Success {
		t.Fatalf("Allocate failed: %q", first.Reason)
	}
	s := first.Session
	if s.RTPPort != 10000 || s.RTCPPort != 10001 {
		t.Fatalf("ports=%d/%d, want 10000/10001", s.RTPPort, s.RTCPPort)
	}
	if s.RelayIP != "203.0.113.10" || s.Codec != "opus" || s.CallID != "call-1" {
		t.Fatalf("session=%+v", s)
	}
	if s.RTPAddr() != "203.0.113.10:10000" {
		t.Fatalf("RTPAddr=%q", s.RTPAddr())
	}

	again := a.Allocate("call-1", "pcmu")
	if again.Session != s {
		t.Fatalf("second Allocate=%+v, want %+v", again.Session, s)
	}
	if got := m.Get(metrics.RelayAllocated); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.RelayAllocated, got)
	}
	if a.FreePorts() != 8 {
		t.Fatalf("FreePorts=%d, want 8", a.FreePorts())
	}

	second := a.Allocate("call-2", "opus")
	if second.Session.RTPPort != 10002 || second.Session.RTCPPort != 10003 {
		t.Fatalf("call-2 ports=%d/%d, want 10002/10003", second.Session.RTPPort, second.Session.RTCPPort)
	}
}

func TestAllocate_Disabled(t *testing.T) {
	m := metrics.New()
	a := NewPortAllocator(PortsFromRange(10000, 10009), AllocatorOptions{Metrics: m})
	got := a.Allocate("call-1", "opus")
	if got.Success || got.Reason != ReasonRelayDisabled {
		t.Fatalf("Allocate=%+v, want failure %q", got, ReasonRelayDisabled)
	}
	if m.Get(metrics.RelayRejectedDisabled) != 1 {
		t.Fatalf("disabled rejection not counted")
	}
}

func TestAllocate_SinglePortPool(t *testing.T) {
	a, _ := newTestAllocator(t, []int{10000})
	got := a.Allocate("call-1", "pcmu")
	if got.Success || got.Reason != ReasonPortsExhausted {
		t.Fatalf("Allocate=%+v, want failure %q", got, ReasonPortsExhausted)
	}
	if a.ActiveSessions() != 0 {
		t.Fatalf("ActiveSessions=%d, want 0", a.ActiveSessions())
	}
}

func TestAllocate_Exhaustion(t *testing.T) {
	a, m := newTestAllocator(t, PortsFromRange(10000, 10003))
	if !a.Allocate("a", "").Success || !a.Allocate("b", "").Success {
		t.Fatalf("expected two allocations to fit")
	}
	if got := a.Allocate("c", ""); got.Success || got.Reason != ReasonPortsExhausted {
		t.Fatalf("Allocate(c)=%+v, want exhaustion", got)
	}
	if m.Get(metrics.RelayRejectedExhausted) != 1 {
		t.Fatalf("exhaustion not counted")
	}
}

func TestAllocate_RTCPOutsidePool(t *testing.T) {
	// Sparse pool: successors are not members.
	a, _ := newTestAllocator(t, []int{10000, 10010})
	got := a.Allocate("a", "")
	if !got.Success || got.Session.RTPPort != 10000 || got.Session.RTCPPort != 10001 {
		t.Fatalf("Allocate=%+v", got)
	}
	if a.FreePorts() != 1 {
		t.Fatalf("FreePorts=%d, want 1", a.FreePorts())
	}
	if got := a.Allocate("b", ""); got.Success {
		t.Fatalf("Allocate(b)=%+v, want failure with one free port", got)
	}

	a.Release("a")
	if a.FreePorts() != 2 {
		t.Fatalf("FreePorts after release=%d, want 2 (non-member rtcp port must not join the pool)", a.FreePorts())
	}
}

func TestAllocate_NeverReusesHeldPorts(t *testing.T) {
	a, _ := newTestAllocator(t, PortsFromRange(10000, 10007))

	a.Allocate("a", "")
	b := a.Allocate("b", "").Session
	a.Allocate("c", "")
	a.Release("b")
	d := a.Allocate("d", "").Session

	if d.RTPPort != b.RTPPort {
		t.Fatalf("expected released pair to be reused, got %d want %d", d.RTPPort, b.RTPPort)
	}

	seen := map[int]string{}
	for _, s := range a.Sessions() {
		for _, p := range []int{s.RTPPort, s.RTCPPort} {
			if owner, dup := seen[p]; dup {
				t.Fatalf("port %d held by both %s and %s", p, owner, s.CallID)
			}
			seen[p] = s.CallID
		}
	}
}

func TestAllocate_SkipsPortWhoseSuccessorIsHeld(t *testing.T) {
	a, _ := newTestAllocator(t, PortsFromRange(10000, 10005))

	// Simulate 10001 being held by another call while 10000 is free.
	a.mu.Lock()
	delete(a.free, 10001)
	a.held[10001] = "other"
	a.mu.Unlock()

	got := a.Allocate("c", "").Session
	if got.RTPPort != 10002 || got.RTCPPort != 10003 {
		t.Fatalf("ports=%d/%d, want 10002/10003", got.RTPPort, got.RTCPPort)
	}
}

func TestRelease_RunsHooksOnce(t *testing.T) {
	a, m := newTestAllocator(t, PortsFromRange(10000, 10009))
	a.Allocate("call-1", "opus")

	var order []string
	a.AddOnRelease(func(s RelaySession) { order = append(order, "first:"+s.CallID) })
	a.AddOnRelease(func(s RelaySession) { order = append(order, "second:"+s.CallID) })

	if !a.Release("call-1") {
		t.Fatalf("Release returned false for active session")
	}
	if a.Release("call-1") {
		t.Fatalf("second Release returned true")
	}
	if len(order) != 2 || order[0] != "first:call-1" || order[1] != "second:call-1" {
		t.Fatalf("hooks=%v", order)
	}
	if a.FreePorts() != 10 {
		t.Fatalf("FreePorts=%d, want 10", a.FreePorts())
	}
	if m.Get(metrics.RelayReleased) != 1 {
		t.Fatalf("release not counted once")
	}
}

func TestRelayRTPPacket(t *testing.T) {
	a, m := newTestAllocator(t, PortsFromRange(10000, 10009))

	if a.RelayRTPPacket(make([]byte, 172), "missing") {
		t.Fatalf("RelayRTPPacket succeeded without a session")
	}
	if a.RelayedBytes() != 0 {
		t.Fatalf("RelayedBytes=%d, want 0", a.RelayedBytes())
	}

	a.Allocate("call-1", "pcmu")
	for i := 0; i < 3; i++ {
		if !a.RelayRTPPacket(make([]byte, 172), "call-1") {
			t.Fatalf("RelayRTPPacket failed with active session")
		}
	}
	if a.RelayedBytes() != 516 || a.RelayedPackets() != 3 {
		t.Fatalf("bytes=%d packets=%d, want 516/3", a.RelayedBytes(), a.RelayedPackets())
	}
	if m.Get(metrics.RTPPacketsRelayed) != 3 || m.Get(metrics.RTPDroppedNoSession) != 1 {
		t.Fatalf("metrics=%v", m.Snapshot())
	}

	a.Release("call-1")
	if a.RelayRTPPacket([]byte{1}, "call-1") {
		t.Fatalf("RelayRTPPacket succeeded after release")
	}
}

func TestAllocate_RecordsClockTime(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(90 * time.Minute)
	a := NewPortAllocator(PortsFromRange(10000, 10001), AllocatorOptions{Enabled: true, Clock: clk})
	s := a.Allocate("x", "").Session
	if !s.AllocatedAt.Equal(clk.Now()) {
		t.Fatalf("AllocatedAt=%v, want %v", s.AllocatedAt, clk.Now())
	}
}

func TestAllocate_Concurrent(t *testing.T) {
	a, _ := newTestAllocator(t, PortsFromRange(10000, 10199))

	var wg sync.WaitGroup
	results := make([]Allocation, 150)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = a.Allocate(fmt.Sprintf("call-%d", i), "")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
		}
	}
	if ok != 100 {
		t.Fatalf("successful allocations=%d, want 100 (200 ports / 2)", ok)
	}
	if a.FreePorts() != 0 {
		t.Fatalf("FreePorts=%d, want 0", a.FreePorts())
	}
}
