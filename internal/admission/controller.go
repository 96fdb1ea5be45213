package admission

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/metrics"
)

// unknownCallID keys ledger entries for requests without a call id.
const unknownCallID = "unknown"

// Request describes a call asking to be admitted.
type Request struct {
	CallID string `json:"call_id"`
	Codec  string `json:"codec"`
}

// Decision is the admission outcome. Handle is set only when Admit is true.
type Decision struct {
	Admit         bool        `json:"admit"`
	Reason        string      `json:"reason,omitempty"`
	AllocatedKbps int         `json:"allocated_bandwidth,omitempty"`
	Handle        *CallHandle `json:"-"`
}

type Options struct {
	MaxCalls         int
	MaxBandwidthKbps int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Controller enforces the call and bandwidth caps. Admit checks and updates
// under one lock, so two concurrent requests cannot both take the last slot.
type Controller struct {
	maxCalls     int
	maxBandwidth int
	metrics      *metrics.Metrics
	logger       *slog.Logger

	mu       sync.Mutex
	active   int
	current  int
	byCall   map[string]int
	handles  map[string]*CallHandle
	admitted uint64
	rejected uint64
}

func NewController(opts Options) *Controller {
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		maxCalls:     opts.MaxCalls,
		maxBandwidth: opts.MaxBandwidthKbps,
		metrics:      m,
		logger:       logger,
		byCall:       make(map[string]int),
		handles:      make(map[string]*CallHandle),
	}
}

// Admit charges the call's codec estimate against the bandwidth budget.
// Admitting the same call id twice charges it twice and returns the same
// handle while that handle is live.
func (c *Controller) Admit(req Request) Decision {
	callID := req.CallID
	if callID == "" {
		callID = unknownCallID
	}
	kbps := EstimateBandwidth(req.Codec)

	c.mu.Lock()
	if c.active >= c.maxCalls {
		c.rejected++
		active := c.active
		c.mu.Unlock()
		c.metrics.Inc(metrics.CallsRejectedMaxCalls)
		c.logger.Info("call rejected", "call_id", callID, "reason", ReasonMaxCalls, "active_sessions", active)
		return Decision{Reason: ReasonMaxCalls}
	}
	if c.current+kbps > c.maxBandwidth {
		c.rejected++
		current := c.current
		c.mu.Unlock()
		c.metrics.Inc(metrics.CallsRejectedBandwidth)
		c.logger.Info("call rejected", "call_id", callID, "reason", ReasonInsufficientBandwidth,
			"requested_kbps", kbps, "current_kbps", current)
		return Decision{Reason: ReasonInsufficientBandwidth}
	}

	c.byCall[callID] += kbps
	c.current += kbps
	c.admitted++
	h, ok := c.handles[callID]
	if !ok {
		h = newCallHandle(c, callID, kbps)
		c.handles[callID] = h
	}
	c.mu.Unlock()

	c.metrics.Inc(metrics.CallsAdmitted)
	c.logger.Debug("call admitted", "call_id", callID, "codec", req.Codec, "kbps", kbps)
	return Decision{Admit: true, AllocatedKbps: kbps, Handle: h}
}

// Release removes the call from the ledger and ends its handle. The active
// session count drops by one (never below zero) unless the call has a handle
// that was never started. It reports whether a ledger entry existed.
func (c *Controller) Release(callID string) bool {
	if callID == "" {
		callID = unknownCallID
	}

	c.mu.Lock()
	kbps, inLedger := c.byCall[callID]
	if inLedger {
		c.current -= kbps
		delete(c.byCall, callID)
	}

	decrement := true
	if h, ok := c.handles[callID]; ok {
		decrement = h.releaseLocked()
		delete(c.handles, callID)
	}
	if decrement && c.active > 0 {
		c.active--
	}
	c.mu.Unlock()

	if inLedger {
		c.metrics.Inc(metrics.CallsReleased)
		c.logger.Debug("call released", "call_id", callID, "kbps", kbps)
	}
	return inLedger
}

// Handle returns the live handle for callID.
func (c *Controller) Handle(callID string) (*CallHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[callID]
	return h, ok
}

func (c *Controller) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) CurrentBandwidthKbps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Ledger returns a copy of the per-call bandwidth charges.
func (c *Controller) Ledger() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.byCall))
	for k, v := range c.byCall {
		out[k] = v
	}
	return out
}

// CallIDs lists calls currently in the ledger, sorted.
func (c *Controller) CallIDs() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.byCall))
	for k := range c.byCall {
		out = append(out, k)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

type Stats struct {
	ActiveSessions       int    `json:"active_sessions"`
	CurrentBandwidthKbps int    `json:"current_bandwidth_kbps"`
	MaxCalls             int    `json:"max_calls"`
	MaxBandwidthKbps     int    `json:"max_bandwidth_kbps"`
	Admitted             uint64 `json:"admitted"`
	Rejected             uint64 `json:"rejected"`
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		ActiveSessions:       c.active,
		CurrentBandwidthKbps: c.current,
		MaxCalls:             c.maxCalls,
		MaxBandwidthKbps:     c.maxBandwidth,
		Admitted:             c.admitted,
		Rejected:             c.rejected,
	}
}
