package admission

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/metrics"
)

// Call handle states.
const (
	StateAdmitted = "admitted"
	StateActive   = "active"
	StateReleased = "released"
)

const (
	eventStart   = "start"
	eventRelease = "release"
)

// CallHandle tracks one admitted call. The controller counts the call as
// active from Start until Release.
type CallHandle struct {
	callID string
	kbps   int
	c      *Controller

	// state is only touched with c.mu held.
	state *fsm.FSM
}

func newCallHandle(c *Controller, callID string, kbps int) *CallHandle {
	return &CallHandle{
		callID: callID,
		kbps:   kbps,
		c:      c,
		state: fsm.NewFSM(
			StateAdmitted,
			fsm.Events{
				{Name: eventStart, Src: []string{StateAdmitted}, Dst: StateActive},
				{Name: eventRelease, Src: []string{StateAdmitted, StateActive}, Dst: StateReleased},
			},
			fsm.Callbacks{},
		),
	}
}

func (h *CallHandle) CallID() string { return h.callID }

// Kbps is the bandwidth charged when the handle was created.
func (h *CallHandle) Kbps() int { return h.kbps }

func (h *CallHandle) State() string {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.state.Current()
}

// Start marks the call as set up. The first call increments the controller's
// active session count; later calls are no-ops. Starting a released handle
// returns ErrHandleReleased.
func (h *CallHandle) Start() error {
	c := h.c
	c.mu.Lock()
	switch h.state.Current() {
	case StateActive:
		c.mu.Unlock()
		return nil
	case StateReleased:
		c.mu.Unlock()
		return ErrHandleReleased
	}
	if err := h.state.Event(context.Background(), eventStart); err != nil {
		c.mu.Unlock()
		return err
	}
	c.active++
	active := c.active
	c.mu.Unlock()

	c.metrics.Inc(metrics.CallsStarted)
	c.logger.Debug("call started", "call_id", h.callID, "active_sessions", active)
	return nil
}

// Release is shorthand for releasing the handle's call on its controller.
func (h *CallHandle) Release() bool {
	return h.c.Release(h.callID)
}

// releaseLocked moves the handle to released and reports whether it had been
// started.
func (h *CallHandle) releaseLocked() (started bool) {
	started = h.state.Current() == StateActive
	if h.state.Can(eventRelease) {
		_ = h.state.Event(context.Background(), eventRelease)
	}
	return started
}
