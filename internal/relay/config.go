package relay

import (
	"net"
	"time"
)

// Config tunes the RTP forwarders.
type Config struct {
	// ListenIP is the local address forwarder sockets bind to. When nil they
	// bind to all interfaces; the session's RelayIP may be a public address
	// that is not local to this host.
	ListenIP net.IP

	// MaxPacketBytes is the largest RTP datagram forwarded. Larger datagrams
	// are dropped instead of being forwarded truncated.
	MaxPacketBytes int
	// ReadBufferBytes must exceed MaxPacketBytes so oversized datagrams can be
	// detected.
	ReadBufferBytes int

	// MaxPacketsPerSecond caps RTP packets per call across both legs. Zero
	// disables the cap.
	MaxPacketsPerSecond int
	// BurstPackets is how far a call may run ahead of MaxPacketsPerSecond.
	// Zero allows one second's worth.
	BurstPackets int

	// LatchTimeout forgets a latched peer that has been silent this long, so
	// a re-INVITE to a new address can re-latch.
	LatchTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxPacketBytes:  1500,
		ReadBufferBytes: 1501,
		LatchTimeout:    30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxPacketBytes <= 0 {
		c.MaxPacketBytes = d.MaxPacketBytes
	}
	if c.ReadBufferBytes <= c.MaxPacketBytes {
		c.ReadBufferBytes = c.MaxPacketBytes + 1
	}
	if c.MaxPacketsPerSecond < 0 {
		c.MaxPacketsPerSecond = 0
	}
	if c.BurstPackets < 0 {
		c.BurstPackets = 0
	}
	if c.LatchTimeout <= 0 {
		c.LatchTimeout = d.LatchTimeout
	}
	return c
}

// WithDefaults returns c with any zero/invalid fields replaced with sensible
// defaults.
func (c Config) WithDefaults() Config {
	return c.withDefaults()
}
