package nat

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"
)

const DefaultProbeTimeout = 2 * time.Second

var ErrNoMappedAddress = errors.New("nat: no mapped address in binding response")

// ChangeRequest asks the STUN server to answer from a different IP and/or
// port (RFC 3489 CHANGE-REQUEST).
type ChangeRequest struct {
	ChangeIP   bool
	ChangePort bool
}

// Prober sends binding requests from a single local socket, so every test of
// one classification observes the same NAT mapping.
type Prober interface {
	Binding(ctx context.Context, server string, change ChangeRequest) (*net.UDPAddr, error)
	Close() error
}

type Config struct {
	Enabled         bool
	PrimaryServer   string
	AlternateServer string
	// Timeout bounds each binding request.
	Timeout time.Duration
	// NewProber opens a prober per classification. Nil uses a UDP STUN prober.
	NewProber func() (Prober, error)
	Logger    *slog.Logger
}

// Classifier runs the RFC 3489 binding test sequence.
type Classifier struct {
	cfg Config
	log *slog.Logger
}

func NewClassifier(cfg Config) *Classifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout
	}
	if cfg.NewProber == nil {
		cfg.NewProber = func() (Prober, error) { return ListenUDPProber("") }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Classifier{cfg: cfg, log: cfg.Logger}
}

// Detect classifies the NAT between localIP and publicIP. It never fails:
// any probe error degrades to TypePortRestricted.
func (c *Classifier) Detect(ctx context.Context, localIP, publicIP string) Type {
	if localIP == publicIP || (!IsPrivateIP(localIP) && localIP != publicIP) {
		return TypeNone
	}
	if !c.cfg.Enabled || c.cfg.PrimaryServer == "" {
		return TypePortRestricted
	}

	prober, err := c.cfg.NewProber()
	if err != nil {
		c.log.Warn("nat probe socket failed", "err", err)
		return TypePortRestricted
	}
	defer prober.Close()

	t := c.run(ctx, prober)
	c.log.Debug("nat classified", "local_ip", localIP, "public_ip", publicIP, "nat_type", t)
	return t
}

func (c *Classifier) run(ctx context.Context, prober Prober) Type {
	// Test I
	mapped1, err := c.binding(ctx, prober, c.cfg.PrimaryServer, ChangeRequest{})
	if err != nil {
		c.log.Debug("nat test I failed", "server", c.cfg.PrimaryServer, "err", err)
		return TypePortRestricted
	}

	// Test II
	if _, err := c.binding(ctx, prober, c.cfg.PrimaryServer, ChangeRequest{ChangeIP: true, ChangePort: true}); err == nil {
		return TypeFullCone
	}

	// Test III
	if _, err := c.binding(ctx, prober, c.cfg.PrimaryServer, ChangeRequest{ChangePort: true}); err == nil {
		return TypeRestrictedCone
	}

	// Test IV
	if c.cfg.AlternateServer == "" {
		return TypePortRestricted
	}
	mapped4, err := c.binding(ctx, prober, c.cfg.AlternateServer, ChangeRequest{})
	if err != nil {
		c.log.Debug("nat test IV failed", "server", c.cfg.AlternateServer, "err", err)
		return TypePortRestricted
	}
	if mapped4.Port != mapped1.Port {
		return TypeSymmetric
	}
	return TypePortRestricted
}

func (c *Classifier) binding(ctx context.Context, prober Prober, server string, change ChangeRequest) (*net.UDPAddr, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	return prober.Binding(ctx, server, change)
}
