package sbc

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/admission"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/config"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/nat"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/policy"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/relay"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/sipmsg"
)

type Action string

const (
	ActionForward Action = "forward"
	ActionBlock   Action = "block"
)

const (
	ReasonBlacklisted = "Blacklisted IP"
	ReasonRateLimited = "Rate limit exceeded"
)

// maxNATObservations bounds the per-source NAT classification history.
const maxNATObservations = 4096

// Result is the outcome of processing one SIP message. Message is set when
// Action is ActionForward.
type Result struct {
	Action  Action          `json:"action"`
	Reason  string          `json:"reason,omitempty"`
	Message *sipmsg.Message `json:"message,omitempty"`
}

// Deps are the collaborators of a SessionBorderController. Nil fields are
// built from the SBCConfig passed to New.
type Deps struct {
	AccessList  *policy.AccessList
	RateLimiter *ratelimit.SlidingWindow
	NAT         *nat.Classifier
	Relay       *relay.PortAllocator
	Admission   *admission.Controller
	Rewriter    *sipmsg.Rewriter
	Normalizer  *sipmsg.Normalizer

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// NATObservation is the last classification seen for one local address.
type NATObservation struct {
	LocalIP    string    `json:"local_ip"`
	PublicIP   string    `json:"public_ip"`
	Type       nat.Type  `json:"nat_type"`
	DetectedAt time.Time `json:"detected_at"`
}

type SessionBorderController struct {
	cfg config.SBCConfig

	access     *policy.AccessList
	limiter    *ratelimit.SlidingWindow
	nat        *nat.Classifier
	relay      *relay.PortAllocator
	admission  *admission.Controller
	rewriter   *sipmsg.Rewriter
	normalizer *sipmsg.Normalizer

	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	totalRequests   atomic.Uint64
	blockedRequests atomic.Uint64

	natSeen *lru.Cache[string, NATObservation]
}

func New(cfg config.SBCConfig, deps Deps) (*SessionBorderController, error) {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.AccessList == nil {
		deps.AccessList = policy.NewAccessList(policy.NewMemoryStore(), policy.Options{
			Enabled: cfg.Enabled,
			Logger:  deps.Logger,
		})
	}
	if deps.RateLimiter == nil {
		rl, err := ratelimit.NewSlidingWindow(deps.Clock, cfg.RateLimit, config.DefaultRateLimitMaxSources, ratelimit.DefaultWindow)
		if err != nil {
			return nil, fmt.Errorf("sbc: rate limiter: %w", err)
		}
		deps.RateLimiter = rl
	}
	if deps.NAT == nil {
		deps.NAT = nat.NewClassifier(nat.Config{
			Enabled: cfg.STUNEnabled,
			Logger:  deps.Logger,
		})
	}
	if deps.Relay == nil {
		deps.Relay = relay.NewPortAllocator(
			relay.PortsFromRange(config.DefaultRelayPortMin, config.DefaultRelayPortMax),
			relay.AllocatorOptions{
				Enabled: cfg.MediaRelay,
				RelayIP: cfg.PublicIP,
				Clock:   deps.Clock,
				Metrics: deps.Metrics,
				Logger:  deps.Logger,
			},
		)
	}
	if deps.Admission == nil {
		deps.Admission = admission.NewController(admission.Options{
			MaxCalls:         cfg.MaxCalls,
			MaxBandwidthKbps: cfg.MaxBandwidthKbps,
			Metrics:          deps.Metrics,
			Logger:           deps.Logger,
		})
	}
	if deps.Rewriter == nil {
		deps.Rewriter = sipmsg.NewRewriter(cfg.PublicIP)
	}
	if deps.Normalizer == nil {
		deps.Normalizer = sipmsg.NewNormalizer(deps.Logger)
	}

	natSeen, err := lru.New[string, NATObservation](maxNATObservations)
	if err != nil {
		return nil, fmt.Errorf("sbc: nat cache: %w", err)
	}

	return &SessionBorderController{
		cfg:        cfg,
		access:     deps.AccessList,
		limiter:    deps.RateLimiter,
		nat:        deps.NAT,
		relay:      deps.Relay,
		admission:  deps.Admission,
		rewriter:   deps.Rewriter,
		normalizer: deps.Normalizer,
		clock:      deps.Clock,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		natSeen:    natSeen,
	}, nil
}

func (s *SessionBorderController) Config() config.SBCConfig { return s.cfg }

func (s *SessionBorderController) Relay() *relay.PortAllocator { return s.relay }

func (s *SessionBorderController) Admission() *admission.Controller { return s.admission }

func (s *SessionBorderController) Metrics() *metrics.Metrics { return s.metrics }

// ProcessInboundSIP runs a message arriving from the untrusted side through
// the access list, the rate limiter, topology hiding and normalization. A
// disabled SBC forwards the message untouched.
func (s *SessionBorderController) ProcessInboundSIP(msg *sipmsg.Message, sourceIP string) Result {
	s.totalRequests.Add(1)
	s.metrics.Inc(metrics.SIPRequests)

	if !s.cfg.Enabled {
		return Result{Action: ActionForward, Message: msg}
	}

	if s.access.IsBlacklisted(sourceIP) {
		s.blockedRequests.Add(1)
		s.metrics.Inc(metrics.SIPBlockedBlacklist)
		s.logger.Warn("sip request blocked", "source_ip", sourceIP, "reason", ReasonBlacklisted, "call_id", callIDOf(msg))
		return Result{Action: ActionBlock, Reason: ReasonBlacklisted}
	}
	if !s.limiter.Allow(sourceIP) {
		s.blockedRequests.Add(1)
		s.metrics.Inc(metrics.SIPBlockedRateLimit)
		s.logger.Warn("sip request blocked", "source_ip", sourceIP, "reason", ReasonRateLimited)
		return Result{Action: ActionBlock, Reason: ReasonRateLimited}
	}

	out := msg
	if s.cfg.TopologyHiding {
		out = s.rewriter.HideTopology(out, sipmsg.Inbound)
	}
	out = s.normalizer.Normalize(out)

	s.metrics.Inc(metrics.SIPForwardedInbound)
	return Result{Action: ActionForward, Message: out}
}

// ProcessOutboundSIP hides internal addresses on a message leaving for the
// untrusted side.
func (s *SessionBorderController) ProcessOutboundSIP(msg *sipmsg.Message) Result {
	out := msg
	if s.cfg.Enabled && s.cfg.TopologyHiding {
		out = s.rewriter.HideTopology(msg, sipmsg.Outbound)
	}
	s.metrics.Inc(metrics.SIPForwardedOutbound)
	return Result{Action: ActionForward, Message: out}
}

// DetectNAT classifies the NAT between localIP and publicIP and remembers the
// result. It blocks for at most a few STUN round trips and never fails.
func (s *SessionBorderController) DetectNAT(ctx context.Context, localIP, publicIP string) nat.Type {
	t := s.nat.Detect(ctx, localIP, publicIP)
	s.metrics.Inc(metrics.NATClassificationPrefix + t.String())
	s.natSeen.Add(localIP, NATObservation{
		LocalIP:    localIP,
		PublicIP:   publicIP,
		Type:       t,
		DetectedAt: s.clock.Now(),
	})
	return t
}

// NATObservations returns the remembered classifications, oldest first.
func (s *SessionBorderController) NATObservations() []NATObservation {
	keys := s.natSeen.Keys()
	out := make([]NATObservation, 0, len(keys))
	for _, k := range keys {
		if o, ok := s.natSeen.Peek(k); ok {
			out = append(out, o)
		}
	}
	return out
}

func (s *SessionBorderController) AllocateRelay(callID, codec string) relay.Allocation {
	return s.relay.Allocate(callID, codec)
}

func (s *SessionBorderController) ReleaseRelay(callID string) bool {
	return s.relay.Release(callID)
}

func (s *SessionBorderController) RelayRTPPacket(packet []byte, callID string) bool {
	return s.relay.RelayRTPPacket(packet, callID)
}

func (s *SessionBorderController) PerformCallAdmissionControl(req admission.Request) admission.Decision {
	return s.admission.Admit(req)
}

// ReleaseCallResources ends the call's admission and frees its relay ports.
func (s *SessionBorderController) ReleaseCallResources(callID string) {
	s.admission.Release(callID)
	s.relay.Release(callID)
}

func (s *SessionBorderController) AddToBlacklist(ip string) bool { return s.access.AddToBlacklist(ip) }

func (s *SessionBorderController) AddToWhitelist(ip string) bool { return s.access.AddToWhitelist(ip) }

func (s *SessionBorderController) RemoveFromBlacklist(ip string) bool {
	return s.access.RemoveFromBlacklist(ip)
}

func (s *SessionBorderController) RemoveFromWhitelist(ip string) bool {
	return s.access.RemoveFromWhitelist(ip)
}

func (s *SessionBorderController) IsBlacklisted(ip string) bool { return s.access.IsBlacklisted(ip) }

func (s *SessionBorderController) IsWhitelisted(ip string) bool { return s.access.IsWhitelisted(ip) }

func callIDOf(msg *sipmsg.Message) string {
	if msg == nil {
		return ""
	}
	return msg.CallID()
}
