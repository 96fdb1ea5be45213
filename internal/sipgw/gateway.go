package sipgw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/admission"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/relay"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/sbc"
	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/sipmsg"
)

const (
	userAgent = "aero-sbc"

	statusForbidden          = 403
	statusServiceUnavailable = 503
	statusBadGateway         = 502
	statusNotAcceptableHere  = 488

	// maxNATSources bounds the set of REGISTER sources already classified.
	maxNATSources = 8192
	// defaultNATBudget covers the four binding tests of one classification.
	defaultNATBudget = 10 * time.Second
)

type Options struct {
	SBC *sbc.SessionBorderController
	// Forwarders, when set, starts an RTP forwarder for every relay session
	// the gateway allocates.
	Forwarders *relay.Forwarders
	// PBXAddr is the internal PBX as host:port.
	PBXAddr string
	// NATBudget bounds one background NAT classification.
	NATBudget time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Gateway proxies SIP between untrusted peers and the PBX.
type Gateway struct {
	sbc        *sbc.SessionBorderController
	forwarders *relay.Forwarders
	pbxAddr    string
	pbxHost    string
	publicIP   string
	natBudget  time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	natSeen *lru.Cache[string, struct{}]
}

func New(opts Options) (*Gateway, error) {
	if opts.SBC == nil {
		return nil, ErrNoSBC
	}
	if opts.PBXAddr == "" {
		return nil, ErrNoPBX
	}
	pbxHost, _, err := net.SplitHostPort(opts.PBXAddr)
	if err != nil {
		return nil, fmt.Errorf("sipgw: invalid PBX address %q: %w", opts.PBXAddr, err)
	}
	if opts.NATBudget <= 0 {
		opts.NATBudget = defaultNATBudget
	}
	if opts.Metrics == nil {
		opts.Metrics = opts.SBC.Metrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	natSeen, err := lru.New[string, struct{}](maxNATSources)
	if err != nil {
		return nil, fmt.Errorf("sipgw: %w", err)
	}

	publicIP := opts.SBC.Config().PublicIP
	ua, err := sipgo.NewUA(sipgo.WithUserAgent(userAgent))
	if err != nil {
		return nil, fmt.Errorf("sipgw: create user agent: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		_ = ua.Close()
		return nil, fmt.Errorf("sipgw: create server: %w", err)
	}
	clientOpts := []sipgo.ClientOption{}
	if publicIP != "" {
		clientOpts = append(clientOpts, sipgo.WithClientHostname(publicIP))
	}
	client, err := sipgo.NewClient(ua, clientOpts...)
	if err != nil {
		_ = ua.Close()
		return nil, fmt.Errorf("sipgw: create client: %w", err)
	}

	g := &Gateway{
		sbc:        opts.SBC,
		forwarders: opts.Forwarders,
		pbxAddr:    opts.PBXAddr,
		pbxHost:    pbxHost,
		publicIP:   publicIP,
		natBudget:  opts.NATBudget,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		ua:         ua,
		server:     server,
		client:     client,
		natSeen:    natSeen,
	}

	server.OnInvite(g.handleRequest)
	server.OnBye(g.handleRequest)
	server.OnCancel(g.handleRequest)
	server.OnRegister(g.handleRequest)
	server.OnOptions(g.handleRequest)
	server.OnInfo(g.handleRequest)
	server.OnUpdate(g.handleRequest)
	server.OnRefer(g.handleRequest)
	server.OnNotify(g.handleRequest)
	server.OnMessage(g.handleRequest)
	server.OnSubscribe(g.handleRequest)
	server.OnAck(g.handleAck)
	return g, nil
}

// ListenAndServe serves SIP on network ("udp" or "tcp") until ctx is done.
func (g *Gateway) ListenAndServe(ctx context.Context, network, addr string) error {
	g.logger.Info("sip gateway listening", "network", network, "addr", addr, "pbx", g.pbxAddr)
	err := g.server.ListenAndServe(ctx, network, addr)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (g *Gateway) Close() error {
	return g.ua.Close()
}

func (g *Gateway) fromPBX(source string) bool {
	return hostOf(source) == g.pbxHost
}

// destination picks the next hop: the PBX for inbound traffic, the
// request-URI for traffic leaving the PBX.
func (g *Gateway) destination(req *sip.Request, outbound bool) string {
	if outbound {
		return recipientAddr(req.Recipient)
	}
	return g.pbxAddr
}

// screen runs req through the border controller and rewrites it in place.
// A non-zero status means the request must be rejected with that status.
func (g *Gateway) screen(req *sip.Request, outbound bool) (int, string) {
	msg := toMessage(req)
	if outbound {
		res := g.sbc.ProcessOutboundSIP(msg)
		hideAddresses(requestHeaders(req), msg, res.Message, g.publicIP)
		return 0, ""
	}

	res := g.sbc.ProcessInboundSIP(msg, hostOf(req.Source()))
	switch res.Action {
	case sbc.ActionBlock:
		if res.Reason == sbc.ReasonRateLimited {
			return statusServiceUnavailable, res.Reason
		}
		return statusForbidden, res.Reason
	}
	if res.Message == nil || res.Message == msg {
		return 0, ""
	}
	// Stripped headers and the SDP are copied back; the gateway's own Via is
	// added by the client on send.
	dropStripped(requestHeaders(req), res.Message)
	if isSDP(req, req.Body()) {
		applyBody(req, res.Message.Body)
	}
	return 0, ""
}

// hideResponse applies outbound topology hiding to a PBX response headed for
// an untrusted peer.
func (g *Gateway) hideResponse(res *sip.Response) {
	in := responseMessage(res)
	out := g.sbc.ProcessOutboundSIP(in)
	hideAddresses(responseHeaders(res), in, out.Message, g.publicIP)
}

func (g *Gateway) handleRequest(req *sip.Request, tx sip.ServerTransaction) {
	outbound := g.fromPBX(req.Source())
	callID := callIDOf(req)

	if status, reason := g.screen(req, outbound); status != 0 {
		g.reply(tx, req, status, reason)
		return
	}

	var onResponse func(*sip.Response)
	admitted := false
	switch req.Method {
	case sip.INVITE:
		if outbound {
			break
		}
		var status int
		var reason string
		onResponse, admitted, status, reason = g.routeInvite(req, callID)
		if status != 0 {
			g.reply(tx, req, status, reason)
			return
		}
	case sip.BYE:
		defer g.sbc.ReleaseCallResources(callID)
	case sip.CANCEL:
		if g.cancelEndsCall(req, callID) {
			defer g.sbc.ReleaseCallResources(callID)
		}
	case sip.REGISTER:
		if !outbound {
			g.classifyNAT(req)
		}
	}

	if err := g.proxy(req, tx, g.destination(req, outbound), outbound, onResponse); err != nil && admitted {
		g.sbc.ReleaseCallResources(callID)
	}
}

// cancelEndsCall reports whether a CANCEL abandons a call that never got
// answered. Cancelling a re-INVITE, or a CANCEL racing the 2xx, leaves the
// call up.
func (g *Gateway) cancelEndsCall(req *sip.Request, callID string) bool {
	if toTag(req) != "" {
		return false
	}
	h, ok := g.sbc.Admission().Handle(callID)
	return !ok || h.State() != admission.StateActive
}

// routeInvite prepares an inbound INVITE for forwarding. A new call is
// admitted (initial is true); a re-INVITE rides on the call's existing
// admission and relay port. A non-zero status is the rejection to send.
func (g *Gateway) routeInvite(req *sip.Request, callID string) (onResponse func(*sip.Response), initial bool, status int, reason string) {
	if g.inDialog(req, callID) {
		g.reanchorOffer(req, callID)
		return func(res *sip.Response) { g.onReinviteResponse(callID, res) }, false, 0, ""
	}
	status, reason, ok := g.admitInvite(req, callID)
	if !ok {
		return nil, false, status, reason
	}
	return func(res *sip.Response) { g.onInviteResponse(callID, res) }, true, 0, ""
}

// inDialog reports whether req belongs to an established dialog: it carries
// a To tag, or the call already holds admission or relay resources. Such
// requests are never charged or released.
func (g *Gateway) inDialog(req *sip.Request, callID string) bool {
	if toTag(req) != "" {
		return true
	}
	if _, ok := g.sbc.Admission().Handle(callID); ok {
		return true
	}
	_, ok := g.sbc.Relay().Session(callID)
	return ok
}

func (g *Gateway) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	outbound := g.fromPBX(req.Source())
	if status, _ := g.screen(req, outbound); status != 0 {
		return
	}
	req.SetDestination(g.destination(req, outbound))
	if err := g.client.WriteRequest(req, sipgo.ClientRequestAddVia); err != nil {
		g.logger.Warn("forward ack failed", "call_id", callIDOf(req), "err", err)
	}
}

// admitInvite charges the call against admission control and anchors its
// media on a relay port. On failure it returns the rejection to send.
func (g *Gateway) admitInvite(req *sip.Request, callID string) (int, string, bool) {
	body := string(req.Body())
	codec := sipmsg.PrimaryCodec(body)

	d := g.sbc.PerformCallAdmissionControl(admission.Request{CallID: callID, Codec: codec})
	if !d.Admit {
		return statusServiceUnavailable, d.Reason, false
	}
	if !isSDP(req, req.Body()) {
		return 0, "", true
	}

	alloc := g.sbc.AllocateRelay(callID, codec)
	if !alloc.Success {
		if alloc.Reason == relay.ReasonRelayDisabled {
			return 0, "", true
		}
		g.sbc.ReleaseCallResources(callID)
		return statusServiceUnavailable, alloc.Reason, false
	}

	rewritten, err := anchorMedia(body, alloc.Session)
	if err != nil {
		g.logger.Warn("invite offer has no audio to relay", "call_id", callID, "err", err)
		g.sbc.ReleaseCallResources(callID)
		return statusNotAcceptableHere, "Not Acceptable Here", false
	}
	req.SetBody([]byte(rewritten))

	if g.forwarders != nil {
		if err := g.forwarders.Start(alloc.Session); err != nil {
			g.logger.Error("start rtp forwarder failed", "call_id", callID, "err", err)
			g.sbc.ReleaseCallResources(callID)
			return statusServiceUnavailable, relay.ReasonPortsExhausted, false
		}
	}
	return 0, "", true
}

// onInviteResponse starts the call on a 2xx and releases it on a failure.
func (g *Gateway) onInviteResponse(callID string, res *sip.Response) {
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		g.anchorAnswer(callID, res)
		if h, ok := g.sbc.Admission().Handle(callID); ok {
			if err := h.Start(); err != nil {
				g.logger.Warn("start call failed", "call_id", callID, "err", err)
			}
		}
	case res.StatusCode >= 300:
		g.sbc.ReleaseCallResources(callID)
	}
}

// onReinviteResponse re-anchors a 2xx answer. A rejected re-INVITE (491,
// 488, ...) leaves the established call untouched.
func (g *Gateway) onReinviteResponse(callID string, res *sip.Response) {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		g.anchorAnswer(callID, res)
	}
}

// reanchorOffer keeps a re-INVITE offer on the call's existing relay port.
func (g *Gateway) reanchorOffer(req *sip.Request, callID string) {
	s, ok := g.sbc.Relay().Session(callID)
	if !ok || !isSDP(req, req.Body()) {
		return
	}
	rewritten, err := anchorMedia(string(req.Body()), s)
	if err != nil {
		g.logger.Debug("re-invite offer not anchored", "call_id", callID, "err", err)
		return
	}
	req.SetBody([]byte(rewritten))
}

func (g *Gateway) anchorAnswer(callID string, res *sip.Response) {
	s, ok := g.sbc.Relay().Session(callID)
	if !ok || !isSDP(res, res.Body()) {
		return
	}
	if rewritten, err := anchorMedia(string(res.Body()), s); err == nil {
		res.SetBody([]byte(rewritten))
	}
}

// anchorMedia points the SDP's audio stream at the relay session.
func anchorMedia(body string, s relay.RelaySession) (string, error) {
	out, err := sipmsg.RewriteAudioPort(body, s.RTPPort)
	if err != nil {
		return "", err
	}
	if s.RelayIP != "" {
		out = sipmsg.RewriteConnectionAddress(out, s.RelayIP)
	}
	return out, nil
}

// classifyNAT runs one background classification per REGISTER source.
func (g *Gateway) classifyNAT(req *sip.Request) {
	source := hostOf(req.Source())
	if seen, _ := g.natSeen.ContainsOrAdd(source, struct{}{}); seen {
		return
	}
	local := source
	if c := req.Contact(); c != nil && c.Address.Host != "" {
		local = c.Address.Host
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.natBudget)
		defer cancel()
		t := g.sbc.DetectNAT(ctx, local, source)
		g.logger.Info("registration nat classified", "source_ip", source, "contact_ip", local, "nat_type", t)
	}()
}

// proxy forwards req and relays every response back on tx. It returns an
// error when the request could not be sent or its transaction ended without
// a final response.
func (g *Gateway) proxy(req *sip.Request, tx sip.ServerTransaction, dst string, outbound bool, onResponse func(*sip.Response)) error {
	callID := callIDOf(req)
	req.SetDestination(dst)

	ctx := context.Background()
	clTx, err := g.client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia, sipgo.ClientRequestAddRecordRoute)
	if err != nil {
		g.metrics.Inc(metrics.SIPTransactionFailures)
		g.logger.Warn("forward request failed", "method", req.Method.String(), "call_id", callID, "dst", dst, "err", err)
		g.reply(tx, req, statusBadGateway, "Bad Gateway")
		return err
	}
	defer clTx.Terminate()

	final := false
	for {
		select {
		case res, more := <-clTx.Responses():
			if !more {
				return nil
			}
			final = final || res.StatusCode >= 200
			res.SetDestination(req.Source())
			res.RemoveHeader("Via")
			if onResponse != nil {
				onResponse(res)
			}
			// Responses leaving the PBX toward an untrusted peer.
			if !outbound {
				g.hideResponse(res)
			}
			if err := tx.Respond(res); err != nil {
				g.logger.Warn("relay response failed", "call_id", callID, "status", res.StatusCode, "err", err)
			}
		case <-clTx.Done():
			if err := clTx.Err(); err != nil {
				g.metrics.Inc(metrics.SIPTransactionFailures)
				g.logger.Debug("client transaction ended", "call_id", callID, "err", err)
				if !final {
					return err
				}
			}
			return nil
		case <-tx.Done():
			return nil
		}
	}
}

func (g *Gateway) reply(tx sip.ServerTransaction, req *sip.Request, status int, reason string) {
	res := sip.NewResponseFromRequest(req, status, reason, nil)
	if status == statusServiceUnavailable {
		res.AppendHeader(sip.NewHeader("Retry-After", "1"))
	}
	if err := tx.Respond(res); err != nil {
		g.logger.Warn("send response failed", "call_id", callIDOf(req), "status", status, "err", err)
	}
}
