package sipmsg

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/nat"
)

type Direction string

const (
	// Inbound is public network -> PBX.
	Inbound Direction = "inbound"
	// Outbound is PBX -> public network.
	Outbound Direction = "outbound"
)

// SBCBranchPrefix marks Via branches the SBC inserted (RFC 3261 magic cookie
// followed by an SBC tag).
const SBCBranchPrefix = "z9hG4bK-sbc-"

// Default SIP port advertised in the Via the SBC prepends.
const sbcViaPort = 5060

// Headers whose embedded addresses leak internal topology on the way out.
var outboundAddressHeaders = []string{HeaderVia, HeaderContact, HeaderRecordRoute, HeaderRecordRoute2}

var ipv4Literal = regexp.MustCompile(`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`)

// Rewriter hides internal addressing behind the SBC's public IP.
type Rewriter struct {
	publicIP  string
	newBranch func() string
}

func NewRewriter(publicIP string) *Rewriter {
	return &Rewriter{
		publicIP:  publicIP,
		newBranch: uuid.NewString,
	}
}

func (r *Rewriter) PublicIP() string {
	return r.publicIP
}

// HideTopology returns a rewritten copy of msg; msg itself is never modified.
// Unknown directions, a nil message, or an unset public IP pass through.
func (r *Rewriter) HideTopology(msg *Message, dir Direction) *Message {
	if msg == nil || r.publicIP == "" {
		return msg
	}
	switch dir {
	case Outbound:
		out := msg.Clone()
		for key, value := range out.Headers {
			if isOutboundAddressHeader(key) {
				out.Headers[key] = ReplacePrivateIPs(value, r.publicIP)
			}
		}
		return out
	case Inbound:
		out := msg.Clone()
		if out.Body != "" {
			out.Body = RewriteConnectionAddress(out.Body, r.publicIP)
		}
		via := fmt.Sprintf("SIP/2.0/UDP %s:%d;branch=%s%s", r.publicIP, sbcViaPort, SBCBranchPrefix, r.newBranch())
		if existing, ok := out.Header(HeaderVia); ok && strings.TrimSpace(existing) != "" {
			via = via + ", " + existing
		}
		out.SetHeader(HeaderVia, via)
		return out
	default:
		return msg
	}
}

func isOutboundAddressHeader(name string) bool {
	for _, h := range outboundAddressHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// ReplacePrivateIPs substitutes every RFC 1918 IPv4 literal in s with
// publicIP, leaving ports, parameters, and public addresses untouched.
func ReplacePrivateIPs(s, publicIP string) string {
	matches := ipv4Literal.FindAllStringIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		// Skip digits that are part of a longer dotted run, e.g. a version.
		if (start > 0 && isDotOrDigit(s[start-1])) || (end < len(s) && isDigit(s[end])) {
			continue
		}
		if !nat.IsPrivateIP(s[start:end]) {
			continue
		}
		b.WriteString(s[last:start])
		b.WriteString(publicIP)
		last = end
	}
	b.WriteString(s[last:])
	return b.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isDotOrDigit(c byte) bool { return c == '.' || isDigit(c) }
