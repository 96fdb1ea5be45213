package sipgw

import (
	"net"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/wilsonzlin/aero/proxy/sip-border-controller/internal/sipmsg"
)

const defaultSIPPort = 5060

// toMessage flattens a sipgo request into the header map the border
// controller works on. Repeated headers are comma-joined in order.
func toMessage(req *sip.Request) *sipmsg.Message {
	return sipmsg.New(req.Method.String(), flattenHeaders(req.Headers()), string(req.Body()))
}

// responseMessage is toMessage for responses; responses carry no method.
func responseMessage(res *sip.Response) *sipmsg.Message {
	return sipmsg.New("", flattenHeaders(res.Headers()), string(res.Body()))
}

func flattenHeaders(hs []sip.Header) map[string]string {
	out := make(map[string]string, len(hs))
	for _, h := range hs {
		name := h.Name()
		if prev, ok := out[name]; ok {
			out[name] = prev + ", " + h.Value()
			continue
		}
		out[name] = h.Value()
	}
	return out
}

// hostOf strips the port from a "host:port" source address.
func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// recipientAddr is the host:port a request-URI points at.
func recipientAddr(u sip.Uri) string {
	port := u.Port
	if port <= 0 {
		port = defaultSIPPort
	}
	return net.JoinHostPort(u.Host, strconv.Itoa(port))
}

func callIDOf(m interface{ CallID() *sip.CallIDHeader }) string {
	if h := m.CallID(); h != nil {
		return h.Value()
	}
	return ""
}

// applyBody replaces the message body when the border controller rewrote it.
func applyBody(m interface {
	Body() []byte
	SetBody([]byte)
}, body string) {
	if body == string(m.Body()) {
		return
	}
	m.SetBody([]byte(body))
}

// headerOps is the slice of the sipgo message API the rewrites below need,
// shared by requests and responses.
type headerOps struct {
	all    func() []sip.Header
	get    func(name string) []sip.Header
	remove func(name string)
	add    func(sip.Header)
}

func requestHeaders(r *sip.Request) headerOps {
	return headerOps{
		all:    r.Headers,
		get:    r.GetHeaders,
		remove: func(name string) { r.RemoveHeader(name) },
		add:    r.AppendHeader,
	}
}

func responseHeaders(r *sip.Response) headerOps {
	return headerOps{
		all:    r.Headers,
		get:    r.GetHeaders,
		remove: func(name string) { r.RemoveHeader(name) },
		add:    r.AppendHeader,
	}
}

// addressHeaders carry hosts that outbound topology hiding rewrites.
var addressHeaders = []string{"Via", "Record-Route", "Contact"}

// hideAddresses copies outbound topology hiding onto the wire message:
// every address header whose flattened value the border controller changed
// between before and after has its private hosts replaced with publicIP.
func hideAddresses(h headerOps, before, after *sipmsg.Message, publicIP string) {
	if after == nil || after == before || publicIP == "" {
		return
	}
	for _, name := range addressHeaders {
		was, _ := before.Header(name)
		now, _ := after.Header(name)
		if was == now {
			continue
		}
		rewriteHeaders(h, name, func(s string) string { return sipmsg.ReplacePrivateIPs(s, publicIP) })
	}
}

// rewriteHeaders applies rewrite to every header called name, keeping their
// relative order. Typed headers are edited in place when the host is all that
// changes so sipgo's accessors keep working; anything else is replaced with a
// generic header carrying the rewritten value.
func rewriteHeaders(h headerOps, name string, rewrite func(string) string) {
	hs := h.get(name)
	rebuilt := make([]sip.Header, 0, len(hs))
	replaced := false
	for _, hdr := range hs {
		value := hdr.Value()
		want := rewrite(value)
		if want == value {
			rebuilt = append(rebuilt, hdr)
			continue
		}
		switch v := hdr.(type) {
		case *sip.ViaHeader:
			v.Host = rewrite(v.Host)
		case *sip.ContactHeader:
			v.Address.Host = rewrite(v.Address.Host)
		case *sip.RecordRouteHeader:
			v.Address.Host = rewrite(v.Address.Host)
		}
		if hdr.Value() != want {
			hdr = sip.NewHeader(hdr.Name(), want)
			replaced = true
		}
		rebuilt = append(rebuilt, hdr)
	}
	if !replaced {
		return
	}
	for range hs {
		h.remove(name)
	}
	for _, hdr := range rebuilt {
		h.add(hdr)
	}
}

// dropStripped removes the headers the normalizer left out of normalized,
// i.e. the ones that fingerprint the far side.
func dropStripped(h headerOps, normalized *sipmsg.Message) {
	if normalized == nil {
		return
	}
	var names []string
	for _, hdr := range h.all() {
		if _, ok := normalized.Headers[sipmsg.CanonicalHeaderName(hdr.Name())]; !ok {
			names = append(names, hdr.Name())
		}
	}
	for _, name := range names {
		h.remove(name)
	}
}

// toTag returns the tag parameter of the To header; only in-dialog requests
// carry one.
func toTag(req *sip.Request) string {
	to := req.GetHeader("To")
	if to == nil {
		return ""
	}
	value := to.Value()
	if i := strings.LastIndexByte(value, '>'); i >= 0 {
		value = value[i+1:]
	}
	for _, p := range strings.Split(value, ";") {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		if strings.EqualFold(k, "tag") {
			return v
		}
	}
	return ""
}

func isSDP(m interface{ ContentType() *sip.ContentTypeHeader }, body []byte) bool {
	if len(body) == 0 {
		return false
	}
	ct := m.ContentType()
	if ct == nil {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(ct.Value()), "application/sdp")
}
