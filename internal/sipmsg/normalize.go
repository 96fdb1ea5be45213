package sipmsg

import (
	"log/slog"
	"strings"
)

// Canonical header names after normalization.
const (
	HeaderVia          = "via"
	HeaderFrom         = "from"
	HeaderTo           = "to"
	HeaderCallID       = "call_id"
	HeaderCSeq         = "cseq"
	HeaderContact      = "contact"
	HeaderRecordRoute  = "record-route"
	HeaderRecordRoute2 = "record_route"
)

var headerAliases = map[string]string{
	"call-id": HeaderCallID,
	"callid":  HeaderCallID,
	"c-seq":   HeaderCSeq,
}

// Headers that fingerprint the internal platform.
var strippedHeaders = map[string]struct{}{
	"user_agent":   {},
	"user-agent":   {},
	"server":       {},
	"organization": {},
}

var requiredHeaders = []string{HeaderVia, HeaderFrom, HeaderTo, HeaderCallID, HeaderCSeq}

var allowedMethods = map[string]struct{}{
	"INVITE":   {},
	"ACK":      {},
	"BYE":      {},
	"CANCEL":   {},
	"REGISTER": {},
	"OPTIONS":  {},
	"INFO":     {},
	"UPDATE":   {},
	"REFER":    {},
	"NOTIFY":   {},
}

// IsAllowedMethod reports whether method is one the SBC forwards. The check
// is case-insensitive.
func IsAllowedMethod(method string) bool {
	_, ok := allowedMethods[strings.ToUpper(strings.TrimSpace(method))]
	return ok
}

// CanonicalHeaderName is the key Normalize files a header named name under.
func CanonicalHeaderName(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := headerAliases[key]; ok {
		return canonical
	}
	return key
}

type Normalizer struct {
	log *slog.Logger
}

func NewNormalizer(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{log: logger}
}

// Normalize returns a copy of msg with lower-case, canonical header names and
// fingerprinting headers removed. Missing required headers and unknown
// methods are logged as warnings; the message is still returned.
func (n *Normalizer) Normalize(msg *Message) *Message {
	if msg == nil {
		return nil
	}
	out := &Message{Method: msg.Method, Body: msg.Body, Headers: make(map[string]string, len(msg.Headers))}
	for name, value := range msg.Headers {
		key := CanonicalHeaderName(name)
		if _, ok := strippedHeaders[key]; ok {
			continue
		}
		out.Headers[key] = value
	}

	for _, h := range requiredHeaders {
		if _, ok := out.Headers[h]; !ok {
			n.log.Warn("Missing required SIP header", "header", h, "method", msg.Method)
		}
	}
	if msg.Method != "" && !IsAllowedMethod(msg.Method) {
		n.log.Warn("Invalid SIP method", "method", msg.Method)
	}
	return out
}
