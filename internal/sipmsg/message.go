// Package sipmsg is the SBC's transport-independent view of a SIP message and
// the rewrites applied to it: topology hiding and header normalization.
package sipmsg

import "strings"

// Message is a SIP request or response reduced to what policy needs: the
// method (empty for responses), header values by name, and the SDP body.
type Message struct {
	Method  string
	Headers map[string]string
	Body    string
}

func New(method string, headers map[string]string, body string) *Message {
	m := &Message{Method: method, Headers: make(map[string]string, len(headers)), Body: body}
	for k, v := range headers {
		m.Headers[k] = v
	}
	return m
}

// Clone returns a deep copy. A nil message clones to nil.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	return New(m.Method, m.Headers, m.Body)
}

// Header looks a header up by case-insensitive name.
func (m *Message) Header(name string) (string, bool) {
	if v, ok := m.Headers[name]; ok {
		return v, true
	}
	key, ok := m.headerKey(name)
	if !ok {
		return "", false
	}
	return m.Headers[key], true
}

// SetHeader replaces every case-variant of name with a single entry.
func (m *Message) SetHeader(name, value string) {
	for key := range m.Headers {
		if strings.EqualFold(key, name) {
			delete(m.Headers, key)
		}
	}
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[name] = value
}

// CallID returns the Call-ID under any of its accepted spellings.
func (m *Message) CallID() string {
	for _, name := range []string{HeaderCallID, "call-id", "callid", "i"} {
		if v, ok := m.Header(name); ok && v != "" {
			return v
		}
	}
	return ""
}

func (m *Message) headerKey(name string) (string, bool) {
	for key := range m.Headers {
		if strings.EqualFold(key, name) {
			return key, true
		}
	}
	return "", false
}
