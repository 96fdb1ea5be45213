package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pion/stun/v3"
)

const (
	envVarSTUNServer          = "SBC_STUN_SERVER"
	envVarSTUNAlternateServer = "SBC_STUN_ALTERNATE_SERVER"

	DefaultSTUNServer          = "stun.l.google.com:19302"
	DefaultSTUNAlternateServer = "stun1.l.google.com:19302"

	defaultSTUNPort = 3478
)

var errSTUNOnlyUDP = errors.New("only plain stun: (UDP) servers are supported for NAT classification")

// NormalizeSTUNServer accepts either a stun: URI (RFC 7064) or a bare host[:port]
// and returns host:port suitable for dialing over UDP.
func NormalizeSTUNServer(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("STUN server must not be empty")
	}

	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "stun:") && !strings.HasPrefix(lower, "stuns:") {
		raw = "stun:" + raw
	}

	u, err := stun.ParseURI(raw)
	if err != nil {
		return "", fmt.Errorf("invalid STUN server %q: %w", raw, err)
	}
	if u.Scheme != stun.SchemeTypeSTUN {
		return "", fmt.Errorf("%q: %w", raw, errSTUNOnlyUDP)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid STUN server %q (missing host)", raw)
	}
	port := u.Port
	if port == 0 {
		port = defaultSTUNPort
	}
	return net.JoinHostPort(u.Host, strconv.Itoa(port)), nil
}
