package nat

import (
	"strconv"
	"strings"
)

// IsPrivateIP reports whether ip is a dotted-quad IPv4 address in one of the
// RFC 1918 ranges (10/8, 172.16/12, 192.168/16). Malformed input is not
// private.
func IsPrivateIP(ip string) bool {
	octets, ok := parseOctets(ip)
	if !ok {
		return false
	}
	switch {
	case octets[0] == 10:
		return true
	case octets[0] == 172 && octets[1] >= 16 && octets[1] <= 31:
		return true
	case octets[0] == 192 && octets[1] == 168:
		return true
	default:
		return false
	}
}

func parseOctets(ip string) ([4]int, bool) {
	var out [4]int
	parts := strings.Split(strings.TrimSpace(ip), ".")
	if len(parts) != 4 {
		return out, false
	}
	for i, p := range parts {
		if p == "" || len(p) > 3 || strings.TrimLeft(p, "0123456789") != "" {
			return out, false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n > 255 {
			return out, false
		}
		out[i] = n
	}
	return out, true
}
