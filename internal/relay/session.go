package relay

import (
	"net"
	"strconv"
	"time"
)

// RelaySession is the media relay state for one call. RTCPPort is always
// RTPPort+1.
type RelaySession struct {
	CallID      string    `json:"call_id"`
	RTPPort     int       `json:"rtp_port"`
	RTCPPort    int       `json:"rtcp_port"`
	RelayIP     string    `json:"relay_ip"`
	Codec       string    `json:"codec"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// RTPAddr is the relay's RTP endpoint as advertised in SDP.
func (s RelaySession) RTPAddr() string {
	return net.JoinHostPort(s.RelayIP, strconv.Itoa(s.RTPPort))
}

// Allocation is the outcome of PortAllocator.Allocate. On failure Reason is
// one of the Reason* constants and Session is the zero value.
type Allocation struct {
	Success bool         `json:"success"`
	Reason  string       `json:"reason,omitempty"`
	Session RelaySession `json:"session"`
}
