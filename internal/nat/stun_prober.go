package nat

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v3"
)

// attrChangeRequest is the RFC 3489 CHANGE-REQUEST attribute. RFC 5389
// dropped it, so pion/stun has no named constant for it.
const attrChangeRequest = stun.AttrType(0x0003)

const (
	changeIPFlag   = 0x04
	changePortFlag = 0x02
)

const maxSTUNMessageBytes = 1500

// AddTo implements stun.Setter.
func (c ChangeRequest) AddTo(m *stun.Message) error {
	var flags byte
	if c.ChangeIP {
		flags |= changeIPFlag
	}
	if c.ChangePort {
		flags |= changePortFlag
	}
	m.Add(attrChangeRequest, []byte{0, 0, 0, flags})
	return nil
}

// UDPProber sends STUN binding requests over one UDP socket.
type UDPProber struct {
	mu   sync.Mutex
	conn *net.UDPConn
}

// ListenUDPProber binds laddr ("" for an ephemeral IPv4 port).
func ListenUDPProber(laddr string) (*UDPProber, error) {
	addr := &net.UDPAddr{IP: net.IPv4zero}
	if laddr != "" {
		var err error
		addr, err = net.ResolveUDPAddr("udp4", laddr)
		if err != nil {
			return nil, fmt.Errorf("nat: resolve %q: %w", laddr, err)
		}
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("nat: listen: %w", err)
	}
	return &UDPProber{conn: conn}, nil
}

func (p *UDPProber) LocalAddr() net.Addr {
	return p.conn.LocalAddr()
}

func (p *UDPProber) Close() error {
	return p.conn.Close()
}

func (p *UDPProber) Binding(ctx context.Context, server string, change ChangeRequest) (*net.UDPAddr, error) {
	serverAddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, fmt.Errorf("nat: resolve %q: %w", server, err)
	}

	setters := []stun.Setter{stun.TransactionID, stun.BindingRequest}
	if change.ChangeIP || change.ChangePort {
		setters = append(setters, change)
	}
	req, err := stun.Build(setters...)
	if err != nil {
		return nil, fmt.Errorf("nat: build binding request: %w", err)
	}

	deadline := time.Now().Add(DefaultProbeTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if _, err := p.conn.WriteToUDP(req.Raw, serverAddr); err != nil {
		return nil, fmt.Errorf("nat: send binding request to %s: %w", server, err)
	}

	buf := make([]byte, maxSTUNMessageBytes)
	for {
		n, _, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			return nil, fmt.Errorf("nat: read binding response from %s: %w", server, err)
		}
		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			continue
		}
		// Late answers to an earlier test share the socket.
		if res.TransactionID != req.TransactionID {
			continue
		}
		if res.Type != stun.BindingSuccess {
			return nil, fmt.Errorf("nat: binding request to %s: unexpected response %s", server, res.Type)
		}
		return mappedAddress(res)
	}
}

func mappedAddress(m *stun.Message) (*net.UDPAddr, error) {
	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(m); err == nil {
		return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
	}
	var addr stun.MappedAddress
	if err := addr.GetFrom(m); err == nil {
		return &net.UDPAddr{IP: addr.IP, Port: addr.Port}, nil
	}
	return nil, ErrNoMappedAddress
}
