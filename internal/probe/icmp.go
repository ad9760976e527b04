package probe

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	protocolICMP     = 1
	protocolIPv6ICMP = 58
)

var echoSeq atomic.Uint32

// ICMP sends one echo request and waits for the matching reply.
// Privileged probes use a raw socket; the default datagram socket works
// without root on Linux when net.ipv4.ping_group_range allows it.
type ICMP struct {
	Privileged bool
	logger     *slog.Logger
}

func (p *ICMP) Probe(ctx context.Context, address string) bool {
	log := orDiscard(p.logger)
	ip, err := resolve(ctx, address)
	if err != nil {
		log.Debug("icmp probe: resolve failed", "address", address, "error", err)
		return false
	}
	v4 := ip.To4() != nil

	network, listen := p.network(v4)
	conn, err := icmp.ListenPacket(network, listen)
	if err != nil {
		log.Warn("icmp probe: listen failed", "network", network, "error", err)
		return false
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.SetDeadline(deadline(ctx, 3*time.Second)); err != nil {
		return false
	}

	id := os.Getpid() & 0xffff
	seq := int(echoSeq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: echoType(v4),
		Code: 0,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("fleetwatch")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return false
	}

	var dst net.Addr = &net.UDPAddr{IP: ip}
	if p.Privileged {
		dst = &net.IPAddr{IP: ip}
	}
	if _, err := conn.WriteTo(wb, dst); err != nil {
		log.Debug("icmp probe: send failed", "address", address, "error", err)
		return false
	}

	proto := protocolICMP
	if !v4 {
		proto = protocolIPv6ICMP
	}
	rb := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(rb)
		if err != nil {
			log.Debug("icmp probe: no reply", "address", address, "error", err)
			return false
		}
		rm, err := icmp.ParseMessage(proto, rb[:n])
		if err != nil {
			continue
		}
		// Datagram sockets get their echo id rewritten by the kernel.
		if isReply(rm, peer, ip, id, seq, p.Privileged) {
			return true
		}
	}
}

func (p *ICMP) network(v4 bool) (network, listen string) {
	switch {
	case v4 && p.Privileged:
		return "ip4:icmp", "0.0.0.0"
	case v4:
		return "udp4", "0.0.0.0"
	case p.Privileged:
		return "ip6:ipv6-icmp", "::"
	default:
		return "udp6", "::"
	}
}

func echoType(v4 bool) icmp.Type {
	if v4 {
		return ipv4.ICMPTypeEcho
	}
	return ipv6.ICMPTypeEchoRequest
}

func isReply(rm *icmp.Message, peer net.Addr, want net.IP, id, seq int, checkID bool) bool {
	if rm.Type != ipv4.ICMPTypeEchoReply && rm.Type != ipv6.ICMPTypeEchoReply {
		return false
	}
	echo, ok := rm.Body.(*icmp.Echo)
	if !ok || echo.Seq != seq {
		return false
	}
	if checkID && echo.ID != id {
		return false
	}
	var from net.IP
	switch a := peer.(type) {
	case *net.IPAddr:
		from = a.IP
	case *net.UDPAddr:
		from = a.IP
	default:
		return false
	}
	return from.Equal(want)
}
