package probe

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

func TestNew(t *testing.T) {
	tests := []struct {
		mode    string
		port    int
		wantErr bool
	}{
		{"icmp", 0, false},
		{"UDP", 0, false},
		{"tcp", 22, false},
		{"tcp", 0, true},
		{"tcp", 70000, true},
		{"arp", 0, true},
	}
	for _, tt := range tests {
		p, err := New(tt.mode, tt.port, nil)
		if (err != nil) != tt.wantErr {
			t.Errorf("New(%q, %d) err = %v, wantErr %v", tt.mode, tt.port, err, tt.wantErr)
		}
		if err == nil && p == nil {
			t.Errorf("New(%q) returned nil prober", tt.mode)
		}
	}
}

func listenerPort(t *testing.T, ln net.Listener) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return port
}

func TestTCPProbeOpenPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	p, err := New(ModeTCP, listenerPort(t, ln), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !p.Probe(ctx, "127.0.0.1") {
		t.Fatal("open port reported unreachable")
	}
}

func TestTCPProbeRefusedMeansHostUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := listenerPort(t, ln)
	ln.Close()

	p := &TCP{Port: port}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !p.Probe(ctx, "127.0.0.1") {
		t.Fatal("refused connection should count as reachable")
	}
}

func TestTCPProbeCancelledContext(t *testing.T) {
	p := &TCP{Port: 22}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if p.Probe(ctx, "127.0.0.1") {
		t.Fatal("cancelled probe reported reachable")
	}
}

func TestICMPProbeUnresolvable(t *testing.T) {
	p := &ICMP{}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if p.Probe(ctx, "host.invalid") {
		t.Fatal("unresolvable host reported reachable")
	}
}

func TestICMPProbeLoopback(t *testing.T) {
	c, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		t.Skipf("unprivileged ICMP not permitted here: %v", err)
	}
	c.Close()

	p := &ICMP{}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !p.Probe(ctx, "127.0.0.1") {
		t.Fatal("loopback did not answer echo")
	}
}

func TestIsReply(t *testing.T) {
	want := net.ParseIP("10.0.0.5")
	reply := func(typ icmp.Type, id, seq int) *icmp.Message {
		return &icmp.Message{Type: typ, Body: &icmp.Echo{ID: id, Seq: seq}}
	}
	tests := []struct {
		name    string
		msg     *icmp.Message
		peer    net.Addr
		checkID bool
		want    bool
	}{
		{"v4 reply raw", reply(ipv4.ICMPTypeEchoReply, 7, 3), &net.IPAddr{IP: want}, true, true},
		{"v4 reply datagram", reply(ipv4.ICMPTypeEchoReply, 99, 3), &net.UDPAddr{IP: want}, false, true},
		{"v6 reply", reply(ipv6.ICMPTypeEchoReply, 7, 3), &net.IPAddr{IP: want}, true, true},
		{"wrong id raw", reply(ipv4.ICMPTypeEchoReply, 8, 3), &net.IPAddr{IP: want}, true, false},
		{"wrong seq", reply(ipv4.ICMPTypeEchoReply, 7, 4), &net.IPAddr{IP: want}, true, false},
		{"wrong peer", reply(ipv4.ICMPTypeEchoReply, 7, 3), &net.IPAddr{IP: net.ParseIP("10.0.0.6")}, true, false},
		{"echo request", reply(ipv4.ICMPTypeEcho, 7, 3), &net.IPAddr{IP: want}, true, false},
		{"unreachable", &icmp.Message{Type: ipv4.ICMPTypeDestinationUnreachable, Body: &icmp.DstUnreach{}}, &net.IPAddr{IP: want}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isReply(tt.msg, tt.peer, want, 7, 3, tt.checkID); got != tt.want {
				t.Fatalf("isReply = %v, want %v", got, tt.want)
			}
		})
	}
}
