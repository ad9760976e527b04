// Package probe answers whether a host is reachable before it is provisioned.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Prober is satisfied by every probe in this package.
type Prober interface {
	Probe(ctx context.Context, address string) bool
}

const (
	ModeICMP = "icmp"
	ModeUDP  = "udp"
	ModeTCP  = "tcp"
)

// New returns a prober for mode. port is only used by tcp.
func New(mode string, port int, logger *slog.Logger) (Prober, error) {
	logger = orDiscard(logger)
	switch strings.ToLower(mode) {
	case ModeICMP:
		return &ICMP{Privileged: true, logger: logger}, nil
	case ModeUDP:
		return &ICMP{logger: logger}, nil
	case ModeTCP:
		if port <= 0 || port > 65535 {
			return nil, fmt.Errorf("tcp probe port %d out of range", port)
		}
		return &TCP{Port: port, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown probe mode %q", mode)
	}
}

// resolve turns a host name or literal into one IP, preferring IPv4.
func resolve(ctx context.Context, address string) (net.IP, error) {
	if ip := net.ParseIP(address); ip != nil {
		return ip, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, address)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", address)
	}
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.IP, nil
		}
	}
	return addrs[0].IP, nil
}

func deadline(ctx context.Context, fallback time.Duration) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(fallback)
}

func orDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l
}
