package probe

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"syscall"
)

// TCP treats a host as reachable when a connection to Port succeeds or is
// actively refused.
type TCP struct {
	Port   int
	logger *slog.Logger
}

func (p *TCP) Probe(ctx context.Context, address string) bool {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(p.Port)))
	if err == nil {
		_ = conn.Close()
		return true
	}
	if ctx.Err() == nil && errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	orDiscard(p.logger).Debug("tcp probe failed", "address", address, "port", p.Port, "error", err)
	return false
}
