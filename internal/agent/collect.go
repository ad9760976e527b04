package agent

import (
	"cmp"
	"context"
	"math"
	"net"
	"net/url"
	"os"
	"os/user"
	"slices"
	"time"

	"fleetwatch/internal/shared"
)

// Collector samples the local machine. PCName and IP may be left empty;
// the agent fills them in.
type Collector interface {
	Collect(ctx context.Context) (shared.Report, error)
}

// identityCollector reports only who is running the agent. It is the
// fallback on platforms without a metrics source.
type identityCollector struct{}

func (identityCollector) Collect(context.Context) (shared.Report, error) {
	return shared.Report{User: currentUser(), Processes: []shared.ProcessSample{}}, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func currentUser() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return stripDomain(u.Username)
}

// dialTarget is the host:port the agent reports to, used to pick the
// interface address the server will see.
func dialTarget(cfg *shared.AgentConfig) string {
	if cfg.Transport == shared.TransportGRPC {
		return cfg.GRPCAddr
	}
	u, err := url.Parse(cfg.ServerURL)
	if err != nil || u.Host == "" {
		return "8.8.8.8:80"
	}
	if u.Port() == "" {
		if u.Scheme == "https" {
			return net.JoinHostPort(u.Hostname(), "443")
		}
		return net.JoinHostPort(u.Hostname(), "80")
	}
	return u.Host
}

// outboundIP returns the local address of a UDP socket connected to
// target. No packet is sent.
func outboundIP(target string) (string, error) {
	conn, err := net.DialTimeout("udp", target, time.Second)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.IsUnspecified() {
		return "", &net.AddrError{Err: "no local address", Addr: target}
	}
	return addr.IP.String(), nil
}

func applyOverrides(rep *shared.Report, cfg *shared.AgentConfig) {
	if cfg.Address != "" {
		rep.IP = cfg.Address
	}
	if cfg.DisplayName != "" {
		rep.PCName = cfg.DisplayName
	}
	if cfg.User != "" {
		rep.User = cfg.User
	}
	if rep.Processes == nil {
		rep.Processes = []shared.ProcessSample{}
	}
}

// trimProcesses keeps the max busiest processes; max <= 0 keeps all.
func trimProcesses(ps []shared.ProcessSample, max int) []shared.ProcessSample {
	if max <= 0 || len(ps) <= max {
		return ps
	}
	sorted := slices.Clone(ps)
	slices.SortStableFunc(sorted, func(a, b shared.ProcessSample) int {
		if c := cmp.Compare(b.CPU, a.CPU); c != 0 {
			return c
		}
		return cmp.Compare(b.RAM, a.RAM)
	})
	return sorted[:max]
}

func clampPercent(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return round2(min(v, 100))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
