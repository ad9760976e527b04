package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"fleetwatch/internal/rpc"
	"fleetwatch/internal/shared"
)

// Sender delivers one report to the server. *rpc.Client implements it.
type Sender interface {
	Report(ctx context.Context, rep shared.Report) error
}

// HTTPSender posts reports as JSON to <ServerURL>/report.
type HTTPSender struct {
	ServerURL string
	Client    *http.Client
}

func (s *HTTPSender) Report(ctx context.Context, rep shared.Report) error {
	body, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	url := strings.TrimRight(s.ServerURL, "/") + "/report"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("report rejected: %d %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

type Agent struct {
	Cfg       *shared.AgentConfig
	Collector Collector
	Sender    Sender
	Logger    *slog.Logger

	closer io.Closer
}

// New builds an agent for the platform collector and the configured
// transport.
func New(cfg *shared.AgentConfig, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	a := &Agent{
		Cfg:       cfg,
		Collector: defaultCollector(logger),
		Logger:    logger,
	}
	switch cfg.Transport {
	case shared.TransportGRPC:
		c, err := rpc.Dial(cfg.GRPCAddr)
		if err != nil {
			return nil, err
		}
		a.Sender = c
		a.closer = c
	case shared.TransportHTTP:
		a.Sender = &HTTPSender{
			ServerURL: cfg.ServerURL,
			Client:    &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		}
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	return a, nil
}

func (a *Agent) Close() error {
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

// Snapshot collects one report and fills in identity and overrides.
func (a *Agent) Snapshot(ctx context.Context) (shared.Report, error) {
	rep, err := a.Collector.Collect(ctx)
	if err != nil {
		return shared.Report{}, fmt.Errorf("collect: %w", err)
	}
	if rep.PCName == "" {
		rep.PCName = hostname()
	}
	if rep.IP == "" {
		ip, err := outboundIP(dialTarget(a.Cfg))
		if err != nil && a.Cfg.Address == "" {
			return shared.Report{}, fmt.Errorf("detect address (set address in the agent config): %w", err)
		}
		rep.IP = ip
	}
	applyOverrides(&rep, a.Cfg)
	rep.Processes = trimProcesses(rep.Processes, a.Cfg.MaxProcesses)
	return rep, nil
}

// SendOnce collects and sends a single report within the configured
// timeout.
func (a *Agent) SendOnce(ctx context.Context) error {
	timeout := time.Duration(a.Cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rep, err := a.Snapshot(ctx)
	if err != nil {
		return err
	}
	if err := a.Sender.Report(ctx, rep); err != nil {
		return fmt.Errorf("send report: %w", err)
	}
	a.Logger.Debug("report sent", "address", rep.IP, "user", rep.User, "cpu", rep.CPU, "ram", rep.RAM)
	return nil
}

// Run reports immediately and then on every interval until ctx is done.
// Failed reports are logged and retried on the next tick.
func (a *Agent) Run(ctx context.Context) error {
	interval := time.Duration(a.Cfg.ReportSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		if err := a.SendOnce(ctx); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			failures++
			a.Logger.Warn("report failed", "error", err, "consecutive_failures", failures)
		} else if failures > 0 {
			a.Logger.Info("report delivered again", "after_failures", failures)
			failures = 0
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
