package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/pflag"

	"fleetwatch/internal/agent"
	"fleetwatch/internal/logging"
	"fleetwatch/internal/shared"
)

func defaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return `C:\ProgramData\FleetWatch\agent.json`
	}
	return "/etc/fleetwatch/agent.json"
}

func main() {
	configPath := pflag.StringP("config", "c", defaultConfigPath(), "path to agent config json")
	once := pflag.Bool("once", false, "send a single report and exit")
	pflag.Parse()

	cfg, err := shared.LoadAgentConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fw-agent: %v\n", err)
		os.Exit(2)
	}
	logger := logging.New(cfg.LogLevel, false)

	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.Error("agent initialization failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		if err := a.SendOnce(ctx); err != nil {
			logger.Error("report failed", "error", err)
			os.Exit(1)
		}
		return
	}

	target := cfg.ServerURL
	if cfg.Transport == shared.TransportGRPC {
		target = cfg.GRPCAddr
	}
	logger.Info("fw-agent started",
		"transport", cfg.Transport,
		"server", target,
		"interval_seconds", cfg.ReportSeconds,
	)
	if err := a.Run(ctx); err != nil {
		logger.Error("agent runtime failed", "error", err)
	}
}
