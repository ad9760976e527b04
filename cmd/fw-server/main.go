package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"fleetwatch/internal/config"
	"fleetwatch/internal/events"
	"fleetwatch/internal/fleet"
	"fleetwatch/internal/logging"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/probe"
	"fleetwatch/internal/rpc"
	"fleetwatch/internal/server"
	"fleetwatch/internal/telemetry"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("FW_CONFIG"), "path to YAML config (optional)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fw-server: load config: %v\n", err)
		os.Exit(2)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogJSON)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fw-server stopped", "error", err)
		os.Exit(1)
	}
}

type stores struct {
	machines fleet.Store
	accounts server.AccountStore
	close    func() error
}

func openStore(cfg config.Config, logger *slog.Logger) (stores, error) {
	switch cfg.Store.Backend {
	case config.StoreMemory:
		logger.Warn("memory store selected; machines and accounts are lost on restart")
		return stores{
			machines: fleet.NewMemoryStore(),
			accounts: server.NewMemoryAccountStore(),
			close:    func() error { return nil },
		}, nil
	case config.StoreBadger:
		s, err := server.OpenBadgerStore(cfg.Store.BadgerPath)
		if err != nil {
			return stores{}, err
		}
		return stores{machines: s, accounts: s, close: s.Close}, nil
	default:
		db, err := server.OpenDB(cfg.Store.SQLitePath, logger)
		if err != nil {
			return stores{}, fmt.Errorf("open db %s: %w", cfg.Store.SQLitePath, err)
		}
		s := server.NewSQLiteStore(db)
		return stores{machines: s, accounts: s, close: db.Close}, nil
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.Setup(cfg.Tracing, os.Stdout, "fw-server")
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			logger.Warn("store close", "error", err)
		}
	}()
	if err := server.EnsureAdmin(ctx, st.accounts, cfg.AdminPassword, logger); err != nil {
		return err
	}

	prober, err := probe.New(cfg.Probe.Mode, cfg.Probe.Port, logger)
	if err != nil {
		return err
	}

	m := metrics.New()
	notifiers := fleet.Notifiers{m}
	if cfg.NATSURL != "" {
		pub, err := events.Connect(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		notifiers = append(notifiers, pub)
		logger.Info("publishing machine events", "nats", cfg.NATSURL, "subject", events.SubjectAll)
	}

	reg := fleet.NewRegistry(st.machines,
		fleet.WithLivenessTimeout(cfg.LivenessTimeout),
		fleet.WithProber(prober),
		fleet.WithProbeTimeout(cfg.Probe.Timeout),
		fleet.WithNotifier(notifiers),
		fleet.WithLogger(logger),
	)
	m.WatchFleet(reg)

	api := &server.API{
		Registry: reg,
		Accounts: st.accounts,
		Observer: m,
		Logger:   logger,
	}

	var metricsOnMain http.Handler
	if cfg.MetricsAddr == "" {
		metricsOnMain = m.Handler()
	}
	servers := []*http.Server{{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Routes(metricsOnMain, m),
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("http listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	var gs *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen %s: %w", cfg.GRPCAddr, err)
		}
		gs = grpc.NewServer(grpc.UnaryInterceptor(rpc.LoggingInterceptor(logger)))
		rpc.RegisterIngestServer(gs, rpc.NewService(reg, m, logger))
		g.Go(func() error {
			logger.Info("grpc listening", "addr", cfg.GRPCAddr)
			return gs.Serve(lis)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(sctx); err != nil {
				logger.Warn("http shutdown", "addr", srv.Addr, "error", err)
			}
		}
		if gs != nil {
			stopped := make(chan struct{})
			go func() {
				gs.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-sctx.Done():
				gs.Stop()
			}
		}
		return nil
	})

	logger.Info("fw-server started",
		"store", cfg.Store.Backend,
		"liveness_timeout", cfg.LivenessTimeout,
		"probe", cfg.Probe.Mode,
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
