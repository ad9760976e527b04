// Package config loads fw-server settings from an optional YAML file and
// FW_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreBadger = "badger"
)

const (
	ProbeICMP = "icmp"
	ProbeUDP  = "udp"
	ProbeTCP  = "tcp"
)

type StoreConfig struct {
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
	BadgerPath string `yaml:"badger_path"`
}

type ProbeConfig struct {
	// Mode is icmp (raw socket, needs privileges), udp (unprivileged ICMP
	// datagram socket) or tcp (connect to Port).
	Mode    string        `yaml:"mode"`
	Timeout time.Duration `yaml:"timeout"`
	Port    int           `yaml:"port"`
}

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	// GRPCAddr is optional; empty disables gRPC ingestion.
	GRPCAddr string `yaml:"grpc_addr"`
	// MetricsAddr is optional; empty serves /metrics on HTTPAddr.
	MetricsAddr string `yaml:"metrics_addr"`

	Store StoreConfig `yaml:"store"`

	LivenessTimeout time.Duration `yaml:"liveness_timeout"`
	ReportInterval  time.Duration `yaml:"report_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Probe ProbeConfig `yaml:"probe"`

	NATSURL string `yaml:"nats_url"`
	Tracing bool   `yaml:"tracing"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// AdminPassword seeds the admin account when no account exists yet.
	AdminPassword string `yaml:"admin_password"`
}

func Default() Config {
	return Config{
		HTTPAddr: ":8000",
		Store: StoreConfig{
			Backend:    StoreSQLite,
			SQLitePath: "./data/fleetwatch.db",
			BadgerPath: "./data/badger",
		},
		LivenessTimeout: 10 * time.Second,
		ReportInterval:  5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Probe: ProbeConfig{
			Mode:    ProbeUDP,
			Timeout: 3 * time.Second,
			Port:    22,
		},
		LogLevel:      "info",
		AdminPassword: "admin",
	}
}

// Load reads path (if not empty), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.Store.Backend = strings.ToLower(cfg.Store.Backend)
	cfg.Probe.Mode = strings.ToLower(cfg.Probe.Mode)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = env("FW_HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = env("FW_GRPC_ADDR", c.GRPCAddr)
	c.MetricsAddr = env("FW_METRICS_ADDR", c.MetricsAddr)
	c.Store.Backend = env("FW_STORE", c.Store.Backend)
	c.Store.SQLitePath = env("FW_DB_PATH", c.Store.SQLitePath)
	c.Store.BadgerPath = env("FW_BADGER_PATH", c.Store.BadgerPath)
	c.LivenessTimeout = envDuration("FW_LIVENESS_TIMEOUT", c.LivenessTimeout)
	c.ReportInterval = envDuration("FW_REPORT_INTERVAL", c.ReportInterval)
	c.ShutdownTimeout = envDuration("FW_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.Probe.Mode = env("FW_PROBE_MODE", c.Probe.Mode)
	c.Probe.Timeout = envDuration("FW_PROBE_TIMEOUT", c.Probe.Timeout)
	c.Probe.Port = envInt("FW_PROBE_PORT", c.Probe.Port)
	c.NATSURL = env("FW_NATS_URL", c.NATSURL)
	c.Tracing = envBool("FW_TRACING", c.Tracing)
	c.LogLevel = env("FW_LOG_LEVEL", c.LogLevel)
	c.LogJSON = envBool("FW_LOG_JSON", c.LogJSON)
	c.AdminPassword = env("FW_ADMIN_PASSWORD", c.AdminPassword)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("http_addr is required")
	}
	switch c.Store.Backend {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite backend")
		}
	case StoreBadger:
		if c.Store.BadgerPath == "" {
			return errors.New("store.badger_path is required for the badger backend")
		}
	default:
		return fmt.Errorf("unsupported store backend %q", c.Store.Backend)
	}
	if c.ReportInterval <= 0 {
		return errors.New("report_interval must be > 0")
	}
	if c.LivenessTimeout <= c.ReportInterval {
		return fmt.Errorf("liveness_timeout (%s) must exceed report_interval (%s)", c.LivenessTimeout, c.ReportInterval)
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown_timeout must be > 0")
	}
	switch c.Probe.Mode {
	case ProbeICMP, ProbeUDP:
	case ProbeTCP:
		if c.Probe.Port <= 0 || c.Probe.Port > 65535 {
			return fmt.Errorf("probe.port %d out of range", c.Probe.Port)
		}
	default:
		return fmt.Errorf("unsupported probe mode %q", c.Probe.Mode)
	}
	if c.Probe.Timeout <= 0 {
		return errors.New("probe.timeout must be > 0")
	}
	return nil
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := env(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := env(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := env(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
