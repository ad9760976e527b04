package shared

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
)

const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

type AgentConfig struct {
	ServerURL      string `json:"server_url"`
	Transport      string `json:"transport"` // "http" | "grpc"
	GRPCAddr       string `json:"grpc_addr"`
	ReportSeconds  int    `json:"report_seconds"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	// Overrides for what the collector would detect on its own.
	Address      string `json:"address,omitempty"`
	DisplayName  string `json:"display_name,omitempty"`
	User         string `json:"user,omitempty"`
	MaxProcesses int    `json:"max_processes"`
	LogLevel     string `json:"log_level"`
}

func LoadAgentConfig(path string) (*AgentConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c AgentConfig
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *AgentConfig) applyDefaults() {
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	if c.Transport == "" {
		c.Transport = TransportHTTP
	}
	if c.ServerURL == "" {
		c.ServerURL = "http://localhost:8000"
	}
	if c.ReportSeconds <= 0 {
		c.ReportSeconds = 5
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 3
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *AgentConfig) Validate() error {
	switch c.Transport {
	case TransportHTTP:
		if c.ServerURL == "" {
			return errors.New("server_url is required for http transport")
		}
	case TransportGRPC:
		if c.GRPCAddr == "" {
			return errors.New("grpc_addr is required for grpc transport")
		}
	default:
		return errors.New("transport must be http or grpc")
	}
	if c.TimeoutSeconds > c.ReportSeconds {
		return errors.New("timeout_seconds must not exceed report_seconds")
	}
	return nil
}

func SaveAgentConfig(path string, c *AgentConfig) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0600)
}
