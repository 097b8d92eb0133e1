package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	DefaultHealthCheckPath            = "/health"
	DefaultHealthCheckIntervalSecs    = 30
	DefaultBackendTimeoutMs           = 60000
	DefaultBackendWeight              = 1
	DefaultQueueMaxSize               = 1000
	DefaultQueueMaxConcurrent         = 10
	DefaultQueueTimeoutMs             = 120000
	DefaultBatchMaxSize               = 4
	DefaultBatchMaxWaitMs             = 100
	DefaultServerAddr                 = "0.0.0.0:8080"
	DefaultShutdownTimeoutSecs        = 30
	DefaultRateLimitRequestsPerSecond = 100
	DefaultRateLimitBurst             = 200
)

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeoutSecs
	}

	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = DefaultRateLimitRequestsPerSecond
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = DefaultRateLimitBurst
	}

	if c.Router.FallbackEnabled == nil {
		enabled := true
		c.Router.FallbackEnabled = &enabled
	}

	if c.Queue.MaxQueueSize == 0 {
		c.Queue.MaxQueueSize = DefaultQueueMaxSize
	}
	if c.Queue.MaxConcurrent == 0 {
		c.Queue.MaxConcurrent = DefaultQueueMaxConcurrent
	}
	if c.Queue.TimeoutMs == 0 {
		c.Queue.TimeoutMs = DefaultQueueTimeoutMs
	}

	if c.Batch.MaxBatchSize == 0 {
		c.Batch.MaxBatchSize = DefaultBatchMaxSize
	}
	if c.Batch.MaxWaitMs == 0 {
		c.Batch.MaxWaitMs = DefaultBatchMaxWaitMs
	}

	for i := range c.Backends {
		b := &c.Backends[i]
		if b.Protocol == "" {
			b.Protocol = "http"
		}
		if b.HealthCheckPath == "" {
			b.HealthCheckPath = DefaultHealthCheckPath
		}
		if b.HealthCheckIntervalSecs == 0 {
			b.HealthCheckIntervalSecs = DefaultHealthCheckIntervalSecs
		}
		if b.TimeoutMs == 0 {
			b.TimeoutMs = DefaultBackendTimeoutMs
		}
		if b.Weight == 0 {
			b.Weight = DefaultBackendWeight
		}
		if b.Enabled == nil {
			enabled := true
			b.Enabled = &enabled
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log config: %w", err)
	}

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		return fmt.Errorf("invalid server address %q: %w", c.Server.Addr, err)
	}

	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}

	names := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("backend[%d]: %w", i, err)
		}
		if names[b.Name] {
			return fmt.Errorf("duplicate backend name: %s", b.Name)
		}
		names[b.Name] = true
	}

	if c.Router.DefaultBackend != "" && !names[c.Router.DefaultBackend] {
		return fmt.Errorf("router.default_backend %q does not reference a configured backend", c.Router.DefaultBackend)
	}

	return nil
}

// Validate checks log configuration.
func (l *LogConfig) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if l.Level != "" && !validLevels[strings.ToLower(l.Level)] {
		return fmt.Errorf("invalid log level: %s", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true, "": true}
	if !validFormats[strings.ToLower(l.Format)] {
		return fmt.Errorf("invalid log format: %s", l.Format)
	}

	return nil
}

// Validate checks a single backend configuration entry.
func (b *BackendConfig) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("backend name is required")
	}

	protocol := strings.ToLower(b.Protocol)
	if protocol != "http" && protocol != "grpc" {
		return fmt.Errorf("backend %q has invalid protocol %q: must be 'http' or 'grpc'", b.Name, b.Protocol)
	}

	if len(b.Endpoints) == 0 {
		return fmt.Errorf("backend %q must have at least one endpoint", b.Name)
	}

	for _, ep := range b.Endpoints {
		if protocol != "http" {
			// grpc endpoints are bare host:port dial targets, not URLs.
			continue
		}
		u, err := url.Parse(ep)
		if err != nil {
			return fmt.Errorf("backend %q: invalid endpoint URL %q: %w", b.Name, ep, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("backend %q: endpoint %q must use http or https scheme", b.Name, ep)
		}
		if u.Host == "" {
			return fmt.Errorf("backend %q: endpoint %q must include a host", b.Name, ep)
		}
	}

	if b.Weight < 0 {
		return fmt.Errorf("backend %q: weight cannot be negative", b.Name)
	}

	return nil
}
