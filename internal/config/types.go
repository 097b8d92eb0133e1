package config

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Storage   StorageConfig   `yaml:"storage"`
	Router    RouterConfig    `yaml:"router"`
	Queue     QueueConfig     `yaml:"queue"`
	Batch     BatchConfig     `yaml:"batch"`
	Backends  []BackendConfig `yaml:"backends"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string `yaml:"addr"`             // e.g., "0.0.0.0:8080"
	ShutdownTimeout int    `yaml:"shutdown_timeout"` // graceful shutdown timeout in seconds (default: 30)
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// AuthConfig configures API key authentication.
type AuthConfig struct {
	Enabled bool     `yaml:"enabled"`
	Keys    []APIKey `yaml:"keys"`
}

// APIKey is one opaque bearer credential accepted by the gateway.
type APIKey struct {
	Name  string `yaml:"name"`  // display name, also the rate-limit bucket key
	Token string `yaml:"token"` // opaque credential value
}

// RateLimitConfig configures token-bucket admission control.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// StorageConfig configures on-disk image storage and URL minting.
type StorageConfig struct {
	BasePath  string `yaml:"base_path"`  // directory to write decoded images under
	URLPrefix string `yaml:"url_prefix"` // e.g., "http://localhost:8080/images"
}

// RouterConfig configures backend-selection priority.
type RouterConfig struct {
	DefaultBackend  string `yaml:"default_backend"`
	FallbackEnabled *bool  `yaml:"fallback_enabled"` // default true; pointer distinguishes unset from false
	Strategy        string `yaml:"strategy"`         // round_robin, weighted_round_robin, random, least_connections
}

// QueueConfig configures the bounded request queue.
type QueueConfig struct {
	MaxQueueSize  int `yaml:"max_queue_size"`
	MaxConcurrent int `yaml:"max_concurrent"`
	TimeoutMs     int `yaml:"timeout_ms"`
}

// BatchConfig configures the dynamic batcher.
type BatchConfig struct {
	Enabled      bool `yaml:"enabled"`
	MaxBatchSize int  `yaml:"max_batch_size"`
	MaxWaitMs    int  `yaml:"max_wait_ms"`
}

// BackendConfig defines an upstream image-generation backend.
type BackendConfig struct {
	Name                    string   `yaml:"name"`
	Protocol                string   `yaml:"protocol"` // http, grpc
	Endpoints               []string `yaml:"endpoints"`
	HealthCheckPath         string   `yaml:"health_check_path"`          // default: "/health"
	HealthCheckIntervalSecs int      `yaml:"health_check_interval_secs"` // default: 30
	TimeoutMs               int      `yaml:"timeout_ms"`                 // default: 60000
	Weight                  int      `yaml:"weight"`                     // default: 1
	Enabled                 *bool    `yaml:"enabled"`                    // default true
}
