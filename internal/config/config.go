package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the transport server configuration.
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Transport configuration shared by both transports
	Transport TransportConfig `yaml:"transport"`

	// Redis configuration for the session token store
	Redis RedisConfig `yaml:"redis"`

	// Tracing configuration
	Tracing TracingConfig `yaml:"tracing"`

	// Graceful shutdown timeout
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// ServerConfig represents listener configuration.
type ServerConfig struct {
	// TCP game protocol listen address
	TCPListenAddr string `yaml:"tcp_listen_addr"`

	// HTTP port serving the WebSocket endpoint, health checks and metrics
	HTTPPort int `yaml:"http_port"`

	// Path the WebSocket endpoint is mounted on
	WebSocketPath string `yaml:"websocket_path"`
}

// TransportConfig represents message and queue limits for both transports.
type TransportConfig struct {
	// Maximum encoded message size in bytes (caps both transports).
	// Legacy deployments run 16 KiB; the current default is 2 MiB.
	MaxMessageSize int `yaml:"max_message_size"`

	// Outbound send queue capacity per connection
	SendQueueCapacity int `yaml:"send_queue_capacity"`

	// Queue capacity after a connection proves to be a slow consumer
	ThrottledQueueCapacity int `yaml:"throttled_queue_capacity"`

	// Interval between TCP send queue drains
	DrainInterval time.Duration `yaml:"drain_interval"`

	// Interval between per-session simulation ticks
	TickInterval time.Duration `yaml:"tick_interval"`

	// Backoff applied after a failed simulation tick
	TickFailureBackoff time.Duration `yaml:"tick_failure_backoff"`

	// Consecutive TCP processing failures before the transport shuts itself down
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`

	// Maximum concurrent client connections across both transports
	MaxConnections int `yaml:"max_connections"`
}

// RedisConfig represents the Redis session token store configuration.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Key prefix for session token keys
	KeyPrefix string `yaml:"key_prefix"`

	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Retry configuration for transient lookup failures
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// TracingConfig represents tracing configuration.
type TracingConfig struct {
	// OTLP collector endpoint; tracing is disabled when empty
	Endpoint string `yaml:"endpoint"`
}

// Load loads configuration from file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied, used by tests
// and local runs without a config file.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func validateConfig(cfg *Config) error {
	if cfg.Server.TCPListenAddr == "" {
		return fmt.Errorf("server.tcp_listen_addr is required")
	}
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port must be between 1 and 65535")
	}

	if cfg.Transport.MaxMessageSize <= 0 {
		return fmt.Errorf("transport.max_message_size must be greater than 0")
	}
	if cfg.Transport.SendQueueCapacity <= 0 {
		return fmt.Errorf("transport.send_queue_capacity must be greater than 0")
	}
	if cfg.Transport.ThrottledQueueCapacity <= 0 ||
		cfg.Transport.ThrottledQueueCapacity > cfg.Transport.SendQueueCapacity {
		return fmt.Errorf("transport.throttled_queue_capacity must be between 1 and send_queue_capacity")
	}
	if cfg.Transport.TickInterval <= 0 {
		return fmt.Errorf("transport.tick_interval must be greater than 0")
	}
	if cfg.Transport.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("transport.max_consecutive_failures must be greater than 0")
	}

	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if cfg.Redis.PoolSize <= 0 {
		return fmt.Errorf("redis.pool_size must be greater than 0")
	}

	if cfg.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be greater than 0")
	}

	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.TCPListenAddr == "" {
		cfg.Server.TCPListenAddr = ":3920"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.WebSocketPath == "" {
		cfg.Server.WebSocketPath = "/stream"
	}

	if cfg.Transport.MaxMessageSize == 0 {
		cfg.Transport.MaxMessageSize = 2 * 1024 * 1024
	}
	if cfg.Transport.SendQueueCapacity == 0 {
		cfg.Transport.SendQueueCapacity = 256
	}
	if cfg.Transport.ThrottledQueueCapacity == 0 {
		cfg.Transport.ThrottledQueueCapacity = 32
	}
	if cfg.Transport.DrainInterval == 0 {
		cfg.Transport.DrainInterval = 100 * time.Millisecond
	}
	if cfg.Transport.TickInterval == 0 {
		cfg.Transport.TickInterval = 100 * time.Millisecond
	}
	if cfg.Transport.TickFailureBackoff == 0 {
		cfg.Transport.TickFailureBackoff = 500 * time.Millisecond
	}
	if cfg.Transport.MaxConsecutiveFailures == 0 {
		cfg.Transport.MaxConsecutiveFailures = 10
	}
	if cfg.Transport.MaxConnections == 0 {
		cfg.Transport.MaxConnections = 10000
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "ravennest:session:"
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}
	if cfg.Redis.MinIdleConns == 0 {
		cfg.Redis.MinIdleConns = 5
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}
	if cfg.Redis.ReadTimeout == 0 {
		cfg.Redis.ReadTimeout = 3 * time.Second
	}
	if cfg.Redis.WriteTimeout == 0 {
		cfg.Redis.WriteTimeout = 3 * time.Second
	}
	if cfg.Redis.MaxRetries == 0 {
		cfg.Redis.MaxRetries = 3
	}
	if cfg.Redis.RetryDelay == 0 {
		cfg.Redis.RetryDelay = 100 * time.Millisecond
	}

	if cfg.GracefulShutdownTimeout == 0 {
		cfg.GracefulShutdownTimeout = 30 * time.Second
	}
}
