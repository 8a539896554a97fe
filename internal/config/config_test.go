package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Server.TCPListenAddr != ":3920" {
		t.Errorf("Expected tcp_listen_addr=:3920, got %s", cfg.Server.TCPListenAddr)
	}
	if cfg.Server.WebSocketPath != "/stream" {
		t.Errorf("Expected websocket_path=/stream, got %s", cfg.Server.WebSocketPath)
	}
	if cfg.Transport.MaxMessageSize != 2*1024*1024 {
		t.Errorf("Expected max_message_size=2MiB, got %d", cfg.Transport.MaxMessageSize)
	}
	if cfg.Transport.SendQueueCapacity != 256 {
		t.Errorf("Expected send_queue_capacity=256, got %d", cfg.Transport.SendQueueCapacity)
	}
	if cfg.Transport.ThrottledQueueCapacity != 32 {
		t.Errorf("Expected throttled_queue_capacity=32, got %d", cfg.Transport.ThrottledQueueCapacity)
	}
	if cfg.Transport.MaxConsecutiveFailures != 10 {
		t.Errorf("Expected max_consecutive_failures=10, got %d", cfg.Transport.MaxConsecutiveFailures)
	}
	if cfg.Transport.TickInterval != 100*time.Millisecond {
		t.Errorf("Expected tick_interval=100ms, got %v", cfg.Transport.TickInterval)
	}
	if err := validateConfig(cfg); err != nil {
		t.Errorf("Expected default config to validate, got %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `
server:
  tcp_listen_addr: ":4000"
  http_port: 9090
transport:
  max_message_size: 16384
  send_queue_capacity: 64
  throttled_queue_capacity: 8
redis:
  addr: "redis:6379"
  key_prefix: "test:"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.TCPListenAddr != ":4000" {
		t.Errorf("Expected tcp_listen_addr=:4000, got %s", cfg.Server.TCPListenAddr)
	}
	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("Expected http_port=9090, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Transport.MaxMessageSize != 16384 {
		t.Errorf("Expected max_message_size=16384, got %d", cfg.Transport.MaxMessageSize)
	}
	if cfg.Transport.ThrottledQueueCapacity != 8 {
		t.Errorf("Expected throttled_queue_capacity=8, got %d", cfg.Transport.ThrottledQueueCapacity)
	}
	// Unset fields still pick up defaults
	if cfg.Redis.PoolSize != 10 {
		t.Errorf("Expected redis pool_size default 10, got %d", cfg.Redis.PoolSize)
	}
	if cfg.GracefulShutdownTimeout != 30*time.Second {
		t.Errorf("Expected graceful_shutdown_timeout default 30s, got %v", cfg.GracefulShutdownTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max message size", func(c *Config) { c.Transport.MaxMessageSize = -1 }},
		{"throttled above capacity", func(c *Config) { c.Transport.ThrottledQueueCapacity = c.Transport.SendQueueCapacity + 1 }},
		{"bad http port", func(c *Config) { c.Server.HTTPPort = 70000 }},
		{"zero tick interval", func(c *Config) { c.Transport.TickInterval = -time.Second }},
		{"zero failure threshold", func(c *Config) { c.Transport.MaxConsecutiveFailures = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := validateConfig(cfg); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
