package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxConcurrent = 10
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	return cfg
}

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, validBaseConfig().Validate())
}

func TestLoad_UsesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load("non-existent-config.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "any_member", cfg.Rooms.EndPolicy)
	assert.Equal(t, "keep", cfg.Rooms.Retention)
	assert.NotEmpty(t, cfg.WebRTC.ICEServers)
}

func TestLoad_LoadsFromYAMLAndAppliesEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
server:
  address: ":9000"
  read_timeout: 10s
  write_timeout: 15s
  allowed_origins: ["https://meet.example.com"]

signal:
  ping_interval: 5s
  pong_timeout: 12s
  send_buffer_size: 16

webrtc:
  ice_servers:
    - urls: ["turn:turn.example.com:3478"]
      username: "u"
      credential: "p"

rooms:
  end_policy: host_only
  retention: evict_empty
  empty_grace: 2m
  sweep_interval: 30s

logging:
  level: "debug"
  format: "console"
`)

	t.Setenv("MESHCALL_SERVER_ADDRESS", ":7000")
	t.Setenv("MESHCALL_REDIS_ADDRESS", "redis:6379")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"https://meet.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 5*time.Second, cfg.Signal.PingInterval)
	assert.Equal(t, 16, cfg.Signal.SendBufferSize)
	// Unset keys keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Signal.WriteTimeout)

	require.Len(t, cfg.WebRTC.ICEServers, 1)
	assert.Equal(t, "u", cfg.WebRTC.ICEServers[0].Username)

	assert.Equal(t, "host_only", cfg.Rooms.EndPolicy)
	assert.Equal(t, "evict_empty", cfg.Rooms.Retention)
	assert.Equal(t, 2*time.Minute, cfg.Rooms.EmptyGrace)

	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "server: [unterminated")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_InvalidTracingEnv(t *testing.T) {
	t.Setenv("MESHCALL_TRACING_ENABLED", "maybe")
	_, err := Load("non-existent-config.yaml")
	assert.Error(t, err)
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	assert.NoError(t, cfg.Validate())
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server address", func(c *Config) { c.Server.Address = "" }},
		{"pong timeout below ping interval", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"zero send buffer", func(c *Config) { c.Signal.SendBufferSize = 0 }},
		{"ice server without urls", func(c *Config) { c.WebRTC.ICEServers = []ICEServer{{}} }},
		{"ice server with http url", func(c *Config) { c.WebRTC.ICEServers = []ICEServer{{URLs: []string{"http://stun.example.com"}}} }},
		{"half port range", func(c *Config) { c.WebRTC.PortRange.Min = 10000 }},
		{"inverted port range", func(c *Config) {
			c.WebRTC.PortRange.Min = 20000
			c.WebRTC.PortRange.Max = 10000
		}},
		{"unknown end policy", func(c *Config) { c.Rooms.EndPolicy = "anyone" }},
		{"unknown retention", func(c *Config) { c.Rooms.Retention = "lru" }},
		{"evict without sweep interval", func(c *Config) {
			c.Rooms.Retention = "evict_empty"
			c.Rooms.SweepInterval = 0
		}},
		{"tracing without url", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.JaegerURL = ""
		}},
		{"redis without pool", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.PoolSize = 0
		}},
		{"database without dsn", func(c *Config) { c.Database.DSN = "" }},
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"http burst must be > 0", func(c *Config) { c.RateLimiting.HTTP.Burst = 0 }},
		{"http max concurrent must be >= 0", func(c *Config) { c.RateLimiting.HTTP.MaxConcurrent = -1 }},
		{"ws connections per minute must be > 0", func(c *Config) { c.RateLimiting.WebSocket.ConnectionsPerMinute = 0 }},
		{"ws messages per second must be > 0", func(c *Config) { c.RateLimiting.WebSocket.MessagesPerSecond = 0 }},
		{"ws burst must be > 0", func(c *Config) { c.RateLimiting.WebSocket.Burst = 0 }},
		{"ws max concurrent must be >= 0", func(c *Config) { c.RateLimiting.WebSocket.MaxConcurrent = -1 }},
		{"ws max message size must be >= 0", func(c *Config) { c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}
