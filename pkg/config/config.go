package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"meshcall/pkg/validation"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"server"`

	Signal struct {
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		SendBufferSize int           `yaml:"send_buffer_size"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Rooms struct {
		EndPolicy     string        `yaml:"end_policy"` // any_member | host_only
		Retention     string        `yaml:"retention"`  // keep | evict_empty
		EmptyGrace    time.Duration `yaml:"empty_grace"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"rooms"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsPath       string `yaml:"metrics_path"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled       bool   `yaml:"enabled"`
		Address       string `yaml:"address"`
		Password      string `yaml:"password"`
		DB            int    `yaml:"db"`
		PoolSize      int    `yaml:"pool_size"`
		KeyPrefix     string `yaml:"key_prefix"`
		EventsChannel string `yaml:"events_channel"`
	} `yaml:"redis"`

	Database struct {
		Enabled bool   `yaml:"enabled"`
		DSN     string `yaml:"dsn"`
	} `yaml:"database"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxConcurrent        int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.SendBufferSize <= 0 {
		return fmt.Errorf("signal.send_buffer_size must be > 0")
	}

	// WebRTC
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
		for _, u := range s.URLs {
			if err := validation.ValidateICEServerURL(u); err != nil {
				return fmt.Errorf("webrtc.ice_servers[%d]: %w", i, err)
			}
		}
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Rooms
	switch c.Rooms.EndPolicy {
	case "any_member", "host_only":
	default:
		return fmt.Errorf("rooms.end_policy must be any_member or host_only, got %q", c.Rooms.EndPolicy)
	}
	switch c.Rooms.Retention {
	case "keep":
	case "evict_empty":
		if c.Rooms.EmptyGrace < 0 {
			return fmt.Errorf("rooms.empty_grace must be >= 0")
		}
		if c.Rooms.SweepInterval <= 0 {
			return fmt.Errorf("rooms.sweep_interval must be > 0 when rooms.retention=evict_empty")
		}
	default:
		return fmt.Errorf("rooms.retention must be keep or evict_empty, got %q", c.Rooms.Retention)
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.MetricsPath == "" {
		return fmt.Errorf("monitoring.metrics_path must not be empty when prometheus_enabled=true")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Database
	if c.Database.Enabled && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn must not be empty when database.enabled=true")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.Server.AllowedOrigins = []string{"*"}

	cfg.Signal.PingInterval = 25 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendBufferSize = 64

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}

	cfg.Rooms.EndPolicy = "any_member"
	cfg.Rooms.Retention = "keep"
	cfg.Rooms.EmptyGrace = 10 * time.Minute
	cfg.Rooms.SweepInterval = time.Minute

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "meshcall"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.KeyPrefix = "meshcall:"
	cfg.Redis.EventsChannel = "meshcall:rooms"

	cfg.Database.Enabled = true
	cfg.Database.DSN = "meshcall.db"

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv("MESHCALL_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("MESHCALL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("MESHCALL_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if dsn := os.Getenv("MESHCALL_DATABASE_DSN"); dsn != "" {
		c.Database.DSN = dsn
		c.Database.Enabled = true
	}
	if policy := os.Getenv("MESHCALL_ROOMS_END_POLICY"); policy != "" {
		c.Rooms.EndPolicy = policy
	}
	if v := os.Getenv("MESHCALL_TRACING_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MESHCALL_TRACING_ENABLED: %w", err)
		}
		c.Tracing.Enabled = enabled
	}
	return nil
}
