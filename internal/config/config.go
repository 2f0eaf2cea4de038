package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Worker    WorkerConfig    `yaml:"worker"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Tiers     TiersConfig     `yaml:"tiers"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
	TLS       TLSConfig       `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// GatewayConfig controls request defaults applied before tier resolution.
type GatewayConfig struct {
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	DefaultMemoryMB int64         `yaml:"default_memory_mb"`
	DispatchGrace   time.Duration `yaml:"dispatch_grace"` // added to the execution timeout for the worker round trip
	MaxCodeBytes    int           `yaml:"max_code_bytes"`
	Environment     string        `yaml:"environment"`
}

// WorkerConfig is shared by both sides of the worker contract: the gateway
// reads URL/APIKey, cmd/worker reads the listen and capacity settings.
type WorkerConfig struct {
	URL           string        `yaml:"url"`
	APIKey        string        `yaml:"api_key"`
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	MaxTimeout    time.Duration `yaml:"max_timeout"`
}

type RateLimitConfig struct {
	Backend   string        `yaml:"backend"` // "local" (default) or "redis"
	Requests  int           `yaml:"requests"`
	Window    time.Duration `yaml:"window"`
	KeyPrefix string        `yaml:"key_prefix"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type SessionsConfig struct {
	MaxFiles        int           `yaml:"max_files"`
	MaxStorageBytes int64         `yaml:"max_storage_bytes"`
	DefaultTTL      time.Duration `yaml:"default_ttl"` // 0 means sessions never expire
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// TierSpec overrides one pricing tier. All fields are required when present.
type TierSpec struct {
	CostPerSecond    float64       `yaml:"cost_per_second"`
	CostPerMB        float64       `yaml:"cost_per_mb"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	MaxMemoryMB      int64         `yaml:"max_memory_mb"`
	AllowedModules   []string      `yaml:"allowed_modules"`
}

type TiersConfig struct {
	Overrides   map[string]TierSpec `yaml:"overrides"`
	Assignments map[string]string   `yaml:"assignments"` // client id -> tier name
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	Sample      float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeys              map[string]string `yaml:"api_keys"` // api key -> client id
	JWTSecret            string            `yaml:"jwt_secret"`
	AllowUnauthenticated bool              `yaml:"allow_unauthenticated"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

var knownTiers = map[string]bool{"basic": true, "standard": true, "premium": true, "enterprise": true}

// Load reads configuration from a YAML file. Environment overrides are applied
// after parsing and before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CONFIG_PATH or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.ApplyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5*time.Minute + 30*time.Second, // > enterprise max execution time + grace
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  2 << 20, // 2MB
		},
		Gateway: GatewayConfig{
			DefaultTimeout:  5 * time.Second,
			DefaultMemoryMB: 64,
			DispatchGrace:   2 * time.Second,
			MaxCodeBytes:    1 << 20,
			Environment:     "default",
		},
		Worker: WorkerConfig{
			URL:           "http://127.0.0.1:8090/execute",
			Host:          "0.0.0.0",
			Port:          8090,
			MaxConcurrent: 64,
			MaxTimeout:    5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Backend:   "local",
			Requests:  60,
			Window:    time.Minute,
			KeyPrefix: "ratelimit:",
		},
		Redis: RedisConfig{
			PoolSize: 10,
		},
		Database: DatabaseConfig{
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Sessions: SessionsConfig{
			MaxFiles:        100,
			MaxStorageBytes: 10 << 20,
			CleanupInterval: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "exec-gateway",
			Sample:      0.1,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ApplyEnv overrides secrets and endpoints from the environment so they never
// have to live in the config file.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("WORKER_URL"); v != "" {
		c.Worker.URL = v
	}
	if v := getenv("WORKER_API_KEY"); v != "" {
		c.Worker.APIKey = v
	}
	if v := getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := getenv("JWT_SECRET"); v != "" {
		c.Security.JWTSecret = v
	}
	if v := getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		} else {
			log.Warn().Str("port", v).Msg("ignoring non-numeric PORT")
		}
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks that the configuration is valid.
// ValidateGateway adds the checks only the gateway binary needs on top of
// Validate. The worker binary shares the file and runs without worker.url.
func (c *Config) ValidateGateway() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Worker.URL == "" {
		return fmt.Errorf("worker.url is required to dispatch executions")
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Worker.Port < 1 || c.Worker.Port > 65535 {
		return fmt.Errorf("worker.port must be 1-65535, got %d", c.Worker.Port)
	}
	if c.Worker.URL != "" {
		u, err := url.Parse(c.Worker.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("worker.url must be an absolute http(s) URL, got %q", c.Worker.URL)
		}
	}
	if c.Worker.MaxConcurrent < 1 {
		return fmt.Errorf("worker.max_concurrent must be >= 1")
	}
	if c.Gateway.DefaultTimeout <= 0 {
		return fmt.Errorf("gateway.default_timeout must be > 0")
	}
	if c.Gateway.DefaultMemoryMB < 1 {
		return fmt.Errorf("gateway.default_memory_mb must be >= 1")
	}
	if c.Gateway.DispatchGrace < 0 {
		return fmt.Errorf("gateway.dispatch_grace must be >= 0")
	}
	if c.Gateway.MaxCodeBytes < 1 {
		return fmt.Errorf("gateway.max_code_bytes must be >= 1")
	}

	switch c.RateLimit.Backend {
	case "local":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when rate_limit.backend is redis")
		}
	default:
		return fmt.Errorf("rate_limit.backend must be local or redis, got %q", c.RateLimit.Backend)
	}
	if c.RateLimit.Requests < 1 {
		return fmt.Errorf("rate_limit.requests must be >= 1")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be > 0")
	}

	if c.Sessions.MaxFiles < 1 {
		return fmt.Errorf("sessions.max_files must be >= 1")
	}
	if c.Sessions.MaxStorageBytes < 1 {
		return fmt.Errorf("sessions.max_storage_bytes must be >= 1")
	}
	if c.Sessions.DefaultTTL < 0 {
		return fmt.Errorf("sessions.default_ttl must be >= 0")
	}
	if c.Sessions.CleanupInterval <= 0 {
		return fmt.Errorf("sessions.cleanup_interval must be > 0")
	}

	for name, spec := range c.Tiers.Overrides {
		if !knownTiers[name] {
			return fmt.Errorf("tiers.overrides: unknown tier %q", name)
		}
		if spec.MaxExecutionTime <= 0 || spec.MaxMemoryMB < 1 {
			return fmt.Errorf("tiers.overrides.%s: max_execution_time and max_memory_mb are required", name)
		}
		if spec.CostPerSecond < 0 || spec.CostPerMB < 0 {
			return fmt.Errorf("tiers.overrides.%s: costs must be >= 0", name)
		}
	}
	for client, tier := range c.Tiers.Assignments {
		if !knownTiers[tier] {
			return fmt.Errorf("tiers.assignments.%s: unknown tier %q", client, tier)
		}
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the gateway listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// WorkerAddress returns the worker listen address string.
func (c *Config) WorkerAddress() string {
	return fmt.Sprintf("%s:%d", c.Worker.Host, c.Worker.Port)
}
