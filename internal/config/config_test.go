package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.RateLimit.Backend != "local" {
		t.Errorf("RateLimit.Backend = %q, want local", cfg.RateLimit.Backend)
	}
	if cfg.Gateway.DefaultTimeout != 5*time.Second {
		t.Errorf("Gateway.DefaultTimeout = %s, want 5s", cfg.Gateway.DefaultTimeout)
	}
	if cfg.Sessions.MaxStorageBytes != 10<<20 {
		t.Errorf("Sessions.MaxStorageBytes = %d, want %d", cfg.Sessions.MaxStorageBytes, 10<<20)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestValidateGateway(t *testing.T) {
	c := DefaultConfig()
	if err := c.ValidateGateway(); err != nil {
		t.Fatalf("defaults: %v", err)
	}

	c.Worker.URL = ""
	if err := c.Validate(); err != nil {
		t.Errorf("Validate with empty worker url: %v", err)
	}
	if err := c.ValidateGateway(); err == nil {
		t.Error("ValidateGateway accepted an empty worker url")
	}

	c = DefaultConfig()
	c.Server.Port = 0
	if err := c.ValidateGateway(); err == nil {
		t.Error("ValidateGateway skipped the shared checks")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"relative worker url", func(c *Config) { c.Worker.URL = "worker/execute" }, true},
		{"ftp worker url", func(c *Config) { c.Worker.URL = "ftp://worker/execute" }, true},
		{"empty worker url allowed", func(c *Config) { c.Worker.URL = "" }, false},
		{"worker concurrency 0", func(c *Config) { c.Worker.MaxConcurrent = 0 }, true},
		{"negative grace", func(c *Config) { c.Gateway.DispatchGrace = -time.Second }, true},
		{"unknown limiter backend", func(c *Config) { c.RateLimit.Backend = "memcached" }, true},
		{"redis backend without addr", func(c *Config) { c.RateLimit.Backend = "redis" }, true},
		{"redis backend with addr", func(c *Config) {
			c.RateLimit.Backend = "redis"
			c.Redis.Addr = "localhost:6379"
		}, false},
		{"zero requests", func(c *Config) { c.RateLimit.Requests = 0 }, true},
		{"zero window", func(c *Config) { c.RateLimit.Window = 0 }, true},
		{"zero max files", func(c *Config) { c.Sessions.MaxFiles = 0 }, true},
		{"zero cleanup interval", func(c *Config) { c.Sessions.CleanupInterval = 0 }, true},
		{"unknown tier override", func(c *Config) {
			c.Tiers.Overrides = map[string]TierSpec{"gold": {MaxExecutionTime: time.Second, MaxMemoryMB: 1}}
		}, true},
		{"incomplete tier override", func(c *Config) {
			c.Tiers.Overrides = map[string]TierSpec{"basic": {CostPerSecond: 1}}
		}, true},
		{"valid tier override", func(c *Config) {
			c.Tiers.Overrides = map[string]TierSpec{"basic": {MaxExecutionTime: time.Second, MaxMemoryMB: 32}}
		}, false},
		{"unknown tier assignment", func(c *Config) {
			c.Tiers.Assignments = map[string]string{"client-1": "platinum"}
		}, true},
		{"enterprise assignment", func(c *Config) {
			c.Tiers.Assignments = map[string]string{"client-1": "enterprise"}
		}, false},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true }, true},
		{"TLS enabled without cert", func(c *Config) {
			c.TLS.Enabled = true
		}, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"WORKER_URL":     "https://worker.internal/execute",
		"WORKER_API_KEY": "secret",
		"DATABASE_DSN":   "postgres://localhost/gw",
		"REDIS_ADDR":     "redis:6379",
		"JWT_SECRET":     "jwt",
		"PORT":           "9999",
	}
	cfg := DefaultConfig()
	cfg.ApplyEnv(func(k string) string { return env[k] })

	if cfg.Worker.URL != env["WORKER_URL"] {
		t.Errorf("Worker.URL = %q", cfg.Worker.URL)
	}
	if cfg.Worker.APIKey != "secret" {
		t.Errorf("Worker.APIKey = %q", cfg.Worker.APIKey)
	}
	if cfg.Database.DSN != env["DATABASE_DSN"] {
		t.Errorf("Database.DSN = %q", cfg.Database.DSN)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Security.JWTSecret != "jwt" {
		t.Errorf("Security.JWTSecret = %q", cfg.Security.JWTSecret)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
}

func TestApplyEnv_BadPortIgnored(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApplyEnv(func(k string) string {
		if k == "PORT" {
			return "eighty"
		}
		return ""
	})
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
gateway:
  default_timeout: 3s
rate_limit:
  requests: 5
  window: 1m
tiers:
  assignments:
    acme: enterprise
  overrides:
    basic:
      cost_per_second: 0.5
      cost_per_mb: 0.25
      max_execution_time: 2s
      max_memory_mb: 32
      allowed_modules: [math]
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Gateway.DefaultTimeout != 3*time.Second {
		t.Errorf("Gateway.DefaultTimeout = %s, want 3s", cfg.Gateway.DefaultTimeout)
	}
	if cfg.RateLimit.Requests != 5 {
		t.Errorf("RateLimit.Requests = %d, want 5", cfg.RateLimit.Requests)
	}
	if cfg.Tiers.Assignments["acme"] != "enterprise" {
		t.Errorf("Tiers.Assignments[acme] = %q", cfg.Tiers.Assignments["acme"])
	}
	basic := cfg.Tiers.Overrides["basic"]
	if basic.MaxExecutionTime != 2*time.Second || basic.MaxMemoryMB != 32 || len(basic.AllowedModules) != 1 {
		t.Errorf("basic override = %+v", basic)
	}
	if cfg.Worker.Port != 8090 {
		t.Errorf("defaults should survive partial file, Worker.Port = %d", cfg.Worker.Port)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	if got, want := cfg.Address(), "0.0.0.0:8080"; got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
	if got, want := cfg.WorkerAddress(), "0.0.0.0:8090"; got != want {
		t.Errorf("WorkerAddress() = %q, want %q", got, want)
	}
}
