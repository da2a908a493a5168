package cfg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testPepper = "0123456789ABCDEF0123456789ABCDEF"

func validCfg(t *testing.T) *Cfg {
	t.Helper()
	t.Setenv("LEGALVAULT_ENV_FILE", "")
	t.Setenv("PEPPER", testPepper)
	t.Setenv("SESSION_TOKEN_KEY", "fedcba9876543210FEDCBA9876543210")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return c
}

func TestLoad_Defaults(t *testing.T) {
	c := validCfg(t)
	if c.Port != "8080" {
		t.Errorf("Port = %s, want 8080", c.Port)
	}
	if c.StoreBackend != BackendSQLite {
		t.Errorf("StoreBackend = %s, want sqlite", c.StoreBackend)
	}
	if c.PBKDF2Iterations != MinPBKDF2Iterations {
		t.Errorf("PBKDF2Iterations = %d", c.PBKDF2Iterations)
	}
	if c.SessionIdleTTL != 30*time.Minute {
		t.Errorf("SessionIdleTTL = %v", c.SessionIdleTTL)
	}
	if err := Validate(c); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_InvalidNumber(t *testing.T) {
	t.Setenv("LEGALVAULT_ENV_FILE", "")
	t.Setenv("PBKDF2_ITERATIONS", "lots")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "PBKDF2_ITERATIONS") {
		t.Errorf("expected PBKDF2_ITERATIONS error, got %v", err)
	}
}

func TestLoad_DotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "test.env")
	if err := os.WriteFile(envPath, []byte("REDIS_PREFIX=fromfile:\nLOG_LEVEL=debug\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LEGALVAULT_ENV_FILE", envPath)
	t.Setenv("LOG_LEVEL", "warn")
	// godotenv sets the variable process-wide; restore it when done.
	t.Setenv("REDIS_PREFIX", "")
	os.Unsetenv("REDIS_PREFIX")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.RedisPrefix != "fromfile:" {
		t.Errorf("RedisPrefix = %q, want value from .env", c.RedisPrefix)
	}
	if c.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, environment should win over .env", c.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Cfg)
		wantErr string
	}{
		{"low pbkdf2", func(c *Cfg) { c.PBKDF2Iterations = 1000 }, "PBKDF2_ITERATIONS"},
		{"short pepper", func(c *Cfg) { c.Pepper = NewSecret("short") }, "PEPPER"},
		{"pepper from kms", func(c *Cfg) { c.Pepper = NewSecret(""); c.PepperFromKMS = true }, ""},
		{"short token key", func(c *Cfg) { c.TokenKey = NewSecret("x") }, "SESSION_TOKEN_KEY"},
		{"unknown backend", func(c *Cfg) { c.StoreBackend = "etcd" }, "STORE_BACKEND"},
		{"redis without url", func(c *Cfg) { c.StoreBackend = BackendRedis }, "REDIS_URL"},
		{"rediss without tls", func(c *Cfg) { c.StoreBackend = BackendRedis; c.RedisURL = "rediss://h:6379" }, "REDIS_TLS"},
		{"memory in production", func(c *Cfg) {
			c.StoreBackend = BackendMemory
			c.Environment = "production"
			c.MetricsUser, c.MetricsPass = "m", NewSecret("p")
		}, "memory"},
		{"db outside workdir", func(c *Cfg) { c.DatabasePath = "/etc/legalvault.db" }, "DATABASE_PATH"},
		{"bad proxy", func(c *Cfg) { c.TrustedProxies = []string{"10.0.0.0/99"} }, "TRUSTED_PROXIES"},
		{"token ttl below idle", func(c *Cfg) { c.SessionTokenTTL = time.Minute }, "SESSION_TOKEN_TTL"},
		{"metrics creds in production", func(c *Cfg) { c.Environment = "production" }, "METRICS_USER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCfg(t)
			tt.mutate(c)
			err := Validate(c)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSecret_RedactsAndWipes(t *testing.T) {
	s := NewSecret("hunter2")
	if s.String() != "***REDACTED***" {
		t.Errorf("String() leaked: %s", s.String())
	}
	s.Wipe()
	if strings.Trim(s.Value(), "\x00") != "" {
		t.Error("Wipe should zero the secret")
	}
}
