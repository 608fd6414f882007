package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.Quota.FreeDailyLimit != 10 {
		t.Errorf("FreeDailyLimit = %d, want 10", cfg.Quota.FreeDailyLimit)
	}
	if cfg.Quota.Backend != "memory" {
		t.Errorf("Backend = %q, want memory", cfg.Quota.Backend)
	}
	if cfg.Stream.IdleTimeout != 30*time.Second {
		t.Errorf("IdleTimeout = %v, want 30s", cfg.Stream.IdleTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("FREE_DAILY_LIMIT", "25")
	t.Setenv("STREAM_IDLE_TIMEOUT", "45s")
	t.Setenv("QUOTA_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("Port = %q, want 9090", cfg.Port)
	}
	if cfg.Quota.FreeDailyLimit != 25 {
		t.Errorf("FreeDailyLimit = %d, want 25", cfg.Quota.FreeDailyLimit)
	}
	if cfg.Stream.IdleTimeout != 45*time.Second {
		t.Errorf("IdleTimeout = %v, want 45s", cfg.Stream.IdleTimeout)
	}
	if cfg.Quota.Backend != "redis" || cfg.Quota.RedisAddr != "redis.internal:6379" {
		t.Errorf("quota backend = %+v, want redis overrides", cfg.Quota)
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("FREE_DAILY_LIMIT", "lots")
	t.Setenv("STREAM_IDLE_TIMEOUT", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Quota.FreeDailyLimit != 10 {
		t.Errorf("FreeDailyLimit = %d, want fallback 10", cfg.Quota.FreeDailyLimit)
	}
	if cfg.Stream.IdleTimeout != 30*time.Second {
		t.Errorf("IdleTimeout = %v, want fallback 30s", cfg.Stream.IdleTimeout)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Port = "" }},
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"zero limit", func(c *Config) { c.Quota.FreeDailyLimit = 0 }},
		{"unknown backend", func(c *Config) { c.Quota.Backend = "etcd" }},
		{"redis without addr", func(c *Config) {
			c.Quota.Backend = "redis"
			c.Quota.RedisAddr = ""
		}},
		{"zero idle timeout", func(c *Config) { c.Stream.IdleTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() passed, want error")
			}
		})
	}
}

func TestIsDevelopment(t *testing.T) {
	tests := []struct {
		frontend string
		want     bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:3000", true},
		{"https://selah.app", false},
	}
	for _, tt := range tests {
		cfg := &Config{FrontendURL: tt.frontend}
		if got := cfg.IsDevelopment(); got != tt.want {
			t.Errorf("IsDevelopment() with %q = %v, want %v", tt.frontend, got, tt.want)
		}
	}
}
