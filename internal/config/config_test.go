package config

import (
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123"

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("STORE_TYPE", "SQLite")
	t.Setenv("FLUSH_INTERVAL", "5")
	t.Setenv("COOLDOWN_EXPIRY", "90s")
	t.Setenv("STUN_SERVERS", "stun:a:3478, stun:b:3478")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":5000" || cfg.StoreType != "sqlite" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.FlushInterval != 5*time.Second || cfg.CooldownExpiry != 90*time.Second {
		t.Fatalf("durations = %v, %v", cfg.FlushInterval, cfg.CooldownExpiry)
	}
	if len(cfg.STUNServers) != 2 || cfg.STUNServers[1] != "stun:b:3478" {
		t.Fatalf("stun = %v", cfg.STUNServers)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("HTTP_ADDR", ":6000")

	cfg, err := Load([]string{"-http", ":7000", "-cooldown-expiry", "1m", "-store", "json"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":7000" || cfg.CooldownExpiry != time.Minute {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestValidation(t *testing.T) {
	cases := map[string]func(*Config){
		"missing secret": func(c *Config) { c.JWTSecret = "" },
		"short secret":   func(c *Config) { c.JWTSecret = "short" },
		"bad store":      func(c *Config) { c.StoreType = "mongo" },
		"bad level":      func(c *Config) { c.LogLevel = "loud" },
		"bad nats url":   func(c *Config) { c.NATSURL = "not a url" },
		"tiny flush":     func(c *Config) { c.FlushInterval = time.Millisecond },
		"negative ttl":   func(c *Config) { c.SessionIdleTTL = -time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.JWTSecret = testSecret
			mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if strings.Contains(err.Error(), testSecret) {
				t.Fatalf("error leaks the secret: %v", err)
			}
		})
	}

	ok := DefaultConfig()
	ok.JWTSecret = testSecret
	ok.NATSURL = "nats://localhost:4222"
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestBadEnvValues(t *testing.T) {
	t.Setenv("MAX_FRAME_BYTES", "lots")
	if _, err := FromEnv(); err == nil || !strings.Contains(err.Error(), "MAX_FRAME_BYTES") {
		t.Fatalf("err = %v", err)
	}
}
