package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.GRPCAddress != defaultGRPCAddress {
		t.Fatalf("expected default grpc address %s, got %s", defaultGRPCAddress, cfg.GRPCAddress)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Fatalf("expected default log level %s, got %s", defaultLogLevel, cfg.LogLevel)
	}
	if cfg.ShutdownGracePeriod != defaultShutdownGracePeriod {
		t.Fatalf("expected default grace %s, got %s", defaultShutdownGracePeriod, cfg.ShutdownGracePeriod)
	}
	if cfg.Store.Driver != defaultStoreDriver {
		t.Fatalf("expected default driver %s, got %s", defaultStoreDriver, cfg.Store.Driver)
	}
	if cfg.Delivery.DedupWindow != defaultDedupWindow {
		t.Fatalf("expected default dedup window %s, got %s", defaultDedupWindow, cfg.Delivery.DedupWindow)
	}
	if cfg.JWT.TTL != defaultJWTTTL {
		t.Fatalf("expected default jwt ttl %s, got %s", defaultJWTTTL, cfg.JWT.TTL)
	}
}

func TestLoadWithFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(`
grpc_address: "127.0.0.1:7001"
log_level: "debug"
shutdown_grace_period: "5s"
store:
  driver: "postgres"
  postgres_url: "postgres://localhost/messenger"
jwt:
  keys: "k1:one,k2:two"
  active_kid: "k2"
delivery:
  dedup_window: "1m"
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("MESSENGER_GRPC_ADDRESS", ":6000")
	t.Setenv("MESSENGER_JWT_TTL", "2h")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.GRPCAddress != ":6000" {
		t.Fatalf("expected env override for grpc address, got %s", cfg.GRPCAddress)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level debug, got %s", cfg.LogLevel)
	}
	if cfg.ShutdownGracePeriod != 5*time.Second {
		t.Fatalf("expected grace 5s, got %s", cfg.ShutdownGracePeriod)
	}
	if cfg.JWT.TTL != 2*time.Hour {
		t.Fatalf("expected jwt ttl from env, got %s", cfg.JWT.TTL)
	}
	if cfg.Delivery.DedupWindow != time.Minute {
		t.Fatalf("expected dedup window from file, got %s", cfg.Delivery.DedupWindow)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	keys, err := cfg.JWTKeys()
	if err != nil {
		t.Fatalf("parse jwt keys: %v", err)
	}
	if len(keys) != 2 || keys["k2"] != "two" {
		t.Fatalf("unexpected jwt keys: %v", keys)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("MESSENGER_STORE_DRIVER", "sqlite")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestValidate(t *testing.T) {
	cfg := Config{Store: StoreConfig{Driver: "memory"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error without jwt secret")
	}
	cfg.JWT.Secret = "s"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.Store.Driver = "mongo"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error without mongo uri")
	}

	bad := Config{JWT: JWTConfig{Keys: "nokid"}}
	if _, err := bad.JWTKeys(); err == nil {
		t.Fatal("expected error for malformed key entry")
	}
}
