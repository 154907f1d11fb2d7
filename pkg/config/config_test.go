package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should validate: %v", err)
	}
	if cfg.Canary.Wait != 360*time.Second {
		t.Errorf("Expected canary wait 360s, got %s", cfg.Canary.Wait)
	}
	if cfg.Rollout.SandboxCell != "sandbox" {
		t.Errorf("Expected sandbox cell 'sandbox', got %s", cfg.Rollout.SandboxCell)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cellular.yaml")
	content := `
store:
  path: /var/lib/cellular/state.db
auth:
  jwt_secret: a-secret-of-enough-length
  token_ttl: 1h
canary:
  wait: 30s
rollout:
  max_parallel: 2
policy:
  paths: [policies, extra.rego]
  disabled: [image-pinned]
telemetry:
  logging:
    level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Store.Path != "/var/lib/cellular/state.db" {
		t.Errorf("Unexpected store path %s", cfg.Store.Path)
	}
	if cfg.Auth.TokenTTL != time.Hour {
		t.Errorf("Expected token ttl 1h, got %s", cfg.Auth.TokenTTL)
	}
	if cfg.Canary.Wait != 30*time.Second {
		t.Errorf("Expected canary wait 30s, got %s", cfg.Canary.Wait)
	}
	if cfg.Rollout.MaxParallel != 2 {
		t.Errorf("Expected max parallel 2, got %d", cfg.Rollout.MaxParallel)
	}
	if len(cfg.Policy.Paths) != 2 || cfg.Policy.Disabled[0] != "image-pinned" {
		t.Errorf("Unexpected policy config %+v", cfg.Policy)
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("Expected debug log level, got %s", cfg.Telemetry.Logging.Level)
	}

	// untouched sections keep their defaults
	if cfg.Router.Addr != "localhost:9000" {
		t.Errorf("Expected default router addr, got %s", cfg.Router.Addr)
	}
	if cfg.Cell.BasePort != 9001 {
		t.Errorf("Expected default base port, got %d", cfg.Cell.BasePort)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CELLULAR_AUTH_JWT_SECRET", "secret-from-the-environment")
	t.Setenv("CELLULAR_CANARY_WAIT", "2m")
	t.Setenv("CELLULAR_POLICY_PATHS", "a.rego,b.rego")
	t.Setenv("CELLULAR_ROLLOUT_ALLOW_WITHOUT_SANDBOX", "true")
	t.Setenv("CELLULAR_TELEMETRY_LOG_FORMAT", "json")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Auth.JWTSecret != "secret-from-the-environment" {
		t.Errorf("Env secret not applied, got %s", cfg.Auth.JWTSecret)
	}
	if cfg.Canary.Wait != 2*time.Minute {
		t.Errorf("Expected canary wait 2m, got %s", cfg.Canary.Wait)
	}
	if len(cfg.Policy.Paths) != 2 || cfg.Policy.Paths[1] != "b.rego" {
		t.Errorf("Unexpected policy paths %v", cfg.Policy.Paths)
	}
	if !cfg.Rollout.AllowWithoutSandbox {
		t.Error("Expected AllowWithoutSandbox from env")
	}
	if cfg.Telemetry.Logging.Format != "json" {
		t.Errorf("Expected json log format, got %s", cfg.Telemetry.Logging.Format)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected error for an explicit missing file")
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("store: [unclosed"), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, err := Load(bad); err == nil {
		t.Error("Expected error for malformed YAML")
	}

	weak := filepath.Join(dir, "weak.yaml")
	if err := os.WriteFile(weak, []byte("auth:\n  jwt_secret: short\nrollout:\n  sandbox_cell: Bad_Cell\n"), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	_, err := Load(weak)
	if err == nil {
		t.Fatal("Expected validation error")
	}
	for _, want := range []string{"Auth.JWTSecret", "Rollout.SandboxCell"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected %s in %q", want, err)
		}
	}
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cellular.yaml")

	cfg := Default()
	cfg.Canary.Wait = 90 * time.Second
	if err := cfg.Write(path); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Canary.Wait != 90*time.Second {
		t.Errorf("Expected canary wait 90s, got %s", loaded.Canary.Wait)
	}
}

func TestCheckSecret(t *testing.T) {
	cfg := Default()
	if err := cfg.CheckSecret(); !errors.Is(err, ErrDefaultSecret) {
		t.Errorf("Expected ErrDefaultSecret for the default config, got %v", err)
	}

	cfg.Auth.JWTSecret = "a-secret-of-enough-length"
	if err := cfg.CheckSecret(); err != nil {
		t.Errorf("Expected a real secret to pass, got %v", err)
	}
}
