package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/cellular/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. CELLULAR_AUTH_JWT_SECRET.
const EnvPrefix = "CELLULAR_"

// DefaultPath is where cellularctl looks for its configuration.
const DefaultPath = "cellular.yaml"

// DefaultJWTSecret is the placeholder secret of Default. Servers refuse to
// start with it.
const DefaultJWTSecret = "change-me-cellular-secret"

// ErrDefaultSecret is returned by CheckSecret for the placeholder secret.
var ErrDefaultSecret = errors.New("auth.jwt_secret is the built-in default; run `cellularctl setup init` or set " + EnvPrefix + "AUTH_JWT_SECRET")

// Default returns a configuration suitable for a local fleet.
func Default() *Config {
	tel := telemetry.DefaultConfig()
	return &Config{
		Store: StoreConfig{Path: "cellular.db"},
		Auth: AuthConfig{
			JWTSecret: DefaultJWTSecret,
			TokenTTL:  24 * time.Hour,
		},
		Router: RouterConfig{
			Addr:    "localhost:9000",
			DNSName: "localhost:9000",
		},
		Cell: CellConfig{
			BasePort:     9001,
			TemplatePath: "cell-template.yaml",
			DefaultImage: "cellular/cell:1.0.0",
		},
		Canary: CanaryConfig{
			Wait:          360 * time.Second,
			Interval:      time.Minute,
			Timeout:       10 * time.Second,
			ScriptTimeout: 5 * time.Second,
		},
		Rollout: RolloutConfig{
			SandboxCell: "sandbox",
			MaxParallel: 5,
			MaxRetries:  2,
			UnitTimeout: 10 * time.Minute,
		},
		Telemetry: *tel,
	}
}

// CheckSecret fails while the token secret is still the placeholder, since
// anyone could mint cell tokens with it.
func (c *Config) CheckSecret() error {
	if c.Auth.JWTSecret == DefaultJWTSecret {
		return ErrDefaultSecret
	}
	return nil
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. A missing file is not an error when
// path is the default location.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}

	return nil
}

// Write saves the configuration as YAML, creating parent directories.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
