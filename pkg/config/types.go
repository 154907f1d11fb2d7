package config

import (
	"time"

	"github.com/openfroyo/cellular/pkg/telemetry"
)

// Config is the configuration shared by cellularctl, the router and every
// cell service.
type Config struct {
	Store     StoreConfig      `yaml:"store" envPrefix:"STORE_"`
	Auth      AuthConfig       `yaml:"auth" envPrefix:"AUTH_"`
	Router    RouterConfig     `yaml:"router" envPrefix:"ROUTER_"`
	Cell      CellConfig       `yaml:"cell" envPrefix:"CELL_"`
	Canary    CanaryConfig     `yaml:"canary" envPrefix:"CANARY_"`
	Rollout   RolloutConfig    `yaml:"rollout" envPrefix:"ROLLOUT_"`
	Policy    PolicyConfig     `yaml:"policy" envPrefix:"POLICY_"`
	Telemetry telemetry.Config `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// StoreConfig locates the SQLite state store.
type StoreConfig struct {
	// Path is the database file, or ":memory:".
	Path string `yaml:"path" env:"PATH" validate:"required"`
}

// AuthConfig configures the JWTs the router issues and cells verify.
type AuthConfig struct {
	// JWTSecret signs tokens. Router and cells must share it.
	JWTSecret string        `yaml:"jwt_secret" env:"JWT_SECRET" validate:"required,min=16"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"TOKEN_TTL" validate:"gt=0"`
}

// RouterConfig configures the routing layer.
type RouterConfig struct {
	// Addr is the listen address of the router.
	Addr string `yaml:"addr" env:"ADDR" validate:"required"`

	// DNSName is the public name recorded in the router stack.
	DNSName string `yaml:"dns_name" env:"DNS_NAME" validate:"required"`
}

// CellConfig configures cell stacks and services.
type CellConfig struct {
	// BasePort is the first port handed to a cell stack.
	BasePort int `yaml:"base_port" env:"BASE_PORT" validate:"min=1,max=65535"`

	// TemplatePath is the cell template file watched by the pipeline.
	TemplatePath string `yaml:"template_path" env:"TEMPLATE_PATH"`

	// DefaultImage is used when generating a template.
	DefaultImage string `yaml:"default_image" env:"DEFAULT_IMAGE" validate:"required"`
}

// CanaryConfig configures canary checks.
type CanaryConfig struct {
	// Wait is how long a rollout lets the sandbox settle before checking it.
	Wait time.Duration `yaml:"wait" env:"WAIT" validate:"gte=0"`

	// Interval is the period of the canary runner.
	Interval time.Duration `yaml:"interval" env:"INTERVAL" validate:"gt=0"`

	// Timeout bounds one canary request.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gt=0"`

	// Script is an optional Starlark assertion file.
	Script        string        `yaml:"script" env:"SCRIPT"`
	ScriptTimeout time.Duration `yaml:"script_timeout" env:"SCRIPT_TIMEOUT" validate:"gte=0"`
}

// RolloutConfig configures rollouts.
type RolloutConfig struct {
	SandboxCell string `yaml:"sandbox_cell" env:"SANDBOX_CELL" validate:"required,hostname_rfc1123"`

	// MaxParallel caps concurrent unit execution. 0 means unbounded.
	MaxParallel int `yaml:"max_parallel" env:"MAX_PARALLEL" validate:"gte=0"`

	MaxRetries  int           `yaml:"max_retries" env:"MAX_RETRIES" validate:"gte=0,lte=10"`
	UnitTimeout time.Duration `yaml:"unit_timeout" env:"UNIT_TIMEOUT" validate:"gte=0"`

	// CanaryEveryCell adds a canary after every cell deploy, not only the sandbox.
	CanaryEveryCell bool `yaml:"canary_every_cell" env:"CANARY_EVERY_CELL"`

	// AllowWithoutSandbox lets rollouts that skip the sandbox pass policy.
	AllowWithoutSandbox bool `yaml:"allow_without_sandbox" env:"ALLOW_WITHOUT_SANDBOX"`
}

// PolicyConfig configures the policy engine.
type PolicyConfig struct {
	// Paths are .rego/.json files or directories of custom policies.
	Paths []string `yaml:"paths" env:"PATHS" envSeparator:","`

	// Watch reloads custom policies when they change.
	Watch bool `yaml:"watch" env:"WATCH"`

	// Disabled lists policy names to turn off, built-in ones included.
	Disabled []string `yaml:"disabled" env:"DISABLED" envSeparator:","`
}
