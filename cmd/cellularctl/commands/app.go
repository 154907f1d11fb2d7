package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/cellular/pkg/auth"
	"github.com/openfroyo/cellular/pkg/canary"
	"github.com/openfroyo/cellular/pkg/config"
	"github.com/openfroyo/cellular/pkg/policy"
	"github.com/openfroyo/cellular/pkg/provision"
	"github.com/openfroyo/cellular/pkg/registry"
	"github.com/openfroyo/cellular/pkg/rollout"
	"github.com/openfroyo/cellular/pkg/stores"
	"github.com/openfroyo/cellular/pkg/telemetry"
	"github.com/rs/zerolog"
)

// app holds every component a command may need, wired from the config.
type app struct {
	cfg         *config.Config
	store       *stores.SQLiteStore
	tel         *telemetry.Telemetry
	issuer      *auth.Issuer
	registry    *registry.Registry
	provisioner *provision.LocalProvisioner
	policies    *policy.Engine
	checker     *canary.Checker
	rollout     *rollout.Service
	logger      zerolog.Logger
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath
	}
	return config.Load(path)
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if jsonOutput {
		cfg.Telemetry.Logging.Format = "json"
	}
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()

	store, err := stores.Open(ctx, stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", cfg.Store.Path, err)
	}

	a := &app{cfg: cfg, store: store, tel: tel, logger: logger}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	a.issuer = issuer

	a.registry = registry.New(a.store, a.tel.Events, a.logger)

	a.provisioner, err = provision.NewLocalProvisioner(a.store, cfg.Cell.BasePort, a.logger)
	if err != nil {
		return err
	}

	a.policies, err = policy.NewEngine(a.logger, policy.Settings{
		SandboxCell:         cfg.Rollout.SandboxCell,
		MaxParallel:         cfg.Rollout.MaxParallel,
		AllowWithoutSandbox: cfg.Rollout.AllowWithoutSandbox,
	})
	if err != nil {
		return err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := a.policies.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return err
		}
	}
	for _, name := range cfg.Policy.Disabled {
		if err := a.policies.DisablePolicy(name); err != nil {
			return err
		}
	}

	opts := []canary.Option{
		canary.WithTelemetry(a.tel),
		canary.WithHTTPClient(&http.Client{Timeout: cfg.Canary.Timeout}),
	}
	if cfg.Canary.Script != "" {
		script, err := os.ReadFile(cfg.Canary.Script)
		if err != nil {
			return fmt.Errorf("failed to read canary script: %w", err)
		}
		opts = append(opts, canary.WithScript(string(script), cfg.Canary.ScriptTimeout))
	}
	a.checker = canary.NewChecker(a.registry, a.issuer, a.store, a.logger, opts...)

	a.rollout = rollout.NewService(a.store, a.registry, a.provisioner, a.checker, a.policies, a.tel, rollout.Options{
		SandboxCell:     cfg.Rollout.SandboxCell,
		CanaryWait:      cfg.Canary.Wait,
		CanaryEveryCell: cfg.Rollout.CanaryEveryCell,
		MaxParallel:     cfg.Rollout.MaxParallel,
		MaxRetries:      cfg.Rollout.MaxRetries,
		UnitTimeout:     cfg.Rollout.UnitTimeout,
	}, a.logger)
	return nil
}

// Close flushes telemetry and closes the store.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to flush telemetry")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close store")
	}
}

// withApp runs fn with a wired app and closes it afterwards.
func withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable writes rows under header, tab separated and aligned.
func printTable(w io.Writer, header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	writeRow := func(cols []string) {
		for i, col := range cols {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, col)
		}
		fmt.Fprintln(tw)
	}
	writeRow(header)
	for _, row := range rows {
		writeRow(row)
	}
	return tw.Flush()
}

// output prints v as JSON with --json, otherwise calls text.
func output(v interface{}, text func() error) error {
	if jsonOutput {
		return printJSON(v)
	}
	return text()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
