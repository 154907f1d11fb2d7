package commands

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfroyo/cellular/pkg/config"
	"github.com/openfroyo/cellular/pkg/engine"
	"github.com/openfroyo/cellular/pkg/policy"
	"github.com/openfroyo/cellular/pkg/provision"
	"github.com/openfroyo/cellular/pkg/rollout"
	"github.com/openfroyo/cellular/pkg/stores"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newSetupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Initialize, deploy or tear down a fleet",
		Long: `Commands to bring a whole fleet up or down in one step.`,
	}

	cmd.AddCommand(
		newSetupInitCommand(),
		newSetupDeployCommand(),
		newSetupDestroyCommand(),
	)
	return cmd
}

func newSetupInitCommand() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration and state database",
		Long: `Write a configuration file with a fresh token secret and create the
state database under the data directory.`,
		Example: `  # Initialize in ./data with cellular.yaml
  cellularctl setup init

  # Initialize somewhere else
  cellularctl setup init --data-dir /var/lib/cellular -c /etc/cellular/cellular.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.DefaultPath
			}
			log.Info().Str("config", path).Str("data_dir", dataDir).Msg("Initializing fleet")

			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config file %s already exists", path)
			}
			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dataDir, err)
			}
			fmt.Printf("✓ Created directory: %s\n", dataDir)

			secret := make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				return fmt.Errorf("failed to generate token secret: %w", err)
			}

			cfg := config.Default()
			cfg.Store.Path = filepath.Join(dataDir, "cellular.db")
			cfg.Auth.JWTSecret = base64.RawURLEncoding.EncodeToString(secret)
			cfg.Cell.TemplatePath = filepath.Join(dataDir, "cell-template.yaml")

			store, err := stores.Open(cmd.Context(), stores.Config{Path: cfg.Store.Path})
			if err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Printf("✓ Initialized SQLite database: %s\n", cfg.Store.Path)

			if err := cfg.Write(path); err != nil {
				return err
			}
			fmt.Printf("✓ Created config file: %s\n", path)
			fmt.Println("\nNext: cellularctl setup deploy --cells 2")
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "directory for the state database and template")
	return cmd
}

func newSetupDeployCommand() *cobra.Command {
	var (
		cells int
		image string
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy the router, the sandbox and production cells",
		Long: `Bring up a complete fleet:

  - writes the default cell template if the template file is missing
  - uploads the template
  - records the router stack
  - creates the sandbox cell and --cells production cells

Existing cells are left alone.`,
		Example: `  # Deploy a sandbox and three production cells
  cellularctl setup deploy --cells 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Int("cells", cells).Msg("Deploying fleet")

			return withApp(cmd.Context(), func(a *app) error {
				ctx := cmd.Context()
				path := a.cfg.Cell.TemplatePath

				if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
					if image == "" {
						image = a.cfg.Cell.DefaultImage
					}
					content, err := provision.GenerateTemplate("v1", image)
					if err != nil {
						return err
					}
					if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
						return fmt.Errorf("failed to write template: %w", err)
					}
					fmt.Printf("✓ Wrote default template: %s\n", path)
				}

				content, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read template: %w", err)
				}
				tmpl, _, err := rollout.UploadTemplate(ctx, a.store, a.provisioner.Schema(), string(content))
				if err != nil {
					return err
				}
				fmt.Printf("✓ Template version %d stored\n", tmpl.Version)

				dns := a.cfg.Router.DNSName
				if dns == "" {
					dns = a.cfg.Router.Addr
				}
				if _, err := a.provisioner.DeployRouter(ctx, dns); err != nil {
					return err
				}
				fmt.Printf("✓ Router deployed: %s\n", dns)

				ids := []string{a.rollout.SandboxCell()}
				for i := 1; i <= cells; i++ {
					ids = append(ids, fmt.Sprintf("cell-%d", i))
				}
				for _, id := range ids {
					if _, err := a.registry.Get(ctx, id); err == nil {
						fmt.Printf("  Cell %s exists, skipping\n", id)
						continue
					} else if engine.CodeOf(err) != engine.ErrCodeNotFound {
						return err
					}
					c, err := a.rollout.CreateCell(ctx, rollout.CreateCellInput{
						CellID:          id,
						TemplateVersion: tmpl.Version,
						User:            currentUser(),
					})
					if err != nil {
						return err
					}
					fmt.Printf("✓ Cell %s created (stage=%s)\n", c.ID, c.Stage)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&cells, "cells", 2, "number of production cells")
	cmd.Flags().StringVar(&image, "image", "", "image for a generated template (default from config)")
	return cmd
}

func newSetupDestroyCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Delete every cell and the router",
		Long: `Delete every cell, the sandbox included, and the router stack. Users and
their items stay in the state database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to destroy the fleet without --yes")
			}
			log.Warn().Msg("Destroying fleet")

			return withApp(cmd.Context(), func(a *app) error {
				ctx := cmd.Context()
				if err := a.policies.DisablePolicy(policy.PolicyProtectedSandbox); err != nil {
					return err
				}

				cells, err := a.registry.List(ctx)
				if err != nil {
					return err
				}
				// production cells first so the sandbox goes last
				ordered := make([]*stores.Cell, 0, len(cells))
				var sandbox []*stores.Cell
				for _, c := range cells {
					if c.Stage == stores.StageSandbox {
						sandbox = append(sandbox, c)
						continue
					}
					ordered = append(ordered, c)
				}
				ordered = append(ordered, sandbox...)

				var errs []error
				for _, c := range ordered {
					if err := a.rollout.DeleteCell(ctx, c.ID, currentUser()); err != nil {
						errs = append(errs, err)
						fmt.Printf("✗ Cell %s: %v\n", c.ID, err)
						continue
					}
					fmt.Printf("✓ Cell %s deleted\n", c.ID)
				}

				if err := a.provisioner.DeleteStack(ctx, provision.RouterStackName); err != nil {
					errs = append(errs, err)
				} else {
					fmt.Println("✓ Router deleted")
				}
				return errors.Join(errs...)
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm destruction")
	return cmd
}
