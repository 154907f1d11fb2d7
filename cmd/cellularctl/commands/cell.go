package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/cellular/pkg/cell"
	"github.com/openfroyo/cellular/pkg/engine"
	"github.com/openfroyo/cellular/pkg/provision"
	"github.com/openfroyo/cellular/pkg/rollout"
	"github.com/openfroyo/cellular/pkg/stores"
	"github.com/openfroyo/cellular/pkg/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newCellCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cell",
		Short: "Manage cells",
		Long: `Create, delete, update and inspect the cells of the fleet.

Each cell is an isolated copy of the application backed by its own stack.
The sandbox cell receives every update first and is never assigned users.`,
	}

	cmd.AddCommand(
		newCellListCommand(),
		newCellGetCommand(),
		newCellCreateCommand(),
		newCellDeleteCommand(),
		newCellUpdateCommand(),
		newCellGenerateTemplateCommand(),
		newCellServeCommand(),
		newCellDriftCommand(),
	)
	return cmd
}

func printCells(cells []*stores.Cell) error {
	return output(cells, func() error {
		rows := make([][]string, 0, len(cells))
		for _, c := range cells {
			rows = append(rows, []string{
				c.ID,
				string(c.Stage),
				string(c.Status),
				strconv.Itoa(c.TemplateVersion),
				c.ImageURI,
				formatTime(c.UpdatedAt),
			})
		}
		return printTable(os.Stdout, []string{"CELL", "STAGE", "STATUS", "VERSION", "IMAGE", "UPDATED"}, rows)
	})
}

func newCellListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all cells",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				cells, err := a.registry.List(cmd.Context())
				if err != nil {
					return err
				}
				return printCells(cells)
			})
		},
	}
}

func newCellGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <cell-id>",
		Short: "Show a cell and its stack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				c, err := a.registry.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				stack, err := a.provisioner.DescribeStack(cmd.Context(), c.StackName)
				if err != nil && engine.CodeOf(err) != engine.ErrCodeNotFound {
					return err
				}

				view := struct {
					*stores.Cell
					Stack *stores.Stack `json:"stack,omitempty"`
				}{Cell: c, Stack: stack}

				return output(view, func() error {
					fmt.Printf("Cell:      %s\n", c.ID)
					fmt.Printf("Stage:     %s\n", c.Stage)
					fmt.Printf("Status:    %s\n", c.Status)
					fmt.Printf("Version:   %d\n", c.TemplateVersion)
					fmt.Printf("Image:     %s\n", c.ImageURI)
					fmt.Printf("Created:   %s\n", formatTime(c.CreatedAt))
					fmt.Printf("Updated:   %s\n", formatTime(c.UpdatedAt))
					if stack != nil {
						fmt.Printf("Stack:     %s (%s)\n", stack.Name, stack.Status)
						fmt.Printf("Endpoint:  %s\n", stack.Outputs[provision.OutputDNSName])
						fmt.Printf("Table:     %s\n", stack.Outputs[provision.OutputTableName])
					}
					return nil
				})
			})
		},
	}
}

func newCellCreateCommand() *cobra.Command {
	var (
		stage           string
		image           string
		templateVersion int
	)

	cmd := &cobra.Command{
		Use:   "create <cell-id>",
		Short: "Create a cell",
		Long: `Create a cell from a stored template version.

The cell is registered as creating, its stack is provisioned and it becomes
active. A cell whose stack fails to provision is marked failed and its stack
is removed.`,
		Example: `  # Create a production cell from the latest template
  cellularctl cell create cell-1

  # Create the sandbox cell pinned to template version 3
  cellularctl cell create sandbox --stage sandbox --template-version 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Str("cell", args[0]).
				Str("stage", stage).
				Int("template_version", templateVersion).
				Msg("Creating cell")

			return withApp(cmd.Context(), func(a *app) error {
				c, err := a.rollout.CreateCell(cmd.Context(), rollout.CreateCellInput{
					CellID:          args[0],
					Stage:           stores.Stage(stage),
					ImageURI:        image,
					TemplateVersion: templateVersion,
					User:            currentUser(),
				})
				if err != nil {
					return err
				}
				return output(c, func() error {
					fmt.Printf("✓ Cell %s created (stage=%s, version=%d)\n", c.ID, c.Stage, c.TemplateVersion)
					return nil
				})
			})
		},
	}

	cmd.Flags().StringVar(&stage, "stage", "", "cell stage: prod or sandbox (default derived from the cell ID)")
	cmd.Flags().StringVar(&image, "image", "", "container image overriding the template")
	cmd.Flags().IntVar(&templateVersion, "template-version", 0, "template version (0 for latest)")
	return cmd
}

func newCellDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <cell-id>",
		Short: "Delete a cell and its stack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Str("cell", args[0]).Msg("Deleting cell")

			return withApp(cmd.Context(), func(a *app) error {
				if err := a.rollout.DeleteCell(cmd.Context(), args[0], currentUser()); err != nil {
					return err
				}
				fmt.Printf("✓ Cell %s deleted\n", args[0])
				return nil
			})
		},
	}
}

func newCellUpdateCommand() *cobra.Command {
	var (
		templateVersion int
		image           string
		wait            time.Duration
		dryRun          bool
		force           bool
		follow          bool
	)

	cmd := &cobra.Command{
		Use:   "update [cell-id...]",
		Short: "Roll a template version out to cells",
		Long: `Update cells to a template version.

The sandbox cell is updated first and canaried for the configured wait.
Production cells are only updated once the sandbox passes. Without cell IDs
every active or failed cell is updated.`,
		Example: `  # Roll the latest template out to the whole fleet
  cellularctl cell update

  # Show the plan without executing it
  cellularctl cell update --dry-run

  # Update two cells to version 4, following progress
  cellularctl cell update sandbox cell-1 --template-version 4 --follow`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Strs("cells", args).
				Int("template_version", templateVersion).
				Bool("dry_run", dryRun).
				Msg("Updating cells")

			return withApp(cmd.Context(), func(a *app) error {
				input := rollout.UpdateInput{
					CellIDs:         args,
					TemplateVersion: templateVersion,
					ImageURI:        image,
					Wait:            wait,
					DryRun:          dryRun,
					Force:           force,
					User:            currentUser(),
				}
				if dryRun {
					plan, err := a.rollout.Plan(cmd.Context(), input)
					if err != nil {
						return err
					}
					return printPlan(plan)
				}
				return runUpdate(cmd.Context(), a, input, follow)
			})
		},
	}

	cmd.Flags().IntVar(&templateVersion, "template-version", 0, "template version (0 for latest)")
	cmd.Flags().StringVar(&image, "image", "", "container image overriding the template")
	cmd.Flags().DurationVar(&wait, "wait", 0, "sandbox canary wait (default from config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan without executing it")
	cmd.Flags().BoolVar(&force, "force", false, "redeploy cells already at the target version")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "print rollout events as they happen")
	return cmd
}

// runUpdate executes a rollout, optionally streaming its events, and prints the run.
func runUpdate(ctx context.Context, a *app, input rollout.UpdateInput, follow bool) error {
	if follow {
		unsubscribe := a.tel.Events.Subscribe(printEvent, nil)
		defer unsubscribe()
	}

	run, err := a.rollout.UpdateCells(ctx, input)
	if run != nil {
		if perr := printRun(run); perr != nil {
			return perr
		}
	}
	return err
}

func printEvent(event telemetry.Event) {
	if jsonOutput {
		_ = printJSON(event)
		return
	}
	marker := "•"
	switch event.Level {
	case telemetry.EventLevelWarning:
		marker = "!"
	case telemetry.EventLevelError:
		marker = "✗"
	}
	fmt.Printf("%s %s %-24s %s\n", event.Timestamp.Local().Format(time.TimeOnly), marker, event.Type, event.Message)
}

func printRun(run *engine.Run) error {
	return output(run, func() error {
		fmt.Printf("Run:       %s\n", run.ID)
		fmt.Printf("Status:    %s\n", run.Status)
		fmt.Printf("User:      %s\n", run.User)
		fmt.Printf("Started:   %s\n", formatTime(run.StartedAt))
		if run.CompletedAt != nil {
			fmt.Printf("Completed: %s (%s)\n", formatTime(*run.CompletedAt), run.Duration.Round(time.Millisecond))
		}
		s := run.Summary
		fmt.Printf("Units:     %d total, %d succeeded, %d failed, %d skipped, %d cancelled\n",
			s.Total, s.Succeeded, s.Failed, s.Skipped, s.Cancelled)
		return nil
	})
}

func printPlan(plan *engine.Plan) error {
	return output(plan, func() error {
		fmt.Printf("Plan %s: %d units\n", plan.ID, len(plan.Units))
		rows := make([][]string, 0, len(plan.Units))
		for _, unit := range plan.Units {
			deps := "-"
			if len(unit.Dependencies) > 0 {
				ids := make([]string, 0, len(unit.Dependencies))
				for _, dep := range unit.Dependencies {
					ids = append(ids, dep.TargetID)
				}
				deps = strings.Join(ids, ",")
			}
			rows = append(rows, []string{unit.ID, string(unit.Operation), unit.CellID, deps})
		}
		return printTable(os.Stdout, []string{"UNIT", "OPERATION", "CELL", "DEPENDS ON"}, rows)
	})
}

func newCellGenerateTemplateCommand() *cobra.Command {
	var (
		version string
		image   string
		out     string
	)

	cmd := &cobra.Command{
		Use:   "generate-template",
		Short: "Write the default cell template",
		Example: `  # Print a template for a new image
  cellularctl cell generate-template --version v2 --image registry.local/cell:2.0.0

  # Write it to the watched template file
  cellularctl cell generate-template --version v2 --out cell-template.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if image == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				image = cfg.Cell.DefaultImage
			}
			content, err := provision.GenerateTemplate(version, image)
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				fmt.Print(content)
				return nil
			}
			if err := os.WriteFile(out, []byte(content), 0o644); err != nil {
				return fmt.Errorf("failed to write template: %w", err)
			}
			fmt.Printf("✓ Template %s written to %s\n", version, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&version, "version", "v1", "template version label")
	cmd.Flags().StringVar(&image, "image", "", "container image (default from config)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func newCellServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve <cell-id>",
		Short: "Run the HTTP service of a cell",
		Long: `Serve one cell on the port allocated to its stack.

The cell stores user items in its own table and only accepts requests
carrying a token issued for it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				srv, err := newCellServer(cmd.Context(), a, args[0])
				if err != nil {
					return err
				}
				log.Info().Str("cell", args[0]).Msg("Serving cell")
				return ignoreCanceled(srv.ListenAndServe(cmd.Context()))
			})
		},
	}
}

// newCellServer builds the server of a cell from its stack outputs.
func newCellServer(ctx context.Context, a *app, cellID string) (*cell.Server, error) {
	if err := a.cfg.CheckSecret(); err != nil {
		return nil, err
	}
	c, err := a.registry.Get(ctx, cellID)
	if err != nil {
		return nil, err
	}
	stack, err := a.provisioner.DescribeStack(ctx, c.StackName)
	if err != nil {
		return nil, err
	}
	port := stack.Parameters["port"]
	if port == "" {
		return nil, fmt.Errorf("stack %s has no port", stack.Name)
	}
	return cell.NewServer(cell.Config{
		CellID:    cellID,
		TableName: stack.Outputs[provision.OutputTableName],
		Addr:      "localhost:" + port,
	}, a.store, a.issuer, a.tel.Metrics, a.logger), nil
}

func newCellDriftCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drift",
		Short: "Find cells whose stack diverged from their record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				drifts, err := a.rollout.DetectDrift(cmd.Context())
				if err != nil {
					return err
				}
				return output(drifts, func() error {
					if len(drifts) == 0 {
						fmt.Println("✓ No drift detected")
						return nil
					}
					rows := make([][]string, 0, len(drifts))
					for _, d := range drifts {
						rows = append(rows, []string{d.CellID, d.Reason, strconv.Itoa(d.RecordedVersion), strconv.Itoa(d.StackVersion)})
					}
					return printTable(os.Stdout, []string{"CELL", "REASON", "RECORDED", "STACK"}, rows)
				})
			})
		},
	}
}

// currentUser names the operator in audit entries.
func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
