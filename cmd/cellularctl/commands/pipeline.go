package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/openfroyo/cellular/pkg/engine"
	"github.com/openfroyo/cellular/pkg/rollout"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newPipelineCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run the deployment pipeline",
		Long: `The pipeline deploys a template version in three stages:

  1. DeployToSandbox            update the sandbox cell
  2. CheckCanaryForSandbox      canary the sandbox after the wait
  3. DeployToOtherCells         update every production cell`,
	}

	cmd.AddCommand(
		newPipelineRunCommand(),
		newPipelineWatchCommand(),
		newPipelineStatusCommand(),
	)
	return cmd
}

func newPipelineRunCommand() *cobra.Command {
	var (
		templateVersion int
		follow          bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once",
		Example: `  # Deploy the latest template through the pipeline
  cellularctl pipeline run --follow`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Int("template_version", templateVersion).Msg("Running pipeline")

			return withApp(cmd.Context(), func(a *app) error {
				if follow {
					unsubscribe := a.tel.Events.Subscribe(printEvent, nil)
					defer unsubscribe()
				}

				run, err := newPipeline(a).Run(cmd.Context(), templateVersion)
				if run != nil {
					if perr := printRun(run); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}

	cmd.Flags().IntVar(&templateVersion, "template-version", 0, "template version (0 for latest)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "print rollout events as they happen")
	return cmd
}

func newPipelineWatchCommand() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the pipeline whenever the template file changes",
		Long: `Watch the cell template file. Each saved change is validated, stored
as a new template version and pushed through the pipeline. Rollout events
are printed as they happen.`,
		Example: `  # Watch the configured template file
  cellularctl pipeline watch

  # Watch another file
  cellularctl pipeline watch --template ./templates/cell.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				if path == "" {
					path = a.cfg.Cell.TemplatePath
				}
				if a.cfg.Policy.Watch {
					if err := watchPolicies(cmd.Context(), a); err != nil {
						return err
					}
				}

				unsubscribe := a.tel.Events.Subscribe(printEvent, nil)
				defer unsubscribe()

				watcher := newTemplateWatcher(a, path, newPipeline(a))

				log.Info().Str("template", path).Msg("Watching template")
				return watcher.Watch(cmd.Context())
			})
		},
	}

	cmd.Flags().StringVarP(&path, "template", "t", "", "template file (default from config)")
	return cmd
}

func newPipelineStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show the stages of a pipeline run",
		Long:  `Show the stages of a run, the latest run when no ID is given.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				runID := ""
				if len(args) == 1 {
					runID = args[0]
				} else {
					runs, err := a.rollout.Runs(cmd.Context(), 1)
					if err != nil {
						return err
					}
					if len(runs) == 0 {
						return engine.NewPermanentError("no runs recorded", nil).WithCode(engine.ErrCodeNotFound)
					}
					runID = runs[0].ID
				}

				report, err := a.rollout.Report(cmd.Context(), runID)
				if err != nil {
					return err
				}
				stages := rollout.Stages(report, a.rollout.SandboxCell())

				view := struct {
					Run    *engine.Run           `json:"run"`
					Stages []rollout.StageStatus `json:"stages"`
				}{Run: report.Run, Stages: stages}

				return output(view, func() error {
					if err := printRun(report.Run); err != nil {
						return err
					}
					fmt.Println()
					rows := make([][]string, 0, len(stages))
					for _, st := range stages {
						units := "-"
						if len(st.Units) > 0 {
							units = strings.Join(st.Units, ",")
						}
						rows = append(rows, []string{st.Name, string(st.Status), units})
					}
					return printTable(os.Stdout, []string{"STAGE", "STATUS", "UNITS"}, rows)
				})
			})
		},
	}
}

func newPipeline(a *app) *rollout.Pipeline {
	return rollout.NewPipeline(a.rollout, a.logger)
}

func newTemplateWatcher(a *app, path string, pipeline *rollout.Pipeline) *rollout.TemplateWatcher {
	return rollout.NewTemplateWatcher(path, a.store, a.provisioner.Schema(), pipeline, a.tel.Events, a.logger)
}

// watchPolicies reloads the configured policy paths on change until ctx is
// done. Without policy paths it does nothing.
func watchPolicies(ctx context.Context, a *app) error {
	if len(a.cfg.Policy.Paths) == 0 {
		return nil
	}
	if err := a.policies.Watch(ctx); err != nil {
		return fmt.Errorf("failed to watch policies: %w", err)
	}
	log.Info().Strs("paths", a.cfg.Policy.Paths).Msg("Watching policies")
	return nil
}
