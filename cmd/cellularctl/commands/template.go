package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/openfroyo/cellular/pkg/rollout"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newTemplateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Manage stored cell templates",
	}

	cmd.AddCommand(
		newTemplateUploadCommand(),
		newTemplateListCommand(),
	)
	return cmd
}

func newTemplateUploadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file>",
		Short: "Validate and store a template as a new version",
		Long: `Validate a cell template and store it. Uploading content identical to
the latest version does not create a new version.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Str("file", args[0]).Msg("Uploading template")

			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read template: %w", err)
			}

			return withApp(cmd.Context(), func(a *app) error {
				tmpl, changed, err := rollout.UploadTemplate(cmd.Context(), a.store, a.provisioner.Schema(), string(content))
				if err != nil {
					return err
				}
				return output(tmpl, func() error {
					if !changed {
						fmt.Printf("Template unchanged (version %d)\n", tmpl.Version)
						return nil
					}
					fmt.Printf("✓ Template version %d stored (%s)\n", tmpl.Version, tmpl.Hash[:12])
					return nil
				})
			})
		},
	}
}

func newTemplateListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored template versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				templates, err := a.store.ListTemplates(cmd.Context())
				if err != nil {
					return err
				}
				return output(templates, func() error {
					rows := make([][]string, 0, len(templates))
					for _, t := range templates {
						rows = append(rows, []string{strconv.Itoa(t.Version), t.Hash, formatTime(t.CreatedAt)})
					}
					return printTable(os.Stdout, []string{"VERSION", "HASH", "CREATED"}, rows)
				})
			})
		},
	}
}
