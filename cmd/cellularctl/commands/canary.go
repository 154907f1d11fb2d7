package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/openfroyo/cellular/pkg/canary"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newCanaryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "canary",
		Short: "Check cells with synthetic requests",
		Long: `A canary registers a probe user in a cell, writes an item and reads it
back. Each check is recorded with its status and latency.`,
	}

	cmd.AddCommand(
		newCanaryCheckCommand(),
		newCanaryRunCommand(),
		newCanaryStartAllCommand(),
		newCanaryStopAllCommand(),
		newCanaryResultsCommand(),
	)
	return cmd
}

func newCanaryCheckCommand() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "check <cell-id>...",
		Short: "Run one canary against each cell",
		Example: `  # Check the sandbox right now
  cellularctl canary check sandbox

  # Give two cells a minute to settle, then check them
  cellularctl canary check cell-1 cell-2 --wait 1m`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Strs("cells", args).Dur("wait", wait).Msg("Checking cells")

			return withApp(cmd.Context(), func(a *app) error {
				if err := a.checker.CheckCells(cmd.Context(), args, wait); err != nil {
					return err
				}
				fmt.Printf("✓ Canary passed for %s\n", strings.Join(args, ", "))
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 0, "time to wait before checking")
	return cmd
}

func newCanaryRunCommand() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "run <cell-id>",
		Short: "Check a cell periodically until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				runner := canary.NewRunner(a.checker, canaryInterval(a, interval), a.logger)
				if err := runner.Start(cmd.Context(), args[0]); err != nil {
					return err
				}
				<-cmd.Context().Done()
				runner.StopAll()
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "time between checks (default from config)")
	return cmd
}

func newCanaryStartAllCommand() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "startall",
		Short: "Check every active cell periodically",
		Long: `Start a canary loop for every active cell and block until stopped,
either by a signal or by "cellularctl canary stopall".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				cells, err := a.registry.Active(cmd.Context())
				if err != nil {
					return err
				}
				ids := make([]string, 0, len(cells))
				for _, c := range cells {
					ids = append(ids, c.ID)
				}

				pidFile := canaryPIDFile(a)
				if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
					return fmt.Errorf("failed to write pid file: %w", err)
				}
				defer os.Remove(pidFile)

				runner := canary.NewRunner(a.checker, canaryInterval(a, interval), a.logger)
				started := runner.StartAll(cmd.Context(), ids)
				fmt.Printf("✓ Canaries started for %d cells: %s\n", len(started), strings.Join(started, ", "))

				<-cmd.Context().Done()
				runner.StopAll()
				fmt.Println("✓ Canaries stopped")
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "time between checks (default from config)")
	return cmd
}

func newCanaryStopAllCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stopall",
		Short: "Stop the canaries started by startall",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pidFile := canaryPIDPath(cfg.Store.Path)
			data, err := os.ReadFile(pidFile)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No canaries running")
					return nil
				}
				return err
			}
			pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
			if err != nil {
				return fmt.Errorf("invalid pid file %s: %w", pidFile, err)
			}
			proc, err := os.FindProcess(pid)
			if err != nil {
				return err
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				log.Warn().Err(err).Int("pid", pid).Msg("Canary process is gone, removing pid file")
				return os.Remove(pidFile)
			}
			fmt.Printf("✓ Sent stop to canary process %d\n", pid)
			return nil
		},
	}
}

func newCanaryResultsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "results [cell-id]",
		Short: "Show recent canary results",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cellID := ""
			if len(args) == 1 {
				cellID = args[0]
			}
			return withApp(cmd.Context(), func(a *app) error {
				results, err := a.store.ListCanaryResults(cmd.Context(), cellID, limit)
				if err != nil {
					return err
				}
				return output(results, func() error {
					rows := make([][]string, 0, len(results))
					for _, r := range results {
						result := "pass"
						if !r.Success {
							result = "fail"
						}
						reason := ""
						if r.Error != nil {
							reason = *r.Error
						}
						rows = append(rows, []string{
							formatTime(r.CheckedAt),
							r.CellID,
							result,
							strconv.Itoa(r.StatusCode),
							r.Latency.Round(time.Millisecond).String(),
							reason,
						})
					}
					return printTable(os.Stdout, []string{"CHECKED", "CELL", "RESULT", "STATUS", "LATENCY", "ERROR"}, rows)
				})
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of results")
	return cmd
}

func canaryInterval(a *app, flag time.Duration) time.Duration {
	if flag > 0 {
		return flag
	}
	return a.cfg.Canary.Interval
}

func canaryPIDFile(a *app) string {
	return canaryPIDPath(a.cfg.Store.Path)
}

// canaryPIDPath places the pid file next to the state database.
func canaryPIDPath(storePath string) string {
	dir := "."
	if storePath != "" && storePath != ":memory:" {
		dir = filepath.Dir(storePath)
	}
	return filepath.Join(dir, "cellular-canary.pid")
}
