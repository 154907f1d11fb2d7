package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/cellular/pkg/canary"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newDevCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Development mode commands",
		Long: `Commands for local development and testing.

These commands run the whole fleet in one process against the local state
database.`,
	}

	cmd.AddCommand(newDevUpCommand())
	return cmd
}

func newDevUpCommand() *cobra.Command {
	var (
		withCanary bool
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Serve the router and every active cell",
		Long: `Serve the router and every active cell in-process.

Custom policies are reloaded when their files change. Optionally run
canaries against every cell and watch the template file so saved changes
roll out through the pipeline. Stops on interrupt or when any
server fails.`,
		Example: `  # Serve the fleet
  cellularctl dev up

  # Serve, canary and redeploy on template changes
  cellularctl dev up --canary --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Bool("canary", withCanary).
				Bool("watch", watch).
				Msg("Starting dev environment")

			return withApp(cmd.Context(), func(a *app) error {
				return devUp(cmd, a, withCanary, watch)
			})
		},
	}

	cmd.Flags().BoolVar(&withCanary, "canary", false, "run periodic canaries against every cell")
	cmd.Flags().BoolVar(&watch, "watch", false, "roll out template file changes")
	return cmd
}

func devUp(cmd *cobra.Command, a *app, withCanary, watch bool) error {
	if err := a.cfg.CheckSecret(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(cmd.Context())

	if err := watchPolicies(ctx, a); err != nil {
		return err
	}

	srv, err := newRouterServer(cmd, a, "")
	if err != nil {
		return err
	}
	g.Go(func() error {
		return ignoreCanceled(srv.ListenAndServe(ctx))
	})
	fmt.Printf("✓ Router: http://%s\n", a.cfg.Router.Addr)

	cells, err := a.registry.Active(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(cells))
	for _, c := range cells {
		cellSrv, err := newCellServer(ctx, a, c.ID)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return ignoreCanceled(cellSrv.ListenAndServe(ctx))
		})
		ids = append(ids, c.ID)
		endpoint, _ := a.registry.Endpoint(ctx, c.ID)
		fmt.Printf("✓ Cell %s: http://%s\n", c.ID, endpoint)
	}

	if withCanary {
		runner := canary.NewRunner(a.checker, a.cfg.Canary.Interval, a.logger)
		g.Go(func() error {
			// give the listeners a moment before the first probe
			if err := canary.Sleep(ctx, time.Second); err != nil {
				return nil
			}
			runner.StartAll(ctx, ids)
			<-ctx.Done()
			runner.StopAll()
			return nil
		})
	}

	if watch {
		unsubscribe := a.tel.Events.Subscribe(printEvent, nil)
		defer unsubscribe()
		g.Go(func() error {
			return runWatcher(ctx, a)
		})
	}

	return g.Wait()
}

// runWatcher watches the configured template file until ctx is done.
func runWatcher(ctx context.Context, a *app) error {
	pipeline := newPipeline(a)
	watcher := newTemplateWatcher(a, a.cfg.Cell.TemplatePath, pipeline)
	return watcher.Watch(ctx)
}
