package commands

import (
	"fmt"
	"os"
	"sort"

	"github.com/openfroyo/cellular/pkg/provision"
	"github.com/openfroyo/cellular/pkg/router"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRouterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "router",
		Short: "Run and inspect the cell router",
		Long: `The router registers users, assigns each one to a production cell and
tells clients which cell endpoint to talk to.`,
	}

	cmd.AddCommand(
		newRouterServeCommand(),
		newRouterRoutesCommand(),
		newRouterDNSNameCommand(),
	)
	return cmd
}

func newRouterServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the router",
		Example: `  # Serve on the configured address
  cellularctl router serve

  # Serve on another port
  cellularctl router serve --addr localhost:9100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				srv, err := newRouterServer(cmd, a, addr)
				if err != nil {
					return err
				}
				return ignoreCanceled(srv.ListenAndServe(cmd.Context()))
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

// newRouterServer records the router stack and builds its server.
func newRouterServer(cmd *cobra.Command, a *app, addr string) (*router.Server, error) {
	if err := a.cfg.CheckSecret(); err != nil {
		return nil, err
	}
	if addr == "" {
		addr = a.cfg.Router.Addr
	}
	dns := a.cfg.Router.DNSName
	if dns == "" {
		dns = addr
	}
	if _, err := a.provisioner.DeployRouter(cmd.Context(), dns); err != nil {
		return nil, err
	}
	log.Info().Str("addr", addr).Str("dns_name", dns).Msg("Router stack deployed")
	return router.NewServer(addr, a.registry, a.store, a.issuer, a.tel, a.logger), nil
}

func newRouterRoutesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Print the routing table of active cells",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				table, err := a.registry.RoutingTable(cmd.Context())
				if err != nil {
					return err
				}
				return output(table, func() error {
					ids := make([]string, 0, len(table))
					for id := range table {
						ids = append(ids, id)
					}
					sort.Strings(ids)
					rows := make([][]string, 0, len(ids))
					for _, id := range ids {
						rows = append(rows, []string{id, table[id]})
					}
					return printTable(os.Stdout, []string{"CELL", "ENDPOINT"}, rows)
				})
			})
		},
	}
}

func newRouterDNSNameCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "getdnsname",
		Short: "Print the router endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				stack, err := a.provisioner.DescribeStack(cmd.Context(), provision.RouterStackName)
				if err != nil {
					return err
				}
				dns := stack.Outputs[provision.OutputDNSName]
				return output(map[string]string{"dns_name": dns}, func() error {
					fmt.Println(dns)
					return nil
				})
			})
		},
	}
}
