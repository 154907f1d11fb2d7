package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/openfroyo/cellular/pkg/engine"
	"github.com/openfroyo/cellular/pkg/stores"
	"github.com/spf13/cobra"
)

func newUserCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Inspect registered users",
	}

	cmd.AddCommand(
		newUserGetCommand(),
		newUserListCommand(),
		newUserCellCommand(),
	)
	return cmd
}

func lookupUser(cmd *cobra.Command, a *app, username string) (*stores.User, error) {
	u, err := a.store.GetUser(cmd.Context(), username)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, engine.NewPermanentError(fmt.Sprintf("user %s not found", username), err).
				WithCode(engine.ErrCodeNotFound).WithResource(username)
		}
		return nil, err
	}
	return u, nil
}

func newUserGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <username>",
		Short: "Show a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				u, err := lookupUser(cmd, a, args[0])
				if err != nil {
					return err
				}
				return output(u, func() error {
					fmt.Printf("Username:  %s\n", u.Username)
					fmt.Printf("Cell:      %s\n", u.CellID)
					fmt.Printf("Created:   %s\n", formatTime(u.CreatedAt))
					return nil
				})
			})
		},
	}
}

func newUserListCommand() *cobra.Command {
	var cellID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		Example: `  # List every user
  cellularctl user list

  # List the users assigned to one cell
  cellularctl user list --cell cell-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				users, err := a.store.ListUsers(cmd.Context(), cellID)
				if err != nil {
					return err
				}
				return output(users, func() error {
					rows := make([][]string, 0, len(users))
					for _, u := range users {
						rows = append(rows, []string{u.Username, u.CellID, formatTime(u.CreatedAt)})
					}
					return printTable(os.Stdout, []string{"USERNAME", "CELL", "CREATED"}, rows)
				})
			})
		},
	}

	cmd.Flags().StringVar(&cellID, "cell", "", "only list users of this cell")
	return cmd
}

func newUserCellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cell <username>",
		Short: "Print the cell a user is assigned to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				u, err := lookupUser(cmd, a, args[0])
				if err != nil {
					return err
				}
				endpoint, err := a.registry.Endpoint(cmd.Context(), u.CellID)
				if err != nil {
					return err
				}
				view := map[string]string{"username": u.Username, "cell_id": u.CellID, "dns_name": endpoint}
				return output(view, func() error {
					fmt.Printf("%s -> %s (%s)\n", u.Username, u.CellID, endpoint)
					return nil
				})
			})
		},
	}
}
