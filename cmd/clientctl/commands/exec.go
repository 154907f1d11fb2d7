package commands

import (
	"errors"
	"fmt"

	"github.com/openfroyo/cellular/pkg/client"
	"github.com/spf13/cobra"
)

func newExecCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Run a request as a registered user",
		Long: `Log in with the user's saved API key and send a request to the user's
cell.`,
		Example: `  clientctl exec put alice greeting hello
  clientctl exec get alice greeting
  clientctl exec delete alice greeting
  clientctl exec validate alice
  clientctl exec getcell alice`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate <username>",
			Short: "Check the user's token against its cell",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := loggedIn(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				id, err := c.Validate(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("✓ %s is valid for cell %s\n", id.Username, id.CellID)
				return nil
			},
		},
		&cobra.Command{
			Use:   "put <username> <key> <value>",
			Short: "Store an item",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := loggedIn(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := c.Put(cmd.Context(), args[1], args[2]); err != nil {
					return err
				}
				fmt.Printf("✓ Stored %s\n", args[1])
				return nil
			},
		},
		&cobra.Command{
			Use:   "get <username> <key>",
			Short: "Read an item",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := loggedIn(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				value, err := c.Get(cmd.Context(), args[1])
				if errors.Is(err, client.ErrNotFound) {
					return fmt.Errorf("item %s not found", args[1])
				}
				if err != nil {
					return err
				}
				fmt.Println(value)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <username> <key>",
			Short: "Delete an item",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := loggedIn(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := c.Delete(cmd.Context(), args[1]); err != nil {
					return err
				}
				fmt.Printf("✓ Deleted %s\n", args[1])
				return nil
			},
		},
		&cobra.Command{
			Use:   "getcell <username>",
			Short: "Print the user's cell and endpoint",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := loggedIn(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				cellID, err := c.CellID(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("%s (%s)\n", cellID, c.CellURL())
				return nil
			},
		},
	)
	return cmd
}
