package commands

import (
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: timeout}
}

func newRegisterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "register <username>",
		Short: "Register a user and save its API key",
		Long: `Register a user with the router. The router assigns the user to a
production cell and returns an API key, saved to <username>.apikey.`,
		Example: `  clientctl register alice --router localhost:9000`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := args[0]
			log.Debug().Str("username", username).Str("router", routerURL).Msg("Registering user")

			resp, err := newClient(username).Register(cmd.Context())
			if err != nil {
				return err
			}

			path := keyPath(username)
			if err := os.WriteFile(path, []byte(resp.APIKey+"\n"), 0o600); err != nil {
				return fmt.Errorf("failed to save API key: %w", err)
			}
			fmt.Printf("✓ Registered %s in cell %s\n", resp.Username, resp.Cell)
			fmt.Printf("✓ API key saved to %s\n", path)
			return nil
		},
	}
}
