// Package commands implements clientctl, a command line client that registers
// users with the router and reads and writes items in their cell.
package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openfroyo/cellular/pkg/client"
	"github.com/spf13/cobra"
)

var (
	routerURL string
	keyDir    string
	timeout   time.Duration
)

// Execute runs the root command
func Execute(ctx context.Context, version string) error {
	return newRootCommand(version).ExecuteContext(ctx)
}

func newRootCommand(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clientctl",
		Short: "Client for a cellular fleet",
		Long: `clientctl talks to the router to register users and log in, then
sends item requests straight to the cell the user was assigned.

The router address comes from --router or ROUTER_URL.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultRouter := os.Getenv("ROUTER_URL")
	if defaultRouter == "" {
		defaultRouter = "localhost:9000"
	}

	rootCmd.PersistentFlags().StringVar(&routerURL, "router", defaultRouter, "router address")
	rootCmd.PersistentFlags().StringVar(&keyDir, "key-dir", ".", "directory holding <username>.apikey files")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", client.DefaultTimeout, "request timeout")

	rootCmd.AddCommand(newRegisterCommand())
	rootCmd.AddCommand(newExecCommand())
	return rootCmd
}

func newClient(username string) *client.Client {
	return client.New(routerURL, username, client.WithHTTPClient(newHTTPClient()))
}

func keyPath(username string) string {
	return filepath.Join(keyDir, username+".apikey")
}

// loggedIn returns a client logged in with the user's stored API key.
func loggedIn(ctx context.Context, username string) (*client.Client, error) {
	data, err := os.ReadFile(keyPath(username))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no API key for %s, run: clientctl register %s", username, username)
		}
		return nil, err
	}

	c := newClient(username)
	if err := c.Login(ctx, strings.TrimSpace(string(data))); err != nil {
		return nil, err
	}
	return c, nil
}
