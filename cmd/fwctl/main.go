// Command fwctl is the operator CLI for fw-server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type options struct {
	server string
	json   bool
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "fwctl",
		Short:         "Inspect and manage a fleetwatch server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("FW_SERVER", "http://localhost:8000"), "fw-server base URL")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON")

	root.AddCommand(
		newMachinesCmd(opts),
		newUserCmd(opts),
		newEventsCmd(),
		newAccountsCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fwctl:", err)
		os.Exit(1)
	}
}
