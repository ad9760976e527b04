package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"fleetwatch/internal/server"
)

func newUserCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Look up where a user is logged in",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show USERNAME",
		Short: "Show the machine a user is active on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s server.UserSession
			err := call(cmd.Context(), opts.server, "GET", "/user/"+pathEscape(args[0]), nil, &s)
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
				return fmt.Errorf("%s is not active on any machine", args[0])
			}
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), s)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is on %s (%s), cpu %.1f%%, ram %.1f%%, session %s\n",
				args[0], s.Name, s.IP, s.CPU, s.RAM, time.Duration(s.SessionSeconds)*time.Second)
			return nil
		},
	})
	return cmd
}
