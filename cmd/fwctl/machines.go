package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fleetwatch/internal/server"
	"fleetwatch/internal/shared"
)

func newMachinesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "machines",
		Aliases: []string{"pcs"},
		Short:   "List, inspect and provision machines",
	}
	cmd.AddCommand(newMachinesListCmd(opts), newMachinesShowCmd(opts), newMachinesAddCmd(opts))
	return cmd
}

func newMachinesListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the fleet overview",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var entries []server.FleetEntry
			if err := call(cmd.Context(), opts.server, "GET", "/admin/pcs", nil, &entries); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ADDRESS\tNAME\tSTATUS\tUSER\tCPU\tRAM\tLAST SEEN")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1f\t%.1f\t%s\n",
					e.IP, e.Name, e.Status, e.User, e.CPU, e.RAM, lastSeen(e.LastSeen))
			}
			return tw.Flush()
		},
	}
}

func lastSeen(unix int64) string {
	if unix <= 0 {
		return "never"
	}
	return time.Unix(unix, 0).Local().Format(time.DateTime)
}

func newMachinesShowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show ADDRESS",
		Short: "Show one machine with its process list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var d server.MachineDetail
			if err := call(cmd.Context(), opts.server, "GET", "/admin/pc/"+pathEscape(args[0]), nil, &d); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), d)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Address:  %s\nName:     %s\nStatus:   %s\nUser:     %s\n", d.IP, d.Name, d.Status, d.User)
			fmt.Fprintf(out, "CPU:      %.1f%%\nRAM:      %.1f%%\nSession:  %s\n", d.CPU, d.RAM, time.Duration(d.SessionSeconds)*time.Second)
			fmt.Fprintf(out, "Seen:     %s\n", d.LastSeen.Local().Format(time.DateTime))
			if len(d.Processes) == 0 {
				return nil
			}
			fmt.Fprintln(out)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PID\tNAME\tCPU\tRAM")
			for _, p := range d.Processes {
				fmt.Fprintf(tw, "%d\t%s\t%.1f\t%.1f\n", p.PID, p.Name, p.CPU, p.RAM)
			}
			return tw.Flush()
		},
	}
}

func newMachinesAddCmd(opts *options) *cobra.Command {
	var name, ip string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Provision a machine ahead of its first report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp shared.AddMachineResponse
			err := call(cmd.Context(), opts.server, "POST", "/admin/add_pc",
				shared.AddMachineRequest{PCName: name, IP: ip}, &resp)
			var apiErr *apiError
			if err != nil && !errors.As(err, &apiErr) {
				return err
			}
			if opts.json {
				if perr := printJSON(cmd.OutOrStdout(), resp); perr != nil {
					return perr
				}
				return err
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", ip, name)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&ip, "ip", "", "machine address")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("ip")
	return cmd
}
