package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"fleetwatch/internal/events"
)

func newEventsCmd() *cobra.Command {
	var natsURL string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail machine events published by fw-server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nc, err := nats.Connect(natsURL, nats.Name("fwctl"))
			if err != nil {
				return fmt.Errorf("nats connect %s: %w", natsURL, err)
			}
			defer nc.Drain()

			out := cmd.OutOrStdout()
			sub, err := events.Subscribe(nc, func(m events.Message) {
				line := fmt.Sprintf("%s  %-16s %-15s %s", m.At.Local().Format(time.TimeOnly), m.Kind, m.Address, m.Activity)
				if m.Previous != "" {
					line += " (was " + m.Previous + ")"
				}
				fmt.Fprintln(out, line)
			})
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()
			fmt.Fprintf(cmd.ErrOrStderr(), "listening on %s %s\n", natsURL, events.SubjectAll)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sig)
			select {
			case <-sig:
			case <-cmd.Context().Done():
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats", envOr("FW_NATS_URL", nats.DefaultURL), "NATS server URL")
	return cmd
}
