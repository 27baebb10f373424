package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"memtriage/pkg/bus"
)

func newWatchCommand() *cobra.Command {
	var (
		natsURL string
		durable string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow job lifecycle events from the message bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			b, err := bus.New(natsURL)
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer b.Close()

			sub, err := b.SubscribeJobs(ctx, bus.SubjectPrefix+"jobs.>", durable,
				func(_ context.Context, ev bus.JobEvent) error {
					fmt.Fprintf(os.Stdout, "%s  job=%s dump=%s status=%s plugins=%v\n",
						ev.EmittedAt.Format("15:04:05"), ev.JobID, ev.DumpID, ev.Status, ev.Plugins)
					return nil
				})
			if err != nil {
				return err
			}
			defer sub.Close()

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats", envOr("MEMTRIAGE_NATS_URL", "nats://localhost:4222"), "NATS server URL")
	cmd.Flags().StringVar(&durable, "durable", "memtriagectl-watch", "Durable consumer name")
	return cmd
}
