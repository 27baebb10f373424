package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var apiBaseURL string

	cmd := &cobra.Command{
		Use:           "memtriagectl",
		Short:         "Client for the memtriage dump analysis service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&apiBaseURL, "api", envOr("MEMTRIAGE_API", "http://localhost:8080"),
		"Base URL of the memtriage API")

	client := &apiClient{base: &apiBaseURL}

	cmd.AddCommand(newProcessCommand(client))
	cmd.AddCommand(newDumpsCommand(client))
	cmd.AddCommand(newInfoCommand(client))
	cmd.AddCommand(newAnomaliesCommand(client))
	cmd.AddCommand(newTimelineCommand(client))
	cmd.AddCommand(newTreeCommand(client))
	cmd.AddCommand(newProcessDetailCommand(client))
	cmd.AddCommand(newNetworkCommand(client))
	cmd.AddCommand(newHiddenCommand(client))
	cmd.AddCommand(newInjectionsCommand(client))
	cmd.AddCommand(newProvenanceCommand(client))
	cmd.AddCommand(newWatchCommand())
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newProcessCommand(client *apiClient) *cobra.Command {
	var (
		plugins []string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "process <dump-ref>",
		Short: "Ingest and analyze a memory dump (local path or s3://bucket/key)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.post(cmd.Context(), "/v1/dumps/process", map[string]any{
				"ref":     args[0],
				"plugins": plugins,
				"force":   force,
			}, os.Stdout)
		},
	}

	cmd.Flags().StringSliceVar(&plugins, "plugins", nil, "Plugins to run (default: the standard set)")
	cmd.Flags().BoolVar(&force, "force", false, "Reprocess even when cached results exist")
	return cmd
}

func newDumpsCommand(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "dumps",
		Short: "List known dumps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.get(cmd.Context(), "/v1/dumps", os.Stdout)
		},
	}
}

func newInfoCommand(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "info <dump-id>",
		Short: "Show a dump's identity and job history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.get(cmd.Context(), "/v1/dumps/"+args[0], os.Stdout)
		},
	}
}

func newAnomaliesCommand(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "anomalies <dump-id>",
		Short: "Run anomaly detection over a processed dump",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.get(cmd.Context(), "/v1/dumps/"+args[0]+"/anomalies", os.Stdout)
		},
	}
}

func newTimelineCommand(client *apiClient) *cobra.Command {
	var offset, limit int

	cmd := &cobra.Command{
		Use:   "timeline <dump-id>",
		Short: "Show the merged event timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/dumps/%s/timeline?offset=%d&limit=%d", args[0], offset, limit)
			return client.get(cmd.Context(), path, os.Stdout)
		},
	}

	cmd.Flags().IntVar(&offset, "offset", 0, "Events to skip")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum events to return (0 = all)")
	return cmd
}

func newTreeCommand(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "tree <dump-id>",
		Short: "Show the process parent-child tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.get(cmd.Context(), "/v1/dumps/"+args[0]+"/tree", os.Stdout)
		},
	}
}

func newProcessDetailCommand(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "pid <dump-id> <pid>",
		Short: "Show everything known about one process",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.get(cmd.Context(), "/v1/dumps/"+args[0]+"/process/"+args[1], os.Stdout)
		},
	}
}

func newNetworkCommand(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "network <dump-id>",
		Short: "Show connections grouped by state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.get(cmd.Context(), "/v1/dumps/"+args[0]+"/network", os.Stdout)
		},
	}
}

func newHiddenCommand(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "hidden <dump-id>",
		Short: "Show processes visible to the scanner but absent from the process list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.get(cmd.Context(), "/v1/dumps/"+args[0]+"/hidden", os.Stdout)
		},
	}
}

func newInjectionsCommand(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "injections <dump-id>",
		Short: "Show code injection indicators",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.get(cmd.Context(), "/v1/dumps/"+args[0]+"/injections", os.Stdout)
		},
	}
}

func newProvenanceCommand(client *apiClient) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "provenance <dump-id>",
		Short: "Show recorded engine invocations, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/dumps/%s/provenance?limit=%d", args[0], limit)
			return client.get(cmd.Context(), path, os.Stdout)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum entries to return")
	return cmd
}
