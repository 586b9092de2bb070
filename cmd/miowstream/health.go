package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/haowjy/miow-stream-go/sources/backend"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check backend health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := backend.NewClient(cfg.APIURL)
		if err != nil {
			return err
		}

		health, err := checkHealth(cmd.Context(), client, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		if !health.Ready() {
			return fmt.Errorf("backend at %s is not ready", client.BaseURL())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

// checkHealth queries the backend and prints a short report.
func checkHealth(ctx context.Context, client *backend.Client, out io.Writer) (*backend.HealthResponse, error) {
	health, err := client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}

	fmt.Fprintf(out, "Backend:  %s\n", client.BaseURL())
	fmt.Fprintf(out, "Status:   %s (version %s)\n", health.Status, health.Version)
	fmt.Fprintf(out, "Qdrant:   %s\n", yesNo(health.QdrantConnected, "connected", "not connected"))
	fmt.Fprintf(out, "Gemini:   %s\n", yesNo(health.GeminiConfigured, "configured", "not configured"))
	return health, nil
}

func yesNo(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
