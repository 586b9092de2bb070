// Command miowstream runs agent generation streams against a miow backend
// (or the built-in lorem mock) with interactive pause, resume, stop and
// event filter controls.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	agentstream "github.com/haowjy/miow-stream-go"
)

// Global flags (persistent across all commands)
var (
	apiURL   string
	logLevel string
	cfg      *Config
)

var rootCmd = &cobra.Command{
	Use:   "miowstream",
	Short: "Stream and control miow agent runs",
	Long: `miowstream consumes the event stream of an autonomous agent run and prints
steps, thoughts, tool calls and the final result as they arrive.

Configuration is read from ~/.miowstream/config.yaml, ./.miowstream.yaml,
.env and the MIOW_API_URL / MIOW_CODEBASE environment variables, with
command-line flags taking precedence.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := LoadConfig()
		if err != nil {
			return err
		}
		cfg = loaded

		if cmd.Flags().Changed("api-url") {
			cfg.APIURL = apiURL
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}

		slog.SetDefault(newLogger(cfg.LogLevel))

		if cfg.MarkersFile != "" {
			if err := agentstream.LoadMarkersFromFile(cfg.MarkersFile); err != nil {
				return fmt.Errorf("failed to load markers: %w", err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "Backend base URL (default from config, then http://localhost:3001)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds a stderr text logger at the named level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// setupContext creates a cancellable context bound to SIGINT and SIGTERM.
// A second signal forces exit.
func setupContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "\nReceived signal %v, stopping stream...\n", sig)
		cancel()
		sig = <-sigCh
		fmt.Fprintf(os.Stderr, "\nReceived second signal %v, forcing exit\n", sig)
		os.Exit(1)
	}()

	return ctx, cancel
}
