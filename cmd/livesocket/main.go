package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/livesocket/pkg/config"
	"github.com/go-go-golems/livesocket/pkg/logging"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string

	settings config.Settings
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "livesocket",
		Short:         "livesocket keeps a session-gated websocket channel alive",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				settings.Log.Level = opts.logLevel
			}
			if cmd.Flags().Changed("log-format") {
				settings.Log.Format = opts.logFormat
			}
			opts.settings = settings
			return logging.Init(settings.Log.Level, settings.Log.Format, os.Stderr)
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "auto", "Log format (auto, console, json)")

	rootCmd.AddCommand(newServeCommand(opts), newListenCommand(opts))
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
