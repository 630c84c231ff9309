package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	debug      bool
}

func (g *globalFlags) logHandler() slog.Handler {
	level := slog.LevelInfo
	if g.debug {
		level = slog.LevelDebug
	}
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
}

func rootCmd() *cobra.Command {
	var global globalFlags

	cmd := &cobra.Command{
		Use:           "nsqpool",
		Short:         "Publish to a pool of peers with a delivery guarantee",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(slog.New(global.logHandler()))
		},
	}

	cmd.PersistentFlags().StringVarP(&global.configPath, "config", "c", "", "Path to the YAML configuration (default $NSQPOOL_CONFIG or ./nsqpool.yaml)")
	cmd.PersistentFlags().BoolVar(&global.debug, "debug", false, "Enable debug logging")
	cmd.AddCommand(publishCmd(&global))
	cmd.AddCommand(serveCmd(&global))
	return cmd
}
