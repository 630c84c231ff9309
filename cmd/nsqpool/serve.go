package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/raskyld/nsqpool"
	"github.com/spf13/cobra"
)

func serveCmd(global *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept publishes and keep them in memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := nsqpool.LoadConfig(global.configPath)
			if err != nil {
				return err
			}

			tc, err := cfg.LoadTLS()
			if err != nil {
				return err
			}

			logHandler := global.logHandler()
			srvCfg := cfg.ServerConfig(tc)
			srvCfg.LogHandler = logHandler

			srv, err := nsqpool.NewServer(srvCfg, nsqpool.NewMemoryHandler(cfg.Server.MaxDefer, logHandler))
			if err != nil {
				return fmt.Errorf("start server: %w", err)
			}
			defer srv.Shutdown()

			if mcfg := cfg.MembershipConfig(); mcfg != nil {
				if mcfg.PublishAddr == "" {
					mcfg.PublishAddr = srv.Addr().String()
				}
				mcfg.LogHandler = logHandler
				membership, err := nsqpool.NewMembership(mcfg, nil, nil)
				if err != nil {
					return err
				}
				defer membership.Shutdown()
				if err := membership.Join(); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			<-ctx.Done()
			slog.Info("shutting down...")
			return nil
		},
	}
	return cmd
}
