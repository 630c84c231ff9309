package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raskyld/nsqpool"
	"github.com/spf13/cobra"
)

func publishCmd(global *globalFlags) *cobra.Command {
	var topic string
	var strategy string
	var delay time.Duration
	var batch bool
	var timeout time.Duration
	var settle time.Duration

	cmd := &cobra.Command{
		Use:   "publish [message...]",
		Short: "Publish messages to every configured peer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := nsqpool.LoadConfig(global.configPath)
			if err != nil {
				return err
			}

			var opts []nsqpool.PublishOption
			if strategy != "" {
				st, err := nsqpool.ParseStrategy(strategy)
				if err != nil {
					return err
				}
				opts = append(opts, nsqpool.WithStrategy(st))
			}
			if delay != 0 {
				opts = append(opts, nsqpool.WithDefer(delay))
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			pool, closeFn, err := buildPool(ctx, cfg, global.logHandler(), settle)
			if err != nil {
				return err
			}
			defer closeFn()

			if batch {
				msgs := make([]nsqpool.Message, len(args))
				for i, arg := range args {
					msgs[i] = nsqpool.Bytes(arg)
				}
				if err := pool.MultiPublish(ctx, topic, msgs, opts...); err != nil {
					return err
				}
				slog.Info("batch published", "topic", topic, "count", len(msgs), "peers", pool.Len())
				return nil
			}

			for _, arg := range args {
				if err := pool.Publish(ctx, topic, nsqpool.Bytes(arg), opts...); err != nil {
					return err
				}
			}
			slog.Info("messages published", "topic", topic, "count", len(args), "peers", pool.Len())
			return nil
		},
	}

	cmd.Flags().StringVarP(&topic, "topic", "t", "", "Topic to publish to")
	cmd.Flags().StringVarP(&strategy, "strategy", "s", "", "Override the strategy of the configuration (quorum, at_least_one, only_one, all)")
	cmd.Flags().DurationVar(&delay, "defer", 0, "Ask peers to delay the delivery of each message")
	cmd.Flags().BoolVar(&batch, "batch", false, "Publish all messages in a single batch")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Give up after this duration")
	cmd.Flags().DurationVar(&settle, "settle", 2*time.Second, "Time given to discovery before publishing, when membership is configured")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

// buildPool dials the static peers of cfg and, when discovery is
// configured, lets the membership add the members it finds within settle.
func buildPool(ctx context.Context, cfg *nsqpool.Config, logHandler slog.Handler, settle time.Duration) (*nsqpool.Pool, func(), error) {
	tc, err := cfg.LoadTLS()
	if err != nil {
		return nil, nil, err
	}

	pool, err := nsqpool.New(append(cfg.Options(), nsqpool.WithLog(logHandler))...)
	if err != nil {
		return nil, nil, err
	}

	tmpl := cfg.PeerConfig(tc)
	tmpl.LogHandler = logHandler

	closeFn := func() {
		for _, conn := range pool.Connections() {
			if peer, ok := conn.(*nsqpool.Peer); ok {
				peer.Close()
			}
		}
	}

	for _, addr := range cfg.Peers {
		peerCfg := tmpl
		peerCfg.Addr = addr
		peer, err := nsqpool.DialPeer(ctx, &peerCfg)
		if err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		pool.AddConnection(peer)
	}

	mcfg := cfg.MembershipConfig()
	if mcfg == nil {
		return pool, closeFn, nil
	}

	mcfg.LogHandler = logHandler
	membership, err := nsqpool.NewMembership(mcfg, pool, nsqpool.PeerDialer(tmpl))
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	if err := membership.Join(); err != nil {
		membership.Shutdown()
		closeFn()
		return nil, nil, err
	}

	select {
	case <-time.After(settle):
	case <-ctx.Done():
	}

	return pool, func() {
		membership.Shutdown()
		closeFn()
	}, nil
}
