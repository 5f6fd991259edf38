package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mcdev12/scoresync/go/internal/command"
	"github.com/mcdev12/scoresync/go/internal/gateway"
	"github.com/mcdev12/scoresync/go/internal/mirror"
	"github.com/mcdev12/scoresync/go/internal/models"
)

func newWatchCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run a mirror node",
		Long: `Run a mirror node. It bootstraps its view from the replicated record or the
authoritative node, follows change notifications, and forwards renderer
gestures to the authoritative node as commands.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, rootOpts)
		},
	}
}

func runWatch(ctx context.Context, rootOpts *rootOptions) error {
	cfg := rootOpts.config
	node := nodeFor(cfg, models.CapabilityScoreMirror)

	stack, err := openStack(ctx, cfg, node)
	if err != nil {
		return err
	}
	defer stack.Close()

	metrics := command.NewCounterMetrics()
	chCfg := command.DefaultConfig(node.ID)
	chCfg.SendTimeout = cfg.Sync.SendTimeout
	channel := command.NewChannel(stack.Messages, stack.Directory, chCfg, command.WithMetrics(metrics))
	defer channel.Close()

	mirrorCfg := mirror.DefaultConfig(node.ID)
	mirrorCfg.BootstrapTimeout = cfg.Sync.BootstrapTimeout
	store := mirror.NewStore(stack.Records, channel, mirrorCfg)
	defer store.Close()

	// The gateway serves the pending view while bootstrap runs
	go func() {
		outcome, err := store.Bootstrap(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("mirror bootstrap failed")
			}
			return
		}
		log.Info().
			Str("node_id", node.ID).
			Str("outcome", string(outcome)).
			Msg("mirror initialized")
	}()

	gwCfg := gateway.DefaultConfig()
	gwCfg.Connected = stack.Connected
	svc := gateway.NewService(gwCfg, gateway.NewMirrorStateProvider(node.ID, store))
	svc.AddStatsSource("commands", metrics.Snapshot)

	return serveGateway(ctx, cfg.Addr(), svc)
}
