package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mcdev12/scoresync/go/internal/authority"
	"github.com/mcdev12/scoresync/go/internal/command"
	"github.com/mcdev12/scoresync/go/internal/datalayer/natslayer"
	"github.com/mcdev12/scoresync/go/internal/gateway"
	"github.com/mcdev12/scoresync/go/internal/models"
)

func newPhoneCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "phone",
		Short: "Run the authoritative node",
		Long: `Run the authoritative node. It owns the score pair, publishes it as the
replicated record, applies commands from mirrors and serves its own view to a
renderer on the gateway port.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runPhone(ctx, rootOpts)
		},
	}
}

func runPhone(ctx context.Context, rootOpts *rootOptions) error {
	cfg := rootOpts.config
	node := nodeFor(cfg, models.CapabilityScoreAuthority)

	stack, err := openStack(ctx, cfg, node)
	if err != nil {
		return err
	}
	defer stack.Close()

	chCfg := command.DefaultConfig(node.ID)
	chCfg.SendTimeout = cfg.Sync.SendTimeout
	channel := command.NewChannel(stack.Messages, stack.Directory, chCfg)
	defer channel.Close()

	storeCfg := authority.DefaultConfig(node.ID)
	storeCfg.PublishTimeout = cfg.Sync.PublishTimeout
	store := authority.NewStore(stack.Records, channel, storeCfg)

	if stack.Events != nil {
		relay := natslayer.NewRelay(stack.Events, 64)
		unregister := store.OnChange(func(s authority.Snapshot) {
			relay.Offer(natslayer.NewScoreEvent(node.ID, s.Scores, s.History))
		})
		defer unregister()
		go relay.Run(ctx)
	}

	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("start authoritative store: %w", err)
	}
	log.Info().
		Str("node_id", node.ID).
		Str("scores", store.Scores().String()).
		Msg("authoritative store started")

	gwCfg := gateway.DefaultConfig()
	gwCfg.Connected = stack.Connected
	svc := gateway.NewService(gwCfg, gateway.NewAuthorityStateProvider(node.ID, store))

	return serveGateway(ctx, cfg.Addr(), svc)
}
