package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/scoresync/go/internal/authority"
	"github.com/mcdev12/scoresync/go/internal/command"
	"github.com/mcdev12/scoresync/go/internal/datalayer/memory"
	"github.com/mcdev12/scoresync/go/internal/gateway"
	"github.com/mcdev12/scoresync/go/internal/mirror"
	"github.com/mcdev12/scoresync/go/internal/models"
)

// demoOptions holds flags for the demo command.
type demoOptions struct {
	*rootOptions
	Script bool
}

func newDemoCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &demoOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a phone and a watch in one process over an in-memory network",
		Long: `Run a phone and a watch in one process over an in-memory network.

Without --script both gateways are served: the phone on the configured port
and the watch on the next one. With --script a fixed gesture sequence is
played on the watch and the converged scores are printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDemo(ctx, cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Script, "script", false, "play a scripted gesture sequence and exit")

	return cmd
}

type demoNodes struct {
	phone     *memory.Endpoint
	watch     *memory.Endpoint
	authority *authority.Store
	mirror    *mirror.Store
	metrics   *command.CounterMetrics
	closers   []func() error
}

func (d *demoNodes) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			log.Error().Err(err).Msg("demo shutdown")
		}
	}
}

func startDemoNodes(ctx context.Context, bootstrapTimeout time.Duration) (*demoNodes, error) {
	network := memory.NewNetwork()
	phone := network.Join(models.Node{ID: "phone", DisplayName: "Phone", Capabilities: []string{models.CapabilityScoreAuthority}})
	watch := network.Join(models.Node{ID: "watch", DisplayName: "Watch", Capabilities: []string{models.CapabilityScoreMirror}})

	d := &demoNodes{phone: phone, watch: watch, metrics: command.NewCounterMetrics()}
	d.closers = append(d.closers, phone.Close, watch.Close)

	phoneCh := command.NewChannel(phone.Messages(), phone, command.DefaultConfig("phone"))
	watchCh := command.NewChannel(watch.Messages(), watch, command.DefaultConfig("watch"), command.WithMetrics(d.metrics))
	d.closers = append(d.closers, phoneCh.Close, watchCh.Close)

	d.authority = authority.NewStore(phone, phoneCh, authority.DefaultConfig("phone"))
	if err := d.authority.Start(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("start phone: %w", err)
	}

	mirrorCfg := mirror.DefaultConfig("watch")
	mirrorCfg.BootstrapTimeout = bootstrapTimeout
	d.mirror = mirror.NewStore(watch, watchCh, mirrorCfg)
	d.closers = append(d.closers, d.mirror.Close)

	outcome, err := d.mirror.Bootstrap(ctx)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("bootstrap watch: %w", err)
	}
	log.Info().Str("outcome", string(outcome)).Msg("watch initialized")

	return d, nil
}

func runDemo(ctx context.Context, cmd *cobra.Command, opts *demoOptions) error {
	cfg := opts.config

	nodes, err := startDemoNodes(ctx, cfg.Sync.BootstrapTimeout)
	if err != nil {
		return err
	}
	defer nodes.Close()

	if opts.Script {
		pair, err := playScript(ctx, nodes)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "converged on %s\n", pair)
		for i, h := range nodes.mirror.History() {
			fmt.Fprintf(cmd.OutOrStdout(), "  history[%d] %s\n", i, h)
		}
		return nil
	}

	phoneSvc := gateway.NewService(gateway.DefaultConfig(), gateway.NewAuthorityStateProvider("phone", nodes.authority))
	watchSvc := gateway.NewService(gateway.DefaultConfig(), gateway.NewMirrorStateProvider("watch", nodes.mirror))
	watchSvc.AddStatsSource("commands", nodes.metrics.Snapshot)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveGateway(gctx, fmt.Sprintf(":%d", cfg.Gateway.Port), phoneSvc) })
	g.Go(func() error { return serveGateway(gctx, fmt.Sprintf(":%d", cfg.Gateway.Port+1), watchSvc) })
	return g.Wait()
}

// demoScript taps and long-presses on the watch; one decrement hits zero
// and must be dropped by the phone.
var demoScript = []gateway.ClientMessage{
	{Action: gateway.ActionTap, Side: "left"},
	{Action: gateway.ActionTap, Side: "left"},
	{Action: gateway.ActionTap, Side: "right"},
	{Action: gateway.ActionLongPress, Side: "right"},
	{Action: gateway.ActionLongPress, Side: "right"},
	{Action: gateway.ActionTap, Side: "left"},
}

func playScript(ctx context.Context, nodes *demoNodes) (models.ScorePair, error) {
	for _, msg := range demoScript {
		c, err := gateway.CommandFor(msg)
		if err != nil {
			return models.ScorePair{}, err
		}
		result, err := nodes.mirror.Issue(ctx, c)
		if err != nil {
			return models.ScorePair{}, err
		}
		if err := result.Err(); err != nil {
			return models.ScorePair{}, fmt.Errorf("%s: %w", c, err)
		}
		log.Info().
			Str("command", string(c)).
			Str("phone", nodes.authority.Scores().String()).
			Msg("gesture sent")
	}
	return waitForConvergence(ctx, nodes, 2*time.Second)
}

// waitForConvergence polls until the watch shows what the phone holds.
func waitForConvergence(ctx context.Context, nodes *demoNodes, timeout time.Duration) (models.ScorePair, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		want := nodes.authority.Scores()
		if got, ok := nodes.mirror.View().Pair(); ok && got == want {
			return got, nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return models.ScorePair{}, fmt.Errorf("watch did not converge on %s", want)
			}
			return models.ScorePair{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
