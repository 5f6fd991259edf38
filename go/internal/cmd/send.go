package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcdev12/scoresync/go/internal/command"
	"github.com/mcdev12/scoresync/go/internal/models"
)

// sendOptions holds flags for the send command.
type sendOptions struct {
	*rootOptions
	JSON bool
}

func newSendCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &sendOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send <command>",
		Short: "Broadcast one command to every connected authoritative node",
		Long: `Broadcast one command to every connected authoritative node and report
per-node delivery.

Example:
  scoresync send increment_left
  scoresync send /request_scores --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print the result as JSON")

	return cmd
}

type sendReport struct {
	Command   models.Command    `json:"command"`
	Delivered int               `json:"delivered"`
	Failed    map[string]string `json:"failed,omitempty"`
}

func runSend(cmd *cobra.Command, opts *sendOptions, arg string) error {
	c, err := models.ParseCommand(arg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	cfg := opts.config
	node := nodeFor(cfg, models.CapabilityScoreMirror)

	stack, err := openStack(ctx, cfg, node)
	if err != nil {
		return err
	}
	defer stack.Close()

	chCfg := command.DefaultConfig(node.ID)
	chCfg.SendTimeout = cfg.Sync.SendTimeout
	channel := command.NewChannel(stack.Messages, stack.Directory, chCfg)
	defer channel.Close()

	result, err := broadcastOnce(ctx, channel, c)
	if err != nil {
		return err
	}

	report := sendReport{Command: c, Delivered: result.Delivered()}
	for _, f := range result.Failures() {
		if report.Failed == nil {
			report.Failed = make(map[string]string)
		}
		report.Failed[f.NodeID] = f.Err.Error()
	}

	out := cmd.OutOrStdout()
	if opts.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(out, "%s: delivered to %d node(s)\n", c, report.Delivered)
	for nodeID, msg := range report.Failed {
		fmt.Fprintf(out, "  %s: %s\n", nodeID, msg)
	}
	if len(result.Results) == 0 {
		fmt.Fprintln(out, "no authoritative node connected")
	}
	return nil
}

func broadcastOnce(ctx context.Context, channel *command.Channel, c models.Command) (command.BroadcastResult, error) {
	result, err := channel.Broadcast(ctx, c)
	if err != nil {
		return result, fmt.Errorf("broadcast %s: %w", c, err)
	}
	return result, nil
}
