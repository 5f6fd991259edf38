// Package command moves payload-less score commands between paired nodes.
package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/datalayer"
	"github.com/mcdev12/scoresync/go/internal/models"
)

// ErrHandlerRegistered is returned when OnReceive is called a second time
var ErrHandlerRegistered = errors.New("command handler already registered")

// Handler is invoked for every inbound command.
type Handler func(ctx context.Context, sourceNodeID string, cmd models.Command)

// Config holds configuration for a command channel
type Config struct {
	NodeID           string        // local node, never targeted by Broadcast
	TargetCapability string        // Broadcast only reaches nodes advertising this
	SendTimeout      time.Duration // per-node bound for a single send
}

// DefaultConfig targets authoritative nodes with a 2s send timeout
func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID:           nodeID,
		TargetCapability: models.CapabilityScoreAuthority,
		SendTimeout:      2 * time.Second,
	}
}

// Channel sends commands to connected nodes and dispatches received ones.
type Channel struct {
	transport datalayer.MessageTransport
	directory datalayer.NodeDirectory
	config    Config
	metrics   MetricsCollector

	mu  sync.Mutex
	sub datalayer.Subscription
}

// Option configures a Channel
type Option func(*Channel)

// WithMetrics sets the collector that observes sends and broadcasts
func WithMetrics(m MetricsCollector) Option {
	return func(c *Channel) {
		if m != nil {
			c.metrics = m
		}
	}
}

// NewChannel creates a command channel over a transport and node directory
func NewChannel(transport datalayer.MessageTransport, directory datalayer.NodeDirectory, config Config, opts ...Option) *Channel {
	c := &Channel{
		transport: transport,
		directory: directory,
		config:    config,
		metrics:   &NoOpMetricsCollector{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send delivers one command to one node. The error reports a transport
// failure; delivery is at most once.
func (c *Channel) Send(ctx context.Context, nodeID string, cmd models.Command) error {
	if c.config.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.SendTimeout)
		defer cancel()
	}

	start := time.Now()
	err := c.transport.Send(ctx, nodeID, cmd.Path(), nil)
	c.metrics.RecordSend(cmd, nodeID, err == nil, time.Since(start))
	if err != nil {
		return fmt.Errorf("send %s to %s: %w", cmd, nodeID, err)
	}
	return nil
}

// Targets lists the connected nodes a Broadcast would reach.
func (c *Channel) Targets(ctx context.Context) ([]models.Node, error) {
	nodes, err := c.directory.ConnectedNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list connected nodes: %w", err)
	}
	targets := make([]models.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.ID == c.config.NodeID {
			continue
		}
		if c.config.TargetCapability != "" && !n.HasCapability(c.config.TargetCapability) {
			continue
		}
		targets = append(targets, n)
	}
	return targets, nil
}

// Broadcast sends cmd to every target concurrently and waits for all sends.
// A failing node never cancels the others; failures are collected in the
// result. The returned error is only set when node discovery itself failed.
func (c *Channel) Broadcast(ctx context.Context, cmd models.Command) (BroadcastResult, error) {
	result := BroadcastResult{Command: cmd}

	targets, err := c.Targets(ctx)
	if err != nil {
		return result, err
	}

	result.Results = make([]NodeResult, len(targets))
	var wg sync.WaitGroup
	for i, node := range targets {
		wg.Add(1)
		go func(i int, nodeID string) {
			defer wg.Done()
			result.Results[i] = NodeResult{NodeID: nodeID, Err: c.Send(ctx, nodeID, cmd)}
		}(i, node.ID)
	}
	wg.Wait()

	failures := result.Failures()
	c.metrics.RecordBroadcast(cmd, len(targets), len(failures))
	for _, f := range failures {
		log.Warn().
			Err(f.Err).
			Str("command", string(cmd)).
			Str("node_id", f.NodeID).
			Msg("command send failed")
	}
	log.Debug().
		Str("command", string(cmd)).
		Int("targets", len(targets)).
		Int("failures", len(failures)).
		Msg("command broadcast")

	return result, nil
}

// OnReceive registers the process-wide handler for inbound commands. Paths
// that are not commands are logged and dropped.
func (c *Channel) OnReceive(ctx context.Context, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		return ErrHandlerRegistered
	}

	sub, err := c.transport.Subscribe(ctx, func(msg datalayer.Message) {
		cmd, err := models.ParseCommand(msg.Path)
		if err != nil {
			log.Warn().
				Err(err).
				Str("path", msg.Path).
				Str("source_node_id", msg.SourceNodeID).
				Msg("dropping unknown message")
			return
		}
		log.Debug().
			Str("command", string(cmd)).
			Str("source_node_id", msg.SourceNodeID).
			Msg("command received")
		handler(ctx, msg.SourceNodeID, cmd)
	})
	if err != nil {
		return fmt.Errorf("subscribe to messages: %w", err)
	}
	c.sub = sub
	return nil
}

// Close removes the receive handler
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub == nil {
		return nil
	}
	err := c.sub.Stop()
	c.sub = nil
	return err
}

// NodeResult is the outcome of one branch of a broadcast
type NodeResult struct {
	NodeID string
	Err    error
}

// BroadcastResult holds per-node outcomes of a broadcast
type BroadcastResult struct {
	Command models.Command
	Results []NodeResult
}

// Failures returns the branches that did not deliver
func (r BroadcastResult) Failures() []NodeResult {
	var out []NodeResult
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Delivered counts acknowledged sends
func (r BroadcastResult) Delivered() int {
	return len(r.Results) - len(r.Failures())
}

// Err joins every branch failure, or nil when all sends succeeded
func (r BroadcastResult) Err() error {
	var errs []error
	for _, f := range r.Failures() {
		errs = append(errs, f.Err)
	}
	return errors.Join(errs...)
}
