package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/datalayer"
	"github.com/mcdev12/scoresync/go/internal/datalayer/natslayer"
	"github.com/mcdev12/scoresync/go/internal/datalayer/pgstore"
	"github.com/mcdev12/scoresync/go/internal/dbconfig"
	"github.com/mcdev12/scoresync/go/internal/models"
	"github.com/mcdev12/scoresync/go/internal/nodeconfig"
)

// nodeStack is one node's data layer: records from the configured backend,
// presence and messages always over NATS.
type nodeStack struct {
	Records   datalayer.RecordStore
	Directory datalayer.NodeDirectory
	Messages  datalayer.MessageTransport
	Events    *natslayer.EventPublisher // nil when the events stream is disabled
	Connected func() bool

	closers []func() error
}

func openStack(ctx context.Context, cfg *nodeconfig.Config, node models.Node) (*nodeStack, error) {
	layer, err := natslayer.Open(ctx, node, cfg.NATSConfig())
	if err != nil {
		return nil, fmt.Errorf("open nats layer: %w", err)
	}

	stack := &nodeStack{
		Records:   layer.Records(),
		Directory: layer.Directory(),
		Messages:  layer.Messages(),
		Events:    layer.Events(),
		Connected: layer.Connected,
		closers:   []func() error{layer.Close},
	}

	if cfg.Records.Backend == nodeconfig.BackendPostgres {
		dbCfg := dbconfig.NewConfigFromEnv()
		if err := dbCfg.Validate(); err != nil {
			stack.Close()
			return nil, fmt.Errorf("database config: %w", err)
		}
		store, err := pgstore.Open(ctx, node.ID, pgstore.DefaultConfig(dbCfg.DSN()))
		if err != nil {
			stack.Close()
			return nil, fmt.Errorf("open postgres records: %w", err)
		}
		stack.Records = store
		// Close the store before the NATS connection
		stack.closers = append([]func() error{store.Close}, stack.closers...)

		log.Info().
			Str("host", dbCfg.Host).
			Int("port", dbCfg.Port).
			Str("database", dbCfg.Database).
			Msg("records stored in postgres")
	}

	log.Info().
		Str("node_id", node.ID).
		Str("nats_url", cfg.NATS.URL).
		Str("records_backend", cfg.Records.Backend).
		Msg("data layer ready")

	return stack, nil
}

func (s *nodeStack) Close() {
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil {
			log.Error().Err(err).Msg("failed to close data layer")
		}
	}
}

func nodeFor(cfg *nodeconfig.Config, capability string) models.Node {
	return models.Node{
		ID:           cfg.Node.ID,
		DisplayName:  cfg.Node.DisplayName,
		Capabilities: []string{capability},
	}
}
