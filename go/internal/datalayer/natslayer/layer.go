// Package natslayer implements the data layer on NATS. Records live in a
// JetStream key-value bucket, node presence in a second bucket with a TTL,
// and commands travel as core NATS requests so the sender gets an ack.
package natslayer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/models"
)

// Config holds configuration for the NATS data layer
type Config struct {
	URL               string
	SubjectPrefix     string        // message subjects are <prefix>.node.<id>
	RecordsBucket     string        // KV bucket holding replicated records
	PresenceBucket    string        // KV bucket holding live nodes
	PresenceTTL       time.Duration // entries expire unless refreshed
	HeartbeatInterval time.Duration
	EventsStream      string // stream for score change events, empty disables
	MaxReconnects     int
	ReconnectWait     time.Duration
}

// DefaultConfig returns default NATS data layer configuration
func DefaultConfig() Config {
	return Config{
		URL:               nats.DefaultURL,
		SubjectPrefix:     "scoresync",
		RecordsBucket:     "scoresync-data",
		PresenceBucket:    "scoresync-nodes",
		PresenceTTL:       15 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		EventsStream:      "SCORE_EVENTS",
		MaxReconnects:     -1, // Infinite
		ReconnectWait:     2 * time.Second,
	}
}

// Validate checks the settings that would otherwise fail deep inside NATS
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("nats url is required")
	}
	if err := validateToken(c.SubjectPrefix); err != nil {
		return fmt.Errorf("subject prefix: %w", err)
	}
	if c.RecordsBucket == "" || c.PresenceBucket == "" {
		return errors.New("records and presence buckets are required")
	}
	if c.HeartbeatInterval <= 0 || c.PresenceTTL <= c.HeartbeatInterval {
		return fmt.Errorf("presence ttl %s must exceed heartbeat interval %s", c.PresenceTTL, c.HeartbeatInterval)
	}
	return nil
}

// Layer is one node's connection to the NATS data layer.
type Layer struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	node   models.Node
	config Config

	records   *RecordStore
	directory *Directory
	messages  *Messenger
	events    *EventPublisher
}

// Open connects to NATS, ensures the buckets exist and starts the presence
// heartbeat for node.
func Open(ctx context.Context, node models.Node, config Config) (*Layer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := validateToken(node.ID); err != nil {
		return nil, fmt.Errorf("node id: %w", err)
	}

	opts := []nats.Option{
		nats.Name("scoresync-" + node.ID),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Str("node_id", node.ID).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Str("node_id", node.ID).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Str("node_id", node.ID).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	l := &Layer{nc: nc, js: js, node: node, config: config}

	recordsKV, err := l.ensureBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      config.RecordsBucket,
		Description: "Replicated scoresync records",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, err
	}
	presenceKV, err := l.ensureBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      config.PresenceBucket,
		Description: "Live scoresync nodes",
		History:     1,
		TTL:         config.PresenceTTL,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		nc.Close()
		return nil, err
	}

	l.records = &RecordStore{kv: recordsKV, nodeID: node.ID}
	l.messages = &Messenger{nc: nc, nodeID: node.ID, prefix: config.SubjectPrefix}
	l.directory = newDirectory(presenceKV, nc, node, config.HeartbeatInterval)
	if err := l.directory.start(ctx); err != nil {
		nc.Close()
		return nil, err
	}

	if config.EventsStream != "" {
		l.events, err = newEventPublisher(ctx, js, config.EventsStream, config.SubjectPrefix)
		if err != nil {
			l.directory.stop()
			nc.Close()
			return nil, err
		}
	}

	log.Info().
		Str("url", nc.ConnectedUrl()).
		Str("node_id", node.ID).
		Str("records_bucket", config.RecordsBucket).
		Msg("NATS data layer ready")
	return l, nil
}

func (l *Layer) ensureBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	kv, err := l.js.CreateOrUpdateKeyValue(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
	}
	log.Debug().Str("bucket", cfg.Bucket).Msg("key-value bucket ready")
	return kv, nil
}

// Records returns the replicated record store
func (l *Layer) Records() *RecordStore { return l.records }

// Directory returns the connected-node directory
func (l *Layer) Directory() *Directory { return l.directory }

// Messages returns the command transport
func (l *Layer) Messages() *Messenger { return l.messages }

// Events returns the change event publisher, or nil when disabled
func (l *Layer) Events() *EventPublisher { return l.events }

// Connected reports whether the NATS connection is up
func (l *Layer) Connected() bool {
	return l.nc != nil && l.nc.IsConnected()
}

// Close withdraws the node from the presence bucket and drains the connection
func (l *Layer) Close() error {
	l.directory.stop()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l.directory.withdraw(ctx)
	if err := l.nc.Drain(); err != nil {
		l.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
