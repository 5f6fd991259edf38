// Package pgstore keeps replicated records in Postgres. Writes notify a
// channel with the record path and subscribers re-read the row, so every
// node attached to the same database sees each write.
package pgstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/datalayer"
	"github.com/mcdev12/scoresync/go/internal/sqlutil"
)

// Schema creates the data_items table. It is idempotent.
//
//go:embed schema.sql
var Schema string

var validChannel = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Config holds configuration for the Postgres record store
type Config struct {
	DatabaseURL   string        // Postgres DSN, also used by the LISTEN connection
	NotifyChannel string        // channel carrying changed record paths
	PingInterval  time.Duration // keeps the LISTEN connection alive
	MinReconnect  time.Duration
	MaxReconnect  time.Duration
	ResyncOnGap   bool // re-read every record after the listener reconnects
}

func DefaultConfig(databaseURL string) Config {
	return Config{
		DatabaseURL:   databaseURL,
		NotifyChannel: "scoresync_data_items",
		PingInterval:  90 * time.Second,
		MinReconnect:  10 * time.Second,
		MaxReconnect:  time.Minute,
		ResyncOnGap:   true,
	}
}

// Validate checks the config before any connection is made
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database url is required")
	}
	if !validChannel.MatchString(c.NotifyChannel) {
		return fmt.Errorf("invalid notify channel %q", c.NotifyChannel)
	}
	if c.PingInterval <= 0 {
		return errors.New("ping interval must be positive")
	}
	return nil
}

// Store is a datalayer.RecordStore over the data_items table.
type Store struct {
	db      *sql.DB
	queries *Queries
	nodeID  string
	cfg     Config
}

var _ datalayer.RecordStore = (*Store)(nil)

// Open connects to Postgres and checks the connection.
func Open(ctx context.Context, nodeID string, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Info().Str("channel", cfg.NotifyChannel).Msg("postgres record store ready")
	return NewStore(db, nodeID, cfg), nil
}

// NewStore wraps an existing connection pool
func NewStore(db *sql.DB, nodeID string, cfg Config) *Store {
	return &Store{db: db, queries: New(db), nodeID: nodeID, cfg: cfg}
}

// List returns every record. Rows whose fields do not decode are skipped.
func (s *Store) List(ctx context.Context) ([]datalayer.DataItem, error) {
	rows, err := s.queries.ListDataItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list data items: %w", err)
	}
	items := make([]datalayer.DataItem, 0, len(rows))
	for _, row := range rows {
		item, err := itemFromRow(row)
		if err != nil {
			log.Warn().Err(err).Str("path", row.Path).Msg("skipping undecodable record")
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Get reads one record.
func (s *Store) Get(ctx context.Context, path string) (datalayer.DataItem, bool, error) {
	row, err := s.queries.GetDataItem(ctx, path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return datalayer.DataItem{}, false, nil
		}
		return datalayer.DataItem{}, false, fmt.Errorf("get data item %s: %w", path, err)
	}
	item, err := itemFromRow(row)
	if err != nil {
		return datalayer.DataItem{}, false, err
	}
	return item, true, nil
}

// Put upserts the record and notifies in the same transaction, so listeners
// only hear about committed writes.
func (s *Store) Put(ctx context.Context, item datalayer.DataItem) error {
	data, err := datalayer.EncodeFields(item.Fields)
	if err != nil {
		return err
	}

	err = sqlutil.Run(ctx, s.db, func(tx *sql.Tx) *Queries { return New(tx) }, func(q *Queries) error {
		if err := q.UpsertDataItem(ctx, UpsertDataItemParams{
			Path:       item.Path,
			Fields:     sqlutil.ToNullRawMessage(data),
			SourceNode: sqlutil.ToSqlString(s.nodeID),
		}); err != nil {
			return fmt.Errorf("upsert data item: %w", err)
		}
		if err := q.NotifyDataItem(ctx, s.cfg.NotifyChannel, item.Path); err != nil {
			return fmt.Errorf("notify data item: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", item.Path, err)
	}
	log.Debug().Str("node_id", s.nodeID).Str("path", item.Path).Msg("record written")
	return nil
}

// Close closes the connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

func itemFromRow(row DataItemRow) (datalayer.DataItem, error) {
	fields, err := datalayer.DecodeFields(sqlutil.FromNullRawMessage(row.Fields))
	if err != nil {
		return datalayer.DataItem{}, err
	}
	return datalayer.DataItem{Path: row.Path, Fields: fields}, nil
}
