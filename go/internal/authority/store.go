// Package authority holds the canonical score pair on the authoritative node
// and is the only writer of the replicated /scores record.
package authority

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/command"
	"github.com/mcdev12/scoresync/go/internal/datalayer"
	"github.com/mcdev12/scoresync/go/internal/history"
	"github.com/mcdev12/scoresync/go/internal/models"
)

// CommandReceiver is what the store needs from the command channel
type CommandReceiver interface {
	OnReceive(ctx context.Context, handler command.Handler) error
}

// Config holds configuration for the authoritative store
type Config struct {
	NodeID         string
	PublishTimeout time.Duration
}

// DefaultConfig returns a config with a 2s publish timeout
func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID:         nodeID,
		PublishTimeout: 2 * time.Second,
	}
}

// Snapshot is the state handed to renderers and change listeners
type Snapshot struct {
	Scores  models.ScorePair   `json:"scores"`
	History []models.ScorePair `json:"history"`
}

// Store owns the canonical score pair and its history. All mutations are
// serialized; the record write happens inside the critical section so the
// replicated record never moves backwards.
type Store struct {
	records  datalayer.RecordStore
	commands CommandReceiver
	config   Config
	history  *history.Buffer

	mu          sync.Mutex
	scores      models.ScorePair
	listeners   map[int]func(Snapshot)
	nextListen  int
	initialized bool
	scanned     bool
}

// NewStore creates a store over the record store. commands may be nil when
// the node only mutates locally.
func NewStore(records datalayer.RecordStore, commands CommandReceiver, config Config) *Store {
	return &Store{
		records:   records,
		commands:  commands,
		config:    config,
		history:   history.New(),
		listeners: make(map[int]func(Snapshot)),
	}
}

// Start adopts the existing record or publishes the zero state, then begins
// accepting commands.
func (s *Store) Start(ctx context.Context) error {
	s.initialize(ctx)

	if s.commands == nil {
		return nil
	}
	if err := s.commands.OnReceive(ctx, s.handleCommand); err != nil {
		return fmt.Errorf("register command handler: %w", err)
	}
	log.Info().Str("node_id", s.config.NodeID).Msg("authoritative store accepting commands")
	return nil
}

// initialize scans the record store once. An existing record is adopted
// without a history entry; otherwise the zero state is published. A failed
// scan publishes nothing and is retried before the first write.
func (s *Store) initialize(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return
	}
	s.initialized = true

	if err := s.scanLocked(ctx); err != nil {
		log.Error().Err(err).Str("node_id", s.config.NodeID).Msg("error checking existing data")
	}
}

// scanLocked adopts the /scores record or publishes zeros when none exists.
func (s *Store) scanLocked(ctx context.Context) error {
	items, err := s.records.List(ctx)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	s.scanned = true

	existing, found, err := datalayer.FindScores(items)
	if err != nil {
		log.Warn().Err(err).Str("node_id", s.config.NodeID).Msg("ignoring malformed scores record")
	}
	if !found {
		log.Info().Str("node_id", s.config.NodeID).Msg("no existing data, initializing with zeros")
		s.publishLocked(ctx)
		return nil
	}

	s.scores = existing
	s.emitLocked()
	log.Info().
		Str("node_id", s.config.NodeID).
		Int("left", existing.Left).
		Int("right", existing.Right).
		Msg("found existing data")
	return nil
}

// rescanLocked retries a startup scan that failed.
func (s *Store) rescanLocked(ctx context.Context) error {
	if !s.initialized || s.scanned {
		return nil
	}
	return s.scanLocked(ctx)
}

// Increment adds one to side.
func (s *Store) Increment(ctx context.Context, side models.Side) models.ScorePair {
	pair, _ := s.mutate(ctx, func(cur models.ScorePair) (models.ScorePair, bool) {
		return cur.Incremented(side), true
	})
	return pair
}

// Decrement subtracts one from side. It is a no-op when the score is 0.
func (s *Store) Decrement(ctx context.Context, side models.Side) models.ScorePair {
	pair, _ := s.mutate(ctx, func(cur models.ScorePair) (models.ScorePair, bool) {
		return cur.Decremented(side)
	})
	return pair
}

// Reset sets both scores to zero.
func (s *Store) Reset(ctx context.Context) models.ScorePair {
	pair, _ := s.mutate(ctx, func(models.ScorePair) (models.ScorePair, bool) {
		return models.ScorePair{}, true
	})
	return pair
}

// SetScores replaces both scores. Negative values are rejected.
func (s *Store) SetScores(ctx context.Context, left, right int) (models.ScorePair, error) {
	next := models.ScorePair{Left: left, Right: right}
	if err := next.Validate(); err != nil {
		return s.Scores(), err
	}
	pair, _ := s.mutate(ctx, func(models.ScorePair) (models.ScorePair, bool) {
		return next, true
	})
	return pair, nil
}

// Republish writes the current pair again without changing it. It fails
// without writing while the startup scan has not succeeded.
func (s *Store) Republish(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rescanLocked(ctx); err != nil {
		return err
	}
	return s.publishLocked(ctx)
}

// Apply maps a command to its mutator. request_scores republishes.
func (s *Store) Apply(ctx context.Context, cmd models.Command) error {
	switch cmd {
	case models.CommandRequestScores:
		return s.Republish(ctx)
	case models.CommandIncrementLeft:
		s.Increment(ctx, models.SideLeft)
	case models.CommandDecrementLeft:
		s.Decrement(ctx, models.SideLeft)
	case models.CommandIncrementRight:
		s.Increment(ctx, models.SideRight)
	case models.CommandDecrementRight:
		s.Decrement(ctx, models.SideRight)
	case models.CommandResetScores:
		s.Reset(ctx)
	default:
		return fmt.Errorf("%w: %q", models.ErrUnknownCommand, cmd)
	}
	return nil
}

func (s *Store) handleCommand(ctx context.Context, sourceNodeID string, cmd models.Command) {
	log.Debug().
		Str("command", string(cmd)).
		Str("source_node_id", sourceNodeID).
		Msg("message received")
	if err := s.Apply(ctx, cmd); err != nil {
		log.Error().Err(err).Str("command", string(cmd)).Msg("failed to apply command")
	}
}

// Scores returns the current pair.
func (s *Store) Scores() models.ScorePair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scores
}

// History returns prior pairs, newest first.
func (s *Store) History() []models.ScorePair {
	return s.history.Entries()
}

// Snapshot returns scores and history together.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// OnChange registers a listener called after every committed change. It must
// not block or call back into the store. The returned func unregisters it.
func (s *Store) OnChange(listener func(Snapshot)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListen
	s.nextListen++
	s.listeners[id] = listener
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// mutate is the shared mutator contract: compute the next pair, and only when
// it differs record the previous pair, commit, and publish.
func (s *Store) mutate(ctx context.Context, fn func(models.ScorePair) (models.ScorePair, bool)) (models.ScorePair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rescanLocked(ctx); err != nil {
		log.Warn().Err(err).Str("node_id", s.config.NodeID).Msg("applying change without existing data")
	}

	cur := s.scores
	next, ok := fn(cur)
	if !ok || next == cur {
		return cur, false
	}

	s.history.RecordChange(cur, next)
	s.scores = next
	if s.publishLocked(ctx) == nil {
		s.scanned = true
	}
	s.emitLocked()
	return next, true
}

// publishLocked writes the /scores record. Failures are logged and swallowed:
// the in-memory pair stays authoritative and goes out with the next change or
// request_scores.
func (s *Store) publishLocked(ctx context.Context) error {
	if s.config.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.PublishTimeout)
		defer cancel()
	}

	if err := s.records.Put(ctx, datalayer.ScoresItem(s.scores)); err != nil {
		log.Error().
			Err(err).
			Str("node_id", s.config.NodeID).
			Int("left", s.scores.Left).
			Int("right", s.scores.Right).
			Msg("error sending score update")
		return err
	}
	log.Debug().
		Str("node_id", s.config.NodeID).
		Int("left", s.scores.Left).
		Int("right", s.scores.Right).
		Msg("sent score update")
	return nil
}

func (s *Store) emitLocked() {
	snap := s.snapshotLocked()
	for _, id := range slices.Sorted(maps.Keys(s.listeners)) {
		s.listeners[id](snap)
	}
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{Scores: s.scores, History: s.history.Entries()}
}
