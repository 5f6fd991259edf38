// Package mirror keeps a read-only copy of the score pair on a wearable. The
// view only changes through record notifications; commands go to the
// authoritative node and come back as a new record.
package mirror

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/command"
	"github.com/mcdev12/scoresync/go/internal/datalayer"
	"github.com/mcdev12/scoresync/go/internal/history"
	"github.com/mcdev12/scoresync/go/internal/models"
)

// ErrAlreadyBootstrapped is returned by a second Bootstrap call
var ErrAlreadyBootstrapped = errors.New("mirror already bootstrapped")

// Phase is the bootstrap state of a mirror
type Phase string

const (
	PhaseUninitialized    Phase = "uninitialized"
	PhaseFoundExisting    Phase = "found_existing"
	PhaseAwaitingResponse Phase = "awaiting_response"
	PhaseInitialized      Phase = "initialized"
)

// Broadcaster is what the mirror needs from the command channel
type Broadcaster interface {
	Broadcast(ctx context.Context, cmd models.Command) (command.BroadcastResult, error)
}

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) clockwork.Timer
}

// Config holds configuration for a mirror
type Config struct {
	NodeID           string
	BootstrapTimeout time.Duration
}

// DefaultConfig returns a config with the 3000ms bootstrap timeout
func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID:           nodeID,
		BootstrapTimeout: 3000 * time.Millisecond,
	}
}

// Snapshot is what renderers and change listeners receive
type Snapshot struct {
	View    models.MirrorViewState `json:"view"`
	History []models.ScorePair     `json:"history"`
	Phase   Phase                  `json:"phase"`
}

// Store is the mirror-side view of the scores.
type Store struct {
	records  datalayer.RecordStore
	commands Broadcaster
	clock    Clock
	config   Config
	history  *history.Buffer

	mu            sync.Mutex
	phase         Phase
	bootstrapping bool
	view          models.MirrorViewState
	observed      *models.ScorePair
	ready         chan struct{}
	sub           datalayer.Subscription
	listeners     map[int]func(Snapshot)
	nextListen    int
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces the real clock, for tests
func WithClock(clock Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// NewStore creates an uninitialized mirror
func NewStore(records datalayer.RecordStore, commands Broadcaster, config Config, opts ...Option) *Store {
	s := &Store{
		records:   records,
		commands:  commands,
		clock:     clockwork.NewRealClock(),
		config:    config,
		history:   history.New(),
		phase:     PhaseUninitialized,
		ready:     make(chan struct{}),
		listeners: make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IncrementLeftScore asks the authority to add one to the left score
func (s *Store) IncrementLeftScore(ctx context.Context) (command.BroadcastResult, error) {
	return s.Issue(ctx, models.CommandIncrementLeft)
}

// DecrementLeftScore asks the authority to subtract one from the left score
func (s *Store) DecrementLeftScore(ctx context.Context) (command.BroadcastResult, error) {
	return s.Issue(ctx, models.CommandDecrementLeft)
}

// IncrementRightScore asks the authority to add one to the right score
func (s *Store) IncrementRightScore(ctx context.Context) (command.BroadcastResult, error) {
	return s.Issue(ctx, models.CommandIncrementRight)
}

// DecrementRightScore asks the authority to subtract one from the right score
func (s *Store) DecrementRightScore(ctx context.Context) (command.BroadcastResult, error) {
	return s.Issue(ctx, models.CommandDecrementRight)
}

// ResetScores asks the authority to zero both scores
func (s *Store) ResetScores(ctx context.Context) (command.BroadcastResult, error) {
	return s.Issue(ctx, models.CommandResetScores)
}

// Issue broadcasts cmd to every connected authoritative node. Local state is
// never touched; the view follows once the authority publishes.
func (s *Store) Issue(ctx context.Context, cmd models.Command) (command.BroadcastResult, error) {
	result, err := s.commands.Broadcast(ctx, cmd)
	if err != nil {
		log.Error().
			Err(err).
			Str("node_id", s.config.NodeID).
			Str("command", string(cmd)).
			Msg("error sending command")
		return result, err
	}
	if len(result.Results) == 0 {
		log.Warn().
			Str("node_id", s.config.NodeID).
			Str("command", string(cmd)).
			Msg("no connected nodes to send command to")
	}
	return result, nil
}

// View returns the renderer-facing state
func (s *Store) View() models.MirrorViewState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Phase reports where the bootstrap state machine is
func (s *Store) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Ready is closed once the view is initialized
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// History returns previously observed pairs, newest first.
func (s *Store) History() []models.ScorePair {
	return s.history.Entries()
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// OnChange registers a listener called after every view update. It must not
// block or call back into the store. The returned func unregisters it.
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

// Close stops record notifications
func (s *Store) Close() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Stop()
}

// handleItem is the record change callback.
func (s *Store) handleItem(item datalayer.DataItem) {
	if item.Path != models.ScoresPath {
		return
	}
	pair, err := datalayer.DecodeScores(item)
	if err != nil {
		log.Warn().
			Err(err).
			Str("node_id", s.config.NodeID).
			Str("path", item.Path).
			Msg("ignoring malformed scores record")
		return
	}
	log.Debug().
		Str("node_id", s.config.NodeID).
		Int("left", pair.Left).
		Int("right", pair.Right).
		Msg("received scores update")
	s.observe(pair)
}

// observe applies a pair read from the record. Last write wins.
func (s *Store) observe(pair models.ScorePair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observeLocked(pair)
}

func (s *Store) observeLocked(pair models.ScorePair) {
	if s.observed != nil {
		s.history.RecordChange(*s.observed, pair)
	}
	s.observed = &pair
	s.view = models.NewMirrorViewState(pair)
	s.initializeLocked()
	s.emitLocked()
}

// initializeLocked moves to PhaseInitialized and releases Bootstrap's wait.
func (s *Store) initializeLocked() {
	if s.phase == PhaseInitialized {
		return
	}
	s.phase = PhaseInitialized
	close(s.ready)
}

func (s *Store) emitLocked() {
	snap := s.snapshotLocked()
	for _, id := range slices.Sorted(maps.Keys(s.listeners)) {
		s.listeners[id](snap)
	}
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		View:    s.view,
		History: s.history.Entries(),
		Phase:   s.phase,
	}
}
