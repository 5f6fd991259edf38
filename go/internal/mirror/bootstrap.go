package mirror

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/datalayer"
	"github.com/mcdev12/scoresync/go/internal/models"
)

// Outcome says how a bootstrap reached the initialized state
type Outcome string

const (
	OutcomeFoundExisting Outcome = "found_existing"
	OutcomeResponse      Outcome = "response"
	OutcomeTimeout       Outcome = "timeout"
)

// Bootstrap brings the mirror to PhaseInitialized:
//
//  1. subscribe to record changes, then list records once
//  2. adopt an existing /scores record if there is one
//  3. otherwise broadcast request_scores and wait for the first notification
//  4. after BootstrapTimeout with no notification, show (0, 0)
//
// Only ctx cancellation or a failed subscription returns an error.
func (s *Store) Bootstrap(ctx context.Context) (Outcome, error) {
	s.mu.Lock()
	if s.phase != PhaseUninitialized || s.bootstrapping {
		s.mu.Unlock()
		return "", ErrAlreadyBootstrapped
	}
	s.bootstrapping = true
	s.mu.Unlock()

	// Subscribe before listing so a fast response is never missed.
	sub, err := s.records.Subscribe(ctx, s.handleItem)
	if err != nil {
		s.mu.Lock()
		s.bootstrapping = false
		s.mu.Unlock()
		return "", fmt.Errorf("subscribe to records: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	if pair, ok := s.findExisting(ctx); ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		// A notification that arrived during the listing is newer.
		if s.phase == PhaseInitialized {
			log.Debug().
				Str("node_id", s.config.NodeID).
				Str("listed", pair.String()).
				Msg("discarding listing older than notification")
			return OutcomeResponse, nil
		}
		s.phase = PhaseFoundExisting
		s.observeLocked(pair)
		log.Info().
			Str("node_id", s.config.NodeID).
			Str("scores", pair.String()).
			Msg("found existing data")
		return OutcomeFoundExisting, nil
	}

	s.mu.Lock()
	if s.phase == PhaseInitialized {
		s.mu.Unlock()
		return OutcomeResponse, nil
	}
	s.phase = PhaseAwaitingResponse
	s.mu.Unlock()

	s.requestScores(ctx)
	return s.awaitResponse(ctx)
}

// findExisting lists records once. A failed or malformed listing counts as
// not found.
func (s *Store) findExisting(ctx context.Context) (models.ScorePair, bool) {
	items, err := s.records.List(ctx)
	if err != nil {
		log.Warn().Err(err).Str("node_id", s.config.NodeID).Msg("error checking existing data")
		return models.ScorePair{}, false
	}
	pair, found, err := datalayer.FindScores(items)
	if err != nil {
		log.Warn().Err(err).Str("node_id", s.config.NodeID).Msg("ignoring malformed scores record")
		return models.ScorePair{}, false
	}
	return pair, found
}

func (s *Store) requestScores(ctx context.Context) {
	log.Info().Str("node_id", s.config.NodeID).Msg("no existing data, requesting from authority")

	result, err := s.Issue(ctx, models.CommandRequestScores)
	if err != nil {
		return
	}
	log.Debug().
		Str("node_id", s.config.NodeID).
		Int("targets", len(result.Results)).
		Int("delivered", result.Delivered()).
		Msg("score request sent")
}

// awaitResponse is a single cancellable wait on the ready signal or the
// bootstrap timer.
func (s *Store) awaitResponse(ctx context.Context) (Outcome, error) {
	timer := s.clock.NewTimer(s.config.BootstrapTimeout)
	defer stopAndDrainTimer(timer)

	select {
	case <-s.ready:
		return OutcomeResponse, nil
	case <-timer.Chan():
		return s.resolveTimeout(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// resolveTimeout commits (0, 0) unless a notification got there first. The
// default is not an observation, so it never lands in history.
func (s *Store) resolveTimeout() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseInitialized {
		return OutcomeResponse
	}

	s.view = models.NewMirrorViewState(models.ScorePair{})
	s.initializeLocked()
	s.emitLocked()
	log.Warn().
		Str("node_id", s.config.NodeID).
		Dur("timeout", s.config.BootstrapTimeout).
		Msg("no response from authority, defaulting to zero")
	return OutcomeTimeout
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
