package pgstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/datalayer"
)

// Subscribe LISTENs on the notify channel and hands each changed record to
// handler, in notification order. After the listener reconnects every record
// is re-read, since notifications sent while disconnected are lost.
func (s *Store) Subscribe(ctx context.Context, handler func(datalayer.DataItem)) (datalayer.Subscription, error) {
	l := pq.NewListener(
		s.cfg.DatabaseURL,
		s.cfg.MinReconnect,
		s.cfg.MaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(s.cfg.NotifyChannel); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", s.cfg.NotifyChannel).
		Msg("listening for notifications")

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.listen(runCtx, l, handler)
	}()

	var once sync.Once
	return datalayer.SubscriptionFunc(func() error {
		var err error
		once.Do(func() {
			cancel()
			wg.Wait()
			err = l.Close()
		})
		return err
	}), nil
}

func (s *Store) listen(ctx context.Context, l *pq.Listener, handler func(datalayer.DataItem)) {
	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("channel", s.cfg.NotifyChannel).Msg("listener shutting down")
			return
		case note, ok := <-l.Notify:
			if !ok {
				return
			}
			if note == nil {
				// nil notification means the connection was re-established
				if s.cfg.ResyncOnGap {
					s.resync(ctx, handler)
				}
				continue
			}
			if err := s.handleNotification(ctx, note.Extra, handler); err != nil {
				log.Error().Err(err).Str("path", note.Extra).Msg("failed to handle notification")
			}
		case <-pingTicker.C:
			if err := l.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

// handleNotification re-reads the row named by the notification payload.
func (s *Store) handleNotification(ctx context.Context, path string, handler func(datalayer.DataItem)) error {
	item, found, err := s.Get(ctx, path)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	handler(item)
	return nil
}

func (s *Store) resync(ctx context.Context, handler func(datalayer.DataItem)) {
	items, err := s.List(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to resync records after reconnect")
		return
	}
	for _, item := range items {
		handler(item)
	}
	log.Info().Int("records", len(items)).Msg("resynced records after reconnect")
}
