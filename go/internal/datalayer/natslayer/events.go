package natslayer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/models"
)

// EventTypeScoresChanged is the event type of a committed score change
const EventTypeScoresChanged = "scores_changed"

// ScoreEvent is one committed change on the authoritative node. The stream is
// an audit trail for observers; mirrors never read it.
type ScoreEvent struct {
	ID        uuid.UUID          `json:"eventId"`
	NodeID    string             `json:"nodeId"`
	Scores    models.ScorePair   `json:"scores"`
	Previous  *models.ScorePair  `json:"previous,omitempty"`
	History   []models.ScorePair `json:"history,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// NewScoreEvent stamps a change with a fresh id
func NewScoreEvent(nodeID string, scores models.ScorePair, history []models.ScorePair) ScoreEvent {
	ev := ScoreEvent{
		ID:        uuid.New(),
		NodeID:    nodeID,
		Scores:    scores,
		History:   history,
		Timestamp: time.Now().UTC(),
	}
	if len(history) > 0 {
		prev := history[0]
		ev.Previous = &prev
	}
	return ev
}

// EventPublisher writes score events to a JetStream stream.
type EventPublisher struct {
	js         jetstream.JetStream
	streamName string
	subject    string
}

func newEventPublisher(ctx context.Context, js jetstream.JetStream, streamName, prefix string) (*EventPublisher, error) {
	p := &EventPublisher{
		js:         js,
		streamName: streamName,
		subject:    eventSubject(prefix, EventTypeScoresChanged),
	}
	if err := p.ensureStream(ctx, prefix); err != nil {
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return p, nil
}

func eventSubject(prefix, eventType string) string {
	return fmt.Sprintf("%s.events.%s", prefix, eventType)
}

func (p *EventPublisher) ensureStream(ctx context.Context, prefix string) error {
	sc := jetstream.StreamConfig{
		Name:        p.streamName,
		Description: "Score change audit stream",
		Subjects:    []string{fmt.Sprintf("%s.events.>", prefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      24 * time.Hour,
		MaxMsgs:     -1,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  2 * time.Minute,
	}

	stream, err := p.js.Stream(ctx, p.streamName)
	if err != nil {
		if _, err = p.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().Str("stream", p.streamName).Msg("created JetStream stream")
		return nil
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("get stream info: %w", err)
	}
	if !isStreamConfigEqual(info.Config, sc) {
		if _, err = p.js.UpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		log.Info().Str("stream", p.streamName).Msg("updated JetStream stream")
	}
	return nil
}

// Publish writes one event. The event id doubles as the dedup id.
func (p *EventPublisher) Publish(ctx context.Context, ev ScoreEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ack, err := p.js.PublishMsg(ctx, &nats.Msg{
		Subject: p.subject,
		Data:    data,
		Header: nats.Header{
			"Event-Type": []string{EventTypeScoresChanged},
			"Event-ID":   []string{ev.ID.String()},
			"Node-ID":    []string{ev.NodeID},
		},
	},
		jetstream.WithMsgID(ev.ID.String()),
		jetstream.WithExpectStream(p.streamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", p.subject).
		Str("event_id", ev.ID.String()).
		Uint64("sequence", ack.Sequence).
		Msg("published score event")
	return nil
}

func isStreamConfigEqual(a, b jetstream.StreamConfig) bool {
	return a.Name == b.Name &&
		a.MaxAge == b.MaxAge &&
		a.MaxMsgs == b.MaxMsgs &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates
}

// EventSink receives committed score events
type EventSink interface {
	Publish(ctx context.Context, ev ScoreEvent) error
}

// Relay decouples store change listeners, which must not block, from the
// publisher. Events beyond the buffer are dropped and logged.
type Relay struct {
	sink EventSink
	ch   chan ScoreEvent
}

// NewRelay creates a relay with a bounded buffer
func NewRelay(sink EventSink, buffer int) *Relay {
	if buffer < 1 {
		buffer = 1
	}
	return &Relay{sink: sink, ch: make(chan ScoreEvent, buffer)}
}

// Offer queues ev without blocking. It reports false when the buffer is full.
func (r *Relay) Offer(ev ScoreEvent) bool {
	select {
	case r.ch <- ev:
		return true
	default:
		log.Warn().Str("event_id", ev.ID.String()).Msg("event relay full, dropping event")
		return false
	}
}

// Run publishes queued events until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.ch:
			pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := r.sink.Publish(pubCtx, ev); err != nil {
				log.Error().Err(err).Str("event_id", ev.ID.String()).Msg("failed to publish score event")
			}
			cancel()
		}
	}
}
