package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScoreEvent is the envelope of everything pushed to renderer connections
type ScoreEvent struct {
	ID        string          `json:"id"`        // Event UUID
	Type      EventType       `json:"type"`      // Event type
	NodeID    string          `json:"node_id"`   // Node whose view this is
	Timestamp time.Time       `json:"timestamp"` // Event creation time
	Data      json.RawMessage `json:"data"`      // Event-specific payload
}

// EventType represents the type of gateway event
type EventType string

const (
	EventTypeState         EventType = "state"
	EventTypeCommandResult EventType = "command_result"
	EventTypeError         EventType = "error"
)

// ErrorPayload is sent back to a connection whose message was rejected
type ErrorPayload struct {
	Message string `json:"message"`
}

func newEvent(nodeID string, eventType EventType, payload interface{}) (*ScoreEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &ScoreEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// ParseEventPayload parses event data into the matching payload struct
func ParseEventPayload(event *ScoreEvent) (interface{}, error) {
	switch event.Type {
	case EventTypeState:
		var payload ScoreState
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeCommandResult:
		var payload CommandResult
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeError:
		var payload ErrorPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, nil // Unknown event type
	}
}
