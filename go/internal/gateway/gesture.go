package gateway

import (
	"errors"
	"fmt"

	"github.com/mcdev12/scoresync/go/internal/models"
)

// Gesture actions a renderer can report
const (
	ActionTap       = "tap"
	ActionLongPress = "long_press"
)

// ErrInvalidGesture is returned for client messages that map to no command
var ErrInvalidGesture = errors.New("invalid gesture")

// ClientMessage is what renderers send over the socket. Either Command is
// set, or Action with an optional Side.
type ClientMessage struct {
	Action  string `json:"action,omitempty"`
	Side    string `json:"side,omitempty"`
	Command string `json:"command,omitempty"`
}

// CommandFor maps a client message to a command: a tap increments a side, a
// long press decrements it, and a long press on no side resets both.
func CommandFor(msg ClientMessage) (models.Command, error) {
	if msg.Command != "" {
		return models.ParseCommand(msg.Command)
	}

	switch msg.Action {
	case ActionTap:
		side, err := models.ParseSide(msg.Side)
		if err != nil {
			return "", fmt.Errorf("%w: tap needs a side: %w", ErrInvalidGesture, err)
		}
		return models.IncrementCommand(side), nil
	case ActionLongPress:
		if msg.Side == "" {
			return models.CommandResetScores, nil
		}
		side, err := models.ParseSide(msg.Side)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidGesture, err)
		}
		return models.DecrementCommand(side), nil
	default:
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidGesture, msg.Action)
	}
}
