package models

import (
	"fmt"
	"strings"
)

// Command is a payload-less directive sent from a mirror to the authoritative node.
type Command string

const (
	CommandIncrementLeft  Command = "increment_left"
	CommandDecrementLeft  Command = "decrement_left"
	CommandIncrementRight Command = "increment_right"
	CommandDecrementRight Command = "decrement_right"
	CommandResetScores    Command = "reset_scores"
	CommandRequestScores  Command = "request_scores"
)

// AllCommands lists every known command.
var AllCommands = []Command{
	CommandIncrementLeft,
	CommandDecrementLeft,
	CommandIncrementRight,
	CommandDecrementRight,
	CommandResetScores,
	CommandRequestScores,
}

// Path returns the message path the command travels on, e.g. "/increment_left".
func (c Command) Path() string {
	return "/" + string(c)
}

// Mutates reports whether the command may change the score pair.
func (c Command) Mutates() bool {
	return c != CommandRequestScores
}

// ParseCommand accepts either the bare name or the message path.
func ParseCommand(path string) (Command, error) {
	name := strings.TrimPrefix(path, "/")
	for _, c := range AllCommands {
		if string(c) == name {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, path)
}

// IncrementCommand returns the increment command for a side.
func IncrementCommand(side Side) Command {
	if side == SideRight {
		return CommandIncrementRight
	}
	return CommandIncrementLeft
}

// DecrementCommand returns the decrement command for a side.
func DecrementCommand(side Side) Command {
	if side == SideRight {
		return CommandDecrementRight
	}
	return CommandDecrementLeft
}
