package models

import "errors"

var (
	// ErrNegativeScore is returned when a score pair would hold a negative value
	ErrNegativeScore = errors.New("score must not be negative")

	// ErrUnknownCommand is returned for message paths that are not a Command
	ErrUnknownCommand = errors.New("unknown command")

	ErrUnknownSide = errors.New("unknown side")
)
