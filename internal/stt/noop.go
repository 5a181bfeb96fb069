package stt

import (
	"context"

	"github.com/rs/zerolog"
)

// Noop stands in when no recognizer is available. Every capture ends
// immediately without a transcript.
type Noop struct {
	events chan Event
	logger zerolog.Logger
}

// NewNoop creates a Noop recognizer.
func NewNoop(logger zerolog.Logger) *Noop {
	return &Noop{
		events: make(chan Event, 4),
		logger: logger.With().Str("component", "stt-noop").Logger(),
	}
}

// Start emits End.
func (n *Noop) Start(context.Context) error {
	n.logger.Warn().Msg("Speech recognition is not available on this platform")
	select {
	case n.events <- End():
	default:
	}
	return nil
}

// Stop does nothing.
func (n *Noop) Stop() error { return nil }

// Events returns the event channel.
func (n *Noop) Events() <-chan Event { return n.events }
