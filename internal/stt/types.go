// Package stt adapts speech recognizers to a channel of final transcripts.
package stt

import (
	"context"
	"errors"
)

// Common errors
var (
	ErrProviderUnavailable = errors.New("stt: provider unavailable")
	ErrNoClient            = errors.New("stt: no client connected")
)

// EventKind distinguishes recognizer events.
type EventKind string

const (
	EventResult EventKind = "result"
	EventEnd    EventKind = "end"
	EventError  EventKind = "error"
)

// Event is emitted by a Recognizer. Result events only carry final
// transcripts. Capture names the capture the event belongs to.
type Event struct {
	Kind       EventKind `json:"kind"`
	Transcript string    `json:"transcript,omitempty"`
	Code       string    `json:"code,omitempty"`
	Capture    string    `json:"capture,omitempty"`
}

// For returns a copy of e tagged with capture.
func (e Event) For(capture string) Event {
	e.Capture = capture
	return e
}

// Result returns a final-transcript event.
func Result(text string) Event { return Event{Kind: EventResult, Transcript: text} }

// End returns a capture-ended event.
func End() Event { return Event{Kind: EventEnd} }

// Failure returns an error event carrying the recognizer's code.
func Failure(code string) Event { return Event{Kind: EventError, Code: code} }

// Recognizer captures one utterance per Start. Events are delivered on
// the channel returned by Events, which stays open for the recognizer's
// lifetime.
type Recognizer interface {
	Start(ctx context.Context) error
	Stop() error
	Events() <-chan Event
}
