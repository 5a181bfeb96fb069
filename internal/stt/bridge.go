package stt

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BridgeHooks forward Start and Stop to wherever recognition actually runs,
// for example a browser connected over websocket. capture identifies the
// capture; the source echoes it on every event it delivers.
type BridgeHooks struct {
	OnStart func(ctx context.Context, capture string) error
	OnStop  func(capture string) error
}

// Bridge is a push-based Recognizer: the capture source calls Deliver with
// what it heard. Only events tagged with the active capture id reach the
// consumer.
type Bridge struct {
	mu      sync.Mutex
	active  bool
	capture string
	hooks   BridgeHooks
	events  chan Event
	logger  zerolog.Logger
}

// NewBridge creates a Bridge. buffer sizes the event channel.
func NewBridge(hooks BridgeHooks, buffer int, logger zerolog.Logger) *Bridge {
	if buffer <= 0 {
		buffer = 16
	}
	return &Bridge{
		hooks:  hooks,
		events: make(chan Event, buffer),
		logger: logger.With().Str("component", "stt-bridge").Logger(),
	}
}

// Start begins a capture under a fresh id.
func (b *Bridge) Start(ctx context.Context) error {
	id := uuid.NewString()

	// The capture is active before OnStart returns so that a source
	// answering quickly is not dropped.
	b.mu.Lock()
	b.capture = id
	b.active = true
	b.mu.Unlock()

	if b.hooks.OnStart != nil {
		if err := b.hooks.OnStart(ctx, id); err != nil {
			b.mu.Lock()
			if b.capture == id {
				b.active = false
			}
			b.mu.Unlock()
			return err
		}
	}
	return nil
}

// Stop ends the capture. Anything the source still sends for it is
// dropped.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	wasActive := b.active
	id := b.capture
	b.active = false
	b.mu.Unlock()

	if wasActive && b.hooks.OnStop != nil {
		return b.hooks.OnStop(id)
	}
	return nil
}

// Active reports whether a capture is in progress.
func (b *Bridge) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Capture returns the id of the active capture, or "" when idle.
func (b *Bridge) Capture() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active {
		return ""
	}
	return b.capture
}

// Events returns the event channel.
func (b *Bridge) Events() <-chan Event {
	return b.events
}

// Deliver pushes a recognizer event. Interim results, blank transcripts and
// events for any capture other than the active one are dropped. End and
// Error close the capture.
func (b *Bridge) Deliver(ev Event, final bool) {
	if ev.Kind == EventResult && (!final || strings.TrimSpace(ev.Transcript) == "") {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.active || ev.Capture != b.capture {
		b.logger.Debug().
			Str("kind", string(ev.Kind)).
			Str("capture", ev.Capture).
			Str("active_capture", b.capture).
			Bool("active", b.active).
			Msg("Dropping event for inactive capture")
		return
	}
	if ev.Kind == EventEnd || ev.Kind == EventError {
		b.active = false
	}

	select {
	case b.events <- ev:
	default:
		b.logger.Warn().Str("kind", string(ev.Kind)).Msg("Event buffer full, dropping recognizer event")
	}
}
