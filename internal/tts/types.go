// Package tts adapts speech synthesizers to a single Speak call that
// reports completion on a channel.
package tts

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"
)

// Common errors
var (
	ErrProviderUnavailable = errors.New("tts: provider unavailable")
	ErrNoClient            = errors.New("tts: no client connected")
	ErrTimeout             = errors.New("tts: playback did not finish in time")
	ErrAborted             = errors.New("tts: playback aborted")
)

// Speaker plays text aloud. The returned channel receives exactly one value,
// nil or the playback error, once audio has finished. A non-nil error from
// Speak itself means playback never started.
type Speaker interface {
	Speak(ctx context.Context, text, locale string) (<-chan error, error)
}

// Reading-speed estimate used for timeouts and silent playback.
const (
	perRune     = 60 * time.Millisecond
	minDuration = 500 * time.Millisecond
)

// EstimateDuration guesses how long text takes to say aloud.
func EstimateDuration(text string) time.Duration {
	d := time.Duration(utf8.RuneCountInString(text)) * perRune
	if d < minDuration {
		return minDuration
	}
	return d
}
