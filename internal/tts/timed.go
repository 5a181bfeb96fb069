package tts

import (
	"context"
	"sync"

	"github.com/normanking/yaoay/internal/clock"
)

// Timed is a silent Speaker: playback "ends" after the estimated reading
// time. Used where no audio output exists.
type Timed struct {
	clock clock.Clock
}

// NewTimed creates a Timed speaker on clk.
func NewTimed(clk clock.Clock) *Timed {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Timed{clock: clk}
}

// Speak completes after EstimateDuration(text) or when ctx is cancelled.
func (t *Timed) Speak(ctx context.Context, text, _ string) (<-chan error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		mu        sync.Mutex
		finished  bool
		timer     clock.Timer
		stopWatch func() bool
	)
	done := make(chan error, 1)
	finish := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if finished {
			return
		}
		finished = true
		if timer != nil {
			timer.Stop()
		}
		if stopWatch != nil {
			stopWatch()
		}
		done <- err
	}

	mu.Lock()
	timer = t.clock.AfterFunc(EstimateDuration(text), func() { finish(nil) })
	stopWatch = context.AfterFunc(ctx, func() { finish(ctx.Err()) })
	mu.Unlock()
	return done, nil
}
