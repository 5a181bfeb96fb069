package tts

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/yaoay/internal/clock"
)

// SpeakRequest is sent to the client that owns the audio output.
type SpeakRequest struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Locale string `json:"locale"`
}

// RemoteTransport delivers requests to the playback client.
type RemoteTransport interface {
	SendSpeak(req SpeakRequest) error
	SendCancel(id string) error
}

type pendingSpeech struct {
	done      chan error
	timer     clock.Timer
	stopWatch func() bool
}

// Remote speaks through a connected client (the browser's speech
// synthesis) and waits for it to report the end of playback.
type Remote struct {
	mu        sync.Mutex
	transport RemoteTransport
	pending   map[string]*pendingSpeech
	timeout   time.Duration
	clock     clock.Clock
	logger    zerolog.Logger
}

// NewRemote creates a Remote speaker. Playback that has not completed
// within EstimateDuration(text)+timeout fails with ErrTimeout.
func NewRemote(transport RemoteTransport, timeout time.Duration, clk clock.Clock, logger zerolog.Logger) *Remote {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Remote{
		transport: transport,
		pending:   make(map[string]*pendingSpeech),
		timeout:   timeout,
		clock:     clk,
		logger:    logger.With().Str("component", "tts-remote").Logger(),
	}
}

// Speak asks the client to play text.
func (r *Remote) Speak(ctx context.Context, text, locale string) (<-chan error, error) {
	id := uuid.NewString()
	p := &pendingSpeech{done: make(chan error, 1)}

	r.mu.Lock()
	r.pending[id] = p
	r.mu.Unlock()

	if err := r.transport.SendSpeak(SpeakRequest{ID: id, Text: text, Locale: locale}); err != nil {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		return nil, err
	}

	r.mu.Lock()
	if _, ok := r.pending[id]; ok {
		p.timer = r.clock.AfterFunc(EstimateDuration(text)+r.timeout, func() {
			r.finish(id, ErrTimeout, true)
		})
		p.stopWatch = context.AfterFunc(ctx, func() {
			r.finish(id, ctx.Err(), true)
		})
	}
	r.mu.Unlock()

	r.logger.Debug().Str("id", id).Int("textLen", len(text)).Msg("Speech requested")
	return p.done, nil
}

// Complete is called when the client reports playback ended. errMsg is
// empty on success.
func (r *Remote) Complete(id, errMsg string) {
	var err error
	if errMsg != "" {
		err = errors.New("tts: client: " + errMsg)
	}
	r.finish(id, err, false)
}

// AbortAll fails every pending playback, for example when the client
// disconnects.
func (r *Remote) AbortAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.finish(id, ErrAborted, false)
	}
}

// Pending returns the number of playbacks awaiting completion.
func (r *Remote) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Remote) finish(id string, err error, cancelClient bool) {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	if p.stopWatch != nil {
		p.stopWatch()
	}
	if cancelClient {
		if sendErr := r.transport.SendCancel(id); sendErr != nil {
			r.logger.Debug().Err(sendErr).Str("id", id).Msg("Cancel not delivered")
		}
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("id", id).Msg("Speech ended with error")
	}
	p.done <- err
}
