package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/yaoay/internal/ai"
	"github.com/normanking/yaoay/internal/avatar"
	"github.com/normanking/yaoay/internal/bus"
	"github.com/normanking/yaoay/internal/clock"
	"github.com/normanking/yaoay/internal/metrics"
	"github.com/normanking/yaoay/internal/stt"
	"github.com/normanking/yaoay/internal/tts"
)

// Face is the part of the avatar the orchestrator drives.
type Face interface {
	SetEmotion(avatar.Emotion)
	SetSpeaking(bool)
}

// CredentialSource reports the current API key; empty means none.
type CredentialSource interface {
	APIKey() string
}

// Config holds orchestrator settings.
type Config struct {
	Locale string
	// FailureFlash is how long the sad face stays up after a failed
	// reply. Zero keeps it until the next utterance.
	FailureFlash time.Duration
}

// DefaultConfig returns the Turkish defaults.
func DefaultConfig() Config {
	return Config{Locale: "tr-TR", FailureFlash: 2 * time.Second}
}

// Deps are the collaborators the orchestrator talks to. Face, Recognizer,
// Responder and Speaker are required.
type Deps struct {
	Face       Face
	Recognizer stt.Recognizer
	Responder  ai.Responder
	Speaker    tts.Speaker
	Credential CredentialSource
	Classifier *Classifier
	Filter     *stt.Filter
	History    *History
	// Bus handlers run synchronously on the loop and must not call back
	// into the orchestrator.
	Bus        *bus.EventBus
	Clock      clock.Clock
	Logger     zerolog.Logger
}

type requestKind int

const (
	requestToggle requestKind = iota
	requestAnnounce
)

type request struct {
	kind    requestKind
	message string
	ctx     context.Context
	reply   chan error
}

type inferenceResult struct {
	id      uint64
	text    string
	err     error
	latency time.Duration
}

type speechResult struct {
	id  uint64
	err error
}

type flashExpired struct {
	id uint64
}

// Orchestrator runs the Idle → Listening → Thinking → Speaking loop. All
// session state lives on the goroutine started by Run; public methods
// post requests to it.
type Orchestrator struct {
	cfg        Config
	face       Face
	recognizer stt.Recognizer
	responder  ai.Responder
	speaker    tts.Speaker
	credential CredentialSource
	classifier *Classifier
	filter     *stt.Filter
	history    *History
	bus        *bus.EventBus
	clock      clock.Clock
	logger     zerolog.Logger

	requests chan request
	results  chan any
	done     chan struct{}

	runOnce sync.Once

	// Loop-owned.
	session      *Session
	runCtx       context.Context
	flashID      uint64
	flashTimer   clock.Timer
	speakStarted time.Time

	snapMu sync.RWMutex
	snap   Snapshot
}

// New creates an Orchestrator. Call Run to start it.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Locale == "" {
		cfg.Locale = DefaultConfig().Locale
	}
	if deps.Classifier == nil {
		deps.Classifier = NewClassifier()
	}
	if deps.Filter == nil {
		deps.Filter = stt.NewFilter(nil)
	}
	if deps.History == nil {
		deps.History = NewHistory(DefaultHistorySize)
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}

	o := &Orchestrator{
		cfg:        cfg,
		face:       deps.Face,
		recognizer: deps.Recognizer,
		responder:  deps.Responder,
		speaker:    deps.Speaker,
		credential: deps.Credential,
		classifier: deps.Classifier,
		filter:     deps.Filter,
		history:    deps.History,
		bus:        deps.Bus,
		clock:      deps.Clock,
		logger:     deps.Logger.With().Str("component", "orchestrator").Logger(),
		requests:   make(chan request),
		results:    make(chan any, 8),
		done:       make(chan struct{}),
		session:    newSession(),
	}
	o.snap = o.session.snapshot(o.clock.Now())
	return o
}

// Run processes events until ctx is cancelled. It returns ErrRunning if
// called twice.
func (o *Orchestrator) Run(ctx context.Context) error {
	first := false
	o.runOnce.Do(func() { first = true })
	if !first {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.runCtx = ctx
	defer close(o.done)
	defer o.shutdown()

	o.logger.Info().Str("session", o.session.ID).Msg("Voice orchestrator started")

	events := o.recognizer.Events()
	for {
		select {
		case <-ctx.Done():
			return nil

		case req := <-o.requests:
			req.reply <- o.handleRequest(req)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			o.handleRecognizer(ev)

		case res := <-o.results:
			switch r := res.(type) {
			case inferenceResult:
				o.handleInference(r)
			case speechResult:
				o.handleSpeech(r)
			case flashExpired:
				o.handleFlash(r)
			}
		}
	}
}

// Done is closed once Run has returned.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// ToggleCapture starts listening when idle and stops listening when
// listening. While a reply is in progress it returns ErrBusy.
func (o *Orchestrator) ToggleCapture(ctx context.Context) error {
	return o.send(ctx, request{kind: requestToggle, ctx: ctx})
}

// Announce replaces the user-visible message, for example after a
// credential was saved.
func (o *Orchestrator) Announce(ctx context.Context, message string) error {
	return o.send(ctx, request{kind: requestAnnounce, message: message, ctx: ctx})
}

// Snapshot returns the latest session snapshot. It never blocks on the loop.
func (o *Orchestrator) Snapshot() Snapshot {
	o.snapMu.RLock()
	defer o.snapMu.RUnlock()
	return o.snap
}

// History returns the utterance history.
func (o *Orchestrator) History() *History {
	return o.history
}

func (o *Orchestrator) send(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)
	select {
	case o.requests <- req:
	case <-o.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-o.done:
		return ErrClosed
	}
}

// post hands a helper goroutine's result to the loop.
func (o *Orchestrator) post(v any) {
	select {
	case o.results <- v:
	case <-o.runCtx.Done():
	}
}

func (o *Orchestrator) handleRequest(req request) error {
	switch req.kind {
	case requestAnnounce:
		o.setMessage(req.message)
		o.publishSnapshot()
		return nil
	case requestToggle:
		switch o.session.State {
		case StateIdle:
			return o.startCapture(req.ctx)
		case StateListening:
			o.stopCapture()
			return nil
		default:
			metrics.CapturesRejected.WithLabelValues("busy").Inc()
			o.publish(bus.EventTypeCaptureRejected, map[string]any{"reason": "busy", "state": string(o.session.State)})
			return ErrBusy
		}
	}
	return nil
}

func (o *Orchestrator) startCapture(ctx context.Context) error {
	if o.credential != nil && strings.TrimSpace(o.credential.APIKey()) == "" {
		metrics.CapturesRejected.WithLabelValues("credential").Inc()
		o.publish(bus.EventTypeCaptureRejected, map[string]any{"reason": "credential"})
		o.setMessage(ai.MessageCredentialRequired)
		o.publishSnapshot()
		return &ai.ConfigError{Message: ai.MessageCredentialRequired}
	}

	o.drainRecognizer()
	if err := o.recognizer.Start(ctx); err != nil {
		rerr := &RecognitionError{Code: "start-failed", Err: err}
		if errors.Is(err, stt.ErrNoClient) {
			rerr.Code = "no-client"
		}
		o.logger.Warn().Err(err).Str("code", rerr.Code).Msg("Recognizer failed to start")
		metrics.CapturesRejected.WithLabelValues(rerr.Code).Inc()
		o.setEmotion(avatar.EmotionNeutral)
		o.setMessage(RecognitionMessage(rerr.Code))
		o.publishSnapshot()
		return rerr
	}

	o.cancelFlash()
	u := o.session.begin(o.clock.Now())
	o.logger.Debug().Uint64("utterance", u.ID).Msg("Capture started")
	o.setEmotion(avatar.EmotionListening)
	o.setMessage(MessageListening)
	o.transition(StateListening, PhaseCapturing)
	o.publishSnapshot()
	return nil
}

// drainRecognizer discards events left over from an earlier capture.
func (o *Orchestrator) drainRecognizer() {
	events := o.recognizer.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			o.logger.Debug().Str("kind", string(ev.Kind)).Msg("Dropping stale recognizer event")
		default:
			return
		}
	}
}

func (o *Orchestrator) stopCapture() {
	o.stopRecognizer()
	o.logger.Debug().Msg("Capture cancelled by user")
	metrics.Utterances.WithLabelValues(metrics.OutcomeAbandoned).Inc()
	o.session.Active = nil
	o.setEmotion(avatar.EmotionNeutral)
	o.setMessage("")
	o.transition(StateIdle, "")
	o.publishSnapshot()
}

func (o *Orchestrator) stopRecognizer() {
	if err := o.recognizer.Stop(); err != nil {
		o.logger.Debug().Err(err).Msg("Recognizer stop failed")
	}
}

func (o *Orchestrator) handleRecognizer(ev stt.Event) {
	if o.session.State != StateListening || o.session.Active == nil {
		if ev.Kind == stt.EventResult && strings.TrimSpace(ev.Transcript) == "" {
			return
		}
		o.logger.Debug().Str("kind", string(ev.Kind)).Str("state", string(o.session.State)).Msg("Ignoring recognizer event")
		return
	}
	u := o.session.Active

	switch ev.Kind {
	case stt.EventResult:
		text := strings.TrimSpace(ev.Transcript)
		if text == "" || o.filter.IsFillerOnly(text) {
			o.logger.Debug().Str("transcript", text).Msg("Ignoring empty transcript")
			return
		}
		o.startThinking(u, text)

	case stt.EventEnd:
		o.logger.Debug().Uint64("utterance", u.ID).Msg("Capture ended without transcript")
		u.Error = "no transcript"
		o.setEmotion(avatar.EmotionNeutral)
		o.setMessage("")
		o.finish(u, PhaseFailed, false)

	case stt.EventError:
		rerr := &RecognitionError{Code: ev.Code}
		o.logger.Warn().Err(rerr).Uint64("utterance", u.ID).Msg("Speech recognition failed")
		o.stopRecognizer()
		u.Error = rerr.Error()
		o.setEmotion(avatar.EmotionNeutral)
		o.setMessage(RecognitionMessage(ev.Code))
		o.finish(u, PhaseFailed, false)
	}
}

func (o *Orchestrator) startThinking(u *Utterance, text string) {
	o.stopRecognizer()
	u.Transcript = text
	o.logger.Info().Uint64("utterance", u.ID).Str("transcript", text).Msg("Transcript received")

	o.setMessage(MessageUserPrefix + text)
	o.setEmotion(avatar.EmotionThinking)
	o.transition(StateThinking, PhaseThinking)
	o.publishSnapshot()

	id := u.ID
	ctx := o.runCtx
	start := o.clock.Now()
	go func() {
		reply, err := o.responder.GetResponse(ctx, text)
		o.post(inferenceResult{id: id, text: reply, err: err, latency: o.clock.Now().Sub(start)})
	}()
}

func (o *Orchestrator) handleInference(r inferenceResult) {
	u := o.session.Active
	if u == nil || u.ID != r.id || o.session.State != StateThinking {
		o.logger.Debug().Uint64("utterance", r.id).Msg("Dropping stale inference result")
		return
	}
	metrics.InferenceLatency.Observe(r.latency.Seconds())

	if r.err != nil {
		o.fail(u, r.err)
		return
	}

	emotion := o.classifier.Classify(r.text)
	u.Response = r.text
	u.Emotion = emotion
	o.logger.Info().
		Uint64("utterance", u.ID).
		Str("emotion", string(emotion)).
		Dur("latency", r.latency).
		Msg("Reply received")

	o.setEmotion(emotion)
	o.setMessage(MessageAssistantPrefix + r.text)
	o.face.SetSpeaking(true)

	o.speakStarted = o.clock.Now()
	done, err := o.speaker.Speak(o.runCtx, r.text, o.cfg.Locale)
	if err != nil {
		o.finishSpeaking(u, err)
		return
	}
	o.transition(StateSpeaking, PhaseSpeaking)
	o.publishSnapshot()

	id := u.ID
	ctx := o.runCtx
	go func() {
		select {
		case err := <-done:
			o.post(speechResult{id: id, err: err})
		case <-ctx.Done():
		}
	}()
}

func (o *Orchestrator) fail(u *Utterance, err error) {
	u.Error = err.Error()
	o.logger.Error().
		Err(err).
		Str("kind", ai.Kind(err)).
		Uint64("utterance", u.ID).
		Msg("Reply failed")

	o.setEmotion(avatar.EmotionSad)
	o.setMessage(MessageFailure)
	o.finish(u, PhaseFailed, false)
	o.armFlash(u.ID)
}

func (o *Orchestrator) handleSpeech(r speechResult) {
	u := o.session.Active
	if u == nil || u.ID != r.id || o.session.State != StateSpeaking {
		o.logger.Debug().Uint64("utterance", r.id).Msg("Dropping stale speech result")
		return
	}
	o.finishSpeaking(u, r.err)
}

func (o *Orchestrator) finishSpeaking(u *Utterance, err error) {
	// Chatter must stop before the expression changes.
	o.face.SetSpeaking(false)
	metrics.SpeechDuration.Observe(o.clock.Now().Sub(o.speakStarted).Seconds())
	if err != nil {
		u.Error = err.Error()
		o.logger.Warn().Err(err).Uint64("utterance", u.ID).Msg("Speech ended with error")
	}
	o.setEmotion(avatar.EmotionNeutral)
	o.finish(u, PhaseDone, true)
}

// finish moves u to a terminal phase, records it and returns to Idle.
func (o *Orchestrator) finish(u *Utterance, phase Phase, spoke bool) {
	u.EndedAt = o.clock.Now()
	o.transition(StateIdle, phase)
	o.session.Active = nil

	outcome := metrics.OutcomeDone
	if phase == PhaseFailed {
		outcome = metrics.OutcomeFailed
	}
	metrics.Utterances.WithLabelValues(outcome).Inc()

	final := *u
	o.history.Add(final)
	o.logger.Debug().
		Uint64("utterance", u.ID).
		Str("phase", string(phase)).
		Dur("duration", final.Duration()).
		Msg("Utterance finished")

	o.publish(bus.EventTypeUtteranceFinished, map[string]any{
		"utterance": final,
		"spoke":     spoke,
	})
	o.publishSnapshot()
}

func (o *Orchestrator) armFlash(id uint64) {
	if o.cfg.FailureFlash <= 0 {
		return
	}
	o.cancelFlash()
	o.flashID = id
	o.flashTimer = o.clock.AfterFunc(o.cfg.FailureFlash, func() {
		o.post(flashExpired{id: id})
	})
}

func (o *Orchestrator) cancelFlash() {
	if o.flashTimer != nil {
		o.flashTimer.Stop()
		o.flashTimer = nil
	}
	o.flashID = 0
}

func (o *Orchestrator) handleFlash(r flashExpired) {
	if r.id != o.flashID || o.session.State != StateIdle || o.session.Active != nil {
		return
	}
	o.flashTimer = nil
	o.flashID = 0
	o.setEmotion(avatar.EmotionNeutral)
	o.publishSnapshot()
}

// transition is the only place utterance phases change. Callers publish
// the snapshot once the whole step is applied.
func (o *Orchestrator) transition(state State, phase Phase) {
	from := o.session.State
	o.session.State = state
	if u := o.session.Active; u != nil && phase != "" {
		u.Phase = phase
	}
	if from != state {
		metrics.StateTransitions.WithLabelValues(string(state)).Inc()
		o.logger.Debug().Str("from", string(from)).Str("to", string(state)).Msg("State changed")
	}
}

func (o *Orchestrator) setEmotion(e avatar.Emotion) {
	o.face.SetEmotion(e)
	if o.session.Emotion == e {
		return
	}
	o.session.Emotion = e
	o.publish(bus.EventTypeEmotionChanged, map[string]any{"emotion": string(e)})
}

func (o *Orchestrator) setMessage(msg string) {
	if o.session.Message == msg {
		return
	}
	o.session.Message = msg
	o.publish(bus.EventTypeMessage, map[string]any{"message": msg})
}

func (o *Orchestrator) publishSnapshot() {
	snap := o.session.snapshot(o.clock.Now())
	o.snapMu.Lock()
	o.snap = snap
	o.snapMu.Unlock()
	o.publish(bus.EventTypeStateChanged, map[string]any{"snapshot": snap})
}

func (o *Orchestrator) publish(t bus.EventType, data map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.PublishSync(bus.Event{Type: t, Data: data})
}

// shutdown leaves the face and the session at rest when Run exits.
func (o *Orchestrator) shutdown() {
	o.cancelFlash()
	switch o.session.State {
	case StateListening:
		o.stopRecognizer()
	case StateSpeaking:
		o.face.SetSpeaking(false)
	}
	if u := o.session.Active; u != nil {
		u.Error = "orchestrator closed"
		metrics.Utterances.WithLabelValues(metrics.OutcomeAbandoned).Inc()
		o.session.Active = nil
	}
	o.transition(StateIdle, "")
	o.setEmotion(avatar.EmotionNeutral)
	o.publishSnapshot()
	o.logger.Info().Msg("Voice orchestrator stopped")
}
