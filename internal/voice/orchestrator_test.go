package voice

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/yaoay/internal/ai"
	"github.com/normanking/yaoay/internal/avatar"
	"github.com/normanking/yaoay/internal/bus"
	"github.com/normanking/yaoay/internal/clock"
	"github.com/normanking/yaoay/internal/stt"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

// fakeRecognizer hands events to the loop over an unbuffered channel, so a
// completed push means the loop has taken the event.
type fakeRecognizer struct {
	mu       sync.Mutex
	startErr error
	starts   int
	stops    int
	events   chan stt.Event
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{events: make(chan stt.Event)}
}

func (r *fakeRecognizer) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.starts++
	return nil
}

func (r *fakeRecognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	return nil
}

func (r *fakeRecognizer) Events() <-chan stt.Event { return r.events }

func (r *fakeRecognizer) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.stops
}

// push delivers ev and waits until the loop has finished handling it: the
// trailing blank result can only be received once the loop is back in its
// select.
func (r *fakeRecognizer) push(t *testing.T, ev stt.Event) {
	t.Helper()
	for _, e := range []stt.Event{ev, stt.Result("")} {
		select {
		case r.events <- e:
		case <-time.After(waitFor):
			t.Fatal("orchestrator did not take recognizer event")
		}
	}
}

type responderFunc func(ctx context.Context, text string) (string, error)

func (f responderFunc) GetResponse(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}

type speakCall struct {
	text     string
	locale   string
	emotion  avatar.Emotion
	speaking bool
	done     chan error
}

type fakeSpeaker struct {
	mu       sync.Mutex
	face     *recordingFace
	speakErr error
	calls    []*speakCall
}

func (s *fakeSpeaker) Speak(_ context.Context, text, locale string) (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.speakErr != nil {
		return nil, s.speakErr
	}
	state := s.face.GetState()
	call := &speakCall{
		text:     text,
		locale:   locale,
		emotion:  state.Emotion,
		speaking: state.Speaking,
		done:     make(chan error, 1),
	}
	s.calls = append(s.calls, call)
	return call.done, nil
}

func (s *fakeSpeaker) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeSpeaker) last() *speakCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

// recordingFace is a real avatar controller that also logs the calls it
// receives.
type recordingFace struct {
	*avatar.Controller
	mu    sync.Mutex
	calls []string
}

func (f *recordingFace) SetEmotion(e avatar.Emotion) {
	f.mu.Lock()
	f.calls = append(f.calls, "emotion:"+string(e))
	f.mu.Unlock()
	f.Controller.SetEmotion(e)
}

func (f *recordingFace) SetSpeaking(speaking bool) {
	f.mu.Lock()
	if speaking {
		f.calls = append(f.calls, "speaking:on")
	} else {
		f.calls = append(f.calls, "speaking:off")
	}
	f.mu.Unlock()
	f.Controller.SetSpeaking(speaking)
}

func (f *recordingFace) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type staticKey string

func (k staticKey) APIKey() string { return string(k) }

type harness struct {
	orch    *Orchestrator
	face    *recordingFace
	rec     *fakeRecognizer
	speaker *fakeSpeaker
	clock   *clock.Manual
	cancel  context.CancelFunc
	runErr  chan error
}

func newHarness(t *testing.T, responder ai.Responder, key CredentialSource) *harness {
	t.Helper()

	clk := clock.NewManual(time.Unix(0, 0))
	face := &recordingFace{Controller: avatar.NewController(avatar.DefaultSchedulerConfig(), clk, rand.New(rand.NewSource(1)))}
	face.Start()
	t.Cleanup(face.Stop)

	h := &harness{
		face:    face,
		rec:     newFakeRecognizer(),
		speaker: &fakeSpeaker{face: face},
		clock:   clk,
		runErr:  make(chan error, 1),
	}
	h.orch = New(DefaultConfig(), Deps{
		Face:       face,
		Recognizer: h.rec,
		Responder:  responder,
		Speaker:    h.speaker,
		Credential: key,
		History:    NewHistory(10),
		Bus:        bus.NewEventBus(),
		Clock:      clk,
		Logger:     zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- h.orch.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.orch.Done()
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.orch.Snapshot().State == want }, waitFor, tick,
		"state never became %s (now %s)", want, h.orch.Snapshot().State)
}

func (h *harness) listen(t *testing.T) {
	t.Helper()
	require.NoError(t, h.orch.ToggleCapture(context.Background()))
	snap := h.orch.Snapshot()
	require.Equal(t, StateListening, snap.State)
	require.Equal(t, MessageListening, snap.Message)
	require.Equal(t, avatar.EmotionListening, h.face.Emotion())
}

func reply(text string) responderFunc {
	return func(context.Context, string) (string, error) { return text, nil }
}

func TestHappyPathDrivesTheFace(t *testing.T) {
	var heard string
	h := newHarness(t, responderFunc(func(_ context.Context, text string) (string, error) {
		heard = text
		return "Harika, size yardımcı olabilirim", nil
	}), staticKey("sk-test"))

	h.listen(t)
	h.rec.push(t, stt.Result("merhaba"))
	h.waitState(t, StateSpeaking)

	assert.Equal(t, "merhaba", heard)
	snap := h.orch.Snapshot()
	assert.Equal(t, MessageAssistantPrefix+"Harika, size yardımcı olabilirim", snap.Message)
	assert.Equal(t, avatar.EmotionHappy, snap.Emotion)
	require.NotNil(t, snap.Utterance)
	assert.Equal(t, PhaseSpeaking, snap.Utterance.Phase)

	pose := h.face.Pose()
	assert.InDelta(t, 0.8, pose.EyeLeft.ScaleY, 1e-9)
	assert.InDelta(t, 0.8, pose.EyeRight.ScaleY, 1e-9)
	assert.InDelta(t, 0.5, pose.Mouth.Width, 1e-9)

	require.Equal(t, 1, h.speaker.count())
	call := h.speaker.last()
	assert.Equal(t, "Harika, size yardımcı olabilirim", call.text)
	assert.Equal(t, "tr-TR", call.locale)
	assert.Equal(t, avatar.EmotionHappy, call.emotion, "emotion must be applied before speech starts")
	assert.True(t, call.speaking)

	starts, stops := h.rec.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops, "recognizer stops after a final transcript")

	call.done <- nil
	h.waitState(t, StateIdle)

	assert.Equal(t, avatar.EmotionNeutral, h.face.Emotion())
	pose = h.face.Pose()
	assert.InDelta(t, 1.0, pose.EyeLeft.ScaleY, 1e-9)
	assert.InDelta(t, 1.0, pose.EyeRight.ScaleY, 1e-9)
	assert.InDelta(t, avatar.RestingMouthHeight, pose.Mouth.Height, 1e-9)
	assert.Equal(t, []string{avatar.TaskBlink}, h.face.Scheduler().Active(), "only the blink loop stays armed")

	calls := h.face.log()
	assert.Equal(t, []string{"speaking:off", "emotion:neutral"}, calls[len(calls)-2:],
		"chatter stops before the expression resets")

	history := h.orch.History().Recent(0)
	require.Len(t, history, 1)
	assert.Equal(t, PhaseDone, history[0].Phase)
	assert.Equal(t, "merhaba", history[0].Transcript)
	assert.Equal(t, avatar.EmotionHappy, history[0].Emotion)
	assert.Nil(t, h.orch.Snapshot().Utterance)
}

func TestInferenceFailureShowsSadFace(t *testing.T) {
	h := newHarness(t, responderFunc(func(context.Context, string) (string, error) {
		return "", &ai.APIError{StatusCode: 401, Message: "Incorrect API key provided"}
	}), staticKey("sk-bad"))

	h.listen(t)
	h.rec.push(t, stt.Result("merhaba"))

	require.Eventually(t, func() bool {
		snap := h.orch.Snapshot()
		return snap.State == StateIdle && snap.Message == MessageFailure
	}, waitFor, tick)

	assert.Equal(t, avatar.EmotionSad, h.face.Emotion())
	assert.Zero(t, h.speaker.count())

	history := h.orch.History().Recent(0)
	require.Len(t, history, 1)
	assert.Equal(t, PhaseFailed, history[0].Phase)
	assert.Contains(t, history[0].Error, "401")

	h.clock.Advance(DefaultConfig().FailureFlash)
	require.Eventually(t, func() bool { return h.face.Emotion() == avatar.EmotionNeutral }, waitFor, tick)
	assert.Equal(t, MessageFailure, h.orch.Snapshot().Message)
}

func TestNewCaptureCancelsFailureFlash(t *testing.T) {
	h := newHarness(t, responderFunc(func(context.Context, string) (string, error) {
		return "", &ai.NetworkError{Err: errors.New("connection refused")}
	}), staticKey("sk-test"))

	h.listen(t)
	h.rec.push(t, stt.Result("merhaba"))
	require.Eventually(t, func() bool { return h.orch.Snapshot().Message == MessageFailure }, waitFor, tick)

	h.listen(t)
	h.clock.Advance(DefaultConfig().FailureFlash)
	h.rec.push(t, stt.Result(""))

	assert.Equal(t, avatar.EmotionListening, h.face.Emotion())
	assert.Equal(t, StateListening, h.orch.Snapshot().State)
}

func TestMissingCredentialRejectsCapture(t *testing.T) {
	h := newHarness(t, reply("unused"), staticKey(""))

	err := h.orch.ToggleCapture(context.Background())
	var cfgErr *ai.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, ai.MessageCredentialRequired, cfgErr.Message)

	snap := h.orch.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, ai.MessageCredentialRequired, snap.Message)

	starts, _ := h.rec.counts()
	assert.Zero(t, starts)
}

func TestCaptureRejectedWhileBusy(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, responderFunc(func(ctx context.Context, _ string) (string, error) {
		select {
		case <-release:
			return "Tamam", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}), staticKey("sk-test"))

	h.listen(t)
	h.rec.push(t, stt.Result("merhaba"))
	assert.Equal(t, StateThinking, h.orch.Snapshot().State)
	assert.Equal(t, MessageUserPrefix+"merhaba", h.orch.Snapshot().Message)
	assert.Equal(t, avatar.EmotionThinking, h.face.Emotion())

	assert.ErrorIs(t, h.orch.ToggleCapture(context.Background()), ErrBusy)
	assert.Equal(t, StateThinking, h.orch.Snapshot().State)

	close(release)
	h.waitState(t, StateSpeaking)

	assert.ErrorIs(t, h.orch.ToggleCapture(context.Background()), ErrBusy)
	assert.Equal(t, StateSpeaking, h.orch.Snapshot().State)
	assert.Equal(t, 1, h.speaker.count())

	starts, _ := h.rec.counts()
	assert.Equal(t, 1, starts)
}

func TestToggleWhileListeningStopsCapture(t *testing.T) {
	called := false
	h := newHarness(t, responderFunc(func(context.Context, string) (string, error) {
		called = true
		return "x", nil
	}), staticKey("sk-test"))

	h.listen(t)
	require.NoError(t, h.orch.ToggleCapture(context.Background()))

	assert.Equal(t, StateIdle, h.orch.Snapshot().State)
	assert.Equal(t, avatar.EmotionNeutral, h.face.Emotion())
	_, stops := h.rec.counts()
	assert.Equal(t, 1, stops)

	h.rec.push(t, stt.Result("merhaba"))
	assert.False(t, called, "late transcript must not start inference")
	assert.Zero(t, h.orch.History().Len())
}

func TestBlankAndFillerTranscriptsAreIgnored(t *testing.T) {
	called := false
	h := newHarness(t, responderFunc(func(context.Context, string) (string, error) {
		called = true
		return "x", nil
	}), staticKey("sk-test"))

	h.listen(t)
	h.rec.push(t, stt.Result("   "))
	h.rec.push(t, stt.Result("eee hmm"))

	assert.False(t, called)
	assert.Equal(t, StateListening, h.orch.Snapshot().State)
	assert.Equal(t, MessageListening, h.orch.Snapshot().Message)
}

func TestCaptureEndWithoutTranscript(t *testing.T) {
	h := newHarness(t, reply("x"), staticKey("sk-test"))

	h.listen(t)
	h.rec.push(t, stt.End())

	assert.Equal(t, StateIdle, h.orch.Snapshot().State)
	assert.Equal(t, avatar.EmotionNeutral, h.face.Emotion())
	history := h.orch.History().Recent(0)
	require.Len(t, history, 1)
	assert.Equal(t, PhaseFailed, history[0].Phase)
}

func TestRecognitionErrorReturnsToIdle(t *testing.T) {
	h := newHarness(t, reply("x"), staticKey("sk-test"))

	h.listen(t)
	h.rec.push(t, stt.Failure("not-allowed"))

	snap := h.orch.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, "Ses tanıma hatası (not-allowed)", snap.Message)
	assert.Equal(t, avatar.EmotionNeutral, h.face.Emotion())
}

func TestRecognizerStartFailure(t *testing.T) {
	h := newHarness(t, reply("x"), staticKey("sk-test"))
	h.rec.startErr = stt.ErrNoClient

	err := h.orch.ToggleCapture(context.Background())
	var recErr *RecognitionError
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, "no-client", recErr.Code)
	assert.ErrorIs(t, err, stt.ErrNoClient)
	assert.Equal(t, StateIdle, h.orch.Snapshot().State)
}

func TestSpeakFailureStillReturnsToRest(t *testing.T) {
	h := newHarness(t, reply("Harika"), staticKey("sk-test"))
	h.speaker.speakErr = errors.New("no audio device")

	h.listen(t)
	h.rec.push(t, stt.Result("merhaba"))
	h.waitState(t, StateIdle)

	assert.Equal(t, avatar.EmotionNeutral, h.face.Emotion())
	assert.False(t, h.face.GetState().Speaking)
	history := h.orch.History().Recent(0)
	require.Len(t, history, 1)
	assert.Equal(t, PhaseDone, history[0].Phase)
	assert.Equal(t, "no audio device", history[0].Error)
}

func TestAnnounceSetsMessage(t *testing.T) {
	h := newHarness(t, reply("x"), staticKey("sk-test"))

	require.NoError(t, h.orch.Announce(context.Background(), MessageCredentialSaved))
	assert.Equal(t, MessageCredentialSaved, h.orch.Snapshot().Message)
}

func TestCloseCancelsInFlightReply(t *testing.T) {
	cancelled := make(chan struct{})
	h := newHarness(t, responderFunc(func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		close(cancelled)
		return "", ctx.Err()
	}), staticKey("sk-test"))

	h.listen(t)
	h.rec.push(t, stt.Result("merhaba"))
	h.stop()

	select {
	case <-cancelled:
	case <-time.After(waitFor):
		t.Fatal("inference was not cancelled")
	}
	assert.NoError(t, <-h.runErr)
	assert.Equal(t, StateIdle, h.orch.Snapshot().State)
	assert.ErrorIs(t, h.orch.ToggleCapture(context.Background()), ErrClosed)
	assert.ErrorIs(t, h.orch.Run(context.Background()), ErrRunning)
}

func TestStaleSpeechResultIsDropped(t *testing.T) {
	h := newHarness(t, reply("Harika"), staticKey("sk-test"))

	h.listen(t)
	h.rec.push(t, stt.Result("merhaba"))
	h.waitState(t, StateSpeaking)

	h.orch.results <- speechResult{id: 999}
	h.rec.push(t, stt.Result(""))
	assert.Equal(t, StateSpeaking, h.orch.Snapshot().State)

	h.speaker.last().done <- nil
	h.waitState(t, StateIdle)
}

func TestEventsArePublished(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	face := &recordingFace{Controller: avatar.NewController(avatar.DefaultSchedulerConfig(), clk, rand.New(rand.NewSource(1)))}
	rec := newFakeRecognizer()
	eb := bus.NewEventBus()

	var mu sync.Mutex
	var states []State
	eb.Subscribe(bus.EventTypeStateChanged, func(e bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		snap := e.Data["snapshot"].(Snapshot)
		if len(states) == 0 || states[len(states)-1] != snap.State {
			states = append(states, snap.State)
		}
	})

	orch := New(DefaultConfig(), Deps{
		Face:       face,
		Recognizer: rec,
		Responder:  reply("Tamam"),
		Speaker:    &fakeSpeaker{face: face},
		Bus:        eb,
		Clock:      clk,
		Logger:     zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = orch.Run(ctx) }()
	t.Cleanup(func() { cancel(); <-orch.Done() })

	require.NoError(t, orch.ToggleCapture(context.Background()))
	rec.push(t, stt.Result("merhaba"))
	require.Eventually(t, func() bool { return orch.Snapshot().State == StateSpeaking }, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateListening, StateThinking, StateSpeaking}, states)
}

func TestCancelledCaptureCannotDriveTheNextOne(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	face := &recordingFace{Controller: avatar.NewController(avatar.DefaultSchedulerConfig(), clk, rand.New(rand.NewSource(1)))}
	face.Start()
	t.Cleanup(face.Stop)
	bridge := stt.NewBridge(stt.BridgeHooks{}, 8, zerolog.Nop())

	var mu sync.Mutex
	var heard []string
	orch := New(DefaultConfig(), Deps{
		Face:       face,
		Recognizer: bridge,
		Responder: responderFunc(func(_ context.Context, text string) (string, error) {
			mu.Lock()
			heard = append(heard, text)
			mu.Unlock()
			return "tamam", nil
		}),
		Speaker:    &fakeSpeaker{face: face},
		Credential: staticKey("sk-test"),
		Clock:      clk,
		Logger:     zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = orch.Run(ctx) }()
	t.Cleanup(func() { cancel(); <-orch.Done() })

	require.NoError(t, orch.ToggleCapture(context.Background()))
	first := bridge.Capture()
	require.NoError(t, orch.ToggleCapture(context.Background()))
	require.Equal(t, StateIdle, orch.Snapshot().State)
	require.NoError(t, orch.ToggleCapture(context.Background()))
	require.Equal(t, StateListening, orch.Snapshot().State)
	second := bridge.Capture()
	require.NotEqual(t, first, second)

	bridge.Deliver(stt.Result("iptal edilen cümle").For(first), true)
	bridge.Deliver(stt.End().For(first), true)
	bridge.Deliver(stt.Result("etiketsiz"), true)

	assert.Empty(t, bridge.Events())
	assert.Equal(t, StateListening, orch.Snapshot().State)
	assert.True(t, bridge.Active())

	bridge.Deliver(stt.Result("merhaba").For(second), true)
	require.Eventually(t, func() bool { return orch.Snapshot().State == StateSpeaking }, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"merhaba"}, heard)
}
