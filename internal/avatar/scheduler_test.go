package avatar

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/yaoay/internal/clock"
)

func newTestScheduler(seed int64) (*Scheduler, *Model, *clock.Manual) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	model := NewModel()
	s := NewScheduler(DefaultSchedulerConfig(), model, clk, rand.New(rand.NewSource(seed)))
	return s, model, clk
}

type blinkSpan struct {
	start, end time.Duration
}

// sampleBlinks steps the clock one millisecond at a time and records each
// interval during which the model reports a blink.
func sampleBlinks(model *Model, clk *clock.Manual, total time.Duration) []blinkSpan {
	var (
		spans   []blinkSpan
		open    bool
		elapsed time.Duration
	)
	for elapsed < total {
		clk.Advance(time.Millisecond)
		elapsed += time.Millisecond
		blinking := model.Read().Blinking
		switch {
		case blinking && !open:
			spans = append(spans, blinkSpan{start: elapsed})
			open = true
		case !blinking && open:
			spans[len(spans)-1].end = elapsed
			open = false
		}
	}
	return spans
}

func TestBlinkWindowAndInterval(t *testing.T) {
	s, model, clk := newTestScheduler(42)
	s.Start()
	defer s.Stop()

	spans := sampleBlinks(model, clk, 40*time.Second)
	require.GreaterOrEqual(t, len(spans), 7)

	for i, span := range spans {
		if span.end == 0 {
			continue
		}
		assert.Equal(t, 150*time.Millisecond, span.end-span.start, "blink %d window", i)
	}

	assert.GreaterOrEqual(t, spans[0].start, 3*time.Second)
	assert.Less(t, spans[0].start, 5*time.Second)
	for i := 1; i < len(spans); i++ {
		gap := spans[i].start - spans[i-1].end
		assert.GreaterOrEqual(t, gap, 3*time.Second, "interval %d", i)
		assert.Less(t, gap, 5*time.Second, "interval %d", i)
	}
}

func TestSetConfigAppliesToNextInterval(t *testing.T) {
	s, model, clk := newTestScheduler(3)
	s.Start()
	defer s.Stop()

	cfg := DefaultSchedulerConfig()
	cfg.BlinkMin = 8 * time.Second
	cfg.BlinkMax = 8 * time.Second
	cfg.BlinkWindow = 100 * time.Millisecond
	s.SetConfig(cfg)
	assert.Equal(t, cfg, s.Config())

	spans := sampleBlinks(model, clk, 20*time.Second)
	require.GreaterOrEqual(t, len(spans), 2)
	assert.Less(t, spans[0].start, 5*time.Second, "armed blink keeps its deadline")
	assert.Equal(t, 100*time.Millisecond, spans[0].end-spans[0].start)
	assert.Equal(t, 8*time.Second, spans[1].start-spans[0].end)
}

func TestBlinkIsReproducibleWithSeed(t *testing.T) {
	s1, m1, c1 := newTestScheduler(7)
	s2, m2, c2 := newTestScheduler(7)
	s1.Start()
	s2.Start()

	assert.Equal(t, sampleBlinks(m1, c1, 15*time.Second), sampleBlinks(m2, c2, 15*time.Second))
}

func TestBlinkRevertsToCurrentExpression(t *testing.T) {
	s, model, clk := newTestScheduler(1)
	model.Apply(Compute(EmotionListening).Patch())
	s.Start()

	for !model.Read().Blinking {
		clk.Advance(time.Millisecond)
	}
	assert.Equal(t, BlinkScale, model.Read().EyeLeft.ScaleY)

	model.Apply(Compute(EmotionThinking).Patch())
	clk.Advance(150 * time.Millisecond)

	p := model.Read()
	assert.False(t, p.Blinking)
	assert.Equal(t, 0.8, p.EyeLeft.ScaleY)
	assert.Equal(t, 1.0, p.EyeRight.ScaleY)
}

func TestChatterHeightStaysInRange(t *testing.T) {
	s, model, clk := newTestScheduler(99)
	s.Start()
	s.SetSpeaking(true)

	sawTeeth := false
	for tick := 0; tick < 200; tick++ {
		clk.Advance(150 * time.Millisecond)
		p := model.Read()
		assert.GreaterOrEqual(t, p.Mouth.Height, MinChatterHeight)
		assert.Less(t, p.Mouth.Height, MaxChatterHeight)
		if p.Teeth.Visible {
			sawTeeth = true
			assert.InDelta(t, p.Mouth.Height/MaxChatterHeight, p.Teeth.Scale, 1e-9)
		} else {
			assert.Zero(t, p.Teeth.Scale)
		}
	}
	assert.True(t, sawTeeth)

	s.SetSpeaking(false)
	p := model.Read()
	assert.Equal(t, RestingMouthHeight, p.Mouth.Height)
	assert.False(t, p.Teeth.Visible)
	assert.NotContains(t, s.Active(), TaskChatter)

	clk.Advance(time.Second)
	assert.Equal(t, RestingMouthHeight, model.Read().Mouth.Height)
}

func TestChatterSingleInstance(t *testing.T) {
	s, model, clk := newTestScheduler(3)
	s.Start()

	s.SetSpeaking(true)
	s.SetSpeaking(true)
	s.SetSpeaking(true)
	assert.Equal(t, []string{TaskBlink, TaskChatter}, s.Active())

	heights := map[float64]struct{}{}
	for i := 0; i < 10; i++ {
		clk.Advance(150 * time.Millisecond)
		heights[model.Read().Mouth.Height] = struct{}{}
	}
	// One tick per 150ms means ten distinct samples, not thirty.
	assert.LessOrEqual(t, len(heights), 10)
	assert.Equal(t, []string{TaskBlink, TaskChatter}, s.Active())
}

func TestChatterDoesNotTouchExpressionFields(t *testing.T) {
	s, model, clk := newTestScheduler(5)
	model.Apply(Compute(EmotionHappy).Patch())
	s.Start()
	s.SetSpeaking(true)

	clk.Advance(3 * time.Second)
	p := model.Read()
	assert.Equal(t, 0.5, p.Mouth.Width)
	assert.Equal(t, 0.1, p.Mouth.RotX)
}

func TestStopCancelsEveryTask(t *testing.T) {
	s, model, clk := newTestScheduler(11)
	s.Start()
	s.SetSpeaking(true)
	clk.Advance(200 * time.Millisecond)

	s.Stop()
	assert.Empty(t, s.Active())
	assert.Zero(t, clk.Pending())
	assert.False(t, s.Running())

	before := model.Read()
	clk.Advance(30 * time.Second)
	assert.Equal(t, before, model.Read())
}

func TestStopWhileSpeakingRestsTheMouth(t *testing.T) {
	s, model, clk := newTestScheduler(99)
	s.Start()
	s.SetSpeaking(true)
	for !model.Read().Teeth.Visible {
		clk.Advance(150 * time.Millisecond)
	}
	require.NotEqual(t, RestingMouthHeight, model.Read().Mouth.Height)

	s.Stop()
	p := model.Read()
	assert.Equal(t, RestingMouthHeight, p.Mouth.Height)
	assert.False(t, p.Teeth.Visible)
	assert.Zero(t, p.Teeth.Scale)

	// Restarting resumes chatter with the teeth hidden.
	s.Start()
	assert.Contains(t, s.Active(), TaskChatter)
	assert.False(t, model.Read().Teeth.Visible)
}

func TestStopDuringBlinkWindow(t *testing.T) {
	s, model, clk := newTestScheduler(12)
	s.Start()
	for !model.Read().Blinking {
		clk.Advance(time.Millisecond)
	}
	assert.Equal(t, []string{TaskBlinkClose}, s.Active())

	s.Stop()
	assert.False(t, model.Read().Blinking)
	assert.Zero(t, clk.Pending())
}

func TestSpeakingBeforeStartArmsOnStart(t *testing.T) {
	s, _, _ := newTestScheduler(13)
	s.SetSpeaking(true)
	assert.Empty(t, s.Active())

	s.Start()
	assert.Equal(t, []string{TaskBlink, TaskChatter}, s.Active())
}

func TestIdleFloat(t *testing.T) {
	s, model, _ := newTestScheduler(1)

	s.Frame(time.Second)
	assert.Equal(t, 0.0, model.Read().Head.Position.Y(), "no writes before start")

	s.Start()
	defer s.Stop()

	for _, sec := range []float64{0, 1, 3.14, 10, 12.5, 20} {
		s.Frame(time.Duration(sec * float64(time.Second)))
		head := model.Read().Head
		assert.InDelta(t, 0.05*math.Sin(0.5*sec), head.Position.Y(), 1e-9)
		assert.InDelta(t, 0.1*math.Sin(0.3*sec), head.Rotation.Y(), 1e-9)
		assert.LessOrEqual(t, math.Abs(head.Position.Y()), IdleOffsetAmplitude)
		assert.LessOrEqual(t, math.Abs(head.Rotation.Y()), IdleYawAmplitude)
	}
}
