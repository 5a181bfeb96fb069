package avatar

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/normanking/yaoay/internal/clock"
)

// Task names used by the scheduler.
const (
	TaskBlink      = "blink"
	TaskBlinkClose = "blink-close"
	TaskChatter    = "chatter"
)

// Mouth chatter bounds. Heights are sampled from [MinChatterHeight, MaxChatterHeight).
const (
	RestingMouthHeight = 0.1
	MinChatterHeight   = 0.1
	MaxChatterHeight   = 0.4
)

// Idle float parameters: amplitude and angular frequency (rad/s).
const (
	IdleOffsetAmplitude = 0.05
	IdleOffsetFrequency = 0.5
	IdleYawAmplitude    = 0.1
	IdleYawFrequency    = 0.3
)

// SchedulerConfig holds the animation timings.
type SchedulerConfig struct {
	BlinkMin         time.Duration
	BlinkMax         time.Duration
	BlinkWindow      time.Duration
	ChatterTick      time.Duration
	TeethProbability float64
}

// DefaultSchedulerConfig returns the standard timings.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BlinkMin:         3 * time.Second,
		BlinkMax:         5 * time.Second,
		BlinkWindow:      150 * time.Millisecond,
		ChatterTick:      150 * time.Millisecond,
		TeethProbability: 0.3,
	}
}

type task struct {
	timer clock.Timer
	gen   uint64
}

// Scheduler owns the blink, chatter and idle-float behaviours. Each writes
// a disjoint set of pose fields: blink the Blinking flag, chatter the mouth
// height and teeth, idle float the head transform.
type Scheduler struct {
	mu      sync.Mutex
	cfg     SchedulerConfig
	model   *Model
	clock   clock.Clock
	rng     *rand.Rand
	tasks   map[string]*task
	gen     uint64
	running bool

	speaking     bool
	teethVisible bool
}

// NewScheduler returns a stopped scheduler writing to model.
func NewScheduler(cfg SchedulerConfig, model *Model, clk clock.Clock, rng *rand.Rand) *Scheduler {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Scheduler{
		cfg:   cfg,
		model: model,
		clock: clk,
		rng:   rng,
		tasks: make(map[string]*task),
	}
}

// Start arms the blink loop, and chatter if speaking was requested earlier.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.armBlinkLocked()
	if s.speaking {
		s.armChatterLocked()
	}
}

// Stop cancels every task. No timer writes to the model after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	for name := range s.tasks {
		s.cancelLocked(name)
	}
	s.model.Apply(PartialPose{Blinking: ptr(false)})
	s.restMouthLocked()
}

// Running reports whether the scheduler is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetConfig replaces the timings. Armed timers keep their deadlines; the
// next blink interval and chatter tick use the new values.
func (s *Scheduler) SetConfig(cfg SchedulerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// Config returns the current timings.
func (s *Scheduler) Config() SchedulerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Active returns the names of the armed tasks, sorted.
func (s *Scheduler) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetSpeaking starts or stops mouth chatter. Stopping is synchronous: when
// it returns the chatter task is cancelled and the mouth is at rest.
func (s *Scheduler) SetSpeaking(speaking bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.speaking = speaking
	if speaking {
		if s.running {
			s.armChatterLocked()
		}
		return
	}

	s.cancelLocked(TaskChatter)
	s.restMouthLocked()
}

// restMouthLocked closes the mouth and hides the teeth.
func (s *Scheduler) restMouthLocked() {
	s.teethVisible = false
	s.model.Apply(PartialPose{
		Mouth: &MouthPatch{Height: ptr(RestingMouthHeight)},
		Teeth: &TeethPatch{Visible: ptr(false), Scale: ptr(0.0)},
	})
}

// Frame applies the idle float for the given time since the face mounted.
func (s *Scheduler) Frame(elapsed time.Duration) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return
	}

	t := elapsed.Seconds()
	s.model.Apply(PartialPose{Head: &HeadPatch{
		Position: ptr(mgl64.Vec3{0, IdleOffsetAmplitude * math.Sin(IdleOffsetFrequency*t), 0}),
		Rotation: ptr(mgl64.Vec3{0, IdleYawAmplitude * math.Sin(IdleYawFrequency*t), 0}),
	}})
}

// The next blink is armed only after the close window fires, so blinks
// never overlap and the interval is measured from the end of the previous
// blink.
func (s *Scheduler) armBlinkLocked() {
	s.armLocked(TaskBlink, s.nextBlinkDelay(), func() {
		s.model.Apply(PartialPose{Blinking: ptr(true)})
		s.armLocked(TaskBlinkClose, s.cfg.BlinkWindow, func() {
			s.model.Apply(PartialPose{Blinking: ptr(false)})
			s.armBlinkLocked()
		})
	})
}

// nextBlinkDelay samples whole milliseconds from [BlinkMin, BlinkMax).
func (s *Scheduler) nextBlinkDelay() time.Duration {
	steps := int64((s.cfg.BlinkMax - s.cfg.BlinkMin) / time.Millisecond)
	if steps <= 0 {
		return s.cfg.BlinkMin
	}
	return s.cfg.BlinkMin + time.Duration(s.rng.Int63n(steps))*time.Millisecond
}

func (s *Scheduler) armChatterLocked() {
	s.armLocked(TaskChatter, s.cfg.ChatterTick, func() {
		s.chatterStepLocked()
		s.armChatterLocked()
	})
}

func (s *Scheduler) chatterStepLocked() {
	height := MinChatterHeight + s.rng.Float64()*(MaxChatterHeight-MinChatterHeight)
	if s.rng.Float64() < s.cfg.TeethProbability {
		s.teethVisible = !s.teethVisible
	}
	scale := 0.0
	if s.teethVisible {
		scale = height / MaxChatterHeight
	}
	s.model.Apply(PartialPose{
		Mouth: &MouthPatch{Height: &height},
		Teeth: &TeethPatch{Visible: ptr(s.teethVisible), Scale: &scale},
	})
}

// armLocked replaces the task called name. fn runs with s.mu held, and
// only if the task is still the current generation and the scheduler is
// running.
func (s *Scheduler) armLocked(name string, d time.Duration, fn func()) {
	s.cancelLocked(name)

	s.gen++
	gen := s.gen
	t := &task{gen: gen}
	s.tasks[name] = t

	t.timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		current, ok := s.tasks[name]
		if !ok || current.gen != gen || !s.running {
			return
		}
		delete(s.tasks, name)
		fn()
	})
}

func (s *Scheduler) cancelLocked(name string) {
	t, ok := s.tasks[name]
	if !ok {
		return
	}
	delete(s.tasks, name)
	if t.timer != nil {
		t.timer.Stop()
	}
}
