// Package avatar holds the face: the pose model, the per-emotion
// expression targets and the timers that animate them.
package avatar

import (
	"math/rand"
	"sync"
	"time"

	"github.com/normanking/yaoay/internal/clock"
)

// State is the controller-level view of the face.
type State struct {
	Emotion  Emotion          `json:"emotion"`
	Speaking bool             `json:"speaking"`
	Target   ExpressionTarget `json:"target"`
}

// Controller binds the pose model, the scheduler and the cached
// expression target. It is what the orchestrator drives.
type Controller struct {
	mu      sync.RWMutex
	model   *Model
	sched   *Scheduler
	clock   clock.Clock
	state   State
	mounted time.Time

	onStateChange func(State)
}

// NewController creates a face with its own model and scheduler.
func NewController(cfg SchedulerConfig, clk clock.Clock, rng *rand.Rand) *Controller {
	if clk == nil {
		clk = clock.Real{}
	}
	model := NewModel()
	return &Controller{
		model: model,
		sched: NewScheduler(cfg, model, clk, rng),
		clock: clk,
		state: State{Emotion: EmotionNeutral, Target: Compute(EmotionNeutral)},
	}
}

// SetStateHandler sets the callback for state changes
func (c *Controller) SetStateHandler(handler func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = handler
}

// Start mounts the face: the idle clock starts and the blink loop arms.
func (c *Controller) Start() {
	c.mu.Lock()
	c.mounted = c.clock.Now()
	c.mu.Unlock()
	c.sched.Start()
}

// Stop tears the face down and cancels every timer.
func (c *Controller) Stop() {
	c.sched.Stop()
}

// GetState returns the current state
func (c *Controller) GetState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Emotion returns the current emotion.
func (c *Controller) Emotion() Emotion {
	return c.GetState().Emotion
}

// SetEmotion recomputes the expression target and applies it to the model.
func (c *Controller) SetEmotion(emotion Emotion) {
	target := Compute(emotion)

	c.mu.Lock()
	c.state.Emotion = target.Emotion
	c.state.Target = target
	c.model.Apply(target.Patch())
	state := c.state
	handler := c.onStateChange
	c.mu.Unlock()

	if handler != nil {
		handler(state)
	}
}

// SetSpeaking starts or stops mouth chatter.
func (c *Controller) SetSpeaking(speaking bool) {
	c.sched.SetSpeaking(speaking)

	c.mu.Lock()
	c.state.Speaking = speaking
	state := c.state
	handler := c.onStateChange
	c.mu.Unlock()

	if handler != nil {
		handler(state)
	}
}

// Pose returns the current pose without advancing the idle float.
func (c *Controller) Pose() Pose {
	return c.model.Read()
}

// Frame advances the idle float to the clock's current time and returns
// the pose to render.
func (c *Controller) Frame() Pose {
	c.mu.RLock()
	elapsed := c.clock.Now().Sub(c.mounted)
	c.mu.RUnlock()

	c.sched.Frame(elapsed)
	return c.model.Read()
}

// Model exposes the underlying pose model.
func (c *Controller) Model() *Model { return c.model }

// Scheduler exposes the underlying scheduler.
func (c *Controller) Scheduler() *Scheduler { return c.sched }
