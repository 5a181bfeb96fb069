package avatar

import (
	"sync"

	"github.com/go-gl/mathgl/mgl64"
)

// BlinkScale is the eye scaleY reported while a blink is in progress.
const BlinkScale = 0.05

// Clamp bounds applied by Model.Apply.
const (
	MinMouthHeight = 0.0
	MaxMouthHeight = 1.0
	MinEyeScale    = 0.0
	MaxEyeScale    = 2.0
)

// Eye is the renderable state of one eye.
type Eye struct {
	ScaleY float64 `json:"scaleY"`
	PosY   float64 `json:"posY"`
}

// Mouth is the renderable state of the mouth.
type Mouth struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	PosY   float64 `json:"posY"`
	RotX   float64 `json:"rotX"`
}

// Teeth is the renderable state of the teeth.
type Teeth struct {
	Visible bool    `json:"visible"`
	Scale   float64 `json:"scale"`
}

// Head is the group transform moved by the idle float.
type Head struct {
	Position mgl64.Vec3 `json:"position"`
	Rotation mgl64.Vec3 `json:"rotation"`
}

// Pose is the complete set of renderable facial parameters at one instant.
type Pose struct {
	EyeLeft  Eye   `json:"eyeLeft"`
	EyeRight Eye   `json:"eyeRight"`
	Mouth    Mouth `json:"mouth"`
	Teeth    Teeth `json:"teeth"`
	Blinking bool  `json:"blinking"`
	Head     Head  `json:"head"`
}

// EyePatch updates the non-nil fields of an Eye.
type EyePatch struct {
	ScaleY *float64
	PosY   *float64
}

// MouthPatch updates the non-nil fields of a Mouth.
type MouthPatch struct {
	Width  *float64
	Height *float64
	PosY   *float64
	RotX   *float64
}

// TeethPatch updates the non-nil fields of Teeth.
type TeethPatch struct {
	Visible *bool
	Scale   *float64
}

// HeadPatch updates the non-nil fields of Head.
type HeadPatch struct {
	Position *mgl64.Vec3
	Rotation *mgl64.Vec3
}

// PartialPose is a sparse update; nil members are left untouched.
type PartialPose struct {
	EyeLeft  *EyePatch
	EyeRight *EyePatch
	Mouth    *MouthPatch
	Teeth    *TeethPatch
	Blinking *bool
	Head     *HeadPatch
}

// Model holds the current pose. Eye scaleY written through Apply is the
// expression layer; Read composites the blink layer over it.
type Model struct {
	mu   sync.RWMutex
	pose Pose
}

// NewModel returns a Model initialised to the neutral expression with the
// mouth at rest.
func NewModel() *Model {
	m := &Model{}
	m.Apply(Compute(EmotionNeutral).Patch())
	m.Apply(PartialPose{
		Mouth: &MouthPatch{Height: ptr(RestingMouthHeight)},
		Teeth: &TeethPatch{Visible: ptr(false), Scale: ptr(0.0)},
	})
	return m
}

// Read returns a snapshot of the pose.
func (m *Model) Read() Pose {
	m.mu.RLock()
	p := m.pose
	m.mu.RUnlock()

	if p.Blinking {
		p.EyeLeft.ScaleY = BlinkScale
		p.EyeRight.ScaleY = BlinkScale
	}
	return p
}

// Apply merges patch into the pose, clamping out-of-range values.
func (m *Model) Apply(patch PartialPose) {
	m.mu.Lock()
	defer m.mu.Unlock()

	applyEye(&m.pose.EyeLeft, patch.EyeLeft)
	applyEye(&m.pose.EyeRight, patch.EyeRight)

	if mp := patch.Mouth; mp != nil {
		setIf(&m.pose.Mouth.Width, mp.Width)
		setIf(&m.pose.Mouth.PosY, mp.PosY)
		setIf(&m.pose.Mouth.RotX, mp.RotX)
		if mp.Height != nil {
			m.pose.Mouth.Height = clamp(*mp.Height, MinMouthHeight, MaxMouthHeight)
		}
	}

	if tp := patch.Teeth; tp != nil {
		setIf(&m.pose.Teeth.Visible, tp.Visible)
		setIf(&m.pose.Teeth.Scale, tp.Scale)
	}

	setIf(&m.pose.Blinking, patch.Blinking)

	if hp := patch.Head; hp != nil {
		setIf(&m.pose.Head.Position, hp.Position)
		setIf(&m.pose.Head.Rotation, hp.Rotation)
	}
}

func applyEye(eye *Eye, patch *EyePatch) {
	if patch == nil {
		return
	}
	if patch.ScaleY != nil {
		eye.ScaleY = clamp(*patch.ScaleY, MinEyeScale, MaxEyeScale)
	}
	setIf(&eye.PosY, patch.PosY)
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func ptr[T any](v T) *T { return &v }
