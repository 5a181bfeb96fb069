package avatar

import "strings"

// Emotion is one of the five facial expressions the face can hold.
type Emotion string

const (
	EmotionNeutral   Emotion = "neutral"
	EmotionHappy     Emotion = "happy"
	EmotionSad       Emotion = "sad"
	EmotionThinking  Emotion = "thinking"
	EmotionListening Emotion = "listening"
)

// Emotions lists every supported emotion.
var Emotions = []Emotion{EmotionNeutral, EmotionHappy, EmotionSad, EmotionThinking, EmotionListening}

// ParseEmotion maps a label to an Emotion, falling back to neutral.
func ParseEmotion(label string) Emotion {
	e := Emotion(strings.ToLower(strings.TrimSpace(label)))
	for _, known := range Emotions {
		if e == known {
			return e
		}
	}
	return EmotionNeutral
}

// ExpressionTarget is the resting pose associated with an emotion.
type ExpressionTarget struct {
	Emotion    Emotion `json:"emotion"`
	EyeLeft    Eye     `json:"eyeLeft"`
	EyeRight   Eye     `json:"eyeRight"`
	MouthWidth float64 `json:"mouthWidth"`
	MouthPosY  float64 `json:"mouthPosY"`
	MouthRotX  float64 `json:"mouthRotX"`
}

// Compute returns the expression target for e. Unknown emotions get the
// neutral target.
func Compute(e Emotion) ExpressionTarget {
	switch e {
	case EmotionHappy:
		return ExpressionTarget{
			Emotion:    EmotionHappy,
			EyeLeft:    Eye{ScaleY: 0.8, PosY: 0.2},
			EyeRight:   Eye{ScaleY: 0.8, PosY: 0.2},
			MouthWidth: 0.5,
			MouthPosY:  -0.25,
			MouthRotX:  0.1,
		}
	case EmotionSad:
		return ExpressionTarget{
			Emotion:    EmotionSad,
			EyeLeft:    Eye{ScaleY: 1.0, PosY: 0.15},
			EyeRight:   Eye{ScaleY: 1.0, PosY: 0.15},
			MouthWidth: 0.5,
			MouthPosY:  -0.35,
			MouthRotX:  -0.1,
		}
	case EmotionThinking:
		return ExpressionTarget{
			Emotion:    EmotionThinking,
			EyeLeft:    Eye{ScaleY: 0.8, PosY: 0.25},
			EyeRight:   Eye{ScaleY: 1.0, PosY: 0.2},
			MouthWidth: 0.3,
			MouthPosY:  -0.3,
		}
	case EmotionListening:
		return ExpressionTarget{
			Emotion:    EmotionListening,
			EyeLeft:    Eye{ScaleY: 1.2, PosY: 0.2},
			EyeRight:   Eye{ScaleY: 1.2, PosY: 0.2},
			MouthWidth: 0.2,
			MouthPosY:  -0.3,
		}
	default:
		return ExpressionTarget{
			Emotion:    EmotionNeutral,
			EyeLeft:    Eye{ScaleY: 1.0, PosY: 0.2},
			EyeRight:   Eye{ScaleY: 1.0, PosY: 0.2},
			MouthWidth: 0.4,
			MouthPosY:  -0.3,
		}
	}
}

// Patch converts the target into the fields the expression layer owns.
func (t ExpressionTarget) Patch() PartialPose {
	return PartialPose{
		EyeLeft:  &EyePatch{ScaleY: ptr(t.EyeLeft.ScaleY), PosY: ptr(t.EyeLeft.PosY)},
		EyeRight: &EyePatch{ScaleY: ptr(t.EyeRight.ScaleY), PosY: ptr(t.EyeRight.PosY)},
		Mouth: &MouthPatch{
			Width: ptr(t.MouthWidth),
			PosY:  ptr(t.MouthPosY),
			RotX:  ptr(t.MouthRotX),
		},
	}
}
