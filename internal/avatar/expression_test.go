package avatar

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeTable(t *testing.T) {
	tests := []struct {
		emotion    Emotion
		eyeLeft    float64
		eyeRight   float64
		mouthWidth float64
		mouthRotX  float64
	}{
		{EmotionNeutral, 1.0, 1.0, 0.4, 0},
		{EmotionHappy, 0.8, 0.8, 0.5, 0.1},
		{EmotionSad, 1.0, 1.0, 0.5, -0.1},
		{EmotionThinking, 0.8, 1.0, 0.3, 0},
		{EmotionListening, 1.2, 1.2, 0.2, 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.emotion), func(t *testing.T) {
			target := Compute(tt.emotion)
			assert.Equal(t, tt.emotion, target.Emotion)
			assert.Equal(t, tt.eyeLeft, target.EyeLeft.ScaleY)
			assert.Equal(t, tt.eyeRight, target.EyeRight.ScaleY)
			assert.Equal(t, tt.mouthWidth, target.MouthWidth)
			assert.Equal(t, tt.mouthRotX, target.MouthRotX)
		})
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	for _, e := range Emotions {
		assert.Equal(t, Compute(e), Compute(e), "emotion %s", e)
	}
}

func TestComputeUnknownFallsBackToNeutral(t *testing.T) {
	target := Compute(Emotion("furious"))
	assert.Equal(t, Compute(EmotionNeutral), target)
}

func TestParseEmotion(t *testing.T) {
	assert.Equal(t, EmotionHappy, ParseEmotion(" Happy "))
	assert.Equal(t, EmotionListening, ParseEmotion("LISTENING"))
	assert.Equal(t, EmotionNeutral, ParseEmotion("confused"))
	assert.Equal(t, EmotionNeutral, ParseEmotion(""))
}

func TestPatchOnlyTouchesExpressionFields(t *testing.T) {
	patch := Compute(EmotionSad).Patch()

	assert.Nil(t, patch.Mouth.Height)
	assert.Nil(t, patch.Teeth)
	assert.Nil(t, patch.Blinking)
	assert.Nil(t, patch.Head)
	assert.Equal(t, -0.35, *patch.Mouth.PosY)
	assert.Equal(t, 0.15, *patch.EyeLeft.PosY)
}
