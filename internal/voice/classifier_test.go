package voice

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/normanking/yaoay/internal/avatar"
)

func TestClassify(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		text string
		want avatar.Emotion
	}{
		{"Harika, size yardımcı olabilirim", avatar.EmotionHappy},
		{"Buna çok sevindim!", avatar.EmotionHappy},
		{"Üzgünüm, bunu yapamıyorum.", avatar.EmotionSad},
		{"Özür dilerim ama harika bir soru", avatar.EmotionSad},
		{"Bir hata oluştu", avatar.EmotionSad},
		{"Bunu düşünüyorum", avatar.EmotionThinking},
		{"Verileri analiz ediyorum", avatar.EmotionThinking},
		{"Bugün hava güneşli.", avatar.EmotionNeutral},
		{"", avatar.EmotionNeutral},
		{"MÜKEMMEL", avatar.EmotionHappy},
		{"BUNU YAPAMIYORUM", avatar.EmotionSad},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Classify(tt.text), tt.text)
	}
}

func TestClassifyCustomRules(t *testing.T) {
	c := NewClassifier(Rule{Pattern: regexp.MustCompile(`(?i)hello`), Emotion: avatar.EmotionHappy})

	assert.Equal(t, avatar.EmotionHappy, c.Classify("Hello there"))
	assert.Equal(t, avatar.EmotionNeutral, c.Classify("harika"))
}
