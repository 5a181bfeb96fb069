// Package voice runs the capture → inference → speech loop that drives the
// avatar's face.
package voice

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/normanking/yaoay/internal/avatar"
)

// Rule maps a keyword pattern to an emotion.
type Rule struct {
	Pattern *regexp.Regexp
	Emotion avatar.Emotion
}

// DefaultRules returns the Turkish keyword table. Order matters: an
// apology beats a positive word in the same reply.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: regexp.MustCompile(`(?i)üzgün|özür|hata|yapamıyorum`), Emotion: avatar.EmotionSad},
		{Pattern: regexp.MustCompile(`(?i)harika|mükemmel|sevindim|mutlu`), Emotion: avatar.EmotionHappy},
		{Pattern: regexp.MustCompile(`(?i)düşünüyorum|analiz|hesaplıyorum`), Emotion: avatar.EmotionThinking},
	}
}

// Classifier picks an emotion for a reply. First matching rule wins.
type Classifier struct {
	rules []Rule
}

// NewClassifier creates a Classifier. With no rules it uses DefaultRules.
func NewClassifier(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// Classify returns the emotion for text, neutral when nothing matches.
func (c *Classifier) Classify(text string) avatar.Emotion {
	// Dotless ı and dotted İ do not case-fold in regexp, so lower with
	// Turkish rules first.
	lowered := strings.ToLowerSpecial(unicode.TurkishCase, text)
	for _, r := range c.rules {
		if r.Pattern.MatchString(lowered) {
			return r.Emotion
		}
	}
	return avatar.EmotionNeutral
}
