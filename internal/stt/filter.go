package stt

import (
	"strings"
	"sync"
	"unicode"
)

// DefaultFillerWords contains common Turkish hesitation sounds.
var DefaultFillerWords = []string{"ııı", "ıı", "eee", "ee", "hmm", "hım", "şey", "ımm"}

// Filter drops transcripts made only of filler words and noise.
type Filter struct {
	mu          sync.RWMutex
	fillerWords map[string]struct{}
}

// NewFilter creates a filter with the given filler words.
// If fillerWords is nil, DefaultFillerWords is used.
func NewFilter(fillerWords []string) *Filter {
	if fillerWords == nil {
		fillerWords = DefaultFillerWords
	}
	f := &Filter{}
	f.SetFillerWords(fillerWords)
	return f
}

// SetFillerWords replaces the entire filler word list.
func (f *Filter) SetFillerWords(words []string) {
	set := make(map[string]struct{}, len(words))
	for _, word := range words {
		if w := normalize(word); w != "" {
			set[w] = struct{}{}
		}
	}

	f.mu.Lock()
	f.fillerWords = set
	f.mu.Unlock()
}

// FillerWords returns the current filler word list.
func (f *Filter) FillerWords() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	words := make([]string, 0, len(f.fillerWords))
	for word := range f.fillerWords {
		words = append(words, word)
	}
	return words
}

// Clean removes filler words and collapses whitespace. The boolean reports
// whether anything meaningful remains.
func (f *Filter) Clean(text string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kept := make([]string, 0, 8)
	for _, token := range strings.Fields(text) {
		word := normalize(token)
		if word == "" {
			continue
		}
		if _, filler := f.fillerWords[word]; filler {
			continue
		}
		kept = append(kept, token)
	}

	cleaned := strings.Join(kept, " ")
	return cleaned, cleaned != ""
}

// IsFillerOnly reports whether text has no meaningful content.
func (f *Filter) IsFillerOnly(text string) bool {
	_, ok := f.Clean(text)
	return !ok
}

// normalize lowercases with Turkish casing and strips punctuation.
func normalize(token string) string {
	token = strings.ToLowerSpecial(unicode.TurkishCase, token)
	return strings.TrimFunc(token, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
}
