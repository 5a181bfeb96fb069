package voice

import (
	"fmt"
	"strings"
	"sync"
)

// DefaultHistorySize is used when NewHistory gets a non-positive size.
const DefaultHistorySize = 100

// History keeps the most recent finished utterances. Safe for concurrent
// use: the orchestrator writes, HTTP handlers read.
type History struct {
	mu      sync.RWMutex
	entries []Utterance
	max     int
}

// NewHistory creates a History holding at most size entries.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{
		entries: make([]Utterance, 0, size),
		max:     size,
	}
}

// Add records a finished utterance, dropping the oldest past capacity.
func (h *History) Add(u Utterance) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, u)
	if len(h.entries) > h.max {
		h.entries = h.entries[len(h.entries)-h.max:]
	}
}

// Recent returns up to limit entries, oldest first. limit <= 0 returns all.
func (h *History) Recent(limit int) []Utterance {
	h.mu.RLock()
	defer h.mu.RUnlock()

	start := 0
	if limit > 0 && limit < len(h.entries) {
		start = len(h.entries) - limit
	}
	result := make([]Utterance, len(h.entries)-start)
	copy(result, h.entries[start:])
	return result
}

// Len returns the number of stored utterances.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Clear removes all entries.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = make([]Utterance, 0, h.max)
}

// Transcript renders the last n utterances as a readable dialogue.
func (h *History) Transcript(n int) string {
	var sb strings.Builder
	for _, u := range h.Recent(n) {
		if u.Transcript != "" {
			fmt.Fprintf(&sb, "%s%s\n", MessageUserPrefix, u.Transcript)
		}
		switch {
		case u.Response != "":
			fmt.Fprintf(&sb, "%s%s\n", MessageAssistantPrefix, u.Response)
		case u.Phase == PhaseFailed && u.Error != "":
			fmt.Fprintf(&sb, "(%s)\n", u.Error)
		}
	}
	return sb.String()
}
