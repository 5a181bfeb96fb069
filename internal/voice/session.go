package voice

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/normanking/yaoay/internal/avatar"
)

// State is the orchestrator's conversation state.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateThinking  State = "thinking"
	StateSpeaking  State = "speaking"
)

// Phase is the lifecycle stage of one utterance.
type Phase string

const (
	PhaseCapturing Phase = "capturing"
	PhaseThinking  Phase = "thinking"
	PhaseSpeaking  Phase = "speaking"
	PhaseDone      Phase = "done"
	PhaseFailed    Phase = "failed"
)

// Finished reports whether p is terminal.
func (p Phase) Finished() bool {
	return p == PhaseDone || p == PhaseFailed
}

// User-visible messages.
const (
	MessageListening       = "Dinliyorum..."
	MessageUserPrefix      = "Sen: "
	MessageAssistantPrefix = "Yaoay: "
	MessageFailure         = "Üzgünüm, bir hata oluştu."
	MessageCredentialSaved = "API anahtarı kaydedildi."
	messageRecognition     = "Ses tanıma hatası (%s)"
)

// RecognitionMessage formats the message shown for a recognizer error code.
func RecognitionMessage(code string) string {
	return fmt.Sprintf(messageRecognition, code)
}

var (
	// ErrBusy rejects a capture while a reply is being produced or spoken.
	ErrBusy = errors.New("voice: utterance in progress")
	// ErrClosed is returned once the orchestrator loop has exited.
	ErrClosed = errors.New("voice: orchestrator closed")
	// ErrRunning is returned by a second call to Run.
	ErrRunning = errors.New("voice: orchestrator already running")
)

// RecognitionError wraps a speech-input failure and its recognizer code.
type RecognitionError struct {
	Code string
	Err  error
}

func (e *RecognitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("recognition failed (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("recognition failed (%s)", e.Code)
}

func (e *RecognitionError) Unwrap() error { return e.Err }

// Utterance is one capture → reply → speech round.
type Utterance struct {
	ID         uint64         `json:"id"`
	Transcript string         `json:"transcript,omitempty"`
	Response   string         `json:"response,omitempty"`
	Emotion    avatar.Emotion `json:"emotion,omitempty"`
	Phase      Phase          `json:"phase"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	EndedAt    time.Time      `json:"endedAt,omitzero"`
}

// Duration returns how long the utterance ran, zero while unfinished.
func (u Utterance) Duration() time.Duration {
	if u.EndedAt.IsZero() {
		return 0
	}
	return u.EndedAt.Sub(u.StartedAt)
}

// Session is the conversation state owned by the orchestrator loop.
// Nothing outside the loop touches it.
type Session struct {
	ID      string
	State   State
	Emotion avatar.Emotion
	Message string
	Active  *Utterance

	nextID uint64
}

func newSession() *Session {
	return &Session{
		ID:      uuid.NewString(),
		State:   StateIdle,
		Emotion: avatar.EmotionNeutral,
	}
}

func (s *Session) begin(now time.Time) *Utterance {
	s.nextID++
	s.Active = &Utterance{ID: s.nextID, Phase: PhaseCapturing, StartedAt: now}
	return s.Active
}

// Snapshot is a copy of the session safe to hand to other goroutines.
type Snapshot struct {
	SessionID string         `json:"sessionId"`
	State     State          `json:"state"`
	Emotion   avatar.Emotion `json:"emotion"`
	Message   string         `json:"message"`
	Utterance *Utterance     `json:"utterance,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func (s *Session) snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		SessionID: s.ID,
		State:     s.State,
		Emotion:   s.Emotion,
		Message:   s.Message,
		UpdatedAt: now,
	}
	if s.Active != nil {
		u := *s.Active
		snap.Utterance = &u
	}
	return snap
}
