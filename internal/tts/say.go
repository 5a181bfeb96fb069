package tts

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"

	"github.com/rs/zerolog"
)

// SayConfig holds macOS 'say' configuration
type SayConfig struct {
	DefaultVoice string
	Rate         int // words per minute, 0 keeps the system default
}

// DefaultSayConfig returns sensible defaults for macOS speech.
func DefaultSayConfig() SayConfig {
	return SayConfig{DefaultVoice: "Yelda"}
}

// localeVoices maps BCP-47 locales to installed macOS voices.
var localeVoices = map[string]string{
	"tr-TR": "Yelda",
	"en-US": "Samantha",
	"en-GB": "Daniel",
	"de-DE": "Anna",
}

// Say speaks through the macOS 'say' command.
type Say struct {
	cfg    SayConfig
	logger zerolog.Logger
	run    func(ctx context.Context, name string, args ...string) error
}

// NewSay creates a Say speaker.
func NewSay(cfg SayConfig, logger zerolog.Logger) *Say {
	return &Say{
		cfg:    cfg,
		logger: logger.With().Str("provider", "macos-say").Logger(),
		run: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}
}

// SayAvailable checks if this is macOS and 'say' exists.
func SayAvailable() bool {
	if runtime.GOOS != "darwin" {
		return false
	}
	_, err := exec.LookPath("say")
	return err == nil
}

// Speak runs 'say' in the background; the channel reports its exit.
func (s *Say) Speak(ctx context.Context, text, locale string) (<-chan error, error) {
	args := []string{"-v", s.voice(locale)}
	if s.cfg.Rate > 0 {
		args = append(args, "-r", strconv.Itoa(s.cfg.Rate))
	}
	args = append(args, text)

	s.logger.Debug().
		Str("voice", args[1]).
		Int("textLen", len(text)).
		Msg("Speaking with macOS say")

	done := make(chan error, 1)
	go func() {
		if err := s.run(ctx, "say", args...); err != nil {
			if ctx.Err() != nil {
				done <- ctx.Err()
				return
			}
			done <- fmt.Errorf("say command failed: %w", err)
			return
		}
		done <- nil
	}()
	return done, nil
}

func (s *Say) voice(locale string) string {
	if v, ok := localeVoices[locale]; ok {
		return v
	}
	return s.cfg.DefaultVoice
}
