package main

import (
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/yaoay/internal/ai"
	"github.com/normanking/yaoay/internal/avatar"
	"github.com/normanking/yaoay/internal/bus"
	"github.com/normanking/yaoay/internal/clock"
	"github.com/normanking/yaoay/internal/config"
	"github.com/normanking/yaoay/internal/logging"
	"github.com/normanking/yaoay/internal/stt"
	"github.com/normanking/yaoay/internal/tts"
	"github.com/normanking/yaoay/internal/voice"
)

// Speech output modes for speech.output.
const (
	outputAuto   = "auto"
	outputRemote = "remote"
	outputSay    = "say"
	outputTimed  = "timed"
)

// App holds the components shared by every command.
type App struct {
	cfg        *config.Config
	loader     *config.Loader
	syslog     *logging.Logger
	eventBus   *bus.EventBus
	credential *config.Credential
	store      config.CredentialStore
	face       *avatar.Controller
	history    *voice.History
	clock      clock.Clock
}

// newApp loads .env files and configuration, then builds the logger,
// credential, bus and face.
func newApp() (*App, error) {
	dir, err := resolveConfigDir()
	if err != nil {
		return nil, fmt.Errorf("config dir: %w", err)
	}
	envFiles := loadEnvFiles(dir)

	loader := config.NewLoader(dir)
	cfg, cfgErr := loader.Load()
	if cfgErr != nil {
		cfg = config.DefaultConfig()
	}

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	syslog, err := logging.New(&logging.Config{
		LogDir:     cfg.Log.Dir,
		Level:      logging.LogLevel(strings.ToLower(level)),
		MaxHistory: 1000,
		Console:    cfg.Log.Console,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	if cfgErr != nil {
		syslog.Warn("config", "Failed to load config, using defaults", map[string]any{
			"error": cfgErr.Error(),
			"path":  loader.Path(),
		})
	} else {
		syslog.Info("config", "Configuration loaded", map[string]any{
			"path":   loader.Path(),
			"model":  cfg.AI.Model,
			"output": cfg.Speech.Output,
		})
	}
	if len(envFiles) > 0 {
		syslog.Info("env", "Loaded environment files", map[string]any{
			"files": strings.Join(envFiles, ", "),
		})
	}

	store := config.NewKeyringStore()
	key, source, err := config.ResolveCredential(cfg, store, os.Getenv)
	if err != nil {
		syslog.Warn("config", "Keychain unavailable", map[string]any{"error": err.Error()})
	}
	credential := config.NewCredential(key, source)
	syslog.Info("config", "API key resolved", map[string]any{
		"present": credential.Present(),
		"source":  source,
	})

	eventBus := bus.NewEventBus()
	credential.OnChange(func(present bool) {
		eventBus.Publish(bus.Event{
			Type: bus.EventTypeCredentialChanged,
			Data: map[string]any{"present": present, "source": credential.Source()},
		})
	})

	clk := clock.Real{}
	seed := cfg.Face.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	face := avatar.NewController(schedulerConfig(cfg.Face), clk, rand.New(rand.NewSource(seed)))

	return &App{
		cfg:        cfg,
		loader:     loader,
		syslog:     syslog,
		eventBus:   eventBus,
		credential: credential,
		store:      store,
		face:       face,
		history:    voice.NewHistory(cfg.History.MaxEntries),
		clock:      clk,
	}, nil
}

func schedulerConfig(face config.FaceConfig) avatar.SchedulerConfig {
	return avatar.SchedulerConfig{
		BlinkMin:         face.BlinkMin,
		BlinkMax:         face.BlinkMax,
		BlinkWindow:      face.BlinkWindow,
		ChatterTick:      face.ChatterTick,
		TeethProbability: face.TeethProbability,
	}
}

// watchConfig applies config file edits: face timings always, the API key
// only while it was not set from a higher-precedence source.
func (a *App) watchConfig() {
	a.loader.Watch(func(cfg *config.Config, err error) {
		if err != nil {
			a.syslog.Warn("config", "Ignoring invalid config change", map[string]any{"error": err.Error()})
			return
		}
		switch a.credential.Source() {
		case config.SourceConfig, config.SourceNone:
			if a.credential.Set(cfg.AI.APIKey, config.SourceConfig) {
				a.syslog.Info("config", "API key reloaded from config", map[string]any{
					"present": a.credential.Present(),
				})
			}
		}
		a.face.Scheduler().SetConfig(schedulerConfig(cfg.Face))
		a.syslog.Info("config", "Configuration reloaded", nil)
	})
}

// logger returns the zerolog logger handed to components; each adds its
// own component field.
func (a *App) logger() zerolog.Logger {
	return a.syslog.Zerolog()
}

func (a *App) responder() *ai.OpenAI {
	return ai.NewOpenAI(ai.Config{
		BaseURL:      a.cfg.AI.BaseURL,
		Model:        a.cfg.AI.Model,
		MaxTokens:    a.cfg.AI.MaxTokens,
		Temperature:  a.cfg.AI.Temperature,
		Timeout:      a.cfg.AI.Timeout,
		SystemPrompt: a.cfg.AI.SystemPrompt,
	}, a.credential, a.logger())
}

// localSpeaker picks an on-device speaker for the configured output.
func (a *App) localSpeaker() (tts.Speaker, error) {
	switch a.cfg.Speech.Output {
	case outputSay:
		if !tts.SayAvailable() {
			return nil, fmt.Errorf("speech.output %q: %w", outputSay, tts.ErrProviderUnavailable)
		}
		return tts.NewSay(tts.DefaultSayConfig(), a.logger()), nil
	case outputTimed:
		return tts.NewTimed(a.clock), nil
	case outputAuto, outputRemote, "":
		if tts.SayAvailable() {
			return tts.NewSay(tts.DefaultSayConfig(), a.logger()), nil
		}
		a.syslog.Warn("tts", "No local speech output, replies will be silent", nil)
		return tts.NewTimed(a.clock), nil
	default:
		return nil, fmt.Errorf("unknown speech.output %q", a.cfg.Speech.Output)
	}
}

// orchestrator assembles the voice loop around recognizer and speaker.
func (a *App) orchestrator(recognizer stt.Recognizer, speaker tts.Speaker) *voice.Orchestrator {
	return voice.New(voice.Config{
		Locale:       a.cfg.Speech.Locale,
		FailureFlash: a.cfg.Face.FailureFlash,
	}, voice.Deps{
		Face:       a.face,
		Recognizer: recognizer,
		Responder:  a.responder(),
		Speaker:    speaker,
		Credential: a.credential,
		Filter:     stt.NewFilter(a.cfg.Speech.FillerWords),
		History:    a.history,
		Bus:        a.eventBus,
		Clock:      a.clock,
		Logger:     a.logger(),
	})
}

// Close stops the face and flushes the log file.
func (a *App) Close() {
	a.face.Stop()
	a.eventBus.Clear()
	a.syslog.Info("lifecycle", "Yaoay shutdown complete", nil)
	_ = a.syslog.Close()
}
