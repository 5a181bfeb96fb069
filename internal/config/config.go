// Package config provides configuration management for yaoay
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultSystemPrompt is the persona prompt sent with every inference call.
const DefaultSystemPrompt = "Sen Yaoay adında, yardımcı, bilgili ve arkadaş canlısı bir yapay zeka asistanısın. " +
	"Türkçe konuşuyorsun ve sorulara kısa ve net cevaplar veriyorsun. " +
	"Cevapların doğru, bilgilendirici ve nazik olmalı."

// Config holds all application configuration
type Config struct {
	AI      AIConfig      `mapstructure:"ai"`
	Speech  SpeechConfig  `mapstructure:"speech"`
	Face    FaceConfig    `mapstructure:"face"`
	Server  ServerConfig  `mapstructure:"server"`
	History HistoryConfig `mapstructure:"history"`
	Log     LogConfig     `mapstructure:"log"`
}

// AIConfig configures the text-generation backend
type AIConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Model        string        `mapstructure:"model"`
	MaxTokens    int64         `mapstructure:"max_tokens"`
	Temperature  float64       `mapstructure:"temperature"`
	Timeout      time.Duration `mapstructure:"timeout"`
	SystemPrompt string        `mapstructure:"system_prompt"`
	APIKey       string        `mapstructure:"api_key"` // lowest precedence, see ResolveCredential
}

// SpeechConfig configures recognition and synthesis
type SpeechConfig struct {
	Locale      string        `mapstructure:"locale"`
	Output      string        `mapstructure:"output"` // auto, remote, say, timed
	Timeout     time.Duration `mapstructure:"timeout"`
	FillerWords []string      `mapstructure:"filler_words"`
}

// FaceConfig configures the animation scheduler
type FaceConfig struct {
	BlinkMin         time.Duration `mapstructure:"blink_min"`
	BlinkMax         time.Duration `mapstructure:"blink_max"`
	BlinkWindow      time.Duration `mapstructure:"blink_window"`
	ChatterTick      time.Duration `mapstructure:"chatter_tick"`
	TeethProbability float64       `mapstructure:"teeth_probability"`
	FailureFlash     time.Duration `mapstructure:"failure_flash"`
	Seed             int64         `mapstructure:"seed"` // 0 seeds from the clock
}

// ServerConfig configures the HTTP/websocket server
type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	FrameRate      int      `mapstructure:"frame_rate"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // empty allows any origin
}

// HistoryConfig bounds the utterance history
type HistoryConfig struct {
	MaxEntries int `mapstructure:"max_entries"`
}

// LogConfig configures the logger
type LogConfig struct {
	Dir     string `mapstructure:"dir"`
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	dir, _ := Dir()
	return &Config{
		AI: AIConfig{
			BaseURL:      "https://api.openai.com/v1",
			Model:        "gpt-3.5-turbo",
			MaxTokens:    300,
			Temperature:  0.7,
			Timeout:      30 * time.Second,
			SystemPrompt: DefaultSystemPrompt,
		},
		Speech: SpeechConfig{
			Locale:      "tr-TR",
			Output:      "auto",
			Timeout:     60 * time.Second,
			FillerWords: []string{"ııı", "eee", "hmm", "şey"},
		},
		Face: FaceConfig{
			BlinkMin:         3 * time.Second,
			BlinkMax:         5 * time.Second,
			BlinkWindow:      150 * time.Millisecond,
			ChatterTick:      150 * time.Millisecond,
			TeethProbability: 0.3,
			FailureFlash:     2 * time.Second,
		},
		Server: ServerConfig{
			Addr:      "127.0.0.1:8787",
			FrameRate: 30,
		},
		History: HistoryConfig{
			MaxEntries: 100,
		},
		Log: LogConfig{
			Dir:     filepath.Join(dir, "logs"),
			Level:   "info",
			Console: true,
		},
	}
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch {
	case c.Face.BlinkMin <= 0 || c.Face.BlinkMax <= c.Face.BlinkMin:
		return fmt.Errorf("face: blink interval [%s, %s) is empty", c.Face.BlinkMin, c.Face.BlinkMax)
	case c.Face.BlinkWindow <= 0:
		return errors.New("face: blink_window must be positive")
	case c.Face.ChatterTick <= 0:
		return errors.New("face: chatter_tick must be positive")
	case c.Face.TeethProbability < 0 || c.Face.TeethProbability > 1:
		return fmt.Errorf("face: teeth_probability %v outside [0,1]", c.Face.TeethProbability)
	case c.Server.FrameRate <= 0:
		return errors.New("server: frame_rate must be positive")
	case c.AI.Model == "":
		return errors.New("ai: model is required")
	}
	return nil
}

// settings flattens cfg into viper keys.
func settings(cfg *Config) map[string]any {
	return map[string]any{
		"ai.base_url":            cfg.AI.BaseURL,
		"ai.model":               cfg.AI.Model,
		"ai.max_tokens":          cfg.AI.MaxTokens,
		"ai.temperature":         cfg.AI.Temperature,
		"ai.timeout":             cfg.AI.Timeout.String(),
		"ai.system_prompt":       cfg.AI.SystemPrompt,
		"ai.api_key":             cfg.AI.APIKey,
		"speech.locale":          cfg.Speech.Locale,
		"speech.output":          cfg.Speech.Output,
		"speech.timeout":         cfg.Speech.Timeout.String(),
		"speech.filler_words":    cfg.Speech.FillerWords,
		"face.blink_min":         cfg.Face.BlinkMin.String(),
		"face.blink_max":         cfg.Face.BlinkMax.String(),
		"face.blink_window":      cfg.Face.BlinkWindow.String(),
		"face.chatter_tick":      cfg.Face.ChatterTick.String(),
		"face.teeth_probability": cfg.Face.TeethProbability,
		"face.failure_flash":     cfg.Face.FailureFlash.String(),
		"face.seed":              cfg.Face.Seed,
		"server.addr":            cfg.Server.Addr,
		"server.frame_rate":      cfg.Server.FrameRate,
		"server.allowed_origins": cfg.Server.AllowedOrigins,
		"history.max_entries":    cfg.History.MaxEntries,
		"log.dir":                cfg.Log.Dir,
		"log.level":              cfg.Log.Level,
		"log.console":            cfg.Log.Console,
	}
}

// Loader reads and writes config.yaml in a single directory.
type Loader struct {
	mu  sync.Mutex
	v   *viper.Viper
	dir string
}

// NewLoader returns a Loader rooted at dir, or at Dir() when dir is empty.
func NewLoader(dir string) *Loader {
	if dir == "" {
		dir, _ = Dir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	v.SetEnvPrefix("YAOAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range settings(DefaultConfig()) {
		v.SetDefault(key, value)
	}

	return &Loader{v: v, dir: dir}
}

// Path returns the config file location.
func (l *Loader) Path() string {
	return filepath.Join(l.dir, "config.yaml")
}

// Load reads configuration from file and environment, writing a default
// file when none exists.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg := DefaultConfig()
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return cfg, err
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := l.save(cfg); err != nil {
			return cfg, err
		}
		if err := l.v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}

	if err := l.decode(cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// decode unmarshals the merged settings over cfg. Lists replace the
// defaults instead of being merged into them.
func (l *Loader) decode(cfg *Config) error {
	return l.v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.ZeroFields = true
	})
}

// Save writes the configuration to file
func (l *Loader) Save(cfg *Config) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.save(cfg)
}

func (l *Loader) save(cfg *Config) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	// A separate instance keeps Set values from shadowing env overrides.
	w := viper.New()
	for key, value := range settings(cfg) {
		w.Set(key, value)
	}
	return w.WriteConfigAs(l.Path())
}

// Watch calls onChange with the re-decoded configuration whenever the file
// is written. Decoding errors are passed through with the defaults.
func (l *Loader) Watch(onChange func(*Config, error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg := DefaultConfig()
		l.mu.Lock()
		err := l.decode(cfg)
		l.mu.Unlock()
		if err == nil {
			err = cfg.Validate()
		}
		onChange(cfg, err)
	})
	l.v.WatchConfig()
}

// Dir returns the configuration directory path
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".yaoay"), nil
}
