package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/yaoay/internal/avatar"
	"github.com/normanking/yaoay/internal/bus"
	"github.com/normanking/yaoay/internal/clock"
	"github.com/normanking/yaoay/internal/config"
	"github.com/normanking/yaoay/internal/server"
	"github.com/normanking/yaoay/internal/stt"
	"github.com/normanking/yaoay/internal/tts"
	"github.com/normanking/yaoay/internal/voice"
)

// ============================================================================
// serve
// ============================================================================

var serveNoRecognition bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the face over HTTP and websocket",
	Long: `Serve the face to a browser.

The browser renders pose frames streamed over /ws, runs speech
recognition and, with speech.output auto or remote, speech synthesis.
Without a connected browser, captures fail to start.

Endpoints:
  GET  /healthz          liveness
  GET  /ws               websocket stream and control
  GET  /api/state        snapshot and current pose
  POST /api/capture      press to talk
  PUT  /api/credential   set the API key
  GET  /api/history      finished utterances
  GET  /api/logs         recent log lines
  GET  /metrics          Prometheus metrics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, app)
	},
}

func runServe(ctx context.Context, app *App) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := server.NewHub(app.cfg.Server.AllowedOrigins, app.logger())

	deps := server.Deps{
		Face:       app.face,
		Credential: app.credential,
		Store:      app.store,
		Bus:        app.eventBus,
		Logs:       app.syslog,
		Logger:     app.logger(),
	}

	var recognizer stt.Recognizer
	if serveNoRecognition {
		recognizer = stt.NewNoop(app.logger())
	} else {
		bridge := stt.NewBridge(hub.RecognitionHooks(), 0, app.logger())
		recognizer = bridge
		deps.Recognition = bridge
	}

	var speaker tts.Speaker
	switch app.cfg.Speech.Output {
	case outputAuto, outputRemote, "":
		remote := tts.NewRemote(hub, app.cfg.Speech.Timeout, app.clock, app.logger())
		speaker = remote
		deps.Speech = remote
	default:
		local, err := app.localSpeaker()
		if err != nil {
			return err
		}
		speaker = local
	}

	orch := app.orchestrator(recognizer, speaker)
	deps.Orchestrator = orch

	srv := server.New(server.Config{
		Addr:           app.cfg.Server.Addr,
		FrameRate:      app.cfg.Server.FrameRate,
		AllowedOrigins: app.cfg.Server.AllowedOrigins,
	}, hub, deps)

	app.face.Start()
	app.watchConfig()

	go func() {
		if err := orch.Run(ctx); err != nil {
			app.syslog.Error("main", "Orchestrator stopped", err, nil)
		}
	}()

	app.syslog.Info("main", "Yaoay serving", map[string]any{
		"addr":    app.cfg.Server.Addr,
		"version": version,
	})
	err := srv.ListenAndServe(ctx)
	cancel()
	<-orch.Done()
	return err
}

// ============================================================================
// console
// ============================================================================

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Talk to the face from the terminal",
	Long: `Talk to the face from the terminal.

Each line typed is taken as a finished transcript. Replies are spoken
with macOS 'say' when available, otherwise silently after the estimated
reading time.

Commands:
  /history   show the recent conversation
  /quit      exit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runConsole(ctx, app, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func runConsole(ctx context.Context, app *App, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	speaker, err := app.localSpeaker()
	if err != nil {
		return err
	}
	recognition := stt.NewBridge(stt.BridgeHooks{}, 0, app.logger())
	orch := app.orchestrator(recognition, speaker)

	finished := make(chan struct{}, 1)
	unsub := app.eventBus.SubscribeMultiple([]bus.EventType{
		bus.EventTypeMessage,
		bus.EventTypeEmotionChanged,
		bus.EventTypeUtteranceFinished,
	}, func(e bus.Event) {
		switch e.Type {
		case bus.EventTypeMessage:
			if msg, _ := e.Data["message"].(string); msg != "" {
				fmt.Fprintln(out, msg)
			}
		case bus.EventTypeEmotionChanged:
			logPose(app, app.face.Pose())
		case bus.EventTypeUtteranceFinished:
			select {
			case finished <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	app.face.Start()
	app.watchConfig()
	go func() { _ = orch.Run(ctx) }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(out, "Yaoay hazır. Yazın ve Enter'a basın (/quit çıkış).")
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case "/quit":
			return nil
		case "/history":
			fmt.Fprintln(out, orch.History().Transcript(10))
			continue
		}

		select {
		case <-finished:
		default:
		}
		if err := orch.ToggleCapture(ctx); err != nil {
			fmt.Fprintln(out, "Error:", err)
			continue
		}
		// A rejected transcript leaves the capture open; End closes it.
		capture := recognition.Capture()
		recognition.Deliver(stt.Result(line).For(capture), true)
		recognition.Deliver(stt.End().For(capture), true)

		select {
		case <-finished:
		case <-ctx.Done():
			return nil
		}
	}
}

func logPose(app *App, p avatar.Pose) {
	app.syslog.Debug("avatar", "Pose", map[string]any{
		"emotion": string(app.face.Emotion()),
		"eyes":    fmt.Sprintf("%.2f/%.2f", p.EyeLeft.ScaleY, p.EyeRight.ScaleY),
		"mouth":   fmt.Sprintf("w=%.2f h=%.2f y=%.2f rot=%.2f", p.Mouth.Width, p.Mouth.Height, p.Mouth.PosY, p.Mouth.RotX),
		"teeth":   p.Teeth.Visible,
		"blink":   p.Blinking,
	})
}

// ============================================================================
// pose
// ============================================================================

var (
	poseEmotion  string
	poseSpeaking bool
	poseDuration time.Duration
	poseRate     int
	poseSeed     int64
)

var poseCmd = &cobra.Command{
	Use:   "pose",
	Short: "Print animation frames as JSON lines",
	Long: `Simulate the face on a virtual clock and print one pose per frame.

Runs as fast as it can; the "t" field is the virtual time in seconds.

Example:
  yaoay pose --emotion happy --speaking --duration 2s`,
	RunE: func(cmd *cobra.Command, args []string) error {
		emotion := avatar.Emotion(strings.ToLower(poseEmotion))
		if !slices.Contains(avatar.Emotions, emotion) {
			return fmt.Errorf("unknown emotion %q", poseEmotion)
		}
		if poseRate <= 0 {
			return fmt.Errorf("rate must be positive, got %d", poseRate)
		}

		cfg := config.DefaultConfig()
		if dir, err := resolveConfigDir(); err == nil {
			if loaded, err := config.NewLoader(dir).Load(); err == nil {
				cfg = loaded
			}
		}
		return dumpPoses(cmd.OutOrStdout(), schedulerConfig(cfg.Face), emotion, poseSpeaking, poseDuration, poseRate, poseSeed)
	},
}

type poseFrame struct {
	T    float64     `json:"t"`
	Pose avatar.Pose `json:"pose"`
}

func dumpPoses(out io.Writer, cfg avatar.SchedulerConfig, emotion avatar.Emotion, speaking bool, d time.Duration, rate int, seed int64) error {
	clk := clock.NewManual(time.Unix(0, 0))
	face := avatar.NewController(cfg, clk, rand.New(rand.NewSource(seed)))
	face.Start()
	defer face.Stop()
	face.SetEmotion(emotion)
	face.SetSpeaking(speaking)

	enc := json.NewEncoder(out)
	step := time.Second / time.Duration(rate)
	for elapsed := time.Duration(0); elapsed <= d; elapsed += step {
		if err := enc.Encode(poseFrame{T: elapsed.Seconds(), Pose: face.Frame()}); err != nil {
			return err
		}
		clk.Advance(step)
	}
	return nil
}

// ============================================================================
// key
// ============================================================================

var keyToConfig bool

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the API key in the OS keychain or config file",
}

var keySetCmd = &cobra.Command{
	Use:   "set [api-key]",
	Short: "Store the API key",
	Long: `Store the API key in the OS keychain.

Reads the key from stdin when no argument is given. With --config the key
is written to ai.api_key in config.yaml instead; a running serve picks it
up unless a higher-precedence key is in use.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key string
		if len(args) == 1 {
			key = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			key = line
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return errors.New("empty API key")
		}
		if keyToConfig {
			dir, err := resolveConfigDir()
			if err != nil {
				return fmt.Errorf("config dir: %w", err)
			}
			if err := storeConfigKey(config.NewLoader(dir), key); err != nil {
				return fmt.Errorf("store key: %w", err)
			}
		} else if err := config.NewKeyringStore().Set(key); err != nil {
			return fmt.Errorf("store key: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), voice.MessageCredentialSaved)
		return nil
	},
}

var keyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the stored API key",
	RunE: func(cmd *cobra.Command, args []string) error {
		if keyToConfig {
			dir, err := resolveConfigDir()
			if err != nil {
				return fmt.Errorf("config dir: %w", err)
			}
			if err := storeConfigKey(config.NewLoader(dir), ""); err != nil {
				return fmt.Errorf("delete key: %w", err)
			}
		} else if err := config.NewKeyringStore().Delete(); err != nil {
			return fmt.Errorf("delete key: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "API key removed")
		return nil
	},
}

var keyStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show where the API key would be read from",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultConfig()
		if dir, err := resolveConfigDir(); err == nil {
			if loaded, err := config.NewLoader(dir).Load(); err == nil {
				cfg = loaded
			}
		}
		_, source, err := config.ResolveCredential(cfg, config.NewKeyringStore(), os.Getenv)
		fmt.Fprintf(cmd.OutOrStdout(), "source: %s\n", source)
		if err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "keychain: %v\n", err)
		}
		return nil
	},
}

// storeConfigKey writes key to ai.api_key in the loader's config file. An
// empty key removes it.
func storeConfigKey(loader *config.Loader, key string) error {
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.AI.APIKey = key
	return loader.Save(cfg)
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoRecognition, "no-recognition", false, "disable browser speech recognition; captures end immediately")

	poseCmd.Flags().StringVar(&poseEmotion, "emotion", string(avatar.EmotionNeutral), "emotion to hold (neutral, happy, sad, thinking, listening)")
	poseCmd.Flags().BoolVar(&poseSpeaking, "speaking", false, "animate the mouth")
	poseCmd.Flags().DurationVar(&poseDuration, "duration", 2*time.Second, "virtual time to simulate")
	poseCmd.Flags().IntVar(&poseRate, "rate", 30, "frames per second")
	poseCmd.Flags().Int64Var(&poseSeed, "seed", 1, "random seed")

	keyCmd.PersistentFlags().BoolVar(&keyToConfig, "config", false, "use ai.api_key in config.yaml instead of the keychain")
	keyCmd.AddCommand(keySetCmd, keyClearCmd, keyStatusCmd)
}
