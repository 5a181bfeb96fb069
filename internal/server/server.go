// Package server exposes the face and the voice loop over HTTP and a
// websocket stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/normanking/yaoay/internal/ai"
	"github.com/normanking/yaoay/internal/avatar"
	"github.com/normanking/yaoay/internal/bus"
	"github.com/normanking/yaoay/internal/config"
	"github.com/normanking/yaoay/internal/logging"
	"github.com/normanking/yaoay/internal/metrics"
	"github.com/normanking/yaoay/internal/stt"
	"github.com/normanking/yaoay/internal/voice"
)

var (
	errNoClient       = errors.New("server: no client connected")
	errSendBufferFull = errors.New("server: client send buffer full")
	errClientClosed   = errors.New("server: client closed")
)

// Orchestrator is the voice loop as seen by the transport.
type Orchestrator interface {
	ToggleCapture(ctx context.Context) error
	Announce(ctx context.Context, message string) error
	Snapshot() voice.Snapshot
	History() *voice.History
}

// Face is the avatar as seen by the transport.
type Face interface {
	Frame() avatar.Pose
	GetState() avatar.State
}

// SpeechCompleter receives playback reports from the client.
type SpeechCompleter interface {
	Complete(id, errMsg string)
	AbortAll()
}

// Config holds server settings.
type Config struct {
	Addr           string
	FrameRate      int
	AllowedOrigins []string
}

// Deps are the components the server exposes. Recognition, Speech, Store
// and Logs are optional.
type Deps struct {
	Orchestrator Orchestrator
	Face         Face
	Recognition  *stt.Bridge
	Speech       SpeechCompleter
	Credential   *config.Credential
	Store        config.CredentialStore
	Bus          *bus.EventBus
	Logs         *logging.Logger
	Logger       zerolog.Logger
}

// Server is the HTTP and websocket front end.
type Server struct {
	cfg    Config
	deps   Deps
	hub    *Hub
	router chi.Router
	logger zerolog.Logger
	unsubs []func()
}

// New creates a Server on hub. The hub should be the one already handed to
// the recognizer bridge and the remote speaker.
func New(cfg Config, hub *Hub, deps Deps) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		hub:    hub,
		logger: deps.Logger.With().Str("component", "server").Logger(),
	}
	hub.SetHandlers(HubHandlers{
		OnMessage:    s.handleMessage,
		OnConnect:    s.handleConnect,
		OnDisconnect: s.handleDisconnect,
	})
	s.router = s.routes()
	s.subscribe()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.hub.ServeWS)

	r.Route("/api", func(api chi.Router) {
		api.Get("/state", s.handleState)
		api.Post("/capture", s.handleCapture)
		api.Put("/credential", s.handleCredential)
		api.Get("/history", s.handleHistory)
		api.Get("/logs", s.handleLogs)
	})

	return r
}

// subscribe forwards bus events and log lines to websocket clients.
func (s *Server) subscribe() {
	if s.deps.Bus != nil {
		s.unsubs = append(s.unsubs,
			s.deps.Bus.Subscribe(bus.EventTypeStateChanged, func(e bus.Event) {
				s.hub.Broadcast(TypeState, e.Data["snapshot"])
			}),
			s.deps.Bus.SubscribeMultiple([]bus.EventType{
				bus.EventTypeEmotionChanged,
				bus.EventTypeMessage,
				bus.EventTypeUtteranceFinished,
				bus.EventTypeCaptureRejected,
				bus.EventTypeCredentialChanged,
			}, func(e bus.Event) {
				s.hub.Broadcast(TypeEvent, e)
			}),
		)
	}
	if s.deps.Logs != nil {
		s.deps.Logs.SetOnLog(func(entry logging.LogEntry) {
			s.hub.Broadcast(TypeLogEntry, entry)
		})
	}
}

// ListenAndServe serves until ctx is cancelled, streaming pose frames
// while clients are connected.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	frameCtx, stopFrames := context.WithCancel(ctx)
	defer stopFrames()
	go s.hub.RunFrames(frameCtx, s.cfg.FrameRate, s.deps.Face.Frame)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.CloseAll()
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// Close detaches the server from the bus.
func (s *Server) Close() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

// requestLogger logs each request through zerolog and counts it.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()

		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("requestId", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

type stateResponse struct {
	voice.Snapshot
	Face              avatar.State `json:"face"`
	Pose              avatar.Pose  `json:"pose"`
	CredentialPresent bool         `json:"credentialPresent"`
	Clients           int          `json:"clients"`
}

func (s *Server) state() stateResponse {
	resp := stateResponse{
		Snapshot: s.deps.Orchestrator.Snapshot(),
		Face:     s.deps.Face.GetState(),
		Pose:     s.deps.Face.Frame(),
		Clients:  s.hub.Count(),
	}
	if s.deps.Credential != nil {
		resp.CredentialPresent = s.deps.Credential.Present()
	}
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": s.hub.Count()})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Orchestrator.ToggleCapture(r.Context()); err != nil {
		respondError(w, captureStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, s.deps.Orchestrator.Snapshot())
}

// captureStatus maps a ToggleCapture error to an HTTP status.
func captureStatus(err error) int {
	var cfgErr *ai.ConfigError
	var recErr *voice.RecognitionError
	switch {
	case errors.Is(err, voice.ErrBusy):
		return http.StatusConflict
	case errors.As(err, &cfgErr):
		return http.StatusPreconditionFailed
	case errors.As(err, &recErr), errors.Is(err, voice.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleCredential(w http.ResponseWriter, r *http.Request) {
	var req CredentialUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.setCredential(r.Context(), req.APIKey); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"credentialPresent": s.deps.Credential.Present()})
}

// setCredential replaces the runtime key and persists it to the store. An
// empty key clears both.
func (s *Server) setCredential(ctx context.Context, key string) error {
	if s.deps.Credential == nil {
		return errors.New("credential updates are not supported")
	}
	key = strings.TrimSpace(key)
	s.deps.Credential.Set(key, config.SourceRuntime)

	if s.deps.Store != nil {
		var err error
		if key == "" {
			err = s.deps.Store.Delete()
		} else {
			err = s.deps.Store.Set(key)
		}
		if err != nil {
			s.logger.Warn().Err(err).Msg("Credential not persisted to keyring")
		}
	}

	if key == "" {
		s.logger.Info().Msg("API key cleared")
		return nil
	}
	s.logger.Info().Msg("API key updated")
	if err := s.deps.Orchestrator.Announce(ctx, voice.MessageCredentialSaved); err != nil {
		s.logger.Debug().Err(err).Msg("Credential notice not shown")
	}
	return nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Orchestrator.History().Recent(queryLimit(r)))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		respondJSON(w, http.StatusOK, []logging.LogEntry{})
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Logs.GetHistory(queryLimit(r)))
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

func (s *Server) handleConnect(c *Client) {
	_ = c.Send(TypeHello, map[string]any{"client": c.ID})
	_ = c.Send(TypeState, s.deps.Orchestrator.Snapshot())
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(bus.Event{Type: bus.EventTypeClientConnected, Data: map[string]any{"client": c.ID}})
	}
}

func (s *Server) handleDisconnect(c *Client, remaining int) {
	if remaining == 0 {
		if s.deps.Speech != nil {
			s.deps.Speech.AbortAll()
		}
		if s.deps.Recognition != nil {
			if id := s.deps.Recognition.Capture(); id != "" {
				s.deps.Recognition.Deliver(stt.Failure("client-disconnected").For(id), true)
			}
		}
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(bus.Event{Type: bus.EventTypeClientDisconnected, Data: map[string]any{"client": c.ID}})
	}
}

func (s *Server) handleMessage(c *Client, msg Message) {
	switch msg.Type {
	case TypeCaptureToggle:
		if err := s.deps.Orchestrator.ToggleCapture(c.ctx); err != nil {
			_ = c.Send(TypeError, map[string]any{"error": err.Error(), "status": captureStatus(err)})
		}

	case TypeRecognitionResult:
		var res RecognitionResult
		if !s.decode(c, msg, &res) || s.deps.Recognition == nil {
			return
		}
		s.deps.Recognition.Deliver(stt.Result(res.Transcript).For(res.Capture), res.Final)

	case TypeRecognitionEnd:
		var end RecognitionCapture
		if len(msg.Data) > 0 && !s.decode(c, msg, &end) {
			return
		}
		if s.deps.Recognition != nil {
			s.deps.Recognition.Deliver(stt.End().For(end.Capture), true)
		}

	case TypeRecognitionError:
		var failure RecognitionFailure
		if !s.decode(c, msg, &failure) || s.deps.Recognition == nil {
			return
		}
		s.deps.Recognition.Deliver(stt.Failure(failure.Code).For(failure.Capture), true)

	case TypeSpeechEnd:
		var end SpeechEnd
		if !s.decode(c, msg, &end) || s.deps.Speech == nil {
			return
		}
		s.deps.Speech.Complete(end.ID, end.Error)

	case TypeCredentialSet:
		var update CredentialUpdate
		if !s.decode(c, msg, &update) {
			return
		}
		if err := s.setCredential(c.ctx, update.APIKey); err != nil {
			_ = c.Send(TypeError, map[string]string{"error": err.Error()})
		}

	case TypeLog:
		var entry ClientLog
		if !s.decode(c, msg, &entry) || s.deps.Logs == nil {
			return
		}
		s.clientLog(entry)

	default:
		s.logger.Debug().Str("type", msg.Type).Str("client", c.ID).Msg("Unknown message type")
	}
}

func (s *Server) clientLog(entry ClientLog) {
	component := entry.Component
	if component == "" {
		component = "client"
	}
	switch entry.Level {
	case "debug":
		s.deps.Logs.Debug(component, entry.Message, entry.Data)
	case "warn":
		s.deps.Logs.Warn(component, entry.Message, entry.Data)
	case "error":
		s.deps.Logs.Error(component, entry.Message, nil, entry.Data)
	default:
		s.deps.Logs.Info(component, entry.Message, entry.Data)
	}
}

func (s *Server) decode(c *Client, msg Message, v any) bool {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		s.logger.Warn().Err(err).Str("type", msg.Type).Str("client", c.ID).Msg("Invalid message payload")
		_ = c.Send(TypeError, map[string]string{"error": "invalid " + msg.Type + " payload"})
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
