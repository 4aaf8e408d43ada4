// Package api provides the HTTP surface of DialogPipe.
//
// It exposes the REST chat endpoint, the Facebook and Twilio webhooks, the
// admin CRUD endpoints for intents, entities, bots and integrations, chat
// log queries, the NLU rebuild trigger and the health, readiness and
// metrics probes.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dialogpipe/dialogpipe/internal/channels"
	"github.com/dialogpipe/dialogpipe/internal/dialogue"
	"github.com/dialogpipe/dialogpipe/internal/events"
	"github.com/dialogpipe/dialogpipe/internal/invoker"
	"github.com/dialogpipe/dialogpipe/internal/memory"
	"github.com/dialogpipe/dialogpipe/internal/metrics"
	"github.com/dialogpipe/dialogpipe/internal/models"
	"github.com/dialogpipe/dialogpipe/internal/nlu"
	"github.com/dialogpipe/dialogpipe/internal/store"
)

// Default server configuration constants
const (
	// DefaultAddr is the default API listen address
	DefaultAddr = ":8080"
	// DefaultReadTimeout bounds request header and body reads
	DefaultReadTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds response writes
	DefaultWriteTimeout = 30 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown on SIGINT/SIGTERM
	DefaultShutdownTimeout = 10 * time.Second
)

// dialogueManager is the conversation core contract the server depends on.
// *dialogue.Manager satisfies it; tests substitute mocks.
type dialogueManager interface {
	Process(ctx context.Context, message *models.UserMessage) (*models.State, error)
	UpdateCatalog(intents []models.IntentModel)
	Ready() bool
}

// catalogPipeline is an NLU pipeline whose catalog can be swapped when the
// intent store changes. *nlu.ZeroShotPipeline satisfies it.
type catalogPipeline interface {
	nlu.Pipeline
	SetCatalog(intents, entities []string)
}

// pinger is implemented by backends with a connectivity probe.
type pinger interface {
	Ping(ctx context.Context) error
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr      string
	Manager   dialogueManager
	Store     store.Store
	Memory    memory.Saver
	Pipeline  catalogPipeline
	FBSender  channels.FacebookSender
	TWSender  channels.TwilioSender
	Publisher *events.Publisher
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithManager sets the dialogue manager.
func WithManager(m dialogueManager) Option {
	return func(o *Opts) { o.Manager = m }
}

// WithStore sets the bot configuration store.
func WithStore(st store.Store) Option {
	return func(o *Opts) { o.Store = st }
}

// WithMemory sets the conversation state saver.
func WithMemory(mem memory.Saver) Option {
	return func(o *Opts) { o.Memory = mem }
}

// WithPipeline sets the NLU pipeline used for catalog rebuilds.
func WithPipeline(p catalogPipeline) Option {
	return func(o *Opts) { o.Pipeline = p }
}

// WithFacebookSender sets the Facebook Send API client.
func WithFacebookSender(s channels.FacebookSender) Option {
	return func(o *Opts) { o.FBSender = s }
}

// WithTwilioSender sets the Twilio REST client.
func WithTwilioSender(s channels.TwilioSender) Option {
	return func(o *Opts) { o.TWSender = s }
}

// WithPublisher sets the conversation event publisher.
func WithPublisher(p *events.Publisher) Option {
	return func(o *Opts) { o.Publisher = p }
}

// Server holds the wired components behind the HTTP handlers.
type Server struct {
	addr      string
	manager   dialogueManager
	st        store.Store
	mem       memory.Saver
	pipeline  catalogPipeline
	fbSender  channels.FacebookSender
	twSender  channels.TwilioSender
	publisher *events.Publisher
}

// NewServer creates a Server from the supplied options. Manager and Store
// must be provided.
func NewServer(opts ...Option) (*Server, error) {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Manager == nil {
		return nil, errors.New("dialogue manager must be provided")
	}
	if cfg.Store == nil {
		return nil, errors.New("store must be provided")
	}
	return &Server{
		addr:      cfg.Addr,
		manager:   cfg.Manager,
		st:        cfg.Store,
		mem:       cfg.Memory,
		pipeline:  cfg.Pipeline,
		fbSender:  cfg.FBSender,
		twSender:  cfg.TWSender,
		publisher: cfg.Publisher,
	}, nil
}

// routes builds the request mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chat", s.instrument("/api/v1/chat", s.chatHandler))
	mux.HandleFunc("/webhooks/facebook", s.instrument("/webhooks/facebook", s.facebookWebhookHandler))
	mux.HandleFunc("/webhooks/twilio", s.instrument("/webhooks/twilio", s.twilioWebhookHandler))
	mux.HandleFunc("/api/v1/intents", s.instrument("/api/v1/intents", s.intentsHandler))
	mux.HandleFunc("/api/v1/intents/", s.instrument("/api/v1/intents", s.intentsHandler))
	mux.HandleFunc("/api/v1/entities", s.instrument("/api/v1/entities", s.entitiesHandler))
	mux.HandleFunc("/api/v1/entities/", s.instrument("/api/v1/entities", s.entitiesHandler))
	mux.HandleFunc("/api/v1/bots/", s.instrument("/api/v1/bots", s.botsHandler))
	mux.HandleFunc("/api/v1/integrations", s.instrument("/api/v1/integrations", s.integrationsHandler))
	mux.HandleFunc("/api/v1/integrations/", s.instrument("/api/v1/integrations", s.integrationsHandler))
	mux.HandleFunc("/api/v1/chatlogs", s.instrument("/api/v1/chatlogs", s.chatLogsHandler))
	mux.HandleFunc("/api/v1/chatlogs/", s.instrument("/api/v1/chatlogs", s.chatLogsHandler))
	mux.HandleFunc("/api/v1/nlu/build", s.instrument("/api/v1/nlu/build", s.nluBuildHandler))
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/readiness", s.readinessHandler)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument wraps a handler with request count and latency metrics.
func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(recorder, r)
		metrics.RequestCount.WithLabelValues(endpoint, r.Method, fmt.Sprintf("%d", recorder.status)).Inc()
		metrics.RequestLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

// rebuildCatalog loads the intent and entity catalogs from the store and
// installs them in the dialogue manager and the NLU pipeline.
func (s *Server) rebuildCatalog() error {
	intents, err := s.st.ListIntents()
	if err != nil {
		return fmt.Errorf("failed to list intents: %w", err)
	}
	entities, err := s.st.ListEntityTypes()
	if err != nil {
		return fmt.Errorf("failed to list entity types: %w", err)
	}

	s.manager.UpdateCatalog(intents)

	if s.pipeline != nil {
		intentIDs := make([]string, 0, len(intents))
		for _, intent := range intents {
			intentIDs = append(intentIDs, intent.IntentID)
		}
		entityNames := make([]string, 0, len(entities))
		for _, entity := range entities {
			entityNames = append(entityNames, entity.Name)
		}
		s.pipeline.SetCatalog(intentIDs, entityNames)
	}

	slog.Info("Server.rebuildCatalog: catalog rebuilt", "intents", len(intents), "entities", len(entities))
	return nil
}

// Run wires every module from the supplied options and serves HTTP until
// SIGINT or SIGTERM.
func Run(storeOpts []store.Option, memoryOpts []memory.Option, nluOpts []nlu.Option, apiOpts []Option) error {
	st, err := store.NewStore(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	if err := store.EnsureDefaults(st); err != nil {
		return fmt.Errorf("failed to seed default documents: %w", err)
	}

	mem, err := memory.NewSaver(memoryOpts...)
	if err != nil {
		return fmt.Errorf("failed to create memory saver: %w", err)
	}
	defer mem.Close()

	pipeline, err := nlu.NewZeroShotPipeline(nluOpts...)
	if err != nil {
		return fmt.Errorf("failed to create NLU pipeline: %w", err)
	}

	bot, err := st.GetBot(store.DefaultBotName)
	if err != nil {
		return fmt.Errorf("failed to load bot config: %w", err)
	}

	manager := dialogue.NewManager(
		dialogue.WithMemory(mem),
		dialogue.WithPipeline(pipeline),
		dialogue.WithCaller(invoker.New(0)),
		dialogue.WithFallbackIntentID(bot.NLUConfig.FallbackIntentID),
		dialogue.WithConfidenceThreshold(bot.NLUConfig.ConfidenceThreshold),
	)

	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	cfg.Manager = manager
	cfg.Store = st
	cfg.Memory = mem
	cfg.Pipeline = pipeline

	// Channel senders come up only when credentials are configured; the
	// REST surface works without them.
	if cfg.FBSender == nil {
		fbSender, fbErr := channels.NewFacebookClient()
		if fbErr != nil {
			slog.Info("Run: facebook sender not configured", "reason", fbErr)
		} else {
			cfg.FBSender = fbSender
		}
	}
	if cfg.TWSender == nil {
		twSender, twErr := channels.NewTwilioClient()
		if twErr != nil {
			slog.Info("Run: twilio sender not configured", "reason", twErr)
		} else {
			cfg.TWSender = twSender
		}
	}
	if cfg.Publisher == nil {
		if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
			publisher, pubErr := events.NewPublisher(events.WithURL(natsURL))
			if pubErr != nil {
				slog.Warn("Run: event publisher unavailable", "error", pubErr)
			} else {
				cfg.Publisher = publisher
				defer publisher.Close()
			}
		}
	}

	srv := &Server{
		addr:      cfg.Addr,
		manager:   cfg.Manager,
		st:        cfg.Store,
		mem:       cfg.Memory,
		pipeline:  cfg.Pipeline,
		fbSender:  cfg.FBSender,
		twSender:  cfg.TWSender,
		publisher: cfg.Publisher,
	}

	if err := srv.rebuildCatalog(); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         srv.addr,
		Handler:      srv.routes(),
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Run: DialogPipe API listening", "addr", srv.addr)
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigCh:
		slog.Info("Run: received shutdown signal", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	slog.Info("Run: server stopped")
	return nil
}

// healthHandler reports liveness (GET /health).
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// readinessHandler reports whether the service can process conversations
// (GET /readiness): catalog loaded, pipeline installed, backends reachable.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ready := true
	details := map[string]string{}

	if s.manager.Ready() {
		details["dialogue_manager"] = "ok"
	} else {
		ready = false
		details["dialogue_manager"] = "not_ready"
	}

	if err := s.st.Ping(ctx); err != nil {
		ready = false
		details["store"] = "unreachable"
	} else {
		details["store"] = "ok"
	}

	if p, ok := s.mem.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			ready = false
			details["memory"] = "unreachable"
		} else {
			details["memory"] = "ok"
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, map[string]any{"ready": ready, "details": details})
}
