// Package gateway is the HTTP surface of the platform: provider webhooks,
// the relay and agent sockets, outbound call placement, and operational
// endpoints. It owns process wiring and lifecycle; call semantics live in
// the relay package.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dialplane/dialplane/internal/compliance"
	"github.com/dialplane/dialplane/internal/config"
	"github.com/dialplane/dialplane/internal/deadletter"
	"github.com/dialplane/dialplane/internal/fallback"
	"github.com/dialplane/dialplane/internal/guardrail"
	"github.com/dialplane/dialplane/internal/observability"
	"github.com/dialplane/dialplane/internal/registry"
	"github.com/dialplane/dialplane/internal/relay"
	"github.com/dialplane/dialplane/internal/sessions"
	"github.com/dialplane/dialplane/internal/telephony"
	"github.com/dialplane/dialplane/internal/translate"
)

// Server ties the call-handling components to their HTTP endpoints.
type Server struct {
	config   *config.Config
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	registry *prometheus.Registry

	provider    telephony.Provider
	sessions    *sessions.Store
	agents      *registry.Registry
	letters     deadletter.Store
	dispatcher  *deadletter.Dispatcher
	engine      *fallback.Engine
	gate        compliance.Gate
	relay       http.Handler
	agentsByID  map[string]config.AgentConfig
	byAddress   map[string]config.AgentConfig
	startTime   time.Time
	httpServer  *http.Server
	metricsSrv  *http.Server
	sweepCancel context.CancelFunc
}

// Options carries the pre-built components the server serves. Everything nil
// gets a working default so tests can construct a partial server.
type Options struct {
	Config     *config.Config
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
	PromReg    *prometheus.Registry
	Provider   telephony.Provider
	Sessions   *sessions.Store
	Agents     *registry.Registry
	Letters    deadletter.Store
	Engine     *fallback.Engine
	Gate       compliance.Gate
	Translator translate.Translator
	Filter     *guardrail.Filter
}

// NewServer wires the components together. The agent registry's connect hook
// drives dead-letter dispatch, and the connected-agent gauge tracks the
// registry count.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("gateway: config is required")
	}
	if opts.Provider == nil {
		return nil, errors.New("gateway: telephony provider is required")
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.LogConfig{})
	}
	if opts.PromReg == nil {
		opts.PromReg = prometheus.NewRegistry()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics(opts.PromReg)
	}
	if opts.Sessions == nil {
		opts.Sessions = sessions.NewStore()
	}
	if opts.Agents == nil {
		opts.Agents = registry.New()
	}
	if opts.Letters == nil {
		opts.Letters = deadletter.NewMemoryStore()
	}
	if opts.Gate == nil {
		opts.Gate = compliance.AllowAll{}
	}
	if opts.Filter == nil {
		opts.Filter = guardrail.New()
	}

	s := &Server{
		config:     opts.Config,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		registry:   opts.PromReg,
		provider:   opts.Provider,
		sessions:   opts.Sessions,
		agents:     opts.Agents,
		letters:    opts.Letters,
		engine:     opts.Engine,
		gate:       opts.Gate,
		agentsByID: make(map[string]config.AgentConfig),
		byAddress:  make(map[string]config.AgentConfig),
		startTime:  time.Now(),
	}
	for _, agent := range opts.Config.Agents {
		s.agentsByID[agent.ID] = agent
		s.byAddress[agent.Address] = agent
	}

	s.dispatcher = deadletter.NewDispatcher(s.letters, s.agents, s.logger, s.metrics)
	s.agents.OnConnect(s.dispatcher.HandleConnect)
	s.agents.OnCountChange(func(n int) {
		s.metrics.ConnectedAgents.Set(float64(n))
	})

	s.relay = relay.NewHandler(
		s.sessions, s.letters, s.agents, s.engine, opts.Filter, opts.Translator,
		opts.Config.Relay, s.logger, s.metrics, s.tracer,
	)
	return s, nil
}

// Handler builds the public HTTP mux. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/voice", s.handleVoiceWebhook)
	mux.Handle("/relay", s.relay)
	mux.HandleFunc("/agents/ws", s.handleAgentSocket)
	mux.HandleFunc("POST /v1/calls", s.handlePlaceCall)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/deadletters", s.handleDeadLetters)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// Start brings up the public and metrics listeners and the idle-session
// sweeper. It returns once both listeners are bound.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: http listen: %w", err)
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "http server error", "error", err)
		}
	}()
	s.logger.Info(ctx, "gateway listening", "addr", addr)

	if s.config.Server.MetricsPort != 0 {
		metricsAddr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.MetricsPort)
		metricsListener, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			return fmt.Errorf("gateway: metrics listen: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		s.metricsSrv = &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := s.metricsSrv.Serve(metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error(ctx, "metrics server error", "error", err)
			}
		}()
		s.logger.Info(ctx, "metrics listening", "addr", metricsAddr)
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	go s.sessions.RunSweeper(sweepCtx, s.config.Relay.SweepInterval, s.config.Relay.IdleCeiling, func(evicted []string) {
		s.logger.Warn(sweepCtx, "evicted idle sessions", "count", len(evicted), "call_ids", evicted)
		for _, callID := range evicted {
			if err := s.provider.HangupCall(sweepCtx, callID); err != nil {
				s.logger.Warn(sweepCtx, "hangup for evicted session failed", "call_id", callID, "error", err)
			}
		}
	})

	return nil
}

// Stop drains the listeners and stops the sweeper.
func (s *Server) Stop(ctx context.Context) {
	if s.sweepCancel != nil {
		s.sweepCancel()
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn(ctx, "http shutdown error", "error", err)
		}
	}
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn(ctx, "metrics shutdown error", "error", err)
		}
	}
	if err := s.letters.Close(); err != nil {
		s.logger.Warn(ctx, "dead letter store close error", "error", err)
	}
}

// mode reports the best answering path currently available.
func (s *Server) mode() string {
	if s.agents.Count() > 0 {
		return relay.PathAgent
	}
	if s.engine != nil {
		return relay.PathFallback
	}
	return relay.PathStatic
}
