package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"odin-sse-server/internal/auth"
	"odin-sse-server/internal/config"
	"odin-sse-server/internal/metrics"
	natsclient "odin-sse-server/pkg/nats"
	"odin-sse-server/pkg/sse"
)

// Server wires the broker, its HTTP endpoints, the NATS bridge, and the
// metrics surface together.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	httpServer *http.Server

	broker     *sse.Broker
	jwtManager *auth.JWTManager
	nats       *natsclient.Client

	metrics    *metrics.Metrics
	sysMetrics *metrics.SystemMetrics

	publishLimiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	m := metrics.New()
	jwtManager := auth.NewJWTManager(cfg.Auth.Secret, cfg.Auth.Expiration)

	broker := sse.NewBroker(sse.Options{
		Timeout:                      cfg.IdleTimeout,
		HeartbeatInterval:            cfg.HeartbeatInterval,
		NotifyChannelOfSubscriptions: cfg.NotifyJoinLeave,
		HeartbeatAck:                 cfg.HeartbeatAck,
		Metrics:                      m,
		Logger:                       logger,
	})

	s := &Server{
		cfg:            cfg,
		logger:         logger.With().Str("component", "server").Logger(),
		broker:         broker,
		jwtManager:     jwtManager,
		metrics:        m,
		sysMetrics:     metrics.NewSystemMetrics(),
		publishLimiter: rate.NewLimiter(rate.Limit(cfg.PublishRate), cfg.PublishBurst),
		ctx:            ctx,
		cancel:         cancel,
	}

	if cfg.NATS.URL != "" {
		client, err := natsclient.NewClient(natsclient.Config{
			URL:             cfg.NATS.URL,
			MaxReconnects:   cfg.NATS.MaxReconnects,
			ReconnectWait:   cfg.NATS.ReconnectWait,
			ReconnectJitter: cfg.NATS.ReconnectJitter,
			MaxPingsOut:     cfg.NATS.MaxPingsOut,
			PingInterval:    cfg.NATS.PingInterval,
		}, logger)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create NATS client: %w", err)
		}
		s.nats = client
	}

	s.setupHTTPServer()
	return s, nil
}

// Broker exposes the broker, mainly for embedding and tests.
func (s *Server) Broker() *sse.Broker { return s.broker }

func (s *Server) setupHTTPServer() {
	cfg := s.cfg
	resolver := auth.NewResolver(s.jwtManager)
	mux := http.NewServeMux()

	mux.HandleFunc(cfg.StreamPath, s.broker.StreamHandler(resolver, cfg.HeartbeatPath))
	mux.HandleFunc(cfg.StreamPath+"/ws", s.broker.WebSocketHandler(resolver, cfg.HeartbeatPath))
	mux.HandleFunc(cfg.HeartbeatPath, s.broker.HeartbeatHandler())
	mux.HandleFunc(cfg.SubscribersPath, s.broker.SubscribersHandler())
	mux.HandleFunc(cfg.UnregisterPath, s.broker.UnregisterHandler())

	publish := s.rateLimited(s.instrumentPublish(s.broker.PublishHandler()))
	if cfg.Auth.RequirePublishAuth {
		publish = s.jwtManager.Middleware(publish)
	}
	mux.HandleFunc(cfg.PublishPath, publish)

	mux.Handle(cfg.MetricsPath, s.metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	if cfg.Auth.EnableTokenEndpoint {
		mux.HandleFunc("/auth/token", s.handleGenerateToken)
	}

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.corsMiddleware(mux),
		// No WriteTimeout: the stream endpoint holds responses open for
		// the subscription's lifetime.
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: cfg.IdleConnTime,
	}
}

// statusWriter captures the status code a handler responds with.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// instrumentPublish counts publish outcomes.
func (s *Server) instrumentPublish(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		if sw.status == http.StatusAccepted {
			s.metrics.PublishAccepted()
		} else {
			s.metrics.PublishRejected()
		}
	}
}

// rateLimited rejects publishes beyond the configured rate.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.publishLimiter.Allow() {
			s.metrics.PublishRateLimited()
			http.Error(w, "publish rate exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, Last-Event-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	natsStatus := "disabled"
	if s.nats != nil {
		natsStatus = "disconnected"
		if s.nats.IsConnected() {
			natsStatus = "connected"
		}
	}

	health := map[string]any{
		"status":        "healthy",
		"timestamp":     time.Now().Unix(),
		"subscriptions": s.broker.Registry().Count(),
		"nats":          natsStatus,
		"system":        s.sysMetrics.Snapshot(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"subscriptions": s.broker.Registry().Count(),
		"system":        s.sysMetrics.Snapshot(),
	}
	if s.nats != nil {
		stats["nats"] = s.nats.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleGenerateToken issues a development token. Only routed when enabled
// in configuration.
func (s *Server) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("userId")
	if userID == "" {
		userID = "test-user"
	}
	userName := q.Get("userName")
	if userName == "" {
		userName = userID
	}

	token, err := s.jwtManager.Generate(userID, userName, q.Get("displayName"), q.Get("profileUrl"))
	if err != nil {
		s.logger.Error().Err(err).Msg("Token generation failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// setupNATSSubscriptions routes inbound subjects to broker notifies.
func (s *Server) setupNATSSubscriptions() error {
	prefix := s.cfg.NATS.SubjectPrefix
	err := s.nats.Subscribe(prefix+".>", func(subject string, data []byte) {
		target, ok := ParseSubject(prefix, subject)
		if !ok {
			s.logger.Debug().Str("subject", subject).Msg("Ignoring unroutable subject")
			return
		}
		s.metrics.NATSMessage()
		payload := json.RawMessage(data)
		switch target.Kind {
		case targetAll:
			s.broker.NotifyAll(target.Selector, payload)
		case targetChannel:
			s.broker.NotifyChannel(target.Key, target.Selector, payload)
		case targetUser:
			s.broker.NotifyUserID(target.Key, target.Selector, payload, "")
		case targetSession:
			s.broker.NotifySession(target.Key, target.Selector, payload, "")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to setup NATS subscriptions: %w", err)
	}
	s.logger.Info().Str("prefix", prefix).Msg("NATS subscriptions established")
	return nil
}

// Start runs the server until an interrupt signal arrives.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("Starting SSE server")

	if s.nats != nil {
		if err := s.setupNATSSubscriptions(); err != nil {
			return err
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.collectSystemMetrics()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.waitForShutdown()
	return nil
}

func (s *Server) collectSystemMetrics() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	s.sysMetrics.Update()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sysMetrics.Update()
		}
	}
}

func (s *Server) waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	s.logger.Info().Str("signal", sig.String()).Msg("Initiating graceful shutdown")
	s.Shutdown()
}

// Shutdown stops accepting requests, unsubscribes every live subscription,
// and drains NATS.
func (s *Server) Shutdown() {
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Closing the broker first disposes every subscription, which unparks
	// the stream handlers so the HTTP server can drain.
	s.broker.Close()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP server shutdown error")
	}

	if s.nats != nil {
		if err := s.nats.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("NATS close error")
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("Server shutdown complete")
	case <-ctx.Done():
		s.logger.Warn().Msg("Server shutdown timeout")
	}
}
