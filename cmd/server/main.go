package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof on the metrics listener
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dj-oyu/exam-proctor/monitor-server/internal/alert"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/api"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/auth"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/config"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/logger"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/metrics"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/notify"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/proctor"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/recorder"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/scheduler"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/session"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/store"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/vision"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/vision/cascade"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/webrtc"
)

const sweepInterval = time.Minute

// Server is the exam monitoring server
type Server struct {
	cfg        config.Config
	metrics    *metrics.Metrics
	cascades   *cascade.Set
	store      store.Store
	flusher    *store.Flusher
	sessions   *session.Manager
	hub        *notify.Hub
	nats       *notify.NATSPublisher
	dispatcher *notify.Dispatcher
	recorder   *recorder.Recorder
	webrtc     *webrtc.Server
	scheduler  *scheduler.Scheduler
	httpServer *http.Server
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize logger
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	out, err := logger.Output(logger.FileConfig{
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   true,
	})
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	logger.Init(level, out, cfg.LogColor && cfg.LogFile == "")

	logger.Info("Main", "Monitor server starting...")
	logger.Info("Main", "Log level: %s", level)

	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}

	logger.Info("Main", "Server stopped")
}

// NewServer wires every component. Records are restored from the store
// before the server accepts requests.
func NewServer(cfg config.Config) (*Server, error) {
	m := metrics.New()

	cascades, err := cascade.LoadDir(cfg.CascadeDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load cascades: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := store.Open(ctx, cfg.StoreType, cfg.StorePath)
	if err != nil {
		cascades.Close()
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.StoreType, err)
	}

	agg := alert.NewAggregator(alert.NewGate(cfg.CooldownExpiry))
	if err := store.Restore(ctx, st, agg); err != nil {
		st.Close()
		cascades.Close()
		return nil, fmt.Errorf("failed to restore records: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		metrics:  m,
		cascades: cascades,
		store:    st,
		flusher:  store.NewFlusher(agg, st, m, 10*time.Second),
		sessions: session.NewManager(),
		hub:      notify.NewHub(32),
	}

	notifiers := []notify.Notifier{s.hub}
	if cfg.NATSURL != "" {
		pub, err := notify.ConnectNATS(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			// Alerts still reach the dashboards.
			logger.Warn("Main", "NATS disabled: %v", err)
		} else {
			s.nats = pub
			notifiers = append(notifiers, pub)
		}
	}
	s.dispatcher = notify.NewDispatcher(1024, m, notifiers...)

	opts := proctor.Options{
		Classifier: vision.NewClassifier(vision.DefaultConfig(), cascades.Detectors()),
		Sessions:   s.sessions,
		Aggregator: agg,
		Events:     s.dispatcher,
		Metrics:    m,
	}
	if cfg.SnapshotDir != "" {
		s.recorder = recorder.NewRecorder(cfg.SnapshotDir, m)
		opts.Snapshots = s.recorder
	}
	svc := proctor.New(opts)

	if cfg.MaxWebRTCClients > 0 {
		s.webrtc = webrtc.NewServer(cfg.STUNServers, cfg.MaxWebRTCClients, api.NewIngest(svc), m)
	}

	handler := api.New(api.Options{
		Service:       svc,
		Hub:           s.hub,
		Verifier:      auth.NewVerifier(cfg.JWTSecret),
		WebRTC:        s.webrtc,
		Metrics:       m,
		MaxFrameBytes: int64(cfg.MaxFrameBytes),
	}).Handler()

	s.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Alert streams hold their requests open until the hub closes them.
	s.httpServer.RegisterOnShutdown(s.hub.Close)

	s.scheduler = scheduler.New()
	if err := s.schedule(); err != nil {
		s.release()
		return nil, err
	}

	return s, nil
}

func (s *Server) schedule() error {
	if err := s.scheduler.Every("flush", s.cfg.FlushInterval, s.flush); err != nil {
		return fmt.Errorf("failed to schedule flush: %w", err)
	}
	if err := s.scheduler.Every("session-sweep", sweepInterval, s.sweep); err != nil {
		return fmt.Errorf("failed to schedule session sweep: %w", err)
	}
	return nil
}

// release closes what NewServer opened when it fails part way.
func (s *Server) release() {
	if s.nats != nil {
		s.nats.Close()
	}
	s.store.Close()
	s.cascades.Close()
}

// Start starts all server components
func (s *Server) Start() error {
	logger.Info("Main", "Starting monitor server...")
	logger.Info("Main", "  HTTP server: %s", s.cfg.HTTPAddr)
	logger.Info("Main", "  Store: %s (%s)", s.cfg.StoreType, s.cfg.StorePath)
	logger.Info("Main", "  Flush interval: %s", s.cfg.FlushInterval)
	if s.cfg.CooldownExpiry > 0 {
		logger.Info("Main", "  Cooldown expiry: %s", s.cfg.CooldownExpiry)
	}

	if s.recorder != nil {
		if err := s.recorder.Start(); err != nil {
			return fmt.Errorf("failed to start snapshot recorder: %w", err)
		}
	}
	s.dispatcher.Start()
	s.scheduler.Start()

	// Start metrics server
	if s.cfg.MetricsAddr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", s.cfg.MetricsAddr)
			if err := s.metrics.StartServer(s.cfg.MetricsAddr); err != nil {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}

	// Start HTTP server
	go func() {
		logger.Info("Main", "Starting HTTP server on %s", s.cfg.HTTPAddr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	logger.Info("Main", "Server started successfully")
	return nil
}

func (s *Server) flush() {
	// Errors are logged and counted by the flusher; changes stay pending.
	_ = s.flusher.Flush(context.Background())
}

func (s *Server) sweep() {
	if s.cfg.SessionIdleTTL > 0 {
		if evicted := s.sessions.Sweep(s.cfg.SessionIdleTTL); len(evicted) > 0 {
			logger.Info("Main", "Ended %d idle sessions: %v", len(evicted), evicted)
		}
	}
	s.metrics.ActiveSessions.Store(int64(s.sessions.Count()))
}

// Shutdown stops accepting requests, then drains notifications and
// snapshots and writes the final flush.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.webrtc != nil {
		s.webrtc.Close()
	}
	httpErr := s.httpServer.Shutdown(ctx)

	s.scheduler.Stop()
	s.dispatcher.Stop(ctx)
	if s.nats != nil {
		s.nats.Close()
	}
	if s.recorder != nil {
		s.recorder.Close()
	}

	flushErr := s.flusher.Flush(ctx)
	if flushErr == nil {
		logger.Info("Main", "Final flush complete")
	}

	return errors.Join(httpErr, flushErr, s.store.Close(), s.cascades.Close())
}
