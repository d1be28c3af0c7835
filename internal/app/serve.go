package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"daysync/internal/backend"
	"daysync/internal/broadcast"
	"daysync/internal/config"
	"daysync/internal/daysync"
	"daysync/internal/metrics"
	"daysync/internal/remote"
)

const shutdownTimeout = 10 * time.Second

// Server hosts the reference remote API, the websocket broadcast relay and
// the metrics endpoint on one listener.
//
//	/v1/tenants/...   remote API (JWT-protected when a token secret is set)
//	/v1/broadcast     websocket relay
//	/metrics          Prometheus scrape endpoint
//	/healthz          liveness
type Server struct {
	cfg       *config.Config
	logger    daysync.Logger
	logFile   *os.File
	backend   daysync.Backend
	hub       *broadcast.Hub
	collector *metrics.Collector
	handler   http.Handler
}

// NewServer creates a Server from cfg. Remote data is kept in a SQLite
// database under cfg.Server.DataDir. The caller must call Close when done.
func NewServer(cfg *config.Config, verbose bool, stderr io.Writer) (*Server, error) {
	if stderr == nil {
		stderr = os.Stderr
	}
	if cfg.Server.DataDir == "" {
		return nil, fmt.Errorf("server data_dir must be set")
	}
	if err := os.MkdirAll(cfg.Server.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating server data directory: %w", err)
	}

	l, logFile, err := newLogger(cfg.LogDir, "server", verbose, stderr)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: l}

	be, err := backend.NewSQLiteBackend(filepath.Join(cfg.Server.DataDir, "remote.db"), 0)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating server backend: %w", err)
	}

	var tokens *remote.TokenManager
	if cfg.Server.TokenSecret != "" {
		tokens = remote.NewTokenManager(cfg.Server.TokenSecret, remote.DefaultTokenTTL)
	} else {
		logger.Warn("no token secret configured, remote API accepts unauthenticated requests")
	}

	collector := metrics.NewCollector(true)
	hub := broadcast.NewHub(logger)

	mux := http.NewServeMux()
	mux.Handle("/v1/broadcast", hub)
	mux.Handle("/metrics", collector.Handler())
	mux.Handle("/", remote.NewServer(be, tokens, logger, collector))

	return &Server{
		cfg:       cfg,
		logger:    logger,
		logFile:   logFile,
		backend:   be,
		hub:       hub,
		collector: collector,
		handler:   mux,
	}, nil
}

// Handler returns the combined HTTP handler. The broadcast relay only
// accepts clients while Run is active.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves on cfg.Server.Addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serving", "addr", s.cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	stopHub()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

// RunHub runs only the broadcast relay until ctx is cancelled. It is used
// when the handler is mounted on a listener the caller owns.
func (s *Server) RunHub(ctx context.Context) {
	s.hub.Run(ctx)
}

// Close releases the backend and the log file.
func (s *Server) Close() error {
	var firstErr error
	if err := s.backend.Close(); err != nil {
		firstErr = fmt.Errorf("closing backend: %w", err)
	}
	if s.logFile != nil {
		s.logFile.Close()
	}
	return firstErr
}
