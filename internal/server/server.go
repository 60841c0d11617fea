// File: internal/server/server.go
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/plantscan/internal/classifier"
	"github.com/xkilldash9x/plantscan/internal/config"
	"github.com/xkilldash9x/plantscan/internal/pipeline"
	"github.com/xkilldash9x/plantscan/internal/store"
)

const defaultShutdownTimeout = 30 * time.Second

// CaptureRunner runs one capture-and-analyze session.
type CaptureRunner interface {
	Run(ctx context.Context) pipeline.Outcome
}

// Detector classifies images supplied by API clients.
type Detector interface {
	Classify(ctx context.Context, req classifier.Request) (classifier.Result, error)
	ClassifyImage(ctx context.Context, filename string, image io.Reader) (classifier.Result, error)
}

// History lists past captures.
type History interface {
	RecentCaptures(ctx context.Context, limit int) ([]store.CaptureRecord, error)
}

// Server is the HTTP front end for capture and classification.
type Server struct {
	cfg         config.ServerConfig
	capture     CaptureRunner
	detector    Detector
	history     History
	capturesDir string
	limiter     *rate.Limiter
	logger      *zap.Logger
	httpServer  *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithHistory enables the capture history endpoint.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithCapturesDir serves the capture agent's artifacts under /captures/.
func WithCapturesDir(dir string) Option {
	return func(s *Server) { s.capturesDir = dir }
}

// New creates the server. It does not start listening.
func New(cfg config.ServerConfig, capture CaptureRunner, detector Detector, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		capture:  capture,
		detector: detector,
		logger:   logger.Named("server"),
	}
	if cfg.CaptureRateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.CaptureRateLimit), cfg.CaptureBurst)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the routing tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealthCheck)

	// Camera routes are not under the request timeout: the pipeline bounds its
	// own lease wait, agent run and classification.
	r.Route("/api/v1/camera", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Get("/capture", s.handleCapture)
		r.Post("/scan", s.handleCapture)
	})

	r.Group(func(r chi.Router) {
		if s.cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))
		}
		r.Post("/api/v1/ai/detect", s.handleDetect)
		r.Get("/api/v1/captures", s.handleHistory)

		if s.cfg.ServeCaptures && s.capturesDir != "" {
			s.mountCaptures(r)
		}
	})
	return r
}

func (s *Server) mountCaptures(r chi.Router) {
	absPath, err := filepath.Abs(s.capturesDir)
	if err != nil {
		s.logger.Warn("Failed to resolve captures directory; captures will not be served", zap.Error(err), zap.String("path", s.capturesDir))
		return
	}
	if info, err := os.Stat(absPath); err != nil || !info.IsDir() {
		s.logger.Warn("Captures directory does not exist; captures will not be served", zap.String("path", absPath))
		return
	}
	s.logger.Info("Serving capture artifacts", zap.String("path", absPath))
	fs := http.StripPrefix("/captures/", http.FileServer(http.Dir(absPath)))
	r.Handle("/captures/*", noDirectoryListing(fs))
}

// Start listens on the configured address and serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		s.logger.Info("HTTP server starting", zap.String("address", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server gracefully...")
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return <-errCh
}
