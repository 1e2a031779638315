// Package api provides the HTTP server for SoilPipe.
//
// It exposes the sensor upload endpoint, the inbound SMS webhook, a read-only SMS log
// per farmer, a health check and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/SoilPipe/internal/conversation"
	"github.com/BTreeMap/SoilPipe/internal/ingest"
	"github.com/BTreeMap/SoilPipe/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server configuration constants
const (
	// DefaultAPIAddr is the listen address used when none is configured.
	DefaultAPIAddr = ":8080"
	// DefaultReadHeaderTimeout bounds how long a client may take to send headers.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 15 * time.Second
	// MaxRequestBodyBytes caps upload and webhook bodies.
	MaxRequestBodyBytes = 1 << 20
)

// Ingester runs the sensor upload pipeline.
type Ingester interface {
	Ingest(ctx context.Context, token string, req ingest.Request) (ingest.Result, error)
}

// InboundHandler runs the SMS conversation.
type InboundHandler interface {
	HandleInbound(ctx context.Context, from, content string) (conversation.Result, error)
}

// LogReader reads farmers and their SMS log.
type LogReader interface {
	FarmerByID(ctx context.Context, id string) (models.Farmer, error)
	MessageLogs(ctx context.Context, farmerID string) ([]models.MessageLogEntry, error)
}

// Opts holds configuration options for the Server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server holds the HTTP handlers' collaborators.
type Server struct {
	deps     Deps
	validate *validator.Validate
	addr     string
}

// Deps groups the collaborators the handlers need.
type Deps struct {
	Ingest  Ingester
	Inbound InboundHandler
	Logs    LogReader
}

// NewServer creates a Server.
func NewServer(deps Deps, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAPIAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAPIAddr
	}
	return &Server{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		addr:     cfg.Addr,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ingest", s.ingestHandler)
	mux.HandleFunc("POST /api/soil/upload", s.ingestHandler)
	mux.HandleFunc("POST /sms/receive", s.smsReceiveHandler)
	mux.HandleFunc("POST /api/sms/receive", s.smsReceiveHandler)
	mux.HandleFunc("GET /farmers/{id}/messages", s.messagesHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("Server.Run: server failed", "error", err)
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: graceful shutdown failed", "error", err)
		return err
	}
	return nil
}
