package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// ServerConfig configures the probe server.
type ServerConfig struct {
	Port    int
	State   *State
	Metrics http.Handler // served at /metrics when set
	Logger  *slog.Logger
}

// Server exposes /health, /ready and /metrics.
type Server struct {
	port    int
	state   *State
	metrics http.Handler
	logger  *slog.Logger
	server  *http.Server
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		port:    cfg.Port,
		state:   cfg.State,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the probe mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// Start serves probes until ctx is cancelled, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("health server listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("health server starting", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("health server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("health server: %w", err)
	}
}

type probeResponse struct {
	Status     string `json:"status"`
	Connection string `json:"connection"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.state.Live() {
		writeProbe(w, http.StatusServiceUnavailable, probeResponse{Status: "unhealthy", Connection: s.state.Connection().String()})
		return
	}
	writeProbe(w, http.StatusOK, probeResponse{Status: "healthy", Connection: s.state.Connection().String()})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.state.Ready() {
		writeProbe(w, http.StatusServiceUnavailable, probeResponse{Status: "not ready", Connection: s.state.Connection().String()})
		return
	}
	writeProbe(w, http.StatusOK, probeResponse{Status: "ready", Connection: s.state.Connection().String()})
}

func writeProbe(w http.ResponseWriter, code int, body probeResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
