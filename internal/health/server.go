package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const shutdownTimeout = 5 * time.Second

// Server exposes /healthz and /readyz.
type Server struct {
	addr     string
	provider string
	checks   Checks
	timeout  time.Duration
	http     *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithTimeout bounds the readiness checks.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithCheck registers a named readiness check.
func WithCheck(name string, check CheckFunc) Option {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// NewServer creates a probe server on addr. provider is reported in every
// response so operators can see which transport the relay is using.
func NewServer(addr, provider string, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		provider: provider,
		checks:   Checks{},
		timeout:  defaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.http = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Routes returns the probe router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.liveness)
	r.Get("/readyz", s.readiness)
	return r
}

func (s *Server) liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &Response{Status: StatusHealthy, Provider: s.provider})
}

func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	resp := runChecks(r.Context(), s.checks, s.timeout)
	resp.Provider = s.provider

	status := http.StatusOK
	if resp.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// ListenAndServe serves probes until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves probes on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("health server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		_ = s.http.Close()
	}
	<-errCh
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
