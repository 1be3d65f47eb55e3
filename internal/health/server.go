package health

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/doramirdor/friday-stream/internal/observe"
)

// Server hosts the observability listener: probe endpoints from a
// [Handler] plus the Prometheus /metrics scrape endpoint, all wrapped in
// the request-metrics middleware.
type Server struct {
	handler *Handler
	srv     *http.Server
}

// NewServer creates a Server listening on addr.
func NewServer(addr string, h *Handler) *Server {
	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &Server{
		handler: h,
		srv: &http.Server{
			Addr:         addr,
			Handler:      observe.Middleware(observe.DefaultMetrics())(mux),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Handler returns the probe handler so callers can feed it state updates.
func (s *Server) Handler() *Handler { return s.handler }

// Run serves until ctx is cancelled, then shuts down gracefully. It
// returns the first serve or shutdown failure, or nil on a clean stop.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("observability listener started", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
