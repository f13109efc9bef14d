// Package server exposes the recording service's HTTP surface: liveness and
// readiness probes, the Prometheus scrape endpoint, and a WebSocket feed of
// live recording status.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ryliehm/cassette/internal/health"
	"github.com/ryliehm/cassette/internal/observe"
	"github.com/ryliehm/cassette/internal/recorder"
)

// statusInterval is how often the WebSocket feed pushes a snapshot.
const statusInterval = time.Second

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// StatusSource provides snapshots of every live recording. The recorder's
// Manager is the canonical implementation.
type StatusSource interface {
	Active() []recorder.Status
}

// statusFeed is one WebSocket frame of the live status stream.
type statusFeed struct {
	Time     time.Time         `json:"time"`
	Sessions []recorder.Status `json:"sessions"`
}

// Server is the HTTP sidecar. It does not participate in the audio path;
// a stalled scrape or status client never blocks the recording engine.
type Server struct {
	addr    string
	source  StatusSource
	handler http.Handler
}

// New assembles the HTTP surface: health routes, /metrics, and /ws/status,
// all wrapped in the observability middleware.
func New(addr string, source StatusSource, h *health.Handler, m *observe.Metrics) *Server {
	s := &Server{addr: addr, source: source}

	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws/status", s.handleStatus)

	s.handler = observe.Middleware(m)(mux)
	return s
}

// Handler returns the assembled HTTP handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// handleStatus upgrades to WebSocket and streams status snapshots every
// [statusInterval] until the client goes away.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("status feed accept failed", "err", err)
		return
	}
	defer c.CloseNow()

	ctx := r.Context()
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	// First snapshot immediately so clients need not wait a full interval.
	for {
		feed := statusFeed{Time: time.Now().UTC(), Sessions: s.source.Active()}
		if err := wsjson.Write(ctx, c, feed); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				slog.Debug("status feed write failed", "err", err)
			}
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "server shutting down")
			return
		}
	}
}
