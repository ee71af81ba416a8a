// Package status serves the daemon's local control surface: health and
// readiness probes, Prometheus metrics, the pipeline state document, a
// manual listen trigger, and a WebSocket stream of session lifecycle
// events. It binds to loopback by default; nothing here is an external
// API.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fablehome/fablewake/internal/fallback"
	"github.com/fablehome/fablewake/internal/health"
	"github.com/fablehome/fablewake/internal/monitor"
	"github.com/fablehome/fablewake/internal/observe"
	"github.com/fablehome/fablewake/internal/orchestrator"
)

const (
	// triggerTimeout bounds the handoff of a manual trigger to the
	// pipeline loop.
	triggerTimeout = 2 * time.Second

	// eventWriteTimeout bounds one event write; a client that cannot keep
	// up loses the connection rather than stalling the stream.
	eventWriteTimeout = 5 * time.Second

	// shutdownTimeout is how long Run waits for in-flight requests before
	// closing connections hard.
	shutdownTimeout = 5 * time.Second
)

// Pipeline is the orchestrator surface the status server exposes.
type Pipeline interface {
	State() string
	Armed() bool
	DegradedReasons() []fallback.Reason
	TriggerListen(ctx context.Context) error
	Subscribe() (<-chan orchestrator.Event, func())
}

// Vitals is the resource monitor surface reported under /v1/state.
type Vitals interface {
	Pressure() monitor.Level
	Sample() monitor.Snapshot
}

// Config shapes the status server.
type Config struct {
	// Listen is the TCP address to bind.
	Listen string

	// MetricsEnabled mounts the Prometheus endpoint at /metrics.
	MetricsEnabled bool

	// Version is reported in /v1/state.
	Version string
}

// Server is the daemon's status and event HTTP server.
type Server struct {
	cfg    Config
	pipe   Pipeline
	vitals Vitals

	checks  *health.Handler
	metrics *observe.Metrics
	ingest  http.Handler

	started time.Time
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts the health handler's probe routes.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.checks = h }
}

// WithMetrics wraps all routes in the observability middleware and enables
// the /metrics endpoint when the config asks for it.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithSatelliteIngest mounts h at /v1/satellite. Used only when the audio
// source is a satellite.
func WithSatelliteIngest(h http.Handler) Option {
	return func(s *Server) { s.ingest = h }
}

// New creates a status server. Call [Server.Run] to serve.
func New(cfg Config, pipe Pipeline, vitals Vitals, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		pipe:    pipe,
		vitals:  vitals,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the composed handler for all status routes. Exposed so
// tests can serve it without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.checks != nil {
		s.checks.Register(mux)
	}
	if s.cfg.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	mux.HandleFunc("GET /v1/state", s.handleState)
	mux.HandleFunc("POST /v1/trigger", s.handleTrigger)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	if s.ingest != nil {
		mux.Handle("GET /v1/satellite", s.ingest)
	}

	if s.metrics != nil {
		return observe.Middleware(s.metrics)(mux)
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully. Open event
// streams end when ctx does: the server's base context is the run context,
// so every request context is cancelled with it.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("status: listen %s: %w", s.cfg.Listen, err)
	}
	slog.Info("status server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			srv.Close()
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status: serve: %w", err)
	}
}

// stateResponse is the /v1/state document.
type stateResponse struct {
	State           string     `json:"state"`
	Armed           bool       `json:"armed"`
	Degraded        bool       `json:"degraded"`
	DegradedReasons []string   `json:"degraded_reasons,omitempty"`
	Pressure        string     `json:"pressure"`
	Memory          memoryInfo `json:"memory"`
	UptimeSeconds   float64    `json:"uptime_seconds"`
	Version         string     `json:"version,omitempty"`
}

type memoryInfo struct {
	UsedBytes  uint64  `json:"used_bytes"`
	TotalBytes uint64  `json:"total_bytes"`
	Fraction   float64 `json:"fraction"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	reasons := s.pipe.DegradedReasons()
	strs := make([]string, len(reasons))
	for i, reason := range reasons {
		strs[i] = string(reason)
	}

	sample := s.vitals.Sample()
	resp := stateResponse{
		State:           s.pipe.State(),
		Armed:           s.pipe.Armed(),
		Degraded:        len(reasons) > 0,
		DegradedReasons: strs,
		Pressure:        s.vitals.Pressure().String(),
		Memory: memoryInfo{
			UsedBytes:  sample.MemUsedBytes,
			TotalBytes: sample.MemTotalBytes,
			Fraction:   sample.MemFraction,
		},
		UptimeSeconds: time.Since(s.started).Seconds(),
		Version:       s.cfg.Version,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), triggerTimeout)
	defer cancel()

	err := s.pipe.TriggerListen(ctx)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "listening"})
	case errors.Is(err, orchestrator.ErrCannotListen):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	}
}

// handleEvents streams pipeline events over a WebSocket. The connection is
// one-way: reads are discarded via CloseRead, which also cancels the
// context when the client goes away. Events the subscriber buffer already
// dropped are gone; this endpoint reports what is happening, not a journal.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("status: event stream accept failed", "error", err)
		return
	}

	events, cancel := s.pipe.Subscribe()
	defer cancel()

	ctx := c.CloseRead(r.Context())
	slog.Debug("status: event stream opened")

	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			slog.Debug("status: event stream closed")
			return
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Error("status: marshal event", "error", err)
				continue
			}
			wctx, wcancel := context.WithTimeout(ctx, eventWriteTimeout)
			err = c.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				slog.Debug("status: event stream write failed", "error", err)
				c.Close(websocket.StatusPolicyViolation, "write timeout")
				return
			}
		}
	}
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("status: encode response", "error", err)
	}
}
