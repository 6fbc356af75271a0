// Package health serves the daemon's liveness, readiness and stats
// endpoints.
package health

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/e7canasta/orion-care-classifier/internal/pool"
)

// Source is the service being reported on.
type Source interface {
	CheckHealth() bool
	GetStats() pool.Stats
}

// HealthStatus represents the health state of the classifier service
type HealthStatus struct {
	Status        string `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64  `json:"uptime_seconds"`
	WorkersUp     int    `json:"workers_up"`
	WorkersBusy   int    `json:"workers_busy"`
	WorkersTotal  int    `json:"workers_total"`
	MQTTConnected *bool  `json:"mqtt_connected,omitempty"`
}

// Server is the HTTP health check server.
type Server struct {
	src     Source
	mqtt    func() bool
	started time.Time
	srv     *http.Server
}

// NewServer creates a server for src listening on addr. mqttConnected may
// be nil when no emitter is configured.
func NewServer(addr string, src Source, mqttConnected func() bool) *Server {
	s := &Server{
		src:     src,
		mqtt:    mqttConnected,
		started: time.Now(),
	}

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the instrumented endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.LivenessHandler)
	mux.HandleFunc("GET /readiness", s.ReadinessHandler)
	mux.HandleFunc("GET /stats", s.StatsHandler)
	return otelhttp.NewHandler(mux, "health")
}

// HealthCheck returns the current health status of the service
func (s *Server) HealthCheck() HealthStatus {
	st := s.src.GetStats()

	status := HealthStatus{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		WorkersUp:     st.ReadyWorkers,
		WorkersBusy:   st.BusyWorkers,
		WorkersTotal:  st.PoolSize,
	}

	if s.mqtt != nil {
		connected := s.mqtt()
		status.MQTTConnected = &connected
	}

	switch {
	case !s.src.CheckHealth():
		status.Status = "unhealthy"
	case status.WorkersUp < status.WorkersTotal:
		status.Status = "degraded"
	case status.MQTTConnected != nil && !*status.MQTTConnected:
		status.Status = "degraded"
	}

	return status
}

// LivenessHandler handles /health (process is alive)
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// ReadinessHandler handles /readiness: 503 unless a worker can take a call
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := s.HealthCheck()

	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

// StatsHandler handles /stats (pool counters and per-worker status)
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.src.GetStats())
}

// Start binds the listener and serves in the background. Bind errors are
// returned; later serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}

	slog.Info("starting health check server",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness", "/stats"},
	)

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health check server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("health response write failed", "error", err)
	}
}
