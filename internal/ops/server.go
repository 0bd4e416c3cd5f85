// Package ops exposes the operational HTTP surface of the detector daemon:
// health probes for orchestration and a status endpoint with live pipeline
// counters. It is an internal port, never exposed to the public network.
package ops

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"riverwatch/internal/metrics"
	"riverwatch/internal/types"
)

// healthCheckTimeout bounds the total time spent on all health probes.
const healthCheckTimeout = 2 * time.Second

// HealthProbe is a subsystem health check. Each probe represents a
// dependency (database, queue, broker) that must be reachable for the
// detector to do useful work.
type HealthProbe interface {
	// Name identifies the probe in the health response ("database", "queue").
	Name() string

	// Check must respect the context deadline and return an error when the
	// subsystem is unhealthy.
	Check(ctx context.Context) error
}

// PipelineStats is the subset of pipeline state the status endpoint reads.
type PipelineStats interface {
	OpenBuckets() int
}

// Server serves the ops endpoints on a chi router.
type Server struct {
	probes    []HealthProbe
	stats     PipelineStats
	latency   *metrics.LatencyTimeline
	logger    types.Logger
	clock     types.Clock
	startedAt time.Time
	version   string

	router *chi.Mux
}

// NewServer builds the ops router. stats and latency may be nil when the
// hosting process has no pipeline (the status endpoint then omits those
// sections).
func NewServer(probes []HealthProbe, stats PipelineStats, latency *metrics.LatencyTimeline, version string, logger types.Logger, clock types.Clock) *Server {
	s := &Server{
		probes:    probes,
		stats:     stats,
		latency:   latency,
		logger:    logger,
		clock:     clock,
		startedAt: clock.Now(),
		version:   version,
		router:    chi.NewRouter(),
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/status", s.handleStatus)
	return s
}

// Handler returns the router for http.Server wiring.
func (s *Server) Handler() http.Handler {
	return s.router
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// handleHealth runs every probe concurrently under a shared deadline.
// Returns 200 when all probes pass, 503 when any fails or times out.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if len(s.probes) == 0 {
		writeJSON(w, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	type probeResult struct {
		name string
		err  error
	}

	var (
		mu      sync.Mutex
		results = make(map[string]probeResult, len(s.probes))
		wg      sync.WaitGroup
	)

	for _, probe := range s.probes {
		wg.Add(1)
		go func(p HealthProbe) {
			defer wg.Done()

			var err error
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						err = fmt.Errorf("probe panicked: %v", rec)
					}
				}()
				err = p.Check(ctx)
			}()

			mu.Lock()
			results[p.Name()] = probeResult{name: p.Name(), err: err}
			mu.Unlock()
		}(probe)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Probes still running are reported as timed out.
	}

	mu.Lock()
	collected := make(map[string]probeResult, len(results))
	for name, res := range results {
		collected[name] = res
	}
	mu.Unlock()

	components := make(map[string]componentStatus, len(s.probes))
	allHealthy := true

	for _, probe := range s.probes {
		name := probe.Name()
		res, ok := collected[name]
		switch {
		case !ok:
			allHealthy = false
			components[name] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case res.err != nil:
			allHealthy = false
			components[name] = componentStatus{Status: "unhealthy", Message: res.err.Error()}
		default:
			components[name] = componentStatus{Status: "healthy"}
		}
	}

	resp := healthResponse{Components: components}
	if allHealthy {
		resp.Status = "healthy"
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.Status = "unhealthy"
	writeJSON(w, http.StatusServiceUnavailable, resp)
}

type statusResponse struct {
	Version       string                  `json:"version"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	OpenBuckets   *int                    `json:"open_buckets,omitempty"`
	AlertLatency  *metrics.LatencySummary `json:"alert_latency,omitempty"`
}

// handleStatus reports build info and live pipeline counters.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:       s.version,
		UptimeSeconds: int64(s.clock.Now().Sub(s.startedAt).Seconds()),
	}

	if s.stats != nil {
		open := s.stats.OpenBuckets()
		resp.OpenBuckets = &open
	}
	if s.latency != nil {
		summary := s.latency.Summary()
		resp.AlertLatency = &summary
	}

	writeJSON(w, http.StatusOK, resp)
}
