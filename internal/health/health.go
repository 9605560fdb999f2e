// SPDX-License-Identifier: MIT

// Package health provides an HTTP health check endpoint for the recording daemon.
//
// The health check exposes service status at /healthz as JSON, suitable for
// systemd watchdog, load balancer probes, or monitoring systems.
//
// A Prometheus-compatible /metrics endpoint is also served, providing
// per-service uptime, restart counts, encode-failure counts, and disk space
// gauges for fleet monitoring via Grafana/Prometheus.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ServiceInfo describes the health state of a single supervised service
// (the scheduler, an encoder worker, the control-plane server).
type ServiceInfo struct {
	Name     string        `json:"name"`
	State    string        `json:"state"`
	Uptime   time.Duration `json:"uptime_ns"`
	Healthy  bool          `json:"healthy"`
	Error    string        `json:"error,omitempty"`
	Restarts int           `json:"restarts,omitempty"` // total supervisor restarts
	Failures int           `json:"failures,omitempty"` // encode failures reported by the pool
}

// SystemInfo contains system-level health data included in the health
// response: disk space (recordings and transcodes are large and failure-prone
// under ENOSPC) and NTP sync (file-timestamp-based ordering depends on clock
// accuracy).
type SystemInfo struct {
	DiskFreeBytes  uint64 `json:"disk_free_bytes"`
	DiskTotalBytes uint64 `json:"disk_total_bytes"`
	DiskLowWarning bool   `json:"disk_low_warning,omitempty"`
	NTPSynced      bool   `json:"ntp_synced"`
	NTPMessage     string `json:"ntp_message,omitempty"`
}

// PipelineInfo summarizes the scan/batch pipeline's current activity,
// independent of any single supervised service's state.
type PipelineInfo struct {
	IsRunning        bool   `json:"is_running"`
	CurrentFile      string `json:"current_file,omitempty"`
	CurrentPhase     string `json:"current_phase"`
	PendingCount     int    `json:"pending_count"`
	ActiveBatches    int    `json:"active_batches"`
	CompletedBatches int    `json:"completed_batches"`

	// LastResourceAlert is the most recent ffmpeg worker FD/CPU/memory alert,
	// if the encoder pool has a ResourceMonitor configured and one has fired.
	LastResourceAlert string    `json:"last_resource_alert,omitempty"`
	LastAlertLevel    string    `json:"last_alert_level,omitempty"`
	LastAlertAt       time.Time `json:"last_alert_at,omitempty"`
}

// StatusProvider returns the current health status of all services.
// The daemon implements this interface to supply live data.
type StatusProvider interface {
	Services() []ServiceInfo
}

// SystemInfoProvider returns system-level health data.
// The daemon implements this interface to supply disk space and NTP info.
type SystemInfoProvider interface {
	SystemInfo() SystemInfo
}

// PipelineInfoProvider returns a snapshot of pipeline activity.
// The daemon implements this interface by combining the Scheduler's
// in-flight state with the Store's aggregate counts.
type PipelineInfoProvider interface {
	PipelineInfo() PipelineInfo
}

// Response is the JSON body returned by the health endpoint.
type Response struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Services  []ServiceInfo `json:"services"`
	Pipeline  *PipelineInfo `json:"pipeline,omitempty"`
	System    *SystemInfo   `json:"system,omitempty"`
}

// Handler serves the /healthz and /metrics endpoints.
type Handler struct {
	provider     StatusProvider
	sysProvider  SystemInfoProvider
	pipeProvider PipelineInfoProvider
}

// NewHandler creates a health check HTTP handler.
func NewHandler(provider StatusProvider) *Handler {
	return &Handler{provider: provider}
}

// WithSystemInfo attaches an optional system info provider to the handler.
// When set, disk space and NTP status are included in /healthz responses and
// /metrics output.
func (h *Handler) WithSystemInfo(p SystemInfoProvider) *Handler {
	h.sysProvider = p
	return h
}

// WithPipelineInfo attaches an optional pipeline info provider to the
// handler. When set, the /healthz response includes a "pipeline" block.
func (h *Handler) WithPipelineInfo(p PipelineInfoProvider) *Handler {
	h.pipeProvider = p
	return h
}

// ServeHTTP implements http.Handler, routing to /healthz and /metrics.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/metrics":
		h.serveMetrics(w, r)
	default:
		h.serveHealth(w, r)
	}
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := Response{
		Timestamp: time.Now(),
	}

	var services []ServiceInfo
	if h.provider != nil {
		services = h.provider.Services()
	}
	resp.Services = services

	healthy := len(services) > 0
	for _, svc := range services {
		if !svc.Healthy {
			healthy = false
			break
		}
	}

	if healthy {
		resp.Status = "healthy"
	} else {
		resp.Status = "unhealthy"
	}

	if h.pipeProvider != nil {
		pi := h.pipeProvider.PipelineInfo()
		resp.Pipeline = &pi
	}

	// Include system info when provider is wired.
	if h.sysProvider != nil {
		si := h.sysProvider.SystemInfo()
		resp.System = &si
		if si.DiskLowWarning {
			resp.Status = "degraded"
			healthy = false
		}
		if !si.NTPSynced {
			// NTP desync does not mark services unhealthy; it only turns a
			// "healthy" status into "degraded", which is then served with 503
			// like any status other than "healthy".
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy && resp.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// serveMetrics writes a Prometheus text-format metrics response.
// This implements a minimal subset of the exposition format without any
// external dependency — no prometheus/client_golang import required.
func (h *Handler) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var sb strings.Builder

	var services []ServiceInfo
	if h.provider != nil {
		services = h.provider.Services()
	}

	// Per-service metrics.
	if len(services) > 0 {
		fmt.Fprintln(&sb, "# HELP vodforge_service_healthy Is the service currently healthy (1=healthy, 0=not).")
		fmt.Fprintln(&sb, "# TYPE vodforge_service_healthy gauge")
		for _, svc := range services {
			v := 0
			if svc.Healthy {
				v = 1
			}
			fmt.Fprintf(&sb, "vodforge_service_healthy{service=%q} %d\n", svc.Name, v)
		}

		fmt.Fprintln(&sb, "# HELP vodforge_service_uptime_seconds Seconds since the service last started.")
		fmt.Fprintln(&sb, "# TYPE vodforge_service_uptime_seconds gauge")
		for _, svc := range services {
			secs := svc.Uptime.Seconds()
			fmt.Fprintf(&sb, "vodforge_service_uptime_seconds{service=%q} %.3f\n", svc.Name, secs)
		}

		fmt.Fprintln(&sb, "# HELP vodforge_service_restarts_total Total supervisor restarts for the service.")
		fmt.Fprintln(&sb, "# TYPE vodforge_service_restarts_total counter")
		for _, svc := range services {
			fmt.Fprintf(&sb, "vodforge_service_restarts_total{service=%q} %d\n", svc.Name, svc.Restarts)
		}

		fmt.Fprintln(&sb, "# HELP vodforge_encode_failures_total Total encode failures reported by the service.")
		fmt.Fprintln(&sb, "# TYPE vodforge_encode_failures_total counter")
		for _, svc := range services {
			fmt.Fprintf(&sb, "vodforge_encode_failures_total{service=%q} %d\n", svc.Name, svc.Failures)
		}
	}

	// System metrics.
	if h.sysProvider != nil {
		si := h.sysProvider.SystemInfo()

		fmt.Fprintln(&sb, "# HELP vodforge_disk_free_bytes Free bytes on the output filesystem.")
		fmt.Fprintln(&sb, "# TYPE vodforge_disk_free_bytes gauge")
		fmt.Fprintf(&sb, "vodforge_disk_free_bytes %d\n", si.DiskFreeBytes)

		fmt.Fprintln(&sb, "# HELP vodforge_disk_total_bytes Total bytes on the output filesystem.")
		fmt.Fprintln(&sb, "# TYPE vodforge_disk_total_bytes gauge")
		fmt.Fprintf(&sb, "vodforge_disk_total_bytes %d\n", si.DiskTotalBytes)

		diskLow := 0
		if si.DiskLowWarning {
			diskLow = 1
		}
		fmt.Fprintln(&sb, "# HELP vodforge_disk_low_warning 1 when free disk is below configured threshold.")
		fmt.Fprintln(&sb, "# TYPE vodforge_disk_low_warning gauge")
		fmt.Fprintf(&sb, "vodforge_disk_low_warning %d\n", diskLow)

		ntpSynced := 0
		if si.NTPSynced {
			ntpSynced = 1
		}
		fmt.Fprintln(&sb, "# HELP vodforge_ntp_synced 1 when system clock is NTP-synchronized.")
		fmt.Fprintln(&sb, "# TYPE vodforge_ntp_synced gauge")
		fmt.Fprintf(&sb, "vodforge_ntp_synced %d\n", ntpSynced)
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

// ListenAndServe starts the health check HTTP server on the given address.
// It shuts down gracefully when ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	return ListenAndServeReady(ctx, addr, handler, nil)
}

// ListenAndServeReady starts the health check HTTP server and signals
// readiness once bound. Binding happens synchronously so port-in-use errors
// surface immediately instead of only after ctx.Done(). If ready is nil,
// the function blocks as before without signaling.
func ListenAndServeReady(ctx context.Context, addr string, handler http.Handler, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	// Signal readiness now that we're bound to the port.
	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return <-errCh
}
