// SPDX-License-Identifier: MIT

// Package controlplane provides the daemon's JSON administrative API:
// pipeline stats, file/history browsing and deletion, live config
// read/update, and a manual trigger. It mirrors the predecessor daemon's
// DashboardController/FileController/HistoryController/SystemController
// endpoints on a single net/http.ServeMux, the same routing idiom
// internal/health uses.
package controlplane

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/vodforge/vodforge/internal/config"
	"github.com/vodforge/vodforge/internal/store"
)

// StatsProvider supplies the aggregate pipeline counts for GET /api/stats.
type StatsProvider interface {
	Counts(ctx context.Context) (store.PipelineCounts, error)
}

// FilesProvider supplies GET /api/files and DELETE /api/files/{id}.
type FilesProvider interface {
	ListAllPendingFiles(ctx context.Context) ([]store.PendingFile, error)
	DeletePendingFile(ctx context.Context, id int64) error
}

// HistoryProvider supplies GET /api/history and DELETE /api/history/{id}.
type HistoryProvider interface {
	ListBatches(ctx context.Context) ([]store.Batch, error)
	DeleteBatch(ctx context.Context, id int64) error
}

// ConfigProvider supplies GET/PUT /api/config. UpdateConfig validates,
// persists, and applies cfg in that order, returning an error if any step
// fails.
type ConfigProvider interface {
	Config() *config.Config
	UpdateConfig(ctx context.Context, cfg *config.Config) error
}

// Triggerer supplies POST /api/trigger. Implemented by *scheduler.Scheduler.
type Triggerer interface {
	Trigger(ctx context.Context)
}

// Handler serves the control-plane API. Any provider left nil responds to
// its endpoints with 503, so a partially-wired daemon (e.g. during tests)
// degrades per-endpoint rather than panicking.
type Handler struct {
	stats   StatsProvider
	files   FilesProvider
	history HistoryProvider
	cfg     ConfigProvider
	trigger Triggerer

	mux *http.ServeMux
}

// NewHandler builds the control-plane API handler and registers its routes.
func NewHandler(stats StatsProvider, files FilesProvider, history HistoryProvider, cfg ConfigProvider, trigger Triggerer) *Handler {
	h := &Handler{stats: stats, files: files, history: history, cfg: cfg, trigger: trigger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stats", h.handleStats)
	mux.HandleFunc("GET /api/files", h.handleListFiles)
	mux.HandleFunc("DELETE /api/files/{id}", h.handleDeleteFile)
	mux.HandleFunc("GET /api/history", h.handleListHistory)
	mux.HandleFunc("DELETE /api/history/{id}", h.handleDeleteHistory)
	mux.HandleFunc("GET /api/config", h.handleGetConfig)
	mux.HandleFunc("PUT /api/config", h.handlePutConfig)
	mux.HandleFunc("POST /api/trigger", h.handleTrigger)
	h.mux = mux

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// writeResult is the {ok, message} envelope spec.md §7 requires for every
// write endpoint.
type writeResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, writeResult{OK: true, Message: message})
}

func writeFail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, writeResult{OK: false, Message: message})
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		writeFail(w, http.StatusServiceUnavailable, "stats provider not configured")
		return
	}
	counts, err := h.stats.Counts(r.Context())
	if err != nil {
		writeFail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *Handler) handleListFiles(w http.ResponseWriter, r *http.Request) {
	if h.files == nil {
		writeFail(w, http.StatusServiceUnavailable, "files provider not configured")
		return
	}
	files, err := h.files.ListAllPendingFiles(r.Context())
	if err != nil {
		writeFail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (h *Handler) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if h.files == nil {
		writeFail(w, http.StatusServiceUnavailable, "files provider not configured")
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeFail(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.files.DeletePendingFile(r.Context(), id); err != nil {
		writeFail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, "file deleted")
}

func (h *Handler) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeFail(w, http.StatusServiceUnavailable, "history provider not configured")
		return
	}
	batches, err := h.history.ListBatches(r.Context())
	if err != nil {
		writeFail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

func (h *Handler) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeFail(w, http.StatusServiceUnavailable, "history provider not configured")
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeFail(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.history.DeleteBatch(r.Context(), id); err != nil {
		writeFail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, "history entry deleted")
}

func (h *Handler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if h.cfg == nil {
		writeFail(w, http.StatusServiceUnavailable, "config provider not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.cfg.Config())
}

func (h *Handler) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	if h.cfg == nil {
		writeFail(w, http.StatusServiceUnavailable, "config provider not configured")
		return
	}

	var cfg config.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid config body: "+err.Error())
		return
	}
	if err := h.cfg.UpdateConfig(r.Context(), &cfg); err != nil {
		writeFail(w, http.StatusBadRequest, err.Error())
		return
	}
	writeOK(w, "config updated")
}

func (h *Handler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if h.trigger == nil {
		writeFail(w, http.StatusServiceUnavailable, "trigger not configured")
		return
	}
	h.trigger.Trigger(r.Context())
	writeOK(w, "cycle triggered")
}

// ListenAndServeReady starts the control-plane HTTP server and signals
// readiness once bound, matching internal/health's ListenAndServeReady so
// both servers fail fast on a port conflict instead of hiding it in a
// goroutine.
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
