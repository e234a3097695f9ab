package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rl1809/smart-fridge/internal/core/domain"
	"github.com/rl1809/smart-fridge/internal/core/service"
)

type StatusSource interface {
	Running() bool
	Snapshot() domain.StatusSnapshot
}

type TelemetrySource interface {
	Stats() service.BufferStats
}

type RestockSource interface {
	Latest() domain.RestockRequest
}

type AnalyticsSource interface {
	Analytics(since, until time.Time) domain.SalesAnalytics
}

// HTTPHandler serves the cabinet's local health and status surface.
type HTTPHandler struct {
	status    StatusSource
	telemetry TelemetrySource
	restock   RestockSource
	analytics AnalyticsSource
	started   time.Time
}

type StatusResponse struct {
	Status    domain.StatusSnapshot `json:"status"`
	Telemetry service.BufferStats   `json:"telemetry"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewHTTPHandler(status StatusSource, telemetry TelemetrySource, restock RestockSource, analytics AnalyticsSource) *HTTPHandler {
	return &HTTPHandler{
		status:    status,
		telemetry: telemetry,
		restock:   restock,
		analytics: analytics,
		started:   time.Now(),
	}
}

// Routes registers every endpoint on mux.
func (h *HTTPHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/readiness", h.Readiness)
	mux.HandleFunc("/status", h.Status)
	mux.HandleFunc("/restock", h.Restock)
	mux.HandleFunc("/analytics", h.Analytics)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// Readiness reports ready once the control loop is ticking. Platform
// connectivity is informational: the cabinet sells offline.
func (h *HTTPHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if !h.status.Running() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ready":              true,
		"platform_connected": h.telemetry.Stats().Connected,
	})
}

func (h *HTTPHandler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:    h.status.Snapshot(),
		Telemetry: h.telemetry.Stats(),
	})
}

func (h *HTTPHandler) Restock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.restock.Latest())
}

// Analytics accepts optional RFC 3339 since/until parameters and defaults
// to the last 24 hours.
func (h *HTTPHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	until := time.Now()
	since := until.Add(-24 * time.Hour)
	q := r.URL.Query()
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid until"})
			return
		}
		until = t
		if q.Get("since") == "" {
			since = until.Add(-24 * time.Hour)
		}
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid since"})
			return
		}
		since = t
	}
	if since.After(until) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "since is after until"})
		return
	}

	writeJSON(w, http.StatusOK, h.analytics.Analytics(since, until))
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
