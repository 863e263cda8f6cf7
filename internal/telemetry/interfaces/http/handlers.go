package telemetryhttp

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"nordic-pulse/internal/telemetry/application/ingest"
	telemetry "nordic-pulse/internal/telemetry/domain"
)

const timeLayout = time.RFC3339Nano

// StateReporter exposes the ingestion loop state.
type StateReporter interface {
	State() ingest.State
}

// LatestReader reads the newest cached record of a device.
type LatestReader interface {
	Latest(ctx context.Context, deviceID string) (telemetry.Record, bool, error)
}

// HealthHandler reports the loop state. Idle and stopped loops are unhealthy.
type HealthHandler struct {
	loop StateReporter
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(loop StateReporter) *HealthHandler {
	return &HealthHandler{loop: loop}
}

// ServeHTTP handles GET /healthz.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.loop == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	state := h.loop.State()
	status := http.StatusOK
	if state == ingest.StateStopped || state == ingest.StateIdle {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(state.String()))
}

// LatestHandler serves the newest reading of one device from the cache.
type LatestHandler struct {
	cache  LatestReader
	logger *log.Logger
}

// NewLatestHandler constructs a LatestHandler.
func NewLatestHandler(cache LatestReader, logger *log.Logger) (*LatestHandler, error) {
	if cache == nil {
		return nil, errors.New("latest handler: nil cache")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &LatestHandler{cache: cache, logger: logger}, nil
}

type latestResponse struct {
	DeviceID   string  `json:"device_id"`
	DeviceType string  `json:"device_type"`
	Timestamp  string  `json:"timestamp"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit"`
	Location   string  `json:"location"`
}

// ServeHTTP handles GET /api/v1/devices/latest?device_id=...
func (h *LatestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}

	record, ok, err := h.cache.Latest(r.Context(), deviceID)
	if err != nil {
		h.logger.Printf("latest handler: read error: device=%s err=%v", deviceID, err)
		http.Error(w, "cache read error", http.StatusBadGateway)
		return
	}
	if !ok {
		http.Error(w, "no reading for device", http.StatusNotFound)
		return
	}

	resp := latestResponse{
		DeviceID:   record.DeviceID,
		DeviceType: record.DeviceType.String(),
		Timestamp:  record.Timestamp.UTC().Format(timeLayout),
		Value:      record.Value,
		Unit:       record.Unit,
		Location:   record.Location,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
