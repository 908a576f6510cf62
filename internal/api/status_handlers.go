package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-park/internal/broadcast"
	"github.com/technosupport/ts-park/internal/live"
	"github.com/technosupport/ts-park/internal/worker"
)

// WorkerStatusSource is implemented by the worker supervisor.
type WorkerStatusSource interface {
	Statuses() []worker.Status
}

type StatusHandler struct {
	Workers   WorkerStatusSource
	Hub       *broadcast.Hub
	Cache     *live.Cache
	StartedAt time.Time
}

func NewStatusHandler(workers WorkerStatusSource, hub *broadcast.Hub, cache *live.Cache) *StatusHandler {
	return &StatusHandler{
		Workers:   workers,
		Hub:       hub,
		Cache:     cache,
		StartedAt: time.Now(),
	}
}

// GET /api/healthz
func (h *StatusHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	var workers []worker.Status
	if h.Workers != nil {
		workers = h.Workers.Statuses()
	}
	if workers == nil {
		workers = []worker.Status{}
	}

	resp := map[string]interface{}{
		"status":       "ok",
		"uptime_sec":   int64(time.Since(h.StartedAt).Seconds()),
		"workers":      workers,
		"viewers":      h.Hub.TotalViewers(),
		"broadcasters": h.Hub.CameraCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GET /api/cameras/{id}/detections/latest
func (h *StatusHandler) GetLatestDetection(w http.ResponseWriter, r *http.Request) {
	cameraID, err := uuid.Parse(getCameraID(r))
	if err != nil {
		http.Error(w, "invalid camera id", http.StatusBadRequest)
		return
	}

	meta, ageMS, err := h.latest(r, cameraID)
	if err != nil {
		if errors.Is(err, live.ErrNoData) {
			http.Error(w, "no recent detection data", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to read detection data", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"metadata": meta,
		"age_ms":   ageMS,
	})
}

func (h *StatusHandler) latest(r *http.Request, cameraID uuid.UUID) (broadcast.Metadata, int64, error) {
	if h.Cache != nil {
		meta, ageMS, err := h.Cache.Latest(r.Context(), cameraID)
		if err == nil || !errors.Is(err, live.ErrNoData) {
			return meta, ageMS, err
		}
	}

	// No Redis (or nothing cached): fall back to the in-process hub.
	if b, ok := h.Hub.Lookup(cameraID); ok {
		if f := b.Latest(); f != nil {
			ageMS := time.Now().UnixMilli() - f.Meta.TimestampMS
			if ageMS < 0 {
				ageMS = 0
			}
			return f.Meta, ageMS, nil
		}
	}
	return broadcast.Metadata{}, 0, live.ErrNoData
}
