package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/technosupport/ts-park/internal/data"
	"github.com/technosupport/ts-park/internal/geometry"
	"github.com/technosupport/ts-park/internal/plates"
	"github.com/technosupport/ts-park/internal/ratelimit"
)

// Minimum overlap between a plate reading's box and a barrier zone for the
// reading to count as "at the barrier".
const barrierZoneMinIoA = 0.5

// PlateHandler ingests plate readings from barrier cameras into the
// per-lot queues.
type PlateHandler struct {
	Cameras   *data.ConfigCache
	Registry  *plates.Registry
	Limiter   *ratelimit.Limiter
	PerMinute int
}

func NewPlateHandler(cameras *data.ConfigCache, reg *plates.Registry, limiter *ratelimit.Limiter, perMinute int) *PlateHandler {
	return &PlateHandler{
		Cameras:   cameras,
		Registry:  reg,
		Limiter:   limiter,
		PerMinute: perMinute,
	}
}

type plateRequest struct {
	Plate      string             `json:"plate"`
	Confidence float64            `json:"confidence"`
	DetectedAt *time.Time         `json:"detected_at,omitempty"`
	CameraID   string             `json:"camera_id,omitempty"`
	Box        *geometry.RectNorm `json:"box,omitempty"`
}

type plateResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	QueueLen int    `json:"queue_len"`
}

// POST /api/parking-lots/{id}/plates
func (h *PlateHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	lotID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid parking lot id", http.StatusBadRequest)
		return
	}

	if h.Limiter != nil && h.PerMinute > 0 {
		decision, err := h.Limiter.CheckRateLimit(r.Context(), "plates:"+lotID.String(), ratelimit.LimitConfig{
			Rate:   h.PerMinute,
			Window: time.Minute,
		})
		if err != nil {
			// Redis down: let readings through rather than losing them.
			log.Printf("[Plates] rate limit check failed: %v", err)
		} else if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	var req plateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Plate == "" {
		http.Error(w, "plate required", http.StatusBadRequest)
		return
	}
	if req.Confidence <= 0 || req.Confidence > 1 {
		req.Confidence = 1.0
	}

	detectedAt := time.Now()
	if req.DetectedAt != nil {
		detectedAt = *req.DetectedAt
	}

	if reason, ok := h.checkBarrierZone(r, lotID, req); !ok {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(plateResponse{
			Accepted: false,
			Reason:   reason,
			QueueLen: h.Registry.ForLot(lotID).Len(),
		})
		return
	}

	q := h.Registry.ForLot(lotID)
	q.Enqueue(req.Plate, req.Confidence, detectedAt)
	log.Printf("[Plates] queued plate for lot %s (queue=%d)", lotID, q.Len())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(plateResponse{Accepted: true, QueueLen: q.Len()})
}

// checkBarrierZone drops readings whose box falls outside the reporting
// camera's configured barrier zones. Readings without a camera or box, or
// from cameras with no zones, pass through.
func (h *PlateHandler) checkBarrierZone(r *http.Request, lotID uuid.UUID, req plateRequest) (string, bool) {
	if req.CameraID == "" || req.Box == nil {
		return "", true
	}
	cameraID, err := uuid.Parse(req.CameraID)
	if err != nil {
		return "invalid_camera_id", false
	}

	for _, cam := range h.Cameras.ActiveCameras(r.Context()) {
		if cam.ID != cameraID || cam.ParkingLotID != lotID {
			continue
		}
		if len(cam.BarrierZones) == 0 {
			return "", true
		}
		for _, zone := range cam.BarrierZones {
			if geometry.IoA(*req.Box, zone) >= barrierZoneMinIoA {
				return "", true
			}
		}
		return "outside_barrier_zone", false
	}
	// Unknown camera: accept rather than drop a real reading.
	return "", true
}
