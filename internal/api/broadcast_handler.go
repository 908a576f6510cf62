package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-park/internal/broadcast"
	"github.com/technosupport/ts-park/internal/live"
)

// MetadataCache is the optional Redis-backed latest-detection cache.
type MetadataCache interface {
	StoreLatest(ctx context.Context, meta broadcast.Metadata) error
}

// BroadcastHandler is the frame ingress: camera workers (in-process or
// running on another box) POST annotated frames here and the hub fans them
// out to WebSocket viewers.
type BroadcastHandler struct {
	Hub   *broadcast.Hub
	Cache MetadataCache
}

func NewBroadcastHandler(hub *broadcast.Hub, cache MetadataCache) *BroadcastHandler {
	return &BroadcastHandler{Hub: hub, Cache: cache}
}

type broadcastRequest struct {
	CameraID    string             `json:"camera_id"`
	FrameBase64 string             `json:"frame_base64"`
	Metadata    broadcast.Metadata `json:"metadata"`
}

type broadcastResponse struct {
	Success   bool      `json:"success"`
	Viewers   int       `json:"viewers"`
	CameraID  uuid.UUID `json:"camera_id"`
	FrameSize int       `json:"frame_size"`
	Timestamp int64     `json:"timestamp"`
}

// POST /api/broadcast-detection
func (h *BroadcastHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	cameraID, err := uuid.Parse(req.CameraID)
	if err != nil {
		http.Error(w, "invalid camera id", http.StatusBadRequest)
		return
	}
	if req.FrameBase64 == "" {
		http.Error(w, "frame_base64 required", http.StatusBadRequest)
		return
	}

	jpeg, err := base64.StdEncoding.DecodeString(req.FrameBase64)
	if err != nil {
		http.Error(w, "frame_base64 is not valid base64", http.StatusBadRequest)
		return
	}

	meta := req.Metadata
	meta.CameraID = cameraID
	if meta.TimestampMS == 0 {
		meta.TimestampMS = time.Now().UnixMilli()
	}

	b := h.Hub.Get(cameraID)
	b.Publish(jpeg, meta)

	if h.Cache != nil {
		if err := h.Cache.StoreLatest(r.Context(), meta); err != nil {
			// Cache misses only degrade the REST snapshot, not the stream.
			log.Printf("[Broadcast] cache store failed for %s: %v", cameraID, err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(broadcastResponse{
		Success:   true,
		Viewers:   b.ViewerCount(),
		CameraID:  cameraID,
		FrameSize: len(jpeg),
		Timestamp: meta.TimestampMS,
	})
}

var _ MetadataCache = (*live.Cache)(nil)
