package broadcast

import (
	"github.com/google/uuid"
	"github.com/technosupport/ts-park/internal/geometry"
)

// SpaceInfo is one parking space's state on the wire.
type SpaceInfo struct {
	ID       uuid.UUID         `json:"id"`
	Name     string            `json:"name"`
	Occupied bool              `json:"occupied"`
	Plate    string            `json:"plate,omitempty"`
	TrackID  *int              `json:"track_id,omitempty"`
	Bounds   geometry.RectNorm `json:"bounds"`
}

// DetectionInfo is one detection on the wire, with its box normalized so
// viewers can overlay it at any display resolution.
type DetectionInfo struct {
	Class      string            `json:"class"`
	Confidence float64           `json:"confidence"`
	Box        geometry.RectNorm `json:"box"`
	TrackID    *int              `json:"track_id,omitempty"`
	Plate      string            `json:"plate,omitempty"`
}

// MatchedPair records which detection claimed which space this frame.
type MatchedPair struct {
	DetectionIndex int       `json:"detection_index"`
	SpaceID        uuid.UUID `json:"space_id"`
	Score          float64   `json:"score"`
}

// Metadata accompanies every broadcast frame.
type Metadata struct {
	CameraID        uuid.UUID       `json:"camera_id"`
	VehicleCount    int             `json:"vehicle_count"`
	OccupiedSpaces  int             `json:"occupied_spaces"`
	TotalSpaces     int             `json:"total_spaces"`
	Spaces          []SpaceInfo     `json:"spaces"`
	Detections      []DetectionInfo `json:"detections"`
	Pairs           []MatchedPair   `json:"pairs,omitempty"`
	TrackingEnabled bool            `json:"tracking_enabled"`
	TimestampMS     int64           `json:"timestamp_ms"`
}
