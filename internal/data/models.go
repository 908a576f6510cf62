package data

import (
	"time"

	"github.com/google/uuid"
	"github.com/technosupport/ts-park/internal/geometry"
)

// Camera roles. Barrier cameras watch the lot entrance and feed the plate
// queue; regular cameras watch parking spaces.
const (
	CameraRoleRegular = "regular"
	CameraRoleBarrier = "barrier"
)

type ParkingLot struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Active bool      `json:"active"`
}

type Camera struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	ParkingLotID  uuid.UUID `json:"parking_lot_id"`
	SnapshotURL   string    `json:"snapshot_url"`
	WorkerEnabled bool      `json:"worker_enabled"`
	// TargetFPS overrides the global processing cap when > 0.
	TargetFPS float64 `json:"target_fps,omitempty"`
	Role      string  `json:"role"`
	// BarrierZones apply only to barrier cameras: normalized boxes used to
	// decide which detections are candidates for plate OCR.
	BarrierZones []geometry.RectNorm `json:"barrier_zones,omitempty"`
}

func (c Camera) IsBarrier() bool {
	return c.Role == CameraRoleBarrier
}

type ParkingSpace struct {
	ID           uuid.UUID         `json:"id"`
	Name         string            `json:"name"`
	ParkingLotID uuid.UUID         `json:"parking_lot_id"`
	CameraID     uuid.UUID         `json:"camera_id"`
	Bounds       geometry.RectNorm `json:"bounds"`

	// Last persisted occupancy state. The live state is owned by the
	// camera worker; these fields are what the store last saw.
	Occupied  bool      `json:"occupied"`
	Plate     string    `json:"plate,omitempty"`
	TrackID   *int      `json:"track_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OccupancyUpdate is the write half of the ConfigStore contract. Idempotent
// by (spaceID, Timestamp); best-effort.
type OccupancyUpdate struct {
	Occupied  bool
	Plate     *string
	TrackID   *int
	Timestamp time.Time
}
