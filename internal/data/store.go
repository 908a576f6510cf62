package data

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// ConfigStore is the minimal datastore contract the pipeline consumes.
// Reads are quota-constrained; callers go through the config cache rather
// than hitting the store on the hot path.
type ConfigStore interface {
	// ListActiveCameras returns cameras with worker_enabled=true belonging
	// to active parking lots.
	ListActiveCameras(ctx context.Context) ([]Camera, error)

	// ListSpaces returns all parking spaces tied to one camera.
	ListSpaces(ctx context.Context, cameraID uuid.UUID) ([]ParkingSpace, error)

	// UpdateSpaceOccupancy persists an occupancy transition. Best-effort:
	// failures are logged by callers, never fatal.
	UpdateSpaceOccupancy(ctx context.Context, spaceID uuid.UUID, upd OccupancyUpdate) error
}
