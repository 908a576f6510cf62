package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/technosupport/ts-park/internal/geometry"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresStore implements ConfigStore on top of the cameras /
// parking_lots / parking_spaces schema (see migrations/).
type PostgresStore struct {
	DB DBTX
}

func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{DB: db}
}

func (s *PostgresStore) ListActiveCameras(ctx context.Context) ([]Camera, error) {
	query := `
		SELECT c.id, c.name, c.parking_lot_id, c.snapshot_url,
		       c.worker_enabled, c.target_fps, c.role, c.barrier_zones
		FROM cameras c
		JOIN parking_lots l ON l.id = c.parking_lot_id
		WHERE c.worker_enabled = true AND l.active = true
		ORDER BY c.name`

	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active cameras: %w", err)
	}
	defer rows.Close()

	var cams []Camera
	for rows.Next() {
		var c Camera
		var fps sql.NullFloat64
		var zonesRaw []byte

		if err := rows.Scan(&c.ID, &c.Name, &c.ParkingLotID, &c.SnapshotURL,
			&c.WorkerEnabled, &fps, &c.Role, &zonesRaw); err != nil {
			return nil, fmt.Errorf("scan camera: %w", err)
		}
		if fps.Valid {
			c.TargetFPS = fps.Float64
		}
		if len(zonesRaw) > 0 {
			var zones []geometry.RectNorm
			if err := json.Unmarshal(zonesRaw, &zones); err == nil {
				c.BarrierZones = zones
			}
		}
		cams = append(cams, c)
	}
	return cams, rows.Err()
}

func (s *PostgresStore) ListSpaces(ctx context.Context, cameraID uuid.UUID) ([]ParkingSpace, error) {
	query := `
		SELECT id, name, parking_lot_id, camera_id,
		       bbox_x, bbox_y, bbox_w, bbox_h,
		       occupied, plate, track_id, updated_at
		FROM parking_spaces
		WHERE camera_id = $1
		ORDER BY name`

	rows, err := s.DB.QueryContext(ctx, query, cameraID)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	defer rows.Close()

	var spaces []ParkingSpace
	for rows.Next() {
		var p ParkingSpace
		var plate sql.NullString
		var trackID sql.NullInt64

		if err := rows.Scan(&p.ID, &p.Name, &p.ParkingLotID, &p.CameraID,
			&p.Bounds.X, &p.Bounds.Y, &p.Bounds.W, &p.Bounds.H,
			&p.Occupied, &plate, &trackID, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan space: %w", err)
		}
		if plate.Valid {
			p.Plate = plate.String
		}
		if trackID.Valid {
			tid := int(trackID.Int64)
			p.TrackID = &tid
		}
		spaces = append(spaces, p)
	}
	return spaces, rows.Err()
}

// UpdateSpaceOccupancy is idempotent by (spaceID, timestamp): stale writes
// (older than what the row already carries) are dropped by the WHERE clause.
func (s *PostgresStore) UpdateSpaceOccupancy(ctx context.Context, spaceID uuid.UUID, upd OccupancyUpdate) error {
	query := `
		UPDATE parking_spaces
		SET occupied = $2, plate = $3, track_id = $4, updated_at = $5
		WHERE id = $1 AND updated_at <= $5`

	var plate sql.NullString
	if upd.Plate != nil {
		plate = sql.NullString{String: *upd.Plate, Valid: true}
	}
	var trackID sql.NullInt64
	if upd.TrackID != nil {
		trackID = sql.NullInt64{Int64: int64(*upd.TrackID), Valid: true}
	}

	res, err := s.DB.ExecContext(ctx, query, spaceID, upd.Occupied, plate, trackID, upd.Timestamp)
	if err != nil {
		return fmt.Errorf("update occupancy: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Either the space is gone or a newer write already landed.
		// Both are fine for a best-effort sink.
		return nil
	}
	return nil
}
