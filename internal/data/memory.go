package data

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process ConfigStore used for tests and for running
// the pipeline without Postgres (store.driver: memory).
type MemoryStore struct {
	mu      sync.RWMutex
	lots    map[uuid.UUID]ParkingLot
	cameras map[uuid.UUID]Camera
	spaces  map[uuid.UUID]ParkingSpace
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lots:    make(map[uuid.UUID]ParkingLot),
		cameras: make(map[uuid.UUID]Camera),
		spaces:  make(map[uuid.UUID]ParkingSpace),
	}
}

func (s *MemoryStore) PutLot(l ParkingLot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lots[l.ID] = l
}

func (s *MemoryStore) PutCamera(c Camera) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cameras[c.ID] = c
}

func (s *MemoryStore) RemoveCamera(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cameras, id)
}

func (s *MemoryStore) PutSpace(p ParkingSpace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spaces[p.ID] = p
}

func (s *MemoryStore) GetSpace(id uuid.UUID) (ParkingSpace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.spaces[id]
	return p, ok
}

func (s *MemoryStore) ListActiveCameras(ctx context.Context) ([]Camera, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Camera
	for _, c := range s.cameras {
		if !c.WorkerEnabled {
			continue
		}
		if lot, ok := s.lots[c.ParkingLotID]; ok && !lot.Active {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *MemoryStore) ListSpaces(ctx context.Context, cameraID uuid.UUID) ([]ParkingSpace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ParkingSpace
	for _, p := range s.spaces {
		if p.CameraID == cameraID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateSpaceOccupancy(ctx context.Context, spaceID uuid.UUID, upd OccupancyUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.spaces[spaceID]
	if !ok {
		return ErrNotFound
	}
	if upd.Timestamp.Before(p.UpdatedAt) {
		return nil // stale write, idempotency by (spaceID, timestamp)
	}
	p.Occupied = upd.Occupied
	p.Plate = ""
	if upd.Plate != nil {
		p.Plate = *upd.Plate
	}
	p.TrackID = upd.TrackID
	p.UpdatedAt = upd.Timestamp
	s.spaces[spaceID] = p
	return nil
}
