package data

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-park/internal/metrics"
)

type snapshot struct {
	cameras     []Camera
	spacesByCam map[uuid.UUID][]ParkingSpace
	loadedAt    time.Time
}

// ConfigCache serves camera and space config from an in-memory snapshot,
// refreshed lazily when a read finds it older than the TTL. The backing
// store is read at most once per interval no matter how hot the read path
// is. Readers get the current snapshot without blocking a refresher: the
// snapshot pointer is swapped atomically.
type ConfigCache struct {
	store ConfigStore
	ttl   time.Duration

	// refreshMu serializes refreshes; snap is read lock-free.
	refreshMu sync.Mutex
	snap      atomic.Pointer[snapshot]
}

func NewConfigCache(store ConfigStore, ttl time.Duration) *ConfigCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ConfigCache{store: store, ttl: ttl}
}

// ActiveCameras returns worker-enabled cameras in active lots. On a failed
// first load it returns nil; callers treat that as "no work" and come back
// after the interval.
func (c *ConfigCache) ActiveCameras(ctx context.Context) []Camera {
	return c.current(ctx).cameras
}

// SpacesForCamera returns the camera's spaces from the snapshot. The slice
// is shared and must be treated as read-only.
func (c *ConfigCache) SpacesForCamera(ctx context.Context, cameraID uuid.UUID) []ParkingSpace {
	return c.current(ctx).spacesByCam[cameraID]
}

// Invalidate forces the next read to refresh.
func (c *ConfigCache) Invalidate() {
	if s := c.snap.Load(); s != nil {
		stale := *s
		stale.loadedAt = time.Time{}
		c.snap.Store(&stale)
	}
}

func (c *ConfigCache) current(ctx context.Context) *snapshot {
	if s := c.snap.Load(); s != nil && time.Since(s.loadedAt) < c.ttl {
		return s
	}
	return c.refresh(ctx)
}

func (c *ConfigCache) refresh(ctx context.Context) *snapshot {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Another reader may have refreshed while we waited on the lock.
	if s := c.snap.Load(); s != nil && time.Since(s.loadedAt) < c.ttl {
		return s
	}

	fresh, err := c.load(ctx)
	metrics.RecordConfigRefresh(err == nil)
	if err != nil {
		prev := c.snap.Load()
		if prev != nil {
			log.Printf("[ConfigCache] refresh failed, keeping snapshot from %s: %v",
				prev.loadedAt.Format(time.RFC3339), err)
			// Re-arm the TTL so a dead store is not hammered on every read.
			kept := *prev
			kept.loadedAt = time.Now()
			c.snap.Store(&kept)
			return &kept
		}
		log.Printf("[ConfigCache] initial load failed: %v", err)
		empty := &snapshot{spacesByCam: map[uuid.UUID][]ParkingSpace{}, loadedAt: time.Now()}
		c.snap.Store(empty)
		return empty
	}

	c.snap.Store(fresh)
	return fresh
}

func (c *ConfigCache) load(ctx context.Context) (*snapshot, error) {
	cams, err := c.store.ListActiveCameras(ctx)
	if err != nil {
		return nil, err
	}

	s := &snapshot{
		cameras:     cams,
		spacesByCam: make(map[uuid.UUID][]ParkingSpace, len(cams)),
		loadedAt:    time.Now(),
	}
	for _, cam := range cams {
		spcs, err := c.store.ListSpaces(ctx, cam.ID)
		if err != nil {
			return nil, err
		}
		valid := spcs[:0]
		for _, sp := range spcs {
			if err := sp.Bounds.Validate(); err != nil {
				log.Printf("[ConfigCache] rejecting space %s (%s): %v", sp.Name, sp.ID, err)
				continue
			}
			valid = append(valid, sp)
		}
		s.spacesByCam[cam.ID] = valid
	}
	return s, nil
}
