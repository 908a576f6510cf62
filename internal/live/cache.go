package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-park/internal/broadcast"
)

// ErrNoData means no recent detection metadata exists for the camera.
var ErrNoData = errors.New("no recent detection data")

const keyPrefix = "det:latest:"

// Cache keeps each camera's newest detection metadata in Redis with a TTL,
// so the REST API can answer "what does this camera see right now" without
// touching the worker or holding a WebSocket open.
//
// A nil *Cache is a disabled cache: writes are dropped and reads return
// ErrNoData. Callers wire one pointer through whether or not Redis is
// configured.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{rdb: rdb, ttl: ttl}
}

func key(cameraID uuid.UUID) string {
	return keyPrefix + cameraID.String()
}

// StoreLatest overwrites the camera's cached metadata and resets its TTL.
func (c *Cache) StoreLatest(ctx context.Context, meta broadcast.Metadata) error {
	if c == nil {
		return nil
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := c.rdb.Set(ctx, key(meta.CameraID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Latest returns the cached metadata and its age. ErrNoData when the key
// is missing or expired.
func (c *Cache) Latest(ctx context.Context, cameraID uuid.UUID) (broadcast.Metadata, int64, error) {
	if c == nil {
		return broadcast.Metadata{}, 0, ErrNoData
	}
	raw, err := c.rdb.Get(ctx, key(cameraID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return broadcast.Metadata{}, 0, ErrNoData
	}
	if err != nil {
		return broadcast.Metadata{}, 0, fmt.Errorf("redis get: %w", err)
	}

	var meta broadcast.Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return broadcast.Metadata{}, 0, fmt.Errorf("unmarshal metadata: %w", err)
	}

	ageMS := time.Now().UnixMilli() - meta.TimestampMS
	if ageMS < 0 {
		ageMS = 0
	}
	return meta, ageMS, nil
}
