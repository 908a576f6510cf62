package broadcast

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Hub owns one Broadcaster per camera, created lazily on first use and
// swept away after sitting idle with no viewers.
type Hub struct {
	mu      sync.Mutex
	byCam   map[uuid.UUID]*Broadcaster
	idleTTL time.Duration
}

func NewHub(idleTTL time.Duration) *Hub {
	return &Hub{
		byCam:   make(map[uuid.UUID]*Broadcaster),
		idleTTL: idleTTL,
	}
}

// Get returns the camera's broadcaster, creating it if needed.
func (h *Hub) Get(cameraID uuid.UUID) *Broadcaster {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.byCam[cameraID]
	if !ok {
		b = NewBroadcaster(cameraID)
		h.byCam[cameraID] = b
	}
	return b
}

// Lookup returns the broadcaster only if it already exists.
func (h *Hub) Lookup(cameraID uuid.UUID) (*Broadcaster, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.byCam[cameraID]
	return b, ok
}

// Sweep removes broadcasters with no viewers and no activity for idleTTL.
// Returns how many were removed.
func (h *Hub) Sweep(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := 0
	for id, b := range h.byCam {
		if b.ViewerCount() > 0 {
			continue
		}
		if now.Sub(b.LastActivity()) < h.idleTTL {
			continue
		}
		delete(h.byCam, id)
		removed++
	}
	return removed
}

// TotalViewers sums viewer counts across all cameras.
func (h *Hub) TotalViewers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, b := range h.byCam {
		total += b.ViewerCount()
	}
	return total
}

// CameraCount reports how many broadcasters currently exist.
func (h *Hub) CameraCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byCam)
}

// StartSweeper runs Sweep on an interval until ctx is done.
func (h *Hub) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := h.Sweep(time.Now()); n > 0 {
					log.Printf("[Broadcast] swept %d idle broadcaster(s)", n)
				}
			}
		}
	}()
}
