package plates

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry hands out one Queue per parking lot, creating them on demand.
type Registry struct {
	mu       sync.Mutex
	queues   map[uuid.UUID]*Queue
	capacity int
	maxAge   time.Duration
}

func NewRegistry(capacity int, maxAge time.Duration) *Registry {
	return &Registry{
		queues:   make(map[uuid.UUID]*Queue),
		capacity: capacity,
		maxAge:   maxAge,
	}
}

func (r *Registry) ForLot(lotID uuid.UUID) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.queues[lotID]
	if !ok {
		q = NewQueue(r.capacity, r.maxAge)
		r.queues[lotID] = q
	}
	return q
}

// PurgeAll expires stale entries across every lot queue and returns the
// total removed. Called on a timer by the server.
func (r *Registry) PurgeAll(now time.Time) int {
	r.mu.Lock()
	queues := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mu.Unlock()

	removed := 0
	for _, q := range queues {
		removed += q.Purge(now)
	}
	return removed
}
