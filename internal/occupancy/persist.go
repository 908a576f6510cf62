package occupancy

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/technosupport/ts-park/internal/data"
)

// Persister writes occupancy changes to the config store, capping the write
// rate per space. Writes that arrive faster than the cap are coalesced: only
// the latest pending state survives and is flushed once the limiter allows.
// Persistence is best effort; failures are logged and retried on the next
// change or flush.
type Persister struct {
	store       data.ConfigStore
	minInterval time.Duration

	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
	pending  map[uuid.UUID]data.OccupancyUpdate
}

func NewPersister(store data.ConfigStore, minInterval time.Duration) *Persister {
	return &Persister{
		store:       store,
		minInterval: minInterval,
		limiters:    make(map[uuid.UUID]*rate.Limiter),
		pending:     make(map[uuid.UUID]data.OccupancyUpdate),
	}
}

func (p *Persister) limiter(spaceID uuid.UUID) *rate.Limiter {
	lim, ok := p.limiters[spaceID]
	if !ok {
		if p.minInterval <= 0 {
			lim = rate.NewLimiter(rate.Inf, 1)
		} else {
			lim = rate.NewLimiter(rate.Every(p.minInterval), 1)
		}
		p.limiters[spaceID] = lim
	}
	return lim
}

// Record queues one space's new state. If the per-space limiter allows it
// the write happens immediately, otherwise it is left pending for Flush.
func (p *Persister) Record(ctx context.Context, spaceID uuid.UUID, upd data.OccupancyUpdate) {
	p.mu.Lock()
	p.pending[spaceID] = upd
	allowed := p.limiter(spaceID).Allow()
	p.mu.Unlock()

	if allowed {
		p.write(ctx, spaceID)
	}
}

// Flush attempts every pending write whose limiter has recovered. Called
// periodically by the worker so coalesced states eventually land.
func (p *Persister) Flush(ctx context.Context) {
	p.mu.Lock()
	due := make([]uuid.UUID, 0, len(p.pending))
	for id := range p.pending {
		if p.limiter(id).Allow() {
			due = append(due, id)
		}
	}
	p.mu.Unlock()

	for _, id := range due {
		p.write(ctx, id)
	}
}

func (p *Persister) write(ctx context.Context, spaceID uuid.UUID) {
	p.mu.Lock()
	upd, ok := p.pending[spaceID]
	if ok {
		delete(p.pending, spaceID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	if err := p.store.UpdateSpaceOccupancy(ctx, spaceID, upd); err != nil {
		log.Printf("[Occupancy] persist space %s failed: %v", spaceID, err)
		// Put it back unless a newer state arrived meanwhile.
		p.mu.Lock()
		if _, exists := p.pending[spaceID]; !exists {
			p.pending[spaceID] = upd
		}
		p.mu.Unlock()
	}
}

// PendingCount reports how many coalesced writes are waiting.
func (p *Persister) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
