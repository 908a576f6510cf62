package plates

import (
	"sync"
	"time"
)

// Entry is one plate reading reported by a barrier camera.
type Entry struct {
	Plate      string    `json:"plate"`
	Confidence float64   `json:"confidence"`
	DetectedAt time.Time `json:"detected_at"`
	Assigned   bool      `json:"assigned"`
}

// Queue holds recent plate readings for one parking lot. Newest readings
// are claimed first: a car that just passed the barrier is the most likely
// candidate for a newly occupied space.
type Queue struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	maxAge   time.Duration
}

func NewQueue(capacity int, maxAge time.Duration) *Queue {
	if capacity <= 0 {
		capacity = 32
	}
	return &Queue{capacity: capacity, maxAge: maxAge}
}

// Enqueue records a plate reading. When the queue is full the oldest entry
// is evicted, assigned or not.
func (q *Queue) Enqueue(plate string, confidence float64, at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.capacity {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, Entry{
		Plate:      plate,
		Confidence: confidence,
		DetectedAt: at,
	})
}

// ClaimNewest marks the newest unassigned, unexpired entry as assigned and
// returns its plate. The second return is false when nothing claimable
// remains.
func (q *Queue) ClaimNewest(now time.Time) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := len(q.entries) - 1; i >= 0; i-- {
		e := &q.entries[i]
		if e.Assigned {
			continue
		}
		if q.maxAge > 0 && now.Sub(e.DetectedAt) > q.maxAge {
			continue
		}
		e.Assigned = true
		return e.Plate, true
	}
	return "", false
}

// Purge drops entries older than the queue's max age and returns how many
// were removed.
func (q *Queue) Purge(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxAge <= 0 {
		return 0
	}
	kept := q.entries[:0]
	removed := 0
	for _, e := range q.entries {
		if now.Sub(e.DetectedAt) > q.maxAge {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return removed
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns a copy of the current entries, oldest first.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}
