package fleet

import (
	"sync"
	"time"

	"fleet-monitor/models"
)

// PendingBuffer holds deltas for drivers the Store does not know yet, so a
// driver that comes online between two snapshots does not lose the positions
// streamed before the next snapshot admits it. Only the newest delta per
// driver is kept, for at most ttl, and never more than max drivers.
type PendingBuffer struct {
	mu     sync.Mutex
	ttl    time.Duration
	max    int
	deltas map[models.DriverID]models.PositionDelta
	now    func() time.Time
}

// NewPendingBuffer returns a buffer; max <= 0 disables buffering.
func NewPendingBuffer(ttl time.Duration, max int) *PendingBuffer {
	return &PendingBuffer{
		ttl:    ttl,
		max:    max,
		deltas: make(map[models.DriverID]models.PositionDelta),
		now:    time.Now,
	}
}

// Add keeps d if it is newer than what is held for the same driver.
func (b *PendingBuffer) Add(d models.PositionDelta) {
	if b.max <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.deltas[d.ID]; ok {
		if d.ReceivedAt.After(cur.ReceivedAt) {
			b.deltas[d.ID] = d
		}
		return
	}
	if len(b.deltas) >= b.max {
		b.evictOldest()
	}
	b.deltas[d.ID] = d
}

// Release drops whatever is held for ids.
func (b *PendingBuffer) Release(ids []models.DriverID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		delete(b.deltas, id)
	}
}

// Flush hands every held delta whose driver is now resident to the store and
// drops expired ones. It returns the number applied.
func (b *PendingBuffer) Flush(s *Store) int {
	b.mu.Lock()
	state := s.Snapshot()
	cutoff := b.now().Add(-b.ttl)
	var ready []models.PositionDelta
	for id, d := range b.deltas {
		switch {
		case state.Has(id):
			ready = append(ready, d)
			delete(b.deltas, id)
		case b.ttl > 0 && d.ReceivedAt.Before(cutoff):
			delete(b.deltas, id)
		}
	}
	b.mu.Unlock()

	n := 0
	for _, d := range ready {
		if s.ApplyBuffered(d) == DeltaApplied {
			n++
		}
	}
	return n
}

// Len returns the number of drivers with a held delta.
func (b *PendingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.deltas)
}

func (b *PendingBuffer) evictOldest() {
	var (
		oldest models.DriverID
		at     time.Time
		found  bool
	)
	for id, d := range b.deltas {
		if !found || d.ReceivedAt.Before(at) {
			oldest, at, found = id, d.ReceivedAt, true
		}
	}
	if found {
		delete(b.deltas, oldest)
	}
}
