package fleet

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"fleet-monitor/models"
)

// MaxListeners bounds the number of observers a Store accepts.
const MaxListeners = 16

var ErrTooManyListeners = errors.New("fleet: too many listeners")

// Listener is notified with the new state after every committed mutation.
// Listeners run on the writer's goroutine while the write lock is held, so
// they must be quick and must not call back into the Store's write methods.
type Listener func(FleetState)

// DeltaOutcome tells what the Store did with a position delta.
type DeltaOutcome int

const (
	DeltaApplied DeltaOutcome = iota
	// DeltaStale means the record already holds newer data.
	DeltaStale
	// DeltaUnknown means the driver is not resident; the delta was discarded.
	DeltaUnknown
)

func (o DeltaOutcome) String() string {
	switch o {
	case DeltaApplied:
		return "applied"
	case DeltaStale:
		return "stale"
	case DeltaUnknown:
		return "unknown"
	}
	return "invalid"
}

// SnapshotResult summarises one snapshot application.
type SnapshotResult struct {
	Added     []models.DriverID
	Removed   []models.DriverID
	Refreshed int
	// Skipped counts rows that were not admitted: empty ids and drivers that
	// are neither ONLINE nor ON_TRIP.
	Skipped int
}

// Store is the reconciled in-memory fleet. Writers are serialized by a mutex
// and publish a fresh immutable FleetState on every commit; readers load the
// current state without locking.
type Store struct {
	mu    sync.Mutex
	state atomic.Pointer[FleetState]

	lmu          sync.RWMutex
	listeners    map[uint64]Listener
	nextListener uint64

	now func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{
		listeners: make(map[uint64]Listener),
		now:       time.Now,
	}
	s.state.Store(&FleetState{drivers: map[models.DriverID]models.DriverRecord{}})
	return s
}

// Snapshot returns the current state. Callers must not modify it.
func (s *Store) Snapshot() FleetState {
	return *s.state.Load()
}

// Subscribe registers fn and returns a function that removes it.
func (s *Store) Subscribe(fn Listener) (func(), error) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	if len(s.listeners) >= MaxListeners {
		return nil, ErrTooManyListeners
	}
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			delete(s.listeners, id)
			s.lmu.Unlock()
		})
	}, nil
}

// ApplySnapshot replaces the membership set with the drivers in list.
// Positions already known for drivers present in both sets are kept, since
// stream-delivered positions are fresher than the roster's; a row's own
// position is used only when nothing is known yet.
func (s *Store) ApplySnapshot(list []models.DriverSnapshot, fetchedAt time.Time) SnapshotResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state.Load()
	next := make(map[models.DriverID]models.DriverRecord, len(list))
	var res SnapshotResult
	for _, dto := range list {
		if dto.ID == "" || !dto.Availability.Active() {
			res.Skipped++
			continue
		}
		_, dup := next[dto.ID]
		rec := models.DriverRecord{
			ID:           dto.ID,
			Name:         dto.Name,
			Phone:        dto.Phone,
			VehicleType:  dto.VehicleType,
			VehiclePlate: dto.VehiclePlate,
			Rating:       dto.Rating,
			Availability: dto.Availability,
			LastUpdated:  fetchedAt,
		}
		if old, ok := prev.drivers[dto.ID]; ok {
			rec.Position = old.Position
			if old.LastUpdated.After(rec.LastUpdated) {
				rec.LastUpdated = old.LastUpdated
			}
			if !dup {
				res.Refreshed++
			}
		} else if !dup {
			res.Added = append(res.Added, dto.ID)
		}
		if rec.Position == nil && dto.Position != nil && models.ValidCoordinate(dto.Position.Lat, dto.Position.Lng) {
			rec.Position = &models.Position{Lat: dto.Position.Lat, Lng: dto.Position.Lng, At: fetchedAt}
		}
		next[dto.ID] = rec
	}
	for id := range prev.drivers {
		if _, ok := next[id]; !ok {
			res.Removed = append(res.Removed, id)
		}
	}
	s.commit(prev, next)
	return res
}

// ApplyDelta moves a resident driver. The delta wins only when it was
// received after the record's last update; deltas for drivers that are not
// resident are discarded.
func (s *Store) ApplyDelta(d models.PositionDelta) DeltaOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state.Load()
	rec, ok := prev.drivers[d.ID]
	if !ok {
		return DeltaUnknown
	}
	if !d.ReceivedAt.After(rec.LastUpdated) {
		return DeltaStale
	}
	rec.Position = &models.Position{Lat: d.Lat, Lng: d.Lng, At: d.ReceivedAt}
	rec.LastUpdated = d.ReceivedAt
	next := prev.clone()
	next[d.ID] = rec
	s.commit(prev, next)
	return DeltaApplied
}

// ApplyBuffered applies a delta that was held back while its driver was not
// yet resident. It is compared against the record's position rather than its
// last update, because the snapshot that admitted the driver is normally
// newer than the delta itself.
func (s *Store) ApplyBuffered(d models.PositionDelta) DeltaOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state.Load()
	rec, ok := prev.drivers[d.ID]
	if !ok {
		return DeltaUnknown
	}
	if rec.Position != nil && !d.ReceivedAt.After(rec.Position.At) {
		return DeltaStale
	}
	rec.Position = &models.Position{Lat: d.Lat, Lng: d.Lng, At: d.ReceivedAt}
	if d.ReceivedAt.After(rec.LastUpdated) {
		rec.LastUpdated = d.ReceivedAt
	}
	next := prev.clone()
	next[d.ID] = rec
	s.commit(prev, next)
	return DeltaApplied
}

// ExpirePositions forgets positions last known before cutoff and returns how
// many were cleared. Membership is left to the snapshots.
func (s *Store) ExpirePositions(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state.Load()
	var next map[models.DriverID]models.DriverRecord
	now := s.now()
	n := 0
	for id, rec := range prev.drivers {
		if rec.Position == nil || !rec.Position.At.Before(cutoff) {
			continue
		}
		if next == nil {
			next = prev.clone()
		}
		rec.Position = nil
		if now.After(rec.LastUpdated) {
			rec.LastUpdated = now
		}
		next[id] = rec
		n++
	}
	if n > 0 {
		s.commit(prev, next)
	}
	return n
}

// commit publishes next and notifies listeners. Must hold s.mu.
func (s *Store) commit(prev *FleetState, next map[models.DriverID]models.DriverRecord) {
	st := &FleetState{
		drivers:   next,
		version:   prev.version + 1,
		updatedAt: s.now(),
	}
	s.state.Store(st)

	s.lmu.RLock()
	fns := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.RUnlock()
	for _, fn := range fns {
		fn(*st)
	}
}
