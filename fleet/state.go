package fleet

import (
	"sort"
	"time"

	"fleet-monitor/models"
)

// FleetState is an immutable view of the active fleet. A FleetState is never
// modified after it has been published by the Store, so it may be shared
// freely between goroutines.
type FleetState struct {
	drivers   map[models.DriverID]models.DriverRecord
	version   uint64
	updatedAt time.Time
}

// Len returns the number of active drivers.
func (s FleetState) Len() int { return len(s.drivers) }

// Version increases by one with every committed mutation.
func (s FleetState) Version() uint64 { return s.version }

// UpdatedAt is the time of the mutation that produced this state.
func (s FleetState) UpdatedAt() time.Time { return s.updatedAt }

// Get returns the record for id.
func (s FleetState) Get(id models.DriverID) (models.DriverRecord, bool) {
	rec, ok := s.drivers[id]
	return rec, ok
}

// Has reports whether id is resident.
func (s FleetState) Has(id models.DriverID) bool {
	_, ok := s.drivers[id]
	return ok
}

// Range calls fn for every record until fn returns false. Iteration order is
// unspecified.
func (s FleetState) Range(fn func(models.DriverRecord) bool) {
	for _, rec := range s.drivers {
		if !fn(rec) {
			return
		}
	}
}

// Records returns a copy of all records sorted by id.
func (s FleetState) Records() []models.DriverRecord {
	out := make([]models.DriverRecord, 0, len(s.drivers))
	for _, rec := range s.drivers {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// IDs returns the resident ids sorted.
func (s FleetState) IDs() []models.DriverID {
	out := make([]models.DriverID, 0, len(s.drivers))
	for id := range s.drivers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// clone copies the mapping for a copy-on-write update.
func (s FleetState) clone() map[models.DriverID]models.DriverRecord {
	m := make(map[models.DriverID]models.DriverRecord, len(s.drivers))
	for id, rec := range s.drivers {
		m[id] = rec
	}
	return m
}
