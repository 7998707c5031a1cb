// Package view derives what the monitoring screen shows from a FleetState.
// Nothing here mutates the store.
package view

import (
	"sort"
	"strings"

	"fleet-monitor/fleet"
	"fleet-monitor/models"
)

// minSpan keeps a region around a single driver from collapsing to a point.
const minSpan = 0.005

type Counts struct {
	Online       int `json:"online"`
	OnTrip       int `json:"onTrip"`
	Total        int `json:"total"`
	WithPosition int `json:"withPosition"`
}

// Region is a lat/lng rectangle, south-west to north-east.
type Region struct {
	MinLat float64 `json:"minLat"`
	MinLng float64 `json:"minLng"`
	MaxLat float64 `json:"maxLat"`
	MaxLng float64 `json:"maxLng"`
}

// Contains reports whether the coordinate lies inside r, edges included.
func (r Region) Contains(lat, lng float64) bool {
	return lat >= r.MinLat && lat <= r.MaxLat && lng >= r.MinLng && lng <= r.MaxLng
}

// Center returns the midpoint of r.
func (r Region) Center() models.Coordinates {
	return models.Coordinates{Lat: (r.MinLat + r.MaxLat) / 2, Lng: (r.MinLng + r.MaxLng) / 2}
}

func CountByAvailability(st fleet.FleetState) Counts {
	var c Counts
	st.Range(func(rec models.DriverRecord) bool {
		c.Total++
		switch rec.Availability {
		case models.Online:
			c.Online++
		case models.OnTrip:
			c.OnTrip++
		}
		if rec.Position != nil {
			c.WithPosition++
		}
		return true
	})
	return c
}

// WithPosition returns the records that have a known coordinate, sorted by id.
func WithPosition(st fleet.FleetState) []models.DriverRecord {
	var out []models.DriverRecord
	for _, rec := range st.Records() {
		if rec.Position != nil {
			out = append(out, rec)
		}
	}
	return out
}

// Bounds returns the smallest region holding every positioned record, grown
// by padding (a fraction of the span) on each side. ok is false when no
// record has a position.
func Bounds(records []models.DriverRecord, padding float64) (Region, bool) {
	var r Region
	found := false
	for _, rec := range records {
		if rec.Position == nil {
			continue
		}
		p := rec.Position
		if !found {
			r = Region{MinLat: p.Lat, MinLng: p.Lng, MaxLat: p.Lat, MaxLng: p.Lng}
			found = true
			continue
		}
		r.MinLat = min(r.MinLat, p.Lat)
		r.MinLng = min(r.MinLng, p.Lng)
		r.MaxLat = max(r.MaxLat, p.Lat)
		r.MaxLng = max(r.MaxLng, p.Lng)
	}
	if !found {
		return Region{}, false
	}

	padLat := max(r.MaxLat-r.MinLat, minSpan) * max(padding, 0)
	padLng := max(r.MaxLng-r.MinLng, minSpan) * max(padding, 0)
	if r.MaxLat-r.MinLat < minSpan {
		c := (r.MinLat + r.MaxLat) / 2
		r.MinLat, r.MaxLat = c-minSpan/2, c+minSpan/2
	}
	if r.MaxLng-r.MinLng < minSpan {
		c := (r.MinLng + r.MaxLng) / 2
		r.MinLng, r.MaxLng = c-minSpan/2, c+minSpan/2
	}
	r.MinLat = max(r.MinLat-padLat, -90)
	r.MaxLat = min(r.MaxLat+padLat, 90)
	r.MinLng = max(r.MinLng-padLng, -180)
	r.MaxLng = min(r.MaxLng+padLng, 180)
	return r, true
}

// Ordered sorts records for the roster table: ONLINE first, then ON_TRIP,
// then by name ignoring case, then by id. The input is not modified.
func Ordered(records []models.DriverRecord) []models.DriverRecord {
	out := make([]models.DriverRecord, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ra, rb := rank(a.Availability), rank(b.Availability); ra != rb {
			return ra < rb
		}
		if na, nb := strings.ToLower(a.Name), strings.ToLower(b.Name); na != nb {
			return na < nb
		}
		return a.ID.Less(b.ID)
	})
	return out
}

func rank(a models.Availability) int {
	switch a {
	case models.Online:
		return 0
	case models.OnTrip:
		return 1
	}
	return 2
}

// Summary is the header of the monitoring screen.
type Summary struct {
	Counts  Counts  `json:"counts"`
	Bounds  *Region `json:"bounds,omitempty"`
	Version uint64  `json:"version"`
}

// Summarize combines the counts and map bounds of st.
func Summarize(st fleet.FleetState, padding float64) Summary {
	s := Summary{Counts: CountByAvailability(st), Version: st.Version()}
	if r, ok := Bounds(st.Records(), padding); ok {
		s.Bounds = &r
	}
	return s
}
