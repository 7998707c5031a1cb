// Package matching answers "who is the closest free driver" for the console's
// dispatch assist panel.
package matching

import (
	"errors"
	"math"

	"fleet-monitor/fleet"
	"fleet-monitor/geohash"
	"fleet-monitor/models"
)

// SearchPrecision is the geohash length used for the neighbourhood pass,
// cells of roughly 5 km.
const SearchPrecision = 5

var ErrNoDriver = errors.New("no available drivers nearby")

// Match is a candidate driver and its distance from the pickup point.
type Match struct {
	Driver     models.DriverRecord `json:"driver"`
	DistanceKm float64             `json:"distanceKm"`
}

// NearestAvailable returns the ONLINE driver with a known position closest to
// (lat, lng). Drivers in the pickup cell and its neighbours are tried first;
// if none is free there the whole fleet is scanned. Ties go to the lower id.
func NearestAvailable(st fleet.FleetState, lat, lng float64) (Match, error) {
	if !models.ValidCoordinate(lat, lng) {
		return Match{}, errors.New("invalid pickup coordinate")
	}
	cells := make(map[string]struct{}, 9)
	for _, h := range geohash.Neighbors(geohash.Encode(lat, lng, SearchPrecision)) {
		cells[h] = struct{}{}
	}

	if m, ok := nearest(st, lat, lng, func(p *models.Position) bool {
		_, in := cells[geohash.Encode(p.Lat, p.Lng, SearchPrecision)]
		return in
	}); ok {
		return m, nil
	}
	if m, ok := nearest(st, lat, lng, func(*models.Position) bool { return true }); ok {
		return m, nil
	}
	return Match{}, ErrNoDriver
}

func nearest(st fleet.FleetState, lat, lng float64, include func(*models.Position) bool) (Match, bool) {
	best := Match{DistanceKm: math.Inf(1)}
	found := false
	st.Range(func(rec models.DriverRecord) bool {
		if rec.Availability != models.Online || rec.Position == nil || !include(rec.Position) {
			return true
		}
		d := geohash.DistanceKm(lat, lng, rec.Position.Lat, rec.Position.Lng)
		if d < best.DistanceKm || (d == best.DistanceKm && rec.ID.Less(best.Driver.ID)) {
			best = Match{Driver: rec, DistanceKm: d}
			found = true
		}
		return true
	})
	return best, found
}
