package geohash

import (
	"math"
	"sort"

	"github.com/mmcloughlin/geohash"

	"fleet-monitor/models"
)

const earthRadiusKm = 6371.0

// Encode coordinates into a geohash with specified precision.
func Encode(lat, lon float64, precision uint) string {
	return geohash.EncodeWithPrecision(lat, lon, precision)
}

// Neighbors returns hash followed by the eight cells around it.
func Neighbors(hash string) []string {
	return append([]string{hash}, geohash.Neighbors(hash)...)
}

// DistanceKm is the great-circle distance between two coordinates.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Cell groups the positioned drivers that share a geohash prefix.
type Cell struct {
	Hash    string             `json:"hash"`
	Center  models.Coordinates `json:"center"`
	Online  int                `json:"online"`
	OnTrip  int                `json:"onTrip"`
	Drivers []models.DriverID  `json:"drivers"`
}

// Count is the number of drivers in the cell.
func (c Cell) Count() int { return len(c.Drivers) }

// Cells clusters records by geohash at the given precision, for drawing
// markers at low zoom. Records without a position are left out. Cells come
// back in hash order and driver ids in id order.
func Cells(records []models.DriverRecord, precision uint) []Cell {
	byHash := make(map[string]*Cell)
	for _, rec := range records {
		if rec.Position == nil {
			continue
		}
		h := Encode(rec.Position.Lat, rec.Position.Lng, precision)
		c, ok := byHash[h]
		if !ok {
			lat, lng := geohash.DecodeCenter(h)
			c = &Cell{Hash: h, Center: models.Coordinates{Lat: lat, Lng: lng}}
			byHash[h] = c
		}
		switch rec.Availability {
		case models.Online:
			c.Online++
		case models.OnTrip:
			c.OnTrip++
		}
		c.Drivers = append(c.Drivers, rec.ID)
	}

	out := make([]Cell, 0, len(byHash))
	for _, c := range byHash {
		sort.Slice(c.Drivers, func(i, j int) bool { return c.Drivers[i].Less(c.Drivers[j]) })
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}
