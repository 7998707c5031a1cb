package geohash

import (
	"math"
	"sort"

	"github.com/dhconnelly/rtreego"

	"fleet-monitor/models"
)

// pointTolerance gives each driver a tiny box so it can be stored in the tree.
const pointTolerance = 1e-7

// spatialDriver wraps a record to satisfy the rtreego.Spatial interface.
type spatialDriver struct {
	rec  models.DriverRecord
	rect rtreego.Rect
}

func (d spatialDriver) Bounds() rtreego.Rect { return d.rect }

// Index answers viewport and radius queries over one FleetState. It is built
// once per state and never modified, so it is safe for concurrent readers.
type Index struct {
	tree *rtreego.Rtree
	size int
}

// NewIndex bulk-loads the positioned records. Points are stored as
// (lat, lng).
func NewIndex(records []models.DriverRecord) *Index {
	objs := make([]rtreego.Spatial, 0, len(records))
	for _, rec := range records {
		if rec.Position == nil {
			continue
		}
		p := rtreego.Point{rec.Position.Lat, rec.Position.Lng}
		objs = append(objs, spatialDriver{rec: rec, rect: p.ToRect(pointTolerance)})
	}
	return &Index{tree: rtreego.NewTree(2, 25, 50, objs...), size: len(objs)}
}

// Len returns the number of indexed drivers.
func (ix *Index) Len() int { return ix.size }

// Within returns the drivers inside the rectangle, edges included, ordered by
// id.
func (ix *Index) Within(minLat, minLng, maxLat, maxLng float64) []models.DriverRecord {
	if ix.size == 0 {
		return nil
	}
	rect, err := rtreego.NewRectFromPoints(
		rtreego.Point{minLat - pointTolerance, minLng - pointTolerance},
		rtreego.Point{maxLat + pointTolerance, maxLng + pointTolerance},
	)
	if err != nil {
		return nil
	}
	lo, hi := math.Min(minLat, maxLat), math.Max(minLat, maxLat)
	west, east := math.Min(minLng, maxLng), math.Max(minLng, maxLng)

	var out []models.DriverRecord
	for _, obj := range ix.tree.SearchIntersect(rect) {
		rec := obj.(spatialDriver).rec
		p := rec.Position
		if p.Lat >= lo && p.Lat <= hi && p.Lng >= west && p.Lng <= east {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// Nearby returns the drivers within radiusKm of the point, closest first.
func (ix *Index) Nearby(lat, lng, radiusKm float64) []models.DriverRecord {
	if ix.size == 0 || radiusKm <= 0 {
		return nil
	}
	// One degree of latitude is ~111 km; longitude degrees shrink with cos(lat).
	dLat := radiusKm / 111.0
	dLng := 360.0
	if c := math.Cos(lat * math.Pi / 180); c > 1e-6 {
		dLng = math.Min(radiusKm/(111.0*c), 360)
	}
	candidates := ix.Within(lat-dLat, lng-dLng, lat+dLat, lng+dLng)

	type hit struct {
		rec  models.DriverRecord
		dist float64
	}
	hits := make([]hit, 0, len(candidates))
	for _, rec := range candidates {
		d := DistanceKm(lat, lng, rec.Position.Lat, rec.Position.Lng)
		if d <= radiusKm {
			hits = append(hits, hit{rec, d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })
	out := make([]models.DriverRecord, len(hits))
	for i, h := range hits {
		out[i] = h.rec
	}
	return out
}
