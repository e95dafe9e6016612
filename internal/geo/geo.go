package geo

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/models"
)

// DefaultRadiusM bounds the fan-out of a single driver search.
const DefaultRadiusM = 10000.0

// Source answers proximity-key range queries over driver documents.
type Source interface {
	// DriversInRange returns drivers whose location key lies in r. Sources may
	// pre-filter on eligibility but are not required to.
	DriversInRange(ctx context.Context, r Range) ([]models.Driver, error)
}

// Candidate is a driver that passed every filter, with its exact distance.
type Candidate struct {
	DriverID  string
	DistanceM float64
}

// Index finds available drivers near a point.
type Index struct {
	src     Source
	radiusM float64
}

func NewIndex(src Source, radiusM float64) *Index {
	if radiusM <= 0 {
		radiusM = DefaultRadiusM
	}
	return &Index{src: src, radiusM: radiusM}
}

func (ix *Index) RadiusM() float64 { return ix.radiusM }

// Nearby returns approved, online, available drivers within the index radius
// of center, skipping any ID in exclude. The result is not sorted.
func (ix *Index) Nearby(ctx context.Context, center models.Coord, exclude []string) ([]Candidate, error) {
	bounds := QueryBounds(center, ix.radiusM)
	results := make([][]models.Driver, len(bounds))

	g, gctx := errgroup.WithContext(ctx)
	for i, b := range bounds {
		g.Go(func() error {
			ds, err := ix.src.DriversInRange(gctx, b)
			if err != nil {
				return fmt.Errorf("range %s..%s: %w", b.Start, b.End, err)
			}
			results[i] = ds
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	var out []Candidate
	for _, ds := range results {
		for i := range ds {
			d := &ds[i]
			if _, ok := skip[d.ID]; ok {
				continue
			}
			if !d.Eligible() || d.Location == nil || !d.Location.Point.Valid() {
				continue
			}
			dist := Haversine(center.Lat, center.Lon, d.Location.Point.Lat, d.Location.Point.Lon)
			if dist > ix.radiusM {
				continue
			}
			skip[d.ID] = struct{}{}
			out = append(out, Candidate{DriverID: d.ID, DistanceM: dist})
		}
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over two coordinates.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}
