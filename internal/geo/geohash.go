package geo

import (
	"fmt"
	"strings"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/models"
)

// base32 is the geohash alphabet; the range cover works on its ordering.
const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

const (
	bitsPerChar = 5
	// DefaultPrecision is the number of characters stored for a driver key.
	DefaultPrecision = 10
	// maxPrecision is the longest hash the codec produces (60 bits).
	maxPrecision = 12
)

// Encode returns the geohash of c with the given number of characters.
func Encode(c models.Coord, precision int) string {
	if precision <= 0 {
		precision = DefaultPrecision
	}
	if precision > maxPrecision {
		precision = maxPrecision
	}
	return geohash.EncodeWithPrecision(c.Lat, c.Lon, uint(precision))
}

// Cell is the area a geohash covers.
type Cell struct {
	Center models.Coord
	LatErr float64
	LonErr float64
}

// Decode returns the cell described by hash.
func Decode(hash string) (Cell, error) {
	if hash == "" {
		return Cell{}, fmt.Errorf("empty geohash")
	}
	if len(hash) > maxPrecision {
		return Cell{}, fmt.Errorf("geohash longer than %d characters", maxPrecision)
	}
	for i := 0; i < len(hash); i++ {
		if strings.IndexByte(base32, hash[i]) < 0 {
			return Cell{}, fmt.Errorf("invalid geohash character %q", hash[i])
		}
	}
	box := geohash.BoundingBox(hash)
	lat, lon := box.Center()
	return Cell{
		Center: models.Coord{Lat: lat, Lon: lon},
		LatErr: (box.MaxLat - box.MinLat) / 2,
		LonErr: (box.MaxLng - box.MinLng) / 2,
	}, nil
}

// LocationFor builds a Location with its proximity key.
func LocationFor(c models.Coord, precision int) models.Location {
	return models.Location{Point: c, Geohash: Encode(c, precision)}
}
