package geo

import (
	"math"
	"slices"
	"strings"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	metersPerDegreeLat   = 110574.0
	earthMeridionalCirc  = 40007860.0
	earthEquatorialRad   = 6378137.0
	earthEccentricitySq  = 0.00669447819799
	maxBitsPrecision     = maxPrecision * bitsPerChar
	longitudeDegEpsilon  = 1e-12
	longitudeResEpsilon  = 0.000001
	rangeEndSentinelChar = "~"
)

// Range is an inclusive interval of proximity keys. End may carry the "~"
// sentinel which sorts after every base32 character.
type Range struct {
	Start string
	End   string
}

// Contains reports whether key falls inside r.
func (r Range) Contains(key string) bool {
	return key >= r.Start && key <= r.End
}

// QueryBounds returns the key ranges whose union covers every point within
// radiusM meters of center. The cover is an over-approximation: results must
// still be checked against the exact distance.
func QueryBounds(center models.Coord, radiusM float64) []Range {
	queryBits := max(1, boundingBoxBits(center, radiusM))
	precision := int(math.Ceil(float64(queryBits) / bitsPerChar))
	var out []Range
	for _, c := range boundingBoxCoordinates(center, radiusM) {
		r := rangeFor(Encode(c, precision), queryBits)
		if !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}

func rangeFor(hash string, bits int) Range {
	precision := int(math.Ceil(float64(bits) / bitsPerChar))
	if len(hash) < precision {
		return Range{Start: hash, End: hash + rangeEndSentinelChar}
	}
	hash = hash[:precision]
	prefix := hash[:len(hash)-1]
	last := strings.IndexByte(base32, hash[len(hash)-1])
	significant := bits - len(prefix)*bitsPerChar
	unused := bitsPerChar - significant
	start := (last >> unused) << unused
	end := start + 1<<unused
	if end > len(base32)-1 {
		return Range{Start: prefix + string(base32[start]), End: prefix + rangeEndSentinelChar}
	}
	return Range{Start: prefix + string(base32[start]), End: prefix + string(base32[end])}
}

func boundingBoxBits(c models.Coord, sizeM float64) int {
	latDelta := sizeM / metersPerDegreeLat
	north := math.Min(90, c.Lat+latDelta)
	south := math.Max(-90, c.Lat-latDelta)
	bitsLat := int(math.Floor(latitudeBitsForResolution(sizeM))) * 2
	bitsLonNorth := int(math.Floor(longitudeBitsForResolution(sizeM, north)))*2 - 1
	bitsLonSouth := int(math.Floor(longitudeBitsForResolution(sizeM, south)))*2 - 1
	return min(bitsLat, bitsLonNorth, bitsLonSouth, maxBitsPrecision)
}

func boundingBoxCoordinates(c models.Coord, radiusM float64) []models.Coord {
	latDeg := radiusM / metersPerDegreeLat
	north := math.Min(90, c.Lat+latDeg)
	south := math.Max(-90, c.Lat-latDeg)
	lonDeg := math.Max(metersToLongitudeDegrees(radiusM, north), metersToLongitudeDegrees(radiusM, south))
	west, east := wrapLongitude(c.Lon-lonDeg), wrapLongitude(c.Lon+lonDeg)
	return []models.Coord{
		{Lat: c.Lat, Lon: c.Lon}, {Lat: c.Lat, Lon: west}, {Lat: c.Lat, Lon: east},
		{Lat: north, Lon: c.Lon}, {Lat: north, Lon: west}, {Lat: north, Lon: east},
		{Lat: south, Lon: c.Lon}, {Lat: south, Lon: west}, {Lat: south, Lon: east},
	}
}

func latitudeBitsForResolution(resolutionM float64) float64 {
	return math.Min(math.Log2(earthMeridionalCirc/2/resolutionM), maxBitsPrecision)
}

func longitudeBitsForResolution(resolutionM, lat float64) float64 {
	deg := metersToLongitudeDegrees(resolutionM, lat)
	if math.Abs(deg) > longitudeResEpsilon {
		return math.Max(1, math.Log2(360/deg))
	}
	return 1
}

func metersToLongitudeDegrees(distanceM, lat float64) float64 {
	rad := lat * math.Pi / 180
	num := math.Cos(rad) * earthEquatorialRad * math.Pi / 180
	denom := 1 / math.Sqrt(1-earthEccentricitySq*math.Sin(rad)*math.Sin(rad))
	delta := num * denom
	if delta < longitudeDegEpsilon {
		if distanceM > 0 {
			return 360
		}
		return 0
	}
	return math.Min(360, distanceM/delta)
}

func wrapLongitude(lon float64) float64 {
	if lon >= -180 && lon <= 180 {
		return lon
	}
	adjusted := lon + 180
	if adjusted > 0 {
		return math.Mod(adjusted, 360) - 180
	}
	return 180 - math.Mod(-adjusted, 360)
}
