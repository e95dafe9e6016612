package matcher

import (
	"cmp"
	"slices"

	"github.com/example/ride-dispatch/internal/geo"
)

// Rank orders candidates nearest first. Ties keep the index order.
func Rank(cands []geo.Candidate) []string {
	sorted := slices.Clone(cands)
	slices.SortStableFunc(sorted, func(a, b geo.Candidate) int { return cmp.Compare(a.DistanceM, b.DistanceM) })
	ids := make([]string, len(sorted))
	for i, c := range sorted {
		ids[i] = c.DriverID
	}
	return ids
}
