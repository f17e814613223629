// README: Candidate ranking strategy for dispatch waves.
package dispatch

import (
	"sort"

	"github.com/Kuany4953/wasil-sub001/internal/modules/geo"
	"github.com/Kuany4953/wasil-sub001/internal/types"
)

// Ranker orders candidate drivers for an offer wave. Implementations must
// not mutate the input slice.
type Ranker interface {
	Rank(origin types.Point, candidates []geo.DriverLocation) []geo.DriverLocation
}

// ByDistance ranks candidates closest-first. Candidates without a search
// distance (snapshot fallback results carry one too, so this is rare) are
// measured against the origin directly.
type ByDistance struct{}

func (ByDistance) Rank(origin types.Point, candidates []geo.DriverLocation) []geo.DriverLocation {
	out := make([]geo.DriverLocation, len(candidates))
	copy(out, candidates)
	for i := range out {
		if out[i].Distance == 0 {
			out[i].Distance = origin.DistanceKm(out[i].Position)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Distance < out[j].Distance
	})
	return out
}
