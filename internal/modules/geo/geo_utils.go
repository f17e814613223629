// Package geo: geo_utils contains pure geographic computation helpers.
package geo

import (
	"math"

	"github.com/Kuany4953/wasil-sub001/internal/types"
)

// sortByDistance performs an insertion sort (fine for small N) on any slice
// where each element exposes a distance via the accessor function.
func sortByDistance[T any](items []T, dist func(T) float64) {
	for i := 1; i < len(items); i++ {
		key := items[i]
		j := i - 1
		for j >= 0 && dist(items[j]) > dist(key) {
			items[j+1] = items[j]
			j--
		}
		items[j+1] = key
	}
}

// boundingBox returns the lat/lng window containing the circle of radiusKm
// around origin. Longitude degrees shrink with latitude, so the lng delta
// widens toward the poles; candidates outside the true circle are trimmed by
// an exact distance check afterwards.
func boundingBox(origin types.Point, radiusKm float64) (latMin, latMax, lngMin, lngMax float64) {
	latDelta := radiusKm / 111.0
	lngDelta := latDelta
	if cosLat := math.Cos(degreesToRadians(origin.Lat)); cosLat > 1e-6 {
		lngDelta = radiusKm / (111.0 * cosLat)
	} else {
		lngDelta = 180
	}
	if lngDelta > 180 {
		lngDelta = 180
	}
	return origin.Lat - latDelta, origin.Lat + latDelta, origin.Lng - lngDelta, origin.Lng + lngDelta
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
