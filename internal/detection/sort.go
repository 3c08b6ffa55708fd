// Package detection validates and orders detection metadata received from the
// inference service.
package detection

import (
	"math"
	"sort"

	"github.com/fbn/imgrec/overlay-server/pkg/types"
)

// DistanceFromOrigin returns the Euclidean distance of the point (x + w/2, y + h/2)
// from the normalized origin (0,0).
//
// The reference point is the absolute origin, not the frame center (0.5,0.5).
// Ordering depends on it, so it stays until product confirms the intended anchor.
func DistanceFromOrigin(d types.Detection) float64 {
	cx := d.Box.X + d.Box.W/2
	cy := d.Box.Y + d.Box.H/2
	return math.Hypot(cx, cy)
}

// SortByDistanceFromOrigin returns a copy of detections ordered by ascending
// DistanceFromOrigin. Equal distances keep their input order. The input slice
// is not modified.
func SortByDistanceFromOrigin(detections []types.Detection) []types.Detection {
	sorted := make([]types.Detection, len(detections))
	copy(sorted, detections)

	sort.SliceStable(sorted, func(i, j int) bool {
		return DistanceFromOrigin(sorted[i]) < DistanceFromOrigin(sorted[j])
	})
	return sorted
}
