package fusion

import (
	"math"

	"github.com/golang/geo/r3"
)

// SelectFarthest implements farthest-point sampling: it returns the index of
// the pending position whose distance to its nearest used position is the
// largest. Ties go to the smallest index. ok is false when either list is
// empty; with no used positions the caller bootstraps from pending[0].
func SelectFarthest(used, pending []r3.Vector) (idx int, dist float64, ok bool) {
	if len(pending) == 0 || len(used) == 0 {
		return -1, -1, false
	}

	idx, dist = -1, -1.0
	for i, p := range pending {
		minDist := math.Inf(1)
		for _, u := range used {
			if d := p.Distance(u); d < minDist {
				minDist = d
			}
		}
		if minDist > dist {
			dist = minDist
			idx = i
		}
	}
	return idx, dist, true
}

// DiversityPolicy decides whether a candidate frame adds enough new
// viewpoint to be worth localizing.
type DiversityPolicy struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	MinDistance float64 `yaml:"min_distance" json:"minDistance"` // meters
	MinAngleDeg float64 `yaml:"min_angle_deg" json:"minAngleDeg"`
}

// DefaultDiversityPolicy returns the thresholds used by the capture app (off by default)
func DefaultDiversityPolicy() DiversityPolicy {
	return DiversityPolicy{
		Enabled:     false,
		MinDistance: 0.20,
		MinAngleDeg: 10.0,
	}
}

// IsDiverse reports whether a candidate is far enough or rotated enough
// from every used sample. An empty used set is always diverse.
func IsDiverse(pos r3.Vector, rot Matrix3, usedPos []r3.Vector, usedRot []Matrix3, minDist, minAngleDeg float64) bool {
	if len(usedPos) == 0 {
		return true
	}
	nearest := math.Inf(1)
	for _, u := range usedPos {
		nearest = math.Min(nearest, pos.Distance(u))
	}
	smallestAngle := math.Inf(1)
	for _, r := range usedRot {
		smallestAngle = math.Min(smallestAngle, RotationAngleDeg(rot, r))
	}
	return nearest >= minDist || smallestAngle >= minAngleDeg
}
