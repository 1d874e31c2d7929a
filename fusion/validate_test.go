package fusion

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fitWith(scale, rmse float64, inliers int) *Similarity {
	return &Similarity{
		Scale:    scale,
		Rotation: Identity3(),
		Stats:    &FitStats{N: inliers, NumInliers: inliers, RMSE: rmse},
	}
}

// ---------------------------------------------------------------------------
// ValidateSim3
// ---------------------------------------------------------------------------

func TestValidateSim3(t *testing.T) {
	prev := 0.1
	tests := []struct {
		name    string
		sim     *Similarity
		prev    *float64
		want    bool
		wantMsg string
	}{
		{"first fit", fitWith(1.0, 0.3, 4), nil, true, ""},
		{"nil transform", nil, nil, false, "missing fit statistics"},
		{"nil stats", &Similarity{Scale: 1}, nil, false, "missing fit statistics"},
		{"nan rmse", fitWith(1.0, math.NaN(), 5), nil, false, "missing fit statistics"},
		{"infinite rmse", fitWith(1.0, math.Inf(1), 5), nil, false, "missing fit statistics"},
		{"scale too large", fitWith(6.0, 0.01, 8), nil, false, "scale out of range"},
		{"scale too small", fitWith(0.1, 0.01, 8), nil, false, "scale out of range"},
		{"lower scale bound is exclusive", fitWith(0.2, 0.01, 8), nil, false, "scale out of range"},
		{"upper scale bound is exclusive", fitWith(5.0, 0.01, 8), nil, false, "scale out of range"},
		{"rmse regressed", fitWith(1.0, 0.5, 8), &prev, false, "rmse regressed"},
		{"rmse within regression factor", fitWith(1.0, 0.4, 8), &prev, true, ""},
		{"rmse just under regression limit", fitWith(1.0, 0.449, 8), &prev, true, ""},
		{"too few inliers", fitWith(1.0, 0.01, 3), nil, false, "too few inliers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := ValidateSim3(tt.sim, tt.prev, DefaultPolicy())
			assert.Equal(t, tt.want, ok)
			if tt.want {
				assert.Empty(t, reason)
			} else {
				assert.Contains(t, reason, tt.wantMsg)
			}
		})
	}
}

func TestValidateSim3_CustomPolicy(t *testing.T) {
	policy := DefaultPolicy()
	policy.ScaleMax = 10
	policy.MinInliers = 3

	ok, _ := ValidateSim3(fitWith(6.0, 0.01, 3), nil, policy)
	assert.True(t, ok)
}

// ---------------------------------------------------------------------------
// ScoreFromRMSE
// ---------------------------------------------------------------------------

func TestScoreFromRMSE(t *testing.T) {
	assert.Equal(t, ScoreSentinel, ScoreFromRMSE(0))
	assert.Equal(t, ScoreSentinel, ScoreFromRMSE(-1))
	assert.InDelta(t, 2.0, ScoreFromRMSE(0.5), 1e-12)
	assert.Greater(t, ScoreFromRMSE(0.01), ScoreFromRMSE(0.02))
}
