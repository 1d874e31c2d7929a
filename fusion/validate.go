package fusion

import (
	"fmt"
	"math"
)

// ScoreSentinel is the quality score reported for a perfect (zero RMSE) fit
const ScoreSentinel = 1e9

// Policy holds the empirical gates applied to every fitted transform
type Policy struct {
	MinPairs         int             `yaml:"min_pairs" json:"minPairs"`
	MinInliers       int             `yaml:"min_inliers" json:"minInliers"`
	ScaleMin         float64         `yaml:"scale_min" json:"scaleMin"`
	ScaleMax         float64         `yaml:"scale_max" json:"scaleMax"`
	RegressionFactor float64         `yaml:"regression_factor" json:"regressionFactor"`
	MaxPairs         int             `yaml:"max_pairs" json:"maxPairs"` // 0 fits over the whole history
	Diversity        DiversityPolicy `yaml:"diversity" json:"diversity"`
}

// DefaultPolicy returns the gates tuned on handheld captures
func DefaultPolicy() Policy {
	return Policy{
		MinPairs:         4,
		MinInliers:       4,
		ScaleMin:         0.2,
		ScaleMax:         5.0,
		RegressionFactor: 4.5,
		MaxPairs:         0,
		Diversity:        DefaultDiversityPolicy(),
	}
}

// ValidateSim3 decides whether a fitted transform may replace the current
// estimate. prevRMSE is the RMSE of the last accepted fit, or nil when none
// has been accepted yet. The returned string explains a rejection.
func ValidateSim3(sim *Similarity, prevRMSE *float64, policy Policy) (bool, string) {
	if sim == nil || sim.Stats == nil || math.IsNaN(sim.Stats.RMSE) || math.IsInf(sim.Stats.RMSE, 0) {
		return false, "missing fit statistics"
	}

	s := sim.Scale
	if !(policy.ScaleMin < s && s < policy.ScaleMax) {
		return false, fmt.Sprintf("scale out of range (%.4f not in %.2f..%.2f)", s, policy.ScaleMin, policy.ScaleMax)
	}

	rmse := sim.Stats.RMSE
	if prevRMSE != nil && rmse > *prevRMSE*policy.RegressionFactor {
		return false, fmt.Sprintf("rmse regressed (%.4f > %.1f x %.4f)", rmse, policy.RegressionFactor, *prevRMSE)
	}

	if sim.Stats.NumInliers < policy.MinInliers {
		return false, fmt.Sprintf("too few inliers (%d < %d)", sim.Stats.NumInliers, policy.MinInliers)
	}

	return true, ""
}

// ScoreFromRMSE converts a fit error into a quality score (higher is better)
func ScoreFromRMSE(rmse float64) float64 {
	if rmse <= 0 {
		return ScoreSentinel
	}
	return 1.0 / rmse
}
