package fusion

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"
)

// ErrInsufficientPairs is returned when fewer than 3 correspondences are given
var ErrInsufficientPairs = errors.New("at least 3 correspondences are required")

// Sim3Config holds configuration for the robust similarity estimator.
// Thresholds are in reconstruction-space units; a zero threshold is derived
// from the spread of the target points.
type Sim3Config struct {
	WithScale       bool    // Estimate scale (false fixes s = 1)
	ThresholdInit   float64 // RANSAC inlier threshold
	ThresholdRefine float64 // Tighter threshold for the refit pass
	MaxTrials       int     // RANSAC trial budget
	MinInliers      int     // Below this the full set is used instead
	ScaleMin        float64 // Fitted scale is clipped to [ScaleMin, ScaleMax]
	ScaleMax        float64
	RNG             *rand.Rand // Random source for minimal-subset sampling
}

// DefaultSim3Config returns the estimator settings used by the pipeline
func DefaultSim3Config() Sim3Config {
	return Sim3Config{
		WithScale:       true,
		ThresholdInit:   0.5,
		ThresholdRefine: 0.25,
		MaxTrials:       1000,
		MinInliers:      4,
		ScaleMin:        1e-3,
		ScaleMax:        1e3,
		RNG:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// FitSimilarity computes the closed-form least-squares similarity mapping X
// onto Y (Umeyama). The returned rotation is re-orthonormalized.
func FitSimilarity(X, Y []r3.Vector, withScale bool) (float64, Matrix3, r3.Vector, error) {
	n := len(X)
	if n != len(Y) {
		return 0, Matrix3{}, r3.Vector{}, fmt.Errorf("point sets differ in length: %d vs %d", n, len(Y))
	}
	if n < 3 {
		return 0, Matrix3{}, r3.Vector{}, ErrInsufficientPairs
	}

	muX := Centroid(X)
	muY := Centroid(Y)

	// Cross-covariance Σ = Σ (y_i - μY)(x_i - μX)ᵀ / N
	sigma := mat.NewDense(3, 3, nil)
	varX := 0.0
	for i := range X {
		xc := X[i].Sub(muX)
		yc := Y[i].Sub(muY)
		xs := [3]float64{xc.X, xc.Y, xc.Z}
		ys := [3]float64{yc.X, yc.Y, yc.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				sigma.Set(r, c, sigma.At(r, c)+ys[r]*xs[c])
			}
		}
		varX += xc.Norm2()
	}
	sigma.Scale(1/float64(n), sigma)
	varX /= float64(n)

	var svd mat.SVD
	if ok := svd.Factorize(sigma, mat.SVDFull); !ok {
		return 0, Matrix3{}, r3.Vector{}, fmt.Errorf("SVD of cross-covariance failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	d := svd.Values(nil)

	U := matrix3FromDense(&u)
	Vt := matrix3FromDense(&v).T()

	S := Identity3()
	if U.Mul(Vt).Det() < 0 {
		S[2][2] = -1
	}
	R := U.Mul(S).Mul(Vt)

	scale := 1.0
	if withScale {
		trDS := d[0]*S[0][0] + d[1]*S[1][1] + d[2]*S[2][2]
		scale = trDS / math.Max(varX, 1e-12)
	}

	R, err := orthonormalize(R)
	if err != nil {
		return 0, Matrix3{}, r3.Vector{}, err
	}

	t := muY.Sub(R.MulVec(muX).Mul(scale))
	return scale, R, t, nil
}

// orthonormalize projects a near-rotation onto SO(3)
func orthonormalize(R Matrix3) (Matrix3, error) {
	var svd mat.SVD
	if ok := svd.Factorize(R.Dense(), mat.SVDFull); !ok {
		return Matrix3{}, fmt.Errorf("SVD of rotation failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	out := matrix3FromDense(&u).Mul(matrix3FromDense(&v).T())
	if out.Det() < 0 {
		for i := 0; i < 3; i++ {
			out[i][2] = -out[i][2]
		}
	}
	return out, nil
}

// residuals returns |s*R*x_i + t - y_i| for every pair
func residuals(X, Y []r3.Vector, s float64, R Matrix3, t r3.Vector) []float64 {
	errs := make([]float64, len(X))
	for i := range X {
		pred := R.MulVec(X[i]).Mul(s).Add(t)
		errs[i] = pred.Distance(Y[i])
	}
	return errs
}

func clipScale(s float64, cfg Sim3Config) float64 {
	if cfg.ScaleMin > 0 && s < cfg.ScaleMin {
		return cfg.ScaleMin
	}
	if cfg.ScaleMax > 0 && s > cfg.ScaleMax {
		return cfg.ScaleMax
	}
	return s
}

func subset(points []r3.Vector, idx []int) []r3.Vector {
	out := make([]r3.Vector, len(idx))
	for i, j := range idx {
		out[i] = points[j]
	}
	return out
}

func below(errs []float64, th float64) []int {
	var idx []int
	for i, e := range errs {
		if e < th {
			idx = append(idx, i)
		}
	}
	return idx
}

// deriveThresholds fills unset thresholds from the median spread of Y
func deriveThresholds(Y []r3.Vector, cfg Sim3Config) (float64, float64) {
	thInit, thRefine := cfg.ThresholdInit, cfg.ThresholdRefine
	if thInit <= 0 {
		muY := Centroid(Y)
		spread := make([]float64, len(Y))
		for i, y := range Y {
			spread[i] = y.Distance(muY)
		}
		scaleY, _ := stats.Median(spread)
		if scaleY <= 0 {
			scaleY = 1
		}
		thInit = math.Max(1e-6, 0.05*scaleY)
	}
	if thRefine <= 0 {
		thRefine = thInit * 0.5
	}
	return thInit, thRefine
}

// EstimateSim3 robustly fits y ≈ s*R*x + t. It samples minimal 3-point
// subsets, keeps the hypothesis with the most inliers, refits on those,
// tightens the threshold and refits once more. When too few inliers
// survive, the full set is fitted instead of failing. The scale is always
// clipped to the configured bounds.
func EstimateSim3(X, Y []r3.Vector, cfg Sim3Config) (*Similarity, error) {
	n := len(X)
	if n != len(Y) {
		return nil, fmt.Errorf("point sets differ in length: %d vs %d", n, len(Y))
	}
	if n < 3 {
		return nil, ErrInsufficientPairs
	}
	rng := cfg.RNG
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	minInliers := cfg.MinInliers
	if minInliers <= 0 {
		minInliers = 4
	}
	thInit, thRefine := deriveThresholds(Y, cfg)

	bestNum := -1
	var bestInliers []int
	for trial := 0; trial < cfg.MaxTrials; trial++ {
		idx := rng.Perm(n)[:3]
		s, R, t, err := FitSimilarity(subset(X, idx), subset(Y, idx), cfg.WithScale)
		if err != nil {
			continue
		}
		s = clipScale(s, cfg)
		inliers := below(residuals(X, Y, s, R, t), thInit)
		if len(inliers) > bestNum {
			bestNum = len(inliers)
			bestInliers = inliers
			if bestNum == n {
				break
			}
		}
	}

	var (
		s       float64
		R       Matrix3
		t       r3.Vector
		inliers []int
		err     error
	)
	if bestNum < minInliers {
		s, R, t, err = FitSimilarity(X, Y, cfg.WithScale)
		if err != nil {
			return nil, fmt.Errorf("full-set fit: %w", err)
		}
		s = clipScale(s, cfg)
		inliers = allIndices(n)
	} else {
		s, R, t, err = FitSimilarity(subset(X, bestInliers), subset(Y, bestInliers), cfg.WithScale)
		if err != nil {
			return nil, fmt.Errorf("inlier refit: %w", err)
		}
		s = clipScale(s, cfg)
		inliers = bestInliers

		refined := below(residuals(X, Y, s, R, t), thRefine)
		if len(refined) >= 3 {
			s2, R2, t2, err := FitSimilarity(subset(X, refined), subset(Y, refined), cfg.WithScale)
			if err == nil {
				s, R, t = clipScale(s2, cfg), R2, t2
				inliers = refined
			}
		}
	}

	errs := residuals(X, Y, s, R, t)
	if len(inliers) == 0 {
		inliers = allIndices(n)
	}
	inErrs := make([]float64, len(inliers))
	sq := make([]float64, len(inliers))
	for i, j := range inliers {
		inErrs[i] = errs[j]
		sq[i] = errs[j] * errs[j]
	}
	meanSq, _ := stats.Mean(sq)
	median, _ := stats.Median(inErrs)
	maxErr, _ := stats.Max(inErrs)

	return &Similarity{
		Scale:       s,
		Rotation:    R,
		Translation: t,
		Inliers:     inliers,
		Stats: &FitStats{
			N:               n,
			NumInliers:      len(inliers),
			ThresholdInit:   thInit,
			ThresholdRefine: thRefine,
			RMSE:            math.Sqrt(meanSq),
			MedianErr:       median,
			MaxErr:          maxErr,
			DetR:            R.Det(),
			OrthErr:         R.OrthogonalityError(),
		},
	}, nil
}

func allIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}
