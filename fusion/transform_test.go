package fusion

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

// ---------------------------------------------------------------------------
// Elementary rotations
// ---------------------------------------------------------------------------

func TestRotations_QuarterTurnsAreExact(t *testing.T) {
	assert.Equal(t, Matrix3{{1, 0, 0}, {0, 0, -1}, {0, 1, 0}}, RotX(90))
	assert.Equal(t, Matrix3{{-1, 0, 0}, {0, -1, 0}, {0, 0, 1}}, RotZ(180))
	assert.Equal(t, Matrix3{{0, 0, -1}, {0, 1, 0}, {1, 0, 0}}, RotY(-90))
	assert.Equal(t, Identity3(), RotZ(360))
}

func TestMatrix3_Properties(t *testing.T) {
	r := RotZ(30).Mul(RotX(45)).Mul(RotY(-20))

	assert.InDelta(t, 1.0, r.Det(), 1e-12)
	assert.Less(t, r.OrthogonalityError(), 1e-12)
	if diff := cmp.Diff(Identity3(), r.Mul(r.T()), approx); diff != "" {
		t.Errorf("R*R^T mismatch (-want +got):\n%s", diff)
	}
	assert.InDelta(t, 3.0, Identity3().Trace(), 0)
	assert.InDelta(t, -1.0, Diag3(1, 1, -1).Det(), 0)
}

func TestMatrix3_DenseRoundTrip(t *testing.T) {
	r := RotZ(12).Mul(RotY(34))
	assert.Equal(t, r, matrix3FromDense(r.Dense()))
}

func TestRotationAngleDeg(t *testing.T) {
	assert.InDelta(t, 10.0, RotationAngleDeg(RotZ(10), Identity3()), 1e-9)
	assert.InDelta(t, 0.0, RotationAngleDeg(RotX(33), RotX(33)), 1e-4)
	assert.InDelta(t, 180.0, RotationAngleDeg(RotY(180), Identity3()), 1e-9)
}

// ---------------------------------------------------------------------------
// Quaternions
// ---------------------------------------------------------------------------

func TestQuatToMatrix(t *testing.T) {
	s := math.Sin(math.Pi / 4)
	tests := []struct {
		name string
		q    [4]float64
		want Matrix3
	}{
		{"identity", [4]float64{0, 0, 0, 1}, Identity3()},
		{"90 about z", [4]float64{0, 0, s, s}, RotZ(90)},
		{"180 about x", [4]float64{1, 0, 0, 0}, RotX(180)},
		{"unnormalized", [4]float64{0, 0, 2 * s, 2 * s}, RotZ(90)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := QuatToMatrix(tt.q)
			require.True(t, ok)
			if diff := cmp.Diff(tt.want, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestQuatToMatrix_Degenerate(t *testing.T) {
	_, ok := QuatToMatrix([4]float64{0, 0, 0, 0})
	assert.False(t, ok)
	_, ok = QuatToMatrix([4]float64{math.NaN(), 0, 0, 1})
	assert.False(t, ok)
	_, ok = QuatToMatrix([4]float64{math.Inf(1), 0, 0, 1})
	assert.False(t, ok)
}

func TestMatrixToQuat_RoundTrip(t *testing.T) {
	rotations := []Matrix3{
		Identity3(),
		RotX(180),
		RotY(180),
		RotZ(180),
		RotZ(90).Mul(RotX(180)),
		RotX(10).Mul(RotY(-170)).Mul(RotZ(95)),
		RotY(123).Mul(RotZ(-45)),
	}
	for i, r := range rotations {
		q := MatrixToQuat(r)
		assert.GreaterOrEqual(t, q[3], 0.0, "rotation %d: w must be non-negative", i)
		norm := math.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
		assert.InDelta(t, 1.0, norm, 1e-12, "rotation %d", i)

		back, ok := QuatToMatrix(q)
		require.True(t, ok)
		if diff := cmp.Diff(r, back, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
			t.Errorf("rotation %d round trip mismatch (-want +got):\n%s", i, diff)
		}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestSliceConversions(t *testing.T) {
	v, ok := vectorFromSlice([]float64{1, 2, 3})
	require.True(t, ok)
	assert.Equal(t, 2.0, v.Y)

	_, ok = vectorFromSlice([]float64{1, 2})
	assert.False(t, ok)
	_, ok = vectorFromSlice([]float64{1, math.NaN(), 3})
	assert.False(t, ok)

	q, ok := quatFromSlice([]float64{0, 0, 0, 1})
	require.True(t, ok)
	assert.Equal(t, [4]float64{0, 0, 0, 1}, q)
	_, ok = quatFromSlice(nil)
	assert.False(t, ok)
}
