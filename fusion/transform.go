package fusion

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Matrix3 is a row-major 3x3 matrix, used for rotations
type Matrix3 [3][3]float64

// Identity3 returns the 3x3 identity
func Identity3() Matrix3 {
	return Matrix3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// Diag3 returns a diagonal matrix
func Diag3(a, b, c float64) Matrix3 {
	return Matrix3{{a, 0, 0}, {0, b, 0}, {0, 0, c}}
}

// Mul returns m * o
func (m Matrix3) Mul(o Matrix3) Matrix3 {
	var r Matrix3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = m[i][0]*o[0][j] + m[i][1]*o[1][j] + m[i][2]*o[2][j]
		}
	}
	return r
}

// MulVec returns m * v
func (m Matrix3) MulVec(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// T returns the transpose
func (m Matrix3) T() Matrix3 {
	var r Matrix3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = m[j][i]
		}
	}
	return r
}

// Det returns the determinant
func (m Matrix3) Det() float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

// Trace returns the sum of the diagonal
func (m Matrix3) Trace() float64 {
	return m[0][0] + m[1][1] + m[2][2]
}

// OrthogonalityError is the Frobenius norm of RᵀR - I
func (m Matrix3) OrthogonalityError() float64 {
	p := m.T().Mul(m)
	id := Identity3()
	sum := 0.0
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			d := p[i][j] - id[i][j]
			sum += d * d
		}
	}
	return math.Sqrt(sum)
}

// Dense converts to a gonum matrix
func (m Matrix3) Dense() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		m[2][0], m[2][1], m[2][2],
	})
}

// matrix3FromDense copies the top-left 3x3 block of a gonum matrix
func matrix3FromDense(d mat.Matrix) Matrix3 {
	var m Matrix3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = d.At(i, j)
		}
	}
	return m
}

// RotX creates a rotation about the x axis (degrees)
func RotX(degrees float64) Matrix3 {
	c, s := cosSinDeg(degrees)
	return Matrix3{{1, 0, 0}, {0, c, -s}, {0, s, c}}
}

// RotY creates a rotation about the y axis (degrees)
func RotY(degrees float64) Matrix3 {
	c, s := cosSinDeg(degrees)
	return Matrix3{{c, 0, s}, {0, 1, 0}, {-s, 0, c}}
}

// RotZ creates a rotation about the z axis (degrees)
func RotZ(degrees float64) Matrix3 {
	c, s := cosSinDeg(degrees)
	return Matrix3{{c, -s, 0}, {s, c, 0}, {0, 0, 1}}
}

// cosSinDeg snaps multiples of 90° to exact values so the fixed
// orientation corrections stay exactly orthonormal.
func cosSinDeg(degrees float64) (float64, float64) {
	if q := degrees / 90; q == math.Trunc(q) {
		switch ((int(q) % 4) + 4) % 4 {
		case 0:
			return 1, 0
		case 1:
			return 0, 1
		case 2:
			return -1, 0
		case 3:
			return 0, -1
		}
	}
	rad := degrees * math.Pi / 180
	return math.Cos(rad), math.Sin(rad)
}

// quatFromXYZW builds a gonum quaternion from an [x, y, z, w] array
func quatFromXYZW(q [4]float64) quat.Number {
	return quat.Number{Real: q[3], Imag: q[0], Jmag: q[1], Kmag: q[2]}
}

// QuatToMatrix converts an [x, y, z, w] quaternion into a rotation matrix.
// The quaternion is normalized first; ok is false for a zero or non-finite
// quaternion.
func QuatToMatrix(xyzw [4]float64) (Matrix3, bool) {
	q := quatFromXYZW(xyzw)
	n := quat.Abs(q)
	if n < 1e-12 || math.IsNaN(n) || math.IsInf(n, 0) {
		return Identity3(), false
	}
	q = quat.Scale(1/n, q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return Matrix3{
		{1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w)},
		{2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w)},
		{2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y)},
	}, true
}

// MatrixToQuat converts a rotation matrix into an [x, y, z, w] unit
// quaternion with a non-negative w component.
func MatrixToQuat(m Matrix3) [4]float64 {
	var q quat.Number
	tr := m.Trace()
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = quat.Number{
			Real: 0.25 * s,
			Imag: (m[2][1] - m[1][2]) / s,
			Jmag: (m[0][2] - m[2][0]) / s,
			Kmag: (m[1][0] - m[0][1]) / s,
		}
	case m[0][0] > m[1][1] && m[0][0] > m[2][2]:
		s := math.Sqrt(1+m[0][0]-m[1][1]-m[2][2]) * 2
		q = quat.Number{
			Real: (m[2][1] - m[1][2]) / s,
			Imag: 0.25 * s,
			Jmag: (m[0][1] + m[1][0]) / s,
			Kmag: (m[0][2] + m[2][0]) / s,
		}
	case m[1][1] > m[2][2]:
		s := math.Sqrt(1+m[1][1]-m[0][0]-m[2][2]) * 2
		q = quat.Number{
			Real: (m[0][2] - m[2][0]) / s,
			Imag: (m[0][1] + m[1][0]) / s,
			Jmag: 0.25 * s,
			Kmag: (m[1][2] + m[2][1]) / s,
		}
	default:
		s := math.Sqrt(1+m[2][2]-m[0][0]-m[1][1]) * 2
		q = quat.Number{
			Real: (m[1][0] - m[0][1]) / s,
			Imag: (m[0][2] + m[2][0]) / s,
			Jmag: (m[1][2] + m[2][1]) / s,
			Kmag: 0.25 * s,
		}
	}
	if n := quat.Abs(q); n > 0 {
		q = quat.Scale(1/n, q)
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return [4]float64{q.Imag, q.Jmag, q.Kmag, q.Real}
}

// RotationAngleDeg returns the angle of the relative rotation between a and b
func RotationAngleDeg(a, b Matrix3) float64 {
	c := (a.Mul(b.T()).Trace() - 1) / 2
	c = math.Max(-1, math.Min(1, c))
	return math.Acos(c) * 180 / math.Pi
}

// vectorFromSlice converts a 3-element slice; ok is false for wrong length
// or non-finite values.
func vectorFromSlice(v []float64) (r3.Vector, bool) {
	if len(v) != 3 || !allFinite(v) {
		return r3.Vector{}, false
	}
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}, true
}

// quatFromSlice converts a 4-element [x, y, z, w] slice
func quatFromSlice(v []float64) ([4]float64, bool) {
	if len(v) != 4 || !allFinite(v) {
		return [4]float64{}, false
	}
	return [4]float64{v[0], v[1], v[2], v[3]}, true
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Centroid returns the mean of a point set
func Centroid(points []r3.Vector) r3.Vector {
	if len(points) == 0 {
		return r3.Vector{}
	}
	var sum r3.Vector
	for _, p := range points {
		sum = sum.Add(p)
	}
	return sum.Mul(1.0 / float64(len(points)))
}
