package fusion

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
)

// ErrMalformedSample is returned for uploads whose pose metadata cannot be used
var ErrMalformedSample = errors.New("malformed pose sample")

var (
	// handednessFlip negates the z axis of the capture device convention
	handednessFlip = Diag3(1, 1, -1)
	// orientationFix aligns the device camera's forward axis with the
	// reconstruction camera convention: 90° about z, then 180° about x.
	orientationFix = RotZ(90).Mul(RotX(180))
)

// DeviceToCanonical converts a raw device pose into the canonical
// right-handed convention used internally.
func DeviceToCanonical(position r3.Vector, rotation Matrix3) (r3.Vector, Matrix3) {
	r := handednessFlip.Mul(rotation).Mul(handednessFlip)
	c := handednessFlip.MulVec(position)
	return c, r.Mul(orientationFix)
}

// CanonicalToDevice undoes DeviceToCanonical
func CanonicalToDevice(position r3.Vector, rotation Matrix3) (r3.Vector, Matrix3) {
	r := rotation.Mul(orientationFix.T())
	r = handednessFlip.Mul(r).Mul(handednessFlip)
	return handednessFlip.MulVec(position), r
}

// Validate checks that the pose fields of an upload are usable
func (m UploadMeta) Validate() error {
	if _, ok := quatFromSlice(m.RotationXYZW); !ok {
		return fmt.Errorf("%w: rotation_xyzw must hold 4 finite values, got %v", ErrMalformedSample, m.RotationXYZW)
	}
	if _, ok := vectorFromSlice(m.TranslationM); !ok {
		return fmt.Errorf("%w: translation_m must hold 3 finite values, got %v", ErrMalformedSample, m.TranslationM)
	}
	q, _ := quatFromSlice(m.RotationXYZW)
	if _, ok := QuatToMatrix(q); !ok {
		return fmt.Errorf("%w: zero-length rotation quaternion", ErrMalformedSample)
	}
	return nil
}

// NormalizeSample turns an upload into a canonical PoseSample
func NormalizeSample(up Upload) (PoseSample, error) {
	if err := up.Meta.Validate(); err != nil {
		return PoseSample{}, err
	}
	q, _ := quatFromSlice(up.Meta.RotationXYZW)
	rot, _ := QuatToMatrix(q)
	pos, _ := vectorFromSlice(up.Meta.TranslationM)

	c, r := DeviceToCanonical(pos, rot)
	return PoseSample{
		ID:         uuid.NewString(),
		ImageName:  up.ImageName,
		ImagePath:  up.ImagePath,
		Movie:      up.Meta.MovieName,
		Scene:      up.Meta.SceneName,
		Position:   c,
		Rotation:   r,
		ReceivedAt: time.Now(),
	}, nil
}

// ReexpressReference maps a reference pose from reconstruction coordinates
// into the session's device convention using the inverse of sim.
func ReexpressReference(ref ReferencePose, sim *Similarity) (r3.Vector, [4]float64, error) {
	if sim == nil || sim.Scale <= 0 {
		return r3.Vector{}, [4]float64{}, fmt.Errorf("similarity transform is not invertible")
	}
	c, ok := vectorFromSlice(ref.Translation)
	if !ok {
		return r3.Vector{}, [4]float64{}, fmt.Errorf("reference translation must hold 3 finite values")
	}
	q, ok := quatFromSlice(ref.RotationXYZW)
	if !ok {
		return r3.Vector{}, [4]float64{}, fmt.Errorf("reference rotation must hold 4 finite values")
	}
	rRef, ok := QuatToMatrix(q)
	if !ok {
		return r3.Vector{}, [4]float64{}, fmt.Errorf("reference rotation quaternion has zero length")
	}

	cSess := sim.Inverse(c)
	rSess := sim.Rotation.T().Mul(rRef)

	cDev, rDev := CanonicalToDevice(cSess, rSess)
	return cDev, MatrixToQuat(rDev), nil
}
