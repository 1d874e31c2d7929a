package fusion

import (
	"time"

	"github.com/golang/geo/r3"
)

// UploadMeta is the metadata sent with every uploaded frame
type UploadMeta struct {
	MovieName    string    `json:"movieName"`
	SceneName    string    `json:"sceneName"`
	FrameID      string    `json:"frameId"`
	IsFromAlbum  bool      `json:"isFromAlbum"`
	RotationXYZW []float64 `json:"rotation_xyzw"`
	TranslationM []float64 `json:"translation_m"`
	TimestampMs  int64     `json:"timestamp_ms,omitempty"`
}

// Upload is one queued frame waiting for normalization
type Upload struct {
	ImageName string
	ImagePath string
	Meta      UploadMeta
}

// PoseSample is a normalized session pose. Immutable once created.
// Movie and Scene name the session the frame was captured for.
type PoseSample struct {
	ID         string
	ImageName  string
	ImagePath  string
	Movie      string
	Scene      string
	Position   r3.Vector
	Rotation   Matrix3
	ReceivedAt time.Time
}

// AcceptedPair links a session pose to the reconstruction pose the
// localization service resolved for the same frame.
type AcceptedPair struct {
	SampleID        string
	SessionPosition r3.Vector
	SessionRotation Matrix3
	ReconPosition   r3.Vector
	ReconRotation   Matrix3
	FocalLength     float64
}

// FitStats describes how well a similarity transform fits its inliers
type FitStats struct {
	N               int     `json:"n"`
	NumInliers      int     `json:"numInliers"`
	ThresholdInit   float64 `json:"thresholdInit"`
	ThresholdRefine float64 `json:"thresholdRefine"`
	RMSE            float64 `json:"rmse"`
	MedianErr       float64 `json:"medianErr"`
	MaxErr          float64 `json:"maxErr"`
	DetR            float64 `json:"detR"`
	OrthErr         float64 `json:"orthErr"`
}

// Similarity maps session space into reconstruction space: y = s*R*x + t.
// Stats is nil when the fit produced no statistics.
type Similarity struct {
	Scale       float64   `json:"scale"`
	Rotation    Matrix3   `json:"rotation"`
	Translation r3.Vector `json:"translation"`
	Inliers     []int     `json:"inliers"`
	Stats       *FitStats `json:"stats,omitempty"`
}

// Apply maps a session-space point into reconstruction space
func (s *Similarity) Apply(p r3.Vector) r3.Vector {
	return s.Rotation.MulVec(p).Mul(s.Scale).Add(s.Translation)
}

// Inverse maps a reconstruction-space point back into session space
func (s *Similarity) Inverse(p r3.Vector) r3.Vector {
	return s.Rotation.T().MulVec(p.Sub(s.Translation)).Mul(1.0 / s.Scale)
}

// Matrix4 returns the homogeneous 4x4 matrix [s*R | t]
func (s *Similarity) Matrix4() [4][4]float64 {
	var m [4][4]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = s.Scale * s.Rotation[i][j]
		}
	}
	m[0][3] = s.Translation.X
	m[1][3] = s.Translation.Y
	m[2][3] = s.Translation.Z
	m[3][3] = 1
	return m
}

// ReferencePose is an authored camera pose in reconstruction coordinates
type ReferencePose struct {
	Translation  []float64 `json:"translation"`
	RotationXYZW []float64 `json:"rotation"`
}

// CameraParams are the intrinsics estimated by the localization service
type CameraParams struct {
	F  float64 `json:"f"`
	Cx float64 `json:"cx"`
	Cy float64 `json:"cy"`
	K  float64 `json:"k"`
}

// Localization is a resolved pose in reconstruction coordinates
type Localization struct {
	Position     r3.Vector
	RotationXYZW [4]float64
	NumInliers   int
	Camera       CameraParams
}

// BestPose is the published reference pose expressed in session coordinates
type BestPose struct {
	Position     r3.Vector  `json:"translation"`
	RotationXYZW [4]float64 `json:"rotation_xyzw"`
	Score        float64    `json:"score"`
	RMSE         float64    `json:"rmse"`
	Scale        float64    `json:"scale"`
	FocalLength  float64    `json:"focalLength"`
	PairCount    int        `json:"pairCount"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// CycleOutcome is what a single alignment cycle ended up doing
type CycleOutcome string

const (
	OutcomeIdle           CycleOutcome = "idle"
	OutcomeNoSession      CycleOutcome = "no_session"
	OutcomeLocalizeFailed CycleOutcome = "localize_failed"
	OutcomeSkippedSimilar CycleOutcome = "skipped_similar"
	OutcomeInsufficient   CycleOutcome = "insufficient_pairs"
	OutcomeFitFailed      CycleOutcome = "fit_failed"
	OutcomeRejected       CycleOutcome = "rejected"
	OutcomeAccepted       CycleOutcome = "accepted"
	OutcomePublished      CycleOutcome = "published"
)

// CycleResult summarises one alignment cycle
type CycleResult struct {
	SampleID     string       `json:"sampleId,omitempty"`
	Outcome      CycleOutcome `json:"outcome"`
	PairCount    int          `json:"pairCount"`
	PendingCount int          `json:"pendingCount"`
	SelectedDist float64      `json:"selectedDist"`
	Sim          *Similarity  `json:"sim,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	Score        float64      `json:"score,omitempty"`
	At           time.Time    `json:"at"`
}

// Published reports whether the cycle replaced the best pose
func (c CycleResult) Published() bool {
	return c.Outcome == OutcomePublished
}
