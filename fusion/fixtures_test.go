package fusion

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/require"
)

const (
	testMovie = "heist"
	testScene = "vault"
	testFrame = "0042"
)

// writeScene lays out a scene root with one reference pose and a model dir
func writeScene(t *testing.T, root string, ref ReferencePose) {
	t.Helper()
	dir := filepath.Join(root, testMovie, testScene)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sfm"), 0o755))
	data, err := json.Marshal(ref)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, testFrame+".json"), data, 0o644))
}

func testMeta(pos r3.Vector) UploadMeta {
	return UploadMeta{
		MovieName:    testMovie,
		SceneName:    testScene,
		FrameID:      testFrame,
		RotationXYZW: []float64{0, 0, 0, 1},
		TranslationM: []float64{pos.X, pos.Y, pos.Z},
	}
}

// fakeLocalizer answers from a table keyed by image name
type fakeLocalizer struct {
	mu       sync.Mutex
	results  map[string]*Localization
	err      error
	requests []LocalizeRequest
}

func newFakeLocalizer() *fakeLocalizer {
	return &fakeLocalizer{results: make(map[string]*Localization)}
}

func (f *fakeLocalizer) Localize(ctx context.Context, req LocalizeRequest) (*Localization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	loc, ok := f.results[req.ImageName]
	if !ok {
		return nil, fmt.Errorf("%w: no match for %s", ErrLocalizationFailed, req.ImageName)
	}
	out := *loc
	return &out, nil
}

func (f *fakeLocalizer) set(name string, loc *Localization) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[name] = loc
}

func (f *fakeLocalizer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// recordingRemover remembers every path the pipeline released
type recordingRemover struct {
	mu    sync.Mutex
	paths []string
}

func (r *recordingRemover) Remove(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	return nil
}

func (r *recordingRemover) removed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

// scenario is a synthetic capture: device poses, the reconstruction poses
// the localizer reports for them under truth, and a reference pose.
type scenario struct {
	truth     *Similarity
	uploads   []Upload
	loc       *fakeLocalizer
	refDevPos r3.Vector
	refDevRot Matrix3
	root      string
}

// newScenario builds uploads at the given device positions. Reconstruction
// positions get gaussian noise of the given sigma.
func newScenario(t *testing.T, truth *Similarity, positions []r3.Vector, sigma float64, seed int64) *scenario {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	sc := &scenario{
		truth:     truth,
		loc:       newFakeLocalizer(),
		refDevPos: r3.Vector{X: 0.4, Y: 0.3, Z: 0.5},
		refDevRot: RotY(20),
		root:      t.TempDir(),
	}
	for i, p := range positions {
		sc.add(fmt.Sprintf("frame_%02d.jpg", i), p, sigma, rng)
	}
	writeScene(t, sc.root, referenceFromDevice(sc.refDevPos, sc.refDevRot, truth))
	return sc
}

func (sc *scenario) add(name string, devPos r3.Vector, sigma float64, rng *rand.Rand) Upload {
	c, r := DeviceToCanonical(devPos, Identity3())
	recon := sc.truth.Apply(c)
	if sigma > 0 {
		recon = recon.Add(r3.Vector{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}.Mul(sigma))
	}
	sc.loc.set(name, &Localization{
		Position:     recon,
		RotationXYZW: MatrixToQuat(sc.truth.Rotation.Mul(r)),
		NumInliers:   250,
		Camera:       CameraParams{F: 1400, Cx: 960, Cy: 540},
	})
	up := Upload{ImageName: name, ImagePath: "/uploads/" + name, Meta: testMeta(devPos)}
	sc.uploads = append(sc.uploads, up)
	return up
}

func (sc *scenario) session(t *testing.T) *Session {
	t.Helper()
	s := NewSession(NewSceneStore(sc.root, nil))
	_, err := s.Activate(testMeta(r3.Vector{}))
	require.NoError(t, err)
	return s
}

// tetrahedron spans all three axes so every 3-subset is non-degenerate
var tetrahedron = []r3.Vector{
	{X: 0, Y: 0, Z: 0},
	{X: 1, Y: 0, Z: 0},
	{X: 0, Y: 1, Z: 0},
	{X: 0, Y: 0, Z: 1},
}
