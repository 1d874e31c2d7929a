package fusion

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrReferenceNotFound is returned when the reference pose record is missing or unreadable
	ErrReferenceNotFound = errors.New("reference pose not found")
	// ErrSessionMismatch is returned when an upload names a different movie/scene than the active session
	ErrSessionMismatch = errors.New("upload belongs to a different scene than the active session")
)

// SceneStore resolves reference poses and reconstruction models laid out as
// <root>/<movie>/<scene>/<frame>.json and <root>/<movie>/<scene>/sfm.
type SceneStore struct {
	root   string
	models *ModelCache
}

// NewSceneStore creates a store rooted at root
func NewSceneStore(root string, models *ModelCache) *SceneStore {
	if models == nil {
		models = NewModelCache()
	}
	return &SceneStore{root: root, models: models}
}

// safeComponent rejects names that would escape the scene root
func safeComponent(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s is empty", kind)
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%s %q is not a plain name", kind, name)
	}
	return nil
}

// ModelPath returns where the reconstruction model for a scene lives
func (s *SceneStore) ModelPath(movie, scene string) string {
	return filepath.Join(s.root, movie, scene, "sfm")
}

// LoadReference reads the authored camera pose for one film frame
func (s *SceneStore) LoadReference(movie, scene, frame string) (ReferencePose, error) {
	for _, c := range []struct{ kind, name string }{{"movie", movie}, {"scene", scene}, {"frame", frame}} {
		if err := safeComponent(c.kind, c.name); err != nil {
			return ReferencePose{}, fmt.Errorf("%w: %v", ErrReferenceNotFound, err)
		}
	}
	path := filepath.Join(s.root, movie, scene, frame+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return ReferencePose{}, fmt.Errorf("%w: %v", ErrReferenceNotFound, err)
	}
	var ref ReferencePose
	if err := json.Unmarshal(data, &ref); err != nil {
		return ReferencePose{}, fmt.Errorf("%w: parsing %s: %v", ErrReferenceNotFound, path, err)
	}
	if _, ok := vectorFromSlice(ref.Translation); !ok {
		return ReferencePose{}, fmt.Errorf("%w: %s: translation must hold 3 finite values", ErrReferenceNotFound, path)
	}
	q, ok := quatFromSlice(ref.RotationXYZW)
	if !ok {
		return ReferencePose{}, fmt.Errorf("%w: %s: rotation must hold 4 finite values", ErrReferenceNotFound, path)
	}
	if _, ok := QuatToMatrix(q); !ok {
		return ReferencePose{}, fmt.Errorf("%w: %s: zero-length rotation", ErrReferenceNotFound, path)
	}
	return ref, nil
}

// LoadModel loads (once) the reconstruction model for a scene
func (s *SceneStore) LoadModel(movie, scene string) (ModelHandle, error) {
	if err := safeComponent("movie", movie); err != nil {
		return ModelHandle{}, err
	}
	if err := safeComponent("scene", scene); err != nil {
		return ModelHandle{}, err
	}
	return s.models.Get(s.ModelPath(movie, scene))
}

// SessionInfo describes the active capture session
type SessionInfo struct {
	Movie     string        `json:"movieName"`
	Scene     string        `json:"sceneName"`
	FrameID   string        `json:"frameId"`
	Reference ReferencePose `json:"reference"`
	ModelPath string        `json:"modelPath"`
}

// Session tracks the single active movie/scene and its reference pose.
// The first upload of a session activates it.
type Session struct {
	mu     sync.RWMutex
	store  *SceneStore
	active *SessionInfo
}

// NewSession creates an inactive session backed by store
func NewSession(store *SceneStore) *Session {
	return &Session{store: store}
}

// Activate binds the session to the upload's movie/scene on first contact.
// Later uploads for the same movie/scene are accepted as-is (their frame id
// is ignored); uploads for another movie/scene fail with ErrSessionMismatch.
func (s *Session) Activate(meta UploadMeta) (SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		if s.active.Movie != meta.MovieName || s.active.Scene != meta.SceneName {
			return SessionInfo{}, fmt.Errorf("%w: active %s/%s, got %s/%s",
				ErrSessionMismatch, s.active.Movie, s.active.Scene, meta.MovieName, meta.SceneName)
		}
		return *s.active, nil
	}

	ref, err := s.store.LoadReference(meta.MovieName, meta.SceneName, meta.FrameID)
	if err != nil {
		return SessionInfo{}, err
	}
	model, err := s.store.LoadModel(meta.MovieName, meta.SceneName)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("loading model: %w", err)
	}

	s.active = &SessionInfo{
		Movie:     meta.MovieName,
		Scene:     meta.SceneName,
		FrameID:   meta.FrameID,
		Reference: ref,
		ModelPath: model.Path,
	}
	L().Infof("[SESSION] Activated %s/%s frame %s", meta.MovieName, meta.SceneName, meta.FrameID)
	return *s.active, nil
}

// Info returns the active session, if any
func (s *Session) Info() (SessionInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return SessionInfo{}, false
	}
	return *s.active, true
}

// Clear deactivates the session so the next upload starts a new one
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
}
