package fusion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultLocalizeTimeout bounds a single localization request.
	DefaultLocalizeTimeout = 30 * time.Second

	// DefaultLocalizeRetries is the default number of attempts per frame.
	DefaultLocalizeRetries = 3

	// defaultLocalizeBackoff is the base delay for exponential backoff.
	defaultLocalizeBackoff = 500 * time.Millisecond

	// maxLocalizeResponseBytes caps the response body; replies are small JSON documents.
	maxLocalizeResponseBytes = 1 << 20
)

// ErrLocalizationFailed is returned when the service could not resolve a frame
var ErrLocalizationFailed = errors.New("localization failed")

// LocalizeRequest identifies the frame and the model to localize it against
type LocalizeRequest struct {
	ImagePath string
	ImageName string
	ModelPath string
}

// Localizer resolves a frame's pose in reconstruction coordinates
type Localizer interface {
	Localize(ctx context.Context, req LocalizeRequest) (*Localization, error)
}

// LocalizeOption configures an HTTPLocalizer.
type LocalizeOption func(*localizeConfig)

type localizeConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultLocalizeConfig() localizeConfig {
	return localizeConfig{
		timeout:     DefaultLocalizeTimeout,
		maxRetries:  DefaultLocalizeRetries,
		baseBackoff: defaultLocalizeBackoff,
	}
}

// WithLocalizeTimeout sets the HTTP request timeout.
func WithLocalizeTimeout(d time.Duration) LocalizeOption {
	return func(c *localizeConfig) {
		c.timeout = d
	}
}

// WithLocalizeRetries sets the maximum number of attempts.
func WithLocalizeRetries(n int) LocalizeOption {
	return func(c *localizeConfig) {
		c.maxRetries = n
	}
}

// WithLocalizeBackoff sets the base delay for exponential backoff between retries.
func WithLocalizeBackoff(d time.Duration) LocalizeOption {
	return func(c *localizeConfig) {
		c.baseBackoff = d
	}
}

// WithLocalizeHTTPClient overrides the default HTTP client (useful for testing).
func WithLocalizeHTTPClient(client *http.Client) LocalizeOption {
	return func(c *localizeConfig) {
		c.client = client
	}
}

// HTTPLocalizer talks to the visual localization service over HTTP
type HTTPLocalizer struct {
	endpoint string
	cfg      localizeConfig
	client   *http.Client
}

// NewHTTPLocalizer creates a client for the service at endpoint
// (e.g. "http://localhost:8001"); requests go to <endpoint>/localize.
func NewHTTPLocalizer(endpoint string, opts ...LocalizeOption) (*HTTPLocalizer, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("localizer: endpoint is empty")
	}
	cfg := defaultLocalizeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxRetries < 1 {
		cfg.maxRetries = 1
	}
	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}
	return &HTTPLocalizer{
		endpoint: strings.TrimRight(endpoint, "/"),
		cfg:      cfg,
		client:   client,
	}, nil
}

type localizeResponse struct {
	Success      bool          `json:"success"`
	Reason       string        `json:"reason,omitempty"`
	Rotation     []float64     `json:"rotation"`
	Translation  []float64     `json:"translation"`
	NumInliers   int           `json:"num_inliers"`
	CameraParams *CameraParams `json:"camera_params"`
}

// permanentError marks failures that retrying cannot fix
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Localize uploads the image and returns the resolved pose. Network errors
// and 5xx replies are retried with exponential backoff.
func (l *HTTPLocalizer) Localize(ctx context.Context, req LocalizeRequest) (*Localization, error) {
	image, err := os.ReadFile(req.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("localize %s: %w: reading image: %v", req.ImageName, ErrLocalizationFailed, err)
	}

	var lastErr error
	for attempt := range l.cfg.maxRetries {
		if attempt > 0 {
			backoff := l.cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("localize %s: %w", req.ImageName, ctx.Err())
			case <-time.After(backoff):
			}
		}

		loc, err := l.doLocalize(ctx, req, image)
		if err == nil {
			return loc, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return nil, fmt.Errorf("localize %s: %w", req.ImageName, err)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("localize %s: %w", req.ImageName, ctx.Err())
		}
		lastErr = err
	}

	return nil, fmt.Errorf("localize %s: %w: all %d attempts failed: %v", req.ImageName, ErrLocalizationFailed, l.cfg.maxRetries, lastErr)
}

// doLocalize performs a single multipart POST and decodes the reply.
func (l *HTTPLocalizer) doLocalize(ctx context.Context, req LocalizeRequest, image []byte) (*Localization, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	name := req.ImageName
	if name == "" {
		name = filepath.Base(req.ImagePath)
	}
	part, err := w.CreateFormFile("image", name)
	if err != nil {
		return nil, &permanentError{fmt.Errorf("building form: %w", err)}
	}
	if _, err := part.Write(image); err != nil {
		return nil, &permanentError{fmt.Errorf("building form: %w", err)}
	}
	if err := w.WriteField("model", req.ModelPath); err != nil {
		return nil, &permanentError{fmt.Errorf("building form: %w", err)}
	}
	if err := w.Close(); err != nil {
		return nil, &permanentError{fmt.Errorf("building form: %w", err)}
	}

	url := l.endpoint + "/localize"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, &permanentError{fmt.Errorf("creating request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	httpReq.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP POST %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLocalizeResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("HTTP POST %s: status %d", url, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, &permanentError{fmt.Errorf("%w: HTTP POST %s: status %d", ErrLocalizationFailed, url, resp.StatusCode)}
	}

	var lr localizeResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, &permanentError{fmt.Errorf("%w: decoding response: %v", ErrLocalizationFailed, err)}
	}
	return lr.toLocalization()
}

func (lr *localizeResponse) toLocalization() (*Localization, error) {
	if !lr.Success {
		reason := lr.Reason
		if reason == "" {
			reason = "service reported no pose"
		}
		return nil, &permanentError{fmt.Errorf("%w: %s", ErrLocalizationFailed, reason)}
	}
	pos, ok := vectorFromSlice(lr.Translation)
	if !ok {
		return nil, &permanentError{fmt.Errorf("%w: translation must hold 3 finite values", ErrLocalizationFailed)}
	}
	q, ok := quatFromSlice(lr.Rotation)
	if !ok {
		return nil, &permanentError{fmt.Errorf("%w: rotation must hold 4 finite values", ErrLocalizationFailed)}
	}
	if _, ok := QuatToMatrix(q); !ok {
		return nil, &permanentError{fmt.Errorf("%w: zero-length rotation quaternion", ErrLocalizationFailed)}
	}
	loc := &Localization{
		Position:     pos,
		RotationXYZW: q,
		NumInliers:   lr.NumInliers,
	}
	if lr.CameraParams != nil {
		loc.Camera = *lr.CameraParams
	}
	return loc, nil
}

// ModelHandle refers to a reconstruction model that has been checked on disk
type ModelHandle struct {
	Path     string
	LoadedAt time.Time
}

// ModelCache loads each reconstruction model at most once per resolved path
type ModelCache struct {
	mu     sync.Mutex
	models map[string]ModelHandle
}

// NewModelCache creates an empty cache
func NewModelCache() *ModelCache {
	return &ModelCache{models: make(map[string]ModelHandle)}
}

// Get returns the handle for path, validating it on first use
func (mc *ModelCache) Get(path string) (ModelHandle, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return ModelHandle{}, fmt.Errorf("resolving model path %s: %w", path, err)
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()
	if h, ok := mc.models[abs]; ok {
		return h, nil
	}

	info, err := os.Stat(abs)
	if err != nil {
		return ModelHandle{}, fmt.Errorf("loading model %s: %w", abs, err)
	}
	if !info.IsDir() {
		return ModelHandle{}, fmt.Errorf("loading model %s: not a directory", abs)
	}

	h := ModelHandle{Path: abs, LoadedAt: time.Now()}
	mc.models[abs] = h
	L().Infof("[MODEL] Loaded reconstruction model %s", abs)
	return h, nil
}

// Len returns the number of cached models
func (mc *ModelCache) Len() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.models)
}
