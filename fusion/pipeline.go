package fusion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/geo/r3"
)

// ErrQueueFull is returned by Enqueue when the upload queue is at capacity
var ErrQueueFull = errors.New("upload queue full")

const (
	// DefaultQueueSize is the capacity of the upload queue.
	DefaultQueueSize = 50
	// DefaultPollInterval is how often the alignment loop checks for work.
	DefaultPollInterval = 100 * time.Millisecond
)

// PipelineConfig holds the queueing and timing knobs of the pipeline
type PipelineConfig struct {
	QueueSize       int           `yaml:"queue_size"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	LocalizeTimeout time.Duration `yaml:"localize_timeout"`
}

// DefaultPipelineConfig returns the production defaults
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		QueueSize:       DefaultQueueSize,
		PollInterval:    DefaultPollInterval,
		LocalizeTimeout: DefaultLocalizeTimeout,
	}
}

// ImageRemover deletes an uploaded frame once it is no longer needed
type ImageRemover interface {
	Remove(path string) error
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithImageRemover deletes each frame after it is resolved or dropped.
func WithImageRemover(r ImageRemover) PipelineOption {
	return func(p *Pipeline) {
		p.images = r
	}
}

// WithStateTracker shares an existing tracker instead of creating one.
func WithStateTracker(st *StateTracker) PipelineOption {
	return func(p *Pipeline) {
		p.state = st
	}
}

// Pipeline fuses queued session poses with localization results. An ingest
// goroutine normalizes uploads into the pending pool; an alignment goroutine
// selects frames, localizes them and maintains the best Sim3 estimate.
type Pipeline struct {
	cfg       PipelineConfig
	policy    Policy
	sim3      Sim3Config
	localizer Localizer
	session   *Session
	images    ImageRemover

	state   *StateTracker
	pending *PendingPool
	pairs   *Correspondences

	queue  chan Upload
	notify chan struct{}

	// cycleMu serializes alignment cycles with Reset.
	cycleMu sync.Mutex
	// ingestMu serializes ingestion with Reset.
	ingestMu sync.Mutex

	// cancelMu guards cycleCancel and resetting. Reset cancels the running
	// cycle so it does not wait out a slow localization.
	cancelMu    sync.Mutex
	cycleCancel context.CancelFunc
	resetting   int

	obsMu     sync.RWMutex
	observers []func(CycleResult)

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewPipeline creates a pipeline. Zero-valued config fields take defaults.
func NewPipeline(cfg PipelineConfig, policy Policy, sim3 Sim3Config, loc Localizer, session *Session, opts ...PipelineOption) *Pipeline {
	def := DefaultPipelineConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.LocalizeTimeout <= 0 {
		cfg.LocalizeTimeout = def.LocalizeTimeout
	}
	p := &Pipeline{
		cfg:       cfg,
		policy:    policy,
		sim3:      sim3,
		localizer: loc,
		session:   session,
		pending:   NewPendingPool(),
		pairs:     NewCorrespondences(),
		queue:     make(chan Upload, cfg.QueueSize),
		notify:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.state == nil {
		p.state = NewStateTracker()
	}
	return p
}

// State returns the tracker holding the published pose
func (p *Pipeline) State() *StateTracker {
	return p.state
}

// Session returns the session the pipeline aligns against
func (p *Pipeline) Session() *Session {
	return p.session
}

// QueueDepth returns the number of uploads waiting for ingestion
func (p *Pipeline) QueueDepth() int {
	return len(p.queue)
}

// PendingCount returns the number of normalized samples not yet selected
func (p *Pipeline) PendingCount() int {
	return p.pending.Len()
}

// PendingPositions returns the canonical positions of the pending samples
func (p *Pipeline) PendingPositions() []r3.Vector {
	return p.pending.Positions()
}

// PairCount returns the number of accepted correspondences
func (p *Pipeline) PairCount() int {
	return p.pairs.Len()
}

// Pairs returns a copy of the accepted correspondences
func (p *Pipeline) Pairs() []AcceptedPair {
	return p.pairs.Pairs()
}

// AddObserver registers fn to be called after every non-idle cycle, from
// the alignment goroutine.
func (p *Pipeline) AddObserver(fn func(CycleResult)) {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	p.observers = append(p.observers, fn)
}

func (p *Pipeline) emit(res CycleResult) {
	p.obsMu.RLock()
	obs := make([]func(CycleResult), len(p.observers))
	copy(obs, p.observers)
	p.obsMu.RUnlock()
	for _, fn := range obs {
		fn(res)
	}
}

// Enqueue hands an upload to the ingest stage without blocking
func (p *Pipeline) Enqueue(up Upload) error {
	select {
	case p.queue <- up:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run starts the ingest and alignment goroutines. They stop when ctx is
// cancelled; use Wait to block until they have exited.
func (p *Pipeline) Run(ctx context.Context) {
	p.startOnce.Do(func() {
		p.wg.Add(2)
		go p.ingestLoop(ctx)
		go p.alignLoop(ctx)
	})
}

// Wait blocks until the goroutines started by Run have exited
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) ingestLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case up := <-p.queue:
			p.ingest(up)
		}
	}
}

// ingest normalizes one upload into the pending pool and wakes the aligner
func (p *Pipeline) ingest(up Upload) {
	p.ingestMu.Lock()
	defer p.ingestMu.Unlock()

	sample, err := NormalizeSample(up)
	if err != nil {
		L().Warnf("[INGEST] Dropping %s: %v", up.ImageName, err)
		p.state.CountMalformed()
		p.removeImage(up.ImagePath)
		return
	}
	p.pending.Append(sample)
	L().Debugf("[INGEST] Queued sample %s (%s), pending=%d", sample.ID, sample.ImageName, p.pending.Len())

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pipeline) alignLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.notify:
		}
		// Drain everything that is ready before sleeping again.
		for ctx.Err() == nil {
			res := p.Step(ctx)
			if res.Outcome == OutcomeIdle || res.Outcome == OutcomeNoSession {
				break
			}
		}
	}
}

// Step runs one alignment cycle: select a pending frame, localize it, grow
// the correspondence set and, once enough pairs exist, fit, validate and
// possibly publish a new best pose.
func (p *Pipeline) Step(ctx context.Context) CycleResult {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	res := CycleResult{Outcome: OutcomeIdle}
	if cctx, cancel, ok := p.beginCycle(ctx); ok {
		res = p.step(cctx)
		p.endCycle(cancel)
	}
	res.At = time.Now()
	res.PairCount = p.pairs.Len()
	res.PendingCount = p.pending.Len()
	if res.Outcome == OutcomeIdle {
		return res
	}
	p.state.RecordCycle(res)
	p.emit(res)
	return res
}

// beginCycle registers a cancellable context for one cycle. It refuses while
// a reset is waiting for the cycle lock.
func (p *Pipeline) beginCycle(ctx context.Context) (context.Context, context.CancelFunc, bool) {
	p.cancelMu.Lock()
	defer p.cancelMu.Unlock()
	if p.resetting > 0 {
		return nil, nil, false
	}
	cctx, cancel := context.WithCancel(ctx)
	p.cycleCancel = cancel
	return cctx, cancel, true
}

func (p *Pipeline) endCycle(cancel context.CancelFunc) {
	p.cancelMu.Lock()
	p.cycleCancel = nil
	p.cancelMu.Unlock()
	cancel()
}

func (p *Pipeline) step(ctx context.Context) CycleResult {
	if p.pending.Len() == 0 {
		return CycleResult{Outcome: OutcomeIdle}
	}
	info, ok := p.session.Info()
	if !ok {
		return CycleResult{Outcome: OutcomeNoSession}
	}
	p.dropStale(info)
	if p.pending.Len() == 0 {
		return CycleResult{Outcome: OutcomeIdle}
	}

	usedPos := p.pairs.SessionPositions()
	idx, dist := 0, 0.0
	if len(usedPos) > 0 {
		var found bool
		idx, dist, found = SelectFarthest(usedPos, p.pending.Positions())
		if !found {
			return CycleResult{Outcome: OutcomeIdle}
		}
	}
	sample, ok := p.pending.Take(idx)
	if !ok {
		return CycleResult{Outcome: OutcomeIdle}
	}
	defer p.removeImage(sample.ImagePath)

	res := CycleResult{SampleID: sample.ID, SelectedDist: dist}

	if d := p.policy.Diversity; d.Enabled &&
		!IsDiverse(sample.Position, sample.Rotation, usedPos, p.pairs.SessionRotations(), d.MinDistance, d.MinAngleDeg) {
		res.Outcome = OutcomeSkippedSimilar
		res.Reason = "too close to an accepted sample"
		L().Debugf("[ALIGN] Skipping %s: %s", sample.ID, res.Reason)
		return res
	}

	lctx, cancel := context.WithTimeout(ctx, p.cfg.LocalizeTimeout)
	loc, err := p.localizer.Localize(lctx, LocalizeRequest{
		ImagePath: sample.ImagePath,
		ImageName: sample.ImageName,
		ModelPath: info.ModelPath,
	})
	cancel()
	if err != nil {
		res.Outcome = OutcomeLocalizeFailed
		res.Reason = fmt.Errorf("sample %s: %w", sample.ID, err).Error()
		L().Warnf("[ALIGN] Localization failed for %s: %v", sample.ImageName, err)
		return res
	}
	reconRot, ok := QuatToMatrix(loc.RotationXYZW)
	if !ok || !allFinite([]float64{loc.Position.X, loc.Position.Y, loc.Position.Z}) {
		res.Outcome = OutcomeLocalizeFailed
		res.Reason = fmt.Sprintf("sample %s: %v: unusable pose", sample.ID, ErrLocalizationFailed)
		L().Warnf("[ALIGN] Localization for %s returned an unusable pose", sample.ImageName)
		return res
	}
	if loc.Camera.F > 0 {
		p.state.RecordFocalLength(loc.Camera.F)
	}

	count := p.pairs.Append(AcceptedPair{
		SampleID:        sample.ID,
		SessionPosition: sample.Position,
		SessionRotation: sample.Rotation,
		ReconPosition:   loc.Position,
		ReconRotation:   reconRot,
		FocalLength:     loc.Camera.F,
	})
	L().Infof("[ALIGN] Localized %s (%d inliers), pairs=%d", sample.ImageName, loc.NumInliers, count)

	if count < p.policy.MinPairs {
		res.Outcome = OutcomeInsufficient
		res.Reason = fmt.Sprintf("have %d of %d pairs", count, p.policy.MinPairs)
		return res
	}

	X, Y := p.pairs.PointSets(p.policy.MaxPairs)
	sim, err := EstimateSim3(X, Y, p.sim3)
	if err != nil {
		res.Outcome = OutcomeFitFailed
		res.Reason = err.Error()
		L().Warnf("[ALIGN] Sim3 fit failed over %d pairs: %v", len(X), err)
		return res
	}
	res.Sim = sim

	if ok, reason := ValidateSim3(sim, p.state.BaselineRMSE(), p.policy); !ok {
		res.Outcome = OutcomeRejected
		res.Reason = reason
		L().Infof("[ALIGN] Rejected fit: %s", reason)
		return res
	}
	p.state.SetBaselineRMSE(sim.Stats.RMSE)
	res.Score = ScoreFromRMSE(sim.Stats.RMSE)

	pos, quat, err := ReexpressReference(info.Reference, sim)
	if err != nil {
		res.Outcome = OutcomeFitFailed
		res.Reason = err.Error()
		L().Errorf("[ALIGN] Cannot re-express reference pose: %v", err)
		return res
	}
	focal, _ := p.state.FocalLength()
	published := p.state.Publish(BestPose{
		Position:     pos,
		RotationXYZW: quat,
		Score:        res.Score,
		RMSE:         sim.Stats.RMSE,
		Scale:        sim.Scale,
		FocalLength:  focal,
		PairCount:    count,
		UpdatedAt:    time.Now(),
	})
	if !published {
		res.Outcome = OutcomeAccepted
		L().Debugf("[ALIGN] Accepted fit (rmse=%.4f score=%.2f) did not beat the published pose", sim.Stats.RMSE, res.Score)
		return res
	}
	res.Outcome = OutcomePublished
	L().Infof("[ALIGN] Published pose: scale=%.4f rmse=%.4f inliers=%d/%d score=%.2f",
		sim.Scale, sim.Stats.RMSE, sim.Stats.NumInliers, sim.Stats.N, res.Score)
	return res
}

// dropStale discards pending samples captured for another movie/scene, which
// can linger when a reset races with an upload.
func (p *Pipeline) dropStale(info SessionInfo) {
	stale := p.pending.RemoveWhere(func(s PoseSample) bool {
		return s.Movie != info.Movie || s.Scene != info.Scene
	})
	if len(stale) == 0 {
		return
	}
	for _, s := range stale {
		p.removeImage(s.ImagePath)
	}
	p.state.CountStale(len(stale))
	L().Warnf("[ALIGN] Dropped %d samples from another session (active %s/%s)", len(stale), info.Movie, info.Scene)
}

func (p *Pipeline) removeImage(path string) {
	if p.images == nil || path == "" {
		return
	}
	if err := p.images.Remove(path); err != nil {
		L().Warnf("[ALIGN] Removing %s: %v", path, err)
	}
}

// Reset discards queued uploads, pending samples, correspondences and the
// published pose, and deactivates the session so a new scan can start.
func (p *Pipeline) Reset() {
	p.cancelMu.Lock()
	p.resetting++
	if p.cycleCancel != nil {
		p.cycleCancel()
	}
	p.cancelMu.Unlock()
	defer func() {
		p.cancelMu.Lock()
		p.resetting--
		p.cancelMu.Unlock()
	}()

	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()
	p.ingestMu.Lock()
	defer p.ingestMu.Unlock()

	dropped := 0
	for done := false; !done; {
		select {
		case up := <-p.queue:
			p.removeImage(up.ImagePath)
			dropped++
		default:
			done = true
		}
	}
	for _, s := range p.pending.Drain() {
		p.removeImage(s.ImagePath)
		dropped++
	}
	p.pairs.Clear()
	p.state.Reset()
	if p.session != nil {
		p.session.Clear()
	}
	L().Infof("[ALIGN] Reset pipeline, dropped %d frames", dropped)
}
