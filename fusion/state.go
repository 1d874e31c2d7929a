package fusion

import (
	"sync"
	"time"
)

// Counters are running totals exposed on the status endpoint
type Counters struct {
	Received       int64 `json:"received"`
	Malformed      int64 `json:"malformed"`
	Stale          int64 `json:"stale"`
	QueueFull      int64 `json:"queueFull"`
	Localized      int64 `json:"localized"`
	LocalizeFailed int64 `json:"localizeFailed"`
	SkippedSimilar int64 `json:"skippedSimilar"`
	Fits           int64 `json:"fits"`
	Rejected       int64 `json:"rejected"`
	Accepted       int64 `json:"accepted"`
	Published      int64 `json:"published"`
}

// Status is a point-in-time copy of the tracker for status endpoints
type Status struct {
	HasPose     bool         `json:"hasPose"`
	Pose        *BestPose    `json:"pose,omitempty"`
	BaseRMSE    *float64     `json:"baselineRmse,omitempty"`
	FocalLength *float64     `json:"focalLength,omitempty"`
	LastCycle   *CycleResult `json:"lastCycle,omitempty"`
	Counters    Counters     `json:"counters"`
}

// StateTracker holds the published best pose and the bookkeeping the
// alignment loop needs between cycles. Reads may come from any goroutine.
type StateTracker struct {
	mu          sync.RWMutex
	best        *BestPose
	baseRMSE    *float64
	focalLength *float64
	lastCycle   *CycleResult
	counters    Counters
}

// NewStateTracker creates a new state tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{}
}

// BestPose returns a copy of the published pose
func (st *StateTracker) BestPose() (BestPose, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.best == nil {
		return BestPose{}, false
	}
	return *st.best, true
}

// HasPose returns true once a pose has been published
func (st *StateTracker) HasPose() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.best != nil
}

// Score returns the published quality score, if any
func (st *StateTracker) Score() (float64, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.best == nil {
		return 0, false
	}
	return st.best.Score, true
}

// Publish replaces the best pose only when the candidate scores strictly
// higher than the published one (or nothing is published yet). The check
// and the write happen under one lock so the score never decreases.
func (st *StateTracker) Publish(candidate BestPose) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.best != nil && candidate.Score <= st.best.Score {
		return false
	}
	if candidate.UpdatedAt.IsZero() {
		candidate.UpdatedAt = time.Now()
	}
	if st.focalLength != nil && candidate.FocalLength == 0 {
		candidate.FocalLength = *st.focalLength
	}
	st.best = &candidate
	return true
}

// BaselineRMSE returns the RMSE of the last accepted fit
func (st *StateTracker) BaselineRMSE() *float64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.baseRMSE == nil {
		return nil
	}
	v := *st.baseRMSE
	return &v
}

// SetBaselineRMSE records the RMSE of a newly accepted fit
func (st *StateTracker) SetBaselineRMSE(rmse float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.baseRMSE = &rmse
}

// RecordFocalLength stores the focal length of the first localized frame.
// Later calls are ignored.
func (st *StateTracker) RecordFocalLength(f float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.focalLength == nil {
		st.focalLength = &f
	}
}

// FocalLength returns the recorded focal length
func (st *StateTracker) FocalLength() (float64, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.focalLength == nil {
		return 0, false
	}
	return *st.focalLength, true
}

// RecordCycle stores the last non-idle cycle and bumps the counters for it
func (st *StateTracker) RecordCycle(res CycleResult) {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch res.Outcome {
	case OutcomeIdle, OutcomeNoSession:
		return
	case OutcomeLocalizeFailed:
		st.counters.LocalizeFailed++
	case OutcomeSkippedSimilar:
		st.counters.SkippedSimilar++
	case OutcomeInsufficient:
		st.counters.Localized++
	case OutcomeFitFailed:
		st.counters.Localized++
		st.counters.Fits++
	case OutcomeRejected:
		st.counters.Localized++
		st.counters.Fits++
		st.counters.Rejected++
	case OutcomeAccepted:
		st.counters.Localized++
		st.counters.Fits++
		st.counters.Accepted++
	case OutcomePublished:
		st.counters.Localized++
		st.counters.Fits++
		st.counters.Accepted++
		st.counters.Published++
	}
	c := res
	st.lastCycle = &c
}

// CountUpload records the fate of an upload at the request endpoint
func (st *StateTracker) CountUpload(accepted, malformed, queueFull bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch {
	case accepted:
		st.counters.Received++
	case malformed:
		st.counters.Malformed++
	case queueFull:
		st.counters.QueueFull++
	}
}

// CountMalformed records a sample the normalizer rejected
func (st *StateTracker) CountMalformed() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.counters.Malformed++
}

// CountStale records samples dropped because they belong to another session
func (st *StateTracker) CountStale(n int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.counters.Stale += int64(n)
}

// Status returns a copy of everything the tracker knows
func (st *StateTracker) Status() Status {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s := Status{
		HasPose:  st.best != nil,
		Counters: st.counters,
	}
	if st.best != nil {
		p := *st.best
		s.Pose = &p
	}
	if st.baseRMSE != nil {
		v := *st.baseRMSE
		s.BaseRMSE = &v
	}
	if st.focalLength != nil {
		v := *st.focalLength
		s.FocalLength = &v
	}
	if st.lastCycle != nil {
		c := *st.lastCycle
		s.LastCycle = &c
	}
	return s
}

// Reset forgets the published pose and all bookkeeping
func (st *StateTracker) Reset() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.best = nil
	st.baseRMSE = nil
	st.focalLength = nil
	st.lastCycle = nil
	st.counters = Counters{}
}
