package fusion

import (
	"sync"

	"github.com/golang/geo/r3"
)

// PendingPool holds normalized samples waiting to be selected
type PendingPool struct {
	mu      sync.Mutex
	samples []PoseSample
}

// NewPendingPool creates an empty pool
func NewPendingPool() *PendingPool {
	return &PendingPool{}
}

// Append adds a sample to the end of the pool
func (p *PendingPool) Append(s PoseSample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples = append(p.samples, s)
}

// Len returns the number of pending samples
func (p *PendingPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.samples)
}

// Positions returns a copy of the pending positions, in pool order
func (p *PendingPool) Positions() []r3.Vector {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]r3.Vector, len(p.samples))
	for i, s := range p.samples {
		out[i] = s.Position
	}
	return out
}

// Take removes and returns the sample at index i
func (p *PendingPool) Take(i int) (PoseSample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.samples) {
		return PoseSample{}, false
	}
	s := p.samples[i]
	p.samples = append(p.samples[:i], p.samples[i+1:]...)
	return s, true
}

// RemoveWhere drops every sample matching fn and returns them, keeping the
// order of the rest
func (p *PendingPool) RemoveWhere(fn func(PoseSample) bool) []PoseSample {
	p.mu.Lock()
	defer p.mu.Unlock()
	var removed []PoseSample
	kept := p.samples[:0]
	for _, s := range p.samples {
		if fn(s) {
			removed = append(removed, s)
			continue
		}
		kept = append(kept, s)
	}
	p.samples = kept
	return removed
}

// Drain empties the pool and returns what it held
func (p *PendingPool) Drain() []PoseSample {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.samples
	p.samples = nil
	return out
}

// Correspondences is the append-only, index-aligned set of session and
// reconstruction poses built up over a session.
type Correspondences struct {
	mu           sync.RWMutex
	sessionPos   []r3.Vector
	sessionRot   []Matrix3
	reconPos     []r3.Vector
	reconRot     []Matrix3
	focalLengths []float64
	sampleIDs    []string
}

// NewCorrespondences creates an empty correspondence set
func NewCorrespondences() *Correspondences {
	return &Correspondences{}
}

// Append adds one pair to both sides at once
func (c *Correspondences) Append(p AcceptedPair) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionPos = append(c.sessionPos, p.SessionPosition)
	c.sessionRot = append(c.sessionRot, p.SessionRotation)
	c.reconPos = append(c.reconPos, p.ReconPosition)
	c.reconRot = append(c.reconRot, p.ReconRotation)
	c.focalLengths = append(c.focalLengths, p.FocalLength)
	c.sampleIDs = append(c.sampleIDs, p.SampleID)
	return len(c.sessionPos)
}

// Len returns the number of pairs
func (c *Correspondences) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessionPos)
}

// SessionPositions returns a copy of the session-space positions
func (c *Correspondences) SessionPositions() []r3.Vector {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]r3.Vector(nil), c.sessionPos...)
}

// SessionRotations returns a copy of the session-space rotations
func (c *Correspondences) SessionRotations() []Matrix3 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Matrix3(nil), c.sessionRot...)
}

// PointSets returns copies of both position sequences, limited to the most
// recent window pairs when window > 0.
func (c *Correspondences) PointSets(window int) (session, recon []r3.Vector) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	start := 0
	if window > 0 && len(c.sessionPos) > window {
		start = len(c.sessionPos) - window
	}
	session = append([]r3.Vector(nil), c.sessionPos[start:]...)
	recon = append([]r3.Vector(nil), c.reconPos[start:]...)
	return session, recon
}

// Pairs returns a copy of every pair in insertion order
func (c *Correspondences) Pairs() []AcceptedPair {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]AcceptedPair, len(c.sessionPos))
	for i := range c.sessionPos {
		out[i] = AcceptedPair{
			SampleID:        c.sampleIDs[i],
			SessionPosition: c.sessionPos[i],
			SessionRotation: c.sessionRot[i],
			ReconPosition:   c.reconPos[i],
			ReconRotation:   c.reconRot[i],
			FocalLength:     c.focalLengths[i],
		}
	}
	return out
}

// Clear drops every pair; used when a new session starts
func (c *Correspondences) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionPos = nil
	c.sessionRot = nil
	c.reconPos = nil
	c.reconRot = nil
	c.focalLengths = nil
	c.sampleIDs = nil
}
