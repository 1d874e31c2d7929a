package fusion

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// PendingPool
// ---------------------------------------------------------------------------

func TestPendingPool(t *testing.T) {
	p := NewPendingPool()
	for i, x := range []float64{1, 2, 3} {
		p.Append(PoseSample{ID: string(rune('a' + i)), Position: r3.Vector{X: x}})
	}
	assert.Equal(t, 3, p.Len())
	assert.Equal(t, []r3.Vector{{X: 1}, {X: 2}, {X: 3}}, p.Positions())

	s, ok := p.Take(1)
	require.True(t, ok)
	assert.Equal(t, "b", s.ID)
	assert.Equal(t, []r3.Vector{{X: 1}, {X: 3}}, p.Positions())

	_, ok = p.Take(5)
	assert.False(t, ok)
	_, ok = p.Take(-1)
	assert.False(t, ok)

	drained := p.Drain()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, p.Len())
}

func TestPendingPool_RemoveWhere(t *testing.T) {
	p := NewPendingPool()
	for _, s := range []PoseSample{
		{ID: "a", Scene: "vault"},
		{ID: "b", Scene: "lobby"},
		{ID: "c", Scene: "vault"},
		{ID: "d", Scene: "lobby"},
	} {
		p.Append(s)
	}

	removed := p.RemoveWhere(func(s PoseSample) bool { return s.Scene == "lobby" })
	require.Len(t, removed, 2)
	assert.Equal(t, "b", removed[0].ID)
	assert.Equal(t, "d", removed[1].ID)

	assert.Equal(t, 2, p.Len())
	first, ok := p.Take(0)
	require.True(t, ok)
	assert.Equal(t, "a", first.ID, "kept samples stay in order")

	assert.Empty(t, p.RemoveWhere(func(PoseSample) bool { return false }))
	assert.Equal(t, 1, p.Len())
}

// ---------------------------------------------------------------------------
// Correspondences
// ---------------------------------------------------------------------------

func TestCorrespondences(t *testing.T) {
	c := NewCorrespondences()
	for i := 0; i < 5; i++ {
		n := c.Append(AcceptedPair{
			SampleID:        string(rune('a' + i)),
			SessionPosition: r3.Vector{X: float64(i)},
			SessionRotation: Identity3(),
			ReconPosition:   r3.Vector{Y: float64(i)},
			ReconRotation:   RotZ(90),
			FocalLength:     float64(1000 + i),
		})
		assert.Equal(t, i+1, n)
	}
	assert.Equal(t, 5, c.Len())

	session, recon := c.PointSets(0)
	assert.Len(t, session, 5)
	assert.Len(t, recon, 5)

	session, recon = c.PointSets(2)
	assert.Equal(t, []r3.Vector{{X: 3}, {X: 4}}, session)
	assert.Equal(t, []r3.Vector{{Y: 3}, {Y: 4}}, recon)

	session, _ = c.PointSets(10)
	assert.Len(t, session, 5, "a window larger than the set returns everything")

	pairs := c.Pairs()
	require.Len(t, pairs, 5)
	assert.Equal(t, "c", pairs[2].SampleID)
	assert.Equal(t, 1002.0, pairs[2].FocalLength)
	assert.Equal(t, RotZ(90), pairs[2].ReconRotation)
	assert.Len(t, c.SessionRotations(), 5)

	// Returned slices are copies
	session[0] = r3.Vector{X: 100}
	assert.Equal(t, r3.Vector{}, c.SessionPositions()[0])

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.Pairs())
}
