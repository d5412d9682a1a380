package facematch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistanceIdenticalVectors(t *testing.T) {
	v := []float32{0.1, 0.5, -0.3, 0.8}
	assert.InDelta(t, 0, Distance(v, v), 1e-9)
}

func TestDistanceOppositeVectors(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{-1, 0, 0}
	assert.InDelta(t, DMax, Distance(a, b), 1e-9)
}

func TestDistanceOrthogonalVectors(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	assert.InDelta(t, 0.5, Distance(a, b), 1e-9)
}

func TestDistanceDegenerateInputs(t *testing.T) {
	assert.Equal(t, DMax, Distance(nil, []float32{1}))
	assert.Equal(t, DMax, Distance([]float32{1, 2}, []float32{1}))
	assert.Equal(t, DMax, Distance([]float32{0, 0}, []float32{1, 1}))
}

func TestConfidenceEndpoints(t *testing.T) {
	assert.Equal(t, 100.0, Confidence(0))
	assert.Equal(t, 0.0, Confidence(DMax))
	assert.Equal(t, 0.0, Confidence(DMax*2), "clamped below zero")
	assert.Equal(t, 100.0, Confidence(-0.1), "clamped above one hundred")
}

func TestConfidenceMonotonicNonIncreasing(t *testing.T) {
	prev := 101.0
	for d := 0.0; d <= DMax; d += 0.01 {
		c := Confidence(d)
		assert.LessOrEqual(t, c, prev, "confidence must not increase with distance (d=%v)", d)
		prev = c
	}
}

func TestBestMatchPicksLowestDistance(t *testing.T) {
	probe := []float32{1, 0, 0}
	candidates := []Candidate{
		{ProfileID: "far", Embedding: []float32{-1, 0, 0}},
		{ProfileID: "close", Embedding: []float32{0.99, 0.05, 0}},
		{ProfileID: "mid", Embedding: []float32{0.5, 0.5, 0}},
	}

	m := BestMatch(probe, candidates)
	require.NotNil(t, m)
	assert.Equal(t, "close", m.ProfileID)
	assert.Greater(t, m.Confidence, 95.0)
}

func TestBestMatchEmptyCandidates(t *testing.T) {
	assert.Nil(t, BestMatch([]float32{1, 0}, nil))
}
