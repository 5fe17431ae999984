package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEdgeDerivesMagnitudeAndDirection(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	e, err := NewEdge("e1", 7, 0.34, 0.47, now)
	require.NoError(t, err)
	assert.Equal(t, 0.47-0.34, e.EdgeMagnitude)
	assert.InDelta(t, 0.13, e.EdgeMagnitude, 1e-9)
	assert.Equal(t, DirectionYes, e.Direction)
	assert.False(t, e.AlertSent)

	e, err = NewEdge("e2", 7, 0.60, 0.41, now)
	require.NoError(t, err)
	assert.Equal(t, 0.41-0.60, e.EdgeMagnitude)
	assert.Equal(t, DirectionNo, e.Direction)
	assert.InDelta(t, 0.19, e.AbsMagnitude(), 1e-9)
}

func TestNewEdgeZeroMagnitudeIsNo(t *testing.T) {
	e, err := NewEdge("e", 1, 0.5, 0.5, time.Now())
	require.NoError(t, err)
	assert.Zero(t, e.EdgeMagnitude)
	assert.Equal(t, DirectionNo, e.Direction)
}

func TestNewEdgeRejectsOutOfRange(t *testing.T) {
	_, err := NewEdge("e", 1, 1.2, 0.5, time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = NewEdge("e", 1, 0.5, -0.1, time.Now())
	require.Error(t, err)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "model_probability", verr.Field)
}

func TestDirectionMatchesSign(t *testing.T) {
	for _, pair := range [][2]float64{{0.1, 0.9}, {0.9, 0.1}, {0.33, 0.33}, {0, 1}, {1, 0}, {0.5, 0.5000001}} {
		e, err := NewEdge("x", 1, pair[0], pair[1], time.Now())
		require.NoError(t, err)
		assert.Equal(t, pair[1]-pair[0], e.EdgeMagnitude)
		assert.Equal(t, e.EdgeMagnitude > 0, e.Direction == DirectionYes)
	}
}

func TestMeetsThreshold(t *testing.T) {
	assert.True(t, MeetsThreshold(0.45-0.40, 0.05))
	assert.True(t, MeetsThreshold(0.40-0.45, 0.05), "absolute magnitude")
	assert.True(t, MeetsThreshold(0.13, 0.13))
	assert.True(t, MeetsThreshold(0.2, 0))
	assert.False(t, MeetsThreshold(0.049, 0.05))
	assert.False(t, MeetsThreshold(0.05, 0.050001))
}
