package weights

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostlyplus/emganalyzer/internal/apperr"
	"github.com/ghostlyplus/emganalyzer/internal/domain"
)

func defaultBase() domain.Weights {
	return domain.Weights{Compliance: 0.40, Symmetry: 0.25, Effort: 0.20, Game: 0.15}
}

func TestNormalize_AllComponentsSumsToOne(t *testing.T) {
	m, err := NewManager(defaultBase(), 0.001)
	require.NoError(t, err)

	w, err := m.Normalize(Availability{Compliance: true, Symmetry: true, Effort: true, Game: true})
	require.NoError(t, err)

	sum := 0.0
	for _, v := range w {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 0.001)
}

func TestNormalize_MissingGameRedistributes(t *testing.T) {
	m, err := NewManager(defaultBase(), 0.001)
	require.NoError(t, err)

	w, err := m.Normalize(Availability{Compliance: true, Symmetry: true, Effort: true, Game: false})
	require.NoError(t, err)

	sum := 0.0
	for _, v := range w {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 0.001)
	_, hasGame := w["game"]
	assert.False(t, hasGame)
}

func TestNormalize_InsufficientComponents(t *testing.T) {
	m, err := NewManager(defaultBase(), 0.001)
	require.NoError(t, err)

	_, err = m.Normalize(Availability{Compliance: true, Symmetry: false, Effort: true, Game: false})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.WeightValidation))
}

func TestNormalize_OnlyCoreComponents(t *testing.T) {
	m, err := NewManager(defaultBase(), 0.001)
	require.NoError(t, err)

	w, err := m.Normalize(Availability{Compliance: true, Symmetry: true})
	require.NoError(t, err)
	assert.Len(t, w, 2)
	sum := w["compliance"] + w["symmetry"]
	assert.InDelta(t, 1.0, sum, 0.001)
}

func TestNewManager_RejectsInvalidBaseWeights(t *testing.T) {
	_, err := NewManager(domain.Weights{Compliance: 0.5, Symmetry: 0.5, Effort: 0.5, Game: 0.5}, 0.001)
	require.Error(t, err)
}
