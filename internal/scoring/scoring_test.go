package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostlyplus/emganalyzer/internal/domain"
)

func baseMetrics() domain.SessionMetrics {
	return domain.SessionMetrics{
		SessionID:              "P042S001",
		LeftTotal:               20,
		LeftMVCCompliant:        20,
		LeftDurationCompliant:   0,
		RightTotal:              9,
		RightMVCCompliant:       9,
		RightDurationCompliant:  0,
		ExpectedPerMuscle:       12,
		Weights:                 domain.Weights{Compliance: 0.40, Symmetry: 0.25, Effort: 0.20, Game: 0.15},
		SubWeights:              domain.SubWeights{Completion: 0.34, Intensity: 0.33, Duration: 0.33},
	}
}

func TestComputeSideRates_S7(t *testing.T) {
	m := baseMetrics()
	left := ComputeSideRates(m.LeftTotal, m.LeftMVCCompliant, m.LeftDurationCompliant, m.ExpectedPerMuscle, m.SubWeights)
	right := ComputeSideRates(m.RightTotal, m.RightMVCCompliant, m.RightDurationCompliant, m.ExpectedPerMuscle, m.SubWeights)

	assert.InDelta(t, 1.0, left.Intensity, 1e-9)
	assert.InDelta(t, 1.0, right.Intensity, 1e-9)
	assert.InDelta(t, 0.0, left.Duration, 1e-9)
	assert.InDelta(t, 0.0, right.Duration, 1e-9)
	assert.InDelta(t, 1.0, left.Completion, 1e-9) // clamped from 20/12
	assert.InDelta(t, 0.75, right.Completion, 1e-9)
}

func TestScore_S7_Symmetry(t *testing.T) {
	m := baseMetrics()
	rpe := 4
	m.RPE = &rpe
	score, err := Score(m, DefaultRPEMapping)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, score.Symmetry, 0.6)
	assert.LessOrEqual(t, score.Symmetry, 0.8)
}

func TestScore_S8_MissingRPEUsesDefaultSynthetic(t *testing.T) {
	m := baseMetrics()
	m.RPE = nil
	score, err := Score(m, DefaultRPEMapping)
	require.NoError(t, err)
	assert.True(t, score.EffortSynthetic)
	assert.InDelta(t, 1.0, score.Effort, 1e-9)
	assert.Greater(t, score.Overall, 0.0)
}

func TestScore_AllRatesClamped(t *testing.T) {
	m := baseMetrics()
	m.LeftTotal = 1000
	m.LeftMVCCompliant = 1000
	m.LeftDurationCompliant = 1000
	rpe := 4
	m.RPE = &rpe
	score, err := Score(m, DefaultRPEMapping)
	require.NoError(t, err)
	assert.LessOrEqual(t, score.CompletionLeft, 1.0)
	assert.LessOrEqual(t, score.Overall, 1.0)
	assert.LessOrEqual(t, score.Compliance, 1.0)
	assert.LessOrEqual(t, score.Symmetry, 1.0)
}

func TestSymmetry_BothZeroReturnsOne(t *testing.T) {
	assert.Equal(t, 1.0, Symmetry(0, 0))
}
