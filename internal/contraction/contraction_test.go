package contraction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func burstEnvelope(fs float64, totalSec, burstStartSec, burstLenSec, baseline, peak float64) []float64 {
	n := int(totalSec * fs)
	x := make([]float64, n)
	for i := range x {
		x[i] = baseline
	}
	start := int(burstStartSec * fs)
	end := int((burstStartSec + burstLenSec) * fs)
	for i := start; i < end && i < n; i++ {
		x[i] = peak
	}
	return x
}

func TestAnalyze_DetectsSingleSustainedContraction(t *testing.T) {
	fs := 1000.0
	env := burstEnvelope(fs, 60, 10, 2.5, 0.01, 1.0)
	p := DefaultParams()
	durThresh := 2000.0
	p.DurationThresholdMs = &durThresh

	res := Analyze(env, fs, p)
	require.GreaterOrEqual(t, res.ContractionCount, 1)
	assert.GreaterOrEqual(t, res.DurationCompliantCount, 1)
	for _, c := range res.Contractions {
		if c.MeetsDur {
			assert.False(t, c.MeetsMVC && !c.MeetsDur)
		}
	}
}

func TestAnalyze_NoThresholdsSuppliedNeverGood(t *testing.T) {
	fs := 1000.0
	env := burstEnvelope(fs, 10, 2, 1, 0.01, 1.0)
	p := DefaultParams()

	res := Analyze(env, fs, p)
	require.GreaterOrEqual(t, res.ContractionCount, 1)
	for _, c := range res.Contractions {
		assert.False(t, c.MeetsMVC)
		assert.False(t, c.MeetsDur)
		assert.False(t, c.IsGood)
	}
}

func TestAnalyze_HysteresisMergesCloseRuns(t *testing.T) {
	fs := 1000.0
	n := int(5 * fs)
	env := make([]float64, n)
	for i := range env {
		env[i] = 0.01
	}
	// Two bursts separated by a 50ms gap (< 100ms hysteresis default).
	for i := 1000; i < 1300; i++ {
		env[i] = 1.0
	}
	for i := 1350; i < 1600; i++ {
		env[i] = 1.0
	}
	p := DefaultParams()
	res := Analyze(env, fs, p)
	assert.Equal(t, 1, res.ContractionCount)
}

func TestAnalyze_EmptyEnvelope(t *testing.T) {
	res := Analyze(nil, 1000.0, DefaultParams())
	assert.Equal(t, 0, res.ContractionCount)
}
