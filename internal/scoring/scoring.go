// Package scoring computes per-side rates, compliance, symmetry,
// effort, game, and the overall weighted performance score.
package scoring

import (
	"math"

	"github.com/ghostlyplus/emganalyzer/internal/domain"
	"github.com/ghostlyplus/emganalyzer/internal/weights"
)

// DefaultRPE is the value substituted when RPE is absent: RPE 4 maps to
// 100% effort and the substitution is flagged synthetic.
const DefaultRPE = 4

// DefaultRPEMapping is the RPE->effort-score lookup table. Callers may override
// via configuration.
var DefaultRPEMapping = map[int]float64{
	0: 0, 1: 20, 2: 40, 3: 70, 4: 100, 5: 90, 6: 80, 7: 60, 8: 40, 9: 20, 10: 0,
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// SideRates is the per-side completion/intensity/duration/compliance
// bundle computed in step one of C4.
type SideRates struct {
	Completion float64
	Intensity  float64
	Duration   float64
	Compliance float64
}

// ComputeSideRates computes the clamped per-side intermediate rates.
func ComputeSideRates(total, mvcCompliant, durationCompliant, expected int, sub domain.SubWeights) SideRates {
	var completion, intensity, duration float64
	if expected > 0 {
		completion = clamp01(float64(total) / float64(expected))
	}
	if total > 0 {
		intensity = clamp01(float64(mvcCompliant) / float64(total))
		duration = clamp01(float64(durationCompliant) / float64(total))
	}
	compliance := sub.Completion*completion + sub.Intensity*intensity + sub.Duration*duration
	return SideRates{Completion: completion, Intensity: intensity, Duration: duration, Compliance: compliance}
}

// Symmetry computes 1 - |L-R|/(L+R), returning 1 when both sides are 0.
func Symmetry(left, right float64) float64 {
	if left+right == 0 {
		return 1.0
	}
	return 1.0 - math.Abs(left-right)/(left+right)
}

// EffortScore looks up the RPE->score mapping, returning the score and
// whether the value was substituted from DefaultRPE (synthetic).
func EffortScore(rpe *int, mapping map[int]float64) (score float64, synthetic bool) {
	effectiveRPE := DefaultRPE
	synthetic = rpe == nil
	if rpe != nil {
		effectiveRPE = *rpe
	}
	if mapping == nil {
		mapping = DefaultRPEMapping
	}
	if s, ok := mapping[effectiveRPE]; ok {
		return s / 100.0, synthetic
	}
	return 1.0, synthetic
}

// Score computes the full PerformanceScore for a session given its
// SessionMetrics, using the Weight Manager (C5) for the final weighted
// overall score.
func Score(m domain.SessionMetrics, mapping map[int]float64) (*domain.PerformanceScore, error) {
	left := ComputeSideRates(m.LeftTotal, m.LeftMVCCompliant, m.LeftDurationCompliant, m.ExpectedPerMuscle, m.SubWeights)
	right := ComputeSideRates(m.RightTotal, m.RightMVCCompliant, m.RightDurationCompliant, m.ExpectedPerMuscle, m.SubWeights)

	compliance := (left.Compliance + right.Compliance) / 2.0
	// Symmetry compares raw per-side contraction totals, not the weighted
	// compliance scores.
	symmetry := Symmetry(float64(m.LeftTotal), float64(m.RightTotal))
	effort, synthetic := EffortScore(m.RPE, mapping)

	var game *float64
	if m.GamePointsAchieved != nil && m.GamePointsMax != nil && *m.GamePointsMax > 0 {
		g := clamp01(*m.GamePointsAchieved / *m.GamePointsMax)
		game = &g
	}

	compAvail := weights.AssessAvailability(&compliance, &symmetry, &effort, game)
	mgr, err := weights.NewManager(m.Weights, 0.001)
	if err != nil {
		return nil, err
	}
	normalized, err := mgr.Normalize(compAvail)
	if err != nil {
		return nil, err
	}

	overall := 0.0
	overall += compliance * normalized["compliance"]
	overall += symmetry * normalized["symmetry"]
	overall += effort * normalized["effort"]
	if game != nil {
		overall += *game * normalized["game"]
	}

	return &domain.PerformanceScore{
		SessionID:       m.SessionID,
		Overall:         clamp01(overall),
		Compliance:      clamp01(compliance),
		Symmetry:        clamp01(symmetry),
		Effort:          clamp01(effort),
		EffortSynthetic: synthetic,
		Game:            game,
		LeftCompliance:  clamp01(left.Compliance),
		RightCompliance: clamp01(right.Compliance),
		CompletionLeft:  left.Completion,
		CompletionRight: right.Completion,
		IntensityLeft:   left.Intensity,
		IntensityRight:  right.Intensity,
		DurationLeft:    left.Duration,
		DurationRight:   right.Duration,
		BFRCompliant:    m.BFRCompliant,
		RPE:             m.RPE,
	}, nil
}
