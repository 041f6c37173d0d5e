// Package weights implements decimal-precise normalization of scoring
// weights when one or more optional components are missing.
package weights

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ghostlyplus/emganalyzer/internal/apperr"
	"github.com/ghostlyplus/emganalyzer/internal/domain"
)

// Availability tracks which scoring components have a score to contribute.
// Compliance and symmetry are the two core EMG-derived components;
// effort/game are optional.
type Availability struct {
	Compliance bool
	Symmetry   bool
	Effort     bool
	Game       bool
}

// Components lists the available component names in main-weight order.
func (a Availability) Components() []string {
	var out []string
	if a.Compliance {
		out = append(out, "compliance")
	}
	if a.Symmetry {
		out = append(out, "symmetry")
	}
	if a.Effort {
		out = append(out, "effort")
	}
	if a.Game {
		out = append(out, "game")
	}
	return out
}

// Count returns the number of available components.
func (a Availability) Count() int { return len(a.Components()) }

// AssessAvailability builds an Availability from optional scores: a
// component is available iff its pointer is non-nil.
func AssessAvailability(compliance, symmetry, effort, game *float64) Availability {
	return Availability{
		Compliance: compliance != nil,
		Symmetry:   symmetry != nil,
		Effort:     effort != nil,
		Game:       game != nil,
	}
}

// Manager normalizes weights for the available component subset using
// decimal arithmetic so sums like 0.40+0.25+0.20+0.15 do not drift under
// binary-float rounding.
type Manager struct {
	base      domain.Weights
	tolerance float64
}

// NewManager validates that base sums to 1.0±tolerance at construction
// time so callers fail fast on a misconfigured weight set.
func NewManager(base domain.Weights, tolerance float64) (*Manager, error) {
	if tolerance <= 0 {
		tolerance = 0.001
	}
	sum := base.Compliance + base.Symmetry + base.Effort + base.Game
	if absF(sum-1.0) > tolerance {
		return nil, fmt.Errorf("invalid base weights sum: %.6f (expected 1.0 ± %.4f)", sum, tolerance)
	}
	return &Manager{base: base, tolerance: tolerance}, nil
}

// ValidationResult reports whether a weight set sums to within tolerance.
type ValidationResult struct {
	IsValid   bool
	TotalSum  float64
	Tolerance float64
	Deviation float64
	Error     string
}

// Normalize redistributes base weights across the available-component
// subset such that they sum to 1.0±tolerance, using
// github.com/shopspring/decimal throughout. Requires at least compliance
// and symmetry; fails with apperr.WeightValidation / INSUFFICIENT_COMPONENTS
// or NORMALIZATION_FAILED otherwise.
func (m *Manager) Normalize(a Availability) (map[string]float64, error) {
	if a.Count() < 2 {
		return nil, apperr.New(apperr.WeightValidation, "INSUFFICIENT_COMPONENTS: minimum 2 components required")
	}
	if !(a.Compliance && a.Symmetry) {
		return nil, apperr.New(apperr.WeightValidation, "INSUFFICIENT_COMPONENTS: core components compliance and symmetry required")
	}

	weights := map[string]decimal.Decimal{}
	total := decimal.Zero

	add := func(name string, v float64) {
		d := decimal.NewFromFloat(v)
		weights[name] = d
		total = total.Add(d)
	}
	if a.Compliance {
		add("compliance", m.base.Compliance)
	}
	if a.Symmetry {
		add("symmetry", m.base.Symmetry)
	}
	if a.Effort {
		add("effort", m.base.Effort)
	}
	if a.Game {
		add("game", m.base.Game)
	}

	if total.IsZero() {
		return nil, apperr.New(apperr.WeightValidation, "NORMALIZATION_FAILED: total weight is zero")
	}

	normalized := make(map[string]float64, len(weights))
	for name, w := range weights {
		nf, _ := w.Div(total).Float64()
		normalized[name] = nf
	}

	validation := m.Validate(normalized)
	if !validation.IsValid {
		return nil, apperr.New(apperr.WeightValidation, "NORMALIZATION_FAILED: "+validation.Error)
	}
	return normalized, nil
}

// Validate checks that weights sum to 1.0±tolerance.
func (m *Manager) Validate(w map[string]float64) ValidationResult {
	if len(w) == 0 {
		return ValidationResult{IsValid: false, Deviation: -1.0, Tolerance: m.tolerance, Error: "empty weights"}
	}
	sum := 0.0
	for _, v := range w {
		sum += v
	}
	deviation := sum - 1.0
	valid := absF(deviation) <= m.tolerance
	var errMsg string
	if !valid {
		errMsg = fmt.Sprintf("weight sum %.6f exceeds tolerance ±%.4f", sum, m.tolerance)
	}
	return ValidationResult{IsValid: valid, TotalSum: sum, Tolerance: m.tolerance, Deviation: deviation, Error: errMsg}
}

func absF(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
