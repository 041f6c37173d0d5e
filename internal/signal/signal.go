// Package signal implements a deterministic pipeline that turns a raw
// EMG channel into an RMS envelope: quality gate, Butterworth
// high/low-pass filtering, rectification, and moving-average smoothing.
package signal

import (
	"fmt"
	"math"

	"github.com/ghostlyplus/emganalyzer/internal/apperr"
)

// Params controls which pipeline stages run and with what cutoffs.
type Params struct {
	HighpassEnabled    bool
	HighpassCutoffHz   float64
	RectificationOn    bool
	LowpassEnabled     bool
	LowpassCutoffHz    float64
	FilterOrder        int
	SmoothingEnabled   bool
	SmoothingWindowMs  float64
	MinSamples         int
	MinStd             float64
	MinDurationSeconds float64
	MaxDurationSeconds float64
}

// DefaultParams returns the standard EMG envelope-extraction defaults:
// 20Hz high-pass, 10Hz low-pass, order-4 Butterworth, 50ms smoothing.
func DefaultParams() Params {
	return Params{
		HighpassEnabled:    true,
		HighpassCutoffHz:   20.0,
		RectificationOn:    true,
		LowpassEnabled:     true,
		LowpassCutoffHz:    10.0,
		FilterOrder:        4,
		SmoothingEnabled:   true,
		SmoothingWindowMs:  50.0,
		MinSamples:         1000,
		MinStd:             1e-10,
		MinDurationSeconds: 10.0,
		MaxDurationSeconds: 600.0,
	}
}

// Stats is the mean/std/min/max/sample-count bundle computed before and
// after processing.
type Stats struct {
	Mean    float64 `json:"mean"`
	Std     float64 `json:"std"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Samples int     `json:"samples"`
}

// Result carries the processed signal plus the pre/post stats and the
// list of pipeline steps actually applied.
type Result struct {
	ProcessedSignal []float64
	Steps           []string
	ParamsUsed      Params
	PreStats        Stats
	PostStats       Stats
	Err             error
}

func computeStats(x []float64) Stats {
	if len(x) == 0 {
		return Stats{}
	}
	m, s, mn, mx := fullStats(x)
	return Stats{Mean: m, Std: s, Min: mn, Max: mx, Samples: len(x)}
}

func fullStats(x []float64) (mean, std, min, max float64) {
	n := float64(len(x))
	sum := 0.0
	min = math.Inf(1)
	max = math.Inf(-1)
	for _, v := range x {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	mean = sum / n
	var sq float64
	for _, v := range x {
		d := v - mean
		sq += d * d
	}
	std = math.Sqrt(sq / n)
	return
}

// ValidateQuality implements the C1 quality gate: reject if N < minSamples,
// if std < minStd, if any NaN/Inf, or if duration N/fs is outside
// [minDurationSeconds, maxDurationSeconds].
func ValidateQuality(x []float64, fs float64, p Params) error {
	n := len(x)
	duration := float64(n) / fs

	if n < p.MinSamples {
		return apperr.New(apperr.SignalQuality, "insufficient samples").WithDetails(map[string]interface{}{
			"samples": n, "required_min_samples": p.MinSamples,
			"duration_seconds": duration, "sampling_rate_hz": fs,
		})
	}
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return apperr.New(apperr.SignalQuality, "signal contains NaN or Inf").WithDetails(map[string]interface{}{
				"samples": n, "duration_seconds": duration, "sampling_rate_hz": fs,
			})
		}
	}
	_, std, _, _ := fullStats(x)
	if std < p.MinStd {
		return apperr.New(apperr.SignalQuality, "insufficient signal variation").WithDetails(map[string]interface{}{
			"std": std, "required_min_std": p.MinStd,
			"samples": n, "duration_seconds": duration, "sampling_rate_hz": fs,
		})
	}
	if duration < p.MinDurationSeconds || duration > p.MaxDurationSeconds {
		return apperr.New(apperr.SignalQuality, "duration outside required range").WithDetails(map[string]interface{}{
			"duration_seconds": duration,
			"required_range_seconds": []float64{p.MinDurationSeconds, p.MaxDurationSeconds},
			"samples": n, "sampling_rate_hz": fs,
		})
	}
	return nil
}

// Process runs the full pipeline: quality gate, high-pass filter,
// rectification, low-pass filter, moving-average smoothing.
func Process(raw []float64, fs float64, p Params) Result {
	pre := computeStats(raw)

	if err := ValidateQuality(raw, fs, p); err != nil {
		return Result{PreStats: pre, ParamsUsed: p, Err: err}
	}

	steps := []string{"quality_gate_passed"}
	x := append([]float64(nil), raw...)

	nyquist := fs / 2.0

	if p.HighpassEnabled {
		wn := p.HighpassCutoffHz / nyquist
		if wn >= 1.0 {
			steps = append(steps, fmt.Sprintf("highpass_skipped_nyquist(%.2f/%.2f>=1)", p.HighpassCutoffHz, nyquist))
		} else {
			b, a := butterworthDigital(p.FilterOrder, wn, true)
			x = filtfilt(b, a, x)
			steps = append(steps, fmt.Sprintf("highpass_%.1fhz_order%d_zerophase", p.HighpassCutoffHz, p.FilterOrder))
		}
	}

	if p.RectificationOn {
		for i, v := range x {
			x[i] = math.Abs(v)
		}
		steps = append(steps, "full_wave_rectification")
	}

	lowCutoff := p.LowpassCutoffHz
	if p.LowpassEnabled {
		safeCutoff := math.Min(lowCutoff, 0.9*nyquist)
		if safeCutoff != lowCutoff {
			steps = append(steps, fmt.Sprintf("lowpass_cutoff_clamped(%.2f->%.2f)", lowCutoff, safeCutoff))
			lowCutoff = safeCutoff
		}
		wn := lowCutoff / nyquist
		if wn >= 1.0 {
			steps = append(steps, fmt.Sprintf("lowpass_skipped_nyquist(%.2f/%.2f>=1)", lowCutoff, nyquist))
		} else {
			b, a := butterworthDigital(p.FilterOrder, wn, false)
			x = filtfilt(b, a, x)
			steps = append(steps, fmt.Sprintf("lowpass_%.1fhz_order%d_zerophase", lowCutoff, p.FilterOrder))
		}
	}

	if p.SmoothingEnabled {
		windowSamples := int((p.SmoothingWindowMs / 1000.0) * fs)
		if windowSamples < 1 {
			windowSamples = 1
		}
		x = movingAverageSame(x, windowSamples)
		steps = append(steps, fmt.Sprintf("moving_average_smoothing_%dms(%dsamples)", int(p.SmoothingWindowMs), windowSamples))
	}

	post := computeStats(x)

	return Result{
		ProcessedSignal: x,
		Steps:           steps,
		ParamsUsed:      p,
		PreStats:        pre,
		PostStats:       post,
	}
}

// movingAverageSame convolves x with a uniform window of the given length
// using "same"-length semantics (scipy/numpy's mode="same"): the output
// has the same length as the input, centered on the kernel.
func movingAverageSame(x []float64, window int) []float64 {
	n := len(x)
	out := make([]float64, n)
	if window <= 1 {
		copy(out, x)
		return out
	}
	// Full convolution length is n+window-1; "same" keeps the centered
	// slice of length n, matching numpy.convolve(x, ones(window)/window, "same").
	full := make([]float64, n+window-1)
	inv := 1.0 / float64(window)
	for i := 0; i < n; i++ {
		v := x[i] * inv
		for k := 0; k < window; k++ {
			full[i+k] += v
		}
	}
	start := (window - 1) / 2
	copy(out, full[start:start+n])
	return out
}
