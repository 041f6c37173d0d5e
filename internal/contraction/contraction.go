// Package contraction detects contraction runs in a processed EMG
// envelope and classifies them against optional MVC and duration
// thresholds.
package contraction

import "github.com/ghostlyplus/emganalyzer/internal/domain"

// Params controls detection thresholds. MVCThresholdPct and
// DurationThresholdMs are pointers since "threshold not supplied" is a
// distinct state from "threshold is zero".
type Params struct {
	ThresholdFactor     float64
	MinDurationMs       float64
	HysteresisGapMs     float64
	MVCThresholdPct     *float64
	DurationThresholdMs *float64
}

// DefaultParams returns the conservative defaults: factor 0.3, min
// duration 50ms, hysteresis gap 100ms.
func DefaultParams() Params {
	return Params{
		ThresholdFactor: 0.3,
		MinDurationMs:   50.0,
		HysteresisGapMs: 100.0,
	}
}

// Result is the aggregate + per-contraction output of C2.
type Result struct {
	ContractionCount       int
	MVCCompliantCount      int
	DurationCompliantCount int
	GoodContractionCount   int
	Contractions           []domain.Contraction
}

type run struct {
	startIdx, endIdx int // endIdx is exclusive
}

// Analyze detects contractions in envelope (samples at fs Hz) using a
// threshold-crossing + hysteresis-merge + minimum-duration algorithm.
func Analyze(envelope []float64, fs float64, p Params) Result {
	if len(envelope) == 0 {
		return Result{}
	}

	maxVal := envelope[0]
	for _, v := range envelope {
		if v > maxVal {
			maxVal = v
		}
	}
	threshold := p.ThresholdFactor * maxVal

	runs := detectRuns(envelope, threshold)
	gapSamples := int((p.HysteresisGapMs / 1000.0) * fs)
	runs = mergeRuns(runs, gapSamples)

	minSamples := int((p.MinDurationMs / 1000.0) * fs)
	var kept []run
	for _, r := range runs {
		if r.endIdx-r.startIdx >= minSamples {
			kept = append(kept, r)
		}
	}

	res := Result{}
	for _, r := range kept {
		seg := envelope[r.startIdx:r.endIdx]
		mean, max := meanMax(seg)
		durationMs := float64(r.endIdx-r.startIdx) / fs * 1000.0
		startMs := float64(r.startIdx) / fs * 1000.0
		endMs := float64(r.endIdx) / fs * 1000.0

		meetsMVC := false
		if p.MVCThresholdPct != nil {
			meetsMVC = max >= *p.MVCThresholdPct
		}
		meetsDur := false
		if p.DurationThresholdMs != nil {
			meetsDur = durationMs >= *p.DurationThresholdMs
		}
		isGood := meetsMVC && meetsDur

		res.Contractions = append(res.Contractions, domain.Contraction{
			StartMs: startMs, EndMs: endMs, DurationMs: durationMs,
			MeanAmp: mean, MaxAmp: max,
			MeetsMVC: meetsMVC, MeetsDur: meetsDur, IsGood: isGood,
		})
		res.ContractionCount++
		if meetsMVC {
			res.MVCCompliantCount++
		}
		if meetsDur {
			res.DurationCompliantCount++
		}
		if isGood {
			res.GoodContractionCount++
		}
	}
	return res
}

// detectRuns finds maximal index ranges where envelope[i] > threshold.
// When two candidate runs would otherwise share a boundary sample, the
// earlier run owns it (enforced naturally here since a sample belongs to
// at most one run by construction — runs are disjoint above-threshold
// spans).
func detectRuns(envelope []float64, threshold float64) []run {
	var runs []run
	inRun := false
	start := 0
	for i, v := range envelope {
		above := v > threshold
		if above && !inRun {
			inRun = true
			start = i
		} else if !above && inRun {
			inRun = false
			runs = append(runs, run{startIdx: start, endIdx: i})
		}
	}
	if inRun {
		runs = append(runs, run{startIdx: start, endIdx: len(envelope)})
	}
	return runs
}

// mergeRuns merges adjacent runs separated by a gap of fewer than
// gapSamples samples.
func mergeRuns(runs []run, gapSamples int) []run {
	if len(runs) == 0 {
		return runs
	}
	merged := []run{runs[0]}
	for _, r := range runs[1:] {
		last := &merged[len(merged)-1]
		if r.startIdx-last.endIdx < gapSamples {
			last.endIdx = r.endIdx
		} else {
			merged = append(merged, r)
		}
	}
	return merged
}

func meanMax(x []float64) (mean, max float64) {
	if len(x) == 0 {
		return 0, 0
	}
	sum := 0.0
	max = x[0]
	for _, v := range x {
		sum += v
		if v > max {
			max = v
		}
	}
	return sum / float64(len(x)), max
}
