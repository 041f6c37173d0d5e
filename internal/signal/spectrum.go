package signal

import "math"

// SpectrumStats holds the frequency-domain descriptors computed from a
// channel's processed envelope: mean power frequency, median frequency,
// and a fatigue index comparing early- versus late-window median
// frequency (EMG median frequency falls as a muscle fatigues).
type SpectrumStats struct {
	MPF          float64
	MDF          float64
	FatigueIndex float64
}

// ComputeSpectrum derives MPF/MDF/FatigueIndex from the processed signal
// at sampling rate fs. No FFT library is available anywhere in the
// retrieved corpus, so the power spectrum is computed with a small
// radix-2 FFT implemented here; inputs are zero-padded to the next power
// of two.
func ComputeSpectrum(x []float64, fs float64) SpectrumStats {
	n := len(x)
	if n < 4 || fs <= 0 {
		return SpectrumStats{}
	}

	mdfFirst := medianFrequency(x[:n/2], fs)
	mdfSecond := medianFrequency(x[n/2:], fs)

	mpf, mdf := meanAndMedianFrequency(x, fs)

	fatigue := 0.0
	if mdfFirst > 0 {
		fatigue = (mdfFirst - mdfSecond) / mdfFirst
	}
	if fatigue < -1 {
		fatigue = -1
	}
	if fatigue > 1 {
		fatigue = 1
	}

	return SpectrumStats{MPF: mpf, MDF: mdf, FatigueIndex: fatigue}
}

func medianFrequency(x []float64, fs float64) float64 {
	_, mdf := meanAndMedianFrequency(x, fs)
	return mdf
}

// meanAndMedianFrequency computes the one-sided power spectrum via FFT
// and returns the power-weighted mean frequency and the frequency at
// which cumulative power first reaches half the total.
func meanAndMedianFrequency(x []float64, fs float64) (mpf, mdf float64) {
	n := len(x)
	if n == 0 {
		return 0, 0
	}
	padded := nextPow2(n)
	re := make([]float64, padded)
	im := make([]float64, padded)
	copy(re, x)

	fft(re, im)

	half := padded / 2
	power := make([]float64, half)
	var totalPower float64
	for i := 0; i < half; i++ {
		p := re[i]*re[i] + im[i]*im[i]
		power[i] = p
		totalPower += p
	}
	if totalPower == 0 {
		return 0, 0
	}

	freqStep := fs / float64(padded)
	var weighted float64
	for i, p := range power {
		weighted += float64(i) * freqStep * p
	}
	mpf = weighted / totalPower

	cumulative := 0.0
	half2 := totalPower / 2.0
	for i, p := range power {
		cumulative += p
		if cumulative >= half2 {
			mdf = float64(i) * freqStep
			break
		}
	}
	return mpf, mdf
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	if p < 2 {
		p = 2
	}
	return p
}

// fft computes the in-place iterative radix-2 Cooley-Tukey FFT of
// (re, im); len(re) == len(im) must be a power of two.
func fft(re, im []float64) {
	n := len(re)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}

	for length := 2; length <= n; length <<= 1 {
		ang := -2 * math.Pi / float64(length)
		wr, wi := math.Cos(ang), math.Sin(ang)
		for i := 0; i < n; i += length {
			curWr, curWi := 1.0, 0.0
			for k := 0; k < length/2; k++ {
				uRe, uIm := re[i+k], im[i+k]
				vRe := re[i+k+length/2]*curWr - im[i+k+length/2]*curWi
				vIm := re[i+k+length/2]*curWi + im[i+k+length/2]*curWr
				re[i+k] = uRe + vRe
				im[i+k] = uIm + vIm
				re[i+k+length/2] = uRe - vRe
				im[i+k+length/2] = uIm - vIm
				nextWr := curWr*wr - curWi*wi
				nextWi := curWr*wi + curWi*wr
				curWr, curWi = nextWr, nextWi
			}
		}
	}
}
