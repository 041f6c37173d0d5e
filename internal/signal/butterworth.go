package signal

import (
	"math"
	"math/cmplx"
)

// butterworthDigital designs an order-n Butterworth low-pass or high-pass
// digital filter via the analog Butterworth prototype followed by a
// bilinear transform — the same method scipy.signal.butter uses — and
// returns transfer-function coefficients b (numerator) and a
// (denominator), each of length n+1 with a[0] == 1.
//
// wn is the cutoff expressed as a fraction of the Nyquist frequency, i.e.
// wn = cutoffHz / (fs/2), in (0, 1).
//
// No DSP library exists anywhere in the reference corpus, so filter
// design is implemented directly against math/cmplx; see DESIGN.md for
// the stdlib-only justification.
func butterworthDigital(n int, wn float64, highpass bool) (b, a []float64) {
	protoPoles := make([]complex128, n)
	for k := 0; k < n; k++ {
		m := float64(-n + 1 + 2*k)
		angle := math.Pi * m / (2 * float64(n))
		protoPoles[k] = -cmplx.Exp(complex(0, angle))
	}

	warped := 2.0 * math.Tan(math.Pi*wn/2.0)

	var poles, zeros []complex128
	var gain float64

	if highpass {
		prodNegP := complex(1, 0)
		for _, p := range protoPoles {
			prodNegP *= -p
		}
		gain = real(complex(1, 0) / prodNegP)
		poles = make([]complex128, n)
		for i, p := range protoPoles {
			poles[i] = complex(warped, 0) / p
		}
		zeros = make([]complex128, n)
	} else {
		poles = make([]complex128, n)
		for i, p := range protoPoles {
			poles[i] = p * complex(warped, 0)
		}
		gain = math.Pow(warped, float64(n))
	}

	fs2 := complex(2, 0)
	degree := n - len(zeros)
	digitalZeros := make([]complex128, 0, n)
	for _, z := range zeros {
		digitalZeros = append(digitalZeros, (fs2+z)/(fs2-z))
	}
	for i := 0; i < degree; i++ {
		digitalZeros = append(digitalZeros, complex(-1, 0))
	}
	digitalPoles := make([]complex128, n)
	for i, p := range poles {
		digitalPoles[i] = (fs2 + p) / (fs2 - p)
	}

	numProd := complex(1, 0)
	denProd := complex(1, 0)
	for _, z := range zeros {
		numProd *= fs2 - z
	}
	for _, p := range poles {
		denProd *= fs2 - p
	}
	kz := gain * real(numProd/denProd)

	bC := polyFromRoots(digitalZeros)
	b = make([]float64, len(bC))
	for i := range bC {
		b[i] = bC[i] * kz
	}
	a = polyFromRoots(digitalPoles)
	return b, a
}

// polyFromRoots expands prod(x - r_i) into real coefficients, highest
// degree first, assuming the roots form conjugate pairs (true here since
// Butterworth poles/zeros always do, up to floating-point error).
func polyFromRoots(roots []complex128) []float64 {
	coeffs := []complex128{1}
	for _, r := range roots {
		next := make([]complex128, len(coeffs)+1)
		for i, c := range coeffs {
			next[i] += c
			next[i+1] -= c * r
		}
		coeffs = next
	}
	out := make([]float64, len(coeffs))
	for i, c := range coeffs {
		out[i] = real(c)
	}
	return out
}
