package signal

// lfilter applies a direct-form-II-transposed IIR filter with coefficients
// b (numerator) and a (denominator, a[0] must be 1) to x, returning y of
// the same length.
func lfilter(b, a, x []float64) []float64 {
	n := len(x)
	y := make([]float64, n)
	order := len(b)
	if len(a) > order {
		order = len(a)
	}
	z := make([]float64, order)
	for i := 0; i < n; i++ {
		xi := x[i]
		yi := b[0]*xi + z[0]
		for j := 1; j < order; j++ {
			var bj, aj float64
			if j < len(b) {
				bj = b[j]
			}
			if j < len(a) {
				aj = a[j]
			}
			next := bj*xi - aj*yi
			if j+1 < order {
				next += z[j]
			}
			z[j-1] = next
		}
		y[i] = yi
	}
	return y
}

// oddReflectPad pads x on both sides with an odd (point) reflection of
// length padlen, the default scipy.signal.filtfilt padding scheme: the
// padded edge is 2*x[0] - x[padlen:0:-1] on the left and the mirror on the
// right. This keeps the signal's local slope continuous across the edge,
// which reduces transients compared to zero- or edge-padding.
func oddReflectPad(x []float64, padlen int) []float64 {
	n := len(x)
	if padlen >= n {
		padlen = n - 1
	}
	if padlen <= 0 {
		out := make([]float64, n)
		copy(out, x)
		return out
	}
	out := make([]float64, n+2*padlen)
	for i := 0; i < padlen; i++ {
		out[i] = 2*x[0] - x[padlen-i]
	}
	copy(out[padlen:padlen+n], x)
	for i := 0; i < padlen; i++ {
		out[padlen+n+i] = 2*x[n-1] - x[n-2-i]
	}
	return out
}

func reverseCopy(x []float64) []float64 {
	n := len(x)
	out := make([]float64, n)
	for i, v := range x {
		out[n-1-i] = v
	}
	return out
}

// filtfilt applies the filter (b,a) forward then backward for
// approximately zero phase distortion, mirroring
// scipy.signal.filtfilt's default odd-padding behavior (padlen =
// 3*max(len(a),len(b))).
func filtfilt(b, a, x []float64) []float64 {
	order := len(b)
	if len(a) > order {
		order = len(a)
	}
	padlen := 3 * order
	padded := oddReflectPad(x, padlen)

	forward := lfilter(b, a, padded)
	backward := lfilter(b, a, reverseCopy(forward))
	result := reverseCopy(backward)

	n := len(x)
	actualPad := (len(padded) - n) / 2
	return result[actualPad : actualPad+n]
}
