package device

import "math"

// CPU reference implementations mirroring the kernel semantics. The GPU
// correctness tests compare dispatch output against these; they follow the
// same formulas but not the same summation order, so comparisons carry a
// float tolerance.

// RefMatMul computes xout[i] = Σ_j w[i*n+j+wOffset] * x[j], i < d.
func RefMatMul(x, w []float32, n, d, wOffset int) []float32 {
	out := make([]float32, d)
	for i := 0; i < d; i++ {
		var val float32
		for j := 0; j < n; j++ {
			val += w[i*n+j+wOffset] * x[j]
		}
		out[i] = val
	}
	return out
}

// RefRMSNorm applies x/rms(x) scaled by weight[wOffset:wOffset+size].
func RefRMSNorm(x, weight []float32, size, wOffset int) []float32 {
	var ss float64
	for i := 0; i < size; i++ {
		ss += float64(x[i]) * float64(x[i])
	}
	g := 1.0 / math.Sqrt(ss/float64(size)+1e-5)
	out := make([]float32, size)
	for i := 0; i < size; i++ {
		out[i] = weight[i+wOffset] * float32(g*float64(x[i]))
	}
	return out
}

// RefSoftmax softmaxes each of rows rows of length n in place.
func RefSoftmax(x []float32, n, rows int) {
	for r := 0; r < rows; r++ {
		row := x[r*n : (r+1)*n]
		max := row[0]
		for _, v := range row {
			if v > max {
				max = v
			}
		}
		var sum float64
		for i, v := range row {
			e := math.Exp(float64(v - max))
			row[i] = float32(e)
			sum += e
		}
		for i := range row {
			row[i] = float32(float64(row[i]) / sum)
		}
	}
}

// RefRope rotates adjacent pairs of q and k by the table row at pos.
func RefRope(q, k, freqReal, freqImag []float32, pos, dim, headSize int) {
	delta := pos * headSize / 2
	for i := 0; i < dim; i += 2 {
		fcr := freqReal[delta+(i%headSize)/2]
		fci := freqImag[delta+(i%headSize)/2]
		q0, q1 := q[i], q[i+1]
		k0, k1 := k[i], k[i+1]
		q[i] = q0*fcr - q1*fci
		q[i+1] = q0*fci + q1*fcr
		k[i] = k0*fcr - k1*fci
		k[i+1] = k0*fci + k1*fcr
	}
}

// RefArgmax is the linear-scan argmax the GPU reduction must agree with;
// ties resolve toward the smaller index.
func RefArgmax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// RefSiluMul computes silu(a[i]) * b[i].
func RefSiluMul(a, b []float32) []float32 {
	out := make([]float32, len(a))
	for i := range a {
		v := float64(a[i])
		out[i] = float32(v/(1.0+math.Exp(-v))) * b[i]
	}
	return out
}
