package audio

// Resample converts linear samples between sample rates using linear
// interpolation. Output length is floor(len(in) * toRate / fromRate).
// Equal rates return a copy of the input untouched.
func Resample(in []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate {
		return append([]int16(nil), in...)
	}
	if len(in) == 0 || fromRate <= 0 || toRate <= 0 {
		return []int16{}
	}
	outLen := len(in) * toRate / fromRate
	if outLen == 0 {
		return []int16{}
	}
	out := make([]int16, outLen)
	ratio := float64(fromRate) / float64(toRate)
	for i := 0; i < outLen; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		if srcIdx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := srcPos - float64(srcIdx)
		s0 := float64(in[srcIdx])
		s1 := float64(in[srcIdx+1])
		out[i] = int16(s0 + frac*(s1-s0))
	}
	return out
}
