package audio

import "math"

// RMS computes the root mean square energy of linear samples.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum2 int64
	for _, s := range samples {
		sum2 += int64(s) * int64(s)
	}
	return math.Sqrt(float64(sum2) / float64(len(samples)))
}
