package audio

const (
	ulawBias = 0x84
	ulawClip = 32635

	// SilenceByte is the G.711 mu-law encoding of a zero sample.
	SilenceByte = 0xFF
)

// DecodeSample expands one G.711 mu-law byte to a linear 16-bit sample.
func DecodeSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant) << 3) + ulawBias
	value <<= uint(exp)
	value -= ulawBias
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

// EncodeSample compresses a linear 16-bit sample to G.711 mu-law.
// Samples beyond the codec range saturate rather than wrap.
func EncodeSample(sample int16) byte {
	s := int(sample)
	sign := byte(0)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias
	exp := byte(7)
	for mask := 0x4000; s&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := byte((s >> (exp + 3)) & 0x0F)
	return ^(sign | (exp << 4) | mant)
}

// DecodeMuLaw expands a mu-law byte stream to linear samples.
func DecodeMuLaw(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = DecodeSample(b)
	}
	return out
}

// EncodeMuLaw compresses linear samples to a mu-law byte stream.
func EncodeMuLaw(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = EncodeSample(s)
	}
	return out
}
