package audio

import (
	"encoding/binary"
	"fmt"
)

// Encoding identifies the wire representation of an audio stream.
type Encoding string

const (
	EncodingMuLaw Encoding = "g711_ulaw"
	EncodingPCM16 Encoding = "pcm16"
)

// Format pairs an encoding with its sample rate.
type Format struct {
	Encoding Encoding
	Rate     int
}

func (f Format) String() string {
	return fmt.Sprintf("%s@%d", f.Encoding, f.Rate)
}

// BytesPerSample reports the wire width of one sample.
func (f Format) BytesPerSample() int {
	if f.Encoding == EncodingPCM16 {
		return 2
	}
	return 1
}

// Decode expands wire bytes in this format to linear samples.
func (f Format) Decode(data []byte) []int16 {
	if f.Encoding == EncodingPCM16 {
		return PCM16ToLinear(data)
	}
	return DecodeMuLaw(data)
}

// Encode compresses linear samples to wire bytes in this format.
func (f Format) Encode(samples []int16) []byte {
	if f.Encoding == EncodingPCM16 {
		return LinearToPCM16(samples)
	}
	return EncodeMuLaw(samples)
}

// Transcode converts wire bytes from one format to another, resampling
// when the rates differ. Matching formats pass through untouched.
func Transcode(data []byte, from, to Format) []byte {
	if from == to {
		return data
	}
	samples := from.Decode(data)
	samples = Resample(samples, from.Rate, to.Rate)
	return to.Encode(samples)
}

// PCM16ToLinear reads little-endian 16-bit PCM into linear samples.
// A trailing odd byte is dropped.
func PCM16ToLinear(data []byte) []int16 {
	n := len(data) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// LinearToPCM16 writes linear samples as little-endian 16-bit PCM.
func LinearToPCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
