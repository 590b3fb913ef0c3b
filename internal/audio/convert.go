package audio

import (
	"encoding/binary"
	"math"
)

// ResampleInt16 converts mono PCM between sample rates by linear
// interpolation. Input is returned unchanged when the rates match.
func ResampleInt16(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return samples
	}
	if len(samples) == 0 {
		return nil
	}

	ratio := float64(toRate) / float64(fromRate)
	out := make([]int16, int(math.Ceil(float64(len(samples))*ratio)))
	for i := range out {
		pos := float64(i) / ratio
		idx := int(pos)
		frac := pos - float64(idx)

		switch {
		case idx+1 < len(samples):
			a, b := float64(samples[idx]), float64(samples[idx+1])
			out[i] = int16(math.Round(a + (b-a)*frac))
		case idx < len(samples):
			out[i] = samples[idx]
		default:
			out[i] = samples[len(samples)-1]
		}
	}
	return out
}

// DownmixInt16 averages interleaved channels into mono.
func DownmixInt16(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	out := make([]int16, len(samples)/channels)
	for i := range out {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

func PCMBytesToInt16(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

func Int16ToPCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Clip saturates a mixed sample to the int16 range.
func Clip(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(math.Round(v))
	}
}

// SamplesFor returns how many mono samples cover ms milliseconds at rate.
func SamplesFor(rate int, ms int64) int {
	return int(int64(rate) * ms / 1000)
}
