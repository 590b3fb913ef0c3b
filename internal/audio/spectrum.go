package audio

import "math"

const (
	DefaultFFTSize   = 256
	DefaultSmoothing = 0.8
	DefaultMinDB     = -100.0
	DefaultMaxDB     = -30.0
)

// Analyser produces byte-scaled frequency magnitudes over a fixed window,
// smoothed across calls.
type Analyser struct {
	size      int
	smoothing float64
	minDB     float64
	maxDB     float64
	window    []float64
	prev      []float64
}

func NewAnalyser(size int) *Analyser {
	if size <= 0 {
		size = DefaultFFTSize
	}
	w := make([]float64, size)
	const a0, a1, a2 = 0.42, 0.5, 0.08
	for n := range w {
		x := 2 * math.Pi * float64(n) / float64(size)
		w[n] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return &Analyser{
		size:      size,
		smoothing: DefaultSmoothing,
		minDB:     DefaultMinDB,
		maxDB:     DefaultMaxDB,
		window:    w,
		prev:      make([]float64, size/2),
	}
}

func (a *Analyser) Size() int { return a.size }

// ByteFrequencyData returns the first bins magnitudes of the most recent
// window in samples, each in [0, 255]. Shorter input is zero padded.
func (a *Analyser) ByteFrequencyData(samples []int16, bins int) []int {
	if bins > a.size/2 {
		bins = a.size / 2
	}
	if len(samples) > a.size {
		samples = samples[len(samples)-a.size:]
	}

	out := make([]int, bins)
	for k := 0; k < bins; k++ {
		var re, im float64
		for n, s := range samples {
			v := float64(s) / 32768.0 * a.window[n]
			angle := 2 * math.Pi * float64(k) * float64(n) / float64(a.size)
			re += v * math.Cos(angle)
			im -= v * math.Sin(angle)
		}
		mag := math.Sqrt(re*re+im*im) / float64(a.size)
		smoothed := a.smoothing*a.prev[k] + (1-a.smoothing)*mag
		a.prev[k] = smoothed

		out[k] = a.scale(smoothed)
	}
	return out
}

func (a *Analyser) scale(mag float64) int {
	if mag <= 0 {
		return 0
	}
	db := 20 * math.Log10(mag)
	v := 255 * (db - a.minDB) / (a.maxDB - a.minDB)
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return int(v)
	}
}

func (a *Analyser) Reset() {
	for i := range a.prev {
		a.prev[i] = 0
	}
}

// Silent reports whether every value is zero.
func Silent(values []int) bool {
	for _, v := range values {
		if v != 0 {
			return false
		}
	}
	return true
}
