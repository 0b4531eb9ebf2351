// Package activity turns audio streams into voice-activity readings.
//
// An [Analyser] computes byte frequency data the way a WebAudio
// AnalyserNode does, and a [Monitor] samples it on a fixed interval to
// derive a mean energy, a 0-100 level and a boolean "active" flag.
package activity

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/Yagasaki7K/dualspeaker/pkg/audio"
)

// AnalyserNode defaults.
const (
	DefaultFFTSize   = 256
	DefaultSmoothing = 0.8
	DefaultMinDB     = -100.0
	DefaultMaxDB     = -30.0
)

// Sampler provides a frequency-domain energy buffer on demand.
type Sampler interface {
	// ByteFrequencyData fills dst (allocating when it is too small) with the
	// current spectrum scaled to 0-255 and returns it.
	ByteFrequencyData(dst []byte) []byte
}

// AnalyserOption configures an [Analyser].
type AnalyserOption func(*Analyser)

// WithFFTSize sets the analysis window. It must be a power of two between
// 32 and 32768; other values are ignored.
func WithFFTSize(n int) AnalyserOption {
	return func(a *Analyser) {
		if n >= 32 && n <= 32768 && n&(n-1) == 0 {
			a.fftSize = n
		}
	}
}

// WithSmoothing sets the time constant in [0, 1) applied between
// consecutive spectra.
func WithSmoothing(tc float64) AnalyserOption {
	return func(a *Analyser) {
		if tc >= 0 && tc < 1 {
			a.smoothing = tc
		}
	}
}

// Analyser keeps the latest fftSize samples of a stream and computes their
// spectrum on request. It is safe for concurrent use.
type Analyser struct {
	fftSize   int
	smoothing float64
	minDB     float64
	maxDB     float64

	mu       sync.Mutex
	ring     []float64
	pos      int
	window   []float64
	fft      *fourier.FFT
	frame    []float64
	coeffs   []complex128
	smoothed []float64

	stop func()
	done chan struct{}
}

// NewAnalyser returns an analyser that is not attached to a stream. Feed it
// with Write or use [Attach].
func NewAnalyser(opts ...AnalyserOption) *Analyser {
	a := &Analyser{
		fftSize:   DefaultFFTSize,
		smoothing: DefaultSmoothing,
		minDB:     DefaultMinDB,
		maxDB:     DefaultMaxDB,
	}
	for _, o := range opts {
		o(a)
	}
	n := a.fftSize
	a.ring = make([]float64, n)
	a.frame = make([]float64, n)
	a.smoothed = make([]float64, n/2)
	a.fft = fourier.NewFFT(n)
	a.window = blackman(n)
	return a
}

// Attach returns an analyser fed by stream until Close is called or the
// stream ends. Once feeding stops the analyser reads silence.
func Attach(stream *audio.Stream, opts ...AnalyserOption) *Analyser {
	a := NewAnalyser(opts...)
	frames, unsubscribe := stream.Subscribe(32)
	a.stop = unsubscribe
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		for f := range frames {
			a.Write(f)
		}
		a.silence()
	}()
	return a
}

// silence clears the window and the smoothed spectrum.
func (a *Analyser) silence() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	clear(a.smoothed)
	a.pos = 0
}

// FrequencyBinCount returns half the FFT size.
func (a *Analyser) FrequencyBinCount() int { return a.fftSize / 2 }

// Write appends the frame's samples to the analysis window. Stereo frames
// are downmixed.
func (a *Analyser) Write(f audio.AudioFrame) {
	pcm := f.Data
	if f.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	samples := audio.BytesToInt16s(pcm)

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.ring[a.pos] = float64(s) / 32768
		a.pos = (a.pos + 1) % len(a.ring)
	}
}

// ByteFrequencyData implements [Sampler].
func (a *Analyser) ByteFrequencyData(dst []byte) []byte {
	bins := a.FrequencyBinCount()
	if cap(dst) < bins {
		dst = make([]byte, bins)
	}
	dst = dst[:bins]

	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.fftSize
	for i := range n {
		a.frame[i] = a.ring[(a.pos+i)%n] * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.frame)

	scale := 255 / (a.maxDB - a.minDB)
	for k := range bins {
		mag := cmplx.Abs(a.coeffs[k]) / float64(n)
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag
		db := math.Inf(-1)
		if a.smoothed[k] > 0 {
			db = 20 * math.Log10(a.smoothed[k])
		}
		v := math.Floor(scale * (db - a.minDB))
		switch {
		case v < 0 || math.IsNaN(v):
			dst[k] = 0
		case v > 255:
			dst[k] = 255
		default:
			dst[k] = byte(v)
		}
	}
	return dst
}

// Close detaches the analyser from its stream. Safe to call on detached
// analysers and more than once.
func (a *Analyser) Close() {
	if a.stop == nil {
		return
	}
	a.stop()
	<-a.done
}

func blackman(n int) []float64 {
	const alpha = 0.16
	a0, a1, a2 := (1-alpha)/2, 0.5, alpha/2
	w := make([]float64, n)
	for i := range w {
		x := float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(2*math.Pi*x) + a2*math.Cos(4*math.Pi*x)
	}
	return w
}
