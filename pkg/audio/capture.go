package audio

import (
	"context"
	"errors"
)

// ErrUnsupportedConstraints is returned by a [Capturer] that cannot satisfy
// the requested constraints.
var ErrUnsupportedConstraints = errors.New("audio: unsupported capture constraints")

// CaptureConstraints describes the local capture the session asks for.
type CaptureConstraints struct {
	SampleRate       int
	Channels         int
	SampleSize       int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	Video            bool
}

// DefaultCaptureConstraints returns the voice capture profile: mono, 16 kHz,
// 16-bit, with echo cancellation, noise suppression and gain control, and no
// video.
func DefaultCaptureConstraints() CaptureConstraints {
	return CaptureConstraints{
		SampleRate:       16000,
		Channels:         1,
		SampleSize:       16,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Format returns the PCM format the constraints describe.
func (c CaptureConstraints) Format() Format {
	return Format{SampleRate: c.SampleRate, Channels: c.Channels}
}

// Capturer acquires the local audio source.
type Capturer interface {
	// Open starts capture and returns the live stream. The stream is closed
	// when ctx is cancelled or the source ends.
	Open(ctx context.Context, c CaptureConstraints) (*Stream, error)
}

// Sink plays received remote audio.
type Sink interface {
	// Attach starts playing stream, replacing any previously attached one.
	Attach(stream *Stream)

	// Detach stops playback. Safe to call when nothing is attached.
	Detach()
}
