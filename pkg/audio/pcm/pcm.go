// Package pcm implements file-backed capture and playback for headless runs.
//
// Audio is raw signed 16-bit little-endian PCM. [Capturer] paces a file (or
// generated silence) in real time as the local microphone; [Sink] writes the
// remote party's audio to any [io.Writer].
package pcm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Yagasaki7K/dualspeaker/pkg/audio"
)

var (
	_ audio.Capturer = (*Capturer)(nil)
	_ audio.Sink     = (*Sink)(nil)
)

const defaultFrameDuration = 20 * time.Millisecond

// Capturer reads mono 16 kHz s16le PCM and publishes it as the local
// stream, one frame per FrameDuration.
type Capturer struct {
	// Path is the PCM file to play. Empty generates silence.
	Path string

	// Loop restarts the file at EOF instead of ending the stream.
	Loop bool

	// FrameDuration is the length of each frame. Defaults to 20 ms.
	FrameDuration time.Duration
}

// Open implements [audio.Capturer]. Only mono, 16 kHz, 16-bit capture
// without video is supported; anything else fails with
// [audio.ErrUnsupportedConstraints].
func (c *Capturer) Open(ctx context.Context, cons audio.CaptureConstraints) (*audio.Stream, error) {
	want := audio.DefaultCaptureConstraints()
	if cons.Format() != want.Format() || cons.SampleSize != want.SampleSize || cons.Video {
		return nil, fmt.Errorf("%w: %dHz/%dch/%d-bit video=%t",
			audio.ErrUnsupportedConstraints, cons.SampleRate, cons.Channels, cons.SampleSize, cons.Video)
	}

	var src io.ReadSeekCloser
	if c.Path != "" {
		f, err := os.Open(c.Path)
		if err != nil {
			return nil, fmt.Errorf("pcm: open capture: %w", err)
		}
		src = f
	}

	d := c.FrameDuration
	if d <= 0 {
		d = defaultFrameDuration
	}
	format := cons.Format()
	frameBytes := int(int64(format.SampleRate) * int64(d) / int64(time.Second) * 2)

	stream := audio.NewStream("capture", format)
	go c.run(ctx, stream, src, d, frameBytes)
	return stream, nil
}

func (c *Capturer) run(ctx context.Context, stream *audio.Stream, src io.ReadSeekCloser, d time.Duration, frameBytes int) {
	defer stream.Close()
	if src != nil {
		defer src.Close()
	}

	ticker := time.NewTicker(d)
	defer ticker.Stop()

	format := stream.Format()
	var ts time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		buf := make([]byte, frameBytes)
		if src != nil {
			n, err := io.ReadFull(src, buf)
			switch {
			case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
				if !c.Loop {
					if n > 0 {
						stream.Publish(audio.AudioFrame{Data: buf[:n&^1], SampleRate: format.SampleRate, Channels: format.Channels, Timestamp: ts})
					}
					slog.Info("pcm: capture source ended", "path", c.Path)
					return
				}
				if _, err := src.Seek(0, io.SeekStart); err != nil {
					slog.Error("pcm: rewind capture source", "path", c.Path, "err", err)
					return
				}
				if _, err := io.ReadFull(src, buf[n:]); err != nil && n == 0 {
					slog.Error("pcm: capture source is empty", "path", c.Path, "err", err)
					return
				}
			case err != nil:
				slog.Error("pcm: read capture source", "path", c.Path, "err", err)
				return
			}
		}

		stream.Publish(audio.AudioFrame{Data: buf, SampleRate: format.SampleRate, Channels: format.Channels, Timestamp: ts})
		ts += d
	}
}

// Sink writes attached remote audio to W as s16le PCM.
type Sink struct {
	W io.Writer

	mu     sync.Mutex
	cancel func()
	done   chan struct{}
}

// Attach implements [audio.Sink].
func (s *Sink) Attach(stream *audio.Stream) {
	s.Detach()

	frames, unsubscribe := stream.Subscribe(64)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = unsubscribe
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for f := range frames {
			if _, err := s.W.Write(f.Data); err != nil {
				slog.Warn("pcm: sink write failed", "stream", stream.ID(), "err", err)
				unsubscribe()
				for range frames {
				}
				return
			}
		}
	}()
}

// Detach implements [audio.Sink]. It returns once the previous stream's
// writer has stopped.
func (s *Sink) Detach() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
