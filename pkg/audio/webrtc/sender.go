package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/Yagasaki7K/dualspeaker/pkg/audio"
)

// dtxKeepalive is the longest gap between packets while DTX suppresses
// silence.
const dtxKeepalive = 400 * time.Millisecond

// frameBytes is the size of one 20 ms frame of 48 kHz mono PCM.
const frameBytes = opusFrameSize * 2

// sender encodes one local stream onto an Opus sample track and implements
// [audio.Sender]. Encoding parameters apply to the live encoder:
// MaxBitrate sets the Opus target bitrate and DTX suppresses silent frames.
type sender struct {
	track *webrtc.TrackLocalStaticSample
	rtp   *webrtc.RTPSender
	log   logging.LeveledLogger

	mu     sync.Mutex
	enc    *opusEncoder
	params audio.SendParameters
	dtx    bool
}

func newSender(ctx context.Context, pc *webrtc.PeerConnection, stream *audio.Stream, log logging.LeveledLogger) (*sender, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusSampleRate, Channels: 2},
		"audio",
		stream.ID(),
	)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create local track: %w", err)
	}
	enc, err := newOpusEncoder()
	if err != nil {
		return nil, err
	}
	rtp, err := pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("webrtc: add track: %w", err)
	}

	s := &sender{track: track, rtp: rtp, log: log, enc: enc}

	// RTCP must be read for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := rtp.Read(buf); err != nil {
				return
			}
		}
	}()

	frames, unsubscribe := stream.Subscribe(64)
	go func() {
		defer unsubscribe()
		s.pump(ctx, frames)
	}()
	return s, nil
}

// Kind implements [audio.Sender].
func (s *sender) Kind() string { return s.track.Kind().String() }

// Parameters implements [audio.Sender].
func (s *sender) Parameters() audio.SendParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.SendParameters{Encodings: append([]audio.Encoding(nil), s.params.Encodings...)}
}

// SetParameters implements [audio.Sender]. Only the first encoding is used;
// a single Opus stream has no simulcast layers.
func (s *sender) SetParameters(p audio.SendParameters) error {
	if len(p.Encodings) == 0 {
		return fmt.Errorf("webrtc: set parameters: no encodings")
	}
	enc := p.Encodings[0]
	if enc.MaxBitrate < 0 {
		return fmt.Errorf("webrtc: set parameters: negative bitrate %d", enc.MaxBitrate)
	}
	if enc.Priority != "" && !enc.Priority.Valid() {
		return fmt.Errorf("webrtc: set parameters: unknown priority %q", enc.Priority)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if enc.MaxBitrate > 0 {
		s.enc.setBitrate(enc.MaxBitrate)
	}
	s.dtx = enc.DTX
	s.params = audio.SendParameters{Encodings: append([]audio.Encoding(nil), p.Encodings...)}
	return nil
}

// pump converts incoming frames to 48 kHz mono, cuts them into 20 ms
// frames and writes them to the track.
func (s *sender) pump(ctx context.Context, frames <-chan audio.AudioFrame) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: opusSampleRate, Channels: 1}}
	var (
		pending  []byte
		lastSent time.Time
		dropped  uint16
	)
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			pending = append(pending, conv.Convert(f).Data...)
		}

		for len(pending) >= frameBytes {
			frame := pending[:frameBytes]
			pending = pending[frameBytes:]

			s.mu.Lock()
			dtx := s.dtx
			if dtx && silent(frame) && time.Since(lastSent) < dtxKeepalive {
				s.mu.Unlock()
				dropped++
				continue
			}
			packet, err := s.enc.encode(frame)
			s.mu.Unlock()
			if err != nil {
				s.log.Debugf("local track: %v", err)
				continue
			}

			err = s.track.WriteSample(media.Sample{
				Data:               packet,
				Duration:           opusFrameSizeMs * time.Millisecond,
				PrevDroppedPackets: dropped,
			})
			if err != nil {
				s.log.Debugf("local track: write sample: %v", err)
				continue
			}
			dropped = 0
			lastSent = time.Now()
		}
		pending = append([]byte(nil), pending...)
	}
}
