package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter converts frames to a target format. It logs once on the
// first format mismatch and once on the first misaligned frame.
// Create one per stream; it is not safe for concurrent use.
type FormatConverter struct {
	Target Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns frame in the target format. A frame that already matches
// is returned as is. Stereo input is downmixed before resampling so only one
// channel is interpolated.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: odd byte count in PCM frame, dropping",
				"bytes", len(frame.Data),
				"format", formatString(frame.SampleRate, frame.Channels),
			)
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}
	if frame.Format() == c.Target {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio: converting stream",
			"from", formatString(frame.SampleRate, frame.Channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	pcm := frame.Data
	channels := frame.Channels
	if channels == 2 {
		pcm = StereoToMono(pcm)
		channels = 1
	}
	pcm = ResampleMono16(pcm, frame.SampleRate, c.Target.SampleRate)
	if c.Target.Channels == 2 {
		pcm = MonoToStereo(pcm)
		channels = 2
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   channels,
		Timestamp:  frame.Timestamp,
	}
}

// MonoToStereo copies every mono sample into both channels.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages the two channels of every frame.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((l+r)/2)))
	}
	return out
}

// ResampleMono16 converts mono int16 PCM from srcRate to dstRate with linear
// interpolation. Invalid rates or equal rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	src := BytesToInt16s(pcm)
	n := int(int64(len(src)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	dst := make([]int16, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dst {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := src[idx]
		s1 := s0
		if idx+1 < len(src) {
			s1 = src[idx+1]
		}
		dst[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return Int16sToBytes(dst)
}

// Int16sToBytes encodes samples as little-endian bytes.
func Int16sToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16s decodes little-endian bytes into samples. A trailing odd
// byte is ignored.
func BytesToInt16s(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

func formatString(rate, channels int) string {
	switch channels {
	case 1:
		return fmt.Sprintf("%dHz mono", rate)
	case 2:
		return fmt.Sprintf("%dHz stereo", rate)
	default:
		return fmt.Sprintf("%dHz %dch", rate, channels)
	}
}
