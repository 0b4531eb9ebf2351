package webrtc

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/Yagasaki7K/dualspeaker/pkg/audio"
)

// WebRTC Opus runs at 48 kHz; local audio is sent as mono 20 ms frames.
const (
	opusSampleRate  = 48000
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per 20 ms mono frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
	// opusMaxFrameMs is the longest duration a single Opus packet can carry.
	opusMaxFrameMs = 120
	opusMaxPacket  = 4000
)

// opusEncoder wraps a gopus encoder for the local track. Not safe for
// concurrent use.
type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode compresses one 20 ms frame of 48 kHz mono PCM bytes.
func (e *opusEncoder) encode(pcm []byte) ([]byte, error) {
	packet, err := e.enc.Encode(audio.BytesToInt16s(pcm), opusFrameSize, opusMaxPacket)
	if err != nil {
		return nil, fmt.Errorf("webrtc: opus encode: %w", err)
	}
	return packet, nil
}

func (e *opusEncoder) setBitrate(bps int) {
	e.enc.SetBitrate(bps)
}

// opusDecoder wraps a gopus decoder for one remote track. Each track gets
// its own decoder so decoder state follows consecutive packets.
type opusDecoder struct {
	dec      *gopus.Decoder
	maxFrame int
}

func newOpusDecoder(sampleRate int) (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec, maxFrame: sampleRate * opusMaxFrameMs / 1000}, nil
}

// decode returns the packet as mono PCM bytes.
func (d *opusDecoder) decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, d.maxFrame, false)
	if err != nil {
		return nil, fmt.Errorf("webrtc: opus decode: %w", err)
	}
	return audio.Int16sToBytes(pcm), nil
}

// silent reports whether a frame of PCM bytes stays below the DTX level.
func silent(pcm []byte) bool {
	var sum int64
	samples := audio.BytesToInt16s(pcm)
	if len(samples) == 0 {
		return true
	}
	for _, s := range samples {
		v := int64(s)
		sum += v * v
	}
	return sum/int64(len(samples)) < dtxLevel*dtxLevel
}

// dtxLevel is the RMS amplitude under which a frame counts as silence.
const dtxLevel = 200
