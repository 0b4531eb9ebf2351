// Package bandwidth tunes the outbound audio encoding of an endpoint once
// its local track is attached.
package bandwidth

import (
	"errors"
	"fmt"

	"github.com/Yagasaki7K/dualspeaker/pkg/audio"
)

// ErrNoAudioSender is returned by [Apply] when the endpoint has no outbound
// audio sender.
var ErrNoAudioSender = errors.New("bandwidth: no audio sender")

// Policy is the encoding applied to the outbound audio sender.
type Policy struct {
	MaxBitrate int
	DTX        bool
	Priority   audio.Priority
}

// DefaultPolicy caps voice at 24 kbps with discontinuous transmission and
// medium priority.
func DefaultPolicy() Policy {
	return Policy{MaxBitrate: 24000, DTX: true, Priority: audio.PriorityMedium}
}

// Validate reports whether p can be applied.
func (p Policy) Validate() error {
	var errs []error
	if p.MaxBitrate < 0 {
		errs = append(errs, fmt.Errorf("bandwidth: max bitrate %d must not be negative", p.MaxBitrate))
	}
	if !p.Priority.Valid() {
		errs = append(errs, fmt.Errorf("bandwidth: unknown priority %q", p.Priority))
	}
	return errors.Join(errs...)
}

// SenderSource is the part of [audio.Endpoint] Apply needs.
type SenderSource interface {
	Senders() []audio.Sender
}

// Apply sets p on every encoding of the first audio sender of src. A sender
// without encodings gets a single synthesized one.
//
// Failures are meant to be logged by the caller; the call proceeds at the
// sender's default quality.
func Apply(src SenderSource, p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	var sender audio.Sender
	for _, s := range src.Senders() {
		if s.Kind() == "audio" {
			sender = s
			break
		}
	}
	if sender == nil {
		return ErrNoAudioSender
	}

	params := sender.Parameters()
	if len(params.Encodings) == 0 {
		params.Encodings = []audio.Encoding{{}}
	}
	for i := range params.Encodings {
		params.Encodings[i].MaxBitrate = p.MaxBitrate
		params.Encodings[i].DTX = p.DTX
		params.Encodings[i].Priority = p.Priority
	}

	if err := sender.SetParameters(params); err != nil {
		return fmt.Errorf("bandwidth: set parameters: %w", err)
	}
	return nil
}
