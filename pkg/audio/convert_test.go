package audio_test

import (
	"slices"
	"testing"
	"time"

	"github.com/Yagasaki7K/dualspeaker/pkg/audio"
)

func TestChannelConversion(t *testing.T) {
	t.Parallel()

	stereo := audio.MonoToStereo(audio.Int16sToBytes([]int16{100, -200, 300}))
	if got, want := audio.BytesToInt16s(stereo), []int16{100, 100, -200, -200, 300, 300}; !slices.Equal(got, want) {
		t.Errorf("MonoToStereo = %v, want %v", got, want)
	}

	mono := audio.StereoToMono(audio.Int16sToBytes([]int16{100, 200, 32767, 32767, -32768, -32768}))
	if got, want := audio.BytesToInt16s(mono), []int16{150, 32767, -32768}; !slices.Equal(got, want) {
		t.Errorf("StereoToMono = %v, want %v", got, want)
	}
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()

	pcm := audio.Int16sToBytes([]int16{0, 100, 200, 300})

	if out := audio.ResampleMono16(pcm, 16000, 16000); len(out) != len(pcm) {
		t.Errorf("same rate: len = %d, want %d", len(out), len(pcm))
	}
	if out := audio.ResampleMono16(pcm, 0, 48000); len(out) != len(pcm) {
		t.Errorf("zero rate: len = %d, want %d", len(out), len(pcm))
	}

	up := audio.BytesToInt16s(audio.ResampleMono16(pcm, 16000, 48000))
	if len(up) != 12 {
		t.Fatalf("upsampled samples = %d, want 12", len(up))
	}
	if up[0] != 0 || up[3] != 100 || up[6] != 200 {
		t.Errorf("upsampled = %v", up)
	}
	for i := 1; i < 10; i++ {
		if up[i] < up[i-1] {
			t.Errorf("upsampled ramp not monotonic at %d: %v", i, up)
		}
	}

	down := audio.BytesToInt16s(audio.ResampleMono16(audio.Int16sToBytes(up), 48000, 16000))
	if len(down) != 4 {
		t.Errorf("downsampled samples = %d, want 4", len(down))
	}
}

func TestFormatConverter(t *testing.T) {
	t.Parallel()

	capture := audio.Format{SampleRate: 16000, Channels: 1}
	tests := []struct {
		name      string
		target    audio.Format
		in        audio.AudioFrame
		wantLen   int
		wantChans int
	}{
		{
			name:      "matching format",
			target:    capture,
			in:        audio.AudioFrame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1},
			wantLen:   640,
			wantChans: 1,
		},
		{
			name:      "upsample mono",
			target:    audio.Format{SampleRate: 48000, Channels: 1},
			in:        audio.AudioFrame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1},
			wantLen:   1920,
			wantChans: 1,
		},
		{
			name:      "stereo 48k to mono 16k",
			target:    capture,
			in:        audio.AudioFrame{Data: make([]byte, 3840), SampleRate: 48000, Channels: 2},
			wantLen:   640,
			wantChans: 1,
		},
		{
			name:      "odd byte count dropped",
			target:    capture,
			in:        audio.AudioFrame{Data: make([]byte, 3), SampleRate: 16000, Channels: 1},
			wantLen:   0,
			wantChans: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			conv := audio.FormatConverter{Target: tt.target}
			out := conv.Convert(tt.in)
			if len(out.Data) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(out.Data), tt.wantLen)
			}
			if out.Channels != tt.wantChans || out.SampleRate != tt.target.SampleRate {
				t.Errorf("format = %+v, want %dHz/%dch", out.Format(), tt.target.SampleRate, tt.wantChans)
			}
		})
	}
}

func TestAudioFrame_Duration(t *testing.T) {
	t.Parallel()

	f := audio.AudioFrame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1}
	if d := f.Duration(); d != 20*time.Millisecond {
		t.Errorf("Duration = %v, want 20ms", d)
	}
	if d := (audio.AudioFrame{}).Duration(); d != 0 {
		t.Errorf("zero frame Duration = %v, want 0", d)
	}
}
