package audio_test

import (
	"testing"

	"github.com/Yagasaki7K/dualspeaker/pkg/audio"
)

func TestStream_FanOut(t *testing.T) {
	t.Parallel()

	s := audio.NewStream("mic", audio.Format{SampleRate: 16000, Channels: 1})
	a, cancelA := s.Subscribe(4)
	b, cancelB := s.Subscribe(4)
	defer cancelB()

	frame := audio.AudioFrame{Data: []byte{1, 2}, SampleRate: 16000, Channels: 1}
	if !s.Publish(frame) {
		t.Fatal("Publish on open stream returned false")
	}
	for name, ch := range map[string]<-chan audio.AudioFrame{"a": a, "b": b} {
		got := <-ch
		if len(got.Data) != 2 {
			t.Errorf("subscriber %s got %v", name, got.Data)
		}
	}

	cancelA()
	cancelA()
	if _, ok := <-a; ok {
		t.Error("cancelled subscription still open")
	}
}

func TestStream_SlowSubscriberDropsFrames(t *testing.T) {
	t.Parallel()

	s := audio.NewStream("mic", audio.Format{SampleRate: 16000, Channels: 1})
	ch, cancel := s.Subscribe(1)
	defer cancel()

	for range 5 {
		s.Publish(audio.AudioFrame{Data: []byte{0, 0}})
	}
	if n := len(ch); n != 1 {
		t.Errorf("buffered frames = %d, want 1", n)
	}
}

func TestStream_Close(t *testing.T) {
	t.Parallel()

	s := audio.NewStream("remote", audio.Format{SampleRate: 48000, Channels: 1})
	ch, cancel := s.Subscribe(1)
	s.Close()
	s.Close()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("subscriber channel open after Close")
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed")
	}
	if s.Publish(audio.AudioFrame{}) {
		t.Error("Publish after Close returned true")
	}
	late, _ := s.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("late subscription not closed")
	}
}

func TestDefaultCaptureConstraints(t *testing.T) {
	t.Parallel()

	c := audio.DefaultCaptureConstraints()
	if c.Format() != (audio.Format{SampleRate: 16000, Channels: 1}) || c.SampleSize != 16 {
		t.Errorf("format = %+v/%d bits", c.Format(), c.SampleSize)
	}
	if !c.EchoCancellation || !c.NoiseSuppression || !c.AutoGainControl || c.Video {
		t.Errorf("processing flags = %+v", c)
	}
}
