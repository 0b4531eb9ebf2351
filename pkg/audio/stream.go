package audio

import "sync"

// Stream fans frames from one producer out to any number of subscribers.
// Publish never blocks: a subscriber whose buffer is full misses the frame.
type Stream struct {
	id     string
	format Format

	mu     sync.Mutex
	subs   map[chan AudioFrame]struct{}
	closed bool
	done   chan struct{}
}

// NewStream returns an open stream carrying frames of format f.
func NewStream(id string, f Format) *Stream {
	return &Stream{
		id:     id,
		format: f,
		subs:   make(map[chan AudioFrame]struct{}),
		done:   make(chan struct{}),
	}
}

// ID returns the stream identifier.
func (s *Stream) ID() string { return s.id }

// Format returns the format of the frames carried by the stream.
func (s *Stream) Format() Format { return s.format }

// Publish delivers frame to every subscriber that has room for it. It
// reports whether the stream was still open.
func (s *Stream) Publish(frame AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for ch := range s.subs {
		select {
		case ch <- frame:
		default:
		}
	}
	return true
}

// Subscribe returns a channel receiving frames published from now on and a
// function that ends the subscription. The channel is closed when the
// subscription ends or the stream closes.
func (s *Stream) Subscribe(buf int) (<-chan AudioFrame, func()) {
	ch := make(chan AudioFrame, buf)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
		})
	}
}

// Close ends the stream and closes every subscriber channel. Safe to call
// more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	close(s.done)
}

// Done is closed when the stream has been closed.
func (s *Stream) Done() <-chan struct{} { return s.done }
