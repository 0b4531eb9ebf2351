package activity

import (
	"math"
	"sync"
	"time"
)

// Config controls how a [Monitor] samples and classifies energy.
type Config struct {
	// Name labels the monitor in logs and metrics ("local", "remote").
	Name string

	// Interval between samples.
	Interval time.Duration

	// MeanThreshold marks the reading active when the raw mean (0-255)
	// exceeds it. Ignored when UseLevel is set.
	MeanThreshold float64

	// LevelThreshold marks the reading active when the 0-100 level exceeds
	// it. Only used when UseLevel is set.
	LevelThreshold int

	// UseLevel selects the level-based classification.
	UseLevel bool
}

// LocalConfig returns the configuration used for the local capture stream.
func LocalConfig() Config {
	return Config{Name: "local", Interval: 120 * time.Millisecond, MeanThreshold: 10}
}

// RemoteConfig returns the configuration used for the received stream.
func RemoteConfig() Config {
	return Config{Name: "remote", Interval: 180 * time.Millisecond, LevelThreshold: 5, UseLevel: true}
}

// Reading is one sample taken by a [Monitor].
type Reading struct {
	Mean   float64
	Level  int
	Active bool
	At     time.Time
}

// Evaluate classifies one frequency buffer under cfg. An empty buffer yields
// an inactive zero reading.
func Evaluate(cfg Config, buf []byte) Reading {
	var r Reading
	if len(buf) == 0 {
		return r
	}
	var sum int
	for _, b := range buf {
		sum += int(b)
	}
	r.Mean = float64(sum) / float64(len(buf))
	r.Level = int(math.Round(math.Min(100, r.Mean/255*100)))
	if cfg.UseLevel {
		r.Active = r.Level > cfg.LevelThreshold
	} else {
		r.Active = r.Mean > cfg.MeanThreshold
	}
	return r
}

// MonitorOption configures a [Monitor].
type MonitorOption func(*Monitor)

// WithOnReading registers fn to be called after every sample from the
// monitor's goroutine.
func WithOnReading(fn func(Reading)) MonitorOption {
	return func(m *Monitor) { m.onReading = fn }
}

// WithNow overrides the clock used to timestamp readings.
func WithNow(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// Monitor samples a [Sampler] on a fixed interval and keeps the latest
// [Reading]. The sampling timer is owned by the monitor and stops with it.
type Monitor struct {
	sampler   Sampler
	onReading func(Reading)
	now       func() time.Time

	mu      sync.Mutex
	cfg     Config
	latest  Reading
	buf     []byte
	running bool
	reset   chan time.Duration
	stop    chan struct{}
	done    chan struct{}
}

// NewMonitor creates a stopped monitor.
func NewMonitor(sampler Sampler, cfg Config, opts ...MonitorOption) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = LocalConfig().Interval
	}
	m := &Monitor{
		sampler: sampler,
		cfg:     cfg,
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start begins sampling. Starting a running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.reset = make(chan time.Duration, 1)
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(m.cfg.Interval, m.reset, m.stop, m.done)
}

// Stop halts sampling and waits for the sampling goroutine to exit. The
// latest reading is reset. Safe to call on a stopped monitor.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done

	m.mu.Lock()
	m.latest = Reading{}
	m.mu.Unlock()
}

// Running reports whether the monitor is sampling.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Latest returns the most recent reading.
func (m *Monitor) Latest() Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

// Config returns the active configuration.
func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// SetConfig replaces thresholds and interval. A running monitor picks up a
// new interval on its next tick.
func (m *Monitor) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.Interval <= 0 {
		cfg.Interval = m.cfg.Interval
	}
	changed := cfg.Interval != m.cfg.Interval
	m.cfg = cfg
	if changed && m.running {
		select {
		case m.reset <- cfg.Interval:
		default:
		}
	}
}

// Sample takes one reading immediately.
func (m *Monitor) Sample() Reading {
	m.mu.Lock()
	cfg := m.cfg
	buf := m.buf
	m.mu.Unlock()

	buf = m.sampler.ByteFrequencyData(buf)
	r := Evaluate(cfg, buf)
	r.At = m.now()

	m.mu.Lock()
	m.buf = buf
	m.latest = r
	m.mu.Unlock()

	if m.onReading != nil {
		m.onReading(r)
	}
	return r
}

func (m *Monitor) run(interval time.Duration, reset <-chan time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case d := <-reset:
			ticker.Reset(d)
		case <-ticker.C:
			m.Sample()
		}
	}
}
