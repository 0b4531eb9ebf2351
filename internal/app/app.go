// Package app wires the dualspeaker subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the signaling store,
// the endpoint platform and the session manager, Run captures local audio
// and serves the control API until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithPlatform, WithCapturer, ...). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Yagasaki7K/dualspeaker/internal/activity"
	"github.com/Yagasaki7K/dualspeaker/internal/bandwidth"
	"github.com/Yagasaki7K/dualspeaker/internal/config"
	"github.com/Yagasaki7K/dualspeaker/internal/health"
	"github.com/Yagasaki7K/dualspeaker/internal/observe"
	"github.com/Yagasaki7K/dualspeaker/internal/resilience"
	"github.com/Yagasaki7K/dualspeaker/internal/session"
	"github.com/Yagasaki7K/dualspeaker/pkg/audio"
	"github.com/Yagasaki7K/dualspeaker/pkg/audio/pcm"
	"github.com/Yagasaki7K/dualspeaker/pkg/audio/webrtc"
	"github.com/Yagasaki7K/dualspeaker/pkg/signaling"
	"github.com/Yagasaki7K/dualspeaker/pkg/signaling/memstore"
	"github.com/Yagasaki7K/dualspeaker/pkg/signaling/wsstore"
)

// shutdownGrace bounds the HTTP server drain when Run's context ends.
const shutdownGrace = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *observe.Metrics

	registry   *config.Registry
	memBackend *memstore.Backend
	rawStore   signaling.Store
	store      *resilience.GuardedStore
	platform   audio.Platform
	capturer   audio.Capturer
	sink       audio.Sink
	manager    *session.Manager
	health     *health.Handler
	wsServer   *wsstore.Server
	metricsH   http.Handler
	handler    http.Handler

	autoCreate string
	autoJoin   string

	mu       sync.Mutex
	local    *audio.Stream
	listener net.Listener

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a signaling store instead of creating one through the
// registry. The app takes ownership and closes it on Shutdown.
func WithStore(s signaling.Store) Option {
	return func(a *App) { a.rawStore = s }
}

// WithRegistry replaces the built-in signaling backend registry.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithPlatform injects an endpoint platform instead of the pion one.
func WithPlatform(p audio.Platform) Option {
	return func(a *App) { a.platform = p }
}

// WithCapturer injects the local audio source.
func WithCapturer(c audio.Capturer) Option {
	return func(a *App) { a.capturer = c }
}

// WithSink injects the remote audio sink.
func WithSink(s audio.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithMetrics injects the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the application logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetricsHandler sets the handler served at /metrics. The default is
// the Prometheus handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsH = h }
}

// WithAutoCreate creates roomID as soon as the microphone is ready.
func WithAutoCreate(roomID string) Option {
	return func(a *App) { a.autoCreate = roomID }
}

// WithAutoJoin joins roomID as soon as the microphone is ready.
func WithAutoJoin(roomID string) Option {
	return func(a *App) { a.autoJoin = roomID }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.autoCreate != "" && a.autoJoin != "" {
		return nil, errors.New("app: cannot both create and join a room")
	}

	// ── 1. Signaling store ───────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init signaling: %w", err)
	}

	// ── 2. Endpoint platform ─────────────────────────────────────────────
	if err := a.initPlatform(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init platform: %w", err)
	}

	// ── 3. Capture and playback ──────────────────────────────────────────
	if err := a.initMedia(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init media: %w", err)
	}

	// ── 4. Session manager ───────────────────────────────────────────────
	local, remote := activityConfigs(cfg.Activity)
	mgr, err := session.NewManager(session.ManagerConfig{
		Platform:        a.platform,
		Store:           a.store,
		Sink:            a.sink,
		Bandwidth:       bandwidthPolicy(cfg.Bandwidth),
		LocalActivity:   local,
		RemoteActivity:  remote,
		AnalyserOptions: analyserOptions(cfg.Activity),
		Metrics:         a.metrics,
		Logger:          a.log,
	})
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init session manager: %w", err)
	}
	a.manager = mgr

	// ── 5. Health and HTTP ───────────────────────────────────────────────
	a.health = health.New(
		health.Store("signaling", a.store),
		health.Microphone(func() bool { return a.manager.Status().MicrophoneReady }),
	)
	a.handler = a.routes()
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initStore(ctx context.Context) error {
	if a.rawStore == nil {
		if a.registry == nil {
			a.registry = a.builtinRegistry()
		}
		st, err := a.registry.CreateStore(ctx, a.cfg.Signaling)
		if err != nil {
			return err
		}
		a.rawStore = st
	}

	sc := a.cfg.Signaling
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "signaling",
		MaxFailures:  sc.Breaker.MaxFailures,
		ResetTimeout: sc.Breaker.ResetTimeout,
		HalfOpenMax:  sc.Breaker.HalfOpenMax,
		IsFailure: func(err error) bool {
			// A closed store is a local condition, not a backend outage.
			return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, signaling.ErrClosed)
		},
		Logger: a.log,
	})
	a.store = resilience.NewGuardedStore(a.rawStore, breaker, a.metrics)
	a.closers = append(a.closers, a.store.Close)

	if sc.Serve {
		served := a.rawStore
		if a.memBackend != nil {
			client := a.memBackend.Client()
			a.closers = append(a.closers, client.Close)
			served = client
		}
		a.wsServer = wsstore.NewServer(served,
			wsstore.WithOriginPatterns(sc.OriginPatterns...),
		)
	}
	return nil
}

// builtinRegistry registers the memory, websocket and postgres backends.
func (a *App) builtinRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterStore(config.BackendMemory, func(context.Context, config.SignalingConfig) (signaling.Store, error) {
		a.memBackend = memstore.New()
		return a.memBackend.Client(), nil
	})
	reg.RegisterStore(config.BackendWebSocket, dialWebSocket)
	reg.RegisterStore(config.BackendPostgres, openPostgres)
	return reg
}

func (a *App) initPlatform() error {
	if a.platform != nil {
		return nil
	}
	ec := a.cfg.Endpoint
	opts := []webrtc.Option{
		webrtc.WithSTUNServers(ec.STUNServers...),
		webrtc.WithBundlePolicy(ec.BundlePolicy),
		webrtc.WithLoggerFactory(webrtc.NewSlogLoggerFactory(a.log)),
		webrtc.WithSampleRate(ec.SampleRate),
	}
	if ec.UDPPortMin > 0 {
		opts = append(opts, webrtc.WithUDPPortRange(uint16(ec.UDPPortMin), uint16(ec.UDPPortMax)))
	}
	p, err := webrtc.New(opts...)
	if err != nil {
		return err
	}
	a.platform = p
	return nil
}

func (a *App) initMedia() error {
	cc := a.cfg.Capture
	if a.capturer == nil {
		a.capturer = &pcm.Capturer{Path: cc.Source, Loop: cc.Loop, FrameDuration: cc.FrameDuration}
	}
	if a.sink == nil && cc.Sink != "" {
		f, err := os.Create(cc.Sink)
		if err != nil {
			return fmt.Errorf("open sink %q: %w", cc.Sink, err)
		}
		s := &pcm.Sink{W: f}
		a.sink = s
		a.closers = append(a.closers, func() error {
			s.Detach()
			return f.Close()
		})
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Manager returns the session manager.
func (a *App) Manager() *session.Manager { return a.manager }

// Handler returns the HTTP handler serving the control API.
func (a *App) Handler() http.Handler { return a.handler }

// Store returns the guarded signaling store.
func (a *App) Store() signaling.Store { return a.store }

// Addr returns the address the HTTP server listens on, or "" before Run
// has bound it.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// ApplyConfig applies the hot-reloadable parts of a new config. Activity
// thresholds take effect on the next monitor tick and the bandwidth policy
// on the next session.
func (a *App) ApplyConfig(cfg *config.Config, diff config.ConfigDiff) {
	if diff.ActivityChanged {
		local, remote := activityConfigs(cfg.Activity)
		a.manager.SetActivityConfig(local, remote)
		a.log.Info("activity thresholds updated",
			"local_threshold", cfg.Activity.LocalThreshold,
			"remote_level_threshold", cfg.Activity.RemoteLevelThreshold,
		)
	}
	if diff.BandwidthChanged {
		if err := a.manager.SetBandwidthPolicy(bandwidthPolicy(cfg.Bandwidth)); err != nil {
			a.log.Warn("bandwidth policy rejected", "err", err)
		} else {
			a.log.Info("bandwidth policy updated", "max_bitrate", cfg.Bandwidth.MaxBitrate, "priority", cfg.Bandwidth.Priority)
		}
	}
	if len(diff.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart", "sections", diff.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run opens the local capture, serves the control API and logs status
// changes until ctx is cancelled. It returns nil on a clean stop.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("control API listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	g.Go(func() error {
		a.logStatus(gctx)
		return nil
	})

	g.Go(func() error {
		a.startCapture(gctx)
		return nil
	})

	a.log.Info("app running", "backend", a.cfg.Signaling.Backend, "serve", a.cfg.Signaling.Serve)
	return g.Wait()
}

// startCapture opens the local audio source and hands it to the manager. A
// failure leaves the microphone not ready; room operations then report the
// missing microphone instead of stopping the app.
func (a *App) startCapture(ctx context.Context) {
	stream, err := a.capturer.Open(ctx, captureConstraints(a.cfg.Capture))
	if err != nil {
		a.log.Error("could not open local audio", "err", err)
		a.manager.ReportCaptureError(err)
		return
	}
	a.mu.Lock()
	a.local = stream
	a.mu.Unlock()

	if err := a.manager.SetLocalStream(stream); err != nil {
		a.log.Error("could not install local audio", "err", err)
		return
	}

	switch {
	case a.autoCreate != "":
		if err := a.manager.CreateRoom(ctx, a.autoCreate); err != nil {
			a.log.Error("create room failed", "room", a.autoCreate, "err", err)
		}
	case a.autoJoin != "":
		if err := a.manager.JoinRoom(ctx, a.autoJoin); err != nil {
			a.log.Error("join room failed", "room", a.autoJoin, "err", err)
		}
	}
}

// logStatus logs every status change until ctx is done.
func (a *App) logStatus(ctx context.Context) {
	updates := a.manager.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			attrs := []any{
				"state", st.State.String(),
				"room", st.RoomID,
				"participants", st.Participants,
				"in_call", st.InCall,
			}
			switch {
			case st.Error != "":
				a.log.Warn(st.Error, attrs...)
			case st.Message != "":
				a.log.Info(st.Message, attrs...)
			default:
				a.log.Debug("status changed", attrs...)
			}
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes the session manager, the local capture and the store,
// in that order. If ctx expires, remaining closers are skipped and the
// context error is returned alongside any close errors.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if a.manager != nil {
			if err := a.manager.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("session manager: %w", err))
			}
		}

		a.mu.Lock()
		local := a.local
		a.mu.Unlock()
		if local != nil {
			local.Close()
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				return
			default:
			}
			if err := closer(); err != nil {
				errs = append(errs, err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

// closeAll runs the closers registered so far. Used when New fails part way.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func activityConfigs(c config.ActivityConfig) (local, remote activity.Config) {
	local = activity.LocalConfig()
	local.Interval = c.LocalInterval
	local.MeanThreshold = c.LocalThreshold

	remote = activity.RemoteConfig()
	remote.Interval = c.RemoteInterval
	remote.LevelThreshold = c.RemoteLevelThreshold
	return local, remote
}

func analyserOptions(c config.ActivityConfig) []activity.AnalyserOption {
	var opts []activity.AnalyserOption
	if c.FFTSize > 0 {
		opts = append(opts, activity.WithFFTSize(c.FFTSize))
	}
	if c.Smoothing != nil {
		opts = append(opts, activity.WithSmoothing(*c.Smoothing))
	}
	return opts
}

func bandwidthPolicy(c config.BandwidthConfig) bandwidth.Policy {
	p := bandwidth.Policy{
		MaxBitrate: c.MaxBitrate,
		DTX:        true,
		Priority:   audio.Priority(c.Priority),
	}
	if c.DTX != nil {
		p.DTX = *c.DTX
	}
	return p
}

func captureConstraints(c config.CaptureConfig) audio.CaptureConstraints {
	cons := audio.DefaultCaptureConstraints()
	if c.SampleRate > 0 {
		cons.SampleRate = c.SampleRate
	}
	if c.Channels > 0 {
		cons.Channels = c.Channels
	}
	return cons
}
