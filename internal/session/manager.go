// Package session drives two-party room sessions: it creates or joins a
// room through the signaling store, negotiates the endpoint, relays ICE
// candidates and maps endpoint connection states to user-facing status.
//
// A [Manager] owns at most one session at a time. Every create or join
// tears the previous session down first. Endpoint and store callbacks are
// tagged with the session generation, queued as events and handled by a
// single control loop, so no callback ever touches a session that has
// already been replaced or cleaned up.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Yagasaki7K/dualspeaker/internal/activity"
	"github.com/Yagasaki7K/dualspeaker/internal/bandwidth"
	"github.com/Yagasaki7K/dualspeaker/internal/observe"
	"github.com/Yagasaki7K/dualspeaker/internal/presence"
	"github.com/Yagasaki7K/dualspeaker/pkg/audio"
	"github.com/Yagasaki7K/dualspeaker/pkg/signaling"
)

// updatesBuffer is the capacity of the [Manager.Updates] channel.
const updatesBuffer = 32

// ManagerConfig holds all dependencies for a [Manager].
type ManagerConfig struct {
	// Platform builds one endpoint per call attempt. Required.
	Platform audio.Platform

	// Store is the signaling store shared with the remote party. Required.
	Store signaling.Store

	// Sink plays received audio. Optional.
	Sink audio.Sink

	// Bandwidth is applied to the outbound audio sender. A zero Priority
	// selects [bandwidth.DefaultPolicy].
	Bandwidth bandwidth.Policy

	// LocalActivity and RemoteActivity configure the activity monitors. A
	// zero Interval selects [activity.LocalConfig] / [activity.RemoteConfig].
	LocalActivity  activity.Config
	RemoteActivity activity.Config

	// AnalyserOptions configure the spectrum analysers of both monitors.
	AnalyserOptions []activity.AnalyserOption

	// Metrics records session metrics. Nil selects [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// Clock timestamps presence entries. Defaults to [time.Now].
	Clock func() time.Time
}

// sessionState is the state of one call attempt. It is only accessed with
// Manager.opMu held.
type sessionState struct {
	gen      uint64
	role     Role
	roomID   string
	endpoint audio.Endpoint
	unsubs   []func()

	// pending holds the latest remote candidate snapshot received before a
	// remote description was applied.
	pending *signaling.Snapshot
}

// localSide returns the candidate collection this session publishes to.
func (s *sessionState) localSide() string {
	if s.role == RoleCreator {
		return signaling.CallerCandidates
	}
	return signaling.CalleeCandidates
}

// Manager is the peer session manager. All exported methods are safe for
// concurrent use.
type Manager struct {
	platform  audio.Platform
	store     signaling.Store
	presence  *presence.Tracker
	sink      audio.Sink
	policy    bandwidth.Policy
	analyser  []activity.AnalyserOption
	metrics   *observe.Metrics
	log       *slog.Logger
	ctx       context.Context
	cancelCtx context.CancelFunc

	// opMu serialises operations and event handling.
	opMu      sync.Mutex
	sess      *sessionState
	gen       uint64
	closed    bool
	localCfg  activity.Config
	remoteCfg activity.Config
	local     *audio.Stream
	localMon  *monitorHandle
	remoteMon *monitorHandle

	// mu guards status. It is never held while calling out.
	mu           sync.Mutex
	status       Status
	participants int
	updates      chan Status

	queue *eventQueue
	done  chan struct{}
}

// NewManager validates cfg and starts the manager's control loop.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Platform == nil {
		return nil, errors.New("session: platform is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if cfg.Bandwidth.Priority == "" {
		cfg.Bandwidth = bandwidth.DefaultPolicy()
	}
	if err := cfg.Bandwidth.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if cfg.LocalActivity.Interval <= 0 {
		cfg.LocalActivity = activity.LocalConfig()
	}
	if cfg.RemoteActivity.Interval <= 0 {
		cfg.RemoteActivity = activity.RemoteConfig()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		platform:  cfg.Platform,
		store:     cfg.Store,
		sink:      cfg.Sink,
		policy:    cfg.Bandwidth,
		analyser:  cfg.AnalyserOptions,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		ctx:       ctx,
		cancelCtx: cancel,
		localCfg:  cfg.LocalActivity,
		remoteCfg: cfg.RemoteActivity,
		updates:   make(chan Status, updatesBuffer),
		queue:     newEventQueue(),
		done:      make(chan struct{}),
	}
	m.presence = presence.New(cfg.Store,
		presence.WithClock(cfg.Clock),
		presence.WithLogger(cfg.Logger),
		presence.WithOnChange(m.onParticipants),
	)

	go m.run()
	return m, nil
}

// Status returns the current status snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Updates delivers a status snapshot after every change. When the reader
// falls behind, the oldest snapshots are dropped.
func (m *Manager) Updates() <-chan Status { return m.updates }

// ── Operations ──────────────────────────────────────────────────────────────

// CreateRoom creates roomID as its creator. Stale data under the room is
// removed first, as is the room of a previous creator session. On success
// the offer is published and the manager waits for an answer.
func (m *Manager) CreateRoom(ctx context.Context, roomID string) error {
	roomID, err := m.checkInput(roomID, MsgMicToCreate)
	if err != nil {
		return err
	}

	ctx, span := observe.StartRoomSpan(ctx, observe.SpanCreateRoom, roomID, string(RoleCreator))
	defer span.End()

	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.closed {
		return ErrClosed
	}

	start := time.Now()
	log := observe.Logger(ctx, m.log).With("room", roomID, "role", RoleCreator)

	if prev := m.sess; prev != nil && prev.role == RoleCreator && prev.roomID != roomID {
		m.teardownLocked(ctx, true, prev.roomID)
	}
	m.teardownLocked(ctx, true, roomID)
	m.updateStatus(func(s *Status) {
		s.RoomID = roomID
		s.State = StatePreparing
		s.Error = ""
		s.Message = MsgPreparing
	})

	sess, err := m.openLocked(ctx, RoleCreator, roomID)
	if err == nil {
		err = m.offerLocked(ctx, sess)
	}
	if err == nil {
		err = m.watchLocked(ctx, sess, signaling.AnswerPath(roomID), evAnswer)
	}
	if err == nil {
		err = m.watchLocked(ctx, sess, signaling.CandidatesPath(roomID, signaling.CalleeCandidates), evRemoteCandidates)
	}
	if err == nil {
		err = m.registerLocked(ctx, roomID)
	}
	if err != nil {
		m.failLocked(ctx, roomID, RoleCreator, err)
		m.metrics.RecordNegotiation(ctx, string(RoleCreator), "error", time.Since(start))
		observe.FailSpan(span, err)
		log.Warn("session: create room failed", "err", err)
		return err
	}

	m.metrics.RecordNegotiation(ctx, string(RoleCreator), "ok", time.Since(start))
	log.Info("session: room created", "elapsed", time.Since(start))
	return nil
}

// JoinRoom joins roomID as the answering party. A previous session is torn
// down without removing any room data. When the room has no offer,
// [ErrRoomNotFound] is returned and the manager returns to idle.
func (m *Manager) JoinRoom(ctx context.Context, roomID string) error {
	roomID, err := m.checkInput(roomID, MsgMicToJoin)
	if err != nil {
		return err
	}

	ctx, span := observe.StartRoomSpan(ctx, observe.SpanJoinRoom, roomID, string(RoleJoiner))
	defer span.End()

	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.closed {
		return ErrClosed
	}

	start := time.Now()
	log := observe.Logger(ctx, m.log).With("room", roomID, "role", RoleJoiner)

	m.teardownLocked(ctx, false, roomID)
	m.updateStatus(func(s *Status) {
		s.RoomID = roomID
		s.State = StatePreparing
		s.Error = ""
		s.Message = MsgSearching
	})

	sess, err := m.openLocked(ctx, RoleJoiner, roomID)
	if err == nil {
		err = m.answerLocked(ctx, sess)
	}
	if errors.Is(err, ErrRoomNotFound) {
		m.teardownLocked(ctx, false, roomID)
		m.updateStatus(func(s *Status) {
			s.RoomID = roomID
			s.Error = MsgNotFound
		})
		m.metrics.RecordNegotiation(ctx, string(RoleJoiner), "not_found", time.Since(start))
		observe.FailSpan(span, err)
		log.Info("session: room not found")
		return err
	}
	if err == nil {
		err = m.watchLocked(ctx, sess, signaling.CandidatesPath(roomID, signaling.CallerCandidates), evRemoteCandidates)
	}
	if err == nil {
		err = m.registerLocked(ctx, roomID)
	}
	if err != nil {
		m.failLocked(ctx, roomID, RoleJoiner, err)
		m.metrics.RecordNegotiation(ctx, string(RoleJoiner), "error", time.Since(start))
		observe.FailSpan(span, err)
		log.Warn("session: join room failed", "err", err)
		return err
	}

	m.metrics.RecordNegotiation(ctx, string(RoleJoiner), "ok", time.Since(start))
	log.Info("session: room joined", "elapsed", time.Since(start))
	return nil
}

// LeaveRoom ends the current session. A creator's room is removed from the
// store; a joiner only removes its own presence entry.
func (m *Manager) LeaveRoom(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.closed {
		return ErrClosed
	}

	destructive, roomID, role := false, "", ""
	if m.sess != nil {
		destructive = m.sess.role == RoleCreator
		roomID = m.sess.roomID
		role = string(m.sess.role)
	}
	ctx, span := observe.StartRoomSpan(ctx, observe.SpanLeaveRoom, roomID, role)
	defer span.End()
	if roomID != "" {
		observe.Logger(ctx, m.log).Info("session: leaving room", "room", roomID, "role", role)
	}
	m.teardownLocked(ctx, destructive, roomID)
	m.updateStatus(func(s *Status) {
		if roomID != "" {
			s.State = StateClosed
		}
		s.Error = ""
		s.Message = MsgCallEnded
	})
	return nil
}

// Cleanup tears down the current session. When destructive is set, the room
// subtree is removed as well; an empty roomID selects the session's room.
// Without a session Cleanup does nothing and does not access the store.
func (m *Manager) Cleanup(ctx context.Context, destructive bool, roomID string) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.sess == nil {
		return
	}
	m.teardownLocked(ctx, destructive, roomID)
}

// Close tears the manager down: the session is cleaned up without removing
// room data, the local activity monitor is stopped and the control loop
// exits. Close is idempotent.
func (m *Manager) Close(ctx context.Context) error {
	m.opMu.Lock()
	if m.closed {
		m.opMu.Unlock()
		return nil
	}
	m.closed = true
	if m.sess != nil {
		m.teardownLocked(ctx, false, "")
	}
	m.localMon.stop()
	m.localMon = nil
	m.opMu.Unlock()

	m.queue.close()
	<-m.done
	m.cancelCtx()
	return nil
}

// ── Steps ───────────────────────────────────────────────────────────────────

func (m *Manager) checkInput(roomID, micMsg string) (string, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		m.updateStatus(func(s *Status) { s.Error = MsgEnterRoomID })
		return "", ErrInvalidRoomID
	}
	if err := signaling.ValidateSegment(roomID); err != nil {
		m.updateStatus(func(s *Status) { s.Error = MsgInvalidRoomID })
		return "", fmt.Errorf("%w: %w", ErrInvalidRoomID, err)
	}

	m.opMu.Lock()
	ready := m.local != nil
	m.opMu.Unlock()
	if !ready {
		m.updateStatus(func(s *Status) { s.Error = micMsg })
		return "", ErrMicrophoneNotReady
	}
	return roomID, nil
}

// openLocked builds the endpoint of a new session, attaches event handlers
// and the local stream, and applies the bandwidth policy.
func (m *Manager) openLocked(ctx context.Context, role Role, roomID string) (*sessionState, error) {
	ep, err := m.platform.NewEndpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: new endpoint: %w", err)
	}

	m.gen++
	sess := &sessionState{gen: m.gen, role: role, roomID: roomID, endpoint: ep}
	m.sess = sess
	m.metrics.ActiveSessions.Add(ctx, 1)

	gen := sess.gen
	ep.OnICECandidate(func(c audio.ICECandidate) {
		m.queue.post(event{gen: gen, kind: evLocalCandidate, candidate: c})
	})
	ep.OnConnectionStateChange(func(s audio.ConnectionState) {
		m.queue.post(event{gen: gen, kind: evConnectionState, state: s})
	})
	ep.OnRemoteTrack(func(s *audio.Stream) {
		m.queue.post(event{gen: gen, kind: evRemoteTrack, stream: s})
	})

	if _, err := ep.AddTrack(ctx, m.local); err != nil {
		return sess, fmt.Errorf("%w: %w", ErrLocalAudio, err)
	}
	if err := bandwidth.Apply(ep, m.policy); err != nil {
		m.log.Warn("session: could not apply bandwidth constraints", "room", roomID, "err", err)
	}
	return sess, nil
}

func (m *Manager) offerLocked(ctx context.Context, sess *sessionState) error {
	offer, err := sess.endpoint.CreateOffer(ctx, audio.OfferOptions{ReceiveAudio: true})
	if err != nil {
		return fmt.Errorf("session: create offer: %w", err)
	}
	if err := sess.endpoint.SetLocalDescription(ctx, offer); err != nil {
		return fmt.Errorf("session: set local description: %w", err)
	}
	if err := m.store.Write(ctx, signaling.OfferPath(sess.roomID), offer); err != nil {
		return fmt.Errorf("session: publish offer: %w", err)
	}
	m.updateStatus(func(s *Status) {
		s.State = StateOfferSent
		s.Role = RoleCreator
		s.InCall = true
		s.Message = MsgWaiting
	})
	return nil
}

func (m *Manager) answerLocked(ctx context.Context, sess *sessionState) error {
	snap, err := m.store.Read(ctx, signaling.OfferPath(sess.roomID))
	if err != nil {
		return fmt.Errorf("session: read offer: %w", err)
	}
	if !snap.Exists() {
		return ErrRoomNotFound
	}
	var offer audio.SessionDescription
	if err := snap.Decode(&offer); err != nil {
		return fmt.Errorf("session: decode offer: %w", err)
	}
	if offer.SDP == "" {
		return ErrRoomNotFound
	}

	if err := sess.endpoint.SetRemoteDescription(ctx, offer); err != nil {
		return fmt.Errorf("session: set remote description: %w", err)
	}
	answer, err := sess.endpoint.CreateAnswer(ctx, audio.OfferOptions{ReceiveAudio: true})
	if err != nil {
		return fmt.Errorf("session: create answer: %w", err)
	}
	if err := sess.endpoint.SetLocalDescription(ctx, answer); err != nil {
		return fmt.Errorf("session: set local description: %w", err)
	}
	if err := m.store.Write(ctx, signaling.AnswerPath(sess.roomID), answer); err != nil {
		return fmt.Errorf("session: publish answer: %w", err)
	}
	m.updateStatus(func(s *Status) {
		s.State = StateAnswerSent
		s.Role = RoleJoiner
		s.InCall = true
		s.Message = MsgFound
	})
	return nil
}

func (m *Manager) watchLocked(ctx context.Context, sess *sessionState, path string, kind eventKind) error {
	gen := sess.gen
	unsubscribe, err := m.store.Watch(ctx, path, func(snap signaling.Snapshot) {
		m.queue.post(event{gen: gen, kind: kind, snap: snap})
	})
	if err != nil {
		return fmt.Errorf("session: watch %s: %w", path, err)
	}
	sess.unsubs = append(sess.unsubs, unsubscribe)
	return nil
}

func (m *Manager) registerLocked(ctx context.Context, roomID string) error {
	if _, err := m.presence.Register(ctx, roomID); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	return nil
}

// failLocked cleans up after a failed create or join and reports err.
func (m *Manager) failLocked(ctx context.Context, roomID string, role Role, err error) {
	m.teardownLocked(ctx, role == RoleCreator, roomID)

	msg := msgCreateErrorPrefix + err.Error()
	if role == RoleJoiner {
		msg = msgJoinErrorPrefix + err.Error()
	}
	if errors.Is(err, ErrLocalAudio) {
		msg = MsgLocalAudio
	}
	m.updateStatus(func(s *Status) {
		s.State = StateFailed
		s.RoomID = roomID
		s.Error = msg
	})
}

// teardownLocked releases the current session (if any) in a fixed order:
// watches, endpoint handlers, endpoint, remote media, session state,
// presence, and finally the room subtree when destructive. Store failures
// are logged only.
func (m *Manager) teardownLocked(ctx context.Context, destructive bool, roomID string) {
	ctx = context.WithoutCancel(ctx)
	sess := m.sess

	if sess != nil {
		for _, unsubscribe := range sess.unsubs {
			unsubscribe()
		}
		sess.unsubs = nil

		ep := sess.endpoint
		ep.OnICECandidate(nil)
		ep.OnConnectionStateChange(nil)
		ep.OnRemoteTrack(nil)
		if err := ep.Close(); err != nil {
			m.log.Warn("session: close endpoint", "room", sess.roomID, "err", err)
		}
	}

	m.stopRemoteLocked()

	m.sess = nil
	m.gen++
	if sess != nil {
		m.metrics.ActiveSessions.Add(ctx, -1)
	}
	m.updateStatus(func(s *Status) {
		s.State = StateIdle
		s.Role = RoleNone
		s.InCall = false
		s.Message = ""
	})

	presenceRoom := roomID
	if sess != nil {
		presenceRoom = sess.roomID
	}
	if presenceRoom != "" {
		m.presence.Deregister(ctx, presenceRoom)
	}

	target := roomID
	if target == "" && sess != nil {
		target = sess.roomID
	}
	if destructive && target != "" {
		if err := m.store.Remove(ctx, signaling.RoomPath(target)); err != nil {
			m.log.Warn("session: could not remove room data", "room", target, "err", err)
		} else {
			m.log.Info("session: room data removed", "room", target)
		}
	}
}

// ── Status ──────────────────────────────────────────────────────────────────

// updateStatus applies fn to the status and publishes the result.
func (m *Manager) updateStatus(fn func(*Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := m.status
	fn(&m.status)
	m.status.Participants = m.participants
	if m.status != before {
		m.publishLocked()
	}
}

func (m *Manager) publishLocked() {
	for {
		select {
		case m.updates <- m.status:
			return
		default:
		}
		select {
		case <-m.updates:
		default:
		}
	}
}

func (m *Manager) onParticipants(n int) {
	m.mu.Lock()
	delta := n - m.participants
	m.participants = n
	m.mu.Unlock()
	if delta != 0 {
		m.metrics.Participants.Add(m.ctx, int64(delta))
	}
	m.updateStatus(func(*Status) {})
}
