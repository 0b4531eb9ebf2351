package session

import (
	"sync"

	"github.com/Yagasaki7K/dualspeaker/pkg/audio"
	"github.com/Yagasaki7K/dualspeaker/pkg/signaling"
)

type eventKind int

const (
	evLocalCandidate eventKind = iota
	evConnectionState
	evRemoteTrack
	evAnswer
	evRemoteCandidates
)

// event is an endpoint or store callback bound to the session generation
// that produced it.
type event struct {
	gen       uint64
	kind      eventKind
	candidate audio.ICECandidate
	state     audio.ConnectionState
	stream    *audio.Stream
	snap      signaling.Snapshot
}

// eventQueue is an unbounded FIFO. post never blocks, so endpoint and store
// goroutines cannot stall behind an operation holding the session mutex.
type eventQueue struct {
	mu     sync.Mutex
	items  []event
	closed bool
	wake   chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{}, 1)}
}

func (q *eventQueue) post(ev event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// next blocks until an event is available. It returns false once the queue
// is closed.
func (q *eventQueue) next() (event, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return event{}, false
		}
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, true
		}
		q.mu.Unlock()
		<-q.wake
	}
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run is the control loop.
func (m *Manager) run() {
	defer close(m.done)
	for {
		ev, ok := m.queue.next()
		if !ok {
			return
		}
		m.handle(ev)
	}
}

func (m *Manager) handle(ev event) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	sess := m.sess
	if sess == nil || sess.gen != ev.gen {
		return
	}

	switch ev.kind {
	case evLocalCandidate:
		m.publishCandidateLocked(sess, ev.candidate)
	case evConnectionState:
		m.connectionStateLocked(sess, ev.state)
	case evRemoteTrack:
		m.remoteTrackLocked(sess, ev.stream)
	case evAnswer:
		m.answerArrivedLocked(sess, ev.snap)
	case evRemoteCandidates:
		m.remoteCandidatesLocked(sess, ev.snap)
	}
}

func (m *Manager) publishCandidateLocked(sess *sessionState, c audio.ICECandidate) {
	path := signaling.CandidatesPath(sess.roomID, sess.localSide())
	if _, err := m.store.Push(m.ctx, path, c); err != nil {
		m.log.Warn("session: publish candidate", "room", sess.roomID, "err", err)
		return
	}
	m.metrics.RecordCandidates(m.ctx, "local", 1)
}

func (m *Manager) connectionStateLocked(sess *sessionState, state audio.ConnectionState) {
	m.metrics.RecordConnectionState(m.ctx, string(state))
	m.log.Debug("session: connection state", "room", sess.roomID, "state", state)

	switch state {
	case audio.StateConnected:
		m.updateStatus(func(s *Status) {
			s.State = StateConnected
			s.Error = ""
			s.Message = msgConnectedPrefix + sess.roomID
		})
		m.log.Info("session: connected", "room", sess.roomID, "role", sess.role)
	case audio.StateFailed:
		m.updateStatus(func(s *Status) {
			if !s.State.terminal() {
				s.State = StateFailed
			}
			s.Error = MsgConnectFailed
			s.Message = ""
		})
		m.log.Warn("session: connection failed", "room", sess.roomID)
	case audio.StateDisconnected, audio.StateClosed:
		m.updateStatus(func(s *Status) {
			s.Error = MsgConnectionLost
			s.Message = ""
		})
		m.log.Warn("session: connection lost", "room", sess.roomID, "state", state)
	}
}

// answerArrivedLocked applies the first answer delivered to a creator
// session. Repeated deliveries are ignored once a remote description is set.
func (m *Manager) answerArrivedLocked(sess *sessionState, snap signaling.Snapshot) {
	if !snap.Exists() || sess.endpoint.HasRemoteDescription() {
		return
	}
	var answer audio.SessionDescription
	if err := snap.Decode(&answer); err != nil || answer.SDP == "" {
		m.log.Warn("session: ignoring malformed answer", "room", sess.roomID, "err", err)
		return
	}
	if err := sess.endpoint.SetRemoteDescription(m.ctx, answer); err != nil {
		m.failLocked(m.ctx, sess.roomID, sess.role, err)
		m.log.Warn("session: remote answer rejected", "room", sess.roomID, "err", err)
		return
	}
	m.log.Info("session: answer applied", "room", sess.roomID)

	if sess.pending != nil {
		pending := *sess.pending
		sess.pending = nil
		m.applyCandidatesLocked(sess, pending)
	}
}

// remoteCandidatesLocked feeds every candidate currently in the remote
// collection to the endpoint. Before a remote description exists the
// snapshot is held and replayed once the answer is applied.
func (m *Manager) remoteCandidatesLocked(sess *sessionState, snap signaling.Snapshot) {
	if !snap.Exists() {
		return
	}
	if !sess.endpoint.HasRemoteDescription() {
		sess.pending = &snap
		return
	}
	m.applyCandidatesLocked(sess, snap)
}

func (m *Manager) applyCandidatesLocked(sess *sessionState, snap signaling.Snapshot) {
	applied := 0
	for _, child := range snap.Children() {
		var c audio.ICECandidate
		if err := child.Decode(&c); err != nil || c.Candidate == "" {
			continue
		}
		if err := sess.endpoint.AddICECandidate(m.ctx, c); err != nil {
			m.log.Debug("session: add candidate", "room", sess.roomID, "err", err)
			continue
		}
		applied++
	}
	m.metrics.RecordCandidates(m.ctx, "remote", applied)
}
