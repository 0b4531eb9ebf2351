package session

import (
	"fmt"

	"github.com/Yagasaki7K/dualspeaker/internal/activity"
	"github.com/Yagasaki7K/dualspeaker/internal/bandwidth"
	"github.com/Yagasaki7K/dualspeaker/pkg/audio"
)

// monitorHandle pairs a monitor with the analyser feeding it.
type monitorHandle struct {
	analyser *activity.Analyser
	monitor  *activity.Monitor
}

func (m *Manager) startMonitor(stream *audio.Stream, cfg activity.Config, onReading func(activity.Reading)) *monitorHandle {
	a := activity.Attach(stream, m.analyser...)
	mon := activity.NewMonitor(a, cfg, activity.WithOnReading(onReading))
	mon.Start()
	return &monitorHandle{analyser: a, monitor: mon}
}

// stop halts the sampling timer before detaching the analyser. Safe on nil.
func (h *monitorHandle) stop() {
	if h == nil {
		return
	}
	h.monitor.Stop()
	h.analyser.Close()
}

// SetLocalStream provides the captured microphone stream. It unlocks create
// and join and starts the local activity monitor, which runs until the
// stream is replaced or the manager is closed.
func (m *Manager) SetLocalStream(stream *audio.Stream) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.closed {
		return ErrClosed
	}

	m.localMon.stop()
	m.local = stream
	m.localMon = nil
	if stream != nil {
		m.localMon = m.startMonitor(stream, m.localCfg, m.onLocalReading)
	}

	m.updateStatus(func(s *Status) {
		s.MicrophoneReady = stream != nil
		s.LocalActive = false
		if stream != nil {
			s.Error = ""
			s.Message = MsgMicrophoneReady
		}
	})
	m.log.Info("session: local stream set", "ready", stream != nil)
	return nil
}

// ReportCaptureError records that the microphone could not be opened. The
// status shows the cause and create or join stay locked until a stream is
// set. A nil err is ignored.
func (m *Manager) ReportCaptureError(err error) {
	if err == nil {
		return
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.closed || m.local != nil {
		return
	}
	m.updateStatus(func(s *Status) {
		s.MicrophoneReady = false
		s.Error = msgMicErrorPrefix + err.Error()
	})
	m.log.Warn("session: microphone unavailable", "err", err)
}

// SetActivityConfig replaces the monitor configuration. Running monitors
// pick up the change on their next tick.
func (m *Manager) SetActivityConfig(local, remote activity.Config) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if local.Interval > 0 {
		m.localCfg = local
		if m.localMon != nil {
			m.localMon.monitor.SetConfig(local)
		}
	}
	if remote.Interval > 0 {
		m.remoteCfg = remote
		if m.remoteMon != nil {
			m.remoteMon.monitor.SetConfig(remote)
		}
	}
}

// SetBandwidthPolicy replaces the outbound encoding policy. It applies
// from the next session; a live call keeps its current encoding.
func (m *Manager) SetBandwidthPolicy(p bandwidth.Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	m.opMu.Lock()
	m.policy = p
	m.opMu.Unlock()
	return nil
}

// remoteTrackLocked routes a new remote stream to the sink and (re)starts
// the remote activity monitor on it.
func (m *Manager) remoteTrackLocked(sess *sessionState, stream *audio.Stream) {
	if stream == nil {
		return
	}
	m.stopRemoteLocked()
	if m.sink != nil {
		m.sink.Attach(stream)
	}
	m.remoteMon = m.startMonitor(stream, m.remoteCfg, m.onRemoteReading)
	m.log.Info("session: remote track", "room", sess.roomID, "stream", stream.ID())
}

// stopRemoteLocked stops the remote monitor and detaches the sink.
func (m *Manager) stopRemoteLocked() {
	if m.remoteMon == nil {
		return
	}
	m.remoteMon.stop()
	m.remoteMon = nil
	if m.sink != nil {
		m.sink.Detach()
	}
	m.updateStatus(func(s *Status) {
		s.RemoteLevel = 0
		s.RemoteActive = false
	})
}

func (m *Manager) onLocalReading(r activity.Reading) {
	m.updateStatus(func(s *Status) { s.LocalActive = r.Active })
}

func (m *Manager) onRemoteReading(r activity.Reading) {
	m.updateStatus(func(s *Status) {
		s.RemoteLevel = r.Level
		s.RemoteActive = r.Active
	})
}
