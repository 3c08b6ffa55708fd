package webmonitor

import (
	"sync"
	"time"

	"github.com/fbn/imgrec/overlay-server/internal/playback"
)

const historySize = 8

// Monitor keeps the latest overlay snapshot and a short history of non-empty
// ones for the status endpoints.
type Monitor struct {
	startTime time.Time

	mu       sync.Mutex
	updates  int
	session  *SessionInfo
	latest   *playback.Snapshot
	history  []playback.Snapshot
	rateFrom time.Time
	rateBase int
	rate     float64
}

// NewMonitor creates an empty Monitor.
func NewMonitor() *Monitor {
	now := time.Now()
	return &Monitor{startTime: now, rateFrom: now}
}

// Record stores a snapshot published by the active session.
func (m *Monitor) Record(snap playback.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.updates++
	m.latest = &snap
	if len(snap.Detections) > 0 {
		m.history = append([]playback.Snapshot{snap}, m.history...)
		if len(m.history) > historySize {
			m.history = m.history[:historySize]
		}
	}
}

// SetSession replaces the active session description; nil clears it along
// with the latest snapshot and history.
func (m *Monitor) SetSession(info *SessionInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.session = info
	m.latest = nil
	m.history = nil
}

// Snapshot returns the current stats, session, latest snapshot and history.
func (m *Monitor) Snapshot() (MonitorStats, *SessionInfo, *playback.Snapshot, []playback.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refreshRateLocked(time.Now())

	stats := MonitorStats{
		Updates:          m.updates,
		UpdatesPerSecond: m.rate,
		FrameIndex:       -1,
	}
	var latest *playback.Snapshot
	if m.latest != nil {
		snap := *m.latest
		latest = &snap
		stats.DisplayedCount = len(snap.Detections)
		stats.FrameIndex = snap.FrameIndex
		stats.MediaTime = snap.MediaTime
	}
	var session *SessionInfo
	if m.session != nil {
		info := *m.session
		session = &info
	}

	historyCopy := make([]playback.Snapshot, len(m.history))
	copy(historyCopy, m.history)

	return stats, session, latest, historyCopy
}

// Uptime returns the time since the monitor was created.
func (m *Monitor) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// refreshRateLocked recomputes the update rate at most once per second.
func (m *Monitor) refreshRateLocked(now time.Time) {
	elapsed := now.Sub(m.rateFrom)
	if elapsed < time.Second {
		return
	}
	m.rate = float64(m.updates-m.rateBase) / elapsed.Seconds()
	m.rateFrom = now
	m.rateBase = m.updates
}
