package odin

import (
	"sync"
	"time"
)

// connectionMonitor samples the transport once per interval and
// publishes immutable ConnectionStats snapshots. The sampling loop is
// launched by the first successful join, so a room that never joins
// runs no goroutine. Ticks that find the connection unreachable are
// skipped; the previous snapshot stays current until the next
// successful sample.
type connectionMonitor struct {
	room     *Room
	interval time.Duration

	mu      sync.Mutex
	last    ConnectionStats
	started bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newConnectionMonitor(room *Room, interval time.Duration) *connectionMonitor {
	return &connectionMonitor{
		room:     room,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// start launches the sampling loop. Only the first call does anything;
// a loop stopped earlier is not restarted.
func (m *connectionMonitor) start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.run()
}

func (m *connectionMonitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sample(time.Now())
		}
	}
}

func (m *connectionMonitor) sample(now time.Time) {
	ts, server, ok := m.room.transportStats()
	if !ok {
		return
	}

	m.mu.Lock()
	snap := nextSnapshot(m.last, now, ts, server)
	m.last = snap
	m.mu.Unlock()

	m.room.publishStats(snap)
}

func (m *connectionMonitor) latest() ConnectionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// running reports whether the sampling loop is live.
func (m *connectionMonitor) running() bool {
	select {
	case <-m.doneCh:
		return false
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// stop ends the sampling loop and waits for it to exit. Safe to call
// before start and more than once.
func (m *connectionMonitor) stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.doneCh
	}
}
