package gateway

import (
	"log"
	"sync"
	"time"
)

// heartbeatMonitor keeps one deadline timer per session. A timer that
// fires does not touch the registry: it enqueues the session id on the
// expired channel, and the server's close loop performs the teardown on
// the same path as every other close cause.
type heartbeatMonitor struct {
	deadline time.Duration
	expired  chan string

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newHeartbeatMonitor(deadline time.Duration) *heartbeatMonitor {
	return &heartbeatMonitor{
		deadline: deadline,
		expired:  make(chan string, 1024),
		timers:   make(map[string]*time.Timer),
	}
}

// Watch starts (or restarts) the deadline timer for a session.
func (m *heartbeatMonitor) Watch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.timers[sessionID]; ok {
		t.Stop()
	}
	m.timers[sessionID] = time.AfterFunc(m.deadline, func() {
		m.expire(sessionID)
	})
}

// Beat resets the deadline for a session that acknowledged liveness.
func (m *heartbeatMonitor) Beat(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.timers[sessionID]; ok {
		t.Reset(m.deadline)
	}
}

// Stop cancels a session's pending deadline timer.
func (m *heartbeatMonitor) Stop(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.timers[sessionID]; ok {
		t.Stop()
		delete(m.timers, sessionID)
	}
}

func (m *heartbeatMonitor) expire(sessionID string) {
	m.mu.Lock()
	delete(m.timers, sessionID)
	m.mu.Unlock()

	select {
	case m.expired <- sessionID:
	default:
		// The close queue is saturated; the sweep loop will still reap
		// the session, so losing this signal is not fatal.
		log.Printf("heartbeat: expiry queue full, dropping signal for session %s", sessionID)
	}
}

// Expired is the stream of sessions whose heartbeat deadline elapsed.
func (m *heartbeatMonitor) Expired() <-chan string {
	return m.expired
}
