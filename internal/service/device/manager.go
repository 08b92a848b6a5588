// Package device tracks device-level connection slots independently of
// message sessions. A device record outlives individual sessions (reconnects
// reuse the same device id) and is reclaimed by a periodic idle sweep.
package device

import (
	"context"
	"log"
	"sync"
	"time"
)

// Sweep defaults; overridable through config.
const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultIdleTimeout   = 30 * time.Minute
)

// Connection is the lifecycle record for one device slot.
type Connection struct {
	DeviceID    string
	Port        int
	ConnectedAt time.Time
	LastActive  time.Time
}

// Closer releases per-device resources when a record is evicted (e.g. the
// device's isolated worker process). May be nil.
type Closer func(deviceID string)

// Manager owns the device table and the idle sweep.
type Manager struct {
	mu    sync.Mutex
	conns map[string]*Connection

	sweepEvery time.Duration
	idleAfter  time.Duration
	closer     Closer
}

// NewManager creates a device manager. Non-positive durations fall back to the
// defaults.
func NewManager(sweepEvery, idleAfter time.Duration, closer Closer) *Manager {
	if sweepEvery <= 0 {
		sweepEvery = DefaultSweepInterval
	}
	if idleAfter <= 0 {
		idleAfter = DefaultIdleTimeout
	}
	return &Manager{
		conns:      make(map[string]*Connection),
		sweepEvery: sweepEvery,
		idleAfter:  idleAfter,
		closer:     closer,
	}
}

// Track records a connection for deviceID, creating or refreshing its slot.
func (m *Manager) Track(deviceID string, port int) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if conn, ok := m.conns[deviceID]; ok {
		conn.Port = port
		conn.LastActive = now
		return
	}
	m.conns[deviceID] = &Connection{
		DeviceID:    deviceID,
		Port:        port,
		ConnectedAt: now,
		LastActive:  now,
	}
}

// Touch refreshes LastActive for deviceID if it is tracked.
func (m *Manager) Touch(deviceID string) {
	m.mu.Lock()
	if conn, ok := m.conns[deviceID]; ok {
		conn.LastActive = time.Now()
	}
	m.mu.Unlock()
}

// Remove drops a device record and releases its resources.
func (m *Manager) Remove(deviceID string) {
	m.mu.Lock()
	_, ok := m.conns[deviceID]
	delete(m.conns, deviceID)
	m.mu.Unlock()

	if ok && m.closer != nil {
		m.closer(deviceID)
	}
}

// Get returns a copy of the record for deviceID.
func (m *Manager) Get(deviceID string) (Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[deviceID]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// Len returns the number of tracked devices.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Run sweeps the table on the configured interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evictIdle(time.Now())
		}
	}
}

// evictIdle removes every record whose LastActive is older than the idle
// threshold. Records touched within the threshold are never evicted.
func (m *Manager) evictIdle(now time.Time) {
	m.mu.Lock()
	var evicted []string
	for deviceID, conn := range m.conns {
		if now.Sub(conn.LastActive) > m.idleAfter {
			delete(m.conns, deviceID)
			evicted = append(evicted, deviceID)
		}
	}
	m.mu.Unlock()

	for _, deviceID := range evicted {
		log.Printf("[device] evicted idle device %s", deviceID)
		if m.closer != nil {
			m.closer(deviceID)
		}
	}
}
