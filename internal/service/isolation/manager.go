// Package isolation spawns one worker process per device for deployments that
// want OS-level isolation instead of the default per-connection goroutine
// isolation.
package isolation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
)

var (
	ErrWorkerExists   = errors.New("device already has a worker")
	ErrWorkerNotFound = errors.New("no worker for device")
)

// Worker is one supervised per-device process.
type Worker struct {
	DeviceID string
	Port     int

	cmd  *exec.Cmd
	done chan struct{}
}

// Done is closed once the worker process has exited and its table entry is
// reclaimed.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Spawner is the pluggable isolation strategy.
type Spawner interface {
	Spawn(ctx context.Context, deviceID string) (*Worker, error)
}

// Manager runs worker binaries, one per device, on ports allocated from a
// monotonically increasing counter.
type Manager struct {
	bin  string
	args []string

	mu       sync.Mutex
	nextPort int
	workers  map[string]*Worker
}

// NewManager creates a manager that launches bin with any fixed args followed
// by --device-id/--port flags, starting at basePort.
func NewManager(bin string, basePort int, args ...string) *Manager {
	if basePort <= 0 {
		basePort = 3000
	}
	return &Manager{
		bin:      bin,
		args:     args,
		nextPort: basePort,
		workers:  make(map[string]*Worker),
	}
}

// Spawn implements Spawner. The worker's table entry is reclaimed when the
// process exits, normally or by signal.
func (m *Manager) Spawn(ctx context.Context, deviceID string) (*Worker, error) {
	m.mu.Lock()
	if _, ok := m.workers[deviceID]; ok {
		m.mu.Unlock()
		return nil, ErrWorkerExists
	}
	port := m.nextPort
	m.nextPort++

	args := append(append([]string{}, m.args...),
		"--device-id", deviceID,
		"--port", strconv.Itoa(port))
	cmd := exec.CommandContext(ctx, m.bin, args...)
	worker := &Worker{
		DeviceID: deviceID,
		Port:     port,
		cmd:      cmd,
		done:     make(chan struct{}),
	}
	m.workers[deviceID] = worker
	m.mu.Unlock()

	if err := cmd.Start(); err != nil {
		m.mu.Lock()
		delete(m.workers, deviceID)
		m.mu.Unlock()
		return nil, fmt.Errorf("start worker for device %s: %w", deviceID, err)
	}

	log.Printf("[isolation] worker for device %s on port %d (pid %d)", deviceID, port, cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		m.mu.Lock()
		delete(m.workers, deviceID)
		m.mu.Unlock()
		close(worker.done)
		if err != nil {
			log.Printf("[isolation] worker for device %s exited: %v", deviceID, err)
		} else {
			log.Printf("[isolation] worker for device %s exited", deviceID)
		}
	}()

	return worker, nil
}

// Lookup returns the live worker for deviceID.
func (m *Manager) Lookup(deviceID string) (*Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[deviceID]
	return w, ok
}

// Len returns the number of live workers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Disconnect requests graceful termination of a device's worker and waits for
// the exit handler to reclaim the table entry, so no dangling entry remains
// once it returns.
func (m *Manager) Disconnect(deviceID string) error {
	m.mu.Lock()
	worker, ok := m.workers[deviceID]
	m.mu.Unlock()
	if !ok {
		return ErrWorkerNotFound
	}

	if err := worker.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone or unkillable via TERM; fall back to kill.
		_ = worker.cmd.Process.Kill()
	}
	<-worker.done
	return nil
}
