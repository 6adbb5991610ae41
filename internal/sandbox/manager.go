package sandbox

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/seanGSISG/async-code/internal/faults"
)

// Handle is one live sandbox: an isolated work directory plus the context
// that every subprocess inside it runs under. Terminate cancels that context
// and removes the directory; it is safe to call any number of times, from
// any goroutine, including on a sandbox whose run already finished.
type Handle struct {
	ID     string
	TaskID string
	Dir    string

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	terminated bool
	timedOut   bool
	watchdog   *time.Timer
}

// Context is cancelled when the sandbox is terminated (cancel, timeout, or
// release). Run agent and git subprocesses under it.
func (h *Handle) Context() context.Context { return h.ctx }

// TimedOut reports whether the watchdog tore this sandbox down.
func (h *Handle) TimedOut() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.timedOut
}

// Terminate tears the sandbox down: stops the watchdog, cancels the context,
// and removes the work directory. Idempotent.
func (h *Handle) Terminate() {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return
	}
	h.terminated = true
	if h.watchdog != nil {
		h.watchdog.Stop()
	}
	h.mu.Unlock()

	h.cancel()
	if err := os.RemoveAll(h.Dir); err != nil {
		slog.Warn("sandbox dir cleanup failed", "sandbox_id", h.ID, "err", err)
	}
}

// TimeoutFunc is invoked (on the watchdog goroutine) when a sandbox exceeds
// its wall-clock budget, after the sandbox has been terminated.
type TimeoutFunc func(h *Handle)

// Manager owns the sandbox pool. Acquire is non-blocking: when the global
// capacity is reached it returns faults.ErrCapacityExceeded and the caller
// leaves the task pending for a later admission pass.
type Manager struct {
	home     string
	capacity int
	timeout  time.Duration

	onTimeout TimeoutFunc

	mu     sync.Mutex
	active map[string]*Handle
}

// NewManager creates a sandbox manager rooted at home/sandboxes. capacity is
// the global concurrent-sandbox limit; timeout <= 0 disables the watchdog.
func NewManager(home string, capacity int, timeout time.Duration) *Manager {
	return &Manager{
		home:     home,
		capacity: capacity,
		timeout:  timeout,
		active:   make(map[string]*Handle),
	}
}

// OnTimeout registers the watchdog callback. Set once, before the first
// Acquire.
func (m *Manager) OnTimeout(fn TimeoutFunc) { m.onTimeout = fn }

// Active returns the number of live sandboxes.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Acquire reserves a sandbox slot for taskID and creates its work directory.
func (m *Manager) Acquire(taskID string) (*Handle, error) {
	m.mu.Lock()
	if len(m.active) >= m.capacity {
		m.mu.Unlock()
		return nil, faults.ErrCapacityExceeded
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		ID:     id,
		TaskID: taskID,
		Dir:    filepath.Join(m.home, "sandboxes", id),
		ctx:    ctx,
		cancel: cancel,
	}
	m.active[id] = h
	m.mu.Unlock()

	if err := os.MkdirAll(h.Dir, 0o755); err != nil {
		m.Release(h)
		return nil, err
	}
	if m.timeout > 0 {
		h.mu.Lock()
		h.watchdog = time.AfterFunc(m.timeout, func() { m.expire(h) })
		h.mu.Unlock()
	}
	return h, nil
}

// expire is the watchdog path: mark, terminate, notify.
func (m *Manager) expire(h *Handle) {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return
	}
	h.timedOut = true
	h.mu.Unlock()

	slog.Warn("sandbox wall-clock budget exceeded", "sandbox_id", h.ID, "task_id", h.TaskID, "timeout", m.timeout)
	h.Terminate()
	if m.onTimeout != nil {
		m.onTimeout(h)
	}
}

// Release terminates the sandbox and frees its capacity slot. Idempotent.
func (m *Manager) Release(h *Handle) {
	if h == nil {
		return
	}
	h.Terminate()
	m.mu.Lock()
	delete(m.active, h.ID)
	m.mu.Unlock()
}

// Get returns the live handle for a sandbox id, or nil.
func (m *Manager) Get(sandboxID string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[sandboxID]
}

// Shutdown terminates every live sandbox.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.active))
	for _, h := range m.active {
		handles = append(handles, h)
	}
	m.active = make(map[string]*Handle)
	m.mu.Unlock()

	for _, h := range handles {
		h.Terminate()
	}
}
