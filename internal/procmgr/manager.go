package procmgr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/phrazzld/renderq/internal/config"
)

// ProcessStatus is the liveness state of a managed worker process.
type ProcessStatus string

const (
	ProcessRunning ProcessStatus = "running"
	ProcessDead    ProcessStatus = "dead"
)

// ProcessRecord is a point-in-time snapshot of one managed worker
// process. The registry is in-memory only; it does not survive a
// manager restart.
type ProcessRecord struct {
	PID       int
	StartTime time.Time
	Command   string
	Status    ProcessStatus
}

// ErrMaxProcesses is returned by Start when the registry is already at
// the configured maximum.
var ErrMaxProcesses = errors.New("maximum worker process count reached")

// ErrProcessNotFound is returned by Stop for a PID the manager does not
// own.
var ErrProcessNotFound = errors.New("process not managed")

type managedProcess struct {
	cmd       *exec.Cmd
	pid       int
	startTime time.Time
	command   string

	// output captures combined stdout/stderr; read only after done is
	// closed.
	output *bytes.Buffer

	done    chan struct{}
	waitErr error
}

func (p *managedProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Manager spawns and supervises worker processes. Each worker runs in
// its own process group so signals reach any children it forks.
type Manager struct {
	cfg    config.ScalingConfig
	logger *slog.Logger

	mu    sync.Mutex
	procs []*managedProcess
}

// NewManager builds a manager for the configured worker command.
func NewManager(cfg config.ScalingConfig, logger *slog.Logger) (*Manager, error) {
	if strings.TrimSpace(cfg.WorkerCommand) == "" {
		return nil, errors.New("worker command cannot be empty")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "process_manager"),
	}, nil
}

// Start spawns one worker process and confirms it survives the startup
// delay before registering it. A worker that exits during startup is
// reported as an error carrying its captured output.
func (m *Manager) Start(ctx context.Context) (ProcessRecord, error) {
	m.mu.Lock()
	m.reapLocked()
	if len(m.procs) >= m.cfg.MaxProcesses {
		m.mu.Unlock()
		return ProcessRecord{}, ErrMaxProcesses
	}
	m.mu.Unlock()

	parts := strings.Fields(m.cfg.WorkerCommand)
	cmd := exec.Command(parts[0], parts[1:]...)

	output := &bytes.Buffer{}
	cmd.Stdout = output
	cmd.Stderr = output
	// Own process group so Stop can signal the worker and anything it
	// forked in one kill.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return ProcessRecord{}, fmt.Errorf("failed to spawn worker: %w", err)
	}

	p := &managedProcess{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startTime: time.Now(),
		command:   m.cfg.WorkerCommand,
		output:    output,
		done:      make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	// Liveness confirmation: the worker must survive the startup delay.
	select {
	case <-p.done:
		return ProcessRecord{}, fmt.Errorf("worker exited during startup (%v): %s",
			p.waitErr, strings.TrimSpace(p.output.String()))
	case <-ctx.Done():
		_ = syscall.Kill(-p.pid, syscall.SIGKILL)
		<-p.done
		return ProcessRecord{}, ctx.Err()
	case <-time.After(m.cfg.StartupDelay):
	}

	m.mu.Lock()
	m.procs = append(m.procs, p)
	m.mu.Unlock()

	m.logger.Info("worker started", "pid", p.pid)
	return p.record(), nil
}

// Stop terminates the process with the given PID. A graceful stop sends
// SIGTERM to the process group and escalates to SIGKILL after the
// configured timeout; an immediate stop kills the group outright. The
// registry entry is removed in every case.
func (m *Manager) Stop(pid int, graceful bool) error {
	m.mu.Lock()
	idx := -1
	for i, p := range m.procs {
		if p.pid == pid {
			idx = i
			break
		}
	}
	if idx == -1 {
		m.mu.Unlock()
		return fmt.Errorf("%w: pid %d", ErrProcessNotFound, pid)
	}
	p := m.procs[idx]
	m.procs = append(m.procs[:idx], m.procs[idx+1:]...)
	m.mu.Unlock()

	if p.exited() {
		m.logger.Info("worker already exited", "pid", pid)
		return nil
	}

	if graceful {
		if err := syscall.Kill(-p.pid, syscall.SIGTERM); err != nil {
			m.logger.Warn("SIGTERM failed, escalating", "pid", pid, "error", err)
		} else {
			select {
			case <-p.done:
				m.logger.Info("worker stopped gracefully", "pid", pid)
				return nil
			case <-time.After(m.cfg.GracefulShutdownTimeout):
				m.logger.Warn("graceful shutdown timed out, killing", "pid", pid)
			}
		}
	}

	_ = syscall.Kill(-p.pid, syscall.SIGKILL)
	<-p.done
	m.logger.Info("worker killed", "pid", pid)
	return nil
}

// Count returns the number of live managed processes, reaping any that
// died on their own first.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked()
	return len(m.procs)
}

// List snapshots the registry, reaping dead processes first. Records
// are ordered by start time, oldest first.
func (m *Manager) List() []ProcessRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked()

	records := make([]ProcessRecord, 0, len(m.procs))
	for _, p := range m.procs {
		records = append(records, p.record())
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartTime.Before(records[j].StartTime)
	})
	return records
}

// ScaleUp starts up to n additional workers sequentially, stopping at
// the configured maximum or on the first spawn failure. It returns the
// number actually started.
func (m *Manager) ScaleUp(ctx context.Context, n int) (int, error) {
	started := 0
	for i := 0; i < n; i++ {
		if _, err := m.Start(ctx); err != nil {
			if errors.Is(err, ErrMaxProcesses) {
				m.logger.Info("scale-up stopped at maximum", "started", started)
				return started, nil
			}
			return started, fmt.Errorf("scale-up aborted after %d workers: %w", started, err)
		}
		started++
	}
	return started, nil
}

// ScaleDown gracefully stops up to n workers, never going below the
// configured minimum. The newest workers are stopped first. It returns
// the number actually stopped.
func (m *Manager) ScaleDown(n int) int {
	m.mu.Lock()
	m.reapLocked()
	allowed := len(m.procs) - m.cfg.MinProcesses
	if allowed < 0 {
		allowed = 0
	}
	if n > allowed {
		n = allowed
	}

	victims := make([]*managedProcess, len(m.procs))
	copy(victims, m.procs)
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].startTime.After(victims[j].startTime)
	})
	victims = victims[:n]
	m.mu.Unlock()

	stopped := 0
	for _, p := range victims {
		if err := m.Stop(p.pid, true); err != nil {
			m.logger.Warn("failed to stop worker during scale-down", "pid", p.pid, "error", err)
			continue
		}
		stopped++
	}
	return stopped
}

// ShutdownAll gracefully stops every managed worker.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	pids := make([]int, 0, len(m.procs))
	for _, p := range m.procs {
		pids = append(pids, p.pid)
	}
	m.mu.Unlock()

	for _, pid := range pids {
		if err := m.Stop(pid, true); err != nil {
			m.logger.Warn("failed to stop worker during shutdown", "pid", pid, "error", err)
		}
	}
}

// reapLocked drops registry entries for processes that exited on their
// own. Callers hold the mutex.
func (m *Manager) reapLocked() {
	alive := m.procs[:0]
	for _, p := range m.procs {
		if p.exited() {
			m.logger.Warn("worker exited unexpectedly",
				"pid", p.pid,
				"error", p.waitErr,
				"output", strings.TrimSpace(p.output.String()))
			continue
		}
		alive = append(alive, p)
	}
	m.procs = alive
}

func (p *managedProcess) record() ProcessRecord {
	status := ProcessRunning
	if p.exited() {
		status = ProcessDead
	}
	return ProcessRecord{
		PID:       p.pid,
		StartTime: p.startTime,
		Command:   p.command,
		Status:    status,
	}
}
