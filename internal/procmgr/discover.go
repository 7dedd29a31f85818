package procmgr

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// DiscoveredWorker is a worker process found by scanning the process
// table rather than spawned by this manager instance. startTicks orders
// workers by launch time without depending on wall-clock conversion.
type DiscoveredWorker struct {
	PID        int
	StartTime  time.Time
	startTicks uint64
}

// FindWorkers scans /proc for live processes whose command line equals
// the given worker command. The administrative CLI uses this so
// scale-down and status work across invocations; the in-memory
// registry only covers workers spawned by the current process.
func FindWorkers(command string) ([]DiscoveredWorker, error) {
	want := strings.Join(strings.Fields(command), " ")
	if want == "" {
		return nil, fmt.Errorf("worker command cannot be empty")
	}

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("failed to read process table: %w", err)
	}

	bootTime, bootErr := readBootTime()
	self := os.Getpid()

	var workers []DiscoveredWorker
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self {
			continue
		}

		raw, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "cmdline"))
		if err != nil {
			// Process exited mid-scan.
			continue
		}
		cmdline := strings.Join(strings.Fields(string(bytes.ReplaceAll(raw, []byte{0}, []byte{' '}))), " ")
		if cmdline != want {
			continue
		}

		w := DiscoveredWorker{PID: pid}
		if ticks, err := readStartTicks(pid); err == nil {
			w.startTicks = ticks
			if bootErr == nil {
				w.StartTime = bootTime.Add(time.Duration(ticks) * time.Second / clockTicksPerSecond)
			}
		}
		workers = append(workers, w)
	}

	sort.Slice(workers, func(i, j int) bool {
		return workers[i].startTicks < workers[j].startTicks
	})
	return workers, nil
}

// clockTicksPerSecond is the kernel USER_HZ value; fixed at 100 on
// Linux for userspace-visible counters.
const clockTicksPerSecond = 100

// readStartTicks returns the process start time in clock ticks since
// boot, from field 22 of /proc/<pid>/stat.
func readStartTicks(pid int) (uint64, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}

	// The comm field (2) is parenthesized and may contain spaces; fields
	// are counted after its closing paren.
	idx := bytes.LastIndexByte(raw, ')')
	if idx < 0 || idx+2 > len(raw) {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(string(raw[idx+2:]))
	// starttime is stat field 22 overall, index 19 after state.
	if len(fields) < 20 {
		return 0, fmt.Errorf("short stat for pid %d", pid)
	}
	return strconv.ParseUint(fields[19], 10, 64)
}

// readBootTime parses the btime line of /proc/stat.
func readBootTime() (time.Time, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return time.Time{}, err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "btime ") {
			continue
		}
		sec, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "btime ")), 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(sec, 0), nil
	}
	return time.Time{}, fmt.Errorf("btime not found in /proc/stat")
}

// StopDiscovered terminates a worker found by FindWorkers. It signals
// the process group first and falls back to the process itself for
// workers that are not group leaders, escalating to SIGKILL after the
// timeout.
func StopDiscovered(pid int, timeout time.Duration) error {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("failed to signal pid %d: %w", pid, err)
		}
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		// Signal 0 probes existence without delivering anything.
		if err := syscall.Kill(pid, 0); err != nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = syscall.Kill(-pid, syscall.SIGKILL)
	_ = syscall.Kill(pid, syscall.SIGKILL)
	return nil
}
