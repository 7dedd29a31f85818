// Package main implements the process-manager CLI. It supervises the
// pool of worker processes: "start" runs the pool (optionally with the
// autoscaler) in the foreground, while "status", "scale-up" and
// "scale-down" are one-shot administrative commands that act on worker
// processes discovered from the process table.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/phrazzld/renderq/internal/config"
	"github.com/phrazzld/renderq/internal/platform/logger"
	"github.com/phrazzld/renderq/internal/procmgr"
	"github.com/phrazzld/renderq/internal/queue"
)

const usage = `Usage: procmgr <command> [options]

Commands:
  start       Start worker processes and supervise them in the foreground
              --processes N   initial pool size (default: min_processes)
              --daemon        run the autoscaler loop against the backlog
  status      Show worker processes and queue backlogs
  scale-up    Start additional workers
              --processes N   how many to add (default: 1)
  scale-down  Gracefully stop workers, newest first
              --processes N   how many to remove (default: 1)
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}
	appLogger, err := logger.Setup(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logger: %v\n", err)
		return 1
	}

	switch args[0] {
	case "start":
		return cmdStart(cfg, args[1:], appLogger)
	case "status":
		return cmdStatus(cfg, appLogger)
	case "scale-up":
		return cmdScaleUp(cfg, args[1:], appLogger)
	case "scale-down":
		return cmdScaleDown(cfg, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", args[0], usage)
		return 1
	}
}

func cmdStart(cfg *config.Config, args []string, appLogger *slog.Logger) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	processes := fs.Int("processes", cfg.Scaling.MinProcesses, "initial number of worker processes")
	daemon := fs.Bool("daemon", false, "run the autoscaler loop")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	manager, err := procmgr.NewManager(cfg.Scaling, appLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build process manager: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	started, err := manager.ScaleUp(ctx, *processes)
	if err != nil {
		appLogger.Error("initial scale-up failed", "started", started, "error", err)
		manager.ShutdownAll()
		return 1
	}
	appLogger.Info("worker pool started", "processes", started)

	if *daemon {
		monitor, err := queue.NewDepthMonitor(cfg.Broker, appLogger)
		if err != nil {
			appLogger.Error("failed to connect depth monitor", "error", err)
			manager.ShutdownAll()
			return 1
		}
		defer func() { _ = monitor.Close() }()

		autoscaler, err := procmgr.NewAutoscaler(manager, monitor, cfg.Broker.SubtaskQueue, cfg.Scaling, appLogger)
		if err != nil {
			appLogger.Error("failed to build autoscaler", "error", err)
			manager.ShutdownAll()
			return 1
		}
		autoscaler.Run(ctx)
	} else {
		<-ctx.Done()
	}

	appLogger.Info("shutting down worker pool")
	manager.ShutdownAll()
	return 0
}

func cmdStatus(cfg *config.Config, appLogger *slog.Logger) int {
	workers, err := procmgr.FindWorkers(cfg.Scaling.WorkerCommand)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to scan worker processes: %v\n", err)
		return 1
	}

	fmt.Printf("workers: %d running (command: %s)\n", len(workers), cfg.Scaling.WorkerCommand)
	for _, w := range workers {
		if w.StartTime.IsZero() {
			fmt.Printf("  pid %d\n", w.PID)
			continue
		}
		fmt.Printf("  pid %d  started %s\n", w.PID, w.StartTime.Format("2006-01-02 15:04:05"))
	}

	monitor, err := queue.NewDepthMonitor(cfg.Broker, appLogger)
	if err != nil {
		appLogger.Warn("broker unreachable, skipping queue depths", "error", err)
		return 0
	}
	defer func() { _ = monitor.Close() }()

	info, err := monitor.AllQueueInfo(context.Background())
	if err != nil {
		appLogger.Warn("failed to enumerate queues", "error", err)
		return 0
	}

	names := make([]string, 0, len(info))
	for name := range info {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("queues:")
	for _, name := range names {
		fmt.Printf("  %-40s %d\n", name, info[name])
	}
	return 0
}

func cmdScaleUp(cfg *config.Config, args []string, appLogger *slog.Logger) int {
	fs := flag.NewFlagSet("scale-up", flag.ContinueOnError)
	processes := fs.Int("processes", 1, "number of workers to add")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	existing, err := procmgr.FindWorkers(cfg.Scaling.WorkerCommand)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to scan worker processes: %v\n", err)
		return 1
	}
	room := cfg.Scaling.MaxProcesses - len(existing)
	if room <= 0 {
		fmt.Printf("already at maximum (%d workers running)\n", len(existing))
		return 0
	}
	n := *processes
	if n > room {
		n = room
	}

	manager, err := procmgr.NewManager(cfg.Scaling, appLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build process manager: %v\n", err)
		return 1
	}

	started, err := manager.ScaleUp(context.Background(), n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scale-up failed after %d workers: %v\n", started, err)
		return 1
	}
	fmt.Printf("started %d workers (%d total)\n", started, len(existing)+started)
	return 0
}

func cmdScaleDown(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("scale-down", flag.ContinueOnError)
	processes := fs.Int("processes", 1, "number of workers to remove")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	workers, err := procmgr.FindWorkers(cfg.Scaling.WorkerCommand)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to scan worker processes: %v\n", err)
		return 1
	}

	allowed := len(workers) - cfg.Scaling.MinProcesses
	if allowed < 0 {
		allowed = 0
	}
	n := *processes
	if n > allowed {
		n = allowed
	}
	if n == 0 {
		fmt.Printf("nothing to stop (%d workers running, minimum %d)\n", len(workers), cfg.Scaling.MinProcesses)
		return 0
	}

	// Newest workers go first; FindWorkers returns oldest first.
	stopped := 0
	for i := len(workers) - 1; i >= 0 && stopped < n; i-- {
		if err := procmgr.StopDiscovered(workers[i].PID, cfg.Scaling.GracefulShutdownTimeout); err != nil {
			fmt.Fprintf(os.Stderr, "failed to stop pid %d: %v\n", workers[i].PID, err)
			continue
		}
		stopped++
	}

	fmt.Printf("stopped %d workers (%d remaining)\n", stopped, len(workers)-stopped)
	if stopped < n {
		return 1
	}
	return 0
}
