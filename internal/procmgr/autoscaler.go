package procmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/renderq/internal/config"
)

// errorBackoff replaces the full check interval after a failed tick so
// a transient fault is retried promptly.
const errorBackoff = 30 * time.Second

// BacklogSampler reports the current backlog length for a queue. A
// return of 0 may mean "no signal"; the autoscaler treats it as an
// empty backlog, which at worst delays a scale-up by one tick.
type BacklogSampler interface {
	Length(ctx context.Context, queue string) int64
}

// Decision is the autoscaler's per-tick verdict.
type Decision int

const (
	HoldSteady   Decision = 0
	AddWorker    Decision = 1
	RemoveWorker Decision = -1
)

// Evaluate applies the hysteresis thresholds to one observation. The
// thresholds scale with the current process count: backlog above
// processes x up-multiplier adds a worker, below processes x
// down-multiplier removes one, and the band between them holds steady
// so the pool does not flap.
func Evaluate(backlog int64, processes int, cfg config.ScalingConfig) Decision {
	up := float64(processes) * cfg.ScaleUpMultiplier
	down := float64(processes) * cfg.ScaleDownMultiplier

	switch {
	case float64(backlog) > up && processes < cfg.MaxProcesses:
		return AddWorker
	case float64(backlog) < down && processes > cfg.MinProcesses:
		return RemoveWorker
	default:
		return HoldSteady
	}
}

// Autoscaler periodically sizes the worker pool against the backlog of
// one queue. Manual scale operations on the manager bypass it entirely.
type Autoscaler struct {
	manager *Manager
	sampler BacklogSampler
	queue   string
	cfg     config.ScalingConfig
	logger  *slog.Logger
}

// NewAutoscaler builds an autoscaler over the manager and backlog
// sampler.
func NewAutoscaler(manager *Manager, sampler BacklogSampler, queue string, cfg config.ScalingConfig, logger *slog.Logger) (*Autoscaler, error) {
	if manager == nil {
		return nil, errors.New("manager cannot be nil")
	}
	if sampler == nil {
		return nil, errors.New("backlog sampler cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Autoscaler{
		manager: manager,
		sampler: sampler,
		queue:   queue,
		cfg:     cfg,
		logger:  logger.With("component", "autoscaler"),
	}, nil
}

// Run ticks until the context is cancelled. A failed tick is retried
// after a short backoff instead of the full check interval.
func (a *Autoscaler) Run(ctx context.Context) {
	a.logger.Info("autoscaler running",
		"queue", a.queue,
		"check_interval", a.cfg.CheckInterval,
		"min_processes", a.cfg.MinProcesses,
		"max_processes", a.cfg.MaxProcesses)

	for {
		wait := a.cfg.CheckInterval
		if err := a.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Error("autoscaler tick failed", "error", err)
			wait = errorBackoff
		}

		select {
		case <-ctx.Done():
			a.logger.Info("autoscaler stopped")
			return
		case <-time.After(wait):
		}
	}
}

func (a *Autoscaler) tick(ctx context.Context) error {
	backlog := a.sampler.Length(ctx, a.queue)
	processes := a.manager.Count()
	decision := Evaluate(backlog, processes, a.cfg)

	a.logger.Debug("autoscaler observation",
		"backlog", backlog,
		"processes", processes,
		"decision", int(decision))

	switch decision {
	case AddWorker:
		if _, err := a.manager.ScaleUp(ctx, 1); err != nil {
			return fmt.Errorf("scale-up failed: %w", err)
		}
		a.logger.Info("scaled up", "backlog", backlog, "processes", a.manager.Count())
	case RemoveWorker:
		stopped := a.manager.ScaleDown(1)
		a.logger.Info("scaled down", "backlog", backlog, "stopped", stopped, "processes", a.manager.Count())
	}
	return nil
}
