package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/renderq/internal/config"
)

// DepthMonitor samples backlog lengths for the autoscaler. A failed
// read is answered with 0 ("no signal") rather than an error so a
// broker blip never kills the control loop.
type DepthMonitor struct {
	cfg    config.BrokerConfig
	rdb    *redis.Client
	logger *slog.Logger
}

// NewDepthMonitor connects to the broker and verifies the connection.
func NewDepthMonitor(cfg config.BrokerConfig, logger *slog.Logger) (*DepthMonitor, error) {
	m := &DepthMonitor{
		cfg:    cfg,
		logger: logger.With("component", "depth_monitor"),
	}
	if err := m.connect(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

// NewDepthMonitorFromRedis wraps an existing client. Used by tests.
func NewDepthMonitorFromRedis(rdb *redis.Client, cfg config.BrokerConfig, logger *slog.Logger) *DepthMonitor {
	return &DepthMonitor{
		cfg:    cfg,
		rdb:    rdb,
		logger: logger.With("component", "depth_monitor"),
	}
}

func (m *DepthMonitor) connect(ctx context.Context) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port),
		DB:           m.cfg.DB,
		Password:     m.cfg.Password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	if m.rdb != nil {
		_ = m.rdb.Close()
	}
	m.rdb = rdb
	m.logger.Info("connected to broker", "addr", rdb.Options().Addr)
	return nil
}

// Length returns the current backlog length for the queue. On a
// connection failure it attempts one reconnect and otherwise reports 0.
func (m *DepthMonitor) Length(ctx context.Context, queue string) int64 {
	key := fmt.Sprintf("%s:queue:%s", m.cfg.KeyPrefix, queue)

	length, err := m.rdb.LLen(ctx, key).Result()
	if err == nil {
		return length
	}

	m.logger.Warn("backlog read failed, reconnecting", "queue", queue, "error", err)
	if err := m.connect(ctx); err != nil {
		m.logger.Error("reconnect failed, reporting no signal", "error", err)
		return 0
	}

	length, err = m.rdb.LLen(ctx, key).Result()
	if err != nil {
		m.logger.Error("backlog read failed after reconnect, reporting no signal",
			"queue", queue,
			"error", err)
		return 0
	}
	return length
}

// AllQueueInfo enumerates every queue under the broker prefix with its
// backlog length. Delayed (.DQ) lists are reported under their own key
// suffix so operators can see parked messages.
func (m *DepthMonitor) AllQueueInfo(ctx context.Context) (map[string]int64, error) {
	pattern := fmt.Sprintf("%s:queue:*", m.cfg.KeyPrefix)
	info := make(map[string]int64)

	var cursor uint64
	for {
		keys, next, err := m.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnection, err)
		}

		for _, key := range keys {
			length, err := m.rdb.LLen(ctx, key).Result()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrConnection, err)
			}
			name := strings.TrimPrefix(key, fmt.Sprintf("%s:queue:", m.cfg.KeyPrefix))
			info[name] = length
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return info, nil
}

// Close releases the underlying connection pool.
func (m *DepthMonitor) Close() error {
	if m.rdb == nil {
		return nil
	}
	return m.rdb.Close()
}
