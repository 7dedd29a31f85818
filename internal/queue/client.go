package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/renderq/internal/config"
)

// ErrConnection wraps broker connectivity failures. Callers must treat
// it as transient and retryable.
var ErrConnection = errors.New("queue connection error")

// Client enqueues work items onto named backlogs and supports the
// administrative scan-and-remove operation used by the override paths.
//
// Queue keys follow the broker convention exactly: the immediate
// backlog lives at "<prefix>:queue:<name>" and the delayed backlog at
// the same key with a ".DQ" suffix.
type Client struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
}

// NewClient connects to the broker described by the configuration.
func NewClient(cfg config.BrokerConfig, logger *slog.Logger) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		DB:           cfg.DB,
		Password:     cfg.Password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	return NewClientFromRedis(rdb, cfg.KeyPrefix, logger)
}

// NewClientFromRedis wraps an existing Redis client. Used by tests and
// by components sharing one connection pool.
func NewClientFromRedis(rdb *redis.Client, prefix string, logger *slog.Logger) *Client {
	return &Client{
		rdb:    rdb,
		prefix: prefix,
		logger: logger.With("component", "queue_client"),
	}
}

// QueueKey returns the immediate backlog key for a queue name.
func (c *Client) QueueKey(queue string) string {
	return fmt.Sprintf("%s:queue:%s", c.prefix, queue)
}

// DelayedKey returns the delayed backlog key for a queue name.
func (c *Client) DelayedKey(queue string) string {
	return c.QueueKey(queue) + ".DQ"
}

// Enqueue pushes a work item onto the named backlog with at-least-once
// delivery semantics. A positive delay parks the item on the delayed
// backlog until its ETA passes.
func (c *Client) Enqueue(ctx context.Context, queue, action string, payload any, delay time.Duration) error {
	msg, err := NewMessage(queue, action, payload)
	if err != nil {
		return fmt.Errorf("failed to build queue message: %w", err)
	}

	key := c.QueueKey(queue)
	if delay > 0 {
		eta := time.Now().UTC().Add(delay)
		msg.ETA = &eta
		key = c.DelayedKey(queue)
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode queue message: %w", err)
	}

	if err := c.rdb.RPush(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	c.logger.Debug("message enqueued",
		"queue", queue,
		"action", action,
		"message_id", msg.ID,
		"delayed", delay > 0)
	return nil
}

// EnqueueMessage pushes an already-built message, preserving its id and
// retry count. Used by the consumer for redelivery.
func (c *Client) EnqueueMessage(ctx context.Context, msg *Message, delay time.Duration) error {
	key := c.QueueKey(msg.Queue)
	if delay > 0 {
		eta := time.Now().UTC().Add(delay)
		msg.ETA = &eta
		key = c.DelayedKey(msg.Queue)
	} else {
		msg.ETA = nil
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode queue message: %w", err)
	}

	if err := c.rdb.RPush(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return nil
}

// BacklogLength returns the raw length of the immediate backlog.
func (c *Client) BacklogLength(ctx context.Context, queue string) (int64, error) {
	length, err := c.rdb.LLen(ctx, c.QueueKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return length, nil
}

// MatchFn decides whether a raw serialized backlog entry should be
// removed by ScanAndRemove.
type MatchFn func(raw []byte) bool

// ScanAndRemove linearly scans the immediate and delayed backlogs of
// the queue and removes entries whose serialized form satisfies the
// match function. It returns the number of entries removed. This is an
// administrative operation; normal flow never uses it.
func (c *Client) ScanAndRemove(ctx context.Context, queue string, match MatchFn) (int, error) {
	removed := 0
	for _, key := range []string{c.QueueKey(queue), c.DelayedKey(queue)} {
		entries, err := c.rdb.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrConnection, err)
		}

		for _, entry := range entries {
			if !match([]byte(entry)) {
				continue
			}
			n, err := c.rdb.LRem(ctx, key, 1, entry).Result()
			if err != nil {
				return removed, fmt.Errorf("%w: %v", ErrConnection, err)
			}
			removed += int(n)
		}
	}

	if removed > 0 {
		c.logger.Info("removed backlog entries", "queue", queue, "count", removed)
	}
	return removed, nil
}

// PromoteDue moves delayed messages whose ETA has passed onto the
// immediate backlog. The consumer calls this before each pop so delayed
// items become visible on time.
func (c *Client) PromoteDue(ctx context.Context, queue string) (int, error) {
	delayedKey := c.DelayedKey(queue)
	entries, err := c.rdb.LRange(ctx, delayedKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	now := time.Now().UTC()
	promoted := 0
	for _, entry := range entries {
		var msg Message
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			c.logger.Warn("skipping undecodable delayed entry", "queue", queue, "error", err)
			continue
		}
		if !msg.Due(now) {
			continue
		}

		// Remove first so a crash between the two steps drops the
		// message rather than duplicating it mid-promotion; the
		// delivery layer's at-least-once contract is preserved by the
		// enqueue path, not by promotion.
		n, err := c.rdb.LRem(ctx, delayedKey, 1, entry).Result()
		if err != nil {
			return promoted, fmt.Errorf("%w: %v", ErrConnection, err)
		}
		if n == 0 {
			continue
		}

		msg.ETA = nil
		raw, err := json.Marshal(&msg)
		if err != nil {
			return promoted, fmt.Errorf("failed to re-encode promoted message: %w", err)
		}
		if err := c.rdb.RPush(ctx, c.QueueKey(queue), raw).Err(); err != nil {
			return promoted, fmt.Errorf("%w: %v", ErrConnection, err)
		}
		promoted++
	}

	return promoted, nil
}

// Pop blocks up to the timeout waiting for the next message on the
// immediate backlog. It returns nil without error when the wait times
// out.
func (c *Client) Pop(ctx context.Context, queue string, timeout time.Duration) (*Message, error) {
	res, err := c.rdb.BLPop(ctx, timeout, c.QueueKey(queue)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply length %d", len(res))
	}

	var msg Message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return nil, fmt.Errorf("failed to decode queue message: %w", err)
	}
	return &msg, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
