// Package rediscache implements two Redis-backed supports for the core: a
// shared CurrentLoad cache so multiple orchestrator replicas see each
// other's load deltas, and a sliding-window rate limiter gating
// waiver-approval notification fan-out.
//
// The rate limiter is a pipelined ZRemRangeByScore/ZCard/ZAdd/Expire
// sliding window, failing open on Redis errors.
package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Client wraps a Redis connection for the load cache and rate limiter.
type Client struct {
	rdb *redis.Client
}

// Connect parses a redis:// URL, dials, and verifies with a ping.
func Connect(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// NewFromClient wraps an existing client, used by tests with miniredis.
func NewFromClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping reports connection liveness.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func loadKey(agentID string) string {
	return "arbiter:load:" + agentID
}

// PublishLoad writes one agent's load counters with a TTL so a crashed
// replica's entries age out rather than pinning stale load forever.
func (c *Client) PublishLoad(ctx context.Context, agentID string, activeTasks, queuedTasks int, ttl time.Duration) error {
	err := c.rdb.HSet(ctx, loadKey(agentID),
		"active_tasks", activeTasks,
		"queued_tasks", queuedTasks,
	).Err()
	if err != nil {
		return fmt.Errorf("publish load for %s: %w", agentID, err)
	}
	if ttl > 0 {
		if err := c.rdb.Expire(ctx, loadKey(agentID), ttl).Err(); err != nil {
			return fmt.Errorf("set load ttl for %s: %w", agentID, err)
		}
	}
	return nil
}

// Load is one agent's cached load counters.
type Load struct {
	ActiveTasks int
	QueuedTasks int
}

// FetchLoad reads one agent's cached load. Missing keys return ok=false,
// not an error: an absent entry means no replica has reported recently.
func (c *Client) FetchLoad(ctx context.Context, agentID string) (Load, bool, error) {
	values, err := c.rdb.HGetAll(ctx, loadKey(agentID)).Result()
	if err != nil {
		return Load{}, false, fmt.Errorf("fetch load for %s: %w", agentID, err)
	}
	if len(values) == 0 {
		return Load{}, false, nil
	}

	var l Load
	fmt.Sscanf(values["active_tasks"], "%d", &l.ActiveTasks)
	fmt.Sscanf(values["queued_tasks"], "%d", &l.QueuedTasks)
	return l, true, nil
}

// AllowNotification applies a sliding-window rate limit to notification
// fan-out for one target group. Returns false when the window is full. On
// Redis errors it fails open: a broken cache must not silence
// waiver-approval notifications entirely.
func (c *Client) AllowNotification(ctx context.Context, target string, limitPerMinute int) bool {
	now := time.Now()
	key := "arbiter:notify:" + target

	pipe := c.rdb.Pipeline()
	minScore := now.Add(-time.Minute).Unix()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", minScore))
	pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.Unix()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, 2*time.Minute)

	cmds, err := pipe.Exec(ctx)
	if err != nil {
		return true
	}

	count := cmds[1].(*redis.IntCmd).Val()
	return count < int64(limitPerMinute)
}
