// Package redis carries task events across processes. A multi-replica
// deployment publishes every task state change here so any replica can
// serve the event stream for a task another replica is building.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/graphforge/graphforge-backend/internal/domain"
	"github.com/graphforge/graphforge-backend/internal/platform/config"
	"github.com/graphforge/graphforge-backend/internal/platform/logger"
)

type TaskBus interface {
	PublishTaskEvent(ctx context.Context, event domain.ProgressEvent)
	StartForwarder(ctx context.Context, onEvent func(ev domain.ProgressEvent)) error
	Close() error
}

type taskBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewTaskBus connects to Redis and verifies the connection. Returns
// (nil, nil) when no address is configured; callers treat a nil bus as
// "publishing disabled".
func NewTaskBus(cfg config.Redis, baseLog *logger.Logger) (TaskBus, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "task-events"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &taskBus{
		log:     baseLog.With("service", "RedisTaskBus"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

func (b *taskBus) PublishTaskEvent(ctx context.Context, event domain.ProgressEvent) {
	raw, err := json.Marshal(event)
	if err != nil {
		b.log.Warn("Marshal task event failed", "task_id", event.TaskID, "error", err)
		return
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		b.log.Warn("Publish task event failed", "task_id", event.TaskID, "error", err)
	}
}

func (b *taskBus) StartForwarder(ctx context.Context, onEvent func(ev domain.ProgressEvent)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var ev domain.ProgressEvent
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("Bad task event payload", "error", err)
					continue
				}
				ev.Found = true
				onEvent(ev)
			}
		}
	}()

	return nil
}

func (b *taskBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
