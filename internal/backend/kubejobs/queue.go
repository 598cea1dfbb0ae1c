package kubejobs

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	queueKey  = "job"
	errorsKey = "job:errors"
)

// Queue is the work queue job pods consume items from.
type Queue interface {
	Push(ctx context.Context, items ...string) error
	Len(ctx context.Context) (int64, error)
	// Clear drops pending items so workers stop picking up new work.
	Clear(ctx context.Context) error
	// Errors returns the error entries workers reported.
	Errors(ctx context.Context) ([]string, error)
	Close() error
}

// Dialer opens the queue at addr.
type Dialer func(addr string) Queue

// DialRedis opens a Redis-backed queue.
func DialRedis(addr string) Queue {
	return &redisQueue{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

type redisQueue struct {
	rdb *redis.Client
}

func (q *redisQueue) Push(ctx context.Context, items ...string) error {
	if len(items) == 0 {
		return nil
	}
	args := make([]any, len(items))
	for i, item := range items {
		args[i] = item
	}
	if err := q.rdb.RPush(ctx, queueKey, args...).Err(); err != nil {
		return fmt.Errorf("push %d items: %w", len(items), err)
	}
	return nil
}

func (q *redisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, queueKey).Result()
}

func (q *redisQueue) Clear(ctx context.Context) error {
	return q.rdb.Del(ctx, queueKey).Err()
}

func (q *redisQueue) Errors(ctx context.Context) ([]string, error) {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return q.rdb.LRange(ctx, errorsKey, 0, -1).Result()
}

func (q *redisQueue) Close() error {
	return q.rdb.Close()
}
