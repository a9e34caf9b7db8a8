package webhooks

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	pkgerrors "github.com/pkg/errors"

	"github.com/JosueRhea/sockudo/internal/core/observability/log"
)

// Queue decouples intent production (hot socket paths) from batching
// and delivery. The redis driver lets a dedicated worker fleet drain
// webhooks produced by the whole cluster.
type Queue interface {
	Push(ctx context.Context, job *Job) error
	// Consume delivers queued jobs to fn until ctx is cancelled.
	Consume(ctx context.Context, fn func(*Job))
	Close() error
}

var _ Queue = (*MemoryQueue)(nil)

// MemoryQueue is a bounded in-process queue. Overflow drops the newest
// job with a logged warning rather than stalling a socket.
type MemoryQueue struct {
	jobs chan *Job
	lg   log.Log
}

func NewMemoryQueue(capacity int, lg log.Log) *MemoryQueue {
	if capacity <= 0 {
		capacity = 4096
	}
	return &MemoryQueue{jobs: make(chan *Job, capacity), lg: lg}
}

func (q *MemoryQueue) Push(_ context.Context, job *Job) error {
	select {
	case q.jobs <- job:
		return nil
	default:
		q.lg.Warn("webhook queue full, dropping event",
			log.String("app", job.AppID), log.String("event", job.Event.Name))
		return nil
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, fn func(*Job)) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			fn(job)
		}
	}
}

func (q *MemoryQueue) Close() error { return nil }

var _ Queue = (*RedisQueue)(nil)

// RedisQueue is a shared list drained with blocking pops, so any node
// (or a standalone worker) can deliver webhooks for the whole cluster.
type RedisQueue struct {
	client redis.UniversalClient
	key    string
	lg     log.Log
}

func NewRedisQueue(client redis.UniversalClient, prefix string, lg log.Log) *RedisQueue {
	if prefix == "" {
		prefix = "sockudo"
	}
	return &RedisQueue{client: client, key: prefix + ":webhooks", lg: lg}
}

func (q *RedisQueue) Push(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return pkgerrors.Wrap(err, "encode webhook job")
	}
	return pkgerrors.Wrap(q.client.LPush(ctx, q.key, raw).Err(), "enqueue webhook job")
}

func (q *RedisQueue) Consume(ctx context.Context, fn func(*Job)) {
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if pkgerrors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			q.lg.Warn("webhook queue pop failed", log.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// BRPop returns [key, value].
		if len(res) != 2 {
			continue
		}
		var job Job
		if err = json.Unmarshal([]byte(res[1]), &job); err != nil {
			q.lg.Warn("malformed webhook job", log.Error(err))
			continue
		}
		fn(&job)
	}
}

func (q *RedisQueue) Close() error { return nil }
