// Package redis provides a Redis-backed job queue.
//
// Jobs are stored as JSON under "<prefix>:job:<id>". Their IDs move through
// three keys:
//
//	<prefix>:ready       list, LPUSH on enqueue, BRPOPLPUSH to processing
//	<prefix>:processing  list of delivered, unacknowledged jobs
//	<prefix>:delayed     sorted set of retries scored by ready time (unix ms)
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/artpar/apimeter/domain/job"
	"github.com/artpar/apimeter/ports"
)

const (
	DefaultPrefix       = "apimeter"
	DefaultPollInterval = time.Second
	DefaultJobTTL       = 7 * 24 * time.Hour

	promoteBatch = 100
)

// promoteScript moves matured retries to the ready list atomically.
var promoteScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

// Options configures a Queue.
type Options struct {
	Prefix string
	Poll   time.Duration
	JobTTL time.Duration
}

// Queue implements ports.JobQueue on Redis lists.
type Queue struct {
	client *goredis.Client
	opts   Options
	now    func() time.Time

	readyKey      string
	processingKey string
	delayedKey    string
}

// New wraps an existing client.
func New(client *goredis.Client, opts Options) *Queue {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Poll <= 0 {
		opts.Poll = DefaultPollInterval
	}
	if opts.JobTTL <= 0 {
		opts.JobTTL = DefaultJobTTL
	}
	return &Queue{
		client:        client,
		opts:          opts,
		now:           time.Now,
		readyKey:      opts.Prefix + ":ready",
		processingKey: opts.Prefix + ":processing",
		delayedKey:    opts.Prefix + ":delayed",
	}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int, opts Options) (*Queue, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return New(client, opts), nil
}

var _ ports.JobQueue = (*Queue)(nil)

func (q *Queue) jobKey(id string) string {
	return q.opts.Prefix + ":job:" + id
}

// Enqueue stores the job payload and pushes its ID onto the ready list.
func (q *Queue) Enqueue(ctx context.Context, j job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", j.ID, err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(j.ID), data, q.opts.JobTTL)
	pipe.LPush(ctx, q.readyKey, j.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue job %s: %w", j.ID, err)
	}
	return nil
}

// Dequeue promotes matured retries, then blocks up to the poll interval for
// the next ready job.
func (q *Queue) Dequeue(ctx context.Context) (*job.Job, error) {
	if _, err := q.promote(ctx); err != nil {
		return nil, err
	}

	id, err := q.client.BRPopLPush(ctx, q.readyKey, q.processingKey, q.opts.Poll).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	data, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if err != nil {
		q.client.LRem(ctx, q.processingKey, 1, id)
		return nil, fmt.Errorf("job data not found for %s: %w", id, err)
	}

	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		q.client.LRem(ctx, q.processingKey, 1, id)
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &j, nil
}

func (q *Queue) promote(ctx context.Context) (int64, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey, q.readyKey}, now, promoteBatch).Int64()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return 0, fmt.Errorf("promote delayed jobs: %w", err)
	}
	return n, nil
}

// Ack removes a delivered job and its payload.
func (q *Queue) Ack(ctx context.Context, j job.Job) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey, 1, j.ID)
	pipe.Del(ctx, q.jobKey(j.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack job %s: %w", j.ID, err)
	}
	return nil
}

// Retry rewrites the payload (attempt count, last error) and parks the job in
// the delayed set.
func (q *Queue) Retry(ctx context.Context, j job.Job, delay time.Duration) error {
	j.NotBefore = q.now().Add(delay)
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", j.ID, err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(j.ID), data, q.opts.JobTTL)
	pipe.LRem(ctx, q.processingKey, 1, j.ID)
	pipe.ZAdd(ctx, q.delayedKey, goredis.Z{
		Score:  float64(j.NotBefore.UnixMilli()),
		Member: j.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retry job %s: %w", j.ID, err)
	}
	return nil
}

// Recover moves jobs left in the processing list by a crashed worker back to
// the ready list. Call it once at startup, before workers begin dequeuing.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.RPopLPush(ctx, q.processingKey, q.readyKey).Err()
		if errors.Is(err, goredis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover processing jobs: %w", err)
		}
		moved++
	}
}

// Depth returns the lengths of the ready, delayed and processing collections.
func (q *Queue) Depth(ctx context.Context) (ready, delayed, processing int64, err error) {
	pipe := q.client.Pipeline()
	r := pipe.LLen(ctx, q.readyKey)
	d := pipe.ZCard(ctx, q.delayedKey)
	p := pipe.LLen(ctx, q.processingKey)
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, fmt.Errorf("queue depth: %w", err)
	}
	return r.Val(), d.Val(), p.Val(), nil
}

// HealthCheck pings the server.
func (q *Queue) HealthCheck(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (q *Queue) Close() error {
	return q.client.Close()
}
