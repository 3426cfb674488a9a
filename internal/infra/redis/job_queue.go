package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"exam-scoring-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

// promoteScript moves due jobs from the delayed set to the ready list atomically.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, member in ipairs(due) do
	redis.call('ZREM', KEYS[1], member)
	redis.call('LPUSH', KEYS[2], member)
end
return #due
`)

// requeueScript moves every in-flight job back to the consuming end of the ready list.
var requeueScript = redis.NewScript(`
local moved = 0
while redis.call('RPOPLPUSH', KEYS[1], KEYS[2]) do
	moved = moved + 1
end
return moved
`)

// JobQueue is a Redis-backed at-least-once job queue.
// Ready jobs:     LPUSH {prefix}:ready
// In-flight jobs: BLMOVE {prefix}:ready RIGHT -> {prefix}:processing LEFT
// Delayed jobs:   ZADD  {prefix}:delayed {readyAtMillis} {job}
// Dead jobs:      LPUSH {prefix}:dead
// A job leaves the processing list only together with its ack, release, retry or burial.
type JobQueue struct {
	client      *redis.Client
	prefix      string
	pollTimeout time.Duration
	clock       func() time.Time

	mu       sync.Mutex
	payloads map[string]string
}

// DeadJob is a buried job together with the reason it was given up on.
type DeadJob struct {
	Job      domain.Job `json:"job"`
	Reason   string     `json:"reason"`
	BuriedAt time.Time  `json:"buriedAt"`
}

func NewJobQueue(client *redis.Client, prefix string, pollTimeout time.Duration) *JobQueue {
	if prefix == "" {
		prefix = "jobs"
	}
	if pollTimeout < time.Second {
		pollTimeout = time.Second
	}
	return &JobQueue{
		client:      client,
		prefix:      prefix,
		pollTimeout: pollTimeout,
		clock:       time.Now,
		payloads:    make(map[string]string),
	}
}

func (q *JobQueue) Enqueue(ctx context.Context, job domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.client.LPush(ctx, q.readyKey(), data).Err()
}

// Dequeue promotes due delayed jobs and then blocks up to the poll timeout for a ready job.
// The job moves to the processing list and stays there until it is settled.
func (q *JobQueue) Dequeue(ctx context.Context) (domain.Job, error) {
	if _, err := q.PromoteDue(ctx); err != nil {
		return domain.Job{}, err
	}

	raw, err := q.client.BLMove(ctx, q.readyKey(), q.processingKey(), "RIGHT", "LEFT", q.pollTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Job{}, domain.ErrNoJob
	}
	if err != nil {
		if ctx.Err() != nil {
			return domain.Job{}, ctx.Err()
		}
		return domain.Job{}, err
	}

	var job domain.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// unreadable payloads go straight to the dead list
		if buryErr := q.settle(ctx, raw, func(pipe redis.Pipeliner) {
			pipe.LPush(ctx, q.deadKey(), raw)
		}); buryErr != nil {
			return domain.Job{}, buryErr
		}
		return domain.Job{}, fmt.Errorf("unmarshal job: %w", err)
	}

	q.mu.Lock()
	q.payloads[job.ID] = raw
	q.mu.Unlock()
	return job, nil
}

// Ack removes a completed job from the processing list.
func (q *JobQueue) Ack(ctx context.Context, job domain.Job) error {
	raw, err := q.payload(job)
	if err != nil {
		return err
	}
	return q.settle(ctx, raw, func(redis.Pipeliner) {})
}

// Release hands an interrupted job back to the front of the ready list without counting an attempt.
func (q *JobQueue) Release(ctx context.Context, job domain.Job) error {
	raw, err := q.payload(job)
	if err != nil {
		return err
	}
	return q.settle(ctx, raw, func(pipe redis.Pipeliner) {
		pipe.RPush(ctx, q.readyKey(), raw)
	})
}

// Retry schedules the job to become ready again after delay.
func (q *JobQueue) Retry(ctx context.Context, job domain.Job, delay time.Duration) error {
	raw, err := q.payload(job)
	if err != nil {
		return err
	}
	job.Attempts++
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.settle(ctx, raw, func(pipe redis.Pipeliner) {
		if delay <= 0 {
			pipe.LPush(ctx, q.readyKey(), data)
			return
		}
		readyAt := q.clock().Add(delay).UnixMilli()
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(readyAt), Member: data})
	})
}

// Bury moves the job to the dead list.
func (q *JobQueue) Bury(ctx context.Context, job domain.Job, reason string) error {
	raw, err := q.payload(job)
	if err != nil {
		return err
	}
	data, err := json.Marshal(DeadJob{Job: job, Reason: reason, BuriedAt: q.clock().UTC()})
	if err != nil {
		return fmt.Errorf("marshal dead job: %w", err)
	}
	return q.settle(ctx, raw, func(pipe redis.Pipeliner) {
		pipe.LPush(ctx, q.deadKey(), data)
	})
}

// RequeueInFlight returns every job on the processing list to the ready list.
// Workers call it on startup to recover jobs held by a process that died.
func (q *JobQueue) RequeueInFlight(ctx context.Context) (int, error) {
	moved, err := requeueScript.Run(ctx, q.client, []string{q.processingKey(), q.readyKey()}).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue in-flight jobs: %w", err)
	}
	return moved, nil
}

// InFlight lists the jobs currently on the processing list.
func (q *JobQueue) InFlight(ctx context.Context) ([]domain.Job, error) {
	raw, err := q.client.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]domain.Job, 0, len(raw))
	for _, item := range raw {
		var job domain.Job
		if err := json.Unmarshal([]byte(item), &job); err != nil {
			return nil, fmt.Errorf("unmarshal job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// settle removes raw from the processing list and applies next in the same transaction.
func (q *JobQueue) settle(ctx context.Context, raw string, next func(pipe redis.Pipeliner)) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, raw)
		next(pipe)
		return nil
	})
	if err != nil {
		return fmt.Errorf("settle job: %w", err)
	}
	return nil
}

// payload returns the exact bytes the job was dequeued with, so LREM matches them.
func (q *JobQueue) payload(job domain.Job) (string, error) {
	q.mu.Lock()
	raw, ok := q.payloads[job.ID]
	delete(q.payloads, job.ID)
	q.mu.Unlock()
	if ok {
		return raw, nil
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	return string(data), nil
}

// PromoteDue moves every delayed job whose time has come onto the ready list.
func (q *JobQueue) PromoteDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(q.clock().UnixMilli(), 10)
	moved, err := promoteScript.Run(ctx, q.client, []string{q.delayedKey(), q.readyKey()}, now).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed jobs: %w", err)
	}
	return moved, nil
}

// Dead lists buried jobs, most recent first.
func (q *JobQueue) Dead(ctx context.Context) ([]DeadJob, error) {
	raw, err := q.client.LRange(ctx, q.deadKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]DeadJob, 0, len(raw))
	for _, item := range raw {
		var dead DeadJob
		if err := json.Unmarshal([]byte(item), &dead); err != nil {
			return nil, fmt.Errorf("unmarshal dead job: %w", err)
		}
		jobs = append(jobs, dead)
	}
	return jobs, nil
}

func (q *JobQueue) readyKey() string {
	return q.prefix + ":ready"
}

func (q *JobQueue) processingKey() string {
	return q.prefix + ":processing"
}

func (q *JobQueue) delayedKey() string {
	return q.prefix + ":delayed"
}

func (q *JobQueue) deadKey() string {
	return q.prefix + ":dead"
}
