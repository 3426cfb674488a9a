package memory

import (
	"context"
	"sync"
	"time"

	"exam-scoring-service/internal/domain"
)

// JobQueue is a channel-backed queue for single-process deployments and tests.
type JobQueue struct {
	ready       chan domain.Job
	pollTimeout time.Duration
	closed      chan struct{}
	closeOnce   sync.Once

	mu       sync.Mutex
	inFlight map[string]domain.Job
	dead     []domain.Job
}

func NewJobQueue(capacity int, pollTimeout time.Duration) *JobQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &JobQueue{
		ready:       make(chan domain.Job, capacity),
		pollTimeout: pollTimeout,
		closed:      make(chan struct{}),
		inFlight:    make(map[string]domain.Job),
	}
}

func (q *JobQueue) Enqueue(ctx context.Context, job domain.Job) error {
	select {
	case q.ready <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue waits up to the poll timeout for a job. The job stays in flight until it is settled.
func (q *JobQueue) Dequeue(ctx context.Context) (domain.Job, error) {
	timer := time.NewTimer(q.pollTimeout)
	defer timer.Stop()
	select {
	case job := <-q.ready:
		q.mu.Lock()
		q.inFlight[job.ID] = job
		q.mu.Unlock()
		return job, nil
	case <-ctx.Done():
		return domain.Job{}, ctx.Err()
	case <-timer.C:
		return domain.Job{}, domain.ErrNoJob
	}
}

// Ack drops a completed job.
func (q *JobQueue) Ack(_ context.Context, job domain.Job) error {
	q.settle(job)
	return nil
}

// Release makes an interrupted job ready again without counting an attempt.
func (q *JobQueue) Release(ctx context.Context, job domain.Job) error {
	q.settle(job)
	select {
	case q.ready <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry makes the job ready again after delay.
func (q *JobQueue) Retry(_ context.Context, job domain.Job, delay time.Duration) error {
	q.settle(job)
	job.Attempts++
	time.AfterFunc(delay, func() {
		select {
		case q.ready <- job:
		case <-q.closed:
		}
	})
	return nil
}

// Bury parks a job that will not be retried.
func (q *JobQueue) Bury(_ context.Context, job domain.Job, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, job.ID)
	q.dead = append(q.dead, job)
	return nil
}

func (q *JobQueue) settle(job domain.Job) {
	q.mu.Lock()
	delete(q.inFlight, job.ID)
	q.mu.Unlock()
}

// InFlight reports how many dequeued jobs are not settled yet.
func (q *JobQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Dead returns the buried jobs.
func (q *JobQueue) Dead() []domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.Job, len(q.dead))
	copy(out, q.dead)
	return out
}

// Len reports how many jobs are ready.
func (q *JobQueue) Len() int {
	return len(q.ready)
}

// Close stops pending retries from blocking.
func (q *JobQueue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}
