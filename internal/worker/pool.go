package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"exam-scoring-service/internal/domain"
	"exam-scoring-service/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Queue is the job transport the pool consumes (Redis or in-memory).
// A dequeued job stays in flight until exactly one of Ack, Release, Retry or Bury is called.
type Queue interface {
	Enqueue(ctx context.Context, job domain.Job) error
	Dequeue(ctx context.Context) (domain.Job, error)
	// Ack drops a completed job.
	Ack(ctx context.Context, job domain.Job) error
	// Release puts an interrupted job back without counting an attempt.
	Release(ctx context.Context, job domain.Job) error
	Retry(ctx context.Context, job domain.Job, delay time.Duration) error
	Bury(ctx context.Context, job domain.Job, reason string) error
}

// inFlightRecoverer is implemented by queues that can hand back jobs left in flight
// by a worker that died.
type inFlightRecoverer interface {
	RequeueInFlight(ctx context.Context) (int, error)
}

// bookkeepingTimeout bounds queue calls made after the worker context is canceled.
const bookkeepingTimeout = 5 * time.Second

type AttemptScorer interface {
	ScoreAttempt(ctx context.Context, attemptID int64) (domain.ScoreResult, error)
}

type RankingGenerator interface {
	GenerateRanking(ctx context.Context, examID int64) (domain.RankingResult, error)
}

// Options tunes concurrency and the retry policy.
type Options struct {
	Concurrency   int
	MaxAttempts   int
	Backoff       time.Duration
	MaxBackoff    time.Duration
	ConflictDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Minute
	}
	if o.ConflictDelay <= 0 {
		o.ConflictDelay = 100 * time.Millisecond
	}
	return o
}

// Pool runs scoring and ranking jobs. Expected outcomes (not found, already finished)
// complete the job; errors are retried with exponential backoff and buried after MaxAttempts.
type Pool struct {
	queue   Queue
	scorer  AttemptScorer
	ranker  RankingGenerator
	metrics *metrics.Metrics
	logger  *zap.Logger
	opts    Options
}

func NewPool(queue Queue, scorer AttemptScorer, ranker RankingGenerator, m *metrics.Metrics, logger *zap.Logger, opts Options) *Pool {
	return &Pool{
		queue:   queue,
		scorer:  scorer,
		ranker:  ranker,
		metrics: m,
		logger:  logger.Named("worker"),
		opts:    opts.withDefaults(),
	}
}

// Run consumes jobs until ctx is canceled.
func (p *Pool) Run(ctx context.Context) error {
	if r, ok := p.queue.(inFlightRecoverer); ok {
		n, err := r.RequeueInFlight(ctx)
		if err != nil {
			return fmt.Errorf("requeue in-flight jobs: %w", err)
		}
		if n > 0 {
			p.logger.Warn("requeued jobs left in flight", zap.Int("jobs", n))
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		id := i
		g.Go(func() error {
			return p.loop(ctx, id)
		})
	}
	p.logger.Info("worker pool started", zap.Int("concurrency", p.opts.Concurrency))
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) error {
	logger := p.logger.With(zap.Int("worker", id))
	for {
		job, err := p.queue.Dequeue(ctx)
		if ctx.Err() != nil {
			if err == nil {
				p.release(ctx, logger, job)
			}
			return nil
		}
		if errors.Is(err, domain.ErrNoJob) {
			continue
		}
		if err != nil {
			logger.Warn("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.opts.Backoff):
			}
			continue
		}
		if err := p.Handle(ctx, job); err != nil {
			logger.Error("job bookkeeping failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

func (p *Pool) release(ctx context.Context, logger *zap.Logger, job domain.Job) {
	bctx, cancel := bookkeepingContext(ctx)
	defer cancel()
	if err := p.queue.Release(bctx, job); err != nil {
		logger.Error("release job on shutdown failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	logger.Info("released job on shutdown", zap.String("job_id", job.ID))
}

// bookkeepingContext outlives cancellation of ctx so a job is never dropped mid-shutdown.
func bookkeepingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}

// Handle runs one job and applies the retry policy. The returned error only reports
// failures to ack, release, retry or bury the job.
func (p *Pool) Handle(ctx context.Context, job domain.Job) error {
	logger := p.logger.With(
		zap.String("job_id", job.ID),
		zap.String("job", job.Name),
		zap.Int64("target", job.Target),
		zap.Int("attempt", job.Attempts+1),
	)

	start := time.Now()
	outcome, status, err := p.dispatch(ctx, job)
	elapsed := time.Since(start)
	if p.metrics != nil {
		p.metrics.ObserveJob(job.Name, outcome, elapsed)
	}

	bctx, cancel := bookkeepingContext(ctx)
	defer cancel()

	if err == nil {
		logger.Info("job done", zap.String("outcome", outcome), zap.String("status", status), zap.Duration("elapsed", elapsed))
		return p.queue.Ack(bctx, job)
	}

	if ctx.Err() != nil {
		logger.Warn("job interrupted, releasing", zap.Error(err))
		return p.queue.Release(bctx, job)
	}
	if errors.Is(err, domain.ErrUnknownJob) {
		logger.Error("burying unknown job", zap.Error(err))
		return p.queue.Bury(bctx, job, err.Error())
	}
	if job.Attempts+1 >= p.opts.MaxAttempts {
		logger.Error("job failed permanently", zap.Error(err))
		return p.queue.Bury(bctx, job, err.Error())
	}

	delay := p.retryDelay(job.Attempts)
	var retryErr *domain.RetryError
	if errors.As(err, &retryErr) {
		delay = p.opts.ConflictDelay
	}
	logger.Warn("job failed, retrying", zap.Error(err), zap.Duration("delay", delay))
	return p.queue.Retry(bctx, job, delay)
}

func (p *Pool) dispatch(ctx context.Context, job domain.Job) (outcome, status string, err error) {
	switch job.Name {
	case domain.JobScoreAttempt:
		res, err := p.scorer.ScoreAttempt(ctx, job.Target)
		if err != nil {
			return "error", "", err
		}
		return string(res.Status), res.String(), nil
	case domain.JobGenerateRanking:
		res, err := p.ranker.GenerateRanking(ctx, job.Target)
		if err != nil {
			var retryErr *domain.RetryError
			if errors.As(err, &retryErr) {
				return "conflict", "", err
			}
			return "error", "", err
		}
		if p.metrics != nil && res.Status == domain.RankingStatusRanked {
			p.metrics.SetRankingRows(strconv.FormatInt(res.ExamID, 10), res.Rows)
		}
		return string(res.Status), res.String(), nil
	default:
		return "unknown", "", fmt.Errorf("%w: %s", domain.ErrUnknownJob, job.Name)
	}
}

// retryDelay is the exponential delay before retry number attempts+1, capped at MaxBackoff.
func (p *Pool) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.Backoff
	b.MaxInterval = p.opts.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
