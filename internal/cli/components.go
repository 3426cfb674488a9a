package cli

import (
	"context"
	"fmt"
	"time"

	"exam-scoring-service/internal/app"
	"exam-scoring-service/internal/config"
	"exam-scoring-service/internal/domain"
	"exam-scoring-service/internal/infra/memory"
	pgstore "exam-scoring-service/internal/infra/postgres"
	redisinfra "exam-scoring-service/internal/infra/redis"
	"exam-scoring-service/internal/logging"
	"exam-scoring-service/internal/metrics"
	"exam-scoring-service/internal/worker"
	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// components holds the wired service. Postgres and Redis are optional; without them
// everything runs in memory against a small demo exam.
type components struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	queue    worker.Queue
	scorer   *app.Scorer
	ranker   *app.Ranker
	service  *app.AttemptService
	closers  []func()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.File)
}

func buildComponents(ctx context.Context, cfg config.Config) (*components, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	c := &components{cfg: cfg, logger: logger}
	c.closers = append(c.closers, func() { _ = logger.Sync() })

	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.metrics = metrics.New(c.registry)

	var (
		store    app.Store
		rankings app.RankingStore
	)
	if cfg.Postgres.URL != "" {
		if err := runMigrations(ctx, cfg, logger); err != nil {
			c.Close()
			return nil, err
		}
		pool, err := connectPostgres(ctx, cfg.Postgres.URL)
		if err != nil {
			c.Close()
			return nil, err
		}
		db := openBun(cfg.Postgres.URL)
		c.closers = append(c.closers, pool.Close, func() { _ = db.Close() })
		store = pgstore.NewAttemptStore(pool)
		rankings = pgstore.NewRankingStore(db)
		logger.Info("using postgres store")
	} else {
		mem := memory.NewStore()
		seedDemoExam(mem)
		store, rankings = mem, mem
		logger.Info("using in-memory store with demo exam")
	}

	pollTimeout := config.Duration(cfg.Worker.PollTimeout, time.Second)
	var locker app.ExamLocker
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.closers = append(c.closers, func() { _ = client.Close() })
		if err := pingRedis(ctx, client); err != nil {
			c.Close()
			return nil, err
		}
		c.queue = redisinfra.NewJobQueue(client, cfg.Redis.Prefix, pollTimeout)
		locker = redisinfra.NewExamLocker(client, config.Duration(cfg.Worker.LockTTL, 30*time.Second))
		logger.Info("using redis job queue", zap.String("addr", cfg.Redis.Addr))
	} else {
		queue := memory.NewJobQueue(1024, pollTimeout)
		c.closers = append(c.closers, queue.Close)
		c.queue = queue
		locker = memory.NewExamLocker()
		logger.Info("using in-memory job queue")
	}

	c.scorer = app.NewScorer(store, store, store, c.queue)
	c.ranker = app.NewRanker(store, store, rankings, locker)
	c.service = app.NewAttemptService(store, rankings, c.queue)
	return c, nil
}

func (c *components) workerPool() *worker.Pool {
	return worker.NewPool(c.queue, c.scorer, c.ranker, c.metrics, c.logger, worker.Options{
		Concurrency:   config.IntOr(c.cfg.Worker.Concurrency, 4),
		MaxAttempts:   config.IntOr(c.cfg.Worker.MaxAttempts, 5),
		Backoff:       config.Duration(c.cfg.Worker.Backoff, time.Second),
		MaxBackoff:    config.Duration(c.cfg.Worker.MaxBackoff, time.Minute),
		ConflictDelay: config.Duration(c.cfg.Worker.ConflictDelay, 100*time.Millisecond),
	})
}

// Close releases connections in reverse order of creation.
func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func connectPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	connect := func() error {
		p, err := pgxpool.Connect(ctx, url)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}
	if err := backoff.Retry(connect, startupBackoff(ctx)); err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

func pingRedis(ctx context.Context, client *redis.Client) error {
	ping := func() error { return client.Ping(ctx).Err() }
	if err := backoff.Retry(ping, startupBackoff(ctx)); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	return nil
}

func startupBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 15 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, 6), ctx)
}

// seedDemoExam provides a minimal exam for in-memory mode.
func seedDemoExam(store *memory.Store) {
	exam := store.AddExam(domain.Exam{ID: 1, Name: "Demo exam"})
	store.AddQuestion(exam.ID, domain.Question{ID: 101, Text: "What is 2 + 2?"},
		domain.Choice{ID: 1001, Text: "3"},
		domain.Choice{ID: 1002, Text: "4", IsCorrect: true},
		domain.Choice{ID: 1003, Text: "5"},
	)
	store.AddQuestion(exam.ID, domain.Question{ID: 102, Text: "Which keyword starts a goroutine?"},
		domain.Choice{ID: 1004, Text: "go", IsCorrect: true},
		domain.Choice{ID: 1005, Text: "async"},
	)
}
