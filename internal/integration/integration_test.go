package integration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"exam-scoring-service/internal/app"
	"exam-scoring-service/internal/domain"
	pgstore "exam-scoring-service/internal/infra/postgres"
	pgmigrations "exam-scoring-service/internal/infra/postgres/migrations"
	infraredis "exam-scoring-service/internal/infra/redis"
	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"
)

func TestScoringAndRankingEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	db := migrateDB(t, ctx, pgURL)
	defer db.Close()
	examID, questionIDs, correctChoices, wrongChoices := seedExam(t, ctx, db)

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	store := pgstore.NewAttemptStore(pool)
	rankings := pgstore.NewRankingStore(db)
	queue := infraredis.NewJobQueue(redisClient, "it-jobs", time.Second)
	locker := infraredis.NewExamLocker(redisClient, 30*time.Second)

	service := app.NewAttemptService(store, rankings, queue)
	scorer := app.NewScorer(store, store, store, queue)
	ranker := app.NewRanker(store, store, rankings, locker)

	// participant 1 answers 3 of 4 correctly, participant 2 answers all 4, participant 3 answers 3 of 4
	plans := map[int64]int{1: 3, 2: 4, 3: 3}
	order := []int64{1, 2, 3}
	attemptIDs := make(map[int64]int64)
	var rankingJobs []domain.Job
	for _, participant := range order {
		attempt, err := service.Enroll(ctx, examID, participant)
		if err != nil {
			t.Fatalf("enroll: %v", err)
		}
		attemptIDs[participant] = attempt.ID
		for i, questionID := range questionIDs {
			choice := wrongChoices[i]
			if i < plans[participant] {
				choice = correctChoices[i]
			}
			if _, err := service.SubmitAnswer(ctx, attempt.ID, questionID, choice); err != nil {
				t.Fatalf("submit: %v", err)
			}
		}
		if _, err := service.Finish(ctx, attempt.ID); err != nil {
			t.Fatalf("finish: %v", err)
		}

		job := nextJob(t, ctx, queue, domain.JobScoreAttempt, &rankingJobs)
		res, err := scorer.ScoreAttempt(ctx, job.Target)
		if err != nil {
			t.Fatalf("score: %v", err)
		}
		if want := float64(plans[participant]) / 4 * 100; res.Score != want {
			t.Fatalf("participant %d: expected %v, got %v", participant, want, res.Score)
		}
		if err := queue.Ack(ctx, job); err != nil {
			t.Fatalf("ack: %v", err)
		}
		// finish times must differ for a deterministic tie-break
		time.Sleep(10 * time.Millisecond)
	}

	// duplicate delivery is a no-op
	res, err := scorer.ScoreAttempt(ctx, attemptIDs[1])
	if err != nil || res.Status != domain.ScoreStatusAlreadyFinished {
		t.Fatalf("expected already_finished, got %+v err=%v", res, err)
	}

	// run every queued ranking job concurrently
	for {
		job, err := queue.Dequeue(ctx)
		if err != nil {
			break
		}
		rankingJobs = append(rankingJobs, job)
	}
	if len(rankingJobs) != len(order) {
		t.Fatalf("expected %d ranking jobs, got %d", len(order), len(rankingJobs))
	}
	var wg sync.WaitGroup
	for _, job := range rankingJobs {
		wg.Add(1)
		go func(job domain.Job) {
			defer wg.Done()
			if _, err := ranker.GenerateRanking(ctx, job.Target); err != nil {
				t.Errorf("rank: %v", err)
				return
			}
			if err := queue.Ack(ctx, job); err != nil {
				t.Errorf("ack: %v", err)
			}
		}(job)
	}
	wg.Wait()

	entries, err := service.Ranking(ctx, examID)
	if err != nil {
		t.Fatalf("ranking: %v", err)
	}
	if inFlight, err := queue.InFlight(ctx); err != nil || len(inFlight) != 0 {
		t.Fatalf("expected no jobs left in flight, got %+v err=%v", inFlight, err)
	}
	want := []int64{2, 1, 3}
	if len(entries) != len(want) {
		t.Fatalf("expected %d rows, got %+v", len(want), entries)
	}
	for i, entry := range entries {
		if entry.ParticipantID != want[i] || entry.Position != i+1 {
			t.Fatalf("position %d: expected participant %d, got %+v", i+1, want[i], entry)
		}
	}
}

// nextJob dequeues until a job with the given name shows up, setting other jobs aside.
func nextJob(t *testing.T, ctx context.Context, queue *infraredis.JobQueue, name string, aside *[]domain.Job) domain.Job {
	t.Helper()
	for {
		job, err := queue.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue %s: %v", name, err)
		}
		if job.Name == name {
			return job
		}
		*aside = append(*aside, job)
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "exam", "POSTGRES_PASSWORD": "exampass", "POSTGRES_DB": "examdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://exam:exampass@%s:%s/examdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func migrateDB(t *testing.T, ctx context.Context, dsn string) *bun.DB {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// seedExam inserts an exam with four questions, each with one correct and one wrong choice.
func seedExam(t *testing.T, ctx context.Context, db *bun.DB) (int64, []int64, []int64, []int64) {
	t.Helper()
	var examID int64
	if err := db.QueryRowContext(ctx, `INSERT INTO exams (name) VALUES (?) RETURNING id`, "Prova 1").Scan(&examID); err != nil {
		t.Fatalf("insert exam: %v", err)
	}

	var questions, correct, wrong []int64
	for i := 0; i < 4; i++ {
		var questionID, right, bad int64
		if err := db.QueryRowContext(ctx, `INSERT INTO questions (text) VALUES (?) RETURNING id`, fmt.Sprintf("question %d", i+1)).Scan(&questionID); err != nil {
			t.Fatalf("insert question: %v", err)
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO exam_questions (exam_id, question_id) VALUES (?, ?)`, examID, questionID); err != nil {
			t.Fatalf("link question: %v", err)
		}
		if err := db.QueryRowContext(ctx, `INSERT INTO choices (question_id, text, is_correct) VALUES (?, 'right', true) RETURNING id`, questionID).Scan(&right); err != nil {
			t.Fatalf("insert choice: %v", err)
		}
		if err := db.QueryRowContext(ctx, `INSERT INTO choices (question_id, text, is_correct) VALUES (?, 'wrong', false) RETURNING id`, questionID).Scan(&bad); err != nil {
			t.Fatalf("insert choice: %v", err)
		}
		questions = append(questions, questionID)
		correct = append(correct, right)
		wrong = append(wrong, bad)
	}
	return examID, questions, correct, wrong
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
