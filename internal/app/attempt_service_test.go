package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"exam-scoring-service/internal/app"
	"exam-scoring-service/internal/domain"
	"exam-scoring-service/internal/infra/memory"
)

func TestEnrollSubmitFinishScore(t *testing.T) {
	ctx := context.Background()
	store, queue := memory.NewStore(), newQueue()
	exam := store.AddExam(domain.Exam{Name: "flow"})
	q1, c1 := store.AddQuestion(exam.ID, domain.Question{Text: "q1"}, domain.Choice{Text: "yes", IsCorrect: true}, domain.Choice{Text: "no"})
	q2, c2 := store.AddQuestion(exam.ID, domain.Question{Text: "q2"}, domain.Choice{Text: "yes", IsCorrect: true}, domain.Choice{Text: "no"})
	service := app.NewAttemptService(store, store, queue)

	attempt, err := service.Enroll(ctx, exam.ID, 42)
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if _, err := service.SubmitAnswer(ctx, attempt.ID, q1.ID, c1[1].ID); err != nil {
		t.Fatalf("submit q1: %v", err)
	}
	// changing the answer replaces it
	if _, err := service.SubmitAnswer(ctx, attempt.ID, q1.ID, c1[0].ID); err != nil {
		t.Fatalf("resubmit q1: %v", err)
	}
	if _, err := service.SubmitAnswer(ctx, attempt.ID, q2.ID, c2[1].ID); err != nil {
		t.Fatalf("submit q2: %v", err)
	}
	answers, _ := store.ListAnswers(ctx, attempt.ID)
	if len(answers) != 2 {
		t.Fatalf("expected one answer per question, got %d", len(answers))
	}

	job, err := service.Finish(ctx, attempt.ID)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if job.Name != domain.JobScoreAttempt || job.Target != attempt.ID || job.ID == "" {
		t.Fatalf("unexpected job %+v", job)
	}

	progress, _ := service.Progress(ctx, attempt.ID)
	if progress.Finished() {
		t.Fatalf("expected attempt still in progress before scoring")
	}

	res, err := app.NewScorer(store, store, store, queue).ScoreAttempt(ctx, expectJob(t, queue).Target)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if res.Score != 50 {
		t.Fatalf("expected 50, got %v", res.Score)
	}

	if _, err := service.SubmitAnswer(ctx, attempt.ID, q2.ID, c2[0].ID); !errors.Is(err, domain.ErrAttemptFinished) {
		t.Fatalf("expected finished error, got %v", err)
	}
	if _, err := service.Finish(ctx, attempt.ID); !errors.Is(err, domain.ErrAttemptFinished) {
		t.Fatalf("expected finished error, got %v", err)
	}
}

func TestSubmitAnswerValidation(t *testing.T) {
	ctx := context.Background()
	store, queue := memory.NewStore(), newQueue()
	exam := store.AddExam(domain.Exam{Name: "validation"})
	other := store.AddExam(domain.Exam{Name: "other"})
	q1, c1 := store.AddQuestion(exam.ID, domain.Question{Text: "q1"}, domain.Choice{Text: "a", IsCorrect: true})
	_, c2 := store.AddQuestion(exam.ID, domain.Question{Text: "q2"}, domain.Choice{Text: "b", IsCorrect: true})
	foreign, foreignChoices := store.AddQuestion(other.ID, domain.Question{Text: "elsewhere"}, domain.Choice{Text: "c"})
	service := app.NewAttemptService(store, store, queue)

	attempt, _ := service.Enroll(ctx, exam.ID, 1)

	tests := []struct {
		name       string
		attemptID  int64
		questionID int64
		choiceID   int64
		want       error
	}{
		{"unknown attempt", 999, q1.ID, c1[0].ID, domain.ErrAttemptNotFound},
		{"question from another exam", attempt.ID, foreign.ID, foreignChoices[0].ID, domain.ErrQuestionNotFound},
		{"unknown choice", attempt.ID, q1.ID, 999, domain.ErrChoiceNotFound},
		{"choice of another question", attempt.ID, q1.ID, c2[0].ID, domain.ErrChoiceMismatch},
	}
	for _, tc := range tests {
		if _, err := service.SubmitAnswer(ctx, tc.attemptID, tc.questionID, tc.choiceID); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestEnrollUnknownExam(t *testing.T) {
	store, queue := memory.NewStore(), newQueue()
	service := app.NewAttemptService(store, store, queue)
	if _, err := service.Enroll(context.Background(), 77, 1); !errors.Is(err, domain.ErrExamNotFound) {
		t.Fatalf("expected exam not found, got %v", err)
	}
}

func TestRankingListsByPosition(t *testing.T) {
	ctx := context.Background()
	store, queue := memory.NewStore(), newQueue()
	exam := store.AddExam(domain.Exam{Name: "board"})
	finishedAttempt(store, exam.ID, 1, 40, fixedNow)
	finishedAttempt(store, exam.ID, 2, 80, fixedNow)
	if _, err := app.NewRanker(store, store, store, memory.NewExamLocker()).GenerateRanking(ctx, exam.ID); err != nil {
		t.Fatalf("rank: %v", err)
	}

	service := app.NewAttemptService(store, store, queue)
	entries, err := service.Ranking(ctx, exam.ID)
	if err != nil {
		t.Fatalf("ranking: %v", err)
	}
	if len(entries) != 2 || entries[0].ParticipantID != 2 || entries[0].Position != 1 {
		t.Fatalf("unexpected ranking %+v", entries)
	}
	if _, err := service.Ranking(ctx, 12345); !errors.Is(err, domain.ErrExamNotFound) {
		t.Fatalf("expected exam not found, got %v", err)
	}
}

func TestRankingSharedReadSurvivesCallerCancellation(t *testing.T) {
	store := memory.NewStore()
	exam := store.AddExam(domain.Exam{Name: "shared"})
	rankings := newHeldRankings(domain.RankingEntry{ExamID: exam.ID, AttemptID: 1, ParticipantID: 1, Score: 90, Position: 1})
	service := app.NewAttemptService(store, rankings, newQueue())

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := service.Ranking(ctx, exam.ID)
		errs <- err
	}()
	<-rankings.entered
	cancel()
	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled caller to return context.Canceled, got %v", err)
	}

	rows := make(chan []domain.RankingEntry, 1)
	go func() {
		entries, err := service.Ranking(context.Background(), exam.ID)
		if err != nil {
			t.Errorf("second reader: %v", err)
		}
		rows <- entries
	}()
	close(rankings.release)

	if got := <-rows; len(got) != 1 || got[0].Score != 90 {
		t.Fatalf("expected ranking for second reader, got %+v", got)
	}
	if err := rankings.queryErr(); err != nil {
		t.Fatalf("shared query saw a canceled context: %v", err)
	}
}

func TestRankingReturnsCallerOwnedRows(t *testing.T) {
	store := memory.NewStore()
	exam := store.AddExam(domain.Exam{Name: "copies"})
	rankings := newHeldRankings(domain.RankingEntry{ExamID: exam.ID, AttemptID: 1, ParticipantID: 1, Score: 90, Position: 1})
	close(rankings.release)
	service := app.NewAttemptService(store, rankings, newQueue())

	first, err := service.Ranking(context.Background(), exam.ID)
	if err != nil {
		t.Fatalf("ranking: %v", err)
	}
	first[0].Score = -1

	second, err := service.Ranking(context.Background(), exam.ID)
	if err != nil {
		t.Fatalf("ranking: %v", err)
	}
	if second[0].Score != 90 {
		t.Fatalf("expected rows unaffected by another caller, got %+v", second)
	}
}

// heldRankings serves the same backing slice on every read and holds reads until release is closed.
type heldRankings struct {
	rows    []domain.RankingEntry
	entered chan struct{}
	release chan struct{}

	mu     sync.Mutex
	ctxErr error
}

func newHeldRankings(rows ...domain.RankingEntry) *heldRankings {
	return &heldRankings{rows: rows, entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (r *heldRankings) ReplaceRankings(context.Context, int64, []domain.RankingEntry) error {
	return nil
}

func (r *heldRankings) ListRankings(ctx context.Context, _ int64) ([]domain.RankingEntry, error) {
	select {
	case r.entered <- struct{}{}:
	default:
	}
	<-r.release
	r.mu.Lock()
	if err := ctx.Err(); err != nil {
		r.ctxErr = err
	}
	r.mu.Unlock()
	return r.rows, ctx.Err()
}

func (r *heldRankings) queryErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctxErr
}
