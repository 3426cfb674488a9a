package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"exam-scoring-service/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("exam-scoring-service/internal/app")

// AttemptStore reads attempts and records their score.
type AttemptStore interface {
	GetAttempt(ctx context.Context, attemptID int64) (domain.Attempt, error)
	// MarkScored sets score and finish time only while the attempt is unfinished.
	// It reports false when another run finished the attempt first.
	MarkScored(ctx context.Context, attemptID int64, score float64, finishedAt time.Time) (bool, error)
	ListFinishedAttempts(ctx context.Context, examID int64) ([]domain.Attempt, error)
}

// AnswerStore lists the answers submitted for an attempt, resolved to their choice.
type AnswerStore interface {
	ListAnswers(ctx context.Context, attemptID int64) ([]domain.SubmittedAnswer, error)
}

// ExamStore reads exam reference data.
type ExamStore interface {
	GetExam(ctx context.Context, examID int64) (domain.Exam, error)
	CountQuestions(ctx context.Context, examID int64) (int, error)
}

// JobEnqueuer hands work to the background queue without waiting for it.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job domain.Job) error
}

// Scorer turns a finished attempt's answers into a percentage score.
type Scorer struct {
	attempts AttemptStore
	answers  AnswerStore
	exams    ExamStore
	jobs     JobEnqueuer
	now      func() time.Time
}

func NewScorer(attempts AttemptStore, answers AnswerStore, exams ExamStore, jobs JobEnqueuer) *Scorer {
	return NewScorerWithClock(attempts, answers, exams, jobs, time.Now)
}

// NewScorerWithClock allows deterministic finish times in tests.
func NewScorerWithClock(attempts AttemptStore, answers AnswerStore, exams ExamStore, jobs JobEnqueuer, now func() time.Time) *Scorer {
	return &Scorer{
		attempts: attempts,
		answers:  answers,
		exams:    exams,
		jobs:     jobs,
		now:      now,
	}
}

// ScoreAttempt computes and persists the attempt's score, then enqueues a ranking run for its exam.
// Unknown and already finished attempts are reported in the result, not as errors.
func (s *Scorer) ScoreAttempt(ctx context.Context, attemptID int64) (result domain.ScoreResult, err error) {
	ctx, span := tracer.Start(ctx, "Scorer.ScoreAttempt")
	span.SetAttributes(attribute.Int64("attempt.id", attemptID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("score.status", string(result.Status)))
		span.End()
	}()

	result = domain.ScoreResult{AttemptID: attemptID}

	attempt, err := s.attempts.GetAttempt(ctx, attemptID)
	if errors.Is(err, domain.ErrAttemptNotFound) {
		result.Status = domain.ScoreStatusNotFound
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("get attempt %d: %w", attemptID, err)
	}
	if attempt.Finished() {
		result.Status = domain.ScoreStatusAlreadyFinished
		result.Score = attempt.Score
		return result, nil
	}

	answers, err := s.answers.ListAnswers(ctx, attemptID)
	if err != nil {
		return result, fmt.Errorf("list answers for attempt %d: %w", attemptID, err)
	}
	total, err := s.exams.CountQuestions(ctx, attempt.ExamID)
	if err != nil {
		return result, fmt.Errorf("count questions for exam %d: %w", attempt.ExamID, err)
	}

	result.Correct = countCorrect(answers)
	result.Total = total
	result.Score = computeScore(result.Correct, total)

	updated, err := s.attempts.MarkScored(ctx, attemptID, result.Score, s.now().UTC())
	if err != nil {
		return result, fmt.Errorf("persist score for attempt %d: %w", attemptID, err)
	}
	if !updated {
		// a duplicate delivery finished it between the read and the update
		result.Status = domain.ScoreStatusAlreadyFinished
		return result, nil
	}
	result.Status = domain.ScoreStatusScored

	if err := s.jobs.Enqueue(ctx, domain.NewJob(domain.JobGenerateRanking, attempt.ExamID)); err != nil {
		return result, fmt.Errorf("enqueue ranking for exam %d: %w", attempt.ExamID, err)
	}
	return result, nil
}

// countCorrect counts each question at most once and ignores choices that belong to another question.
func countCorrect(answers []domain.SubmittedAnswer) int {
	seen := make(map[int64]struct{}, len(answers))
	correct := 0
	for _, answer := range answers {
		if answer.ChoiceQuestionID != answer.QuestionID {
			continue
		}
		if _, dup := seen[answer.QuestionID]; dup {
			continue
		}
		seen[answer.QuestionID] = struct{}{}
		if answer.IsCorrect {
			correct++
		}
	}
	return correct
}

// computeScore returns the percentage of correct answers; an exam without questions scores 0.
func computeScore(correct, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(correct) / float64(total) * 100
}
