package app

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"exam-scoring-service/internal/domain"
	"golang.org/x/sync/singleflight"
)

// EnrollmentStore creates attempts and records submitted answers.
type EnrollmentStore interface {
	CreateAttempt(ctx context.Context, examID, participantID int64, startedAt time.Time) (domain.Attempt, error)
	ExamHasQuestion(ctx context.Context, examID, questionID int64) (bool, error)
	GetChoice(ctx context.Context, choiceID int64) (domain.Choice, error)
	// UpsertAnswer keeps at most one answer per (attempt, question).
	UpsertAnswer(ctx context.Context, answer domain.SubmittedAnswer) (domain.SubmittedAnswer, error)
}

// Store is everything the attempt use cases need from persistence.
type Store interface {
	AttemptStore
	AnswerStore
	ExamStore
	EnrollmentStore
}

// AttemptService contains the participant-facing use cases around an attempt.
type AttemptService struct {
	store    Store
	rankings RankingStore
	jobs     JobEnqueuer
	now      func() time.Time
	sf       singleflight.Group
}

func NewAttemptService(store Store, rankings RankingStore, jobs JobEnqueuer) *AttemptService {
	return &AttemptService{store: store, rankings: rankings, jobs: jobs, now: time.Now}
}

// Enroll starts a new attempt for a participant.
func (s *AttemptService) Enroll(ctx context.Context, examID, participantID int64) (domain.Attempt, error) {
	if _, err := s.store.GetExam(ctx, examID); err != nil {
		return domain.Attempt{}, err
	}
	return s.store.CreateAttempt(ctx, examID, participantID, s.now().UTC())
}

// SubmitAnswer records a participant's choice for a question, replacing any earlier choice.
// The question must belong to the attempt's exam and the choice to the question.
func (s *AttemptService) SubmitAnswer(ctx context.Context, attemptID, questionID, choiceID int64) (domain.SubmittedAnswer, error) {
	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return domain.SubmittedAnswer{}, err
	}
	if attempt.Finished() {
		return domain.SubmittedAnswer{}, domain.ErrAttemptFinished
	}

	ok, err := s.store.ExamHasQuestion(ctx, attempt.ExamID, questionID)
	if err != nil {
		return domain.SubmittedAnswer{}, err
	}
	if !ok {
		return domain.SubmittedAnswer{}, domain.ErrQuestionNotFound
	}

	choice, err := s.store.GetChoice(ctx, choiceID)
	if err != nil {
		return domain.SubmittedAnswer{}, err
	}
	if choice.QuestionID != questionID {
		return domain.SubmittedAnswer{}, domain.ErrChoiceMismatch
	}

	return s.store.UpsertAnswer(ctx, domain.SubmittedAnswer{
		AttemptID:        attemptID,
		QuestionID:       questionID,
		ChoiceID:         choiceID,
		ChoiceQuestionID: choice.QuestionID,
		IsCorrect:        choice.IsCorrect,
		AnsweredAt:       s.now().UTC(),
	})
}

// Finish hands the attempt to the scoring pipeline and returns immediately.
func (s *AttemptService) Finish(ctx context.Context, attemptID int64) (domain.Job, error) {
	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return domain.Job{}, err
	}
	if attempt.Finished() {
		return domain.Job{}, domain.ErrAttemptFinished
	}
	job := domain.NewJob(domain.JobScoreAttempt, attemptID)
	if err := s.jobs.Enqueue(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("enqueue scoring for attempt %d: %w", attemptID, err)
	}
	return job, nil
}

// Progress returns the attempt as the participant sees it; it stays unfinished until scored.
func (s *AttemptService) Progress(ctx context.Context, attemptID int64) (domain.Attempt, error) {
	return s.store.GetAttempt(ctx, attemptID)
}

// Ranking lists the exam's leaderboard by position. Concurrent reads for one exam share a query
// that is not bound to any single caller's cancellation; each caller gets its own copy.
func (s *AttemptService) Ranking(ctx context.Context, examID int64) ([]domain.RankingEntry, error) {
	shared := context.WithoutCancel(ctx)
	ch := s.sf.DoChan(strconv.FormatInt(examID, 10), func() (interface{}, error) {
		if _, err := s.store.GetExam(shared, examID); err != nil {
			return nil, err
		}
		return s.rankings.ListRankings(shared, examID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		rows := res.Val.([]domain.RankingEntry)
		out := make([]domain.RankingEntry, len(rows))
		copy(out, rows)
		return out, nil
	}
}
