package app

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"exam-scoring-service/internal/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RankingStore materializes an exam's leaderboard.
type RankingStore interface {
	// ReplaceRankings deletes every ranking row of the exam and inserts entries as one unit of work.
	ReplaceRankings(ctx context.Context, examID int64, entries []domain.RankingEntry) error
	ListRankings(ctx context.Context, examID int64) ([]domain.RankingEntry, error)
}

// ExamLocker serializes ranking runs per exam.
type ExamLocker interface {
	Lock(ctx context.Context, examID int64) (unlock func(), err error)
}

// Ranker rebuilds an exam's leaderboard from its finished attempts.
type Ranker struct {
	exams    ExamStore
	attempts AttemptStore
	rankings RankingStore
	locker   ExamLocker
}

func NewRanker(exams ExamStore, attempts AttemptStore, rankings RankingStore, locker ExamLocker) *Ranker {
	return &Ranker{exams: exams, attempts: attempts, rankings: rankings, locker: locker}
}

// GenerateRanking replaces the exam's ranking rows with positions 1..N over its finished attempts.
func (r *Ranker) GenerateRanking(ctx context.Context, examID int64) (result domain.RankingResult, err error) {
	ctx, span := tracer.Start(ctx, "Ranker.GenerateRanking")
	span.SetAttributes(attribute.Int64("exam.id", examID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("ranking.rows", result.Rows))
		span.End()
	}()

	result = domain.RankingResult{ExamID: examID}

	if _, err := r.exams.GetExam(ctx, examID); err != nil {
		if errors.Is(err, domain.ErrExamNotFound) {
			result.Status = domain.RankingStatusNotFound
			return result, nil
		}
		return result, fmt.Errorf("get exam %d: %w", examID, err)
	}

	unlock, err := r.locker.Lock(ctx, examID)
	if err != nil {
		return result, fmt.Errorf("lock exam %d: %w", examID, err)
	}
	defer unlock()

	attempts, err := r.attempts.ListFinishedAttempts(ctx, examID)
	if err != nil {
		return result, fmt.Errorf("list finished attempts for exam %d: %w", examID, err)
	}

	entries := RankAttempts(examID, attempts)
	if err := r.rankings.ReplaceRankings(ctx, examID, entries); err != nil {
		if errors.Is(err, domain.ErrRankingConflict) {
			return result, &domain.RetryError{Err: fmt.Errorf("replace rankings for exam %d: %w", examID, err)}
		}
		return result, fmt.Errorf("replace rankings for exam %d: %w", examID, err)
	}

	result.Status = domain.RankingStatusRanked
	result.Rows = len(entries)
	return result, nil
}

// RankAttempts orders finished attempts by score desc, then finish time asc, then attempt id,
// and assigns contiguous positions starting at 1. Unfinished attempts are skipped.
func RankAttempts(examID int64, attempts []domain.Attempt) []domain.RankingEntry {
	finished := make([]domain.Attempt, 0, len(attempts))
	for _, attempt := range attempts {
		if attempt.Finished() {
			finished = append(finished, attempt)
		}
	}

	sort.SliceStable(finished, func(i, j int) bool {
		a, b := finished[i], finished[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.FinishedAt.Equal(*b.FinishedAt) {
			return a.FinishedAt.Before(*b.FinishedAt)
		}
		return a.ID < b.ID
	})

	entries := make([]domain.RankingEntry, 0, len(finished))
	for i, attempt := range finished {
		entries = append(entries, domain.RankingEntry{
			ExamID:        examID,
			AttemptID:     attempt.ID,
			ParticipantID: attempt.ParticipantID,
			Score:         attempt.Score,
			Position:      i + 1,
		})
	}
	return entries
}
