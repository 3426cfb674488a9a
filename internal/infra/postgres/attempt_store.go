package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"exam-scoring-service/internal/domain"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const foreignKeyViolation = "23503"

// AttemptStore reads and updates attempts, answers and exam reference data in Postgres.
type AttemptStore struct {
	pool *pgxpool.Pool
}

func NewAttemptStore(pool *pgxpool.Pool) *AttemptStore {
	return &AttemptStore{pool: pool}
}

func (s *AttemptStore) GetExam(ctx context.Context, examID int64) (domain.Exam, error) {
	var exam domain.Exam
	err := s.pool.QueryRow(ctx, `SELECT id, name, created_at FROM exams WHERE id=$1`, examID).
		Scan(&exam.ID, &exam.Name, &exam.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Exam{}, domain.ErrExamNotFound
	}
	if err != nil {
		return domain.Exam{}, fmt.Errorf("load exam: %w", err)
	}
	return exam, nil
}

func (s *AttemptStore) CountQuestions(ctx context.Context, examID int64) (int, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM exam_questions WHERE exam_id=$1`, examID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count questions: %w", err)
	}
	return int(count), nil
}

func (s *AttemptStore) ExamHasQuestion(ctx context.Context, examID, questionID int64) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM exam_questions WHERE exam_id=$1 AND question_id=$2)`,
		examID, questionID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check exam question: %w", err)
	}
	return ok, nil
}

func (s *AttemptStore) GetChoice(ctx context.Context, choiceID int64) (domain.Choice, error) {
	var choice domain.Choice
	err := s.pool.QueryRow(ctx, `SELECT id, question_id, text, is_correct FROM choices WHERE id=$1`, choiceID).
		Scan(&choice.ID, &choice.QuestionID, &choice.Text, &choice.IsCorrect)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Choice{}, domain.ErrChoiceNotFound
	}
	if err != nil {
		return domain.Choice{}, fmt.Errorf("load choice: %w", err)
	}
	return choice, nil
}

func (s *AttemptStore) GetAttempt(ctx context.Context, attemptID int64) (domain.Attempt, error) {
	var attempt domain.Attempt
	err := s.pool.QueryRow(ctx,
		`SELECT id, exam_id, participant_id, started_at, finished_at, score FROM attempts WHERE id=$1`,
		attemptID).Scan(&attempt.ID, &attempt.ExamID, &attempt.ParticipantID, &attempt.StartedAt, &attempt.FinishedAt, &attempt.Score)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("load attempt: %w", err)
	}
	return attempt, nil
}

func (s *AttemptStore) CreateAttempt(ctx context.Context, examID, participantID int64, startedAt time.Time) (domain.Attempt, error) {
	attempt := domain.Attempt{ExamID: examID, ParticipantID: participantID, StartedAt: startedAt}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO attempts (exam_id, participant_id, started_at) VALUES ($1, $2, $3) RETURNING id`,
		examID, participantID, startedAt).Scan(&attempt.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return domain.Attempt{}, domain.ErrExamNotFound
		}
		return domain.Attempt{}, fmt.Errorf("insert attempt: %w", err)
	}
	return attempt, nil
}

// MarkScored is guarded by finished_at IS NULL so only one run can finish an attempt.
func (s *AttemptStore) MarkScored(ctx context.Context, attemptID int64, score float64, finishedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE attempts SET score=$2, finished_at=$3 WHERE id=$1 AND finished_at IS NULL`,
		attemptID, score, finishedAt)
	if err != nil {
		return false, fmt.Errorf("update attempt: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetAttempt(ctx, attemptID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *AttemptStore) ListFinishedAttempts(ctx context.Context, examID int64) ([]domain.Attempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, exam_id, participant_id, started_at, finished_at, score
		 FROM attempts
		 WHERE exam_id=$1 AND finished_at IS NOT NULL
		 ORDER BY score DESC, finished_at ASC, id ASC`, examID)
	if err != nil {
		return nil, fmt.Errorf("query finished attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]domain.Attempt, 0)
	for rows.Next() {
		var attempt domain.Attempt
		if err := rows.Scan(&attempt.ID, &attempt.ExamID, &attempt.ParticipantID, &attempt.StartedAt, &attempt.FinishedAt, &attempt.Score); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

// ListAnswers joins each answer with its selected choice.
func (s *AttemptStore) ListAnswers(ctx context.Context, attemptID int64) ([]domain.SubmittedAnswer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT a.id, a.attempt_id, a.question_id, a.choice_id, c.question_id, c.is_correct, a.answered_at
		 FROM answers a
		 JOIN choices c ON c.id = a.choice_id
		 WHERE a.attempt_id=$1
		 ORDER BY a.id`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query answers: %w", err)
	}
	defer rows.Close()

	answers := make([]domain.SubmittedAnswer, 0)
	for rows.Next() {
		var answer domain.SubmittedAnswer
		if err := rows.Scan(&answer.ID, &answer.AttemptID, &answer.QuestionID, &answer.ChoiceID,
			&answer.ChoiceQuestionID, &answer.IsCorrect, &answer.AnsweredAt); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		answers = append(answers, answer)
	}
	return answers, rows.Err()
}

// UpsertAnswer only writes while the attempt is unfinished.
func (s *AttemptStore) UpsertAnswer(ctx context.Context, answer domain.SubmittedAnswer) (domain.SubmittedAnswer, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO answers (attempt_id, question_id, choice_id, answered_at)
		 SELECT id, $2, $3, $4 FROM attempts WHERE id=$1 AND finished_at IS NULL
		 ON CONFLICT (attempt_id, question_id)
		 DO UPDATE SET choice_id=EXCLUDED.choice_id, answered_at=EXCLUDED.answered_at
		 RETURNING id`,
		answer.AttemptID, answer.QuestionID, answer.ChoiceID, answer.AnsweredAt).Scan(&answer.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SubmittedAnswer{}, domain.ErrAttemptFinished
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return domain.SubmittedAnswer{}, domain.ErrChoiceMismatch
		}
		return domain.SubmittedAnswer{}, fmt.Errorf("upsert answer: %w", err)
	}
	return answer, nil
}
