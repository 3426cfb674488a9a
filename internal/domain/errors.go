package domain

import "errors"

var (
	// ErrAttemptNotFound is returned when no attempt exists for an id.
	ErrAttemptNotFound = errors.New("attempt not found")
	// ErrExamNotFound is returned when no exam exists for an id.
	ErrExamNotFound = errors.New("exam not found")
	// ErrQuestionNotFound indicates the question is unknown or not part of the attempt's exam.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrChoiceNotFound indicates a submitted choice ID is invalid.
	ErrChoiceNotFound = errors.New("choice not found")
	// ErrChoiceMismatch indicates the choice belongs to a different question.
	ErrChoiceMismatch = errors.New("choice does not belong to question")
	// ErrAttemptFinished is returned when mutating an attempt that was already scored.
	ErrAttemptFinished = errors.New("attempt already finished")
	// ErrRankingConflict is returned when a concurrent writer produced conflicting ranking rows.
	ErrRankingConflict = errors.New("concurrent ranking conflict")
	// ErrNoJob is returned by a queue when nothing became ready within the poll timeout.
	ErrNoJob = errors.New("no job available")
	// ErrUnknownJob is returned for job names no handler is registered for.
	ErrUnknownJob = errors.New("unknown job")
)

// RetryError asks the job queue to run the job again soon.
type RetryError struct {
	Err error
}

func (e *RetryError) Error() string {
	return "retry: " + e.Err.Error()
}

func (e *RetryError) Unwrap() error {
	return e.Err
}
