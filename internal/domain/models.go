package domain

import (
	"fmt"
	"time"
)

// Exam is the unit participants enrol in and are ranked within.
type Exam struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Question belongs to one or more exams.
type Question struct {
	ID   int64  `json:"id"`
	Text string `json:"text"`
}

// Choice is a possible answer for a question. IsCorrect is the only correctness signal.
type Choice struct {
	ID         int64  `json:"id"`
	QuestionID int64  `json:"questionId"`
	Text       string `json:"text"`
	IsCorrect  bool   `json:"isCorrect"`
}

// Attempt is a participant's run through an exam. FinishedAt stays nil while in progress.
type Attempt struct {
	ID            int64      `json:"id"`
	ExamID        int64      `json:"examId"`
	ParticipantID int64      `json:"participantId"`
	StartedAt     time.Time  `json:"startedAt"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
	Score         float64    `json:"score"`
}

// Finished reports whether the attempt has been scored.
func (a Attempt) Finished() bool {
	return a.FinishedAt != nil
}

// SubmittedAnswer is the choice a participant picked for one question of an attempt.
// ChoiceQuestionID and IsCorrect are resolved from the selected choice.
type SubmittedAnswer struct {
	ID               int64     `json:"id"`
	AttemptID        int64     `json:"attemptId"`
	QuestionID       int64     `json:"questionId"`
	ChoiceID         int64     `json:"choiceId"`
	ChoiceQuestionID int64     `json:"-"`
	IsCorrect        bool      `json:"-"`
	AnsweredAt       time.Time `json:"answeredAt"`
}

// RankingEntry is one materialized leaderboard row.
type RankingEntry struct {
	ExamID        int64   `json:"examId"`
	AttemptID     int64   `json:"attemptId"`
	ParticipantID int64   `json:"participantId"`
	Score         float64 `json:"score"`
	Position      int     `json:"position"`
}

// ScoreStatus is the outcome of a scoring run.
type ScoreStatus string

const (
	ScoreStatusScored          ScoreStatus = "scored"
	ScoreStatusNotFound        ScoreStatus = "not_found"
	ScoreStatusAlreadyFinished ScoreStatus = "already_finished"
)

// ScoreResult summarizes a scoring run.
type ScoreResult struct {
	AttemptID int64       `json:"attemptId"`
	Status    ScoreStatus `json:"status"`
	Score     float64     `json:"score"`
	Correct   int         `json:"correct"`
	Total     int         `json:"total"`
}

func (r ScoreResult) String() string {
	switch r.Status {
	case ScoreStatusNotFound:
		return fmt.Sprintf("attempt %d not found", r.AttemptID)
	case ScoreStatusAlreadyFinished:
		return fmt.Sprintf("attempt %d already finished", r.AttemptID)
	default:
		return fmt.Sprintf("attempt %d scored %.2f (%d/%d correct)", r.AttemptID, r.Score, r.Correct, r.Total)
	}
}

// RankingStatus is the outcome of a ranking run.
type RankingStatus string

const (
	RankingStatusRanked   RankingStatus = "ranked"
	RankingStatusNotFound RankingStatus = "not_found"
)

// RankingResult summarizes a ranking run.
type RankingResult struct {
	ExamID int64         `json:"examId"`
	Status RankingStatus `json:"status"`
	Rows   int           `json:"rows"`
}

func (r RankingResult) String() string {
	if r.Status == RankingStatusNotFound {
		return fmt.Sprintf("exam %d not found", r.ExamID)
	}
	return fmt.Sprintf("ranking for exam %d generated with %d entries", r.ExamID, r.Rows)
}
