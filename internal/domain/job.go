package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	// JobScoreAttempt carries an attempt id.
	JobScoreAttempt = "score_attempt"
	// JobGenerateRanking carries an exam id.
	JobGenerateRanking = "generate_ranking"
)

// Job is a unit of background work. Delivery is at-least-once.
type Job struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Target     int64     `json:"target"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// NewJob builds a fresh job with a random id.
func NewJob(name string, target int64) Job {
	return Job{
		ID:         uuid.NewString(),
		Name:       name,
		Target:     target,
		EnqueuedAt: time.Now().UTC(),
	}
}
