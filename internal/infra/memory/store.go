package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"exam-scoring-service/internal/domain"
)

// Store is an in-memory implementation of the app stores (attempts, answers, exams, rankings).
type Store struct {
	mu            sync.RWMutex
	nextID        int64
	exams         map[int64]domain.Exam
	examQuestions map[int64]map[int64]struct{}
	questions     map[int64]domain.Question
	choices       map[int64]domain.Choice
	attempts      map[int64]domain.Attempt
	answers       map[int64]map[int64]domain.SubmittedAnswer // attempt -> question -> answer
	rankings      map[int64][]domain.RankingEntry
}

func NewStore() *Store {
	return &Store{
		exams:         make(map[int64]domain.Exam),
		examQuestions: make(map[int64]map[int64]struct{}),
		questions:     make(map[int64]domain.Question),
		choices:       make(map[int64]domain.Choice),
		attempts:      make(map[int64]domain.Attempt),
		answers:       make(map[int64]map[int64]domain.SubmittedAnswer),
		rankings:      make(map[int64][]domain.RankingEntry),
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// AddExam seeds an exam; a zero ID is assigned.
func (s *Store) AddExam(exam domain.Exam) domain.Exam {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exam.ID == 0 {
		exam.ID = s.id()
	}
	if exam.CreatedAt.IsZero() {
		exam.CreatedAt = time.Now().UTC()
	}
	s.exams[exam.ID] = exam
	return exam
}

// AddQuestion seeds a question with its choices and links it to the exam.
func (s *Store) AddQuestion(examID int64, question domain.Question, choices ...domain.Choice) (domain.Question, []domain.Choice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if question.ID == 0 {
		question.ID = s.id()
	}
	s.questions[question.ID] = question
	if s.examQuestions[examID] == nil {
		s.examQuestions[examID] = make(map[int64]struct{})
	}
	s.examQuestions[examID][question.ID] = struct{}{}

	stored := make([]domain.Choice, 0, len(choices))
	for _, choice := range choices {
		if choice.ID == 0 {
			choice.ID = s.id()
		}
		choice.QuestionID = question.ID
		s.choices[choice.ID] = choice
		stored = append(stored, choice)
	}
	return question, stored
}

// AddAttempt seeds an attempt as-is, finished or not.
func (s *Store) AddAttempt(attempt domain.Attempt) domain.Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	if attempt.ID == 0 {
		attempt.ID = s.id()
	}
	s.attempts[attempt.ID] = attempt
	return attempt
}

// AddAnswer stores an answer without any validation.
func (s *Store) AddAnswer(answer domain.SubmittedAnswer) domain.SubmittedAnswer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putAnswerLocked(answer)
}

func (s *Store) putAnswerLocked(answer domain.SubmittedAnswer) domain.SubmittedAnswer {
	byQuestion := s.answers[answer.AttemptID]
	if byQuestion == nil {
		byQuestion = make(map[int64]domain.SubmittedAnswer)
		s.answers[answer.AttemptID] = byQuestion
	}
	if existing, ok := byQuestion[answer.QuestionID]; ok {
		answer.ID = existing.ID
	} else if answer.ID == 0 {
		answer.ID = s.id()
	}
	byQuestion[answer.QuestionID] = answer
	return answer
}

func (s *Store) GetExam(_ context.Context, examID int64) (domain.Exam, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exam, ok := s.exams[examID]
	if !ok {
		return domain.Exam{}, domain.ErrExamNotFound
	}
	return exam, nil
}

func (s *Store) CountQuestions(_ context.Context, examID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.examQuestions[examID]), nil
}

func (s *Store) ExamHasQuestion(_ context.Context, examID, questionID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.examQuestions[examID][questionID]
	return ok, nil
}

func (s *Store) GetChoice(_ context.Context, choiceID int64) (domain.Choice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	choice, ok := s.choices[choiceID]
	if !ok {
		return domain.Choice{}, domain.ErrChoiceNotFound
	}
	return choice, nil
}

func (s *Store) GetAttempt(_ context.Context, attemptID int64) (domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempt, ok := s.attempts[attemptID]
	if !ok {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	return attempt, nil
}

func (s *Store) CreateAttempt(_ context.Context, examID, participantID int64, startedAt time.Time) (domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.exams[examID]; !ok {
		return domain.Attempt{}, domain.ErrExamNotFound
	}
	attempt := domain.Attempt{
		ID:            s.id(),
		ExamID:        examID,
		ParticipantID: participantID,
		StartedAt:     startedAt,
	}
	s.attempts[attempt.ID] = attempt
	return attempt, nil
}

func (s *Store) MarkScored(_ context.Context, attemptID int64, score float64, finishedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[attemptID]
	if !ok {
		return false, domain.ErrAttemptNotFound
	}
	if attempt.Finished() {
		return false, nil
	}
	attempt.Score = score
	attempt.FinishedAt = &finishedAt
	s.attempts[attemptID] = attempt
	return true, nil
}

func (s *Store) ListFinishedAttempts(_ context.Context, examID int64) ([]domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempts := make([]domain.Attempt, 0)
	for _, attempt := range s.attempts {
		if attempt.ExamID == examID && attempt.Finished() {
			attempts = append(attempts, attempt)
		}
	}
	return attempts, nil
}

func (s *Store) UpsertAnswer(_ context.Context, answer domain.SubmittedAnswer) (domain.SubmittedAnswer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[answer.AttemptID]
	if !ok {
		return domain.SubmittedAnswer{}, domain.ErrAttemptNotFound
	}
	if attempt.Finished() {
		return domain.SubmittedAnswer{}, domain.ErrAttemptFinished
	}
	return s.putAnswerLocked(answer), nil
}

// ListAnswers resolves each answer against the current state of its choice.
func (s *Store) ListAnswers(_ context.Context, attemptID int64) ([]domain.SubmittedAnswer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byQuestion := s.answers[attemptID]
	answers := make([]domain.SubmittedAnswer, 0, len(byQuestion))
	for _, answer := range byQuestion {
		if choice, ok := s.choices[answer.ChoiceID]; ok {
			answer.ChoiceQuestionID = choice.QuestionID
			answer.IsCorrect = choice.IsCorrect
		}
		answers = append(answers, answer)
	}
	sort.Slice(answers, func(i, j int) bool { return answers[i].ID < answers[j].ID })
	return answers, nil
}

// ReplaceRankings swaps the exam's rows in one critical section, so readers never see a partial ranking.
func (s *Store) ReplaceRankings(_ context.Context, examID int64, entries []domain.RankingEntry) error {
	positions := make(map[int]struct{}, len(entries))
	attempts := make(map[int64]struct{}, len(entries))
	for _, entry := range entries {
		if _, dup := positions[entry.Position]; dup {
			return domain.ErrRankingConflict
		}
		if _, dup := attempts[entry.AttemptID]; dup {
			return domain.ErrRankingConflict
		}
		positions[entry.Position] = struct{}{}
		attempts[entry.AttemptID] = struct{}{}
	}

	rows := make([]domain.RankingEntry, len(entries))
	copy(rows, entries)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(rows) == 0 {
		delete(s.rankings, examID)
		return nil
	}
	s.rankings[examID] = rows
	return nil
}

func (s *Store) ListRankings(_ context.Context, examID int64) ([]domain.RankingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]domain.RankingEntry, len(s.rankings[examID]))
	copy(rows, s.rankings[examID])
	sort.Slice(rows, func(i, j int) bool { return rows[i].Position < rows[j].Position })
	return rows, nil
}
