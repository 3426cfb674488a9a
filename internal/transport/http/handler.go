package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"exam-scoring-service/internal/app"
	"exam-scoring-service/internal/domain"
	"go.uber.org/zap"
)

// Handler exposes the attempt use cases over JSON HTTP.
type Handler struct {
	service *app.AttemptService
	logger  *zap.Logger
}

func NewHandler(service *app.AttemptService, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger.Named("http")}
}

// Register wires the routes into mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /exams/{id}/attempts", h.enroll)
	mux.HandleFunc("GET /exams/{id}/ranking", h.ranking)
	mux.HandleFunc("POST /attempts/{id}/answers", h.submitAnswer)
	mux.HandleFunc("POST /attempts/{id}/finish", h.finish)
	mux.HandleFunc("GET /attempts/{id}", h.progress)
}

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

type enrollRequest struct {
	ParticipantID int64 `json:"participantId"`
}

type answerRequest struct {
	QuestionID int64 `json:"questionId"`
	ChoiceID   int64 `json:"choiceId"`
}

type finishResponse struct {
	AttemptID int64  `json:"attemptId"`
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
}

type attemptResponse struct {
	ID            int64      `json:"id"`
	ExamID        int64      `json:"examId"`
	ParticipantID int64      `json:"participantId"`
	Status        string     `json:"status"`
	Score         *float64   `json:"score,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

func (h *Handler) enroll(w http.ResponseWriter, r *http.Request) {
	examID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req enrollRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ParticipantID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorPayload{Message: "invalid enrol payload"})
		return
	}
	attempt, err := h.service.Enroll(r.Context(), examID, req.ParticipantID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAttemptResponse(attempt))
}

func (h *Handler) submitAnswer(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req answerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.QuestionID <= 0 || req.ChoiceID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorPayload{Message: "invalid answer payload"})
		return
	}
	answer, err := h.service.SubmitAnswer(r.Context(), attemptID, req.QuestionID, req.ChoiceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, answer)
}

func (h *Handler) finish(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := h.service.Finish(r.Context(), attemptID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, finishResponse{AttemptID: attemptID, JobID: job.ID, Status: "in_progress"})
}

func (h *Handler) progress(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := pathID(w, r)
	if !ok {
		return
	}
	attempt, err := h.service.Progress(r.Context(), attemptID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAttemptResponse(attempt))
}

func (h *Handler) ranking(w http.ResponseWriter, r *http.Request) {
	examID, ok := pathID(w, r)
	if !ok {
		return
	}
	entries, err := h.service.Ranking(r.Context(), examID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if len(entries) == 0 {
		writeJSON(w, http.StatusNotFound, errorPayload{Message: "ranking not found"})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrAttemptNotFound),
		errors.Is(err, domain.ErrExamNotFound),
		errors.Is(err, domain.ErrQuestionNotFound),
		errors.Is(err, domain.ErrChoiceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrChoiceMismatch):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrAttemptFinished):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		writeJSON(w, status, errorPayload{Message: "internal error"})
		return
	}
	writeJSON(w, status, errorPayload{Message: err.Error()})
}

func toAttemptResponse(attempt domain.Attempt) attemptResponse {
	resp := attemptResponse{
		ID:            attempt.ID,
		ExamID:        attempt.ExamID,
		ParticipantID: attempt.ParticipantID,
		Status:        "in_progress",
		StartedAt:     attempt.StartedAt,
		FinishedAt:    attempt.FinishedAt,
	}
	if attempt.Finished() {
		score := attempt.Score
		resp.Status = "finished"
		resp.Score = &score
	}
	return resp
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorPayload{Message: "invalid id"})
		return 0, false
	}
	return id, true
}

// decodeJSON reads a bounded JSON body into v and writes the error response itself.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorPayload{Message: "request body too large"})
		return false
	}
	writeJSON(w, http.StatusBadRequest, errorPayload{Message: "invalid json payload"})
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
