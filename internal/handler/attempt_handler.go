package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vigilexam/vigil-backend/internal/middleware"
	"github.com/vigilexam/vigil-backend/internal/model"
	"github.com/vigilexam/vigil-backend/internal/repository"
	"github.com/vigilexam/vigil-backend/internal/response"
	"github.com/vigilexam/vigil-backend/internal/service"
	"github.com/vigilexam/vigil-backend/internal/validator"
)

// AttemptHandler handles student attempt endpoints and the admin attempt
// management surface.
type AttemptHandler struct {
	attemptService *service.AttemptService
	examService    *service.ExamService
	attemptRepo    *repository.AttemptRepository
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(
	attemptService *service.AttemptService,
	examService *service.ExamService,
	attemptRepo *repository.AttemptRepository,
) *AttemptHandler {
	return &AttemptHandler{
		attemptService: attemptService,
		examService:    examService,
		attemptRepo:    attemptRepo,
	}
}

// ListAvailable godoc
// GET /api/v1/student/exams
// Lists exams the student may currently start.
func (h *AttemptHandler) ListAvailable(c *gin.Context) {
	exams, err := h.examService.ListPublished(c.Request.Context())
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"exams": exams})
}

// Start godoc
// POST /api/v1/student/exams/:exam_id/attempt
// Opens the student's single attempt and returns the question paper.
func (h *AttemptHandler) Start(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID, ok := uuidParam(c, "exam_id")
	if claims == nil || !ok {
		return
	}

	attempt, snap, err := h.attemptService.Start(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"attempt": attempt,
		"paper":   h.examService.StudentView(snap, claims.UserID, attempt.ID),
	})
}

// GetPaper godoc
// GET /api/v1/student/exams/:exam_id/paper
// Re-serves the question paper for a reconnecting client. Requires a live
// ACTIVE attempt; the question order matches the one served at start.
func (h *AttemptHandler) GetPaper(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID, ok := uuidParam(c, "exam_id")
	if claims == nil || !ok {
		return
	}

	attempt, err := h.attemptService.Live(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if attempt.State != model.AttemptStateActive {
		response.Fail(c, http.StatusConflict, response.ErrAttemptAlreadyClosed)
		return
	}

	snap, err := h.examService.Snapshot(c.Request.Context(), examID)
	if err != nil {
		h.fail(c, err)
		return
	}

	answers, err := h.attemptRepo.LiveAnswers(c.Request.Context(), attempt.ID, examID, claims.UserID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"attempt": attempt,
		"paper":   h.examService.StudentView(snap, claims.UserID, attempt.ID),
		"answers": answers,
	})
}

// RecordAnswer godoc
// PUT /api/v1/student/exams/:exam_id/answers
func (h *AttemptHandler) RecordAnswer(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID, ok := uuidParam(c, "exam_id")
	if claims == nil || !ok {
		return
	}

	var req model.RecordAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.attemptService.RecordAnswer(c.Request.Context(), examID, claims.UserID, req.QuestionID, req.Answer); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"saved": true})
}

// Submit godoc
// POST /api/v1/student/exams/:exam_id/submit
func (h *AttemptHandler) Submit(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID, ok := uuidParam(c, "exam_id")
	if claims == nil || !ok {
		return
	}

	summary, err := h.attemptService.Submit(c.Request.Context(), examID, claims.UserID, model.SubmitCauseManual)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"result": summary})
}

// Result godoc
// GET /api/v1/student/exams/:exam_id/result
func (h *AttemptHandler) Result(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID, ok := uuidParam(c, "exam_id")
	if claims == nil || !ok {
		return
	}

	result, err := h.attemptService.Result(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}

// Results godoc
// GET /api/v1/student/results
// Lists the student's finalized attempts across all exams.
func (h *AttemptHandler) Results(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attempts, err := h.attemptRepo.ListFinalizedByStudent(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if attempts == nil {
		attempts = []model.Attempt{}
	}
	response.Success(c, http.StatusOK, gin.H{"results": attempts})
}

// ListByExam godoc
// GET /api/v1/admin/exams/:exam_id/attempts
func (h *AttemptHandler) ListByExam(c *gin.Context) {
	examID, ok := uuidParam(c, "exam_id")
	if !ok {
		return
	}
	page, perPage := pageParams(c)

	attempts, total, err := h.attemptRepo.ListByExam(c.Request.Context(), examID, page, perPage)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if attempts == nil {
		attempts = []model.Attempt{}
	}

	totalPages := int((total + int64(perPage) - 1) / int64(perPage))
	response.SuccessWithPagination(c, http.StatusOK, gin.H{"attempts": attempts}, &response.Pagination{
		Page:       page,
		PerPage:    perPage,
		TotalItems: int(total),
		TotalPages: totalPages,
	})
}

// Discard godoc
// DELETE /api/v1/admin/attempts/:attempt_id
// Frees the student's attempt slot; the record stays for audit.
func (h *AttemptHandler) Discard(c *gin.Context) {
	attemptID, ok := uuidParam(c, "attempt_id")
	if !ok {
		return
	}

	if err := h.attemptService.Discard(c.Request.Context(), attemptID); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"discarded": true})
}

func (h *AttemptHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrExamNotAvailable):
		response.Fail(c, http.StatusNotFound, response.ErrExamNotAvailable)
	case errors.Is(err, service.ErrAttemptAlreadyActive):
		response.Fail(c, http.StatusConflict, response.ErrAttemptAlreadyActive)
	case errors.Is(err, service.ErrAttemptNotActive):
		response.Fail(c, http.StatusConflict, response.ErrAttemptNotActive)
	case errors.Is(err, service.ErrAttemptAlreadyFinalized):
		response.Fail(c, http.StatusConflict, response.ErrAttemptAlreadyClosed)
	case errors.Is(err, service.ErrAttemptNotFinalized):
		response.Fail(c, http.StatusConflict, response.ErrAttemptNotFinalized)
	case errors.Is(err, service.ErrNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
