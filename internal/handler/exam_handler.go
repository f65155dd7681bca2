package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vigilexam/vigil-backend/internal/middleware"
	"github.com/vigilexam/vigil-backend/internal/model"
	"github.com/vigilexam/vigil-backend/internal/response"
	"github.com/vigilexam/vigil-backend/internal/service"
	"github.com/vigilexam/vigil-backend/internal/validator"
)

// ExamHandler handles admin exam authoring endpoints.
type ExamHandler struct {
	examService *service.ExamService
}

// NewExamHandler creates a new ExamHandler.
func NewExamHandler(examService *service.ExamService) *ExamHandler {
	return &ExamHandler{examService: examService}
}

// Create godoc
// POST /api/v1/admin/exams
func (h *ExamHandler) Create(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.CreateExamRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	exam := &model.Exam{
		Title:              req.Title,
		Subject:            req.Subject,
		AuthorID:           claims.UserID,
		DurationSeconds:    req.DurationSeconds,
		PassThreshold:      req.PassThreshold,
		RandomizeQuestions: req.RandomizeQuestions,
	}
	if err := h.examService.Create(c.Request.Context(), exam); err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"exam": exam})
}

// List godoc
// GET /api/v1/admin/exams
func (h *ExamHandler) List(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	exams, err := h.examService.ListByAuthor(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"exams": exams})
}

// Get godoc
// GET /api/v1/admin/exams/:exam_id
func (h *ExamHandler) Get(c *gin.Context) {
	examID, ok := uuidParam(c, "exam_id")
	if !ok {
		return
	}

	exam, err := h.examService.GetByID(c.Request.Context(), examID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"exam": exam})
}

// Update godoc
// PUT /api/v1/admin/exams/:exam_id
func (h *ExamHandler) Update(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID, ok := uuidParam(c, "exam_id")
	if claims == nil || !ok {
		return
	}

	var req model.UpdateExamRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	exam, err := h.examService.Update(c.Request.Context(), examID, claims.UserID, &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"exam": exam})
}

// Delete godoc
// DELETE /api/v1/admin/exams/:exam_id
func (h *ExamHandler) Delete(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID, ok := uuidParam(c, "exam_id")
	if claims == nil || !ok {
		return
	}

	if err := h.examService.Delete(c.Request.Context(), examID, claims.UserID); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

// ReplaceQuestions godoc
// PUT /api/v1/admin/exams/:exam_id/questions
func (h *ExamHandler) ReplaceQuestions(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID, ok := uuidParam(c, "exam_id")
	if claims == nil || !ok {
		return
	}

	var req model.ReplaceQuestionsRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.examService.ReplaceQuestions(c.Request.Context(), examID, claims.UserID, req.Questions); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"questions": len(req.Questions)})
}

// Publish godoc
// POST /api/v1/admin/exams/:exam_id/publish
func (h *ExamHandler) Publish(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID, ok := uuidParam(c, "exam_id")
	if claims == nil || !ok {
		return
	}

	if err := h.examService.Publish(c.Request.Context(), examID, claims.UserID); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"published": true})
}

// Archive godoc
// POST /api/v1/admin/exams/:exam_id/archive
func (h *ExamHandler) Archive(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID, ok := uuidParam(c, "exam_id")
	if claims == nil || !ok {
		return
	}

	if err := h.examService.Archive(c.Request.Context(), examID, claims.UserID); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"archived": true})
}

// RefreshCache godoc
// POST /api/v1/admin/exams/:exam_id/refresh-cache
func (h *ExamHandler) RefreshCache(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID, ok := uuidParam(c, "exam_id")
	if claims == nil || !ok {
		return
	}

	if err := h.examService.RefreshSnapshot(c.Request.Context(), examID, claims.UserID); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"refreshed": true})
}

func (h *ExamHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	case errors.Is(err, service.ErrNotExamAuthor):
		response.Fail(c, http.StatusForbidden, response.ErrNotExamAuthor)
	case errors.Is(err, service.ErrExamNotDraft):
		response.Fail(c, http.StatusConflict, response.ErrExamNotDraft)
	case errors.Is(err, service.ErrNoQuestions):
		response.Fail(c, http.StatusBadRequest, response.ErrNoQuestions)
	case errors.Is(err, service.ErrExamNotAvailable):
		response.Fail(c, http.StatusConflict, response.ErrExamNotAvailable)
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
