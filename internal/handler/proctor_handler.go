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

// ProctorHandler handles the alert pipeline endpoints: students report,
// monitors review, warn, and resolve.
type ProctorHandler struct {
	proctorService *service.ProctorService
}

// NewProctorHandler creates a new ProctorHandler.
func NewProctorHandler(proctorService *service.ProctorService) *ProctorHandler {
	return &ProctorHandler{proctorService: proctorService}
}

// ReportAlert godoc
// POST /api/v1/student/alerts
func (h *ProctorHandler) ReportAlert(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.ReportAlertRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	record, err := h.proctorService.ReportAlert(c.Request.Context(), claims.UserID, &req)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"alert": record})
}

// ListByExam godoc
// GET /api/v1/admin/exams/:exam_id/alerts
func (h *ProctorHandler) ListByExam(c *gin.Context) {
	examID, ok := uuidParam(c, "exam_id")
	if !ok {
		return
	}
	page, perPage := pageParams(c)

	alerts, total, err := h.proctorService.ListByExam(c.Request.Context(), examID, page, perPage)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	totalPages := int((total + int64(perPage) - 1) / int64(perPage))
	response.SuccessWithPagination(c, http.StatusOK, gin.H{"alerts": alerts}, &response.Pagination{
		Page:       page,
		PerPage:    perPage,
		TotalItems: int(total),
		TotalPages: totalPages,
	})
}

// ListByStudent godoc
// GET /api/v1/admin/exams/:exam_id/students/:student_id/alerts
func (h *ProctorHandler) ListByStudent(c *gin.Context) {
	examID, ok := uuidParam(c, "exam_id")
	if !ok {
		return
	}
	studentID, ok := intParam(c, "student_id")
	if !ok {
		return
	}

	alerts, err := h.proctorService.ListByStudent(c.Request.Context(), examID, studentID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	warnings, err := h.proctorService.WarningCount(c.Request.Context(), examID, studentID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"alerts":        alerts,
		"warnings_sent": warnings,
	})
}

// Summarize godoc
// GET /api/v1/admin/exams/:exam_id/alerts/summary
func (h *ProctorHandler) Summarize(c *gin.Context) {
	examID, ok := uuidParam(c, "exam_id")
	if !ok {
		return
	}

	summary, err := h.proctorService.Summarize(c.Request.Context(), examID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"summary": summary})
}

// Resolve godoc
// POST /api/v1/admin/alerts/:alert_id/resolve
func (h *ProctorHandler) Resolve(c *gin.Context) {
	alertID, ok := uuidParam(c, "alert_id")
	if !ok {
		return
	}

	if err := h.proctorService.Resolve(c.Request.Context(), alertID); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"resolved": true})
}

// SendWarning godoc
// POST /api/v1/admin/exams/:exam_id/students/:student_id/warning
func (h *ProctorHandler) SendWarning(c *gin.Context) {
	examID, ok := uuidParam(c, "exam_id")
	if !ok {
		return
	}
	studentID, ok := intParam(c, "student_id")
	if !ok {
		return
	}

	var req model.SendWarningRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	count, err := h.proctorService.SendWarning(c.Request.Context(), examID, studentID, req.Message)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"warnings_sent": count})
}
