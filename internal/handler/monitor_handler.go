package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigilexam/vigil-backend/internal/model"
	"github.com/vigilexam/vigil-backend/internal/realtime"
	"github.com/vigilexam/vigil-backend/internal/repository"
	"github.com/vigilexam/vigil-backend/internal/response"
	"github.com/vigilexam/vigil-backend/internal/service"
)

const (
	keepAliveInterval = 30 * time.Second
	snapshotTimeout   = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

// MonitorHandler streams an exam room's live events to proctors over SSE.
type MonitorHandler struct {
	broadcaster    *realtime.Broadcaster
	examService    *service.ExamService
	proctorService *service.ProctorService
	attemptRepo    *repository.AttemptRepository
	log            zerolog.Logger
}

// NewMonitorHandler creates a new MonitorHandler.
func NewMonitorHandler(
	broadcaster *realtime.Broadcaster,
	examService *service.ExamService,
	proctorService *service.ProctorService,
	attemptRepo *repository.AttemptRepository,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		broadcaster:    broadcaster,
		examService:    examService,
		proctorService: proctorService,
		attemptRepo:    attemptRepo,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorExamSSE godoc
// GET /api/v1/admin/exams/:exam_id/monitor
// Attaches the proctor to the exam room. Events missed while disconnected
// are not replayed; the initial snapshot carries the durable state.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	examID, ok := uuidParam(c, "exam_id")
	if !ok {
		return
	}

	if _, err := h.examService.GetByID(c.Request.Context(), examID); err != nil {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}

	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.sendSnapshot(c, examID)

	pubsub := h.broadcaster.Subscribe(reqCtx, realtime.Rooms.ExamRoom(examID))
	defer pubsub.Close()
	ch := pubsub.Channel()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	pingPayload, _ := json.Marshal(realtime.NewEvent(realtime.EventPing, examID, 0, nil))

	h.log.Info().Str("exam_id", examID.String()).Msg("Proctor attached to monitor SSE")

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_id", examID.String()).Msg("Proctor disconnected from monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				// Subscription closed, likely a dropped Redis connection.
				h.log.Warn().Str("exam_id", examID.String()).Msg("Room subscription closed")
				return
			}
			// Forward raw JSON directly, no deserialization needed.
			writeSSE(c, []byte(msg.Payload))

		case <-keepAlive.C:
			writeSSE(c, pingPayload)
		}
	}
}

// sendSnapshot writes the initial durable state so a freshly attached
// proctor is not blind until the next event.
func (h *MonitorHandler) sendSnapshot(c *gin.Context, examID uuid.UUID) {
	fetchCtx, cancel := context.WithTimeout(c.Request.Context(), snapshotTimeout)
	defer cancel()

	attempts, _, err := h.attemptRepo.ListByExam(fetchCtx, examID, 1, 1000)
	if err != nil {
		h.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Snapshot attempts query failed")
	}
	if attempts == nil {
		attempts = []model.Attempt{}
	}

	summary, err := h.proctorService.Summarize(fetchCtx, examID)
	if err != nil {
		h.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Snapshot alert summary failed")
	}

	payload, err := json.Marshal(map[string]any{
		"type":          "snapshot",
		"exam_id":       examID,
		"attempts":      attempts,
		"alert_summary": summary,
	})
	if err != nil {
		return
	}
	writeSSE(c, payload)
}

func writeSSE(c *gin.Context, payload []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(payload)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
