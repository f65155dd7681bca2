package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vigilexam/vigil-backend/internal/middleware"
	"github.com/vigilexam/vigil-backend/internal/model"
	"github.com/vigilexam/vigil-backend/internal/service"
)

// wsAction enumerates client-initiated websocket messages.
type wsAction string

const (
	wsActionSave   wsAction = "save"
	wsActionSubmit wsAction = "submit"
	wsActionAlert  wsAction = "alert"
	wsActionPing   wsAction = "ping"
)

// wsRequest is a client message on the attempt stream.
type wsRequest struct {
	Action      wsAction `json:"action"`
	QuestionID  string   `json:"question_id,omitempty"`
	Answer      string   `json:"answer,omitempty"`
	Kind        string   `json:"kind,omitempty"`
	Description string   `json:"description,omitempty"`
	Severity    string   `json:"severity,omitempty"`
	Screenshot  string   `json:"screenshot,omitempty"`
}

// wsResponse is the server's reply.
type wsResponse struct {
	Action wsAction    `json:"action"`
	OK     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allow-list permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler runs the student attempt stream: answer saves, submit, and
// proctor alerts over one socket.
type WSHandler struct {
	attemptService *service.AttemptService
	proctorService *service.ProctorService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(
	attemptService *service.AttemptService,
	proctorService *service.ProctorService,
	log zerolog.Logger,
	allowedOrigins []string,
) *WSHandler {
	return &WSHandler{
		attemptService: attemptService,
		proctorService: proctorService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// AttemptStream godoc
// WS /ws/v1/student/exams/:exam_id/stream
func (h *WSHandler) AttemptStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid exam ID"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	studentID := claims.UserID

	// The stream requires a live attempt; the REST start endpoint opens one.
	if _, err := h.attemptService.Live(c.Request.Context(), examID, studentID); err != nil {
		h.writeError(conn, wsActionPing, "no attempt for this exam")
		return
	}

	wsLog := h.log.With().
		Int("student_id", studentID).
		Str("exam_id", examID.String()).
		Logger()
	wsLog.Info().Msg("Student connected")

	for {
		var msg wsRequest
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		switch msg.Action {
		case wsActionSave:
			h.handleSave(conn, examID, studentID, &msg)
		case wsActionSubmit:
			h.handleSubmit(conn, examID, studentID)
		case wsActionAlert:
			h.handleAlert(conn, examID, studentID, &msg)
		case wsActionPing:
			h.write(conn, wsResponse{Action: wsActionPing, OK: true})
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			h.writeError(conn, msg.Action, "unknown action")
		}
	}
}

func (h *WSHandler) handleSave(conn *websocket.Conn, examID uuid.UUID, studentID int, msg *wsRequest) {
	questionID, err := uuid.Parse(msg.QuestionID)
	if err != nil || msg.Answer == "" {
		h.writeError(conn, wsActionSave, "question_id and answer are required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.attemptService.RecordAnswer(ctx, examID, studentID, questionID, msg.Answer); err != nil {
		if errors.Is(err, service.ErrAttemptNotActive) {
			h.writeError(conn, wsActionSave, "attempt is not active")
			return
		}
		h.writeError(conn, wsActionSave, "save failed")
		return
	}
	h.write(conn, wsResponse{Action: wsActionSave, OK: true, Data: gin.H{"question_id": questionID}})
}

func (h *WSHandler) handleSubmit(conn *websocket.Conn, examID uuid.UUID, studentID int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	summary, err := h.attemptService.Submit(ctx, examID, studentID, model.SubmitCauseManual)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAttemptAlreadyFinalized):
			h.writeError(conn, wsActionSubmit, "attempt already submitted")
		case errors.Is(err, service.ErrAttemptNotActive):
			h.writeError(conn, wsActionSubmit, "no active attempt")
		default:
			h.writeError(conn, wsActionSubmit, "submit failed")
		}
		return
	}
	h.write(conn, wsResponse{Action: wsActionSubmit, OK: true, Data: gin.H{"result": summary}})
}

func (h *WSHandler) handleAlert(conn *websocket.Conn, examID uuid.UUID, studentID int, msg *wsRequest) {
	if !model.AlertKind(msg.Kind).Valid() {
		h.writeError(conn, wsActionAlert, "unknown alert kind")
		return
	}
	if msg.Severity != "" && !model.AlertSeverity(msg.Severity).Valid() {
		h.writeError(conn, wsActionAlert, "unknown severity")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	record, err := h.proctorService.ReportAlert(ctx, studentID, &model.ReportAlertRequest{
		ExamID:      examID,
		Kind:        msg.Kind,
		Description: msg.Description,
		Severity:    msg.Severity,
		Screenshot:  msg.Screenshot,
	})
	if err != nil {
		h.writeError(conn, wsActionAlert, "alert failed")
		return
	}
	h.write(conn, wsResponse{Action: wsActionAlert, OK: true, Data: gin.H{"alert": record}})
}

func (h *WSHandler) write(conn *websocket.Conn, resp wsResponse) {
	if err := conn.WriteJSON(resp); err != nil {
		h.log.Debug().Err(err).Msg("WebSocket write failed")
	}
}

func (h *WSHandler) writeError(conn *websocket.Conn, action wsAction, msg string) {
	h.write(conn, wsResponse{Action: action, OK: false, Error: msg})
}
