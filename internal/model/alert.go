package model

import (
	"time"

	"github.com/google/uuid"
)

// AlertKind enumerates the integrity-violation signals a client may report.
// The server forwards these as asserted; it does not interpret video.
type AlertKind string

const (
	AlertFaceNotVisible     AlertKind = "face_not_visible"
	AlertMultipleFaces      AlertKind = "multiple_faces"
	AlertTabSwitched        AlertKind = "tab_switched"
	AlertWindowBlur         AlertKind = "window_blur"
	AlertFullscreenExit     AlertKind = "fullscreen_exit"
	AlertNoFaceDetected     AlertKind = "no_face_detected"
	AlertSuspiciousMovement AlertKind = "suspicious_movement"
)

// Valid reports whether k is a known alert kind.
func (k AlertKind) Valid() bool {
	switch k {
	case AlertFaceNotVisible, AlertMultipleFaces, AlertTabSwitched,
		AlertWindowBlur, AlertFullscreenExit, AlertNoFaceDetected,
		AlertSuspiciousMovement:
		return true
	}
	return false
}

// AlertSeverity grades how serious an alert is.
type AlertSeverity string

const (
	SeverityLow    AlertSeverity = "low"
	SeverityMedium AlertSeverity = "medium"
	SeverityHigh   AlertSeverity = "high"
)

// Valid reports whether s is a known severity.
func (s AlertSeverity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// AlertRecord is one integrity-violation signal, append-only. Alerts are
// linked to an attempt by (student, exam), not by foreign key: an attempt
// may be discarded while its alerts remain for audit.
type AlertRecord struct {
	ID          uuid.UUID     `json:"id"`
	ExamID      uuid.UUID     `json:"exam_id"`
	StudentID   int           `json:"student_id"`
	Kind        AlertKind     `json:"kind"`
	Description string        `json:"description"`
	Severity    AlertSeverity `json:"severity"`
	Screenshot  string        `json:"screenshot,omitempty"`
	// Orphaned marks alerts reported while no live attempt existed for the
	// pair. They are stored anyway; a missing attempt is not an error here.
	Orphaned   bool      `json:"orphaned"`
	Resolved   bool      `json:"resolved"`
	ReportedAt time.Time `json:"reported_at"`
}

// AlertSummary aggregates an exam's alerts on demand.
type AlertSummary struct {
	TotalAlerts int                   `json:"total_alerts"`
	ByKind      map[AlertKind]int     `json:"by_kind"`
	BySeverity  map[AlertSeverity]int `json:"by_severity"`
	Resolved    int                   `json:"resolved"`
	Unresolved  int                   `json:"unresolved"`
}

// WarningCounter is the monotone per-(student, exam) count of warnings a
// monitor has sent. Independent of the alert count.
type WarningCounter struct {
	ExamID       uuid.UUID `json:"exam_id"`
	StudentID    int       `json:"student_id"`
	WarningsSent int       `json:"warnings_sent"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ReportAlertRequest is the payload for a student's client reporting an alert.
type ReportAlertRequest struct {
	ExamID      uuid.UUID `json:"exam_id" binding:"required"`
	Kind        string    `json:"kind" binding:"required,alertkind"`
	Description string    `json:"description" binding:"max=2000"`
	Severity    string    `json:"severity" binding:"omitempty,oneof=low medium high"`
	Screenshot  string    `json:"screenshot" binding:"omitempty,max=500"`
}

// SendWarningRequest is the payload for a monitor warning a student.
type SendWarningRequest struct {
	Message string `json:"message" binding:"required,min=1,max=1000"`
}
