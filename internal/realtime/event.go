package realtime

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the events published into an exam room.
type EventType string

const (
	// EventCheatingAlert carries a stored AlertRecord to monitors.
	EventCheatingAlert EventType = "cheatingAlert"
	// EventWarning carries a monitor's warning to the targeted student.
	EventWarning EventType = "warning"
	// EventTabSwitch is the legacy dedicated tab-switch signal; emitted in
	// addition to the cheatingAlert for tab_switched alerts.
	EventTabSwitch EventType = "tabSwitchDetected"
	// EventStudentJoined / EventStudentSubmitted track attempt lifecycle
	// for the live monitor view.
	EventStudentJoined    EventType = "studentJoined"
	EventStudentSubmitted EventType = "studentSubmitted"
	// EventPing keeps idle subscriber connections alive.
	EventPing EventType = "ping"
)

// Event is the envelope published into a room.
type Event struct {
	Type      EventType   `json:"type"`
	ExamID    uuid.UUID   `json:"exam_id"`
	StudentID int         `json:"student_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(typ EventType, examID uuid.UUID, studentID int, data interface{}) Event {
	return Event{
		Type:      typ,
		ExamID:    examID,
		StudentID: studentID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}
