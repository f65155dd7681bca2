package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptState enumerates the attempt state machine. FINALIZED is terminal;
// no transition leaves it.
type AttemptState string

const (
	AttemptStateActive     AttemptState = "ACTIVE"
	AttemptStateSubmitting AttemptState = "SUBMITTING"
	AttemptStateFinalized  AttemptState = "FINALIZED"
)

// SubmitCause is the caller-asserted reason for a submit call. The server
// clock decides the recorded SubmitKind, not the cause alone.
type SubmitCause string

const (
	SubmitCauseManual  SubmitCause = "MANUAL"
	SubmitCauseTimeout SubmitCause = "TIMEOUT"
)

// SubmitKind records how a finalized attempt ended.
type SubmitKind string

const (
	SubmitKindSubmitted     SubmitKind = "SUBMITTED"
	SubmitKindAutoSubmitted SubmitKind = "AUTO_SUBMITTED"
)

// Attempt is one student's single timed try at one exam. At most one
// non-discarded attempt exists per (student, exam) pair; the database
// enforces this with a partial unique index.
type Attempt struct {
	ID               uuid.UUID    `json:"id"`
	ExamID           uuid.UUID    `json:"exam_id"`
	StudentID        int          `json:"student_id"`
	State            AttemptState `json:"state"`
	StartedAt        time.Time    `json:"started_at"`
	DeadlineAt       time.Time    `json:"deadline_at"`
	FinishedAt       *time.Time   `json:"finished_at,omitempty"`
	SubmitKind       *SubmitKind  `json:"submit_kind,omitempty"`
	TotalScore       *float64     `json:"total_score,omitempty"`
	MaxScore         *float64     `json:"max_score,omitempty"`
	Percentage       *float64     `json:"percentage,omitempty"`
	Passed           *bool        `json:"passed,omitempty"`
	TimeTakenSeconds *int         `json:"time_taken_seconds,omitempty"`
	Discarded        bool         `json:"-"`
}

// AnswerResult is the graded outcome for a single question.
type AnswerResult struct {
	QuestionID      uuid.UUID `json:"question_id"`
	SubmittedAnswer string    `json:"submitted_answer"`
	IsCorrect       bool      `json:"is_correct"`
	MarksObtained   float64   `json:"marks_obtained"`
}

// GradedResult is the immutable outcome of finalizing an attempt. It is
// produced exactly once; resubmission is rejected, never re-graded.
type GradedResult struct {
	Answers          []AnswerResult `json:"answers"`
	TotalScore       float64        `json:"total_score"`
	MaxScore         float64        `json:"max_score"`
	Percentage       float64        `json:"percentage"`
	Passed           bool           `json:"passed"`
	TimeTakenSeconds int            `json:"time_taken_seconds"`
}

// RecordAnswerRequest is the payload for saving a single answer.
type RecordAnswerRequest struct {
	QuestionID uuid.UUID `json:"question_id" binding:"required"`
	Answer     string    `json:"answer" binding:"required,max=4000"`
}

// SubmitSummary is the student-facing slice of a GradedResult returned by
// the submit endpoint.
type SubmitSummary struct {
	TotalScore       float64    `json:"total_score"`
	MaxScore         float64    `json:"max_score"`
	Percentage       float64    `json:"percentage"`
	Passed           bool       `json:"passed"`
	TimeTakenSeconds int        `json:"time_taken_seconds"`
	SubmitKind       SubmitKind `json:"submit_kind"`
}
