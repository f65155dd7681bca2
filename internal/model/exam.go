package model

import (
	"time"

	"github.com/google/uuid"
)

// ExamStatus enumerates the possible states of an exam.
type ExamStatus string

const (
	ExamStatusDraft     ExamStatus = "DRAFT"
	ExamStatusPublished ExamStatus = "PUBLISHED"
	ExamStatusArchived  ExamStatus = "ARCHIVED"
)

// DefaultPassThreshold is the pass percentage applied when an exam does not
// set one.
const DefaultPassThreshold = 40

// Exam represents an exam entity as stored.
type Exam struct {
	ID                 uuid.UUID  `json:"id"`
	Title              string     `json:"title"`
	Subject            string     `json:"subject"`
	AuthorID           int        `json:"author_id"`
	DurationSeconds    int        `json:"duration_seconds"`
	PassThreshold      float64    `json:"pass_threshold"`
	RandomizeQuestions bool       `json:"randomize_questions"`
	Status             ExamStatus `json:"status"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// ExamSnapshot is the immutable view of a published exam handed to the
// session manager and the scoring engine. It carries the correct-answer
// metadata and must never be served to students directly.
type ExamSnapshot struct {
	ExamID          uuid.UUID      `json:"exam_id"`
	Title           string         `json:"title"`
	Subject         string         `json:"subject"`
	DurationSeconds int            `json:"duration_seconds"`
	PassThreshold   float64        `json:"pass_threshold"`
	Randomize       bool           `json:"randomize"`
	Questions       []QuestionSpec `json:"questions"`
}

// EffectivePassThreshold returns the snapshot's pass threshold, falling back
// to DefaultPassThreshold when unset or zero.
func (s *ExamSnapshot) EffectivePassThreshold() float64 {
	if s.PassThreshold <= 0 {
		return DefaultPassThreshold
	}
	return s.PassThreshold
}

// MaxScore sums the marks of every question in the snapshot, answered or not.
func (s *ExamSnapshot) MaxScore() float64 {
	var total float64
	for _, q := range s.Questions {
		total += q.Marks
	}
	return total
}

// StudentQuestion is a question stripped of correctness metadata.
type StudentQuestion struct {
	ID      uuid.UUID    `json:"id"`
	Type    QuestionType `json:"type"`
	Text    string       `json:"text"`
	Marks   float64      `json:"marks"`
	Options []string     `json:"options"`
}

// StudentView is the student-safe copy of a snapshot, in the order the
// student should see the questions.
type StudentView struct {
	ExamID          uuid.UUID         `json:"exam_id"`
	Title           string            `json:"title"`
	Subject         string            `json:"subject"`
	DurationSeconds int               `json:"duration_seconds"`
	Questions       []StudentQuestion `json:"questions"`
}

// CreateExamRequest is the payload for creating a new exam.
type CreateExamRequest struct {
	Title              string  `json:"title" binding:"required,min=3,max=255"`
	Subject            string  `json:"subject" binding:"required,min=1,max=255"`
	DurationSeconds    int     `json:"duration_seconds" binding:"required,min=60,max=28800"`
	PassThreshold      float64 `json:"pass_threshold" binding:"omitempty,min=0,max=100"`
	RandomizeQuestions bool    `json:"randomize_questions"`
}

// UpdateExamRequest is the payload for updating a draft exam.
type UpdateExamRequest struct {
	Title              string   `json:"title" binding:"omitempty,min=3,max=255"`
	Subject            string   `json:"subject" binding:"omitempty,min=1,max=255"`
	DurationSeconds    int      `json:"duration_seconds" binding:"omitempty,min=60,max=28800"`
	PassThreshold      *float64 `json:"pass_threshold" binding:"omitempty"`
	RandomizeQuestions *bool    `json:"randomize_questions" binding:"omitempty"`
}
