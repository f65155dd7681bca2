package model

import (
	"github.com/google/uuid"
)

// QuestionType enumerates the supported question kinds. Only SINGLE_CHOICE is
// auto-graded; the other types are accepted structurally but always score
// zero (see the scoring package).
type QuestionType string

const (
	QuestionTypeSingleChoice QuestionType = "SINGLE_CHOICE"
	QuestionTypeMultiSelect  QuestionType = "MULTI_SELECT"
	QuestionTypeTrueFalse    QuestionType = "TRUE_FALSE"
	QuestionTypeShortAnswer  QuestionType = "SHORT_ANSWER"
)

// Valid reports whether t is a known question type.
func (t QuestionType) Valid() bool {
	switch t {
	case QuestionTypeSingleChoice, QuestionTypeMultiSelect,
		QuestionTypeTrueFalse, QuestionTypeShortAnswer:
		return true
	}
	return false
}

// Option is a single answer option. Correct is hidden from student views.
type Option struct {
	Text    string `json:"text"`
	Correct bool   `json:"correct"`
}

// QuestionSpec is a question as it appears inside an ExamSnapshot.
type QuestionSpec struct {
	ID      uuid.UUID    `json:"id"`
	Type    QuestionType `json:"type"`
	Text    string       `json:"text"`
	Marks   float64      `json:"marks"`
	Options []Option     `json:"options"`
}

// CorrectOption returns the text of the option flagged correct, or "" when
// none is flagged.
func (q QuestionSpec) CorrectOption() string {
	for _, opt := range q.Options {
		if opt.Correct {
			return opt.Text
		}
	}
	return ""
}

// Question is the stored form of a question, owned by one exam.
type Question struct {
	ID       uuid.UUID    `json:"id"`
	ExamID   uuid.UUID    `json:"exam_id"`
	Text     string       `json:"text"`
	Type     QuestionType `json:"type"`
	Marks    float64      `json:"marks"`
	Options  []Option     `json:"options"`
	OrderNum int          `json:"order_num"`
}

// AddQuestionRequest is the payload for one question in a replace request.
type AddQuestionRequest struct {
	Text     string   `json:"text" binding:"required,min=1,max=2000"`
	Type     string   `json:"type" binding:"required,questiontype"`
	Marks    float64  `json:"marks" binding:"required,min=0.5,max=100"`
	Options  []Option `json:"options" binding:"required,min=1,dive"`
	OrderNum int      `json:"order_num" binding:"min=0"`
}

// ReplaceQuestionsRequest is the payload for bulk replacing an exam's questions.
type ReplaceQuestionsRequest struct {
	Questions []AddQuestionRequest `json:"questions" binding:"required,min=1,dive"`
}
