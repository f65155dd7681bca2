package service

import (
	"reflect"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigilexam/vigil-backend/internal/model"
)

func viewSnapshot(n int, randomize bool) *model.ExamSnapshot {
	snap := &model.ExamSnapshot{
		ExamID:          uuid.New(),
		Title:           "History Midterm",
		DurationSeconds: 1800,
		Randomize:       randomize,
	}
	for i := 0; i < n; i++ {
		snap.Questions = append(snap.Questions, model.QuestionSpec{
			ID:    uuid.New(),
			Type:  model.QuestionTypeSingleChoice,
			Marks: 1,
			Options: []model.Option{
				{Text: "A", Correct: true},
				{Text: "B"},
				{Text: "C"},
			},
		})
	}
	return snap
}

func questionIDs(view *model.StudentView) []uuid.UUID {
	ids := make([]uuid.UUID, len(view.Questions))
	for i, q := range view.Questions {
		ids[i] = q.ID
	}
	return ids
}

func TestStudentViewPreservesOrderWithoutRandomize(t *testing.T) {
	svc := &ExamService{log: zerolog.Nop()}
	snap := viewSnapshot(6, false)

	view := svc.StudentView(snap, 1, uuid.New())

	for i, q := range view.Questions {
		if q.ID != snap.Questions[i].ID {
			t.Fatalf("question %d reordered without randomize", i)
		}
	}
}

func TestStudentViewShuffleDeterministicPerAttempt(t *testing.T) {
	svc := &ExamService{log: zerolog.Nop()}
	snap := viewSnapshot(12, true)
	attemptID := uuid.New()

	first := svc.StudentView(snap, 1, attemptID)
	second := svc.StudentView(snap, 1, attemptID)

	if !reflect.DeepEqual(questionIDs(first), questionIDs(second)) {
		t.Error("same (student, attempt) produced different orders")
	}

	// Every question appears exactly once.
	seen := make(map[uuid.UUID]bool)
	for _, id := range questionIDs(first) {
		if seen[id] {
			t.Fatalf("question %s appears twice", id)
		}
		seen[id] = true
	}
	if len(seen) != len(snap.Questions) {
		t.Errorf("view has %d questions, want %d", len(seen), len(snap.Questions))
	}
}

func TestStudentViewHidesCorrectness(t *testing.T) {
	svc := &ExamService{log: zerolog.Nop()}
	snap := viewSnapshot(3, false)

	view := svc.StudentView(snap, 1, uuid.New())

	for _, q := range view.Questions {
		if !reflect.DeepEqual(q.Options, []string{"A", "B", "C"}) {
			t.Errorf("options = %v, want bare texts", q.Options)
		}
	}
}
