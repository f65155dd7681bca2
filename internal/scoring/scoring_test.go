package scoring

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/google/uuid"
	"github.com/vigilexam/vigil-backend/internal/model"
)

// snapshotOf builds a snapshot of single-choice questions worth one mark
// each, with option "A" flagged correct.
func snapshotOf(n int, threshold float64) *model.ExamSnapshot {
	snap := &model.ExamSnapshot{
		ExamID:        uuid.New(),
		Title:         "Algebra Basics",
		PassThreshold: threshold,
	}
	for i := 0; i < n; i++ {
		snap.Questions = append(snap.Questions, model.QuestionSpec{
			ID:    uuid.New(),
			Type:  model.QuestionTypeSingleChoice,
			Text:  fmt.Sprintf("Question %d", i+1),
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

func TestGrade_AllCorrect(t *testing.T) {
	snap := snapshotOf(10, 40)

	answers := make(map[string]string)
	for _, q := range snap.Questions {
		answers[q.ID.String()] = "A"
	}

	got := Grade(snap, answers)

	if got.TotalScore != 10 || got.MaxScore != 10 {
		t.Fatalf("score = %v/%v, want 10/10", got.TotalScore, got.MaxScore)
	}
	if got.Percentage != 100.00 {
		t.Errorf("percentage = %v, want 100.00", got.Percentage)
	}
	if !got.Passed {
		t.Error("passed = false, want true")
	}
}

func TestGrade_PartialWithUnanswered(t *testing.T) {
	// 3 correct, 2 unanswered, 5 wrong out of 10.
	snap := snapshotOf(10, 40)

	answers := make(map[string]string)
	for i, q := range snap.Questions {
		switch {
		case i < 3:
			answers[q.ID.String()] = "A"
		case i < 5:
			// unanswered
		default:
			answers[q.ID.String()] = "B"
		}
	}

	got := Grade(snap, answers)

	if got.TotalScore != 3 {
		t.Errorf("total = %v, want 3", got.TotalScore)
	}
	if got.MaxScore != 10 {
		t.Errorf("max = %v, want 10 (must count unanswered questions)", got.MaxScore)
	}
	if got.Percentage != 30.00 {
		t.Errorf("percentage = %v, want 30.00", got.Percentage)
	}
	if got.Passed {
		t.Error("passed = true, want false")
	}

	// Unanswered questions still appear, zero-marked.
	if len(got.Answers) != 10 {
		t.Fatalf("answers len = %d, want 10", len(got.Answers))
	}
	for i := 3; i < 5; i++ {
		ar := got.Answers[i]
		if ar.IsCorrect || ar.MarksObtained != 0 || ar.SubmittedAnswer != "" {
			t.Errorf("unanswered question %d graded as %+v", i, ar)
		}
	}
}

func TestGrade_MaxScoreIndependentOfAnswers(t *testing.T) {
	snap := snapshotOf(5, 40)
	snap.Questions[2].Marks = 4 // mixed weights

	for _, answers := range []map[string]string{
		{},
		{snap.Questions[0].ID.String(): "A"},
	} {
		got := Grade(snap, answers)
		if got.MaxScore != 8 {
			t.Errorf("maxScore = %v with %d answers, want 8", got.MaxScore, len(answers))
		}
	}
}

func TestGrade_Deterministic(t *testing.T) {
	snap := snapshotOf(7, 55)
	answers := map[string]string{
		snap.Questions[0].ID.String(): "A",
		snap.Questions[1].ID.String(): "B",
		snap.Questions[4].ID.String(): "A",
	}

	first := Grade(snap, answers)
	second := Grade(snap, answers)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("grading is not deterministic:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestGrade_OnlySingleChoiceScores(t *testing.T) {
	snap := &model.ExamSnapshot{ExamID: uuid.New(), PassThreshold: 40}
	for _, typ := range []model.QuestionType{
		model.QuestionTypeMultiSelect,
		model.QuestionTypeTrueFalse,
		model.QuestionTypeShortAnswer,
	} {
		snap.Questions = append(snap.Questions, model.QuestionSpec{
			ID:      uuid.New(),
			Type:    typ,
			Marks:   2,
			Options: []model.Option{{Text: "A", Correct: true}},
		})
	}

	answers := make(map[string]string)
	for _, q := range snap.Questions {
		answers[q.ID.String()] = "A" // would be correct for single-choice
	}

	got := Grade(snap, answers)

	if got.TotalScore != 0 {
		t.Errorf("total = %v, want 0: non single-choice types always score zero", got.TotalScore)
	}
	if got.MaxScore != 6 {
		t.Errorf("max = %v, want 6", got.MaxScore)
	}
	for _, ar := range got.Answers {
		if ar.IsCorrect {
			t.Errorf("question %s marked correct, want incorrect", ar.QuestionID)
		}
	}
}

func TestUngradedTypes(t *testing.T) {
	snap := snapshotOf(2, 40)
	snap.Questions = append(snap.Questions,
		model.QuestionSpec{ID: uuid.New(), Type: model.QuestionTypeTrueFalse, Marks: 1},
		model.QuestionSpec{ID: uuid.New(), Type: model.QuestionTypeTrueFalse, Marks: 1},
		model.QuestionSpec{ID: uuid.New(), Type: model.QuestionTypeShortAnswer, Marks: 1},
	)

	got := UngradedTypes(snap)
	want := []model.QuestionType{model.QuestionTypeTrueFalse, model.QuestionTypeShortAnswer}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("UngradedTypes = %v, want %v", got, want)
	}

	if got := UngradedTypes(snapshotOf(3, 40)); got != nil {
		t.Errorf("UngradedTypes on all single-choice = %v, want nil", got)
	}
}

func TestGrade_Rounding(t *testing.T) {
	tests := []struct {
		name    string
		total   int // questions answered correctly
		count   int // total questions
		percent float64
	}{
		{name: "one third", total: 1, count: 3, percent: 33.33},
		{name: "two thirds rounds half up", total: 2, count: 3, percent: 66.67},
		{name: "one sixth", total: 1, count: 6, percent: 16.67},
		{name: "one seventh", total: 1, count: 7, percent: 14.29},
		{name: "empty answers", total: 0, count: 4, percent: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			snap := snapshotOf(tc.count, 40)
			answers := make(map[string]string)
			for i := 0; i < tc.total; i++ {
				answers[snap.Questions[i].ID.String()] = "A"
			}
			got := Grade(snap, answers)
			if got.Percentage != tc.percent {
				t.Errorf("percentage = %v, want %v", got.Percentage, tc.percent)
			}
		})
	}
}

func TestGrade_EmptySnapshot(t *testing.T) {
	got := Grade(&model.ExamSnapshot{ExamID: uuid.New()}, map[string]string{"x": "y"})
	if got.MaxScore != 0 || got.Percentage != 0 || got.Passed {
		t.Errorf("empty snapshot graded as %+v, want zeroes and not passed", got)
	}
}

func TestGrade_DefaultPassThreshold(t *testing.T) {
	// Threshold unset (zero) falls back to 40.
	snap := snapshotOf(10, 0)

	answers := make(map[string]string)
	for i := 0; i < 4; i++ {
		answers[snap.Questions[i].ID.String()] = "A"
	}

	if got := Grade(snap, answers); !got.Passed {
		t.Errorf("40%% with default threshold: passed = false, want true")
	}

	delete(answers, snap.Questions[3].ID.String())
	if got := Grade(snap, answers); got.Passed {
		t.Errorf("30%% with default threshold: passed = true, want false")
	}
}

func TestGrade_NoOptionFlaggedCorrect(t *testing.T) {
	snap := snapshotOf(1, 40)
	for i := range snap.Questions[0].Options {
		snap.Questions[0].Options[i].Correct = false
	}

	got := Grade(snap, map[string]string{snap.Questions[0].ID.String(): "A"})
	if got.TotalScore != 0 || got.Answers[0].IsCorrect {
		t.Errorf("question without a correct option scored %+v, want zero", got.Answers[0])
	}
}
