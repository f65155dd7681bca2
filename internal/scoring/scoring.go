// Package scoring grades a submitted answer map against an exam snapshot.
// Grading is pure and deterministic: identical inputs always produce an
// identical GradedResult, which is what makes audit re-verification and
// re-grading after a question-bank correction possible.
package scoring

import (
	"math"

	"github.com/vigilexam/vigil-backend/internal/model"
)

// grader checks one answered question. Returning false means zero marks;
// there is no partial credit.
type grader func(q model.QuestionSpec, answer string) bool

// graders is the explicit grading-rule table per question type. Types absent
// from the table are accepted but always score zero; the data model supports
// them structurally while auto-grading is not implemented for them.
var graders = map[model.QuestionType]grader{
	model.QuestionTypeSingleChoice: gradeSingleChoice,
}

// Grade evaluates answers against snap. Questions are walked in snapshot
// order; answers for unknown question IDs are ignored. MaxScore covers every
// question in the snapshot, answered or not.
func Grade(snap *model.ExamSnapshot, answers map[string]string) model.GradedResult {
	result := model.GradedResult{
		Answers:  make([]model.AnswerResult, 0, len(snap.Questions)),
		MaxScore: snap.MaxScore(),
	}

	for _, q := range snap.Questions {
		ar := model.AnswerResult{QuestionID: q.ID}

		answer, answered := answers[q.ID.String()]
		if answered && answer != "" {
			ar.SubmittedAnswer = answer
			if g, ok := graders[q.Type]; ok && g(q, answer) {
				ar.IsCorrect = true
				ar.MarksObtained = q.Marks
			}
		}

		result.TotalScore += ar.MarksObtained
		result.Answers = append(result.Answers, ar)
	}

	if result.MaxScore > 0 {
		result.Percentage = round2(result.TotalScore / result.MaxScore * 100)
	}
	result.Passed = result.Percentage >= snap.EffectivePassThreshold()

	return result
}

// UngradedTypes returns the distinct question types in snap that always score
// zero, in snapshot order. Callers use this to warn exam authors.
func UngradedTypes(snap *model.ExamSnapshot) []model.QuestionType {
	var types []model.QuestionType
	seen := make(map[model.QuestionType]bool)
	for _, q := range snap.Questions {
		if _, gradable := graders[q.Type]; gradable || seen[q.Type] {
			continue
		}
		seen[q.Type] = true
		types = append(types, q.Type)
	}
	return types
}

// gradeSingleChoice is correct iff the submitted value equals the text of the
// option flagged correct. Full marks or zero.
func gradeSingleChoice(q model.QuestionSpec, answer string) bool {
	correct := q.CorrectOption()
	return correct != "" && answer == correct
}

// round2 rounds to two decimal places, half away from zero.
func round2(x float64) float64 {
	return math.Floor(x*100+0.5) / 100
}
