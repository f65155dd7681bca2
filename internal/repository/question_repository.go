package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vigilexam/vigil-backend/internal/model"
)

// QuestionRepository handles question data access.
type QuestionRepository struct {
	pool *pgxpool.Pool
}

// NewQuestionRepository creates a new QuestionRepository.
func NewQuestionRepository(pool *pgxpool.Pool) *QuestionRepository {
	return &QuestionRepository{pool: pool}
}

// ListByExam retrieves all questions for a given exam, ordered by order_num.
func (r *QuestionRepository) ListByExam(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, exam_id, question_text, question_type, marks, options, order_num
		 FROM questions WHERE exam_id = $1
		 ORDER BY order_num`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.ExamID, &q.Text, &q.Type, &q.Marks, &q.Options, &q.OrderNum); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// ReplaceAll atomically swaps an exam's full question set. Only valid while
// the exam is in DRAFT.
func (r *QuestionRepository) ReplaceAll(ctx context.Context, examID uuid.UUID, questions []model.Question) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM questions WHERE exam_id = $1`, examID); err != nil {
		return fmt.Errorf("clear questions: %w", err)
	}

	rows := make([][]any, 0, len(questions))
	for i, q := range questions {
		id := q.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		rows = append(rows, []any{id, examID, q.Text, q.Type, q.Marks, q.Options, i})
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"questions"},
		[]string{"id", "exam_id", "question_text", "question_type", "marks", "options", "order_num"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy questions: %w", err)
	}

	return tx.Commit(ctx)
}

// Count returns the number of questions attached to an exam.
func (r *QuestionRepository) Count(ctx context.Context, examID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM questions WHERE exam_id = $1`, examID,
	).Scan(&n)
	return n, err
}
