package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vigilexam/vigil-backend/internal/model"
)

// ExamRepository handles exam data access.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// Create inserts a new exam in DRAFT status.
func (r *ExamRepository) Create(ctx context.Context, e *model.Exam) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO exams (title, subject, author_id, duration_seconds, pass_threshold, randomize_questions, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		e.Title, e.Subject, e.AuthorID, e.DurationSeconds, e.PassThreshold, e.RandomizeQuestions, model.ExamStatusDraft,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
}

// GetByID retrieves a single exam.
func (r *ExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	e := &model.Exam{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, subject, author_id, duration_seconds, pass_threshold, randomize_questions, status, created_at, updated_at
		 FROM exams WHERE id = $1`, id,
	).Scan(&e.ID, &e.Title, &e.Subject, &e.AuthorID, &e.DurationSeconds, &e.PassThreshold, &e.RandomizeQuestions, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListByAuthor retrieves all exams created by the given admin, newest first.
func (r *ExamRepository) ListByAuthor(ctx context.Context, authorID int) ([]model.Exam, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, title, subject, author_id, duration_seconds, pass_threshold, randomize_questions, status, created_at, updated_at
		 FROM exams WHERE author_id = $1
		 ORDER BY created_at DESC`, authorID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exams []model.Exam
	for rows.Next() {
		var e model.Exam
		if err := rows.Scan(&e.ID, &e.Title, &e.Subject, &e.AuthorID, &e.DurationSeconds, &e.PassThreshold, &e.RandomizeQuestions, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

// ListPublished retrieves all exams students may currently start.
func (r *ExamRepository) ListPublished(ctx context.Context) ([]model.Exam, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, title, subject, author_id, duration_seconds, pass_threshold, randomize_questions, status, created_at, updated_at
		 FROM exams WHERE status = $1
		 ORDER BY created_at DESC`, model.ExamStatusPublished,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exams []model.Exam
	for rows.Next() {
		var e model.Exam
		if err := rows.Scan(&e.ID, &e.Title, &e.Subject, &e.AuthorID, &e.DurationSeconds, &e.PassThreshold, &e.RandomizeQuestions, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

// Update applies field changes to a draft exam.
func (r *ExamRepository) Update(ctx context.Context, e *model.Exam) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE exams
		 SET title = $1, subject = $2, duration_seconds = $3, pass_threshold = $4, randomize_questions = $5, updated_at = NOW()
		 WHERE id = $6`,
		e.Title, e.Subject, e.DurationSeconds, e.PassThreshold, e.RandomizeQuestions, e.ID)
	return err
}

// UpdateStatus transitions an exam's lifecycle status.
func (r *ExamRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.ExamStatus) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE exams SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, id)
	return err
}

// Delete removes a draft exam and its questions.
func (r *ExamRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM exams WHERE id = $1`, id)
	return err
}
