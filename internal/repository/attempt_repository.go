package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/vigilexam/vigil-backend/internal/config"
	"github.com/vigilexam/vigil-backend/internal/model"
)

const attemptColumns = `id, exam_id, student_id, state, started_at, deadline_at, finished_at,
	submit_kind, total_score, max_score, percentage, passed, time_taken_seconds, discarded`

// PersistAnswerPayload is the queue item for asynchronously persisting one
// saved answer to PostgreSQL.
type PersistAnswerPayload struct {
	AttemptID  uuid.UUID `json:"attempt_id"`
	QuestionID uuid.UUID `json:"question_id"`
	Answer     string    `json:"answer"`
}

// AttemptRepository handles attempt data access. It combines PostgreSQL
// (the attempt record, the durable answer rows) with Redis (the live answer
// hash and deadline mirror used on the hot path).
type AttemptRepository struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool, rdb *redis.Client) *AttemptRepository {
	return &AttemptRepository{pool: pool, rdb: rdb}
}

// Create inserts a new ACTIVE attempt. The partial unique index on
// (exam_id, student_id) WHERE NOT discarded makes a second live attempt a
// conflict; pgx.ErrNoRows signals the caller lost that race.
func (r *AttemptRepository) Create(ctx context.Context, a *model.Attempt) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO attempts (exam_id, student_id, state, started_at, deadline_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (exam_id, student_id) WHERE NOT discarded DO NOTHING
		 RETURNING id`,
		a.ExamID, a.StudentID, model.AttemptStateActive, a.StartedAt, a.DeadlineAt,
	).Scan(&a.ID)
}

// GetByID retrieves an attempt by primary key.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	return r.scanOne(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id))
}

// GetLive retrieves the single non-discarded attempt for a (student, exam)
// pair, in whatever state it is.
func (r *AttemptRepository) GetLive(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error) {
	return r.scanOne(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts
		 WHERE exam_id = $1 AND student_id = $2 AND NOT discarded`,
		examID, studentID))
}

// BeginSubmit atomically moves the live attempt from ACTIVE to SUBMITTING and
// returns it. pgx.ErrNoRows means the attempt was not ACTIVE: either it never
// existed or a concurrent submit claimed it first.
func (r *AttemptRepository) BeginSubmit(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error) {
	return r.scanOne(r.pool.QueryRow(ctx,
		`UPDATE attempts SET state = $1
		 WHERE exam_id = $2 AND student_id = $3 AND NOT discarded AND state = $4
		 RETURNING `+attemptColumns,
		model.AttemptStateSubmitting, examID, studentID, model.AttemptStateActive))
}

// AbortSubmit reverts a SUBMITTING attempt to ACTIVE after a grading failure
// so a later submit can retry.
func (r *AttemptRepository) AbortSubmit(ctx context.Context, attemptID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE attempts SET state = $1 WHERE id = $2 AND state = $3`,
		model.AttemptStateActive, attemptID, model.AttemptStateSubmitting)
	return err
}

// Finalize writes the graded outcome and moves the attempt to FINALIZED in a
// single transaction. The per-question rows are replaced wholesale so the
// stored answers always match the graded result.
func (r *AttemptRepository) Finalize(ctx context.Context, attemptID uuid.UUID, kind model.SubmitKind, finishedAt time.Time, graded *model.GradedResult) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE attempts
		 SET state = $1, submit_kind = $2, finished_at = $3,
		     total_score = $4, max_score = $5, percentage = $6, passed = $7, time_taken_seconds = $8
		 WHERE id = $9 AND state = $10`,
		model.AttemptStateFinalized, kind, finishedAt,
		graded.TotalScore, graded.MaxScore, graded.Percentage, graded.Passed, graded.TimeTakenSeconds,
		attemptID, model.AttemptStateSubmitting)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	if _, err := tx.Exec(ctx, `DELETE FROM attempt_answers WHERE attempt_id = $1`, attemptID); err != nil {
		return fmt.Errorf("clear answers: %w", err)
	}

	rows := make([][]any, 0, len(graded.Answers))
	for _, ar := range graded.Answers {
		rows = append(rows, []any{attemptID, ar.QuestionID, ar.SubmittedAnswer, ar.IsCorrect, ar.MarksObtained})
	}
	if len(rows) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"attempt_answers"},
			[]string{"attempt_id", "question_id", "submitted_answer", "is_correct", "marks_obtained"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("copy answers: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// Discard soft-deletes an attempt, freeing the (student, exam) slot. The row
// and its alerts remain for audit.
func (r *AttemptRepository) Discard(ctx context.Context, attemptID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE attempts SET discarded = TRUE WHERE id = $1`, attemptID)
	return err
}

// ListActive returns every non-discarded ACTIVE attempt. Used at startup to
// re-arm deadline timers.
func (r *AttemptRepository) ListActive(ctx context.Context) ([]model.Attempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE state = $1 AND NOT discarded`,
		model.AttemptStateActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanMany(rows)
}

// ListByExam returns attempts for one exam, newest first, with pagination.
func (r *AttemptRepository) ListByExam(ctx context.Context, examID uuid.UUID, page, perPage int) ([]model.Attempt, int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM attempts WHERE exam_id = $1 AND NOT discarded`, examID,
	).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM attempts
		 WHERE exam_id = $1 AND NOT discarded
		 ORDER BY started_at DESC
		 LIMIT $2 OFFSET $3`,
		examID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	attempts, err := r.scanMany(rows)
	return attempts, total, err
}

// ListFinalizedByStudent returns a student's finalized attempts across all
// exams, newest first. Discarded attempts are excluded.
func (r *AttemptRepository) ListFinalizedByStudent(ctx context.Context, studentID int) ([]model.Attempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM attempts
		 WHERE student_id = $1 AND state = $2 AND NOT discarded
		 ORDER BY finished_at DESC`,
		studentID, model.AttemptStateFinalized)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanMany(rows)
}

// Answers returns the graded per-question rows of a finalized attempt.
func (r *AttemptRepository) Answers(ctx context.Context, attemptID uuid.UUID) ([]model.AnswerResult, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, submitted_answer, is_correct, marks_obtained
		 FROM attempt_answers WHERE attempt_id = $1`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.AnswerResult
	for rows.Next() {
		var ar model.AnswerResult
		if err := rows.Scan(&ar.QuestionID, &ar.SubmittedAnswer, &ar.IsCorrect, &ar.MarksObtained); err != nil {
			return nil, err
		}
		results = append(results, ar)
	}
	return results, rows.Err()
}

// ────────────────────────────────────────────────────────────────────────────
// Redis hot path
// ────────────────────────────────────────────────────────────────────────────

// CacheAnswer stores one answer in the live Redis hash and queues it for
// asynchronous persistence.
func (r *AttemptRepository) CacheAnswer(ctx context.Context, attemptID, examID uuid.UUID, studentID int, questionID uuid.UUID, answer string) error {
	key := config.CacheKey.AttemptAnswersKey(examID.String(), studentID)
	if err := r.rdb.HSet(ctx, key, questionID.String(), answer).Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(PersistAnswerPayload{
		AttemptID:  attemptID,
		QuestionID: questionID,
		Answer:     answer,
	})
	if err != nil {
		return err
	}
	return r.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, payload).Err()
}

// PersistAnswer upserts one answer row in PostgreSQL. Called by the persist
// worker, and directly when Redis is unavailable.
func (r *AttemptRepository) PersistAnswer(ctx context.Context, attemptID, questionID uuid.UUID, answer string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attempt_answers (attempt_id, question_id, submitted_answer)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (attempt_id, question_id)
		 DO UPDATE SET submitted_answer = EXCLUDED.submitted_answer`,
		attemptID, questionID, answer)
	return err
}

// LiveAnswers returns the attempt's answers keyed by question ID, preferring
// the Redis hash and falling back to the durable rows when the hash is
// missing or Redis is down.
func (r *AttemptRepository) LiveAnswers(ctx context.Context, attemptID, examID uuid.UUID, studentID int) (map[string]string, error) {
	key := config.CacheKey.AttemptAnswersKey(examID.String(), studentID)
	answers, err := r.rdb.HGetAll(ctx, key).Result()
	if err == nil && len(answers) > 0 {
		return answers, nil
	}

	rows, qerr := r.pool.Query(ctx,
		`SELECT question_id, submitted_answer FROM attempt_answers WHERE attempt_id = $1`,
		attemptID)
	if qerr != nil {
		return nil, qerr
	}
	defer rows.Close()

	answers = make(map[string]string)
	for rows.Next() {
		var qid uuid.UUID
		var answer string
		if err := rows.Scan(&qid, &answer); err != nil {
			return nil, err
		}
		answers[qid.String()] = answer
	}
	return answers, rows.Err()
}

// SetDeadlineMirror mirrors the attempt deadline into Redis with a TTL
// slightly past the deadline itself.
func (r *AttemptRepository) SetDeadlineMirror(ctx context.Context, examID uuid.UUID, studentID int, deadline time.Time) error {
	key := config.CacheKey.AttemptDeadlineKey(examID.String(), studentID)
	ttl := time.Until(deadline) + 10*time.Minute
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return r.rdb.Set(ctx, key, deadline.Unix(), ttl).Err()
}

// ClearAttemptCache drops the attempt's Redis keys after finalization.
func (r *AttemptRepository) ClearAttemptCache(ctx context.Context, examID uuid.UUID, studentID int) error {
	return r.rdb.Del(ctx,
		config.CacheKey.AttemptAnswersKey(examID.String(), studentID),
		config.CacheKey.AttemptDeadlineKey(examID.String(), studentID),
	).Err()
}

// ────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ────────────────────────────────────────────────────────────────────────────

func (r *AttemptRepository) scanOne(row pgx.Row) (*model.Attempt, error) {
	a := &model.Attempt{}
	err := row.Scan(&a.ID, &a.ExamID, &a.StudentID, &a.State, &a.StartedAt, &a.DeadlineAt,
		&a.FinishedAt, &a.SubmitKind, &a.TotalScore, &a.MaxScore, &a.Percentage, &a.Passed,
		&a.TimeTakenSeconds, &a.Discarded)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *AttemptRepository) scanMany(rows pgx.Rows) ([]model.Attempt, error) {
	var attempts []model.Attempt
	for rows.Next() {
		var a model.Attempt
		if err := rows.Scan(&a.ID, &a.ExamID, &a.StudentID, &a.State, &a.StartedAt, &a.DeadlineAt,
			&a.FinishedAt, &a.SubmitKind, &a.TotalScore, &a.MaxScore, &a.Percentage, &a.Passed,
			&a.TimeTakenSeconds, &a.Discarded); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
