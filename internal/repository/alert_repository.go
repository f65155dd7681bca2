package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/vigilexam/vigil-backend/internal/config"
	"github.com/vigilexam/vigil-backend/internal/model"
)

// AlertRepository handles proctor alert and warning data access. PostgreSQL
// is the durable log; Redis holds the retry queue for inserts that failed.
type AlertRepository struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
}

// NewAlertRepository creates a new AlertRepository.
func NewAlertRepository(pool *pgxpool.Pool, rdb *redis.Client) *AlertRepository {
	return &AlertRepository{pool: pool, rdb: rdb}
}

// Insert appends one alert to the log. Append-only: there is no dedup and no
// update path for stored alerts other than the resolved flag.
func (r *AlertRepository) Insert(ctx context.Context, a *model.AlertRecord) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO proctor_alerts (exam_id, student_id, kind, description, severity, screenshot, orphaned)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, reported_at`,
		a.ExamID, a.StudentID, a.Kind, a.Description, a.Severity, a.Screenshot, a.Orphaned,
	).Scan(&a.ID, &a.ReportedAt)
}

// BulkInsert appends a batch of alerts via COPY. Used by the retry worker.
func (r *AlertRepository) BulkInsert(ctx context.Context, alerts []model.AlertRecord) (int64, error) {
	rows := make([][]any, 0, len(alerts))
	for _, a := range alerts {
		rows = append(rows, []any{a.ExamID, a.StudentID, a.Kind, a.Description, a.Severity, a.Screenshot, a.Orphaned, a.ReportedAt})
	}
	return r.pool.CopyFrom(ctx,
		pgx.Identifier{"proctor_alerts"},
		[]string{"exam_id", "student_id", "kind", "description", "severity", "screenshot", "orphaned", "reported_at"},
		pgx.CopyFromRows(rows),
	)
}

// Resolve marks an alert resolved. Idempotent; resolution never reverts.
func (r *AlertRepository) Resolve(ctx context.Context, alertID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE proctor_alerts SET resolved = TRUE WHERE id = $1`, alertID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListByExam returns an exam's alerts, newest first, with pagination.
func (r *AlertRepository) ListByExam(ctx context.Context, examID uuid.UUID, page, perPage int) ([]model.AlertRecord, int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM proctor_alerts WHERE exam_id = $1`, examID,
	).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, exam_id, student_id, kind, description, severity, screenshot, orphaned, resolved, reported_at
		 FROM proctor_alerts
		 WHERE exam_id = $1
		 ORDER BY reported_at DESC
		 LIMIT $2 OFFSET $3`,
		examID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	alerts, err := scanAlerts(rows)
	return alerts, total, err
}

// ListByStudent returns one student's alerts within an exam, oldest first.
func (r *AlertRepository) ListByStudent(ctx context.Context, examID uuid.UUID, studentID int) ([]model.AlertRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, exam_id, student_id, kind, description, severity, screenshot, orphaned, resolved, reported_at
		 FROM proctor_alerts
		 WHERE exam_id = $1 AND student_id = $2
		 ORDER BY reported_at ASC`,
		examID, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// Summarize aggregates an exam's alerts on demand. Nothing is precomputed;
// the summary is always derived from the stored rows.
func (r *AlertRepository) Summarize(ctx context.Context, examID uuid.UUID) (*model.AlertSummary, error) {
	summary := &model.AlertSummary{
		ByKind:     make(map[model.AlertKind]int),
		BySeverity: make(map[model.AlertSeverity]int),
	}

	rows, err := r.pool.Query(ctx,
		`SELECT kind, severity, resolved, COUNT(*)
		 FROM proctor_alerts
		 WHERE exam_id = $1
		 GROUP BY kind, severity, resolved`,
		examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var kind model.AlertKind
		var severity model.AlertSeverity
		var resolved bool
		var count int
		if err := rows.Scan(&kind, &severity, &resolved, &count); err != nil {
			return nil, err
		}
		summary.TotalAlerts += count
		summary.ByKind[kind] += count
		summary.BySeverity[severity] += count
		if resolved {
			summary.Resolved += count
		} else {
			summary.Unresolved += count
		}
	}
	return summary, rows.Err()
}

// IncrementWarnings bumps the monotone warning counter for a (student, exam)
// pair and returns the new count.
func (r *AlertRepository) IncrementWarnings(ctx context.Context, examID uuid.UUID, studentID int) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`INSERT INTO proctor_warnings (exam_id, student_id, warnings_sent)
		 VALUES ($1, $2, 1)
		 ON CONFLICT (exam_id, student_id)
		 DO UPDATE SET warnings_sent = proctor_warnings.warnings_sent + 1, updated_at = NOW()
		 RETURNING warnings_sent`,
		examID, studentID,
	).Scan(&count)
	return count, err
}

// WarningCount returns the warnings sent to a student in an exam, zero when
// none were ever sent.
func (r *AlertRepository) WarningCount(ctx context.Context, examID uuid.UUID, studentID int) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT warnings_sent FROM proctor_warnings WHERE exam_id = $1 AND student_id = $2`,
		examID, studentID,
	).Scan(&count)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	return count, err
}

// QueueRetry pushes an alert that failed to insert onto the Redis retry
// queue for the alert worker.
func (r *AlertRepository) QueueRetry(ctx context.Context, a *model.AlertRecord) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return r.rdb.RPush(ctx, config.WorkerKey.RetryAlertsQueue, payload).Err()
}

func scanAlerts(rows pgx.Rows) ([]model.AlertRecord, error) {
	var alerts []model.AlertRecord
	for rows.Next() {
		var a model.AlertRecord
		if err := rows.Scan(&a.ID, &a.ExamID, &a.StudentID, &a.Kind, &a.Description, &a.Severity,
			&a.Screenshot, &a.Orphaned, &a.Resolved, &a.ReportedAt); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
