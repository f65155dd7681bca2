package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vigilexam/vigil-backend/internal/model"
	"github.com/vigilexam/vigil-backend/internal/realtime"
)

// AlertStore is the persistence surface of the alert pipeline.
// *repository.AlertRepository implements it.
type AlertStore interface {
	Insert(ctx context.Context, a *model.AlertRecord) error
	QueueRetry(ctx context.Context, a *model.AlertRecord) error
	Resolve(ctx context.Context, alertID uuid.UUID) error
	ListByExam(ctx context.Context, examID uuid.UUID, page, perPage int) ([]model.AlertRecord, int64, error)
	ListByStudent(ctx context.Context, examID uuid.UUID, studentID int) ([]model.AlertRecord, error)
	Summarize(ctx context.Context, examID uuid.UUID) (*model.AlertSummary, error)
	IncrementWarnings(ctx context.Context, examID uuid.UUID, studentID int) (int, error)
	WarningCount(ctx context.Context, examID uuid.UUID, studentID int) (int, error)
}

// AttemptProbe answers whether a (student, exam) pair has a live attempt.
type AttemptProbe interface {
	GetLive(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error)
}

// ProctorService runs the alert pipeline: every reported alert is stored
// append-only, then forwarded into the exam room subject to a per-student
// rate limit. The limit throttles forwarding only; storage always happens.
// The server records what clients assert and never judges validity.
type ProctorService struct {
	store     AlertStore
	attempts  AttemptProbe
	publisher realtime.Publisher
	log       zerolog.Logger

	forwardRate  rate.Limit
	forwardBurst int

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// NewProctorService creates a new ProctorService. forwardRate/forwardBurst
// bound how many alerts per (student, exam) reach the room per second.
func NewProctorService(
	store AlertStore,
	attempts AttemptProbe,
	publisher realtime.Publisher,
	forwardRate float64,
	forwardBurst int,
	log zerolog.Logger,
) *ProctorService {
	return &ProctorService{
		store:        store,
		attempts:     attempts,
		publisher:    publisher,
		log:          log.With().Str("component", "proctor_service").Logger(),
		forwardRate:  rate.Limit(forwardRate),
		forwardBurst: forwardBurst,
		limiters:     make(map[string]*rate.Limiter),
	}
}

// ReportAlert stores one alert and forwards it to the exam room. An alert
// reported while no live attempt exists is stored with the orphaned flag
// rather than rejected. When the database insert fails the alert goes onto
// the Redis retry queue; reporting never fails the exam path.
func (s *ProctorService) ReportAlert(ctx context.Context, studentID int, req *model.ReportAlertRequest) (*model.AlertRecord, error) {
	severity := model.AlertSeverity(req.Severity)
	if severity == "" {
		severity = model.SeverityMedium
	}

	record := &model.AlertRecord{
		ExamID:      req.ExamID,
		StudentID:   studentID,
		Kind:        model.AlertKind(req.Kind),
		Description: req.Description,
		Severity:    severity,
		Screenshot:  req.Screenshot,
		Orphaned:    s.isOrphaned(ctx, req.ExamID, studentID),
	}

	if err := s.store.Insert(ctx, record); err != nil {
		s.log.Warn().Err(err).
			Str("exam_id", req.ExamID.String()).
			Int("student_id", studentID).
			Msg("Alert insert failed, queueing for retry")
		record.ReportedAt = time.Now().UTC()
		if qerr := s.store.QueueRetry(ctx, record); qerr != nil {
			return nil, fmt.Errorf("store alert: %w", errors.Join(err, qerr))
		}
	}

	s.forward(ctx, record)
	return record, nil
}

// SendWarning bumps the warning counter for a student and pushes the warning
// into the exam room. The counter is monotone and independent of alerts.
func (s *ProctorService) SendWarning(ctx context.Context, examID uuid.UUID, studentID int, message string) (int, error) {
	count, err := s.store.IncrementWarnings(ctx, examID, studentID)
	if err != nil {
		return 0, fmt.Errorf("increment warnings: %w", err)
	}

	ev := realtime.NewEvent(realtime.EventWarning, examID, studentID, map[string]any{
		"message":       message,
		"warnings_sent": count,
	})
	if err := s.publisher.Publish(ctx, realtime.Rooms.ExamRoom(examID), ev); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Warning publish failed")
	}

	return count, nil
}

// Resolve marks a stored alert resolved. Idempotent; resolving an already
// resolved alert succeeds without change.
func (s *ProctorService) Resolve(ctx context.Context, alertID uuid.UUID) error {
	if err := s.store.Resolve(ctx, alertID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// ListByExam returns an exam's alerts, newest first.
func (s *ProctorService) ListByExam(ctx context.Context, examID uuid.UUID, page, perPage int) ([]model.AlertRecord, int64, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	alerts, total, err := s.store.ListByExam(ctx, examID, page, perPage)
	if err != nil {
		return nil, 0, err
	}
	if alerts == nil {
		alerts = []model.AlertRecord{}
	}
	return alerts, total, nil
}

// ListByStudent returns one student's alerts within an exam, oldest first.
func (s *ProctorService) ListByStudent(ctx context.Context, examID uuid.UUID, studentID int) ([]model.AlertRecord, error) {
	alerts, err := s.store.ListByStudent(ctx, examID, studentID)
	if err != nil {
		return nil, err
	}
	if alerts == nil {
		alerts = []model.AlertRecord{}
	}
	return alerts, nil
}

// Summarize aggregates an exam's stored alerts. Derived on demand, so two
// calls with no reports in between return identical summaries.
func (s *ProctorService) Summarize(ctx context.Context, examID uuid.UUID) (*model.AlertSummary, error) {
	return s.store.Summarize(ctx, examID)
}

// WarningCount returns how many warnings a student has received in an exam.
func (s *ProctorService) WarningCount(ctx context.Context, examID uuid.UUID, studentID int) (int, error) {
	return s.store.WarningCount(ctx, examID, studentID)
}

// ────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ────────────────────────────────────────────────────────────────────────────

// isOrphaned reports whether no live ACTIVE or SUBMITTING attempt exists for
// the pair. Lookup failure degrades to orphaned=false; the alert is stored
// either way.
func (s *ProctorService) isOrphaned(ctx context.Context, examID uuid.UUID, studentID int) bool {
	attempt, err := s.attempts.GetLive(ctx, examID, studentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return true
		}
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Attempt probe failed during alert report")
		return false
	}
	return attempt.State == model.AttemptStateFinalized
}

// forward pushes the alert into the exam room unless the per-(student, exam)
// limiter says the monitors have seen enough this second.
func (s *ProctorService) forward(ctx context.Context, record *model.AlertRecord) {
	if !s.limiterFor(record.ExamID, record.StudentID).Allow() {
		s.log.Debug().
			Str("exam_id", record.ExamID.String()).
			Int("student_id", record.StudentID).
			Str("kind", string(record.Kind)).
			Msg("Alert forwarding throttled")
		return
	}

	room := realtime.Rooms.ExamRoom(record.ExamID)
	ev := realtime.NewEvent(realtime.EventCheatingAlert, record.ExamID, record.StudentID, record)
	if err := s.publisher.Publish(ctx, room, ev); err != nil {
		s.log.Warn().Err(err).Str("exam_id", record.ExamID.String()).Msg("Alert publish failed")
		return
	}

	// Legacy clients listen for a dedicated tab-switch event.
	if record.Kind == model.AlertTabSwitched {
		tabEv := realtime.NewEvent(realtime.EventTabSwitch, record.ExamID, record.StudentID, record)
		if err := s.publisher.Publish(ctx, room, tabEv); err != nil {
			s.log.Warn().Err(err).Str("exam_id", record.ExamID.String()).Msg("Tab-switch publish failed")
		}
	}
}

func (s *ProctorService) limiterFor(examID uuid.UUID, studentID int) *rate.Limiter {
	key := fmt.Sprintf("%s:%d", examID, studentID)
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	limiter, ok := s.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(s.forwardRate, s.forwardBurst)
		s.limiters[key] = limiter
	}
	return limiter
}
