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

	"github.com/vigilexam/vigil-backend/internal/model"
	"github.com/vigilexam/vigil-backend/internal/realtime"
	"github.com/vigilexam/vigil-backend/internal/scoring"
)

// AttemptStore is the persistence surface the attempt state machine needs.
// *repository.AttemptRepository implements it.
type AttemptStore interface {
	Create(ctx context.Context, a *model.Attempt) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error)
	GetLive(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error)
	BeginSubmit(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error)
	AbortSubmit(ctx context.Context, attemptID uuid.UUID) error
	Finalize(ctx context.Context, attemptID uuid.UUID, kind model.SubmitKind, finishedAt time.Time, graded *model.GradedResult) error
	Discard(ctx context.Context, attemptID uuid.UUID) error
	ListActive(ctx context.Context) ([]model.Attempt, error)
	Answers(ctx context.Context, attemptID uuid.UUID) ([]model.AnswerResult, error)
	CacheAnswer(ctx context.Context, attemptID, examID uuid.UUID, studentID int, questionID uuid.UUID, answer string) error
	PersistAnswer(ctx context.Context, attemptID, questionID uuid.UUID, answer string) error
	LiveAnswers(ctx context.Context, attemptID, examID uuid.UUID, studentID int) (map[string]string, error)
	SetDeadlineMirror(ctx context.Context, examID uuid.UUID, studentID int, deadline time.Time) error
	ClearAttemptCache(ctx context.Context, examID uuid.UUID, studentID int) error
}

// SnapshotSource resolves the immutable snapshot of a published exam.
// *ExamService implements it.
type SnapshotSource interface {
	Snapshot(ctx context.Context, examID uuid.UUID) (*model.ExamSnapshot, error)
}

// AttemptResult is a finalized attempt together with its graded answers.
type AttemptResult struct {
	Attempt *model.Attempt       `json:"attempt"`
	Answers []model.AnswerResult `json:"answers"`
}

// AttemptService drives the attempt state machine:
//
//	ACTIVE ──submit──▶ SUBMITTING ──grade──▶ FINALIZED
//
// Finalization happens exactly once per attempt. A keyed mutex serializes
// concurrent submits for the same (student, exam) pair in-process; the
// SUBMITTING compare-and-set in the store settles races across processes.
// The server clock is authoritative for the deadline: each ACTIVE attempt
// carries a timer that fires auto-submission when the grace window closes,
// regardless of what the client does.
type AttemptService struct {
	store     AttemptStore
	snapshots SnapshotSource
	publisher realtime.Publisher
	grace     time.Duration
	log       zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	timersMu sync.Mutex
	timers   map[uuid.UUID]*time.Timer

	now func() time.Time
}

// NewAttemptService creates a new AttemptService. grace is the window after
// the deadline during which a manual submit still counts as SUBMITTED.
func NewAttemptService(
	store AttemptStore,
	snapshots SnapshotSource,
	publisher realtime.Publisher,
	grace time.Duration,
	log zerolog.Logger,
) *AttemptService {
	return &AttemptService{
		store:     store,
		snapshots: snapshots,
		publisher: publisher,
		grace:     grace,
		log:       log.With().Str("component", "attempt_service").Logger(),
		locks:     make(map[string]*sync.Mutex),
		timers:    make(map[uuid.UUID]*time.Timer),
		now:       time.Now,
	}
}

// Start opens a new ACTIVE attempt for (student, exam). The deadline is fixed
// at start from the snapshot duration and never extended. A second start
// while a live attempt exists fails with ErrAttemptAlreadyActive.
func (s *AttemptService) Start(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, *model.ExamSnapshot, error) {
	snap, err := s.snapshots.Snapshot(ctx, examID)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	attempt := &model.Attempt{
		ExamID:     examID,
		StudentID:  studentID,
		State:      model.AttemptStateActive,
		StartedAt:  now,
		DeadlineAt: now.Add(time.Duration(snap.DurationSeconds) * time.Second),
	}

	if err := s.store.Create(ctx, attempt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrAttemptAlreadyActive
		}
		return nil, nil, fmt.Errorf("create attempt: %w", err)
	}

	if err := s.store.SetDeadlineMirror(ctx, examID, studentID, attempt.DeadlineAt); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attempt.ID.String()).Msg("Deadline mirror write failed")
	}

	s.armDeadline(attempt)

	s.publish(realtime.NewEvent(realtime.EventStudentJoined, examID, studentID, map[string]any{
		"attempt_id":  attempt.ID,
		"deadline_at": attempt.DeadlineAt,
	}))

	s.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Str("exam_id", examID.String()).
		Int("student_id", studentID).
		Time("deadline_at", attempt.DeadlineAt).
		Msg("Attempt started")

	return attempt, snap, nil
}

// RecordAnswer saves one answer for the live attempt. Answers are accepted
// while the attempt is ACTIVE and the server clock is before the deadline.
// The grace window only tolerates late submits; it never extends writing.
func (s *AttemptService) RecordAnswer(ctx context.Context, examID uuid.UUID, studentID int, questionID uuid.UUID, answer string) error {
	attempt, err := s.store.GetLive(ctx, examID, studentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAttemptNotActive
		}
		return err
	}
	if attempt.State != model.AttemptStateActive {
		return ErrAttemptNotActive
	}
	if !s.now().Before(attempt.DeadlineAt) {
		return ErrAttemptNotActive
	}

	if err := s.store.CacheAnswer(ctx, attempt.ID, examID, studentID, questionID, answer); err != nil {
		// Redis down: write the durable row directly so the answer survives.
		s.log.Warn().Err(err).Str("attempt_id", attempt.ID.String()).Msg("Answer cache write failed, persisting directly")
		return s.store.PersistAnswer(ctx, attempt.ID, questionID, answer)
	}
	return nil
}

// Submit finalizes the live attempt. cause says why the caller is submitting;
// the recorded kind is decided by the server clock: a submit observed before
// deadline+grace is SUBMITTED, at or after it is AUTO_SUBMITTED.
func (s *AttemptService) Submit(ctx context.Context, examID uuid.UUID, studentID int, cause model.SubmitCause) (*model.SubmitSummary, error) {
	lock := s.lockFor(examID, studentID)
	lock.Lock()
	defer lock.Unlock()

	attempt, err := s.store.BeginSubmit(ctx, examID, studentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.classifySubmitConflict(ctx, examID, studentID)
		}
		return nil, fmt.Errorf("begin submit: %w", err)
	}

	summary, err := s.finalize(ctx, attempt, cause)
	if err != nil {
		if aerr := s.store.AbortSubmit(ctx, attempt.ID); aerr != nil {
			s.log.Error().Err(aerr).Str("attempt_id", attempt.ID.String()).Msg("Abort submit failed; attempt stuck in SUBMITTING")
		}
		return nil, err
	}
	return summary, nil
}

// Live returns the student's non-discarded attempt for an exam.
func (s *AttemptService) Live(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error) {
	attempt, err := s.store.GetLive(ctx, examID, studentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return attempt, nil
}

// Result returns the graded outcome of the student's finalized attempt.
func (s *AttemptService) Result(ctx context.Context, examID uuid.UUID, studentID int) (*AttemptResult, error) {
	attempt, err := s.store.GetLive(ctx, examID, studentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if attempt.State != model.AttemptStateFinalized {
		return nil, ErrAttemptNotFinalized
	}

	answers, err := s.store.Answers(ctx, attempt.ID)
	if err != nil {
		return nil, err
	}
	return &AttemptResult{Attempt: attempt, Answers: answers}, nil
}

// Discard soft-deletes an attempt so the student can start over. Monitor
// action; the attempt row and its alerts remain for audit.
func (s *AttemptService) Discard(ctx context.Context, attemptID uuid.UUID) error {
	attempt, err := s.store.GetByID(ctx, attemptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	if err := s.store.Discard(ctx, attemptID); err != nil {
		return err
	}

	s.cancelDeadline(attemptID)
	if err := s.store.ClearAttemptCache(ctx, attempt.ExamID, attempt.StudentID); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Attempt cache clear failed")
	}

	s.log.Info().Str("attempt_id", attemptID.String()).Msg("Attempt discarded")
	return nil
}

// RearmDeadlines restores deadline timers for every ACTIVE attempt after a
// restart. Attempts already past their grace window are submitted right away.
func (s *AttemptService) RearmDeadlines(ctx context.Context) error {
	attempts, err := s.store.ListActive(ctx)
	if err != nil {
		return err
	}

	rearmed, overdue := 0, 0
	for i := range attempts {
		a := attempts[i]
		if !s.now().Before(a.DeadlineAt.Add(s.grace)) {
			overdue++
			go s.autoSubmit(a.ExamID, a.StudentID)
			continue
		}
		s.armDeadline(&a)
		rearmed++
	}

	s.log.Info().Int("rearmed", rearmed).Int("overdue", overdue).Msg("Deadline timers restored")
	return nil
}

// SweepExpired finalizes ACTIVE attempts whose grace window has closed. The
// deadline worker calls this periodically as a safety net behind the timers.
func (s *AttemptService) SweepExpired(ctx context.Context) (int, error) {
	attempts, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, a := range attempts {
		if s.now().Before(a.DeadlineAt.Add(s.grace)) {
			continue
		}
		if _, err := s.Submit(ctx, a.ExamID, a.StudentID, model.SubmitCauseTimeout); err != nil {
			if errors.Is(err, ErrAttemptAlreadyFinalized) || errors.Is(err, ErrAttemptNotActive) {
				continue
			}
			s.log.Error().Err(err).Str("attempt_id", a.ID.String()).Msg("Sweep auto-submit failed")
			continue
		}
		swept++
	}
	return swept, nil
}

// Shutdown stops all armed deadline timers. Pending deadlines are recovered
// by RearmDeadlines on the next start.
func (s *AttemptService) Shutdown() {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ────────────────────────────────────────────────────────────────────────────

func (s *AttemptService) finalize(ctx context.Context, attempt *model.Attempt, cause model.SubmitCause) (*model.SubmitSummary, error) {
	snap, err := s.snapshots.Snapshot(ctx, attempt.ExamID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	answers, err := s.store.LiveAnswers(ctx, attempt.ID, attempt.ExamID, attempt.StudentID)
	if err != nil {
		return nil, fmt.Errorf("load answers: %w", err)
	}

	now := s.now()
	graded := scoring.Grade(snap, answers)
	graded.TimeTakenSeconds = int(now.Sub(attempt.StartedAt).Seconds())

	kind := model.SubmitKindSubmitted
	if cause == model.SubmitCauseTimeout || !now.Before(attempt.DeadlineAt.Add(s.grace)) {
		kind = model.SubmitKindAutoSubmitted
	}

	if err := s.store.Finalize(ctx, attempt.ID, kind, now, &graded); err != nil {
		return nil, fmt.Errorf("finalize attempt: %w", err)
	}

	s.cancelDeadline(attempt.ID)
	if err := s.store.ClearAttemptCache(ctx, attempt.ExamID, attempt.StudentID); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attempt.ID.String()).Msg("Attempt cache clear failed")
	}

	s.publish(realtime.NewEvent(realtime.EventStudentSubmitted, attempt.ExamID, attempt.StudentID, map[string]any{
		"attempt_id":  attempt.ID,
		"submit_kind": kind,
		"percentage":  graded.Percentage,
	}))

	s.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Str("submit_kind", string(kind)).
		Float64("percentage", graded.Percentage).
		Msg("Attempt finalized")

	return &model.SubmitSummary{
		TotalScore:       graded.TotalScore,
		MaxScore:         graded.MaxScore,
		Percentage:       graded.Percentage,
		Passed:           graded.Passed,
		TimeTakenSeconds: graded.TimeTakenSeconds,
		SubmitKind:       kind,
	}, nil
}

// classifySubmitConflict distinguishes "nothing to submit" from "someone
// already submitted" after the SUBMITTING compare-and-set found no row.
func (s *AttemptService) classifySubmitConflict(ctx context.Context, examID uuid.UUID, studentID int) error {
	attempt, err := s.store.GetLive(ctx, examID, studentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAttemptNotActive
		}
		return err
	}
	if attempt.State == model.AttemptStateFinalized {
		return ErrAttemptAlreadyFinalized
	}
	return ErrAttemptNotActive
}

func (s *AttemptService) armDeadline(attempt *model.Attempt) {
	fireAt := attempt.DeadlineAt.Add(s.grace)
	delay := fireAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}

	examID, studentID, attemptID := attempt.ExamID, attempt.StudentID, attempt.ID

	s.timersMu.Lock()
	if old, ok := s.timers[attemptID]; ok {
		old.Stop()
	}
	s.timers[attemptID] = time.AfterFunc(delay, func() {
		s.cancelDeadline(attemptID)
		s.autoSubmit(examID, studentID)
	})
	s.timersMu.Unlock()
}

func (s *AttemptService) cancelDeadline(attemptID uuid.UUID) {
	s.timersMu.Lock()
	if t, ok := s.timers[attemptID]; ok {
		t.Stop()
		delete(s.timers, attemptID)
	}
	s.timersMu.Unlock()
}

func (s *AttemptService) autoSubmit(examID uuid.UUID, studentID int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.Submit(ctx, examID, studentID, model.SubmitCauseTimeout)
	if err != nil && !errors.Is(err, ErrAttemptAlreadyFinalized) && !errors.Is(err, ErrAttemptNotActive) {
		s.log.Error().Err(err).
			Str("exam_id", examID.String()).
			Int("student_id", studentID).
			Msg("Deadline auto-submit failed; sweep will retry")
	}
}

func (s *AttemptService) lockFor(examID uuid.UUID, studentID int) *sync.Mutex {
	key := fmt.Sprintf("%s:%d", examID, studentID)
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

func (s *AttemptService) publish(ev realtime.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.publisher.Publish(ctx, realtime.Rooms.ExamRoom(ev.ExamID), ev); err != nil {
		s.log.Warn().Err(err).Str("event", string(ev.Type)).Msg("Room publish failed")
	}
}
