package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vigilexam/vigil-backend/internal/config"
	"github.com/vigilexam/vigil-backend/internal/model"
	"github.com/vigilexam/vigil-backend/internal/repository"
	"github.com/vigilexam/vigil-backend/internal/scoring"
)

const snapshotTTL = 12 * time.Hour

// ExamService handles exam authoring, publication, and snapshot caching.
// Published exams are served from an immutable Redis snapshot so the attempt
// hot path never touches the authoring tables.
type ExamService struct {
	examRepo     *repository.ExamRepository
	questionRepo *repository.QuestionRepository
	rdb          *redis.Client
	log          zerolog.Logger
}

// NewExamService creates a new ExamService.
func NewExamService(
	examRepo *repository.ExamRepository,
	questionRepo *repository.QuestionRepository,
	rdb *redis.Client,
	log zerolog.Logger,
) *ExamService {
	return &ExamService{
		examRepo:     examRepo,
		questionRepo: questionRepo,
		rdb:          rdb,
		log:          log.With().Str("component", "exam_service").Logger(),
	}
}

// GetByID retrieves an exam by its UUID.
func (s *ExamService) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	exam, err := s.examRepo.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return exam, err
}

// ListByAuthor retrieves all exams created by the given admin.
func (s *ExamService) ListByAuthor(ctx context.Context, authorID int) ([]model.Exam, error) {
	exams, err := s.examRepo.ListByAuthor(ctx, authorID)
	if err != nil {
		return nil, err
	}
	if exams == nil {
		exams = []model.Exam{}
	}
	return exams, nil
}

// ListPublished retrieves the exams students may currently start.
func (s *ExamService) ListPublished(ctx context.Context) ([]model.Exam, error) {
	exams, err := s.examRepo.ListPublished(ctx)
	if err != nil {
		return nil, err
	}
	if exams == nil {
		exams = []model.Exam{}
	}
	return exams, nil
}

// Create inserts a new exam as DRAFT.
func (s *ExamService) Create(ctx context.Context, exam *model.Exam) error {
	exam.Status = model.ExamStatusDraft
	return s.examRepo.Create(ctx, exam)
}

// Update applies changes to a draft exam owned by the caller.
func (s *ExamService) Update(ctx context.Context, examID uuid.UUID, authorID int, req *model.UpdateExamRequest) (*model.Exam, error) {
	exam, err := s.ownedDraft(ctx, examID, authorID)
	if err != nil {
		return nil, err
	}

	if req.Title != "" {
		exam.Title = req.Title
	}
	if req.Subject != "" {
		exam.Subject = req.Subject
	}
	if req.DurationSeconds > 0 {
		exam.DurationSeconds = req.DurationSeconds
	}
	if req.PassThreshold != nil {
		exam.PassThreshold = *req.PassThreshold
	}
	if req.RandomizeQuestions != nil {
		exam.RandomizeQuestions = *req.RandomizeQuestions
	}

	if err := s.examRepo.Update(ctx, exam); err != nil {
		return nil, err
	}
	return exam, nil
}

// Delete removes a draft exam owned by the caller.
func (s *ExamService) Delete(ctx context.Context, examID uuid.UUID, authorID int) error {
	if _, err := s.ownedDraft(ctx, examID, authorID); err != nil {
		return err
	}
	return s.examRepo.Delete(ctx, examID)
}

// ReplaceQuestions swaps the full question set of a draft exam.
func (s *ExamService) ReplaceQuestions(ctx context.Context, examID uuid.UUID, authorID int, reqs []model.AddQuestionRequest) error {
	if _, err := s.ownedDraft(ctx, examID, authorID); err != nil {
		return err
	}

	questions := make([]model.Question, 0, len(reqs))
	for i, q := range reqs {
		questions = append(questions, model.Question{
			ExamID:   examID,
			Text:     q.Text,
			Type:     model.QuestionType(q.Type),
			Marks:    q.Marks,
			Options:  q.Options,
			OrderNum: i,
		})
	}
	return s.questionRepo.ReplaceAll(ctx, examID, questions)
}

// Publish moves a draft exam to PUBLISHED and warms its snapshot cache.
// Question types that always score zero are logged so authors notice before
// students sit the exam.
func (s *ExamService) Publish(ctx context.Context, examID uuid.UUID, authorID int) error {
	exam, err := s.ownedDraft(ctx, examID, authorID)
	if err != nil {
		return err
	}

	count, err := s.questionRepo.Count(ctx, examID)
	if err != nil {
		return fmt.Errorf("count questions: %w", err)
	}
	if count == 0 {
		return ErrNoQuestions
	}

	snap, err := s.buildSnapshot(ctx, exam)
	if err != nil {
		return err
	}
	if ungraded := scoring.UngradedTypes(snap); len(ungraded) > 0 {
		s.log.Warn().
			Str("exam_id", examID.String()).
			Interface("types", ungraded).
			Msg("Exam contains question types that always score zero")
	}
	if err := s.cacheSnapshot(ctx, snap); err != nil {
		return err
	}

	if err := s.examRepo.UpdateStatus(ctx, examID, model.ExamStatusPublished); err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	s.log.Info().Str("exam_id", examID.String()).Msg("Exam published")
	return nil
}

// Archive retires a published exam. Running attempts keep their snapshot;
// new attempts can no longer start.
func (s *ExamService) Archive(ctx context.Context, examID uuid.UUID, authorID int) error {
	exam, err := s.GetByID(ctx, examID)
	if err != nil {
		return err
	}
	if exam.AuthorID != authorID {
		return ErrNotExamAuthor
	}
	if exam.Status != model.ExamStatusPublished {
		return ErrExamNotAvailable
	}
	return s.examRepo.UpdateStatus(ctx, examID, model.ExamStatusArchived)
}

// Snapshot returns the published snapshot for an exam, reading the Redis
// cache first and rebuilding from PostgreSQL on a miss.
func (s *ExamService) Snapshot(ctx context.Context, examID uuid.UUID) (*model.ExamSnapshot, error) {
	key := config.CacheKey.ExamSnapshotKey(examID.String())

	raw, err := s.rdb.Get(ctx, key).Result()
	if err == nil {
		snap := &model.ExamSnapshot{}
		if jerr := json.Unmarshal([]byte(raw), snap); jerr == nil {
			return snap, nil
		}
		// Corrupt cache entry: fall through and rebuild.
	} else if !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Snapshot cache read failed, falling back to database")
	}

	exam, err := s.examRepo.GetByID(ctx, examID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrExamNotAvailable
	}
	if err != nil {
		return nil, err
	}
	if exam.Status != model.ExamStatusPublished {
		return nil, ErrExamNotAvailable
	}

	snap, err := s.buildSnapshot(ctx, exam)
	if err != nil {
		return nil, err
	}
	if err := s.cacheSnapshot(ctx, snap); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Snapshot re-cache failed")
	}
	return snap, nil
}

// StudentView derives the student-safe copy of a snapshot. Question order is
// a deterministic permutation seeded by (exam, student, attempt), so a
// reconnecting client always sees the same order.
func (s *ExamService) StudentView(snap *model.ExamSnapshot, studentID int, attemptID uuid.UUID) *model.StudentView {
	view := &model.StudentView{
		ExamID:          snap.ExamID,
		Title:           snap.Title,
		Subject:         snap.Subject,
		DurationSeconds: snap.DurationSeconds,
	}

	order := make([]int, len(snap.Questions))
	for i := range order {
		order[i] = i
	}
	if snap.Randomize {
		order = shuffleOrder(len(snap.Questions), shuffleSeed(snap.ExamID, studentID, attemptID))
	}

	for _, idx := range order {
		q := snap.Questions[idx]
		options := make([]string, 0, len(q.Options))
		for _, opt := range q.Options {
			options = append(options, opt.Text)
		}
		view.Questions = append(view.Questions, model.StudentQuestion{
			ID:      q.ID,
			Type:    q.Type,
			Text:    q.Text,
			Marks:   q.Marks,
			Options: options,
		})
	}
	return view
}

// RefreshSnapshot rebuilds a published exam's snapshot from PostgreSQL and
// replaces the cached copy. Questions are frozen at publish; this exists for
// operational recovery after a manual data fix.
func (s *ExamService) RefreshSnapshot(ctx context.Context, examID uuid.UUID, authorID int) error {
	exam, err := s.GetByID(ctx, examID)
	if err != nil {
		return err
	}
	if exam.AuthorID != authorID {
		return ErrNotExamAuthor
	}
	if exam.Status != model.ExamStatusPublished {
		return ErrExamNotAvailable
	}

	snap, err := s.buildSnapshot(ctx, exam)
	if err != nil {
		return err
	}
	return s.cacheSnapshot(ctx, snap)
}

// PrewarmPublished re-caches snapshots for every published exam. Called at
// startup so a cold Redis does not slow the first attempts.
func (s *ExamService) PrewarmPublished(ctx context.Context) error {
	exams, err := s.examRepo.ListPublished(ctx)
	if err != nil {
		return err
	}
	if len(exams) == 0 {
		s.log.Info().Msg("No published exams to prewarm")
		return nil
	}

	s.log.Info().Int("count", len(exams)).Msg("Prewarming published exam snapshots...")
	warmed := 0
	for i := range exams {
		snap, err := s.buildSnapshot(ctx, &exams[i])
		if err == nil {
			err = s.cacheSnapshot(ctx, snap)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("exam_id", exams[i].ID.String()).Msg("Prewarm failed for exam")
			continue
		}
		warmed++
	}
	s.log.Info().Int("warmed", warmed).Msg("Snapshot prewarm complete")
	return nil
}

// ────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ────────────────────────────────────────────────────────────────────────────

func (s *ExamService) ownedDraft(ctx context.Context, examID uuid.UUID, authorID int) (*model.Exam, error) {
	exam, err := s.GetByID(ctx, examID)
	if err != nil {
		return nil, err
	}
	if exam.AuthorID != authorID {
		return nil, ErrNotExamAuthor
	}
	if exam.Status != model.ExamStatusDraft {
		return nil, ErrExamNotDraft
	}
	return exam, nil
}

func (s *ExamService) buildSnapshot(ctx context.Context, exam *model.Exam) (*model.ExamSnapshot, error) {
	questions, err := s.questionRepo.ListByExam(ctx, exam.ID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}

	snap := &model.ExamSnapshot{
		ExamID:          exam.ID,
		Title:           exam.Title,
		Subject:         exam.Subject,
		DurationSeconds: exam.DurationSeconds,
		PassThreshold:   exam.PassThreshold,
		Randomize:       exam.RandomizeQuestions,
	}
	for _, q := range questions {
		snap.Questions = append(snap.Questions, model.QuestionSpec{
			ID:      q.ID,
			Type:    q.Type,
			Text:    q.Text,
			Marks:   q.Marks,
			Options: q.Options,
		})
	}
	return snap, nil
}

func (s *ExamService) cacheSnapshot(ctx context.Context, snap *model.ExamSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	key := config.CacheKey.ExamSnapshotKey(snap.ExamID.String())
	if err := s.rdb.Set(ctx, key, payload, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("cache snapshot: %w", err)
	}
	return nil
}

func shuffleSeed(examID uuid.UUID, studentID int, attemptID uuid.UUID) int64 {
	h := fnv.New64a()
	h.Write([]byte(examID.String()))
	h.Write([]byte(fmt.Sprintf(":%d:", studentID)))
	h.Write([]byte(attemptID.String()))
	return int64(h.Sum64())
}

func shuffleOrder(n int, seed int64) []int {
	rng := rand.New(rand.NewSource(seed))
	return rng.Perm(n)
}
