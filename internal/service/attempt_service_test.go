package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/vigilexam/vigil-backend/internal/model"
	"github.com/vigilexam/vigil-backend/internal/realtime"
)

// ────────────────────────────────────────────────────────────────────────────
// In-memory fakes
// ────────────────────────────────────────────────────────────────────────────

type memAttemptStore struct {
	mu            sync.Mutex
	attempts      map[uuid.UUID]*model.Attempt
	answers       map[uuid.UUID]map[string]string
	graded        map[uuid.UUID][]model.AnswerResult
	finalizeCalls int
}

func newMemAttemptStore() *memAttemptStore {
	return &memAttemptStore{
		attempts: make(map[uuid.UUID]*model.Attempt),
		answers:  make(map[uuid.UUID]map[string]string),
		graded:   make(map[uuid.UUID][]model.AnswerResult),
	}
}

func (m *memAttemptStore) Create(_ context.Context, a *model.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.attempts {
		if existing.ExamID == a.ExamID && existing.StudentID == a.StudentID && !existing.Discarded {
			return pgx.ErrNoRows
		}
	}
	a.ID = uuid.New()
	cp := *a
	m.attempts[a.ID] = &cp
	return nil
}

func (m *memAttemptStore) GetByID(_ context.Context, id uuid.UUID) (*model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (m *memAttemptStore) GetLive(_ context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.live(examID, studentID); a != nil {
		cp := *a
		return &cp, nil
	}
	return nil, pgx.ErrNoRows
}

func (m *memAttemptStore) BeginSubmit(_ context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.live(examID, studentID)
	if a == nil || a.State != model.AttemptStateActive {
		return nil, pgx.ErrNoRows
	}
	a.State = model.AttemptStateSubmitting
	cp := *a
	return &cp, nil
}

func (m *memAttemptStore) AbortSubmit(_ context.Context, attemptID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.attempts[attemptID]; ok && a.State == model.AttemptStateSubmitting {
		a.State = model.AttemptStateActive
	}
	return nil
}

func (m *memAttemptStore) Finalize(_ context.Context, attemptID uuid.UUID, kind model.SubmitKind, finishedAt time.Time, graded *model.GradedResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptID]
	if !ok || a.State != model.AttemptStateSubmitting {
		return pgx.ErrNoRows
	}
	m.finalizeCalls++
	a.State = model.AttemptStateFinalized
	a.SubmitKind = &kind
	a.FinishedAt = &finishedAt
	a.TotalScore = &graded.TotalScore
	a.MaxScore = &graded.MaxScore
	a.Percentage = &graded.Percentage
	a.Passed = &graded.Passed
	a.TimeTakenSeconds = &graded.TimeTakenSeconds
	m.graded[attemptID] = graded.Answers
	return nil
}

func (m *memAttemptStore) Discard(_ context.Context, attemptID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.attempts[attemptID]; ok {
		a.Discarded = true
	}
	return nil
}

func (m *memAttemptStore) ListActive(_ context.Context) ([]model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Attempt
	for _, a := range m.attempts {
		if a.State == model.AttemptStateActive && !a.Discarded {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *memAttemptStore) Answers(_ context.Context, attemptID uuid.UUID) ([]model.AnswerResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graded[attemptID], nil
}

func (m *memAttemptStore) CacheAnswer(_ context.Context, attemptID, _ uuid.UUID, _ int, questionID uuid.UUID, answer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.answers[attemptID] == nil {
		m.answers[attemptID] = make(map[string]string)
	}
	m.answers[attemptID][questionID.String()] = answer
	return nil
}

func (m *memAttemptStore) PersistAnswer(_ context.Context, attemptID, questionID uuid.UUID, answer string) error {
	return m.CacheAnswer(context.Background(), attemptID, uuid.Nil, 0, questionID, answer)
}

func (m *memAttemptStore) LiveAnswers(_ context.Context, attemptID, _ uuid.UUID, _ int) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.answers[attemptID]))
	for k, v := range m.answers[attemptID] {
		out[k] = v
	}
	return out, nil
}

func (m *memAttemptStore) SetDeadlineMirror(context.Context, uuid.UUID, int, time.Time) error {
	return nil
}

func (m *memAttemptStore) ClearAttemptCache(context.Context, uuid.UUID, int) error {
	return nil
}

func (m *memAttemptStore) live(examID uuid.UUID, studentID int) *model.Attempt {
	for _, a := range m.attempts {
		if a.ExamID == examID && a.StudentID == studentID && !a.Discarded {
			return a
		}
	}
	return nil
}

type fakeSnapshots struct {
	snap *model.ExamSnapshot
}

func (f *fakeSnapshots) Snapshot(_ context.Context, examID uuid.UUID) (*model.ExamSnapshot, error) {
	if f.snap == nil || f.snap.ExamID != examID {
		return nil, ErrExamNotAvailable
	}
	return f.snap, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (p *capturePublisher) Publish(_ context.Context, _ realtime.Room, ev realtime.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) byType(typ realtime.EventType) []realtime.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []realtime.Event
	for _, ev := range p.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// ────────────────────────────────────────────────────────────────────────────
// Fixtures
// ────────────────────────────────────────────────────────────────────────────

const testGrace = 30 * time.Second

func testSnapshot() *model.ExamSnapshot {
	snap := &model.ExamSnapshot{
		ExamID:          uuid.New(),
		Title:           "Physics Final",
		DurationSeconds: 600,
		PassThreshold:   40,
	}
	for i := 0; i < 4; i++ {
		snap.Questions = append(snap.Questions, model.QuestionSpec{
			ID:    uuid.New(),
			Type:  model.QuestionTypeSingleChoice,
			Marks: 1,
			Options: []model.Option{
				{Text: "A", Correct: true},
				{Text: "B"},
			},
		})
	}
	return snap
}

type attemptFixture struct {
	svc   *AttemptService
	store *memAttemptStore
	pub   *capturePublisher
	snap  *model.ExamSnapshot
	clock *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newAttemptFixture(t *testing.T) *attemptFixture {
	t.Helper()
	store := newMemAttemptStore()
	pub := &capturePublisher{}
	snap := testSnapshot()
	clock := &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}

	svc := NewAttemptService(store, &fakeSnapshots{snap: snap}, pub, testGrace, zerolog.Nop())
	svc.now = clock.Now
	t.Cleanup(svc.Shutdown)

	return &attemptFixture{svc: svc, store: store, pub: pub, snap: snap, clock: clock}
}

func (f *attemptFixture) answerAll(t *testing.T, studentID int, correct int) {
	t.Helper()
	ctx := context.Background()
	for i, q := range f.snap.Questions {
		answer := "B"
		if i < correct {
			answer = "A"
		}
		if err := f.svc.RecordAnswer(ctx, f.snap.ExamID, studentID, q.ID, answer); err != nil {
			t.Fatalf("RecordAnswer: %v", err)
		}
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Tests
// ────────────────────────────────────────────────────────────────────────────

func TestStartSetsDeadlineFromSnapshot(t *testing.T) {
	f := newAttemptFixture(t)

	attempt, snap, err := f.svc.Start(context.Background(), f.snap.ExamID, 1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if snap.ExamID != f.snap.ExamID {
		t.Errorf("snapshot exam = %v, want %v", snap.ExamID, f.snap.ExamID)
	}

	wantDeadline := f.clock.Now().Add(600 * time.Second)
	if !attempt.DeadlineAt.Equal(wantDeadline) {
		t.Errorf("deadline = %v, want %v", attempt.DeadlineAt, wantDeadline)
	}
	if attempt.State != model.AttemptStateActive {
		t.Errorf("state = %v, want ACTIVE", attempt.State)
	}

	if got := f.pub.byType(realtime.EventStudentJoined); len(got) != 1 {
		t.Errorf("studentJoined events = %d, want 1", len(got))
	}
}

func TestStartRejectsSecondLiveAttempt(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()

	if _, _, err := f.svc.Start(ctx, f.snap.ExamID, 1); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if _, _, err := f.svc.Start(ctx, f.snap.ExamID, 1); !errors.Is(err, ErrAttemptAlreadyActive) {
		t.Errorf("second Start err = %v, want ErrAttemptAlreadyActive", err)
	}

	// A different student is unaffected.
	if _, _, err := f.svc.Start(ctx, f.snap.ExamID, 2); err != nil {
		t.Errorf("other student Start: %v", err)
	}
}

func TestStartUnknownExam(t *testing.T) {
	f := newAttemptFixture(t)
	if _, _, err := f.svc.Start(context.Background(), uuid.New(), 1); !errors.Is(err, ErrExamNotAvailable) {
		t.Errorf("err = %v, want ErrExamNotAvailable", err)
	}
}

func TestSubmitManualBeforeDeadline(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()

	if _, _, err := f.svc.Start(ctx, f.snap.ExamID, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.answerAll(t, 1, 3)

	f.clock.Set(f.clock.Now().Add(5 * time.Minute))
	summary, err := f.svc.Submit(ctx, f.snap.ExamID, 1, model.SubmitCauseManual)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if summary.SubmitKind != model.SubmitKindSubmitted {
		t.Errorf("kind = %v, want SUBMITTED", summary.SubmitKind)
	}
	if summary.TotalScore != 3 || summary.MaxScore != 4 {
		t.Errorf("score = %v/%v, want 3/4", summary.TotalScore, summary.MaxScore)
	}
	if summary.Percentage != 75.00 {
		t.Errorf("percentage = %v, want 75.00", summary.Percentage)
	}
	if !summary.Passed {
		t.Error("passed = false, want true")
	}
	if summary.TimeTakenSeconds != 300 {
		t.Errorf("time taken = %d, want 300", summary.TimeTakenSeconds)
	}

	if got := f.pub.byType(realtime.EventStudentSubmitted); len(got) != 1 {
		t.Errorf("studentSubmitted events = %d, want 1", len(got))
	}
}

func TestSubmitGraceBoundary(t *testing.T) {
	tests := []struct {
		name   string
		offset time.Duration // relative to deadline
		want   model.SubmitKind
	}{
		{name: "well before deadline", offset: -time.Minute, want: model.SubmitKindSubmitted},
		{name: "just before deadline", offset: -time.Second, want: model.SubmitKindSubmitted},
		{name: "inside grace window", offset: testGrace - time.Second, want: model.SubmitKindSubmitted},
		{name: "exactly at grace boundary", offset: testGrace, want: model.SubmitKindAutoSubmitted},
		{name: "after grace window", offset: testGrace + time.Minute, want: model.SubmitKindAutoSubmitted},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newAttemptFixture(t)
			ctx := context.Background()

			attempt, _, err := f.svc.Start(ctx, f.snap.ExamID, 1)
			if err != nil {
				t.Fatalf("Start: %v", err)
			}

			f.clock.Set(attempt.DeadlineAt.Add(tc.offset))
			summary, err := f.svc.Submit(ctx, f.snap.ExamID, 1, model.SubmitCauseManual)
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if summary.SubmitKind != tc.want {
				t.Errorf("kind = %v, want %v", summary.SubmitKind, tc.want)
			}
		})
	}
}

func TestSubmitTimeoutCauseAlwaysAutoSubmitted(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()

	if _, _, err := f.svc.Start(ctx, f.snap.ExamID, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Even before the deadline, a timeout-caused submit records AUTO_SUBMITTED.
	summary, err := f.svc.Submit(ctx, f.snap.ExamID, 1, model.SubmitCauseTimeout)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if summary.SubmitKind != model.SubmitKindAutoSubmitted {
		t.Errorf("kind = %v, want AUTO_SUBMITTED", summary.SubmitKind)
	}
}

func TestConcurrentSubmitsFinalizeOnce(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()

	if _, _, err := f.svc.Start(ctx, f.snap.ExamID, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.answerAll(t, 1, 4)

	const callers = 10
	var wg sync.WaitGroup
	results := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.svc.Submit(ctx, f.snap.ExamID, 1, model.SubmitCauseManual)
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAttemptAlreadyFinalized):
			conflicts++
		default:
			t.Errorf("unexpected submit error: %v", err)
		}
	}

	if wins != 1 {
		t.Errorf("winning submits = %d, want exactly 1", wins)
	}
	if conflicts != callers-1 {
		t.Errorf("conflict errors = %d, want %d", conflicts, callers-1)
	}
	if f.store.finalizeCalls != 1 {
		t.Errorf("finalize calls = %d, want 1", f.store.finalizeCalls)
	}
}

func TestRecordAnswerDeadlineCutoff(t *testing.T) {
	cases := []struct {
		name   string
		offset time.Duration
		wantOK bool
	}{
		{name: "well before deadline", offset: -time.Minute, wantOK: true},
		{name: "one second before deadline", offset: -time.Second, wantOK: true},
		{name: "exactly at deadline", offset: 0, wantOK: false},
		{name: "inside grace window", offset: testGrace - time.Second, wantOK: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newAttemptFixture(t)
			ctx := context.Background()

			attempt, _, err := f.svc.Start(ctx, f.snap.ExamID, 1)
			if err != nil {
				t.Fatalf("Start: %v", err)
			}

			f.clock.Set(attempt.DeadlineAt.Add(tc.offset))

			err = f.svc.RecordAnswer(ctx, f.snap.ExamID, 1, f.snap.Questions[0].ID, "A")
			if tc.wantOK && err != nil {
				t.Errorf("RecordAnswer: %v, want accepted", err)
			}
			if !tc.wantOK && !errors.Is(err, ErrAttemptNotActive) {
				t.Errorf("err = %v, want ErrAttemptNotActive", err)
			}
		})
	}
}

func TestRecordAnswerAfterFinalize(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()

	if _, _, err := f.svc.Start(ctx, f.snap.ExamID, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.svc.Submit(ctx, f.snap.ExamID, 1, model.SubmitCauseManual); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	err := f.svc.RecordAnswer(ctx, f.snap.ExamID, 1, f.snap.Questions[0].ID, "A")
	if !errors.Is(err, ErrAttemptNotActive) {
		t.Errorf("err = %v, want ErrAttemptNotActive", err)
	}
}

func TestResubmitRejectedNotRegraded(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()

	if _, _, err := f.svc.Start(ctx, f.snap.ExamID, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.answerAll(t, 1, 2)

	first, err := f.svc.Submit(ctx, f.snap.ExamID, 1, model.SubmitCauseManual)
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	if _, err := f.svc.Submit(ctx, f.snap.ExamID, 1, model.SubmitCauseManual); !errors.Is(err, ErrAttemptAlreadyFinalized) {
		t.Fatalf("second Submit err = %v, want ErrAttemptAlreadyFinalized", err)
	}

	// Stored outcome is untouched by the rejected resubmit.
	result, err := f.svc.Result(ctx, f.snap.ExamID, 1)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if *result.Attempt.TotalScore != first.TotalScore {
		t.Errorf("stored total = %v, want %v", *result.Attempt.TotalScore, first.TotalScore)
	}
}

func TestResultRequiresFinalization(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Result(ctx, f.snap.ExamID, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("no attempt: err = %v, want ErrNotFound", err)
	}

	if _, _, err := f.svc.Start(ctx, f.snap.ExamID, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.svc.Result(ctx, f.snap.ExamID, 1); !errors.Is(err, ErrAttemptNotFinalized) {
		t.Errorf("active attempt: err = %v, want ErrAttemptNotFinalized", err)
	}

	f.answerAll(t, 1, 4)
	if _, err := f.svc.Submit(ctx, f.snap.ExamID, 1, model.SubmitCauseManual); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	result, err := f.svc.Result(ctx, f.snap.ExamID, 1)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if len(result.Answers) != 4 {
		t.Errorf("answers = %d, want 4", len(result.Answers))
	}
	if *result.Attempt.Percentage != 100.00 {
		t.Errorf("percentage = %v, want 100.00", *result.Attempt.Percentage)
	}
}

func TestSweepExpiredAutoSubmitsOverdue(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()

	attempt, _, err := f.svc.Start(ctx, f.snap.ExamID, 1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.answerAll(t, 1, 1)

	// Still inside the grace window: nothing to sweep.
	f.clock.Set(attempt.DeadlineAt.Add(testGrace - time.Second))
	if n, err := f.svc.SweepExpired(ctx); err != nil || n != 0 {
		t.Errorf("early sweep = (%d, %v), want (0, nil)", n, err)
	}

	f.clock.Set(attempt.DeadlineAt.Add(testGrace))
	n, err := f.svc.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}

	result, err := f.svc.Result(ctx, f.snap.ExamID, 1)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if *result.Attempt.SubmitKind != model.SubmitKindAutoSubmitted {
		t.Errorf("kind = %v, want AUTO_SUBMITTED", *result.Attempt.SubmitKind)
	}
	if *result.Attempt.TotalScore != 1 {
		t.Errorf("total = %v, want 1 (answers saved before timeout count)", *result.Attempt.TotalScore)
	}
}

func TestDiscardFreesSlot(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()

	attempt, _, err := f.svc.Start(ctx, f.snap.ExamID, 1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := f.svc.Discard(ctx, attempt.ID); err != nil {
		t.Fatalf("Discard: %v", err)
	}

	if _, _, err := f.svc.Start(ctx, f.snap.ExamID, 1); err != nil {
		t.Errorf("Start after discard: %v", err)
	}

	if err := f.svc.Discard(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("discard unknown: err = %v, want ErrNotFound", err)
	}
}

func TestDeadlineTimerAutoSubmits(t *testing.T) {
	f := newAttemptFixture(t)
	ctx := context.Background()

	attempt, _, err := f.svc.Start(ctx, f.snap.ExamID, 1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Move the clock past the grace window and re-arm; the timer fires
	// immediately because the fire time is already in the past.
	f.clock.Set(attempt.DeadlineAt.Add(testGrace))
	f.svc.armDeadline(attempt)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if result, err := f.svc.Result(ctx, f.snap.ExamID, 1); err == nil {
			if *result.Attempt.SubmitKind != model.SubmitKindAutoSubmitted {
				t.Errorf("kind = %v, want AUTO_SUBMITTED", *result.Attempt.SubmitKind)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("deadline timer did not finalize the attempt")
}
