package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
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

type memAlertStore struct {
	mu         sync.Mutex
	alerts     []model.AlertRecord
	warnings   map[string]int
	retryQueue []model.AlertRecord
	failInsert bool
}

func newMemAlertStore() *memAlertStore {
	return &memAlertStore{warnings: make(map[string]int)}
}

func (m *memAlertStore) Insert(_ context.Context, a *model.AlertRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsert {
		return errors.New("connection refused")
	}
	a.ID = uuid.New()
	a.ReportedAt = time.Now().UTC()
	m.alerts = append(m.alerts, *a)
	return nil
}

func (m *memAlertStore) QueueRetry(_ context.Context, a *model.AlertRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryQueue = append(m.retryQueue, *a)
	return nil
}

func (m *memAlertStore) Resolve(_ context.Context, alertID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID == alertID {
			m.alerts[i].Resolved = true
			return nil
		}
	}
	return pgx.ErrNoRows
}

func (m *memAlertStore) ListByExam(_ context.Context, examID uuid.UUID, _, _ int) ([]model.AlertRecord, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AlertRecord
	for _, a := range m.alerts {
		if a.ExamID == examID {
			out = append(out, a)
		}
	}
	return out, int64(len(out)), nil
}

func (m *memAlertStore) ListByStudent(_ context.Context, examID uuid.UUID, studentID int) ([]model.AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AlertRecord
	for _, a := range m.alerts {
		if a.ExamID == examID && a.StudentID == studentID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memAlertStore) Summarize(_ context.Context, examID uuid.UUID) (*model.AlertSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary := &model.AlertSummary{
		ByKind:     make(map[model.AlertKind]int),
		BySeverity: make(map[model.AlertSeverity]int),
	}
	for _, a := range m.alerts {
		if a.ExamID != examID {
			continue
		}
		summary.TotalAlerts++
		summary.ByKind[a.Kind]++
		summary.BySeverity[a.Severity]++
		if a.Resolved {
			summary.Resolved++
		} else {
			summary.Unresolved++
		}
	}
	return summary, nil
}

func (m *memAlertStore) IncrementWarnings(_ context.Context, examID uuid.UUID, studentID int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := probeKey(examID, studentID)
	m.warnings[key]++
	return m.warnings[key], nil
}

func (m *memAlertStore) WarningCount(_ context.Context, examID uuid.UUID, studentID int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.warnings[probeKey(examID, studentID)], nil
}

func (m *memAlertStore) stored() []model.AlertRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AlertRecord, len(m.alerts))
	copy(out, m.alerts)
	return out
}

type fakeAttemptProbe struct {
	mu   sync.Mutex
	live map[string]*model.Attempt
}

func newFakeAttemptProbe() *fakeAttemptProbe {
	return &fakeAttemptProbe{live: make(map[string]*model.Attempt)}
}

func (f *fakeAttemptProbe) set(examID uuid.UUID, studentID int, state model.AttemptState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[probeKey(examID, studentID)] = &model.Attempt{
		ID: uuid.New(), ExamID: examID, StudentID: studentID, State: state,
	}
}

func (f *fakeAttemptProbe) GetLive(_ context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.live[probeKey(examID, studentID)]; ok {
		return a, nil
	}
	return nil, pgx.ErrNoRows
}

func probeKey(examID uuid.UUID, studentID int) string {
	return fmt.Sprintf("%s:%d", examID, studentID)
}

// ────────────────────────────────────────────────────────────────────────────
// Fixtures
// ────────────────────────────────────────────────────────────────────────────

type proctorFixture struct {
	svc    *ProctorService
	store  *memAlertStore
	probe  *fakeAttemptProbe
	pub    *capturePublisher
	examID uuid.UUID
}

func newProctorFixture(t *testing.T, forwardRate float64, forwardBurst int) *proctorFixture {
	t.Helper()
	store := newMemAlertStore()
	probe := newFakeAttemptProbe()
	pub := &capturePublisher{}
	return &proctorFixture{
		svc:    NewProctorService(store, probe, pub, forwardRate, forwardBurst, zerolog.Nop()),
		store:  store,
		probe:  probe,
		pub:    pub,
		examID: uuid.New(),
	}
}

func (f *proctorFixture) report(t *testing.T, studentID int, kind string) *model.AlertRecord {
	t.Helper()
	record, err := f.svc.ReportAlert(context.Background(), studentID, &model.ReportAlertRequest{
		ExamID: f.examID,
		Kind:   kind,
	})
	if err != nil {
		t.Fatalf("ReportAlert: %v", err)
	}
	return record
}

// ────────────────────────────────────────────────────────────────────────────
// Tests
// ────────────────────────────────────────────────────────────────────────────

func TestReportAlertStoresAndForwards(t *testing.T) {
	f := newProctorFixture(t, 5, 10)
	f.probe.set(f.examID, 7, model.AttemptStateActive)

	record := f.report(t, 7, "face_not_visible")

	if record.ID == uuid.Nil {
		t.Error("record not assigned an ID")
	}
	if record.Orphaned {
		t.Error("orphaned = true with a live attempt")
	}
	if record.Severity != model.SeverityMedium {
		t.Errorf("severity = %v, want medium default", record.Severity)
	}

	if stored := f.store.stored(); len(stored) != 1 {
		t.Fatalf("stored alerts = %d, want 1", len(stored))
	}
	if got := f.pub.byType(realtime.EventCheatingAlert); len(got) != 1 {
		t.Errorf("cheatingAlert events = %d, want 1", len(got))
	}
}

func TestReportAlertBurstAllStoredForwardingThrottled(t *testing.T) {
	// A burst of 5 identical alerts in quick succession: all 5 are stored,
	// forwarding is capped by the limiter burst.
	f := newProctorFixture(t, 1, 2)
	f.probe.set(f.examID, 7, model.AttemptStateActive)

	for i := 0; i < 5; i++ {
		f.report(t, 7, "tab_switched")
	}

	if stored := f.store.stored(); len(stored) != 5 {
		t.Errorf("stored alerts = %d, want all 5", len(stored))
	}
	forwarded := f.pub.byType(realtime.EventCheatingAlert)
	if len(forwarded) != 2 {
		t.Errorf("forwarded alerts = %d, want 2 (limiter burst)", len(forwarded))
	}

	// The summary sees every stored alert, throttled or not.
	summary, err := f.svc.Summarize(context.Background(), f.examID)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if summary.TotalAlerts != 5 || summary.ByKind[model.AlertTabSwitched] != 5 {
		t.Errorf("summary = %+v, want 5 tab_switched", summary)
	}
}

func TestReportAlertThrottleIsPerStudent(t *testing.T) {
	f := newProctorFixture(t, 1, 1)
	f.probe.set(f.examID, 1, model.AttemptStateActive)
	f.probe.set(f.examID, 2, model.AttemptStateActive)

	f.report(t, 1, "window_blur")
	f.report(t, 1, "window_blur") // throttled
	f.report(t, 2, "window_blur") // separate bucket

	if got := f.pub.byType(realtime.EventCheatingAlert); len(got) != 2 {
		t.Errorf("forwarded = %d, want 2 (one per student)", len(got))
	}
}

func TestReportAlertOrphaned(t *testing.T) {
	f := newProctorFixture(t, 5, 10)

	// No attempt at all.
	record := f.report(t, 7, "no_face_detected")
	if !record.Orphaned {
		t.Error("orphaned = false with no live attempt")
	}

	// Finalized attempt counts as no live attempt.
	f.probe.set(f.examID, 8, model.AttemptStateFinalized)
	record = f.report(t, 8, "no_face_detected")
	if !record.Orphaned {
		t.Error("orphaned = false with a finalized attempt")
	}

	// Orphaned alerts are stored and forwarded like any other.
	if stored := f.store.stored(); len(stored) != 2 {
		t.Errorf("stored = %d, want 2", len(stored))
	}
}

func TestReportAlertInsertFailureQueuesRetry(t *testing.T) {
	f := newProctorFixture(t, 5, 10)
	f.probe.set(f.examID, 7, model.AttemptStateActive)
	f.store.failInsert = true

	record, err := f.svc.ReportAlert(context.Background(), 7, &model.ReportAlertRequest{
		ExamID:   f.examID,
		Kind:     "fullscreen_exit",
		Severity: "high",
	})
	if err != nil {
		t.Fatalf("ReportAlert must not fail when the queue accepts: %v", err)
	}
	if record.ReportedAt.IsZero() {
		t.Error("queued record missing reported_at")
	}

	f.store.mu.Lock()
	queued := len(f.store.retryQueue)
	f.store.mu.Unlock()
	if queued != 1 {
		t.Errorf("retry queue = %d, want 1", queued)
	}
}

func TestTabSwitchEmitsLegacyEvent(t *testing.T) {
	f := newProctorFixture(t, 5, 10)
	f.probe.set(f.examID, 7, model.AttemptStateActive)

	f.report(t, 7, "tab_switched")
	f.report(t, 7, "window_blur")

	if got := f.pub.byType(realtime.EventTabSwitch); len(got) != 1 {
		t.Errorf("tabSwitchDetected events = %d, want 1 (only for tab_switched)", len(got))
	}
}

func TestResolveIdempotent(t *testing.T) {
	f := newProctorFixture(t, 5, 10)
	f.probe.set(f.examID, 7, model.AttemptStateActive)
	record := f.report(t, 7, "multiple_faces")

	ctx := context.Background()
	if err := f.svc.Resolve(ctx, record.ID); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if err := f.svc.Resolve(ctx, record.ID); err != nil {
		t.Errorf("second Resolve: %v, want nil (idempotent)", err)
	}
	if err := f.svc.Resolve(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown alert: err = %v, want ErrNotFound", err)
	}

	summary, _ := f.svc.Summarize(ctx, f.examID)
	if summary.Resolved != 1 || summary.Unresolved != 0 {
		t.Errorf("summary resolved/unresolved = %d/%d, want 1/0", summary.Resolved, summary.Unresolved)
	}
}

func TestSendWarningMonotoneCounter(t *testing.T) {
	f := newProctorFixture(t, 5, 10)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		count, err := f.svc.SendWarning(ctx, f.examID, 7, "eyes on your own screen")
		if err != nil {
			t.Fatalf("SendWarning: %v", err)
		}
		if count != want {
			t.Errorf("count = %d, want %d", count, want)
		}
	}

	if got := f.pub.byType(realtime.EventWarning); len(got) != 3 {
		t.Errorf("warning events = %d, want 3", len(got))
	}

	// Warnings do not create alerts.
	if stored := f.store.stored(); len(stored) != 0 {
		t.Errorf("stored alerts = %d, want 0", len(stored))
	}
}

func TestSummarizeDeterministic(t *testing.T) {
	f := newProctorFixture(t, 100, 100)
	f.probe.set(f.examID, 7, model.AttemptStateActive)

	f.report(t, 7, "tab_switched")
	f.report(t, 7, "tab_switched")
	f.report(t, 7, "face_not_visible")

	ctx := context.Background()
	first, err := f.svc.Summarize(ctx, f.examID)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	second, err := f.svc.Summarize(ctx, f.examID)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Errorf("summaries differ with no reports in between:\n%+v\n%+v", first, second)
	}
	if first.TotalAlerts != 3 || first.ByKind[model.AlertTabSwitched] != 2 {
		t.Errorf("summary = %+v, want 3 total / 2 tab_switched", first)
	}
}
