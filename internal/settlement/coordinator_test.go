package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"classroom/internal/cms"
	"classroom/internal/evaluation"
	"classroom/internal/ledger"
	"classroom/internal/payroll"
	"classroom/internal/queue"
	"classroom/internal/session"
)

// stubCMS serves the CMS surface the pipeline touches and records which
// write endpoints were hit, with per-endpoint failure injection.
type stubCMS struct {
	mu       sync.Mutex
	hits     map[string]int
	fail     map[string]bool
	failSlow map[string]bool // fail after a short delay, for ordering
	program  cms.Program
	history  []bool
}

func newStubCMS() *stubCMS {
	return &stubCMS{
		hits:     make(map[string]int),
		fail:     make(map[string]bool),
		failSlow: make(map[string]bool),
		history:  []bool{true, true, true, false},
		program: cms.Program{
			ID:      "prog-1",
			Name:    "English A1",
			LevelID: "level-1",
			PlanEntries: []cms.PlanEntry{
				{ID: "p1", Text: "1. Greetings", Realized: true},
				{ID: "p2", Text: "2. Numbers"},
			},
		},
	}
}

func (s *stubCMS) count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[key]
}

func (s *stubCMS) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := endpointKey(r)
		s.mu.Lock()
		s.hits[key]++
		shouldFail := s.fail[key]
		slow := s.failSlow[key]
		s.mu.Unlock()

		if slow {
			time.Sleep(20 * time.Millisecond)
			shouldFail = true
		}
		if shouldFail {
			http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
			return
		}

		switch key {
		case "program":
			_ = json.NewEncoder(w).Encode(s.program)
		case "attendance_batch":
			_ = json.NewEncoder(w).Encode(map[string][]string{"ids": {"a1"}})
		case "history":
			_ = json.NewEncoder(w).Encode(map[string][]bool{"attended": s.history})
		case "student_lookup":
			_ = json.NewEncoder(w).Encode(cms.Student{ID: "canon-1"})
		case "rate":
			_ = json.NewEncoder(w).Encode(map[string]float64{"rate": 30})
		case "payroll_record":
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "pr-1"})
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	})
}

func endpointKey(r *http.Request) string {
	p := r.URL.Path
	switch {
	case strings.HasPrefix(p, "/programs/") && strings.Contains(p, "/plan/"):
		return "plan_realize"
	case strings.HasPrefix(p, "/programs/"):
		return "program"
	case p == "/attendances/batch":
		return "attendance_batch"
	case p == "/attendances/history":
		return "history"
	case p == "/users/batch":
		return "user_batch"
	case p == "/certificates/batch":
		return "certificates"
	case p == "/receivables":
		return "receivables"
	case strings.HasPrefix(p, "/students/by-document"):
		return "student_lookup"
	case strings.HasPrefix(p, "/students/"):
		return "student_status"
	case strings.HasPrefix(p, "/payroll/rates/"):
		return "rate"
	case p == "/payroll/records":
		return "payroll_record"
	default:
		return p
	}
}

// captureQueue records published messages.
type captureQueue struct {
	mu   sync.Mutex
	msgs []queue.Message
}

func (q *captureQueue) Publish(ctx context.Context, msg queue.Message) error {
	q.mu.Lock()
	q.msgs = append(q.msgs, msg)
	q.mu.Unlock()
	return nil
}

func (q *captureQueue) Consume(ctx context.Context) (<-chan queue.Message, error) {
	ch := make(chan queue.Message)
	close(ch)
	return ch, nil
}

type rig struct {
	stub    *stubCMS
	clock   *session.Clock
	store   *session.MemoryStore
	journal *MemoryJournal
	q       *captureQueue
	coord   *Coordinator
}

func newRig(t *testing.T) (*rig, func()) {
	t.Helper()
	stub := newStubCMS()
	srv := httptest.NewServer(stub.handler())

	client := cms.New(srv.URL, "", false)
	store := session.NewMemoryStore()
	clock := session.NewClock(store, session.LogReminder{}, time.Minute, 45*time.Minute)
	journal := NewMemoryJournal()
	q := &captureQueue{}
	recorder := payroll.NewRecorder(client, 1)
	coord := NewCoordinator(client, clock, recorder, journal, q, ledger.DefaultThresholds, 4)

	return &rig{stub: stub, clock: clock, store: store, journal: journal, q: q, coord: coord}, srv.Close
}

func startSession(t *testing.T, r *rig) {
	t.Helper()
	if _, err := r.clock.Start(context.Background(), "t1", "m1", "prog-1", time.Time{}, time.Time{}); err != nil {
		t.Fatalf("start session: %v", err)
	}
}

func testSubmission() Submission {
	return Submission{
		TeacherID: "t1",
		Records: []evaluation.StudentEvaluationRecord{
			{
				StudentID: "s1", Attended: true, Rating: 5, CriterionID: "c1",
				CurrentRating: 68, CurrentCredits: 1,
				DocumentType: "CC", DocumentNumber: "123",
			},
			{
				StudentID: "s2", Attended: true, Rating: 3, CriterionID: "c1",
				CurrentRating: 20, CurrentCredits: 5,
				GuardianEmail: "guardian@example.com",
			},
			{StudentID: "s3", Attended: false},
		},
		SelectedPlanID: "p2",
	}
}

func TestSettleFinishes(t *testing.T) {
	r, closeSrv := newRig(t)
	defer closeSrv()
	startSession(t, r)

	rep, err := r.coord.Settle(context.Background(), testSubmission())
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if rep.State != StateFinished {
		t.Fatalf("State = %s, want finished", rep.State)
	}

	if rep.PlanItemRealized != "p2" || r.stub.count("plan_realize") != 1 {
		t.Errorf("plan item not realized: %+v", rep)
	}
	for _, b := range rep.Batches {
		if !b.OK {
			t.Errorf("batch %s failed: %s", b.Name, b.Error)
		}
	}
	if rep.Completions != 1 || rep.Certificates != 1 {
		t.Errorf("completions=%d certificates=%d, want 1 and 1", rep.Completions, rep.Certificates)
	}
	if r.stub.count("certificates") != 1 {
		t.Errorf("certificate batch not written")
	}

	// Payroll: flat one hour at the looked-up rate.
	if rep.Payroll == nil {
		t.Fatalf("payroll missing: %s", rep.PayrollError)
	}
	if rep.Payroll.DurationHours != 1 || rep.Payroll.TotalValue != 30 || rep.Payroll.Status != cms.PayrollPending {
		t.Errorf("payroll = %+v", rep.Payroll)
	}

	// s2 dropped from 5 to 4 credits: guardian milestone.
	r.q.mu.Lock()
	notices := len(r.q.msgs)
	r.q.mu.Unlock()
	if notices != 1 {
		t.Errorf("guardian notices = %d, want 1", notices)
	}

	// Session ended as part of Finished.
	if s, _ := r.store.Load(context.Background(), "t1"); s != nil {
		t.Error("session still stored after settlement")
	}
}

func TestSettleRejectsSecondAttempt(t *testing.T) {
	r, closeSrv := newRig(t)
	defer closeSrv()
	startSession(t, r)

	if _, err := r.coord.Settle(context.Background(), testSubmission()); err != nil {
		t.Fatalf("first Settle: %v", err)
	}

	// Re-opening the same meeting and settling again would double-apply the
	// credit decrement; the journal refuses.
	startSession(t, r)
	_, err := r.coord.Settle(context.Background(), testSubmission())
	if !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("second Settle error = %v, want ErrAlreadySettled", err)
	}
}

func TestSettleValidationBlocksBeforeWrites(t *testing.T) {
	r, closeSrv := newRig(t)
	defer closeSrv()
	startSession(t, r)

	sub := testSubmission()
	sub.Records[0].Rating = 0 // attended but unrated

	_, err := r.coord.Settle(context.Background(), sub)
	if !errors.Is(err, evaluation.ErrIncompleteRatings) {
		t.Fatalf("error = %v, want ErrIncompleteRatings", err)
	}
	for _, key := range []string{"plan_realize", "attendance_batch", "user_batch", "payroll_record"} {
		if n := r.stub.count(key); n != 0 {
			t.Errorf("%s hit %d times before validation passed", key, n)
		}
	}
}

func TestSettleNoActiveSession(t *testing.T) {
	r, closeSrv := newRig(t)
	defer closeSrv()

	_, err := r.coord.Settle(context.Background(), testSubmission())
	if !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("error = %v, want ErrNoActiveSession", err)
	}
}

func TestSettleStudyPlanCommitAborts(t *testing.T) {
	r, closeSrv := newRig(t)
	defer closeSrv()
	startSession(t, r)
	r.stub.fail["plan_realize"] = true

	rep, err := r.coord.Settle(context.Background(), testSubmission())
	if err == nil {
		t.Fatal("Settle succeeded despite plan commit failure")
	}
	if rep.State != StateFailed || rep.FailedState != StateStudyPlanCommit {
		t.Errorf("report = %s/%s, want failed/study_plan_commit", rep.State, rep.FailedState)
	}
	if r.stub.count("attendance_batch") != 0 || r.stub.count("user_batch") != 0 {
		t.Error("batch writes issued after plan commit failure")
	}
}

func TestSettlePartialBatchFailure(t *testing.T) {
	r, closeSrv := newRig(t)
	defer closeSrv()
	startSession(t, r)

	// Attendance lands immediately; the user-ledger write fails a beat
	// later. There is no rollback, so attendance rows now exist upstream
	// while credits were never decremented.
	r.stub.failSlow["user_batch"] = true

	rep, err := r.coord.Settle(context.Background(), testSubmission())
	var batchErr *BatchWriteError
	if !errors.As(err, &batchErr) {
		t.Fatalf("error = %v, want BatchWriteError", err)
	}
	if len(batchErr.Failed) != 1 || batchErr.Failed[0] != "user_ledger" {
		t.Errorf("Failed = %v, want [user_ledger]", batchErr.Failed)
	}

	if r.stub.count("attendance_batch") != 1 {
		t.Error("attendance batch was not written (expected the partial write)")
	}
	if r.stub.count("receivables") != 0 || r.stub.count("student_status") != 0 || r.stub.count("payroll_record") != 0 {
		t.Error("pipeline continued past a failed batch write")
	}

	if rep.State != StateFailed || rep.FailedState != StateBatchWrite {
		t.Errorf("report = %s/%s, want failed/batch_write", rep.State, rep.FailedState)
	}
	// The evaluation stays open; the session was not torn down.
	if s, _ := r.store.Load(context.Background(), "t1"); s == nil {
		t.Error("session cleared despite failed settlement")
	}
}

func TestSettleSideEffectFailureIsNonFatal(t *testing.T) {
	r, closeSrv := newRig(t)
	defer closeSrv()
	startSession(t, r)
	r.stub.fail["receivables"] = true

	rep, err := r.coord.Settle(context.Background(), testSubmission())
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if rep.State != StateFinished {
		t.Fatalf("State = %s, want finished", rep.State)
	}

	var failed, succeeded int
	for _, task := range rep.SideEffects {
		switch task.Outcome {
		case OutcomeFailed:
			failed++
			if task.Kind != TaskReceivable {
				t.Errorf("unexpected failed task: %+v", task)
			}
		case OutcomeSucceeded:
			succeeded++
		}
	}
	if failed != 1 {
		t.Errorf("failed tasks = %d, want 1", failed)
	}
	if succeeded == 0 {
		t.Error("no side effects succeeded")
	}
}

func TestSettlePayrollFailureStillFinishes(t *testing.T) {
	r, closeSrv := newRig(t)
	defer closeSrv()
	startSession(t, r)
	r.stub.fail["payroll_record"] = true

	rep, err := r.coord.Settle(context.Background(), testSubmission())
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if rep.State != StateFinished {
		t.Fatalf("State = %s, want finished", rep.State)
	}
	if rep.Payroll != nil || rep.PayrollError == "" {
		t.Errorf("payroll = %+v / %q, want recorded failure", rep.Payroll, rep.PayrollError)
	}
	if s, _ := r.store.Load(context.Background(), "t1"); s != nil {
		t.Error("session not ended despite Finished state")
	}
}

func TestSettleSkipsSideEffectsWithoutData(t *testing.T) {
	r, closeSrv := newRig(t)
	defer closeSrv()
	startSession(t, r)

	sub := Submission{
		TeacherID: "t1",
		Records: []evaluation.StudentEvaluationRecord{
			// Completes the program but has no identity document.
			{StudentID: "s1", Attended: true, Rating: 5, CriterionID: "c1", CurrentRating: 68, CurrentCredits: 1},
		},
		SelectedPlanID: "p2",
	}
	rep, err := r.coord.Settle(context.Background(), sub)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}

	var skipped int
	for _, task := range rep.SideEffects {
		if task.Outcome == OutcomeSkipped {
			skipped++
		}
	}
	if skipped != 2 { // receivable and graduated flag both need documents
		t.Errorf("skipped tasks = %d, want 2: %+v", skipped, rep.SideEffects)
	}
	if r.stub.count("receivables") != 0 {
		t.Error("receivable requested without document data")
	}
}
