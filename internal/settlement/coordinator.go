package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"classroom/internal/cms"
	"classroom/internal/evaluation"
	"classroom/internal/ledger"
	"classroom/internal/metrics"
	"classroom/internal/payroll"
	"classroom/internal/queue"
	"classroom/internal/session"
)

// Submission is the validated evaluation a teacher submits when closing a
// session. Cancelling before the batch writes discards it; nothing has been
// written yet.
type Submission struct {
	TeacherID      string
	Records        []evaluation.StudentEvaluationRecord
	SelectedPlanID string
}

// Coordinator runs the settlement pipeline once per end-session action:
//
//	Idle → StudyPlanCommit → BatchWrite → SideEffects → Payroll → Finished
//
// The three batch writes share a join barrier but not a transaction; a
// failure aborts the rest of the pipeline without rolling back batches that
// already succeeded.
type Coordinator struct {
	cms        *cms.Client
	clock      *session.Clock
	recorder   *payroll.Recorder
	journal    Journal
	q          queue.Queue
	thresholds ledger.Thresholds
	milestone  int // remaining credits at which guardians are notified

	nowFunc func() time.Time
}

// NewCoordinator wires the pipeline's collaborators.
func NewCoordinator(client *cms.Client, clock *session.Clock, recorder *payroll.Recorder, journal Journal, q queue.Queue, thresholds ledger.Thresholds, guardianMilestone int) *Coordinator {
	return &Coordinator{
		cms:        client,
		clock:      clock,
		recorder:   recorder,
		journal:    journal,
		q:          q,
		thresholds: thresholds,
		milestone:  guardianMilestone,
		nowFunc:    time.Now,
	}
}

// Settle runs the pipeline for the teacher's active session. The returned
// report is complete for Finished runs and partial for aborted ones.
func (c *Coordinator) Settle(ctx context.Context, sub Submission) (*Report, error) {
	started := c.nowFunc()

	sess, err := c.clock.Rehydrate(ctx, sub.TeacherID)
	if err != nil {
		return nil, err
	}
	if sess == nil || !sess.Active {
		return nil, ErrNoActiveSession
	}
	if sess.ProgramID == "" {
		return nil, ErrNoProgram
	}

	program, err := c.cms.ProgramWithRoster(ctx, sess.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("program lookup: %w", err)
	}

	plan := evaluation.ParsePlan(program.PlanEntries)
	if err := evaluation.Validate(sub.Records, plan, sub.SelectedPlanID); err != nil {
		return nil, err
	}

	rep := &Report{
		AttemptID: uuid.NewString(),
		MeetingID: sess.MeetingID,
		TeacherID: sub.TeacherID,
		ProgramID: sess.ProgramID,
		State:     StateIdle,
		StartedAt: started,
		Students:  len(sub.Records),
	}
	if err := c.journal.Begin(ctx, rep.AttemptID, rep.MeetingID, rep.TeacherID); err != nil {
		return nil, err
	}
	defer func() {
		metrics.SettlementsTotal.WithLabelValues(rep.State).Inc()
		metrics.SettlementDuration.Observe(c.nowFunc().Sub(started).Seconds())
	}()

	outcomes, err := c.computeOutcomes(ctx, sub.Records, sess.ProgramID, program.LevelID)
	if err != nil {
		return c.fail(ctx, rep, StateIdle, err)
	}

	// The user may still back out here; past this point writes begin.
	if ctx.Err() != nil {
		return c.abort(ctx, rep, ErrCancelled)
	}

	// StudyPlanCommit: synchronous, aborts the whole flow on failure.
	rep.State = StateStudyPlanCommit
	if sub.SelectedPlanID != "" {
		if err := c.cms.RealizePlanItem(ctx, sess.ProgramID, sub.SelectedPlanID); err != nil {
			return c.fail(ctx, rep, StateStudyPlanCommit, fmt.Errorf("realize plan item: %w", err))
		}
		rep.PlanItemRealized = sub.SelectedPlanID
	}

	if ctx.Err() != nil {
		return c.abort(ctx, rep, ErrCancelled)
	}

	rep.State = StateBatchWrite
	if err := c.batchWrite(ctx, rep, sub, sess, outcomes); err != nil {
		return c.fail(ctx, rep, StateBatchWrite, err)
	}

	rep.State = StateSideEffects
	c.runSideEffects(ctx, rep, sub, sess, outcomes)

	rep.State = StatePayroll
	payrollRec, err := c.recorder.Record(ctx, sub.TeacherID, sess.MeetingID, sess.ProgramID, sess.StartTime, c.nowFunc())
	if err != nil {
		// Logged only; payroll failure never blocks finishing.
		rep.PayrollError = err.Error()
		zap.L().Error("payroll booking failed",
			zap.String("meeting_id", sess.MeetingID), zap.Error(err))
	} else {
		rep.Payroll = payrollRec
	}

	rep.State = StateFinished
	rep.FinishedAt = c.nowFunc()
	if err := c.clock.End(ctx, sub.TeacherID); err != nil {
		zap.L().Warn("ending session failed", zap.String("teacher_id", sub.TeacherID), zap.Error(err))
	}
	if err := c.journal.Finish(ctx, rep.AttemptID, rep); err != nil {
		zap.L().Warn("journal finish failed", zap.String("attempt_id", rep.AttemptID), zap.Error(err))
	}
	return rep, nil
}

// computeOutcomes derives per-student ledger outcomes. Attendance history is
// fetched only for students whose credits will reach zero this session.
func (c *Coordinator) computeOutcomes(ctx context.Context, records []evaluation.StudentEvaluationRecord, programID, levelID string) (map[string]ledger.Outcome, error) {
	outcomes := make(map[string]ledger.Outcome, len(records))
	for _, rec := range records {
		var history []bool
		if rec.Attended && rec.Rating > 0 && rec.CurrentCredits <= 1 {
			var err error
			history, err = c.cms.AttendanceHistory(ctx, rec.StudentID, programID)
			if err != nil {
				return nil, fmt.Errorf("attendance history for %s: %w", rec.StudentID, err)
			}
		}
		outcomes[rec.StudentID] = ledger.Apply(rec, history, levelID, c.thresholds)
	}
	return outcomes, nil
}

// batchWrite issues the three independent payloads concurrently and waits at
// the join barrier. Any failure stops the pipeline; succeeded batches stay.
func (c *Coordinator) batchWrite(ctx context.Context, rep *Report, sub Submission, sess *session.MeetingSession, outcomes map[string]ledger.Outcome) error {
	attendance := make([]cms.AttendanceRecord, 0, len(sub.Records))
	var updates []cms.UserLedgerUpdate
	var certs []cms.CertificateEntry

	classDate := sess.StartTime
	for _, rec := range sub.Records {
		attendance = append(attendance, cms.AttendanceRecord{
			StudentID:   rec.StudentID,
			ProgramID:   sess.ProgramID,
			MeetingID:   sess.MeetingID,
			ClassDate:   classDate,
			Attended:    rec.Attended,
			Rating:      rec.Rating,
			Comment:     rec.Comment,
			CriterionID: rec.CriterionID,
		})

		out := outcomes[rec.StudentID]
		if !out.Touched {
			continue
		}
		upd := cms.UserLedgerUpdate{
			UserID:  rec.StudentID,
			Rating:  out.NewRating,
			Credits: out.NewCredits,
		}
		if out.CompletedProgram {
			passed := out.Passed
			upd.Passed = &passed
			upd.ClearProgram = true
			rep.Completions++
		}
		updates = append(updates, upd)

		if out.Certify {
			certs = append(certs, cms.CertificateEntry{StudentID: rec.StudentID, LevelID: out.LevelID})
		}
	}
	rep.Certificates = len(certs)

	results := make([]BatchResult, 3)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := c.cms.CreateAttendanceBatch(gctx, attendance)
		results[0] = batchResult("attendance", err)
		return err
	})
	g.Go(func() error {
		err := c.cms.UpdateUserBatch(gctx, updates)
		results[1] = batchResult("user_ledger", err)
		return err
	})
	g.Go(func() error {
		err := c.cms.CreateCertificateBatch(gctx, certs)
		results[2] = batchResult("certificates", err)
		return err
	})
	err := g.Wait()
	rep.Batches = results
	if err == nil {
		return nil
	}

	var failed []string
	for _, r := range results {
		if !r.OK {
			failed = append(failed, r.Name)
			metrics.BatchWriteFailures.WithLabelValues(r.Name).Inc()
		}
	}
	return &BatchWriteError{Failed: failed, Err: err}
}

func batchResult(name string, err error) BatchResult {
	r := BatchResult{Name: name, OK: err == nil}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// runSideEffects executes the best-effort tasks: receivable accounts for
// program completions, graduated flags for rated students, and guardian
// notices at the credits milestone. Tasks are independent, unordered, never
// fatal; outcomes are recorded on the report. They are awaited here so the
// report is complete before payroll runs.
func (c *Coordinator) runSideEffects(ctx context.Context, rep *Report, sub Submission, sess *session.MeetingSession, outcomes map[string]ledger.Outcome) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	record := func(res TaskResult) {
		mu.Lock()
		rep.SideEffects = append(rep.SideEffects, res)
		mu.Unlock()
		metrics.SideEffects.WithLabelValues(res.Kind, res.Outcome).Inc()
		if res.Outcome == OutcomeFailed {
			zap.L().Warn("settlement side effect failed",
				zap.String("kind", res.Kind),
				zap.String("student_id", res.StudentID),
				zap.String("error", res.Error))
		}
	}

	for _, rec := range sub.Records {
		rec := rec
		out := outcomes[rec.StudentID]

		if out.CompletedProgram {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res := TaskResult{Kind: TaskReceivable, StudentID: rec.StudentID}
				if rec.DocumentType == "" || rec.DocumentNumber == "" {
					res.Outcome = OutcomeSkipped
				} else if err := c.cms.CreateReceivable(ctx, []string{rec.DocumentType}, []string{rec.DocumentNumber}); err != nil {
					res.Outcome, res.Error = OutcomeFailed, err.Error()
				} else {
					res.Outcome = OutcomeSucceeded
				}
				record(res)
			}()
		}

		if out.Touched {
			wg.Add(1)
			go func() {
				defer wg.Done()
				record(c.flagGraduated(ctx, rec))
			}()
		}

		if out.Touched && out.NewCredits == c.milestone {
			wg.Add(1)
			go func() {
				defer wg.Done()
				record(c.queueGuardianNotice(ctx, rec, sess.ProgramID))
			}()
		}
	}
	wg.Wait()
}

func (c *Coordinator) flagGraduated(ctx context.Context, rec evaluation.StudentEvaluationRecord) TaskResult {
	res := TaskResult{Kind: TaskGraduatedFlag, StudentID: rec.StudentID}
	if rec.DocumentType == "" || rec.DocumentNumber == "" {
		res.Outcome = OutcomeSkipped
		return res
	}
	student, err := c.cms.StudentByDocument(ctx, rec.DocumentType, rec.DocumentNumber)
	if err == nil {
		err = c.cms.SetGraduatedStatus(ctx, student.ID, true)
	}
	if err != nil {
		res.Outcome, res.Error = OutcomeFailed, err.Error()
		return res
	}
	res.Outcome = OutcomeSucceeded
	return res
}

func (c *Coordinator) queueGuardianNotice(ctx context.Context, rec evaluation.StudentEvaluationRecord, programID string) TaskResult {
	res := TaskResult{Kind: TaskGuardianNote, StudentID: rec.StudentID}
	if rec.GuardianEmail == "" {
		res.Outcome = OutcomeSkipped
		return res
	}
	body, err := json.Marshal(GuardianNotice{
		StudentID: rec.StudentID,
		ProgramID: programID,
		Email:     rec.GuardianEmail,
	})
	if err == nil {
		err = c.q.Publish(ctx, queue.Message{Type: GuardianNoticeType, Body: body})
	}
	if err != nil {
		res.Outcome, res.Error = OutcomeFailed, err.Error()
		return res
	}
	res.Outcome = OutcomeSucceeded
	return res
}

func (c *Coordinator) fail(ctx context.Context, rep *Report, state string, err error) (*Report, error) {
	rep.State = StateFailed
	rep.FailedState = state
	rep.Error = err.Error()
	rep.FinishedAt = c.nowFunc()
	if jerr := c.journal.Finish(ctx, rep.AttemptID, rep); jerr != nil {
		zap.L().Warn("journal finish failed", zap.String("attempt_id", rep.AttemptID), zap.Error(jerr))
	}
	return rep, err
}

func (c *Coordinator) abort(ctx context.Context, rep *Report, err error) (*Report, error) {
	rep.State = StateCancelled
	rep.Error = err.Error()
	rep.FinishedAt = c.nowFunc()
	// ctx is already cancelled; journal with a fresh context so the row
	// still records the abort.
	jctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if jerr := c.journal.Finish(jctx, rep.AttemptID, rep); jerr != nil {
		zap.L().Warn("journal finish failed", zap.String("attempt_id", rep.AttemptID), zap.Error(jerr))
	}
	return rep, err
}
