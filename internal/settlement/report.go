package settlement

import (
	"time"

	"classroom/internal/cms"
)

// Pipeline states. One run per end-session action; Finished is terminal
// regardless of side-effect or payroll failure.
const (
	StateIdle            = "idle"
	StateStudyPlanCommit = "study_plan_commit"
	StateBatchWrite      = "batch_write"
	StateSideEffects     = "side_effects"
	StatePayroll         = "payroll"
	StateFinished        = "finished"
	StateFailed          = "failed"
	StateCancelled       = "cancelled"
)

// Task outcomes recorded for each best-effort side effect.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Side-effect task kinds.
const (
	TaskReceivable    = "receivable"
	TaskGraduatedFlag = "graduated_flag"
	TaskGuardianNote  = "guardian_notice"
)

// BatchResult records one of the three concurrent batch writes.
type BatchResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// TaskResult records one best-effort side effect. Failures here never abort
// the pipeline; the report is how they stay observable.
type TaskResult struct {
	Kind      string `json:"kind"`
	StudentID string `json:"student_id,omitempty"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
}

// Report is the full account of one settlement attempt. It is persisted to
// the journal even when not shown to the end user.
type Report struct {
	AttemptID        string             `json:"attempt_id"`
	MeetingID        string             `json:"meeting_id"`
	TeacherID        string             `json:"teacher_id"`
	ProgramID        string             `json:"program_id"`
	State            string             `json:"state"`
	FailedState      string             `json:"failed_state,omitempty"`
	StartedAt        time.Time          `json:"started_at"`
	FinishedAt       time.Time          `json:"finished_at"`
	PlanItemRealized string             `json:"plan_item_realized,omitempty"`
	Students         int                `json:"students"`
	Completions      int                `json:"completions"`  // students who reached zero credits
	Certificates     int                `json:"certificates"` // certification events queued
	Batches          []BatchResult      `json:"batches,omitempty"`
	SideEffects      []TaskResult       `json:"side_effects,omitempty"`
	Payroll          *cms.PayrollRecord `json:"payroll,omitempty"`
	PayrollError     string             `json:"payroll_error,omitempty"`
	Error            string             `json:"error,omitempty"`
}

// GuardianNotice is the queued payload delivered by the worker at the
// mid-program credits milestone.
type GuardianNotice struct {
	StudentID string `json:"student_id"`
	ProgramID string `json:"program_id"`
	Email     string `json:"email"`
}

// GuardianNoticeType is the queue message type the worker consumes.
const GuardianNoticeType = "guardian_notice"
