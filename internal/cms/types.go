package cms

import "time"

// Program is a course program as stored in the CMS, with its roster flattened
// and deduplicated server-side relations left intact (a student may appear
// through more than one enrollment relation).
type Program struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	LevelID     string        `json:"level_id,omitempty"`
	Roster      []RosterEntry `json:"roster"`
	PlanEntries []PlanEntry   `json:"plan_entries"`
}

// RosterEntry is one enrollment relation of a student in a program.
type RosterEntry struct {
	StudentID      string `json:"student_id"`
	DisplayName    string `json:"display_name"`
	Rating         int    `json:"rating"`  // cumulative rating so far
	Credits        int    `json:"credits"` // remaining scheduled classes
	DocumentType   string `json:"document_type"`
	DocumentNumber string `json:"document_number"`
	GuardianEmail  string `json:"guardian_email"`
}

// PlanEntry is one raw study-plan entry. Text is free-form; numbered entries
// follow the "<n>. <text>" convention.
type PlanEntry struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Realized bool   `json:"realized"`
}

// AttendanceRecord is one per-student attendance row written at settlement.
type AttendanceRecord struct {
	StudentID   string    `json:"student_id"`
	ProgramID   string    `json:"program_id"`
	MeetingID   string    `json:"meeting_id"`
	ClassDate   time.Time `json:"class_date"`
	Attended    bool      `json:"attended"`
	Rating      int       `json:"rating"`
	Comment     string    `json:"comment,omitempty"`
	CriterionID string    `json:"criterion_id,omitempty"`
}

// UserLedgerUpdate is a partial user update carrying the new cumulative
// rating and remaining credits. Passed maps to the CMS field aprobo_ayo and
// is only set at the zero-credit boundary. ClearProgram nulls the student's
// active-program reference.
type UserLedgerUpdate struct {
	UserID       string `json:"user_id"`
	Rating       int    `json:"rating"`
	Credits      int    `json:"credits"`
	Passed       *bool  `json:"aprobo_ayo,omitempty"`
	ClearProgram bool   `json:"clear_program,omitempty"`
}

// CertificateEntry requests creation of one certification record.
type CertificateEntry struct {
	StudentID string `json:"student_id"`
	LevelID   string `json:"level_id"`
}

// Student is the canonical student record, looked up by identity document.
type Student struct {
	ID             string `json:"id"`
	DisplayName    string `json:"display_name"`
	DocumentType   string `json:"document_type"`
	DocumentNumber string `json:"document_number"`
	GraduatedAYO   bool   `json:"graduated_ayo"`
}

// PayrollRecord books one teaching hour for a settled session.
type PayrollRecord struct {
	ID            string    `json:"id,omitempty"`
	TeacherID     string    `json:"teacher_id"`
	MeetingID     string    `json:"meeting_id"`
	ProgramID     string    `json:"program_id"`
	ClassDate     time.Time `json:"class_date"`
	StartTime     time.Time `json:"start_time"`
	EvaluationEnd time.Time `json:"evaluation_end_time"`
	DurationHours float64   `json:"duration_hours"`
	Status        string    `json:"status"` // Pending until the payroll screen flips it
	HourlyRate    float64   `json:"hourly_rate"`
	TotalValue    float64   `json:"total_value"`
}

// Payroll statuses. Pending→Paid transitions happen elsewhere, append-only.
const (
	PayrollPending = "Pending"
	PayrollPaid    = "Paid"
)
