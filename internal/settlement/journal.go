package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Journal records settlement attempts. Begin rejects a second attempt for a
// meeting that already has a finished one, which is what stands in for
// idempotency: without it a re-submitted evaluation would double-apply
// credit decrements.
type Journal interface {
	Begin(ctx context.Context, attemptID, meetingID, teacherID string) error
	Finish(ctx context.Context, attemptID string, rep *Report) error
}

// SQLJournal persists attempts in Postgres.
type SQLJournal struct {
	db *sql.DB
}

// NewSQLJournal creates a journal over an open connection.
func NewSQLJournal(db *sql.DB) *SQLJournal {
	return &SQLJournal{db: db}
}

// Begin inserts a started attempt row, rejecting already-settled meetings.
func (j *SQLJournal) Begin(ctx context.Context, attemptID, meetingID, teacherID string) error {
	var exists bool
	err := j.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM settlement_attempts
			WHERE meeting_id = $1 AND state = $2
		)
	`, meetingID, StateFinished).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadySettled
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO settlement_attempts (id, meeting_id, teacher_id, state, started_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, attemptID, meetingID, teacherID, StateIdle)
	return err
}

// Finish stores the terminal state and the serialized report.
func (j *SQLJournal) Finish(ctx context.Context, attemptID string, rep *Report) error {
	raw, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx, `
		UPDATE settlement_attempts
		SET state = $2, report = $3, finished_at = NOW()
		WHERE id = $1
	`, attemptID, rep.State, raw)
	return err
}

// Attempt is one journal row.
type Attempt struct {
	ID         string          `json:"id"`
	MeetingID  string          `json:"meeting_id"`
	TeacherID  string          `json:"teacher_id"`
	State      string          `json:"state"`
	Report     json.RawMessage `json:"report,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// ListByMeeting returns attempts for a meeting, newest first.
func (j *SQLJournal) ListByMeeting(ctx context.Context, meetingID string) ([]Attempt, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, meeting_id, teacher_id, state, report, started_at, finished_at
		FROM settlement_attempts
		WHERE meeting_id = $1
		ORDER BY started_at DESC
	`, meetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var report sql.NullString
		if err := rows.Scan(&a.ID, &a.MeetingID, &a.TeacherID, &a.State, &report, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, err
		}
		if report.Valid {
			a.Report = json.RawMessage(report.String)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MemoryJournal is the in-memory journal for dev/testing.
type MemoryJournal struct {
	mu       sync.Mutex
	attempts map[string]*Attempt // by attempt id
	settled  map[string]bool     // meeting ids with a finished attempt
}

// NewMemoryJournal creates an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		attempts: make(map[string]*Attempt),
		settled:  make(map[string]bool),
	}
}

// Begin registers a started attempt, rejecting already-settled meetings.
func (j *MemoryJournal) Begin(ctx context.Context, attemptID, meetingID, teacherID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.settled[meetingID] {
		return ErrAlreadySettled
	}
	if _, ok := j.attempts[attemptID]; ok {
		return errors.New("duplicate attempt id")
	}
	j.attempts[attemptID] = &Attempt{
		ID:        attemptID,
		MeetingID: meetingID,
		TeacherID: teacherID,
		State:     StateIdle,
		StartedAt: time.Now().UTC(),
	}
	return nil
}

// Finish stores the terminal state.
func (j *MemoryJournal) Finish(ctx context.Context, attemptID string, rep *Report) error {
	raw, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	a, ok := j.attempts[attemptID]
	if !ok {
		return errors.New("unknown attempt id")
	}
	now := time.Now().UTC()
	a.State = rep.State
	a.Report = raw
	a.FinishedAt = &now
	if rep.State == StateFinished {
		j.settled[a.MeetingID] = true
	}
	return nil
}
