package payroll

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"classroom/internal/cms"
	"classroom/internal/metrics"
)

// Recorder books exactly one payroll line per settled session.
type Recorder struct {
	cms       *cms.Client
	flatHours float64
}

// NewRecorder creates a recorder. flatHours is what every session bills,
// regardless of real elapsed time.
func NewRecorder(client *cms.Client, flatHours float64) *Recorder {
	if flatHours <= 0 {
		flatHours = 1
	}
	return &Recorder{cms: client, flatHours: flatHours}
}

// Record looks up the teacher's hourly rate and creates the payroll record
// in Pending status. Later Pending→Paid transitions belong to the payroll
// administration screen and are append-only.
func (r *Recorder) Record(ctx context.Context, teacherID, meetingID, programID string, classStart, evaluationEnd time.Time) (*cms.PayrollRecord, error) {
	rate, err := r.cms.HourlyRate(ctx, teacherID)
	if err != nil {
		return nil, fmt.Errorf("hourly rate lookup: %w", err)
	}

	rec := cms.PayrollRecord{
		ID:            uuid.NewString(),
		TeacherID:     teacherID,
		MeetingID:     meetingID,
		ProgramID:     programID,
		ClassDate:     classStart.Truncate(24 * time.Hour),
		StartTime:     classStart,
		EvaluationEnd: evaluationEnd,
		DurationHours: r.flatHours,
		Status:        cms.PayrollPending,
		HourlyRate:    rate,
		TotalValue:    rate * r.flatHours,
	}
	if _, err := r.cms.CreatePayrollRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("create payroll record: %w", err)
	}
	metrics.PayrollRecords.Inc()
	return &rec, nil
}
