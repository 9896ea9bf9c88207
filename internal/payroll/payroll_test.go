package payroll

import (
	"context"
	"testing"
	"time"

	"classroom/internal/cms"
)

func TestRecordBillsFlatHour(t *testing.T) {
	client := cms.New("", "", true) // skip mode: rate 25
	rec := NewRecorder(client, 1)

	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	// Evaluation ended three hours later; billing ignores real duration.
	got, err := rec.Record(context.Background(), "t1", "m1", "prog-1", start, start.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got.DurationHours != 1 {
		t.Errorf("DurationHours = %g, want 1 regardless of elapsed time", got.DurationHours)
	}
	if got.TotalValue != 25 {
		t.Errorf("TotalValue = %g, want rate*1 = 25", got.TotalValue)
	}
	if got.Status != cms.PayrollPending {
		t.Errorf("Status = %s, want Pending", got.Status)
	}
	if got.ID == "" {
		t.Error("record id not assigned")
	}
}

func TestNewRecorderDefaultsFlatHours(t *testing.T) {
	rec := NewRecorder(cms.New("", "", true), 0)
	if rec.flatHours != 1 {
		t.Errorf("flatHours = %g, want default 1", rec.flatHours)
	}
}
