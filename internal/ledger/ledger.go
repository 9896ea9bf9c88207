package ledger

import (
	"math"

	"classroom/internal/evaluation"
)

// Thresholds are the certification gate. Attendance and rating are the sole
// conditions; there is no partial credit and no alternate path.
type Thresholds struct {
	PassRatingMin     int
	PassAttendanceMin int
}

// DefaultThresholds match the documented production values.
var DefaultThresholds = Thresholds{PassRatingMin: 70, PassAttendanceMin: 70}

// Outcome is the derived per-student result of one evaluated session. It is
// never persisted as its own entity; the settlement writes project it into
// attendance, user and certificate records.
type Outcome struct {
	StudentID        string
	Touched          bool // false: ledger untouched this cycle
	NewRating        int
	NewCredits       int
	CompletedProgram bool // credits reached zero; active-program ref is cleared
	Passed           bool // meaningful only when CompletedProgram
	AttendancePct    int  // computed only at the zero-credit boundary
	Certify          bool // passed and a level id was resolvable
	LevelID          string
}

// Apply derives the new ledger state for one student. Pure: no side effects,
// no I/O. history holds the student's prior attendance flags scoped to this
// program; the current session is added as one more data point.
//
// Rating accumulates additively across the program lifetime; credits decrease
// by exactly one per evaluated attended session and never go negative. Once
// credits reach zero, the pass/fail decision is finalized and not revisited.
func Apply(rec evaluation.StudentEvaluationRecord, history []bool, levelID string, t Thresholds) Outcome {
	out := Outcome{StudentID: rec.StudentID}
	if !rec.Attended || rec.Rating == 0 {
		return out
	}

	out.Touched = true
	out.NewRating = rec.CurrentRating + rec.Rating
	out.NewCredits = rec.CurrentCredits - 1
	if out.NewCredits < 0 {
		out.NewCredits = 0
	}
	if out.NewCredits > 0 {
		return out
	}

	out.CompletedProgram = true
	out.AttendancePct = attendancePercent(history, rec.Attended)
	out.Passed = out.AttendancePct >= t.PassAttendanceMin && out.NewRating >= t.PassRatingMin
	if out.Passed && levelID != "" {
		// No level id means certification is silently skipped even though
		// the student passed.
		out.Certify = true
		out.LevelID = levelID
	}
	return out
}

func attendancePercent(history []bool, current bool) int {
	attended := 0
	for _, a := range history {
		if a {
			attended++
		}
	}
	if current {
		attended++
	}
	total := len(history) + 1
	return int(math.Round(float64(attended) / float64(total) * 100))
}
