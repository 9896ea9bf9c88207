package evaluation

import (
	"errors"
	"regexp"
	"sort"
	"strconv"

	"classroom/internal/cms"
)

// Validation failures block settlement locally; no network call is made.
var (
	ErrIncompleteRatings  = errors.New("attended students are missing a rating")
	ErrIncompleteCriteria = errors.New("rated students are missing an evaluation criterion")
	ErrPlanItemRequired   = errors.New("an outstanding study-plan item must be selected")
)

// StudentEvaluationRecord is one row of the end-of-session evaluation form.
// Records are built fresh each time a session is closed and discarded after
// settlement completes or is cancelled.
type StudentEvaluationRecord struct {
	StudentID      string `json:"student_id" validate:"required"`
	DisplayName    string `json:"display_name"`
	Attended       bool   `json:"attended"`
	Rating         int    `json:"rating" validate:"min=0,max=5"` // 0 = unset
	Comment        string `json:"comment"`
	CriterionID    string `json:"criterion_id"`
	CurrentRating  int    `json:"current_rating" validate:"min=0"`  // prior cumulative rating
	CurrentCredits int    `json:"current_credits" validate:"min=0"` // prior remaining classes
	DocumentType   string `json:"document_type"`
	DocumentNumber string `json:"document_number"`
	GuardianEmail  string `json:"guardian_email" validate:"omitempty,email"`
}

// PlanItem is one normalized study-plan entry. Number is 0 for entries that
// do not follow the "<n>. <text>" convention; those sort last.
type PlanItem struct {
	ID       string `json:"id"`
	Number   int    `json:"number"`
	Text     string `json:"text"`
	Realized bool   `json:"realized"`
}

// BuildRecords produces one record per unique roster student, first
// occurrence wins. A student enrolled through more than one relation must be
// counted once.
func BuildRecords(program *cms.Program) []StudentEvaluationRecord {
	seen := make(map[string]bool, len(program.Roster))
	records := make([]StudentEvaluationRecord, 0, len(program.Roster))
	for _, entry := range program.Roster {
		if entry.StudentID == "" || seen[entry.StudentID] {
			continue
		}
		seen[entry.StudentID] = true
		records = append(records, StudentEvaluationRecord{
			StudentID:      entry.StudentID,
			DisplayName:    entry.DisplayName,
			Attended:       true,
			Rating:         0,
			CurrentRating:  entry.Rating,
			CurrentCredits: entry.Credits,
			DocumentType:   entry.DocumentType,
			DocumentNumber: entry.DocumentNumber,
			GuardianEmail:  entry.GuardianEmail,
		})
	}
	return records
}

var planNumberRe = regexp.MustCompile(`^\s*(\d+)\.\s*(.*)$`)

// ParsePlan normalizes free-text plan entries into a numbered list.
// Unparsable entries keep their relative order at the end.
func ParsePlan(entries []cms.PlanEntry) []PlanItem {
	items := make([]PlanItem, 0, len(entries))
	for _, e := range entries {
		item := PlanItem{ID: e.ID, Text: e.Text, Realized: e.Realized}
		if m := planNumberRe.FindStringSubmatch(e.Text); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				item.Number = n
				item.Text = m[2]
			}
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Number == 0 {
			return false
		}
		if items[j].Number == 0 {
			return true
		}
		return items[i].Number < items[j].Number
	})
	return items
}

// Validate enforces the settlement preconditions in order: ratings, then
// criteria, then plan-item selection. Pure; callers surface failures as
// warnings without touching the backend.
func Validate(records []StudentEvaluationRecord, plan []PlanItem, selectedPlanID string) error {
	for _, r := range records {
		if r.Attended && r.Rating == 0 {
			return ErrIncompleteRatings
		}
	}
	for _, r := range records {
		if r.Rating > 0 && r.CriterionID == "" {
			return ErrIncompleteCriteria
		}
	}

	outstanding := false
	selectedOK := false
	for _, item := range plan {
		if item.Realized {
			continue
		}
		outstanding = true
		if selectedPlanID != "" && item.ID == selectedPlanID {
			selectedOK = true
		}
	}
	if outstanding && !selectedOK {
		return ErrPlanItemRequired
	}
	return nil
}
