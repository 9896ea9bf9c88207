package evaluation

import (
	"errors"
	"testing"

	"classroom/internal/cms"
)

func TestBuildRecordsDeduplicatesRoster(t *testing.T) {
	program := &cms.Program{
		ID: "prog-1",
		Roster: []cms.RosterEntry{
			{StudentID: "s1", DisplayName: "Ana", Rating: 40, Credits: 3},
			{StudentID: "s2", DisplayName: "Ben", Rating: 10, Credits: 8},
			// Same student through a second enrollment relation.
			{StudentID: "s1", DisplayName: "Ana", Rating: 40, Credits: 3},
			{StudentID: ""},
		},
	}

	records := BuildRecords(program)
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	for _, r := range records {
		if !r.Attended {
			t.Errorf("record %s: Attended = false, want default true", r.StudentID)
		}
		if r.Rating != 0 {
			t.Errorf("record %s: Rating = %d, want unset", r.StudentID, r.Rating)
		}
	}
	if records[0].CurrentRating != 40 || records[0].CurrentCredits != 3 {
		t.Errorf("prior state not carried: %+v", records[0])
	}
}

func TestParsePlanNumbersAndSorts(t *testing.T) {
	entries := []cms.PlanEntry{
		{ID: "a", Text: "3. Conditionals"},
		{ID: "b", Text: "introduction without number"},
		{ID: "c", Text: "1. Greetings"},
		{ID: "d", Text: "10. Review"},
		{ID: "e", Text: "2. Numbers", Realized: true},
	}

	items := ParsePlan(entries)
	wantOrder := []string{"c", "e", "a", "d", "b"}
	if len(items) != len(wantOrder) {
		t.Fatalf("len(items) = %d, want %d", len(items), len(wantOrder))
	}
	for i, id := range wantOrder {
		if items[i].ID != id {
			t.Errorf("items[%d].ID = %s, want %s", i, items[i].ID, id)
		}
	}
	if items[0].Number != 1 || items[0].Text != "Greetings" {
		t.Errorf("numbered item not normalized: %+v", items[0])
	}
	if items[4].Number != 0 || items[4].Text != "introduction without number" {
		t.Errorf("unparsable item mangled: %+v", items[4])
	}
}

func TestValidateOrderAndRules(t *testing.T) {
	plan := []PlanItem{
		{ID: "p1", Number: 1, Realized: true},
		{ID: "p2", Number: 2},
	}
	rated := func(criterion string) []StudentEvaluationRecord {
		return []StudentEvaluationRecord{
			{StudentID: "s1", Attended: true, Rating: 4, CriterionID: criterion},
		}
	}

	tests := []struct {
		name     string
		records  []StudentEvaluationRecord
		plan     []PlanItem
		selected string
		wantErr  error
	}{
		{
			name:    "attended but unrated",
			records: []StudentEvaluationRecord{{StudentID: "s1", Attended: true}},
			plan:    plan,
			wantErr: ErrIncompleteRatings,
		},
		{
			name: "ratings checked before criteria",
			records: []StudentEvaluationRecord{
				{StudentID: "s1", Attended: true},
				{StudentID: "s2", Attended: true, Rating: 3}, // also missing criterion
			},
			plan:    plan,
			wantErr: ErrIncompleteRatings,
		},
		{
			name:    "rated without criterion",
			records: rated(""),
			plan:    plan,
			wantErr: ErrIncompleteCriteria,
		},
		{
			name:    "outstanding plan item unselected",
			records: rated("c1"),
			plan:    plan,
			wantErr: ErrPlanItemRequired,
		},
		{
			name:     "selected item already realized",
			records:  rated("c1"),
			plan:     plan,
			selected: "p1",
			wantErr:  ErrPlanItemRequired,
		},
		{
			name:     "valid submission",
			records:  rated("c1"),
			plan:     plan,
			selected: "p2",
		},
		{
			name:    "absent students need no rating",
			records: []StudentEvaluationRecord{{StudentID: "s1", Attended: false}},
			plan:    []PlanItem{{ID: "p1", Realized: true}},
		},
		{
			name:    "no outstanding items, no selection needed",
			records: rated("c1"),
			plan:    []PlanItem{{ID: "p1", Realized: true}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.records, tt.plan, tt.selected)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
