package cms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client calls the headless CMS backend. All course, roster and billing data
// lives there; this service never owns it.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. Skip enables canned responses for dev without a CMS.
func New(baseURL, token string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// do issues a JSON request and decodes the response into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("cms request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("cms error %s: %s", resp.Status, string(bodyBytes))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// ProgramWithRoster fetches a program including every enrollment relation.
func (c *Client) ProgramWithRoster(ctx context.Context, programID string) (*Program, error) {
	if programID == "" {
		return nil, fmt.Errorf("program id required")
	}
	if c.Skip {
		return &Program{
			ID:      programID,
			Name:    "Mock Program",
			LevelID: "level-1",
			Roster: []RosterEntry{
				{StudentID: "mock-student", DisplayName: "Mock Student", Rating: 30, Credits: 6},
			},
			PlanEntries: []PlanEntry{{ID: "p1", Text: "1. Introduction"}},
		}, nil
	}
	var out Program
	if err := c.do(ctx, http.MethodGet, "/programs/"+url.PathEscape(programID)+"?populate=roster,plan", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RealizePlanItem marks one study-plan entry completed. Synchronous: callers
// must not continue settlement when this fails.
func (c *Client) RealizePlanItem(ctx context.Context, programID, entryID string) error {
	if c.Skip {
		return nil
	}
	if programID == "" || entryID == "" {
		return fmt.Errorf("program and entry id required")
	}
	payload := map[string]interface{}{"realized": true}
	return c.do(ctx, http.MethodPut, "/programs/"+url.PathEscape(programID)+"/plan/"+url.PathEscape(entryID), payload, nil)
}

// CreateAttendanceBatch writes one attendance row per student and returns ids.
func (c *Client) CreateAttendanceBatch(ctx context.Context, records []AttendanceRecord) ([]string, error) {
	if c.Skip {
		ids := make([]string, len(records))
		for i := range records {
			ids[i] = fmt.Sprintf("mock-att-%d", i)
		}
		return ids, nil
	}
	var out struct {
		IDs []string `json:"ids"`
	}
	if err := c.do(ctx, http.MethodPost, "/attendances/batch", map[string]interface{}{"records": records}, &out); err != nil {
		return nil, err
	}
	return out.IDs, nil
}

// UpdateUserBatch applies partial ledger updates to many users at once.
func (c *Client) UpdateUserBatch(ctx context.Context, updates []UserLedgerUpdate) error {
	if c.Skip {
		return nil
	}
	return c.do(ctx, http.MethodPut, "/users/batch", map[string]interface{}{"updates": updates}, nil)
}

// CreateCertificateBatch creates certification records. Entries are immutable
// once created.
func (c *Client) CreateCertificateBatch(ctx context.Context, entries []CertificateEntry) error {
	if c.Skip || len(entries) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/certificates/batch", map[string]interface{}{"entries": entries}, nil)
}

// CreateReceivable opens a receivable account keyed by identity documents.
func (c *Client) CreateReceivable(ctx context.Context, docTypes, docNumbers []string) error {
	if c.Skip {
		return nil
	}
	payload := map[string]interface{}{
		"document_types":   docTypes,
		"document_numbers": docNumbers,
	}
	return c.do(ctx, http.MethodPost, "/receivables", payload, nil)
}

// StudentByDocument looks up the canonical student record by identity document.
func (c *Client) StudentByDocument(ctx context.Context, docType, docNumber string) (*Student, error) {
	if c.Skip {
		return &Student{ID: "mock-student", DocumentType: docType, DocumentNumber: docNumber}, nil
	}
	var out Student
	q := url.Values{"document_type": {docType}, "document_number": {docNumber}}
	if err := c.do(ctx, http.MethodGet, "/students/by-document?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetGraduatedStatus flips the graduated flag on a student record.
func (c *Client) SetGraduatedStatus(ctx context.Context, studentID string, graduated bool) error {
	if c.Skip {
		return nil
	}
	if studentID == "" {
		return fmt.Errorf("student id required")
	}
	payload := map[string]interface{}{"graduated_ayo": graduated}
	return c.do(ctx, http.MethodPut, "/students/"+url.PathEscape(studentID)+"/status", payload, nil)
}

// NotifyGuardians triggers the guardian-notification flow for the given emails.
func (c *Client) NotifyGuardians(ctx context.Context, emails []string) error {
	if c.Skip || len(emails) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/notifications/guardians", map[string]interface{}{"emails": emails}, nil)
}

// HourlyRate returns the configured billing rate for a teacher.
func (c *Client) HourlyRate(ctx context.Context, teacherID string) (float64, error) {
	if teacherID == "" {
		return 0, fmt.Errorf("teacher id required")
	}
	if c.Skip {
		return 25, nil
	}
	var out struct {
		Rate float64 `json:"rate"`
	}
	if err := c.do(ctx, http.MethodGet, "/payroll/rates/"+url.PathEscape(teacherID), nil, &out); err != nil {
		return 0, err
	}
	return out.Rate, nil
}

// CreatePayrollRecord books one payroll line and returns its id.
func (c *Client) CreatePayrollRecord(ctx context.Context, rec PayrollRecord) (string, error) {
	if c.Skip {
		return "mock-payroll", nil
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/payroll/records", rec, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// AttendanceHistory returns per-session attended flags for a student scoped
// to one program, oldest first.
func (c *Client) AttendanceHistory(ctx context.Context, studentID, programID string) ([]bool, error) {
	if c.Skip {
		return []bool{true, true, true, false, true}, nil
	}
	var out struct {
		Attended []bool `json:"attended"`
	}
	q := url.Values{"student_id": {studentID}, "program_id": {programID}}
	if err := c.do(ctx, http.MethodGet, "/attendances/history?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Attended, nil
}

// Health checks if the CMS is reachable.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}
