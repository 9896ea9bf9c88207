package meetings

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

// Event is a remote calendar event backing a scheduled class meeting.
type Event struct {
	ID        string    `json:"id,omitempty"`
	Title     string    `json:"title"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	JoinURL   string    `json:"join_url,omitempty"`
}

// Client talks to the external calendar/video-conferencing provider. The
// capability is opaque: callers log failures and move on.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with a short timeout; meeting calls must never stall
// session flows.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Create registers a remote meeting and returns it with provider ids filled.
func (c *Client) Create(ctx context.Context, evt Event) (*Event, error) {
	if c.Skip {
		evt.ID = "mock-meeting"
		evt.JoinURL = "https://meet.example.com/mock"
		return &evt, nil
	}
	out, err := c.do(ctx, http.MethodPost, "/events", evt)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Patch updates a remote meeting in place.
func (c *Client) Patch(ctx context.Context, evt Event) error {
	if c.Skip {
		return nil
	}
	if evt.ID == "" {
		return fmt.Errorf("event id required")
	}
	_, err := c.do(ctx, http.MethodPatch, "/events/"+url.PathEscape(evt.ID), evt)
	return err
}

// Delete removes a remote meeting.
func (c *Client) Delete(ctx context.Context, eventID string) error {
	if c.Skip {
		return nil
	}
	if eventID == "" {
		return fmt.Errorf("event id required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/events/"+url.PathEscape(eventID), nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("meeting provider request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("meeting provider error %s: %s", resp.Status, string(bodyBytes))
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, evt Event) (*Event, error) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("meeting provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("meeting provider error %s: %s", resp.Status, string(bodyBytes))
	}

	var out Event
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}
