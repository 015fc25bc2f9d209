package goallinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Goalline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Letter represents the API goal-letter model (partial).
type Letter struct {
	ID       string `json:"id"`
	PersonID string `json:"person_id"`
	Status   string `json:"status"`
}

// Goal represents one area goal of a letter.
type Goal struct {
	ID       string `json:"id"`
	LetterID string `json:"letter_id"`
	Area     string `json:"area"`
	Target   string `json:"target"`
}

// Action represents a recurring action (partial).
type Action struct {
	ID               string `json:"id"`
	GoalID           string `json:"goal_id"`
	LetterID         string `json:"letter_id"`
	Text             string `json:"text"`
	Frequency        string `json:"frequency"`
	Weekdays         []int  `json:"weekdays,omitempty"`
	OnceDate         string `json:"once_date,omitempty"`
	RequiresEvidence bool   `json:"requires_evidence"`
}

// Occurrence represents one dated task instance.
type Occurrence struct {
	ID                string `json:"id"`
	ActionID          string `json:"action_id"`
	PersonID          string `json:"person_id"`
	DueDate           string `json:"due_date"`
	OriginalDueDate   string `json:"original_due_date"`
	Completed         bool   `json:"completed"`
	EvidenceStatus    string `json:"evidence_status"`
	PostponementCount int    `json:"postponement_count"`
}

// MaterializeResult reports what a materialization pass changed.
type MaterializeResult struct {
	Created  int `json:"created"`
	Removed  int `json:"removed"`
	Skipped  []struct {
		ActionID string `json:"action_id"`
		Reason   string `json:"reason"`
	} `json:"skipped"`
	Warnings []struct {
		ActionID string `json:"action_id"`
		Reason   string `json:"reason"`
	} `json:"warnings"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	LetterID   string         `json:"letter_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateLetter opens a draft letter for a person.
func (c *Client) CreateLetter(ctx context.Context, personID string) (Letter, error) {
	var resp Letter
	err := c.do(ctx, http.MethodPost, "v0/letters", map[string]any{"person_id": personID}, &resp)
	return resp, err
}

// SetGoal creates or replaces the goal for one life area.
func (c *Client) SetGoal(ctx context.Context, letterID, area, target string) (Goal, error) {
	var resp Goal
	endpoint := fmt.Sprintf("v0/letters/%s/goals/%s", url.PathEscape(letterID), url.PathEscape(area))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"target": target}, &resp)
	return resp, err
}

// SubmitLetter moves a letter into review.
func (c *Client) SubmitLetter(ctx context.Context, letterID string) (Letter, error) {
	var resp Letter
	endpoint := fmt.Sprintf("v0/letters/%s/submit", url.PathEscape(letterID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// ApproveLetter approves a letter and returns the materialization result.
func (c *Client) ApproveLetter(ctx context.Context, letterID string) (Letter, MaterializeResult, error) {
	var resp struct {
		Letter          Letter            `json:"letter"`
		Materialization MaterializeResult `json:"materialization"`
	}
	endpoint := fmt.Sprintf("v0/letters/%s/approve", url.PathEscape(letterID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp.Letter, resp.Materialization, err
}

// CreateAction declares a recurring action under a goal.
func (c *Client) CreateAction(ctx context.Context, goalID, text, frequency string, weekdays []int, onceDate string, requiresEvidence bool) (Action, error) {
	body := map[string]any{
		"text":              text,
		"frequency":         frequency,
		"requires_evidence": requiresEvidence,
	}
	if len(weekdays) > 0 {
		body["weekdays"] = weekdays
	}
	if onceDate != "" {
		body["once_date"] = onceDate
	}
	var resp Action
	endpoint := fmt.Sprintf("v0/goals/%s/actions", url.PathEscape(goalID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Materialize reconciles a letter's occurrences over the default horizon.
func (c *Client) Materialize(ctx context.Context, letterID string) (MaterializeResult, error) {
	var resp MaterializeResult
	endpoint := fmt.Sprintf("v0/letters/%s/materialize", url.PathEscape(letterID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// Occurrences lists a person's occurrences inside the date range.
func (c *Client) Occurrences(ctx context.Context, personID, from, to string) ([]Occurrence, error) {
	q := url.Values{}
	q.Set("person_id", personID)
	if from != "" {
		q.Set("from", from)
	}
	if to != "" {
		q.Set("to", to)
	}
	var resp []Occurrence
	err := c.do(ctx, http.MethodGet, "v0/occurrences?"+q.Encode(), nil, &resp)
	return resp, err
}

// Postpone moves an occurrence's due date.
func (c *Client) Postpone(ctx context.Context, occurrenceID, newDate string) (Occurrence, error) {
	var resp Occurrence
	endpoint := fmt.Sprintf("v0/occurrences/%s/postpone", url.PathEscape(occurrenceID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"new_date": newDate}, &resp)
	return resp, err
}

// Complete marks an occurrence done.
func (c *Client) Complete(ctx context.Context, occurrenceID string) (Occurrence, error) {
	var resp Occurrence
	endpoint := fmt.Sprintf("v0/occurrences/%s/complete", url.PathEscape(occurrenceID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// RecordEvidence applies submit/approve/reject to an occurrence's evidence.
func (c *Client) RecordEvidence(ctx context.Context, occurrenceID, event string) (Occurrence, error) {
	var resp Occurrence
	endpoint := fmt.Sprintf("v0/occurrences/%s/evidence", url.PathEscape(occurrenceID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"event": event}, &resp)
	return resp, err
}

// Events returns recent events for a letter.
func (c *Client) Events(ctx context.Context, letterID string, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("v0/letters/%s/events", url.PathEscape(letterID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
