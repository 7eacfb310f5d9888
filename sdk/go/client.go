package shiplinesdk

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

// Client is a minimal Shipline HTTP API client.
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

// Initiative represents the API initiative model (partial).
type Initiative struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Status       string            `json:"status"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at"`
}

// Plan is one planning round over an initiative.
type Plan struct {
	ID           string `json:"id"`
	InitiativeID string `json:"initiative_id"`
	Version      int    `json:"version"`
	Summary      string `json:"summary"`
	FeatureCount int    `json:"feature_count"`
	IsActive     bool   `json:"is_active"`
	CreatedAt    string `json:"created_at"`
}

// Feature is one deliverable slice of a plan.
type Feature struct {
	ID                string  `json:"id"`
	PlanID            string  `json:"plan_id"`
	InitiativeID      string  `json:"initiative_id"`
	Sequence          int     `json:"sequence"`
	Title             string  `json:"title"`
	Status            string  `json:"status"`
	BranchName        *string `json:"branch_name,omitempty"`
	PRNumber          *int    `json:"pr_number,omitempty"`
	PRURL             *string `json:"pr_url,omitempty"`
	RejectionFeedback *string `json:"rejection_feedback,omitempty"`
	RetryCount        int     `json:"retry_count"`
}

// Event represents a journal entry.
type Event struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts"`
	Type         string         `json:"type"`
	InitiativeID string         `json:"initiative_id"`
	EntityKind   string         `json:"entity_kind"`
	EntityID     string         `json:"entity_id"`
	ActorID      string         `json:"actor_id"`
	Payload      map[string]any `json:"payload"`
}

// Summary is the final report of a completed initiative.
type Summary struct {
	ID              string `json:"id"`
	InitiativeID    string `json:"initiative_id"`
	FeaturesMerged  int    `json:"features_merged"`
	TasksCompleted  int    `json:"tasks_completed"`
	RejectionRounds int    `json:"rejection_rounds"`
	CreatedAt       string `json:"created_at"`
}

// InitiativeStatus is the aggregated pipeline view of one initiative.
type InitiativeStatus struct {
	Initiative Initiative     `json:"initiative"`
	Plan       *Plan          `json:"plan,omitempty"`
	Features   []Feature      `json:"features,omitempty"`
	TaskCounts map[string]int `json:"task_counts,omitempty"`
	JobCounts  map[string]int `json:"job_counts,omitempty"`
	Summary    *Summary       `json:"summary,omitempty"`
}

// Enqueued is returned by operations that create an initiative and
// queue its first pipeline job.
type Enqueued struct {
	Initiative Initiative `json:"initiative"`
	JobID      string     `json:"job_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateInitiative starts a new initiative and enqueues planning.
// Either content or sourceDocumentID carries the brief.
func (c *Client) CreateInitiative(ctx context.Context, title, content, sourceDocumentID string) (Enqueued, error) {
	body := map[string]any{
		"title":              title,
		"content":            content,
		"source_document_id": sourceDocumentID,
	}
	var resp Enqueued
	err := c.do(ctx, http.MethodPost, "v0/initiatives", body, &resp)
	return resp, err
}

// Initiatives lists initiatives, newest first.
func (c *Client) Initiatives(ctx context.Context, limit int) ([]Initiative, error) {
	endpoint := "v0/initiatives"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Initiative
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Initiative fetches one initiative by id.
func (c *Client) Initiative(ctx context.Context, id string) (Initiative, error) {
	var resp Initiative
	err := c.do(ctx, http.MethodGet, c.initiativePath(id, ""), nil, &resp)
	return resp, err
}

// Status returns the aggregated pipeline view of an initiative.
func (c *Client) Status(ctx context.Context, id string) (InitiativeStatus, error) {
	var resp InitiativeStatus
	err := c.do(ctx, http.MethodGet, c.initiativePath(id, "status"), nil, &resp)
	return resp, err
}

// SubmitContext answers the planner's open questions and replans.
func (c *Client) SubmitContext(ctx context.Context, id, content string) (Enqueued, error) {
	var resp Enqueued
	err := c.do(ctx, http.MethodPost, c.initiativePath(id, "context"), map[string]any{"content": content}, &resp)
	return resp, err
}

// ApprovePlan approves a plan held for review and starts delivery.
func (c *Client) ApprovePlan(ctx context.Context, id string) (Enqueued, error) {
	var resp Enqueued
	err := c.do(ctx, http.MethodPost, c.initiativePath(id, "plan/approve"), nil, &resp)
	return resp, err
}

// CancelInitiative cancels an initiative.
func (c *Client) CancelInitiative(ctx context.Context, id string) (Initiative, error) {
	var resp Initiative
	err := c.do(ctx, http.MethodPost, c.initiativePath(id, "cancel"), nil, &resp)
	return resp, err
}

// ApproveFeature approves a feature awaiting human review.
func (c *Client) ApproveFeature(ctx context.Context, featureID string) (Feature, error) {
	var resp Feature
	endpoint := fmt.Sprintf("v0/features/%s/approve", url.PathEscape(featureID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RejectFeature rejects a feature with feedback.
func (c *Client) RejectFeature(ctx context.Context, featureID, feedback string) (Feature, error) {
	var resp Feature
	endpoint := fmt.Sprintf("v0/features/%s/reject", url.PathEscape(featureID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"feedback": feedback}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
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

func (c *Client) initiativePath(id, p string) string {
	base := fmt.Sprintf("v0/initiatives/%s", url.PathEscape(id))
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
