package iqeassdk

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

// Client is a minimal IQEAS HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Attachment struct {
	Label   string `json:"label"`
	Locator string `json:"locator"`
}

type Deliverable struct {
	ID        int64  `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	CreatedBy int64  `json:"created_by"`
	CreatedAt string `json:"created_at"`
}

// StageState is the derived status of one review stage.
type StageState struct {
	Stage  string `json:"stage"`
	Status string `json:"status"`
	Phase  string `json:"phase,omitempty"`
	Events int    `json:"events"`
}

type StageEvent struct {
	ID          int64        `json:"id"`
	Stage       string       `json:"stage"`
	Action      string       `json:"action"`
	Note        string       `json:"note,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ActorID     int64        `json:"actor_id"`
	Timestamp   time.Time    `json:"timestamp"`
}

type Assignee struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}

// TaskView represents a task with its status folded from the task log.
type TaskView struct {
	Task struct {
		ID            int64    `json:"id"`
		DeliverableID int64    `json:"deliverable_id"`
		Title         string   `json:"title"`
		Priority      string   `json:"priority"`
		Assignee      Assignee `json:"assignee"`
		DueDate       string   `json:"due_date,omitempty"`
	} `json:"task"`
	State struct {
		Status     string    `json:"status"`
		LastAction string    `json:"last_action,omitempty"`
		Rejections int       `json:"rejections"`
		Reopens    int       `json:"reopens"`
		Assignee   *Assignee `json:"assignee,omitempty"`
	} `json:"state"`
}

// WorkSummary is the accumulated time of a worker on a deliverable.
type WorkSummary struct {
	WorkerID           int64      `json:"worker_id"`
	DeliverableID      int64      `json:"deliverable_id"`
	Status             string     `json:"status"`
	AccumulatedSeconds float64    `json:"accumulated_seconds"`
	ElapsedSeconds     float64    `json:"elapsed_seconds"`
	RunningSince       *time.Time `json:"running_since,omitempty"`
}

// Event represents a raw timeline row.
type Event struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts"`
	Type          string `json:"type"`
	DeliverableID int64  `json:"deliverable_id,omitempty"`
	EntityKind    string `json:"entity_kind"`
	EntityID      string `json:"entity_id"`
	ActorID       int64  `json:"actor_id"`
	Payload       string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor int64   `json:"next_cursor"`
}

func (c *Client) CreateDeliverable(ctx context.Context, projectID, title string) (Deliverable, error) {
	var resp Deliverable
	err := c.do(ctx, http.MethodPost, "deliverables", map[string]any{"project_id": projectID, "title": title}, &resp)
	return resp, err
}

// Stages returns the derived status of the four stages.
func (c *Client) Stages(ctx context.Context, deliverableID int64) ([]StageState, error) {
	var resp struct {
		Stages []StageState `json:"stages"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("deliverables/%d/stages", deliverableID), nil, &resp)
	return resp.Stages, err
}

// AppendStageEvent appends an action to a stage log and returns the new statuses.
func (c *Client) AppendStageEvent(ctx context.Context, deliverableID int64, stage, action, note string, attachments []Attachment) ([]StageState, error) {
	body := map[string]any{"action": action}
	if note != "" {
		body["note"] = note
	}
	if len(attachments) > 0 {
		body["attachments"] = attachments
	}
	var resp struct {
		Stages []StageState `json:"stages"`
	}
	endpoint := fmt.Sprintf("deliverables/%d/stages/%s/events", deliverableID, url.PathEscape(stage))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.Stages, err
}

func (c *Client) StageTimeline(ctx context.Context, deliverableID int64, stage string) ([]StageEvent, error) {
	var resp struct {
		Events []StageEvent `json:"events"`
	}
	endpoint := fmt.Sprintf("deliverables/%d/stages/%s/timeline", deliverableID, url.PathEscape(stage))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

// CreateTask creates a task assigned to a worker or a team.
func (c *Client) CreateTask(ctx context.Context, deliverableID int64, title, priority string, assignee Assignee) (TaskView, error) {
	body := map[string]any{
		"title":    title,
		"assignee": assignee,
	}
	if priority != "" {
		body["priority"] = priority
	}
	var resp TaskView
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("deliverables/%d/tasks", deliverableID), body, &resp)
	return resp, err
}

func (c *Client) Task(ctx context.Context, taskID int64) (TaskView, error) {
	var resp TaskView
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%d", taskID), nil, &resp)
	return resp, err
}

// TaskAction applies a lifecycle action. Completed requires labeled files.
func (c *Client) TaskAction(ctx context.Context, taskID int64, action, notes string, files []Attachment) (TaskView, error) {
	body := map[string]any{"action": action}
	if notes != "" {
		body["notes"] = notes
	}
	if len(files) > 0 {
		body["files"] = files
	}
	var resp TaskView
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%d/actions", taskID), body, &resp)
	return resp, err
}

func (c *Client) WorkSummary(ctx context.Context, workerID, deliverableID int64) (WorkSummary, error) {
	var resp WorkSummary
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("workers/%d/deliverables/%d/summary", workerID, deliverableID), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, 0)
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor int64) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor > 0 {
		q.Set("cursor", fmt.Sprint(cursor))
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req.Header)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) authorize(h http.Header) {
	switch {
	case c.BearerToken != "":
		h.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		h.Set("X-Api-Key", c.APIKey)
	}
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
