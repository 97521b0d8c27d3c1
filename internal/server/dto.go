package server

import (
	"time"

	"iqeas/internal/domain"
	"iqeas/internal/engine"
)

// Request payloads

// AttachmentRequest leaves label optional in the schema so that a missing
// label reaches the engine and is reported as a validation error.
type AttachmentRequest struct {
	Label   string `json:"label,omitempty"`
	Locator string `json:"locator"`
}

func attachments(in []AttachmentRequest) []domain.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.Attachment, len(in))
	for i, a := range in {
		out[i] = domain.Attachment{Label: a.Label, Locator: a.Locator}
	}
	return out
}

type CreateDeliverableRequest struct {
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
}

type StageEventRequest struct {
	Action      domain.StageAction  `json:"action" enum:"in-progress,submitted,rejected,reopened,approved"`
	Note        string              `json:"note,omitempty"`
	Attachments []AttachmentRequest `json:"attachments,omitempty"`
}

type AssigneeRequest struct {
	Kind domain.AssigneeKind `json:"kind" enum:"worker,team"`
	ID   int64               `json:"id"`
}

type CreateTaskRequest struct {
	Title          string          `json:"title"`
	Description    string          `json:"description,omitempty"`
	Priority       domain.Priority `json:"priority,omitempty" enum:"low,medium,high"`
	Assignee       AssigneeRequest `json:"assignee"`
	DueDate        string          `json:"due_date,omitempty" example:"2024-06-30"`
	EstimatedHours float64         `json:"estimated_hours,omitempty"`
	Notes          string          `json:"notes,omitempty"`
}

type TaskActionRequest struct {
	Action   domain.TaskAction   `json:"action" enum:"assigned,start,pause,completed,reopen,verified,pm-rejected"`
	Files    []AttachmentRequest `json:"files,omitempty"`
	Notes    string              `json:"notes,omitempty"`
	Assignee *AssigneeRequest    `json:"assignee,omitempty"`
}

type CreateTeamRequest struct {
	Name    string  `json:"name"`
	Members []int64 `json:"members,omitempty"`
}

type AddTeamMemberRequest struct {
	WorkerID int64 `json:"worker_id"`
}

type DevLoginRequest struct {
	WorkerID int64       `json:"worker_id"`
	Role     domain.Role `json:"role" enum:"worker,leader,pm,documentation,admin"`
}

// Response payloads

type StagesResponse struct {
	DeliverableID int64               `json:"deliverable_id"`
	Stages        []engine.StageState `json:"stages"`
}

type StageEventResponse struct {
	Event  domain.StageEvent   `json:"event"`
	Stages []engine.StageState `json:"stages"`
}

type StageTimelineResponse struct {
	DeliverableID int64               `json:"deliverable_id"`
	Stage         domain.StageName    `json:"stage"`
	Events        []domain.StageEvent `json:"events"`
}

type TaskTimelineResponse struct {
	TaskID int64              `json:"task_id"`
	Events []domain.TaskEvent `json:"events"`
}

type TaskListResponse struct {
	Items []engine.TaskView `json:"items"`
}

type DeliverableListResponse struct {
	Items []domain.Deliverable `json:"items"`
}

type EventListResponse struct {
	Items      []domain.Event `json:"items"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	WorkerID int64       `json:"worker_id"`
	Role     domain.Role `json:"role"`
	Source   string      `json:"source"`
}

type DevLoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
