package domain

import "time"

// StageName is one of the fixed pipeline phases of a deliverable.
type StageName string

const (
	StageIDC StageName = "IDC"
	StageIFR StageName = "IFR"
	StageIFA StageName = "IFA"
	StageAFC StageName = "AFC"
)

// StageSequence is the order in which stages must be approved.
var StageSequence = []StageName{StageIDC, StageIFR, StageIFA, StageAFC}

// ParseStage returns the stage for name, or false when it is not in StageSequence.
func ParseStage(name string) (StageName, bool) {
	for _, s := range StageSequence {
		if string(s) == name {
			return s, true
		}
	}
	return "", false
}

type StageAction string

const (
	StageInProgress StageAction = "in-progress"
	StageSubmitted  StageAction = "submitted"
	StageRejected   StageAction = "rejected"
	StageReopened   StageAction = "reopened"
	StageApproved   StageAction = "approved"
)

type StageStatus string

const (
	StageStatusLocked   StageStatus = "locked"
	StageStatusActive   StageStatus = "active"
	StageStatusApproved StageStatus = "approved"
)

type TaskAction string

const (
	TaskAssigned   TaskAction = "assigned"
	TaskStart      TaskAction = "start"
	TaskPause      TaskAction = "pause"
	TaskCompleted  TaskAction = "completed"
	TaskReopen     TaskAction = "reopen"
	TaskVerified   TaskAction = "verified"
	TaskPMRejected TaskAction = "pm-rejected"
)

type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in-progress"
	TaskStatusPaused     TaskStatus = "paused"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusVerified   TaskStatus = "verified"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

type AssigneeKind string

const (
	AssigneeWorker AssigneeKind = "worker"
	AssigneeTeam   AssigneeKind = "team"
)

type Role string

const (
	RoleWorker        Role = "worker"
	RoleLeader        Role = "leader"
	RolePM            Role = "pm"
	RoleDocumentation Role = "documentation"
	RoleAdmin         Role = "admin"
)

// Attachment references a file held by the file store; only label and locator are kept.
type Attachment struct {
	Label   string `json:"label"`
	Locator string `json:"locator"`
}

type Assignee struct {
	Kind AssigneeKind `json:"kind" enum:"worker,team"`
	ID   int64        `json:"id"`
}

type Deliverable struct {
	ID        int64  `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	CreatedBy int64  `json:"created_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type StageEvent struct {
	ID            int64        `json:"id"`
	DeliverableID int64        `json:"deliverable_id"`
	Stage         StageName    `json:"stage"`
	Action        StageAction  `json:"action"`
	Note          string       `json:"note,omitempty"`
	Attachments   []Attachment `json:"attachments,omitempty"`
	ActorID       int64        `json:"actor_id"`
	Timestamp     time.Time    `json:"timestamp"`
}

type Task struct {
	ID             int64    `json:"id"`
	DeliverableID  int64    `json:"deliverable_id"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Priority       Priority `json:"priority" enum:"low,medium,high"`
	Assignee       Assignee `json:"assignee"`
	DueDate        string   `json:"due_date,omitempty"`
	EstimatedHours float64  `json:"estimated_hours"`
	CreatedBy      int64    `json:"created_by"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

type TaskEvent struct {
	ID        int64        `json:"id"`
	TaskID    int64        `json:"task_id"`
	Action    TaskAction   `json:"action"`
	Files     []Attachment `json:"files,omitempty"`
	Notes     string       `json:"notes,omitempty"`
	Assignee  *Assignee    `json:"assignee,omitempty"`
	ActorID   int64        `json:"actor_id"`
	Timestamp time.Time    `json:"timestamp"`
}

type Team struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Members   []int64 `json:"members,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type SessionStatus string

const (
	SessionIdle    SessionStatus = "idle"
	SessionRunning SessionStatus = "running"
	SessionPaused  SessionStatus = "paused"
	SessionStopped SessionStatus = "stopped"
)

// WorkSession is the timer of one worker against one deliverable.
type WorkSession struct {
	WorkerID      int64         `json:"worker_id"`
	DeliverableID int64         `json:"deliverable_id"`
	Status        SessionStatus `json:"status"`
	Accumulated   time.Duration `json:"-"`
	// IntervalBase is Accumulated when the current running interval opened.
	IntervalBase time.Duration `json:"-"`
	RunningSince *time.Time    `json:"running_since,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// AccumulatedSeconds is the durable counter in seconds.
func (s WorkSession) AccumulatedSeconds() float64 {
	return s.Accumulated.Seconds()
}

// Elapsed is the accumulated time plus the open running interval at now.
func (s WorkSession) Elapsed(now time.Time) time.Duration {
	total := s.Accumulated
	if s.Status == SessionRunning && s.RunningSince != nil && now.After(*s.RunningSince) {
		total += now.Sub(*s.RunningSince)
	}
	return total
}

// Event is a raw timeline row.
type Event struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts" format:"date-time"`
	Type          string `json:"type"`
	DeliverableID int64  `json:"deliverable_id,omitempty"`
	EntityKind    string `json:"entity_kind"`
	EntityID      string `json:"entity_id"`
	ActorID       int64  `json:"actor_id"`
	Payload       string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	WorkerID  int64  `json:"worker_id"`
	Role      Role   `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TimesheetEntry is the closed working time of a worker on one deliverable.
type TimesheetEntry struct {
	DeliverableID int64   `json:"deliverable_id"`
	Seconds       float64 `json:"seconds"`
	Intervals     int     `json:"intervals"`
}

type Timesheet struct {
	WorkerID     int64            `json:"worker_id"`
	WeekStart    string           `json:"week_start"`
	WeekEnd      string           `json:"week_end"`
	TotalSeconds float64          `json:"total_seconds"`
	Entries      []TimesheetEntry `json:"entries"`
}
