package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"iqeas/internal/domain"
	"iqeas/internal/engine/auth"
	"iqeas/internal/events"
	"iqeas/internal/repo"
)

// SessionStopper ends the work session of a worker on a deliverable together
// with the caller's transaction. apply gets a checkpoint function that writes
// the final checkpoint into tx; the session is released only when apply
// returns nil.
type SessionStopper interface {
	StopWith(ctx context.Context, workerID, deliverableID int64, reason string, apply func(checkpoint func(*sql.Tx) error) error) error
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Auth     auth.Service
	Sessions SessionStopper
	Now      func() time.Time
}

func New(db *sql.DB) Engine {
	r := repo.Repo{DB: db}
	e := Engine{
		DB:   db,
		Repo: r,
		Auth: auth.Service{Repo: r},
		Now:  time.Now,
	}
	e.Events = events.Writer{Now: e.now}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// CreateDeliverable registers a deliverable; its four stage logs start empty.
func (e Engine) CreateDeliverable(ctx context.Context, actor auth.Actor, projectID, title string) (domain.Deliverable, error) {
	if err := e.Auth.RequireRole(actor, "deliverable create", domain.RolePM, domain.RoleLeader); err != nil {
		return domain.Deliverable{}, err
	}
	projectID = strings.TrimSpace(projectID)
	title = strings.TrimSpace(title)
	if projectID == "" {
		return domain.Deliverable{}, domain.ValidationError{Field: "project_id", Reason: "required"}
	}
	if title == "" {
		return domain.Deliverable{}, domain.ValidationError{Field: "title", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deliverable{}, err
	}
	defer tx.Rollback()
	d, err := e.Repo.InsertDeliverable(ctx, tx, domain.Deliverable{
		ProjectID: projectID,
		Title:     title,
		CreatedBy: actor.WorkerID,
		CreatedAt: e.stamp(),
	})
	if err != nil {
		return d, fmt.Errorf("insert deliverable: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, events.Record{
		Type:          "deliverable.created",
		DeliverableID: d.ID,
		EntityKind:    events.KindDeliverable,
		EntityID:      fmt.Sprintf("%d", d.ID),
		ActorID:       actor.WorkerID,
		Payload:       map[string]any{"project_id": d.ProjectID, "title": d.Title},
	}); err != nil {
		return d, err
	}
	return d, tx.Commit()
}

func (e Engine) stageLogs(ctx context.Context, q events.Querier, deliverableID int64) (map[domain.StageName][]domain.StageEvent, error) {
	logs := make(map[domain.StageName][]domain.StageEvent, len(domain.StageSequence))
	for _, stage := range domain.StageSequence {
		rows, err := events.StageLog(deliverableID, stage).Events(ctx, q)
		if err != nil {
			return nil, err
		}
		decoded, err := events.DecodeStage(rows)
		if err != nil {
			return nil, err
		}
		logs[stage] = decoded
	}
	return logs, nil
}

// StageStatuses recomputes every stage of the deliverable from its logs.
func (e Engine) StageStatuses(ctx context.Context, deliverableID int64) ([]StageState, error) {
	if _, err := e.Repo.GetDeliverable(ctx, nil, deliverableID); err != nil {
		return nil, err
	}
	logs, err := e.stageLogs(ctx, e.DB, deliverableID)
	if err != nil {
		return nil, err
	}
	return EvaluateStages(logs), nil
}

// StageTimeline replays the log of one stage.
func (e Engine) StageTimeline(ctx context.Context, deliverableID int64, stage domain.StageName) ([]domain.StageEvent, error) {
	if _, err := e.Repo.GetDeliverable(ctx, nil, deliverableID); err != nil {
		return nil, err
	}
	rows, err := events.StageLog(deliverableID, stage).Events(ctx, e.DB)
	if err != nil {
		return nil, err
	}
	return events.DecodeStage(rows)
}

type StageEventInput struct {
	DeliverableID int64
	Stage         domain.StageName
	Action        domain.StageAction
	Note          string
	Attachments   []domain.Attachment
}

// AppendStageEvent validates the action against the gate and appends it.
// It returns the appended event and the stage states after the append.
func (e Engine) AppendStageEvent(ctx context.Context, actor auth.Actor, in StageEventInput) (domain.StageEvent, []StageState, error) {
	if _, ok := domain.ParseStage(string(in.Stage)); !ok {
		return domain.StageEvent{}, nil, domain.ValidationError{Field: "stage", Reason: fmt.Sprintf("unknown stage %q", in.Stage)}
	}
	if !validStageAction(in.Action) {
		return domain.StageEvent{}, nil, domain.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown stage action %q", in.Action)}
	}
	if err := e.Auth.CanActOnStage(actor, in.Action); err != nil {
		return domain.StageEvent{}, nil, err
	}
	if err := ValidateAttachments("attachments", in.Attachments); err != nil {
		return domain.StageEvent{}, nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StageEvent{}, nil, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetDeliverable(ctx, tx, in.DeliverableID); err != nil {
		return domain.StageEvent{}, nil, err
	}
	logs, err := e.stageLogs(ctx, tx, in.DeliverableID)
	if err != nil {
		return domain.StageEvent{}, nil, err
	}
	if err := CheckStageAction(StageStatusOf(EvaluateStages(logs), in.Stage), in.Action); err != nil {
		return domain.StageEvent{}, nil, err
	}
	at := e.now()
	evt := domain.StageEvent{
		DeliverableID: in.DeliverableID,
		Stage:         in.Stage,
		Action:        in.Action,
		Note:          strings.TrimSpace(in.Note),
		Attachments:   in.Attachments,
		ActorID:       actor.WorkerID,
		Timestamp:     at.UTC(),
	}
	evt.ID, err = e.Events.Append(ctx, tx, events.Record{
		Type:          events.StageEventType(in.Action),
		DeliverableID: in.DeliverableID,
		EntityKind:    events.KindStage,
		EntityID:      events.StageLog(in.DeliverableID, in.Stage).EntityID,
		ActorID:       actor.WorkerID,
		Payload:       events.StagePayload{Action: evt.Action, Note: evt.Note, Attachments: evt.Attachments},
		At:            at,
	})
	if err != nil {
		return domain.StageEvent{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StageEvent{}, nil, err
	}
	logs[in.Stage] = append(logs[in.Stage], evt)
	return evt, EvaluateStages(logs), nil
}

type TaskCreateOptions struct {
	DeliverableID  int64
	Title          string
	Description    string
	Priority       domain.Priority
	Assignee       domain.Assignee
	DueDate        string
	EstimatedHours float64
	Notes          string
}

// CreateTask inserts a task and opens its log with an assigned event.
func (e Engine) CreateTask(ctx context.Context, actor auth.Actor, opts TaskCreateOptions) (domain.Task, error) {
	if err := e.Auth.RequireRole(actor, "task create", domain.RolePM, domain.RoleLeader); err != nil {
		return domain.Task{}, err
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, domain.ValidationError{Field: "title", Reason: "required"}
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	switch opts.Priority {
	case domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh:
	default:
		return domain.Task{}, domain.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", opts.Priority)}
	}
	if opts.EstimatedHours < 0 {
		return domain.Task{}, domain.ValidationError{Field: "estimated_hours", Reason: "must not be negative"}
	}
	if opts.DueDate != "" {
		if _, err := time.Parse(time.DateOnly, opts.DueDate); err != nil {
			return domain.Task{}, domain.ValidationError{Field: "due_date", Reason: "expected YYYY-MM-DD"}
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetDeliverable(ctx, tx, opts.DeliverableID); err != nil {
		return domain.Task{}, err
	}
	if err := e.checkAssignee(ctx, tx, opts.Assignee); err != nil {
		return domain.Task{}, err
	}
	now := e.stamp()
	t, err := e.Repo.InsertTask(ctx, tx, domain.Task{
		DeliverableID:  opts.DeliverableID,
		Title:          strings.TrimSpace(opts.Title),
		Description:    opts.Description,
		Priority:       opts.Priority,
		Assignee:       opts.Assignee,
		DueDate:        opts.DueDate,
		EstimatedHours: opts.EstimatedHours,
		CreatedBy:      actor.WorkerID,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return t, fmt.Errorf("insert task: %w", err)
	}
	assignee := opts.Assignee
	if _, err := events.TaskLog(t.ID).Append(ctx, tx, e.Events, events.TaskEventType(domain.TaskAssigned), t.DeliverableID, actor.WorkerID,
		events.TaskPayload{Action: domain.TaskAssigned, Assignee: &assignee, Notes: opts.Notes}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

func (e Engine) checkAssignee(ctx context.Context, tx *sql.Tx, a domain.Assignee) error {
	if a.ID <= 0 {
		return domain.ValidationError{Field: "assignee.id", Reason: "required"}
	}
	switch a.Kind {
	case domain.AssigneeWorker:
		return nil
	case domain.AssigneeTeam:
		if _, err := e.Repo.GetTeam(ctx, tx, a.ID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.ValidationError{Field: "assignee.id", Reason: fmt.Sprintf("team %d not found", a.ID)}
			}
			return err
		}
		return nil
	default:
		return domain.ValidationError{Field: "assignee.kind", Reason: fmt.Sprintf("unknown assignee kind %q", a.Kind)}
	}
}

// TaskView is a task with its derived state.
type TaskView struct {
	Task  domain.Task `json:"task"`
	State TaskState   `json:"state"`
}

func (e Engine) taskLog(ctx context.Context, q events.Querier, taskID int64) ([]domain.TaskEvent, error) {
	rows, err := events.TaskLog(taskID).Events(ctx, q)
	if err != nil {
		return nil, err
	}
	return events.DecodeTask(taskID, rows)
}

// TaskStatus returns the task and the status folded from its log.
func (e Engine) TaskStatus(ctx context.Context, taskID int64) (TaskView, error) {
	t, err := e.Repo.GetTask(ctx, nil, taskID)
	if err != nil {
		return TaskView{}, err
	}
	log, err := e.taskLog(ctx, e.DB, taskID)
	if err != nil {
		return TaskView{}, err
	}
	return TaskView{Task: t, State: FoldTask(log)}, nil
}

func (e Engine) TaskTimeline(ctx context.Context, taskID int64) ([]domain.TaskEvent, error) {
	if _, err := e.Repo.GetTask(ctx, nil, taskID); err != nil {
		return nil, err
	}
	return e.taskLog(ctx, e.DB, taskID)
}

func (e Engine) ListTasks(ctx context.Context, deliverableID int64) ([]TaskView, error) {
	tasks, err := e.Repo.ListTasks(ctx, deliverableID)
	if err != nil {
		return nil, err
	}
	out := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		log, err := e.taskLog(ctx, e.DB, t.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, TaskView{Task: t, State: FoldTask(log)})
	}
	return out, nil
}

type TaskActionInput struct {
	TaskID   int64
	Action   domain.TaskAction
	Files    []domain.Attachment
	Notes    string
	Assignee *domain.Assignee
}

// ApplyTaskAction validates action against the folded task state and appends it.
// A completed action stops the actor's work session on the deliverable in the
// same transaction.
func (e Engine) ApplyTaskAction(ctx context.Context, actor auth.Actor, in TaskActionInput) (TaskView, error) {
	if !validTaskAction(in.Action) {
		return TaskView{}, domain.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown task action %q", in.Action)}
	}
	if in.Action == domain.TaskAssigned && in.Assignee == nil {
		return TaskView{}, domain.ValidationError{Field: "assignee", Reason: "required"}
	}
	if in.Action != domain.TaskCompleted || e.Sessions == nil {
		return e.applyTaskAction(ctx, actor, in, nil)
	}

	t, err := e.Repo.GetTask(ctx, nil, in.TaskID)
	if err != nil {
		return TaskView{}, err
	}
	var view TaskView
	err = e.Sessions.StopWith(ctx, actor.WorkerID, t.DeliverableID, "task completed", func(checkpoint func(*sql.Tx) error) error {
		var err error
		view, err = e.applyTaskAction(ctx, actor, in, checkpoint)
		return err
	})
	if err != nil {
		return TaskView{}, err
	}
	return view, nil
}

// applyTaskAction runs the task transaction. checkpoint, when set, writes
// into the same transaction before it commits.
func (e Engine) applyTaskAction(ctx context.Context, actor auth.Actor, in TaskActionInput, checkpoint func(*sql.Tx) error) (TaskView, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TaskView{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTask(ctx, tx, in.TaskID)
	if err != nil {
		return TaskView{}, err
	}
	if err := e.Auth.CanActOnTask(ctx, tx, actor, t, in.Action); err != nil {
		return TaskView{}, err
	}
	if in.Action == domain.TaskCompleted {
		if err := ValidateAttachments("files", in.Files); err != nil {
			return TaskView{}, err
		}
	}
	log, err := e.taskLog(ctx, tx, t.ID)
	if err != nil {
		return TaskView{}, err
	}
	state := FoldTask(log)
	if _, err := NextTaskStatus(state.Status, in.Action); err != nil {
		return TaskView{}, err
	}
	if in.Action == domain.TaskAssigned {
		if err := e.checkAssignee(ctx, tx, *in.Assignee); err != nil {
			return TaskView{}, err
		}
		if err := e.Repo.SetTaskAssignee(ctx, tx, t.ID, *in.Assignee, e.stamp()); err != nil {
			return TaskView{}, err
		}
		t.Assignee = *in.Assignee
	} else if err := e.Repo.TouchTask(ctx, tx, t.ID, e.stamp()); err != nil {
		return TaskView{}, err
	}
	at := e.now()
	evt := domain.TaskEvent{
		TaskID:    t.ID,
		Action:    in.Action,
		Files:     in.Files,
		Notes:     strings.TrimSpace(in.Notes),
		Assignee:  in.Assignee,
		ActorID:   actor.WorkerID,
		Timestamp: at.UTC(),
	}
	evt.ID, err = e.Events.Append(ctx, tx, events.Record{
		Type:          events.TaskEventType(in.Action),
		DeliverableID: t.DeliverableID,
		EntityKind:    events.KindTask,
		EntityID:      events.TaskLog(t.ID).EntityID,
		ActorID:       actor.WorkerID,
		Payload:       events.TaskPayload{Action: in.Action, Files: in.Files, Notes: evt.Notes, Assignee: in.Assignee},
		At:            at,
	})
	if err != nil {
		return TaskView{}, err
	}
	if checkpoint != nil {
		if err := checkpoint(tx); err != nil {
			return TaskView{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return TaskView{}, err
	}
	return TaskView{Task: t, State: FoldTask(append(log, evt))}, nil
}

// CanWork reports whether the worker may run a timer on the deliverable: a
// task there must be assigned to the worker or one of their teams and still
// be open for work.
func (e Engine) CanWork(ctx context.Context, workerID, deliverableID int64) error {
	if _, err := e.Repo.GetDeliverable(ctx, nil, deliverableID); err != nil {
		return err
	}
	tasks, err := e.ListTasks(ctx, deliverableID)
	if err != nil {
		return err
	}
	for _, v := range tasks {
		switch v.State.Status {
		case domain.TaskStatusTodo, domain.TaskStatusInProgress, domain.TaskStatusPaused:
		default:
			continue
		}
		ok, err := e.Auth.IsAssignee(ctx, nil, workerID, v.Task.Assignee)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return auth.ForbiddenError{Action: fmt.Sprintf("work on deliverable %d", deliverableID)}
}

func (e Engine) CreateTeam(ctx context.Context, actor auth.Actor, name string, members []int64) (domain.Team, error) {
	if err := e.Auth.RequireRole(actor, "team create", domain.RolePM, domain.RoleLeader); err != nil {
		return domain.Team{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Team{}, domain.ValidationError{Field: "name", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Team{}, err
	}
	defer tx.Rollback()
	team, err := e.Repo.InsertTeam(ctx, tx, name, e.stamp())
	if err != nil {
		return team, fmt.Errorf("insert team: %w", err)
	}
	for _, m := range members {
		if err := e.Repo.AddTeamMember(ctx, tx, team.ID, m); err != nil {
			return team, err
		}
	}
	team.Members = members
	return team, tx.Commit()
}

func (e Engine) AddTeamMember(ctx context.Context, actor auth.Actor, teamID, workerID int64) (domain.Team, error) {
	if err := e.Auth.RequireRole(actor, "team update", domain.RolePM, domain.RoleLeader); err != nil {
		return domain.Team{}, err
	}
	if workerID <= 0 {
		return domain.Team{}, domain.ValidationError{Field: "worker_id", Reason: "required"}
	}
	if _, err := e.Repo.GetTeam(ctx, nil, teamID); err != nil {
		return domain.Team{}, err
	}
	if err := e.Repo.AddTeamMember(ctx, nil, teamID, workerID); err != nil {
		return domain.Team{}, err
	}
	return e.Repo.GetTeam(ctx, nil, teamID)
}
