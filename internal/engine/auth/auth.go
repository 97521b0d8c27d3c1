package auth

import (
	"context"
	"database/sql"
	"fmt"

	"iqeas/internal/domain"
	"iqeas/internal/repo"
)

// Actor is the authenticated caller of an engine operation.
type Actor struct {
	WorkerID int64
	Role     domain.Role
}

// ForbiddenError indicates the actor may not perform the action.
type ForbiddenError struct {
	Action string
	Role   domain.Role
}

func (e ForbiddenError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("%s: not permitted", e.Action)
	}
	return fmt.Sprintf("%s: not permitted for role %s", e.Action, e.Role)
}

func (e ForbiddenError) Is(target error) bool { return target == domain.ErrUnauthorized }

var stageActionRoles = map[domain.StageAction][]domain.Role{
	domain.StageInProgress: {domain.RoleDocumentation, domain.RolePM},
	domain.StageSubmitted:  {domain.RoleDocumentation, domain.RolePM},
	domain.StageRejected:   {domain.RolePM},
	domain.StageReopened:   {domain.RolePM},
	domain.StageApproved:   {domain.RolePM},
}

// Review actions are role-gated; execution actions are assignee-gated.
var taskReviewRoles = map[domain.TaskAction][]domain.Role{
	domain.TaskAssigned:   {domain.RolePM},
	domain.TaskVerified:   {domain.RolePM},
	domain.TaskPMRejected: {domain.RolePM},
	domain.TaskReopen:     {domain.RoleDocumentation},
}

// Service provides role and assignee checks backed by SQL.
type Service struct {
	Repo repo.Repo
}

// RequireRole fails unless actor holds one of roles. Admins pass every check.
func (s Service) RequireRole(actor Actor, action string, roles ...domain.Role) error {
	if actor.WorkerID == 0 {
		return ForbiddenError{Action: action}
	}
	if actor.Role == domain.RoleAdmin {
		return nil
	}
	for _, r := range roles {
		if actor.Role == r {
			return nil
		}
	}
	return ForbiddenError{Action: action, Role: actor.Role}
}

func (s Service) CanActOnStage(actor Actor, action domain.StageAction) error {
	return s.RequireRole(actor, "stage "+string(action), stageActionRoles[action]...)
}

// CanActOnTask checks a task action against the actor's role or assignment.
func (s Service) CanActOnTask(ctx context.Context, tx *sql.Tx, actor Actor, task domain.Task, action domain.TaskAction) error {
	if roles, ok := taskReviewRoles[action]; ok {
		return s.RequireRole(actor, "task "+string(action), roles...)
	}
	if actor.WorkerID == 0 {
		return ForbiddenError{Action: "task " + string(action)}
	}
	if actor.Role == domain.RoleAdmin {
		return nil
	}
	ok, err := s.IsAssignee(ctx, tx, actor.WorkerID, task.Assignee)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Action: "task " + string(action), Role: actor.Role}
	}
	return nil
}

// IsAssignee reports whether workerID is the assigned worker or a member of the assigned team.
func (s Service) IsAssignee(ctx context.Context, tx *sql.Tx, workerID int64, a domain.Assignee) (bool, error) {
	switch a.Kind {
	case domain.AssigneeWorker:
		return a.ID == workerID, nil
	case domain.AssigneeTeam:
		return s.Repo.IsTeamMember(ctx, tx, a.ID, workerID)
	default:
		return false, nil
	}
}
