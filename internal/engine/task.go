package engine

import (
	"fmt"
	"strings"
	"time"

	"iqeas/internal/domain"
)

// TaskState is the derived view of a task log.
type TaskState struct {
	Status     domain.TaskStatus `json:"status" enum:"todo,in-progress,paused,completed,verified"`
	LastAction domain.TaskAction `json:"last_action,omitempty"`
	Assignee   *domain.Assignee  `json:"assignee,omitempty"`
	Rejections int               `json:"rejections"`
	Reopens    int               `json:"reopens"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

var taskTransitions = map[domain.TaskStatus]map[domain.TaskAction]domain.TaskStatus{
	domain.TaskStatusTodo: {
		domain.TaskStart:    domain.TaskStatusInProgress,
		domain.TaskAssigned: domain.TaskStatusTodo,
	},
	domain.TaskStatusInProgress: {
		domain.TaskPause:     domain.TaskStatusPaused,
		domain.TaskCompleted: domain.TaskStatusCompleted,
	},
	domain.TaskStatusPaused: {
		domain.TaskStart:    domain.TaskStatusInProgress,
		domain.TaskAssigned: domain.TaskStatusPaused,
	},
	domain.TaskStatusCompleted: {
		domain.TaskPMRejected: domain.TaskStatusInProgress,
		domain.TaskReopen:     domain.TaskStatusTodo,
		domain.TaskVerified:   domain.TaskStatusVerified,
	},
}

// NextTaskStatus returns the status reached by applying action in cur.
func NextTaskStatus(cur domain.TaskStatus, action domain.TaskAction) (domain.TaskStatus, error) {
	next, ok := taskTransitions[cur][action]
	if !ok {
		return cur, domain.TransitionError{Entity: "task", From: string(cur), Action: string(action)}
	}
	return next, nil
}

// FoldTask derives the task state from its log. The log only holds validated
// transitions; an entry that does not apply is skipped so that the fold stays total.
func FoldTask(log []domain.TaskEvent) TaskState {
	st := TaskState{Status: domain.TaskStatusTodo}
	for i, e := range log {
		if i == 0 && e.Action == domain.TaskAssigned {
			st.Assignee = e.Assignee
			st.LastAction = e.Action
			st.UpdatedAt = e.Timestamp
			continue
		}
		next, err := NextTaskStatus(st.Status, e.Action)
		if err != nil {
			continue
		}
		switch e.Action {
		case domain.TaskAssigned:
			st.Assignee = e.Assignee
		case domain.TaskPMRejected:
			st.Rejections++
		case domain.TaskReopen:
			st.Reopens++
		}
		st.Status = next
		st.LastAction = e.Action
		st.UpdatedAt = e.Timestamp
	}
	return st
}

// ValidateAttachments requires a label on every attachment.
func ValidateAttachments(field string, files []domain.Attachment) error {
	for i, f := range files {
		if strings.TrimSpace(f.Label) == "" {
			return domain.ValidationError{Field: fmt.Sprintf("%s[%d].label", field, i), Reason: "missing label"}
		}
	}
	return nil
}

func validTaskAction(a domain.TaskAction) bool {
	switch a {
	case domain.TaskAssigned, domain.TaskStart, domain.TaskPause, domain.TaskCompleted,
		domain.TaskReopen, domain.TaskVerified, domain.TaskPMRejected:
		return true
	}
	return false
}
