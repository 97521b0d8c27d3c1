package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"iqeas/internal/domain"
)

type StagePayload struct {
	Action      domain.StageAction  `json:"action"`
	Note        string              `json:"note,omitempty"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
}

type TaskPayload struct {
	Action   domain.TaskAction   `json:"action"`
	Files    []domain.Attachment `json:"files,omitempty"`
	Notes    string              `json:"notes,omitempty"`
	Assignee *domain.Assignee    `json:"assignee,omitempty"`
}

// SessionPayload is the audit record of a work session transition.
// IntervalMS is the running interval closed by this transition.
type SessionPayload struct {
	Status        domain.SessionStatus `json:"status"`
	AccumulatedMS int64                `json:"accumulated_ms"`
	IntervalMS    int64                `json:"interval_ms,omitempty"`
	Reason        string               `json:"reason,omitempty"`
}

func StageEventType(a domain.StageAction) string { return KindStage + "." + string(a) }
func TaskEventType(a domain.TaskAction) string   { return KindTask + "." + string(a) }

// DecodeStage converts raw rows of a stage log.
func DecodeStage(rows []domain.Event) ([]domain.StageEvent, error) {
	out := make([]domain.StageEvent, 0, len(rows))
	for _, r := range rows {
		var p StagePayload
		if err := json.Unmarshal([]byte(r.Payload), &p); err != nil {
			return nil, fmt.Errorf("decode stage event %d: %w", r.ID, err)
		}
		ts, err := ParseTime(r.TS)
		if err != nil {
			return nil, fmt.Errorf("decode stage event %d: %w", r.ID, err)
		}
		_, stage, _ := strings.Cut(r.EntityID, ":")
		out = append(out, domain.StageEvent{
			ID:            r.ID,
			DeliverableID: r.DeliverableID,
			Stage:         domain.StageName(stage),
			Action:        p.Action,
			Note:          p.Note,
			Attachments:   p.Attachments,
			ActorID:       r.ActorID,
			Timestamp:     ts,
		})
	}
	return out, nil
}

// DecodeTask converts raw rows of a task log.
func DecodeTask(taskID int64, rows []domain.Event) ([]domain.TaskEvent, error) {
	out := make([]domain.TaskEvent, 0, len(rows))
	for _, r := range rows {
		var p TaskPayload
		if err := json.Unmarshal([]byte(r.Payload), &p); err != nil {
			return nil, fmt.Errorf("decode task event %d: %w", r.ID, err)
		}
		ts, err := ParseTime(r.TS)
		if err != nil {
			return nil, fmt.Errorf("decode task event %d: %w", r.ID, err)
		}
		out = append(out, domain.TaskEvent{
			ID:        r.ID,
			TaskID:    taskID,
			Action:    p.Action,
			Files:     p.Files,
			Notes:     p.Notes,
			Assignee:  p.Assignee,
			ActorID:   r.ActorID,
			Timestamp: ts,
		})
	}
	return out, nil
}
