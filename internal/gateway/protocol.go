package gateway

import (
	"time"

	"iqeas/internal/domain"
	"iqeas/internal/worksession"
)

type Action string

const (
	ActionStart       Action = "START"
	ActionPause       Action = "PAUSE"
	ActionStop        Action = "STOP"
	ActionSubscribe   Action = "SUBSCRIBE"
	ActionUnsubscribe Action = "UNSUBSCRIBE"
	ActionState       Action = "STATE"
)

// Command is an inbound frame. The worker is always the authenticated one.
type Command struct {
	Action        Action `json:"action"`
	DeliverableID int64  `json:"estimation_deliverable_id"`
	RequestID     string `json:"request_id,omitempty"`
}

// Frame types.
const (
	TypeAck          = "ack"
	TypeError        = "error"
	TypeNotification = "notification"
	TypeHello        = "hello"
)

// SessionView is the wire form of a work session.
type SessionView struct {
	WorkerID           int64                `json:"worker_id"`
	DeliverableID      int64                `json:"deliverable_id"`
	Status             domain.SessionStatus `json:"status"`
	AccumulatedSeconds float64              `json:"accumulated_seconds"`
	RunningSince       *time.Time           `json:"running_since,omitempty"`
}

func viewOf(s domain.WorkSession) *SessionView {
	return &SessionView{
		WorkerID:           s.WorkerID,
		DeliverableID:      s.DeliverableID,
		Status:             s.Status,
		AccumulatedSeconds: s.AccumulatedSeconds(),
		RunningSince:       s.RunningSince,
	}
}

// Reply is every outbound frame; Type selects which fields are set.
type Reply struct {
	Type         string       `json:"type"`
	RequestID    string       `json:"request_id,omitempty"`
	Action       Action       `json:"action,omitempty"`
	ConnectionID string       `json:"connection_id,omitempty"`
	Session      *SessionView `json:"session,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	Status             domain.SessionStatus `json:"status,omitempty"`
	DeliverableID      int64                `json:"deliverable_id,omitempty"`
	WorkerID           int64                `json:"worker_id,omitempty"`
	AccumulatedSeconds *float64             `json:"accumulated_seconds,omitempty"`
	Reason             string               `json:"reason,omitempty"`
	At                 *time.Time           `json:"at,omitempty"`
}

func ackReply(cmd Command, s *SessionView) Reply {
	return Reply{Type: TypeAck, RequestID: cmd.RequestID, Action: cmd.Action, Session: s}
}

func errorReply(cmd Command, err error) Reply {
	return Reply{Type: TypeError, RequestID: cmd.RequestID, Action: cmd.Action, Code: domain.ReasonCode(err), Message: err.Error()}
}

func notificationReply(n worksession.Notification) Reply {
	acc := n.AccumulatedSeconds
	at := n.At
	return Reply{
		Type:               TypeNotification,
		Status:             n.Status,
		DeliverableID:      n.DeliverableID,
		WorkerID:           n.WorkerID,
		AccumulatedSeconds: &acc,
		Reason:             n.Reason,
		At:                 &at,
	}
}
