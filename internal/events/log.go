package events

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"iqeas/internal/domain"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Log is one append-only timeline, addressed by entity kind and id.
type Log struct {
	Kind     string
	EntityID string
}

func StageLog(deliverableID int64, stage domain.StageName) Log {
	return Log{Kind: KindStage, EntityID: fmt.Sprintf("%d:%s", deliverableID, stage)}
}

func TaskLog(taskID int64) Log {
	return Log{Kind: KindTask, EntityID: fmt.Sprintf("%d", taskID)}
}

func SessionLog(workerID, deliverableID int64) Log {
	return Log{Kind: KindSession, EntityID: fmt.Sprintf("%d:%d", workerID, deliverableID)}
}

// Append adds an event of evtType to the log.
func (l Log) Append(ctx context.Context, tx *sql.Tx, w Writer, evtType string, deliverableID, actorID int64, payload any) (int64, error) {
	return w.Append(ctx, tx, Record{
		Type:          evtType,
		DeliverableID: deliverableID,
		EntityKind:    l.Kind,
		EntityID:      l.EntityID,
		ActorID:       actorID,
		Payload:       payload,
	})
}

// Events replays the whole log in append order.
func (l Log) Events(ctx context.Context, q Querier) ([]domain.Event, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,ts,type,COALESCE(deliverable_id,0),entity_kind,entity_id,actor_id,payload_json
FROM events WHERE entity_kind=? AND entity_id=? ORDER BY id ASC`, l.Kind, l.EntityID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// Filter narrows Recent.
type Filter struct {
	EntityKind    string
	EntityID      string
	DeliverableID int64
	Type          string
	BeforeID      int64
}

// Recent returns the newest events first.
func Recent(ctx context.Context, q Querier, limit int, f Filter) ([]domain.Event, error) {
	var (
		clauses []string
		args    []any
	)
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.DeliverableID != 0 {
		clauses = append(clauses, "deliverable_id=?")
		args = append(args, f.DeliverableID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.BeforeID > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.BeforeID)
	}
	query := `SELECT id,ts,type,COALESCE(deliverable_id,0),entity_kind,entity_id,actor_id,payload_json FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.DeliverableID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
