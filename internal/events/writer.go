package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Entity kinds of the timeline logs kept in the events table.
const (
	KindDeliverable = "deliverable"
	KindStage       = "stage"
	KindTask        = "task"
	KindSession     = "session"
)

// TimeFormat is the layout of the ts column; it sorts lexically.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Record is one event to append.
type Record struct {
	Type          string
	DeliverableID int64
	EntityKind    string
	EntityID      string
	ActorID       int64
	Payload       any
	// At overrides the writer clock when set.
	At time.Time
}

type Writer struct {
	Now func() time.Time
}

// Append inserts rec inside tx and returns the new event id.
// Append is the only mutation of a timeline; rows are never updated or deleted.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) (int64, error) {
	if rec.EntityKind == "" || rec.EntityID == "" {
		return 0, fmt.Errorf("event %s: entity required", rec.Type)
	}
	at := rec.At
	if at.IsZero() {
		if w.Now == nil {
			w.Now = time.Now
		}
		at = w.Now()
	}
	payload := rec.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,deliverable_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		FormatTime(at), rec.Type, nullableID(rec.DeliverableID), rec.EntityKind, rec.EntityID, rec.ActorID, string(data))
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", rec.Type, err)
	}
	return res.LastInsertId()
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}

func nullableID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
