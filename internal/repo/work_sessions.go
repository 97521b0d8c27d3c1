package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"iqeas/internal/domain"
	"iqeas/internal/events"
)

// UpsertWorkSession writes the checkpoint of s, superseding any stored value.
func (r Repo) UpsertWorkSession(ctx context.Context, tx *sql.Tx, s domain.WorkSession) error {
	var since any
	if s.RunningSince != nil {
		since = events.FormatTime(*s.RunningSince)
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO work_sessions(worker_id,deliverable_id,status,accumulated_ms,interval_base_ms,running_since,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(worker_id,deliverable_id) DO UPDATE SET status=excluded.status, accumulated_ms=excluded.accumulated_ms,
interval_base_ms=excluded.interval_base_ms, running_since=excluded.running_since, updated_at=excluded.updated_at`,
		s.WorkerID, s.DeliverableID, string(s.Status), s.Accumulated.Milliseconds(), s.IntervalBase.Milliseconds(), since, events.FormatTime(s.UpdatedAt))
	return err
}

const sessionColumns = `worker_id,deliverable_id,status,accumulated_ms,interval_base_ms,running_since,updated_at`

func scanWorkSession(scan func(dest ...any) error) (domain.WorkSession, error) {
	var (
		s       domain.WorkSession
		status  string
		ms      int64
		baseMS  int64
		since   sql.NullString
		updated string
	)
	if err := scan(&s.WorkerID, &s.DeliverableID, &status, &ms, &baseMS, &since, &updated); err != nil {
		return s, err
	}
	s.Status = domain.SessionStatus(status)
	s.Accumulated = time.Duration(ms) * time.Millisecond
	s.IntervalBase = time.Duration(baseMS) * time.Millisecond
	if since.Valid {
		t, err := events.ParseTime(since.String)
		if err != nil {
			return s, fmt.Errorf("running_since: %w", err)
		}
		s.RunningSince = &t
	}
	t, err := events.ParseTime(updated)
	if err != nil {
		return s, fmt.Errorf("updated_at: %w", err)
	}
	s.UpdatedAt = t
	return s, nil
}

func (r Repo) GetWorkSession(ctx context.Context, workerID, deliverableID int64) (domain.WorkSession, error) {
	s, err := scanWorkSession(r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM work_sessions WHERE worker_id=? AND deliverable_id=?`,
		workerID, deliverableID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

// ListWorkSessions returns checkpoints in the given status, or all when status is empty.
func (r Repo) ListWorkSessions(ctx context.Context, status domain.SessionStatus) ([]domain.WorkSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM work_sessions`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY worker_id, deliverable_id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkSession
	for rows.Next() {
		s, err := scanWorkSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ClosedInterval is a running interval of a work session that ended inside a query window.
type ClosedInterval struct {
	DeliverableID int64
	EndedAt       time.Time
	Length        time.Duration
}

// ClosedIntervals reads session audit records of a worker with ts in [from, to).
func (r Repo) ClosedIntervals(ctx context.Context, workerID int64, from, to time.Time) ([]ClosedInterval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT COALESCE(deliverable_id,0), ts, payload_json FROM events
WHERE entity_kind=? AND actor_id=? AND ts>=? AND ts<? ORDER BY id ASC`,
		events.KindSession, workerID, events.FormatTime(from), events.FormatTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ClosedInterval
	for rows.Next() {
		var (
			deliverableID int64
			ts, payload   string
		)
		if err := rows.Scan(&deliverableID, &ts, &payload); err != nil {
			return nil, err
		}
		var p events.SessionPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("decode session record: %w", err)
		}
		if p.IntervalMS <= 0 {
			continue
		}
		at, err := events.ParseTime(ts)
		if err != nil {
			return nil, err
		}
		res = append(res, ClosedInterval{
			DeliverableID: deliverableID,
			EndedAt:       at,
			Length:        time.Duration(p.IntervalMS) * time.Millisecond,
		})
	}
	return res, rows.Err()
}
