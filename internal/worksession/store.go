package worksession

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"iqeas/internal/domain"
	"iqeas/internal/events"
	"iqeas/internal/repo"
)

// SQLStore keeps checkpoints in work_sessions and audit records in the
// session timeline of the events table.
type SQLStore struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
}

func NewSQLStore(db *sql.DB) SQLStore {
	return SQLStore{DB: db, Repo: repo.Repo{DB: db}, Events: events.Writer{Now: time.Now}}
}

func (s SQLStore) Load(ctx context.Context, workerID, deliverableID int64) (domain.WorkSession, error) {
	ws, err := s.Repo.GetWorkSession(ctx, workerID, deliverableID)
	if err == nil {
		return ws, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return ws, err
	}
	if _, err := s.Repo.GetDeliverable(ctx, nil, deliverableID); err != nil {
		return domain.WorkSession{}, err
	}
	return domain.WorkSession{}, ErrNoCheckpoint
}

func (s SQLStore) Save(ctx context.Context, changes ...Change) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.SaveTx(ctx, tx, changes...); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveTx writes changes inside tx; the caller commits.
func (s SQLStore) SaveTx(ctx context.Context, tx *sql.Tx, changes ...Change) error {
	for _, ch := range changes {
		if err := s.Repo.UpsertWorkSession(ctx, tx, ch.Session); err != nil {
			return fmt.Errorf("upsert session %d:%d: %w", ch.Session.WorkerID, ch.Session.DeliverableID, err)
		}
		if ch.Event == "" {
			continue
		}
		_, err := s.Events.Append(ctx, tx, events.Record{
			Type:          events.KindSession + "." + ch.Event,
			DeliverableID: ch.Session.DeliverableID,
			EntityKind:    events.KindSession,
			EntityID:      events.SessionLog(ch.Session.WorkerID, ch.Session.DeliverableID).EntityID,
			ActorID:       ch.Session.WorkerID,
			Payload: events.SessionPayload{
				Status:        ch.Session.Status,
				AccumulatedMS: ch.Session.Accumulated.Milliseconds(),
				IntervalMS:    ch.Interval.Milliseconds(),
				Reason:        ch.Reason,
			},
			At: ch.Session.UpdatedAt,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s SQLStore) List(ctx context.Context, status domain.SessionStatus) ([]domain.WorkSession, error) {
	return s.Repo.ListWorkSessions(ctx, status)
}
