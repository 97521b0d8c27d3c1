package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"iqeas/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

// ErrNotFound is domain.ErrNotFound, re-exported for store callers.
var ErrNotFound = domain.ErrNotFound

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) Execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) InsertDeliverable(ctx context.Context, tx *sql.Tx, d domain.Deliverable) (domain.Deliverable, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO deliverables(project_id,title,created_by,created_at) VALUES (?,?,?,?)`,
		d.ProjectID, d.Title, d.CreatedBy, d.CreatedAt)
	if err != nil {
		return d, err
	}
	d.ID, err = res.LastInsertId()
	return d, err
}

func (r Repo) GetDeliverable(ctx context.Context, tx *sql.Tx, id int64) (domain.Deliverable, error) {
	var d domain.Deliverable
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,project_id,title,created_by,created_at FROM deliverables WHERE id=?`, id).
		Scan(&d.ID, &d.ProjectID, &d.Title, &d.CreatedBy, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) ListDeliverables(ctx context.Context, projectID string) ([]domain.Deliverable, error) {
	query := `SELECT id,project_id,title,created_by,created_at FROM deliverables`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deliverable
	for rows.Next() {
		var d domain.Deliverable
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Title, &d.CreatedBy, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (domain.Task, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(deliverable_id,title,description,priority,assignee_kind,assignee_id,due_date,estimated_hours,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.DeliverableID, t.Title, nullable(t.Description), string(t.Priority), string(t.Assignee.Kind), t.Assignee.ID,
		nullable(t.DueDate), t.EstimatedHours, t.CreatedBy, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return t, err
	}
	t.ID, err = res.LastInsertId()
	return t, err
}

// SetTaskAssignee records a reassignment; the task log keeps the history.
func (r Repo) SetTaskAssignee(ctx context.Context, tx *sql.Tx, taskID int64, a domain.Assignee, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET assignee_kind=?, assignee_id=?, updated_at=? WHERE id=?`,
		string(a.Kind), a.ID, now, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) TouchTask(ctx context.Context, tx *sql.Tx, taskID int64, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET updated_at=? WHERE id=?`, now, taskID)
	return err
}

const taskColumns = `id,deliverable_id,title,COALESCE(description,''),priority,assignee_kind,assignee_id,COALESCE(due_date,''),estimated_hours,created_by,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var priority, kind string
	err := scan(&t.ID, &t.DeliverableID, &t.Title, &t.Description, &priority, &kind, &t.Assignee.ID,
		&t.DueDate, &t.EstimatedHours, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	t.Priority = domain.Priority(priority)
	t.Assignee.Kind = domain.AssigneeKind(kind)
	return t, err
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	t, err := scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTasks(ctx context.Context, deliverableID int64) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE deliverable_id=? ORDER BY id ASC`, deliverableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertTeam(ctx context.Context, tx *sql.Tx, name, now string) (domain.Team, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO teams(name,created_at) VALUES (?,?)`, name, now)
	if err != nil {
		return domain.Team{}, err
	}
	id, err := res.LastInsertId()
	return domain.Team{ID: id, Name: name, CreatedAt: now}, err
}

func (r Repo) AddTeamMember(ctx context.Context, tx *sql.Tx, teamID, workerID int64) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO team_members(team_id,worker_id) VALUES (?,?)`, teamID, workerID)
	return err
}

func (r Repo) GetTeam(ctx context.Context, tx *sql.Tx, id int64) (domain.Team, error) {
	q := r.q(tx)
	var t domain.Team
	err := q.QueryRowContext(ctx, `SELECT id,name,created_at FROM teams WHERE id=?`, id).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	rows, err := q.QueryContext(ctx, `SELECT worker_id FROM team_members WHERE team_id=? ORDER BY worker_id`, id)
	if err != nil {
		return t, err
	}
	defer rows.Close()
	for rows.Next() {
		var w int64
		if err := rows.Scan(&w); err != nil {
			return t, err
		}
		t.Members = append(t.Members, w)
	}
	return t, rows.Err()
}

func (r Repo) IsTeamMember(ctx context.Context, tx *sql.Tx, teamID, workerID int64) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT 1 FROM team_members WHERE team_id=? AND worker_id=? LIMIT 1`, teamID, workerID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339)
}
