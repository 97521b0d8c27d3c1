package worksession_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"iqeas/internal/db"
	"iqeas/internal/domain"
	"iqeas/internal/events"
	"iqeas/internal/migrate"
	"iqeas/internal/repo"
	"iqeas/internal/worksession"
)

type sqlEnv struct {
	store worksession.SQLStore
	repo  repo.Repo
	d1    int64
	d2    int64
}

func newSQLEnv(t *testing.T) sqlEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	r := repo.Repo{DB: conn}
	var ids []int64
	for _, title := range []string{"P&ID", "Isometrics"} {
		d, err := r.InsertDeliverable(context.Background(), nil, domain.Deliverable{ProjectID: "P", Title: title, CreatedBy: 1, CreatedAt: "2024-01-01T00:00:00Z"})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, d.ID)
	}
	return sqlEnv{store: worksession.NewSQLStore(conn), repo: r, d1: ids[0], d2: ids[1]}
}

func TestSQLStoreLoad(t *testing.T) {
	env := newSQLEnv(t)
	ctx := context.Background()
	if _, err := env.store.Load(ctx, 7, env.d1); !errors.Is(err, worksession.ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}
	if _, err := env.store.Load(ctx, 7, 4242); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	at := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	s := domain.WorkSession{WorkerID: 7, DeliverableID: env.d1, Status: domain.SessionPaused, Accumulated: 90 * time.Second, UpdatedAt: at}
	if err := env.store.Save(ctx, worksession.Change{Session: s, Event: worksession.EventPaused, Interval: 90 * time.Second}); err != nil {
		t.Fatal(err)
	}
	got, err := env.store.Load(ctx, 7, env.d1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.SessionPaused || got.Accumulated != 90*time.Second {
		t.Fatalf("unexpected checkpoint: %+v", got)
	}
	log, err := events.SessionLog(7, env.d1).Events(ctx, env.repo.DB)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 1 || log[0].Type != "session.paused" {
		t.Fatalf("unexpected audit log: %+v", log)
	}
}

func TestSQLStoreSaveIsAtomic(t *testing.T) {
	env := newSQLEnv(t)
	ctx := context.Background()
	now := time.Now()
	good := domain.WorkSession{WorkerID: 7, DeliverableID: env.d1, Status: domain.SessionPaused, UpdatedAt: now}
	bad := domain.WorkSession{WorkerID: 7, DeliverableID: 4242, Status: domain.SessionRunning, RunningSince: &now, UpdatedAt: now}
	err := env.store.Save(ctx,
		worksession.Change{Session: good, Event: worksession.EventForcePaused},
		worksession.Change{Session: bad, Event: worksession.EventStarted},
	)
	if err == nil {
		t.Fatalf("expected foreign key failure")
	}
	if _, err := env.store.Load(ctx, 7, env.d1); !errors.Is(err, worksession.ErrNoCheckpoint) {
		t.Fatalf("first change must roll back, got %v", err)
	}
}

func TestTimesheetFromCoordinatorAudit(t *testing.T) {
	env := newSQLEnv(t)
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)}
	c := worksession.New(env.store, worksession.Config{}, nil)
	c.Now = clock.Now

	if _, err := c.Start(ctx, 7, env.d1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(90 * time.Minute)
	// Starting d2 force-pauses d1 and closes its interval.
	if _, err := c.Start(ctx, 7, env.d2); err != nil {
		t.Fatal(err)
	}
	clock.Advance(30 * time.Minute)
	if err := c.Checkpoint(ctx); err != nil {
		t.Fatal(err)
	}
	clock.Advance(15 * time.Minute)
	if _, err := c.Stop(ctx, 7, env.d2, "done for the day"); err != nil {
		t.Fatal(err)
	}

	ts, err := worksession.Timesheet(ctx, env.repo, 7, time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if ts.WeekStart != "2024-03-04" || ts.WeekEnd != "2024-03-10" {
		t.Fatalf("unexpected week %s..%s", ts.WeekStart, ts.WeekEnd)
	}
	if len(ts.Entries) != 2 {
		t.Fatalf("expected two deliverables, got %+v", ts.Entries)
	}
	if ts.Entries[0].Seconds != 5400 || ts.Entries[1].Seconds != 2700 {
		t.Fatalf("unexpected entries: %+v", ts.Entries)
	}
	if ts.Entries[1].Intervals != 1 {
		t.Fatalf("a periodic checkpoint must not split the interval: %+v", ts.Entries[1])
	}
	if ts.TotalSeconds != 8100 {
		t.Fatalf("unexpected total %v", ts.TotalSeconds)
	}

	next, err := worksession.Timesheet(ctx, env.repo, 7, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(next.Entries) != 0 || next.TotalSeconds != 0 {
		t.Fatalf("following week should be empty: %+v", next)
	}
}

func TestRecoveredIntervalCountsInTimesheet(t *testing.T) {
	env := newSQLEnv(t)
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)}
	first := worksession.New(env.store, worksession.Config{}, nil)
	first.Now = clock.Now
	if _, err := first.Start(ctx, 7, env.d1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(20 * time.Minute)
	if _, err := first.Pause(ctx, 7, env.d1); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Start(ctx, 7, env.d1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(40 * time.Minute)
	if err := first.Checkpoint(ctx); err != nil {
		t.Fatal(err)
	}
	// The process dies; the five minutes after the checkpoint are lost.
	clock.Advance(5 * time.Minute)

	second := worksession.New(env.store, worksession.Config{}, nil)
	second.Now = clock.Now
	if n, err := second.Recover(ctx); err != nil || n != 1 {
		t.Fatalf("recover = %d, %v", n, err)
	}
	sum, err := second.Summary(ctx, 7, env.d1)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Status != domain.SessionPaused || sum.AccumulatedSeconds != 3600 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	ts, err := worksession.Timesheet(ctx, env.repo, 7, clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(ts.Entries) != 1 || ts.Entries[0].Seconds != sum.AccumulatedSeconds || ts.Entries[0].Intervals != 2 {
		t.Fatalf("timesheet disagrees with the summary: %+v", ts.Entries)
	}
}

func TestStopWithFollowsCallerTransaction(t *testing.T) {
	env := newSQLEnv(t)
	ctx := context.Background()
	c := worksession.New(env.store, worksession.Config{}, nil)
	notes := &recorder{}
	c.Notifier = notes
	if _, err := c.Start(ctx, 7, env.d1); err != nil {
		t.Fatal(err)
	}

	failed := errors.New("task append failed")
	err := c.StopWith(ctx, 7, env.d1, "task completed", func(checkpoint func(*sql.Tx) error) error {
		tx, err := env.store.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := checkpoint(tx); err != nil {
			return err
		}
		return failed
	})
	if !errors.Is(err, failed) {
		t.Fatalf("expected the caller's error, got %v", err)
	}
	if s, _ := c.Session(ctx, 7, env.d1); s.Status != domain.SessionRunning {
		t.Fatalf("session must keep running after a rolled back stop, got %s", s.Status)
	}
	if stored, _ := env.store.Load(ctx, 7, env.d1); stored.Status != domain.SessionRunning {
		t.Fatalf("checkpoint must roll back, got %s", stored.Status)
	}

	err = c.StopWith(ctx, 7, env.d1, "task completed", func(checkpoint func(*sql.Tx) error) error {
		tx, err := env.store.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := checkpoint(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		t.Fatal(err)
	}
	if stored, _ := env.store.Load(ctx, 7, env.d1); stored.Status != domain.SessionStopped {
		t.Fatalf("expected stopped checkpoint, got %s", stored.Status)
	}
	if len(c.Running()) != 0 {
		t.Fatalf("stopped session still running")
	}
	got := notes.statuses()
	if len(got) != 2 || got[1] != domain.SessionStopped {
		t.Fatalf("expected running then stopped notifications, got %v", got)
	}

	called := false
	err = c.StopWith(ctx, 7, env.d2, "task completed", func(checkpoint func(*sql.Tx) error) error {
		called = true
		return checkpoint(nil)
	})
	if err != nil || !called {
		t.Fatalf("without a session apply still runs: called=%v err=%v", called, err)
	}
}

func TestWeekStart(t *testing.T) {
	cases := map[string]string{
		"2024-03-04T00:00:00Z": "2024-03-04",
		"2024-03-10T23:59:59Z": "2024-03-04",
		"2024-03-11T00:00:00Z": "2024-03-11",
		"2024-03-06T12:00:00Z": "2024-03-04",
	}
	for in, want := range cases {
		at, _ := time.Parse(time.RFC3339, in)
		if got := worksession.WeekStart(at).Format(time.DateOnly); got != want {
			t.Fatalf("WeekStart(%s) = %s, want %s", in, got, want)
		}
	}
}
