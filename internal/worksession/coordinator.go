// Package worksession owns the running and paused timers of workers against
// deliverables. At most one session per worker is running at any time.
package worksession

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"iqeas/internal/domain"
	"iqeas/internal/logging"
)

// ErrNoCheckpoint is returned by Store.Load when the pair has never been checkpointed.
var ErrNoCheckpoint = errors.New("no checkpoint")

// Audit events written alongside a checkpoint.
const (
	EventStarted     = "started"
	EventResumed     = "resumed"
	EventPaused      = "paused"
	EventForcePaused = "force_paused"
	EventStopped     = "stopped"
	EventRecovered   = "recovered"
)

// Change is one checkpoint. Event is empty for periodic checkpoints, which
// write no audit record.
type Change struct {
	Session  domain.WorkSession
	Event    string
	Interval time.Duration
	Reason   string
}

// Store persists checkpoints. Save applies all changes atomically.
type Store interface {
	// Load returns ErrNoCheckpoint for a known deliverable without a checkpoint
	// and domain.ErrNotFound for an unknown deliverable.
	Load(ctx context.Context, workerID, deliverableID int64) (domain.WorkSession, error)
	Save(ctx context.Context, changes ...Change) error
	List(ctx context.Context, status domain.SessionStatus) ([]domain.WorkSession, error)
}

// TxStore is a Store that can write checkpoints inside a caller's transaction.
type TxStore interface {
	Store
	SaveTx(ctx context.Context, tx *sql.Tx, changes ...Change) error
}

// Gate decides whether a worker may run a timer on a deliverable.
type Gate interface {
	CanWork(ctx context.Context, workerID, deliverableID int64) error
}

// Notification is pushed after a session change has been persisted.
type Notification struct {
	WorkerID           int64                `json:"worker_id"`
	DeliverableID      int64                `json:"deliverable_id"`
	Status             domain.SessionStatus `json:"status"`
	AccumulatedSeconds float64              `json:"accumulated_seconds"`
	Reason             string               `json:"reason,omitempty"`
	At                 time.Time            `json:"at"`
}

// Notifier must not block.
type Notifier interface {
	Notify(Notification)
}

type Config struct {
	CheckpointInterval time.Duration
	GracePeriod        time.Duration
}

// Timer is the part of *time.Timer the coordinator uses.
type Timer interface {
	Stop() bool
}

type entry struct {
	session domain.WorkSession
	// openedAt is the start of the current running interval; periodic
	// checkpoints move session.RunningSince but not openedAt.
	openedAt time.Time
}

type workerState struct {
	mu       sync.Mutex
	sessions map[int64]*entry
	running  int64
	conns    int
	grace    Timer
	graceGen uint64
}

type Coordinator struct {
	Store    Store
	Notifier Notifier
	// Gate is consulted before a session starts or resumes; nil allows all.
	Gate   Gate
	Log    *logging.Logger
	Config Config
	Now    func() time.Time
	// AfterFunc schedules grace expiry; tests replace it.
	AfterFunc func(d time.Duration, f func()) Timer

	mu      sync.Mutex
	workers map[int64]*workerState
}

func New(store Store, cfg Config, log *logging.Logger) *Coordinator {
	if log == nil {
		log = logging.Nop()
	}
	return &Coordinator{
		Store:   store,
		Log:     log.WithComponent("worksession"),
		Config:  cfg,
		Now:     time.Now,
		workers: map[int64]*workerState{},
		AfterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
	}
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *Coordinator) worker(workerID int64) *workerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.workers == nil {
		c.workers = map[int64]*workerState{}
	}
	ws, ok := c.workers[workerID]
	if !ok {
		ws = &workerState{sessions: map[int64]*entry{}}
		c.workers[workerID] = ws
	}
	return ws
}

func (c *Coordinator) snapshotWorkers() map[int64]*workerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]*workerState, len(c.workers))
	for id, ws := range c.workers {
		out[id] = ws
	}
	return out
}

func (c *Coordinator) notify(notes []Notification) {
	if c.Notifier == nil {
		return
	}
	for _, n := range notes {
		c.Notifier.Notify(n)
	}
}

func (c *Coordinator) save(ctx context.Context, changes ...Change) error {
	if err := c.Store.Save(ctx, changes...); err != nil {
		return domain.PersistenceError{Op: "checkpoint", Err: err}
	}
	return nil
}

func noteFor(ch Change) Notification {
	return Notification{
		WorkerID:           ch.Session.WorkerID,
		DeliverableID:      ch.Session.DeliverableID,
		Status:             ch.Session.Status,
		AccumulatedSeconds: ch.Session.AccumulatedSeconds(),
		Reason:             ch.Reason,
		At:                 ch.Session.UpdatedAt,
	}
}

// closeInterval returns e's session with the running interval folded into
// Accumulated, and the length of the interval.
func closeInterval(e *entry, status domain.SessionStatus, now time.Time) (domain.WorkSession, time.Duration) {
	s := e.session
	var interval time.Duration
	if s.Status == domain.SessionRunning {
		s.Accumulated = s.Elapsed(now)
		if now.After(e.openedAt) {
			interval = now.Sub(e.openedAt)
		}
	}
	s.Status = status
	s.RunningSince = nil
	s.IntervalBase = s.Accumulated
	s.UpdatedAt = now
	return s, interval
}

// Start makes the pair the worker's running session, force-pausing any other.
func (c *Coordinator) Start(ctx context.Context, workerID, deliverableID int64) (domain.WorkSession, error) {
	ws := c.worker(workerID)
	ws.mu.Lock()
	if ws.running == deliverableID && deliverableID != 0 {
		s := ws.sessions[deliverableID].session
		ws.mu.Unlock()
		return s, nil
	}
	if c.Gate != nil {
		if err := c.Gate.CanWork(ctx, workerID, deliverableID); err != nil {
			ws.mu.Unlock()
			return domain.WorkSession{}, err
		}
	}
	now := c.now()

	var changes []Change
	if ws.running != 0 {
		paused, interval := closeInterval(ws.sessions[ws.running], domain.SessionPaused, now)
		changes = append(changes, Change{Session: paused, Event: EventForcePaused, Interval: interval, Reason: "started another deliverable"})
	}

	next, event, err := c.resumable(ctx, ws, workerID, deliverableID)
	if err != nil {
		ws.mu.Unlock()
		return domain.WorkSession{}, err
	}
	next.Status = domain.SessionRunning
	next.IntervalBase = next.Accumulated
	next.RunningSince = &now
	next.UpdatedAt = now
	changes = append(changes, Change{Session: next, Event: event})

	if err := c.save(ctx, changes...); err != nil {
		ws.mu.Unlock()
		c.Log.Warn("start not applied", "worker_id", workerID, "deliverable_id", deliverableID, "error", err)
		return domain.WorkSession{}, err
	}
	if len(changes) == 2 {
		ws.sessions[ws.running].session = changes[0].Session
	}
	ws.sessions[deliverableID] = &entry{session: next, openedAt: now}
	ws.running = deliverableID
	ws.mu.Unlock()

	notes := make([]Notification, 0, len(changes))
	for _, ch := range changes {
		notes = append(notes, noteFor(ch))
	}
	c.notify(notes)
	c.Log.Info("session running", "worker_id", workerID, "deliverable_id", deliverableID, "event", event)
	return next, nil
}

// resumable returns the session START continues from: the in-memory paused
// session, else the durable checkpoint, else a fresh one.
func (c *Coordinator) resumable(ctx context.Context, ws *workerState, workerID, deliverableID int64) (domain.WorkSession, string, error) {
	if e, ok := ws.sessions[deliverableID]; ok {
		return e.session, EventResumed, nil
	}
	stored, err := c.Store.Load(ctx, workerID, deliverableID)
	switch {
	case err == nil:
		stored.RunningSince = nil
		return stored, EventResumed, nil
	case errors.Is(err, ErrNoCheckpoint):
		return domain.WorkSession{WorkerID: workerID, DeliverableID: deliverableID}, EventStarted, nil
	case errors.Is(err, domain.ErrNotFound):
		return domain.WorkSession{}, "", err
	default:
		return domain.WorkSession{}, "", domain.PersistenceError{Op: "load checkpoint", Err: err}
	}
}

// Pause closes the running interval of the pair.
func (c *Coordinator) Pause(ctx context.Context, workerID, deliverableID int64) (domain.WorkSession, error) {
	return c.pause(ctx, workerID, deliverableID, EventPaused, "")
}

func (c *Coordinator) pause(ctx context.Context, workerID, deliverableID int64, event, reason string) (domain.WorkSession, error) {
	ws := c.worker(workerID)
	ws.mu.Lock()
	if ws.running != deliverableID || deliverableID == 0 {
		ws.mu.Unlock()
		return domain.WorkSession{}, domain.NoActiveSessionError{WorkerID: workerID, DeliverableID: deliverableID}
	}
	e := ws.sessions[deliverableID]
	paused, interval := closeInterval(e, domain.SessionPaused, c.now())
	ch := Change{Session: paused, Event: event, Interval: interval, Reason: reason}
	if err := c.save(ctx, ch); err != nil {
		ws.mu.Unlock()
		c.Log.Warn("pause not applied", "worker_id", workerID, "deliverable_id", deliverableID, "error", err)
		return domain.WorkSession{}, err
	}
	e.session = paused
	ws.running = 0
	ws.mu.Unlock()

	c.notify([]Notification{noteFor(ch)})
	c.Log.Info("session paused", "worker_id", workerID, "deliverable_id", deliverableID, "event", event, "accumulated_s", paused.AccumulatedSeconds())
	return paused, nil
}

// Stop writes the final checkpoint of a running or paused pair and drops it from memory.
func (c *Coordinator) Stop(ctx context.Context, workerID, deliverableID int64, reason string) (domain.WorkSession, error) {
	ws := c.worker(workerID)
	ws.mu.Lock()
	e, err := c.stoppable(ctx, ws, workerID, deliverableID)
	if err != nil {
		ws.mu.Unlock()
		return domain.WorkSession{}, err
	}
	stopped, interval := closeInterval(e, domain.SessionStopped, c.now())
	ch := Change{Session: stopped, Event: EventStopped, Interval: interval, Reason: reason}
	if err := c.save(ctx, ch); err != nil {
		ws.mu.Unlock()
		c.Log.Warn("stop not applied", "worker_id", workerID, "deliverable_id", deliverableID, "error", err)
		return domain.WorkSession{}, err
	}
	c.dropStopped(ws, deliverableID)
	ws.mu.Unlock()

	c.notify([]Notification{noteFor(ch)})
	c.Log.Info("session stopped", "worker_id", workerID, "deliverable_id", deliverableID, "accumulated_s", stopped.AccumulatedSeconds())
	return stopped, nil
}

// stoppable returns the running or paused session of the pair, loading a
// paused one from its checkpoint. ws.mu must be held.
func (c *Coordinator) stoppable(ctx context.Context, ws *workerState, workerID, deliverableID int64) (*entry, error) {
	if e, ok := ws.sessions[deliverableID]; ok {
		return e, nil
	}
	stored, err := c.Store.Load(ctx, workerID, deliverableID)
	switch {
	case err == nil && stored.Status != domain.SessionStopped:
		stored.Status = domain.SessionPaused
		stored.RunningSince = nil
		return &entry{session: stored}, nil
	case err == nil, errors.Is(err, ErrNoCheckpoint), errors.Is(err, domain.ErrNotFound):
		return nil, domain.NoActiveSessionError{WorkerID: workerID, DeliverableID: deliverableID}
	default:
		return nil, domain.PersistenceError{Op: "load checkpoint", Err: err}
	}
}

func (c *Coordinator) dropStopped(ws *workerState, deliverableID int64) {
	delete(ws.sessions, deliverableID)
	if ws.running == deliverableID {
		ws.running = 0
	}
}

// StopWith stops the pair as part of the caller's transaction. apply runs
// with the worker's sessions locked and receives checkpoint, which writes the
// final checkpoint into tx; without a session to stop it writes nothing. The
// in-memory session is dropped and subscribers are notified only when apply
// returns nil.
func (c *Coordinator) StopWith(ctx context.Context, workerID, deliverableID int64, reason string, apply func(checkpoint func(*sql.Tx) error) error) error {
	ts, ok := c.Store.(TxStore)
	if !ok {
		return errors.New("worksession: store cannot write inside a transaction")
	}
	ws := c.worker(workerID)
	ws.mu.Lock()
	e, err := c.stoppable(ctx, ws, workerID, deliverableID)
	if err != nil && !errors.Is(err, domain.ErrNoActiveSession) {
		ws.mu.Unlock()
		return err
	}
	if e == nil {
		err := apply(func(*sql.Tx) error { return nil })
		ws.mu.Unlock()
		return err
	}
	stopped, interval := closeInterval(e, domain.SessionStopped, c.now())
	ch := Change{Session: stopped, Event: EventStopped, Interval: interval, Reason: reason}
	err = apply(func(tx *sql.Tx) error {
		if err := ts.SaveTx(ctx, tx, ch); err != nil {
			return domain.PersistenceError{Op: "checkpoint", Err: err}
		}
		return nil
	})
	if err != nil {
		ws.mu.Unlock()
		c.Log.Warn("stop not applied", "worker_id", workerID, "deliverable_id", deliverableID, "reason", reason, "error", err)
		return err
	}
	c.dropStopped(ws, deliverableID)
	ws.mu.Unlock()

	c.notify([]Notification{noteFor(ch)})
	c.Log.Info("session stopped", "worker_id", workerID, "deliverable_id", deliverableID, "reason", reason, "accumulated_s", stopped.AccumulatedSeconds())
	return nil
}

// Session returns the in-memory session of the pair, falling back to the
// durable checkpoint. A pair never started is idle.
func (c *Coordinator) Session(ctx context.Context, workerID, deliverableID int64) (domain.WorkSession, error) {
	ws := c.worker(workerID)
	ws.mu.Lock()
	if e, ok := ws.sessions[deliverableID]; ok {
		s := e.session
		ws.mu.Unlock()
		return s, nil
	}
	ws.mu.Unlock()
	s, err := c.Store.Load(ctx, workerID, deliverableID)
	if errors.Is(err, ErrNoCheckpoint) {
		return domain.WorkSession{WorkerID: workerID, DeliverableID: deliverableID, Status: domain.SessionIdle}, nil
	}
	return s, err
}

// Summary is the accumulated time of a worker on a deliverable.
type Summary struct {
	WorkerID           int64                `json:"worker_id"`
	DeliverableID      int64                `json:"deliverable_id"`
	Status             domain.SessionStatus `json:"status" enum:"idle,running,paused,stopped"`
	AccumulatedSeconds float64              `json:"accumulated_seconds"`
	// ElapsedSeconds includes the open running interval.
	ElapsedSeconds float64    `json:"elapsed_seconds"`
	RunningSince   *time.Time `json:"running_since,omitempty"`
}

func (c *Coordinator) Summary(ctx context.Context, workerID, deliverableID int64) (Summary, error) {
	s, err := c.Session(ctx, workerID, deliverableID)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		WorkerID:           workerID,
		DeliverableID:      deliverableID,
		Status:             s.Status,
		AccumulatedSeconds: s.AccumulatedSeconds(),
		ElapsedSeconds:     s.Elapsed(c.now()).Seconds(),
		RunningSince:       s.RunningSince,
	}, nil
}

// Running returns the running sessions of all workers ordered by worker id.
func (c *Coordinator) Running() []domain.WorkSession {
	var out []domain.WorkSession
	for _, ws := range c.snapshotWorkers() {
		ws.mu.Lock()
		if ws.running != 0 {
			out = append(out, ws.sessions[ws.running].session)
		}
		ws.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// Attach records a live connection of the worker and cancels a pending grace expiry.
func (c *Coordinator) Attach(workerID int64) {
	ws := c.worker(workerID)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.conns++
	if ws.grace != nil {
		ws.grace.Stop()
		ws.grace = nil
		ws.graceGen++
	}
}

// Detach records a lost connection. When the worker has no connection left
// and a session running, the session is force-paused after the grace period.
func (c *Coordinator) Detach(workerID int64) {
	ws := c.worker(workerID)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.conns > 0 {
		ws.conns--
	}
	if ws.conns > 0 || ws.running == 0 || ws.grace != nil {
		return
	}
	ws.graceGen++
	gen := ws.graceGen
	ws.grace = c.AfterFunc(c.Config.GracePeriod, func() { c.expire(workerID, gen) })
}

func (c *Coordinator) expire(workerID int64, gen uint64) {
	ws := c.worker(workerID)
	ws.mu.Lock()
	if ws.graceGen != gen {
		ws.mu.Unlock()
		return
	}
	ws.grace = nil
	running := ws.running
	if ws.conns > 0 || running == 0 {
		ws.mu.Unlock()
		return
	}
	ws.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.pause(ctx, workerID, running, EventForcePaused, "connection lost")
	if err != nil && !errors.Is(err, domain.ErrNoActiveSession) {
		c.Log.Error("grace expiry pause failed", "worker_id", workerID, "deliverable_id", running, "error", err)
		return
	}
	c.evictPaused(workerID)
}

// evictPaused drops the paused sessions of a worker without connections. A
// later START reloads them from their checkpoints.
func (c *Coordinator) evictPaused(workerID int64) {
	ws := c.worker(workerID)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.conns > 0 {
		return
	}
	for id, e := range ws.sessions {
		if id != ws.running && e.session.Status == domain.SessionPaused {
			delete(ws.sessions, id)
		}
	}
}

// Tracked returns the deliverables the worker has sessions for in memory.
func (c *Coordinator) Tracked(workerID int64) []int64 {
	ws := c.worker(workerID)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]int64, 0, len(ws.sessions))
	for id := range ws.sessions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Checkpoint writes the absolute total of every running session.
func (c *Coordinator) Checkpoint(ctx context.Context) error {
	var errs []error
	for workerID, ws := range c.snapshotWorkers() {
		ws.mu.Lock()
		if ws.running == 0 {
			ws.mu.Unlock()
			continue
		}
		e := ws.sessions[ws.running]
		now := c.now()
		s := e.session
		s.Accumulated = s.Elapsed(now)
		s.RunningSince = &now
		s.UpdatedAt = now
		if err := c.save(ctx, Change{Session: s}); err != nil {
			c.Log.Warn("periodic checkpoint failed", "worker_id", workerID, "deliverable_id", s.DeliverableID, "error", err)
			errs = append(errs, err)
		} else {
			e.session = s
		}
		ws.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Run checkpoints running sessions until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	interval := c.Config.CheckpointInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flush, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := c.Checkpoint(flush)
			cancel()
			return err
		case <-ticker.C:
			_ = c.Checkpoint(ctx)
		}
	}
}

// Recover downgrades sessions stored as running to paused. The part of the
// open interval covered by the last checkpoint is recorded as a closed
// interval; the time after that checkpoint is lost.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	running, err := c.Store.List(ctx, domain.SessionRunning)
	if err != nil {
		return 0, domain.PersistenceError{Op: "list sessions", Err: err}
	}
	now := c.now()
	changes := make([]Change, 0, len(running))
	for _, s := range running {
		var interval time.Duration
		if s.Accumulated > s.IntervalBase {
			interval = s.Accumulated - s.IntervalBase
		}
		s.Status = domain.SessionPaused
		s.RunningSince = nil
		s.IntervalBase = s.Accumulated
		s.UpdatedAt = now
		changes = append(changes, Change{Session: s, Event: EventRecovered, Interval: interval, Reason: "restart"})
	}
	if len(changes) == 0 {
		return 0, nil
	}
	if err := c.save(ctx, changes...); err != nil {
		return 0, err
	}
	c.Log.Info("recovered sessions", "count", len(changes))
	return len(changes), nil
}
