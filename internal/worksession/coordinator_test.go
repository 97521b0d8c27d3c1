package worksession_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"iqeas/internal/domain"
	"iqeas/internal/worksession"
)

type pair struct{ worker, deliverable int64 }

type memStore struct {
	mu       sync.Mutex
	sessions map[pair]domain.WorkSession
	audit    []worksession.Change
	saves    int
	failNext int
}

func newMemStore() *memStore {
	return &memStore{sessions: map[pair]domain.WorkSession{}}
}

func (m *memStore) Load(_ context.Context, w, d int64) (domain.WorkSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d >= 1000 {
		return domain.WorkSession{}, domain.ErrNotFound
	}
	s, ok := m.sessions[pair{w, d}]
	if !ok {
		return domain.WorkSession{}, worksession.ErrNoCheckpoint
	}
	return s, nil
}

func (m *memStore) Save(_ context.Context, changes ...worksession.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return errors.New("disk full")
	}
	m.saves++
	for _, ch := range changes {
		m.sessions[pair{ch.Session.WorkerID, ch.Session.DeliverableID}] = ch.Session
		if ch.Event != "" {
			m.audit = append(m.audit, ch)
		}
	}
	return nil
}

func (m *memStore) List(_ context.Context, status domain.SessionStatus) ([]domain.WorkSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WorkSession
	for _, s := range m.sessions {
		if status == "" || s.Status == status {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) get(w, d int64) domain.WorkSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[pair{w, d}]
}

func (m *memStore) runningCount(w int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, s := range m.sessions {
		if k.worker == w && s.Status == domain.SessionRunning {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeTimer struct {
	fire    func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type recorder struct {
	mu    sync.Mutex
	notes []worksession.Notification
}

func (r *recorder) Notify(n worksession.Notification) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

func (r *recorder) statuses() []domain.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.SessionStatus, len(r.notes))
	for i, n := range r.notes {
		out[i] = n.Status
	}
	return out
}

type harness struct {
	c      *worksession.Coordinator
	store  *memStore
	clock  *fakeClock
	notes  *recorder
	timers []*fakeTimer
	ctx    context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: newMemStore(),
		clock: &fakeClock{t: time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)},
		notes: &recorder{},
		ctx:   context.Background(),
	}
	h.c = worksession.New(h.store, worksession.Config{CheckpointInterval: time.Minute, GracePeriod: 30 * time.Second}, nil)
	h.c.Now = h.clock.Now
	h.c.Notifier = h.notes
	h.c.AfterFunc = func(_ time.Duration, f func()) worksession.Timer {
		ft := &fakeTimer{fire: f}
		h.timers = append(h.timers, ft)
		return ft
	}
	return h
}

func TestStartForcePausesRunningSession(t *testing.T) {
	h := newHarness(t)
	if _, err := h.c.Start(h.ctx, 7, 1); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(10 * time.Second)
	s2, err := h.c.Start(h.ctx, 7, 2)
	if err != nil {
		t.Fatal(err)
	}
	if s2.Status != domain.SessionRunning {
		t.Fatalf("d2 should be running, got %s", s2.Status)
	}
	s1, err := h.c.Session(h.ctx, 7, 1)
	if err != nil {
		t.Fatal(err)
	}
	if s1.Status != domain.SessionPaused || s1.Accumulated != 10*time.Second {
		t.Fatalf("d1 should be paused at 10s, got %s %v", s1.Status, s1.Accumulated)
	}
	if got := h.store.get(7, 1); got.Status != domain.SessionPaused || got.Accumulated != 10*time.Second {
		t.Fatalf("d1 checkpoint: %+v", got)
	}
	if h.store.runningCount(7) != 1 {
		t.Fatalf("expected one running session in store")
	}
	want := []domain.SessionStatus{domain.SessionRunning, domain.SessionPaused, domain.SessionRunning}
	got := h.notes.statuses()
	if len(got) != len(want) {
		t.Fatalf("notifications: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("notifications: %v", got)
		}
	}
}

func TestPauseWithoutStart(t *testing.T) {
	h := newHarness(t)
	_, err := h.c.Pause(h.ctx, 7, 1)
	var nas domain.NoActiveSessionError
	if !errors.As(err, &nas) {
		t.Fatalf("expected NoActiveSession, got %v", err)
	}
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("NoActiveSession should be an invalid transition")
	}
	if h.store.saves != 0 || len(h.notes.statuses()) != 0 {
		t.Fatalf("no state should change")
	}
}

func TestRepeatedStartIsNoop(t *testing.T) {
	h := newHarness(t)
	first, err := h.c.Start(h.ctx, 7, 1)
	if err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(3 * time.Second)
	again, err := h.c.Start(h.ctx, 7, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !again.RunningSince.Equal(*first.RunningSince) {
		t.Fatalf("running_since reset: %v -> %v", first.RunningSince, again.RunningSince)
	}
	if h.store.saves != 1 {
		t.Fatalf("repeated start should not write, saves=%d", h.store.saves)
	}
}

func TestPauseResumeAccumulates(t *testing.T) {
	h := newHarness(t)
	var last time.Duration
	for i, run := range []time.Duration{4 * time.Second, 7 * time.Second, 1500 * time.Millisecond} {
		if _, err := h.c.Start(h.ctx, 7, 1); err != nil {
			t.Fatal(err)
		}
		h.clock.Advance(run)
		s, err := h.c.Pause(h.ctx, 7, 1)
		if err != nil {
			t.Fatal(err)
		}
		if s.Accumulated < last {
			t.Fatalf("cycle %d: accumulated decreased %v -> %v", i, last, s.Accumulated)
		}
		last = s.Accumulated
		h.clock.Advance(time.Minute)
	}
	if last != 12500*time.Millisecond {
		t.Fatalf("accumulated = %v, want 12.5s", last)
	}
}

func TestStartSeedsFromCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.store.sessions[pair{7, 1}] = domain.WorkSession{WorkerID: 7, DeliverableID: 1, Status: domain.SessionStopped, Accumulated: time.Hour}
	if _, err := h.c.Start(h.ctx, 7, 1); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Minute)
	s, err := h.c.Pause(h.ctx, 7, 1)
	if err != nil {
		t.Fatal(err)
	}
	if s.Accumulated != time.Hour+time.Minute {
		t.Fatalf("accumulated = %v", s.Accumulated)
	}
}

func TestStartUnknownDeliverable(t *testing.T) {
	h := newHarness(t)
	if _, err := h.c.Start(h.ctx, 7, 1001); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPersistenceFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	if _, err := h.c.Start(h.ctx, 7, 1); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(5 * time.Second)

	h.store.failNext = 1
	if _, err := h.c.Pause(h.ctx, 7, 1); !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	s, _ := h.c.Session(h.ctx, 7, 1)
	if s.Status != domain.SessionRunning {
		t.Fatalf("failed pause must leave session running, got %s", s.Status)
	}

	h.store.failNext = 1
	if _, err := h.c.Start(h.ctx, 7, 2); !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	s, _ = h.c.Session(h.ctx, 7, 1)
	if s.Status != domain.SessionRunning {
		t.Fatalf("failed start must not pause d1, got %s", s.Status)
	}
	if s2, _ := h.c.Session(h.ctx, 7, 2); s2.Status != domain.SessionIdle {
		t.Fatalf("failed start must not create d2, got %s", s2.Status)
	}
	if got := h.notes.statuses(); len(got) != 1 {
		t.Fatalf("failed commands must not notify: %v", got)
	}

	h.clock.Advance(5 * time.Second)
	p, err := h.c.Pause(h.ctx, 7, 1)
	if err != nil {
		t.Fatal(err)
	}
	if p.Accumulated != 10*time.Second {
		t.Fatalf("accumulated after retry = %v", p.Accumulated)
	}
}

func TestStopWritesFinalCheckpoint(t *testing.T) {
	h := newHarness(t)
	if _, err := h.c.Start(h.ctx, 7, 1); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(8 * time.Second)
	s, err := h.c.Stop(h.ctx, 7, 1, "done")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != domain.SessionStopped || s.Accumulated != 8*time.Second {
		t.Fatalf("unexpected stop result: %+v", s)
	}
	if got := h.store.get(7, 1); got.Status != domain.SessionStopped {
		t.Fatalf("checkpoint status %s", got.Status)
	}
	last := h.store.audit[len(h.store.audit)-1]
	if last.Event != worksession.EventStopped || last.Interval != 8*time.Second {
		t.Fatalf("unexpected audit record: %+v", last)
	}
	if len(h.c.Running()) != 0 {
		t.Fatalf("stopped session still running")
	}
	if _, err := h.c.Stop(h.ctx, 7, 1, "again"); !errors.Is(err, domain.ErrNoActiveSession) {
		t.Fatalf("second stop should report no active session, got %v", err)
	}
}

func TestStopPausedSessionFromCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.store.sessions[pair{7, 3}] = domain.WorkSession{WorkerID: 7, DeliverableID: 3, Status: domain.SessionPaused, Accumulated: time.Minute}
	s, err := h.c.Stop(h.ctx, 7, 3, "")
	if err != nil {
		t.Fatal(err)
	}
	if s.Accumulated != time.Minute || s.Status != domain.SessionStopped {
		t.Fatalf("unexpected stop: %+v", s)
	}
}

func TestGraceExpiryPausesOnce(t *testing.T) {
	h := newHarness(t)
	h.c.Attach(7)
	if _, err := h.c.Start(h.ctx, 7, 1); err != nil {
		t.Fatal(err)
	}
	h.c.Detach(7)
	h.c.Detach(7)
	if len(h.timers) != 1 {
		t.Fatalf("expected one grace timer, got %d", len(h.timers))
	}
	h.clock.Advance(30 * time.Second)
	h.timers[0].fire()
	h.timers[0].fire()

	s := h.store.get(7, 1)
	if s.Status != domain.SessionPaused || s.Accumulated != 30*time.Second {
		t.Fatalf("unexpected checkpoint after expiry: %+v", s)
	}
	paused := 0
	for _, ch := range h.store.audit {
		if ch.Event == worksession.EventForcePaused {
			paused++
		}
	}
	if paused != 1 {
		t.Fatalf("expected exactly one force pause, got %d", paused)
	}
}

func TestReconnectCancelsGrace(t *testing.T) {
	h := newHarness(t)
	h.c.Attach(7)
	if _, err := h.c.Start(h.ctx, 7, 1); err != nil {
		t.Fatal(err)
	}
	h.c.Detach(7)
	h.c.Attach(7)
	if !h.timers[0].stopped {
		t.Fatalf("grace timer should be stopped on reconnect")
	}
	h.timers[0].fire()
	if s, _ := h.c.Session(h.ctx, 7, 1); s.Status != domain.SessionRunning {
		t.Fatalf("stale expiry paused the session")
	}
}

func TestPeriodicCheckpoint(t *testing.T) {
	h := newHarness(t)
	if _, err := h.c.Start(h.ctx, 7, 1); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(45 * time.Second)
	if err := h.c.Checkpoint(h.ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.store.get(7, 1); got.Accumulated != 45*time.Second || got.Status != domain.SessionRunning {
		t.Fatalf("unexpected periodic checkpoint: %+v", got)
	}
	h.clock.Advance(15 * time.Second)
	s, err := h.c.Pause(h.ctx, 7, 1)
	if err != nil {
		t.Fatal(err)
	}
	if s.Accumulated != time.Minute {
		t.Fatalf("accumulated = %v, want 1m", s.Accumulated)
	}
	last := h.store.audit[len(h.store.audit)-1]
	if last.Interval != time.Minute {
		t.Fatalf("interval should span the whole run, got %v", last.Interval)
	}
}

func TestRecoverDowngradesRunning(t *testing.T) {
	h := newHarness(t)
	since := h.clock.Now().Add(-time.Hour)
	h.store.sessions[pair{7, 1}] = domain.WorkSession{WorkerID: 7, DeliverableID: 1, Status: domain.SessionRunning, Accumulated: 20 * time.Minute, IntervalBase: 5 * time.Minute, RunningSince: &since}
	h.store.sessions[pair{8, 2}] = domain.WorkSession{WorkerID: 8, DeliverableID: 2, Status: domain.SessionPaused, Accumulated: time.Minute}
	n, err := h.c.Recover(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("recovered %d sessions, want 1", n)
	}
	got := h.store.get(7, 1)
	if got.Status != domain.SessionPaused || got.Accumulated != 20*time.Minute || got.RunningSince != nil {
		t.Fatalf("unexpected recovered session: %+v", got)
	}
	if len(h.store.audit) != 1 || h.store.audit[0].Event != worksession.EventRecovered {
		t.Fatalf("unexpected audit: %+v", h.store.audit)
	}
	if got := h.store.audit[0].Interval; got != 15*time.Minute {
		t.Fatalf("recovered interval = %v, want the checkpointed 15m", got)
	}
}

type gateFunc func(ctx context.Context, workerID, deliverableID int64) error

func (f gateFunc) CanWork(ctx context.Context, workerID, deliverableID int64) error {
	return f(ctx, workerID, deliverableID)
}

func TestStartRejectedByGate(t *testing.T) {
	h := newHarness(t)
	h.c.Gate = gateFunc(func(_ context.Context, _, d int64) error {
		if d == 2 {
			return domain.ErrUnauthorized
		}
		return nil
	})
	if _, err := h.c.Start(h.ctx, 7, 1); err != nil {
		t.Fatal(err)
	}
	saves := h.store.saves
	if _, err := h.c.Start(h.ctx, 7, 2); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if h.store.saves != saves {
		t.Fatalf("rejected start must not write a checkpoint")
	}
	if s, _ := h.c.Session(h.ctx, 7, 1); s.Status != domain.SessionRunning {
		t.Fatalf("rejected start must not pause d1, got %s", s.Status)
	}
	if s, _ := h.c.Session(h.ctx, 7, 2); s.Status != domain.SessionIdle {
		t.Fatalf("rejected start created d2: %s", s.Status)
	}
}

func TestGraceExpiryReleasesPausedSessions(t *testing.T) {
	h := newHarness(t)
	h.c.Attach(7)
	if _, err := h.c.Start(h.ctx, 7, 1); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(10 * time.Second)
	if _, err := h.c.Start(h.ctx, 7, 2); err != nil {
		t.Fatal(err)
	}
	h.c.Detach(7)
	h.clock.Advance(30 * time.Second)
	h.timers[0].fire()

	if got := h.c.Tracked(7); len(got) != 0 {
		t.Fatalf("sessions still held after expiry: %v", got)
	}
	s, err := h.c.Start(h.ctx, 7, 1)
	if err != nil {
		t.Fatal(err)
	}
	if s.Accumulated != 10*time.Second {
		t.Fatalf("resume should reload the checkpoint, got %v", s.Accumulated)
	}
	if got := h.c.Tracked(7); len(got) != 1 || got[0] != 1 {
		t.Fatalf("unexpected tracked sessions: %v", got)
	}
}

func TestRandomInterleavingKeepsOneRunning(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		h := newHarness(t)
		rng := rand.New(rand.NewSource(seed))
		last := map[int64]time.Duration{}
		var ran time.Duration
		for step := 0; step < 200; step++ {
			d := int64(rng.Intn(3) + 1)
			switch rng.Intn(3) {
			case 0:
				_, _ = h.c.Start(h.ctx, 7, d)
			case 1:
				_, _ = h.c.Pause(h.ctx, 7, d)
			case 2:
				_, _ = h.c.Stop(h.ctx, 7, d, "")
			}
			if n := len(h.c.Running()); n > 1 {
				t.Fatalf("seed %d step %d: %d running sessions", seed, step, n)
			}
			if h.store.runningCount(7) > 1 {
				t.Fatalf("seed %d step %d: store has more than one running session", seed, step)
			}
			for dd := int64(1); dd <= 3; dd++ {
				acc := h.store.get(7, dd).Accumulated
				if acc < last[dd] {
					t.Fatalf("seed %d step %d: accumulated of %d decreased", seed, step, dd)
				}
				last[dd] = acc
			}
			adv := time.Duration(rng.Intn(5000)) * time.Millisecond
			if len(h.c.Running()) == 1 {
				ran += adv
			}
			h.clock.Advance(adv)
		}
		for _, s := range h.c.Running() {
			if _, err := h.c.Pause(h.ctx, s.WorkerID, s.DeliverableID); err != nil {
				t.Fatal(err)
			}
		}
		var total time.Duration
		for dd := int64(1); dd <= 3; dd++ {
			total += h.store.get(7, dd).Accumulated
		}
		if total != ran {
			t.Fatalf("seed %d: accumulated %v, running time %v", seed, total, ran)
		}
	}
}

func TestConcurrentWorkersAreIndependent(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	for w := int64(1); w <= 8; w++ {
		wg.Add(1)
		go func(w int64) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, _ = h.c.Start(h.ctx, w, int64(i%3+1))
			}
		}(w)
	}
	wg.Wait()
	running := h.c.Running()
	if len(running) != 8 {
		t.Fatalf("expected one running session per worker, got %d", len(running))
	}
	for w := int64(1); w <= 8; w++ {
		if h.store.runningCount(w) != 1 {
			t.Fatalf("worker %d has %d running sessions", w, h.store.runningCount(w))
		}
	}
}
