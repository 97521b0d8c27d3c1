package gateway_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"iqeas/internal/db"
	"iqeas/internal/domain"
	"iqeas/internal/engine/auth"
	"iqeas/internal/gateway"
	"iqeas/internal/migrate"
	"iqeas/internal/repo"
	"iqeas/internal/worksession"
)

// tokenAuth maps ?token= values to actors.
type tokenAuth map[string]auth.Actor

func (a tokenAuth) Authenticate(r *http.Request) (auth.Actor, error) {
	actor, ok := a[r.URL.Query().Get("token")]
	if !ok {
		return auth.Actor{}, errors.New("unknown token")
	}
	return actor, nil
}

type env struct {
	srv   *httptest.Server
	coord *worksession.Coordinator
	store worksession.SQLStore
	d1    int64
	d2    int64
}

func newEnv(t *testing.T, grace time.Duration) env {
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
	for _, title := range []string{"GA drawing", "Line list"} {
		d, err := r.InsertDeliverable(context.Background(), nil, domain.Deliverable{ProjectID: "P", Title: title, CreatedBy: 1, CreatedAt: "2024-01-01T00:00:00Z"})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, d.ID)
	}
	store := worksession.NewSQLStore(conn)
	coord := worksession.New(store, worksession.Config{GracePeriod: grace}, nil)
	hub := gateway.NewHub(nil)
	coord.Notifier = hub
	authn := tokenAuth{
		"w7": {WorkerID: 7, Role: domain.RoleWorker},
		"w8": {WorkerID: 8, Role: domain.RoleWorker},
		"pm": {WorkerID: 1, Role: domain.RolePM},
	}
	gw := gateway.New(authn, coord, hub, nil, gateway.Options{IdleTimeout: 5 * time.Second})
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return env{srv: srv, coord: coord, store: store, d1: ids[0], d2: ids[1]}
}

type client struct {
	*websocket.Conn
	backlog []gateway.Reply
}

func (e env) dial(t *testing.T, token string) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	c := &client{Conn: ws}
	hello := read(t, c, func(r gateway.Reply) bool { return r.Type == gateway.TypeHello })
	if hello.ConnectionID == "" {
		t.Fatalf("hello without connection id")
	}
	return c
}

// read returns the first frame matching match, keeping skipped frames for later reads.
func read(t *testing.T, c *client, match func(gateway.Reply) bool) gateway.Reply {
	t.Helper()
	for i, r := range c.backlog {
		if match(r) {
			c.backlog = append(c.backlog[:i], c.backlog[i+1:]...)
			return r
		}
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = c.SetReadDeadline(deadline)
		var r gateway.Reply
		if err := c.ReadJSON(&r); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(r) {
			return r
		}
		c.backlog = append(c.backlog, r)
	}
}

func send(t *testing.T, c *client, action gateway.Action, deliverable int64, requestID string) gateway.Reply {
	t.Helper()
	if err := c.WriteJSON(gateway.Command{Action: action, DeliverableID: deliverable, RequestID: requestID}); err != nil {
		t.Fatal(err)
	}
	return read(t, c, func(r gateway.Reply) bool {
		return (r.Type == gateway.TypeAck || r.Type == gateway.TypeError) && r.RequestID == requestID
	})
}

func notification(status domain.SessionStatus, deliverable int64) func(gateway.Reply) bool {
	return func(r gateway.Reply) bool {
		return r.Type == gateway.TypeNotification && r.Status == status && r.DeliverableID == deliverable
	}
}

func TestHandshakeRejectedWithoutCredential(t *testing.T) {
	e := newEnv(t, time.Second)
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/?token=nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestStartPauseRoundTrip(t *testing.T) {
	e := newEnv(t, time.Second)
	c := e.dial(t, "w7")
	ack := send(t, c, gateway.ActionStart, e.d1, "r1")
	if ack.Type != gateway.TypeAck || ack.Session == nil || ack.Session.Status != domain.SessionRunning {
		t.Fatalf("unexpected start reply: %+v", ack)
	}
	if ack.Session.WorkerID != 7 {
		t.Fatalf("worker id must come from the credential, got %d", ack.Session.WorkerID)
	}
	ack = send(t, c, gateway.ActionPause, e.d1, "r2")
	if ack.Type != gateway.TypeAck || ack.Session.Status != domain.SessionPaused {
		t.Fatalf("unexpected pause reply: %+v", ack)
	}
	note := read(t, c, notification(domain.SessionPaused, e.d1))
	if note.WorkerID != 7 || note.AccumulatedSeconds == nil {
		t.Fatalf("unexpected notification: %+v", note)
	}
	stored, err := e.store.Load(context.Background(), 7, e.d1)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.SessionPaused {
		t.Fatalf("checkpoint status %s", stored.Status)
	}
}

func TestPauseWithoutStartReportsNoActiveSession(t *testing.T) {
	e := newEnv(t, time.Second)
	c := e.dial(t, "w7")
	reply := send(t, c, gateway.ActionPause, e.d1, "p")
	if reply.Type != gateway.TypeError || reply.Code != "no_active_session" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestInvalidCommandsAreRejected(t *testing.T) {
	e := newEnv(t, time.Second)
	c := e.dial(t, "w7")
	if reply := send(t, c, "JUMP", e.d1, "a"); reply.Code != "validation_error" {
		t.Fatalf("unknown action: %+v", reply)
	}
	if reply := send(t, c, gateway.ActionStart, 0, "b"); reply.Code != "validation_error" {
		t.Fatalf("missing deliverable: %+v", reply)
	}
	if reply := send(t, c, gateway.ActionStart, 99999, "c"); reply.Code != "not_found" {
		t.Fatalf("unknown deliverable: %+v", reply)
	}
	if err := c.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	reply := read(t, c, func(r gateway.Reply) bool { return r.Type == gateway.TypeError })
	if reply.Code != "validation_error" {
		t.Fatalf("malformed frame: %+v", reply)
	}
	if reply := send(t, c, gateway.ActionState, e.d1, "d"); reply.Type != gateway.TypeAck || reply.Session.Status != domain.SessionIdle {
		t.Fatalf("connection should survive errors: %+v", reply)
	}
}

func TestSecondConnectionForcePausesFirst(t *testing.T) {
	e := newEnv(t, time.Second)
	first := e.dial(t, "w7")
	second := e.dial(t, "w7")
	send(t, first, gateway.ActionStart, e.d1, "1")
	ack := send(t, second, gateway.ActionStart, e.d2, "2")
	if ack.Session.Status != domain.SessionRunning {
		t.Fatalf("d2 should run: %+v", ack)
	}
	read(t, first, notification(domain.SessionPaused, e.d1))
	running := e.coord.Running()
	if len(running) != 1 || running[0].DeliverableID != e.d2 {
		t.Fatalf("unexpected running sessions: %+v", running)
	}
}

func TestSubscriberReceivesDeliverableNotifications(t *testing.T) {
	e := newEnv(t, time.Second)
	pm := e.dial(t, "pm")
	worker := e.dial(t, "w8")
	if reply := send(t, worker, gateway.ActionSubscribe, e.d1, "s"); reply.Code != "unauthorized" {
		t.Fatalf("workers may not subscribe: %+v", reply)
	}
	if reply := send(t, pm, gateway.ActionSubscribe, e.d1, "s"); reply.Type != gateway.TypeAck {
		t.Fatalf("subscribe failed: %+v", reply)
	}
	send(t, worker, gateway.ActionStart, e.d1, "a")
	send(t, worker, gateway.ActionStop, e.d1, "b")
	note := read(t, pm, notification(domain.SessionStopped, e.d1))
	if note.WorkerID != 8 {
		t.Fatalf("unexpected notification: %+v", note)
	}
}

func TestDisconnectForcePausesAfterGrace(t *testing.T) {
	e := newEnv(t, 50*time.Millisecond)
	c := e.dial(t, "w7")
	send(t, c, gateway.ActionStart, e.d1, "go")
	c.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s, err := e.store.Load(context.Background(), 7, e.d1)
		if err == nil && s.Status == domain.SessionPaused {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("session was not force-paused after the grace period")
}
