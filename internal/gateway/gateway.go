// Package gateway serves the work timer over websocket connections.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"iqeas/internal/domain"
	"iqeas/internal/engine/auth"
	"iqeas/internal/logging"
)

// Authenticator resolves the handshake credential to an actor.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.Actor, error)
}

// Sessions is the part of the work session coordinator the gateway drives.
type Sessions interface {
	Start(ctx context.Context, workerID, deliverableID int64) (domain.WorkSession, error)
	Pause(ctx context.Context, workerID, deliverableID int64) (domain.WorkSession, error)
	Stop(ctx context.Context, workerID, deliverableID int64, reason string) (domain.WorkSession, error)
	Session(ctx context.Context, workerID, deliverableID int64) (domain.WorkSession, error)
	Attach(workerID int64)
	Detach(workerID int64)
}

type Options struct {
	// IdleTimeout closes a connection that sent nothing, pongs included.
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	SendBuffer     int
	AllowedOrigins []string
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	return o
}

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

var subscriberRoles = []domain.Role{domain.RolePM, domain.RoleLeader, domain.RoleDocumentation}

type Gateway struct {
	auth     Authenticator
	sessions Sessions
	hub      *Hub
	log      *logging.Logger
	opts     Options
	upgrader websocket.Upgrader
}

func New(a Authenticator, s Sessions, hub *Hub, log *logging.Logger, opts Options) *Gateway {
	if log == nil {
		log = logging.Nop()
	}
	opts = opts.withDefaults()
	g := &Gateway{auth: a, sessions: s, hub: hub, log: log.WithComponent("gateway"), opts: opts}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range g.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func writeHTTPError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": code, "message": msg}})
}

// ServeHTTP authenticates and upgrades. A failed handshake never reaches the coordinator.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor, err := g.auth.Authenticate(r)
	if err != nil || actor.WorkerID == 0 {
		g.log.Warn("handshake rejected", "remote", r.RemoteAddr, "error", err)
		writeHTTPError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("upgrade failed", "worker_id", actor.WorkerID, "error", err)
		return
	}
	c := &conn{
		id:    uuid.NewString(),
		actor: actor,
		ws:    ws,
		send:  make(chan []byte, g.opts.SendBuffer),
		done:  make(chan struct{}),
		subs:  map[int64]struct{}{},
	}
	c.log = g.log.With("conn_id", c.id, "worker_id", actor.WorkerID)
	g.hub.add(c)
	g.sessions.Attach(actor.WorkerID)
	c.log.Info("connection opened", "role", actor.Role)

	go g.writeLoop(c)
	c.reply(Reply{Type: TypeHello, ConnectionID: c.id, WorkerID: actor.WorkerID})
	g.readLoop(c)

	g.hub.remove(c)
	c.close()
	g.sessions.Detach(actor.WorkerID)
	c.log.Info("connection closed")
}

func (g *Gateway) readLoop(c *conn) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(g.opts.IdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(g.opts.IdleTimeout))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read failed", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(g.opts.IdleTimeout))
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.reply(errorReply(cmd, domain.ValidationError{Reason: "malformed command"}))
			continue
		}
		c.reply(g.dispatch(c, cmd))
	}
}

func (g *Gateway) writeLoop(c *conn) {
	ping := time.NewTicker(g.opts.IdleTimeout / 2)
	defer func() {
		ping.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (g *Gateway) dispatch(c *conn, cmd Command) Reply {
	switch cmd.Action {
	case ActionStart, ActionPause, ActionStop, ActionState, ActionSubscribe, ActionUnsubscribe:
	default:
		return errorReply(cmd, domain.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", cmd.Action)})
	}
	if cmd.DeliverableID <= 0 {
		return errorReply(cmd, domain.ValidationError{Field: "estimation_deliverable_id", Reason: "required"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.opts.CommandTimeout)
	defer cancel()

	workerID := c.actor.WorkerID
	var (
		s   domain.WorkSession
		err error
	)
	switch cmd.Action {
	case ActionStart:
		s, err = g.sessions.Start(ctx, workerID, cmd.DeliverableID)
	case ActionPause:
		s, err = g.sessions.Pause(ctx, workerID, cmd.DeliverableID)
	case ActionStop:
		s, err = g.sessions.Stop(ctx, workerID, cmd.DeliverableID, "stopped by worker")
	case ActionState:
		s, err = g.sessions.Session(ctx, workerID, cmd.DeliverableID)
	case ActionSubscribe:
		if err := (auth.Service{}).RequireRole(c.actor, "subscribe", subscriberRoles...); err != nil {
			return errorReply(cmd, err)
		}
		c.subscribe(cmd.DeliverableID)
		return ackReply(cmd, nil)
	case ActionUnsubscribe:
		c.unsubscribe(cmd.DeliverableID)
		return ackReply(cmd, nil)
	}
	if err != nil {
		level := c.log.Info
		if errors.Is(err, domain.ErrPersistence) {
			level = c.log.Error
		}
		level("command rejected", "action", cmd.Action, "deliverable_id", cmd.DeliverableID, "code", domain.ReasonCode(err), "error", err)
		return errorReply(cmd, err)
	}
	return ackReply(cmd, viewOf(s))
}

type conn struct {
	id    string
	actor auth.Actor
	ws    *websocket.Conn
	log   *logging.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	subs map[int64]struct{}
}

func (c *conn) subscribe(deliverableID int64) {
	c.mu.Lock()
	c.subs[deliverableID] = struct{}{}
	c.mu.Unlock()
}

func (c *conn) unsubscribe(deliverableID int64) {
	c.mu.Lock()
	delete(c.subs, deliverableID)
	c.mu.Unlock()
}

func (c *conn) subscribed(deliverableID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[deliverableID]
	return ok
}

func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue reports false and closes the connection when its buffer is full.
func (c *conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.close()
		return false
	}
}

func (c *conn) reply(r Reply) {
	data, err := json.Marshal(r)
	if err != nil {
		c.log.Error("encode reply", "error", err)
		return
	}
	c.enqueue(data)
}
