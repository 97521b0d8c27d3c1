package iqeassdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is any message the timer gateway sends.
type Frame struct {
	Type         string `json:"type"`
	RequestID    string `json:"request_id,omitempty"`
	Action       string `json:"action,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
	Session      *struct {
		WorkerID           int64      `json:"worker_id"`
		DeliverableID      int64      `json:"deliverable_id"`
		Status             string     `json:"status"`
		AccumulatedSeconds float64    `json:"accumulated_seconds"`
		RunningSince       *time.Time `json:"running_since,omitempty"`
	} `json:"session,omitempty"`
	Code               string     `json:"code,omitempty"`
	Message            string     `json:"message,omitempty"`
	Status             string     `json:"status,omitempty"`
	DeliverableID      int64      `json:"deliverable_id,omitempty"`
	WorkerID           int64      `json:"worker_id,omitempty"`
	AccumulatedSeconds *float64   `json:"accumulated_seconds,omitempty"`
	Reason             string     `json:"reason,omitempty"`
	At                 *time.Time `json:"at,omitempty"`
}

// GatewayError is an error frame answering a command.
type GatewayError struct {
	Code    string
	Message string
}

func (e *GatewayError) Error() string { return e.Code + ": " + e.Message }

var ErrTimerClosed = errors.New("timer connection closed")

// Timer is a websocket session with the work timer gateway. Commands may be
// issued concurrently; notifications arrive on Notifications.
type Timer struct {
	ws           *websocket.Conn
	ConnectionID string
	WorkerID     int64

	writeMu sync.Mutex
	seq     atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan Frame
	notes   chan Frame
	done    chan struct{}
	err     error
}

// DialTimer opens the gateway at <base>/ws with the client's credentials and
// waits for the hello frame.
func (c *Client) DialTimer(ctx context.Context) (*Timer, error) {
	u, err := url.Parse(c.base() + "/ws")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	c.authorize(header)
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, &APIError{StatusCode: resp.StatusCode, Body: err.Error()}
		}
		return nil, err
	}
	var hello Frame
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	if err := ws.ReadJSON(&hello); err != nil {
		ws.Close()
		return nil, fmt.Errorf("read hello: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})
	if hello.Type != "hello" {
		ws.Close()
		return nil, fmt.Errorf("unexpected first frame %q", hello.Type)
	}
	t := &Timer{
		ws:           ws,
		ConnectionID: hello.ConnectionID,
		WorkerID:     hello.WorkerID,
		pending:      map[string]chan Frame{},
		notes:        make(chan Frame, 64),
		done:         make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// Notifications delivers session changes. Frames are dropped when the
// channel is not drained.
func (t *Timer) Notifications() <-chan Frame { return t.notes }

func (t *Timer) readLoop() {
	defer close(t.done)
	defer close(t.notes)
	for {
		var f Frame
		if err := t.ws.ReadJSON(&f); err != nil {
			t.mu.Lock()
			t.err = err
			for id, ch := range t.pending {
				close(ch)
				delete(t.pending, id)
			}
			t.mu.Unlock()
			return
		}
		if f.Type == "notification" {
			select {
			case t.notes <- f:
			default:
			}
			continue
		}
		t.mu.Lock()
		ch, ok := t.pending[f.RequestID]
		delete(t.pending, f.RequestID)
		t.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}

func (t *Timer) send(ctx context.Context, action string, deliverableID int64) (Frame, error) {
	id := fmt.Sprintf("sdk-%d", t.seq.Add(1))
	ch := make(chan Frame, 1)
	t.mu.Lock()
	if t.err != nil {
		t.mu.Unlock()
		return Frame{}, ErrTimerClosed
	}
	t.pending[id] = ch
	t.mu.Unlock()

	t.writeMu.Lock()
	err := t.ws.WriteJSON(map[string]any{
		"action":                    action,
		"estimation_deliverable_id": deliverableID,
		"request_id":                id,
	})
	t.writeMu.Unlock()
	if err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return Frame{}, err
	}
	select {
	case f, ok := <-ch:
		if !ok {
			return Frame{}, ErrTimerClosed
		}
		if f.Type == "error" {
			return f, &GatewayError{Code: f.Code, Message: f.Message}
		}
		return f, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return Frame{}, ctx.Err()
	}
}

func (t *Timer) Start(ctx context.Context, deliverableID int64) (Frame, error) {
	return t.send(ctx, "START", deliverableID)
}

func (t *Timer) Pause(ctx context.Context, deliverableID int64) (Frame, error) {
	return t.send(ctx, "PAUSE", deliverableID)
}

func (t *Timer) Stop(ctx context.Context, deliverableID int64) (Frame, error) {
	return t.send(ctx, "STOP", deliverableID)
}

func (t *Timer) State(ctx context.Context, deliverableID int64) (Frame, error) {
	return t.send(ctx, "STATE", deliverableID)
}

// Subscribe requests notifications for every worker on a deliverable.
func (t *Timer) Subscribe(ctx context.Context, deliverableID int64) error {
	_, err := t.send(ctx, "SUBSCRIBE", deliverableID)
	return err
}

func (t *Timer) Unsubscribe(ctx context.Context, deliverableID int64) error {
	_, err := t.send(ctx, "UNSUBSCRIBE", deliverableID)
	return err
}

// Close sends a close frame and waits for the read loop to finish.
func (t *Timer) Close() error {
	t.writeMu.Lock()
	_ = t.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	t.writeMu.Unlock()
	select {
	case <-t.done:
	case <-time.After(2 * time.Second):
	}
	err := t.ws.Close()
	if err != nil && strings.Contains(err.Error(), "use of closed network connection") {
		return nil
	}
	return err
}
