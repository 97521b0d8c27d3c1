package gateway

import (
	"encoding/json"
	"sync"

	"iqeas/internal/logging"
	"iqeas/internal/worksession"
)

// Hub fans coordinator notifications out to live connections: every
// connection of the notified worker and every connection subscribed to the
// deliverable.
type Hub struct {
	log *logging.Logger

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

func NewHub(log *logging.Logger) *Hub {
	if log == nil {
		log = logging.Nop()
	}
	return &Hub{log: log.WithComponent("hub"), conns: map[*conn]struct{}{}}
}

func (h *Hub) add(c *conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// Len is the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Notify implements worksession.Notifier. It never blocks; a connection whose
// send buffer is full is closed.
func (h *Hub) Notify(n worksession.Notification) {
	data, err := json.Marshal(notificationReply(n))
	if err != nil {
		h.log.Error("encode notification", "error", err)
		return
	}
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		if c.actor.WorkerID == n.WorkerID || c.subscribed(n.DeliverableID) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		if !c.enqueue(data) {
			h.log.Warn("dropping slow connection", "conn_id", c.id, "worker_id", c.actor.WorkerID)
		}
	}
}
