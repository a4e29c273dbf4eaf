package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	v1 "tether/shared/contracts/realtime/v1"
)

// Hub is the in-process Messenger: it maps server connection ids to live
// websocket clients and enqueues frames without blocking.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		clients: make(map[string]*Client),
	}
}

// Register binds a client to its id, replacing any previous client.
func (h *Hub) Register(c *Client) {
	if c == nil {
		return
	}
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
}

// Unregister removes c if it is still the client bound to its id.
func (h *Hub) Unregister(c *Client) {
	if c == nil {
		return
	}
	h.mu.Lock()
	if cur, ok := h.clients[c.ID]; ok && cur == c {
		delete(h.clients, c.ID)
	}
	h.mu.Unlock()
}

// CloseAll closes every registered client so their sockets shut down.
// It returns the number of clients closed.
func (h *Hub) CloseAll() int {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for id, c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, id)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	return len(clients)
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SendMessage encodes msg once and enqueues it for every id except excludeID.
//
// A client that cannot take a branch data frame is closed: its socket goes
// away and the device re-watches to get a fresh snapshot.
func (h *Hub) SendMessage(ctx context.Context, ids []string, msg v1.ServerMessage, excludeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := v1.NewMessageFrame(v1.NoRequestID, msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}

	derr := &DeliveryError{}
	evict := carriesBranchData(msg)

	h.mu.RLock()
	for _, id := range ids {
		if id == excludeID {
			continue
		}
		c, ok := h.clients[id]
		if !ok {
			derr.Missing = append(derr.Missing, id)
			continue
		}
		if !c.enqueue(frame) {
			derr.Dropped = append(derr.Dropped, id)
			if evict {
				c.Close()
				h.log.Warn("ws.client.evict", "connection_id", id, "type", msg.MessageType(), "reason", "send_queue_full")
			}
		}
	}
	h.mu.RUnlock()

	if derr.empty() {
		return nil
	}
	return derr
}

func carriesBranchData(msg v1.ServerMessage) bool {
	switch msg.MessageType() {
	case v1.TypeAddUpdates, v1.TypeUpdatesReceived:
		return true
	}
	return false
}

// SendEvent enqueues a prebuilt frame for one connection.
func (h *Hub) SendEvent(ctx context.Context, id string, frame v1.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	c, ok := h.clients[id]
	h.mu.RUnlock()

	if !ok {
		return &DeliveryError{Missing: []string{id}}
	}
	if !c.enqueue(frame) {
		return &DeliveryError{Dropped: []string{id}}
	}
	return nil
}
