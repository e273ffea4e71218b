package hub

import (
	"sync"
	"time"

	"github.com/lingomate/chat-core/internal/metrics"
)

// Hub tracks which live connections are subscribed to which channels and
// fans events out to them. Subscriptions live only as long as the socket;
// a reconnecting client re-subscribes from scratch.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[string]*Connection // channel -> conn_id -> Connection
	byConn   map[string]map[string]struct{}    // conn_id -> set of channel names
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		channels: make(map[string]map[string]*Connection),
		byConn:   make(map[string]map[string]struct{}),
	}
}

// Subscribe adds the connection to a channel. Subscribing twice is a no-op.
// Authorization (membership, channel ownership) is the dispatcher's job;
// the hub only does bookkeeping.
func (h *Hub) Subscribe(channel string, c *Connection) {
	h.mu.Lock()
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[string]*Connection)
		h.channels[channel] = subs
	}
	subs[c.ID] = c

	chans, ok := h.byConn[c.ID]
	if !ok {
		chans = make(map[string]struct{})
		h.byConn[c.ID] = chans
	}
	chans[channel] = struct{}{}
	h.mu.Unlock()
}

// Unsubscribe removes the connection from a channel. Returns false if the
// connection was not subscribed.
func (h *Hub) Unsubscribe(channel string, connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.channels[channel]
	if !ok {
		return false
	}
	if _, ok := subs[connID]; !ok {
		return false
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(h.channels, channel)
	}
	if chans := h.byConn[connID]; chans != nil {
		delete(chans, channel)
		if len(chans) == 0 {
			delete(h.byConn, connID)
		}
	}
	return true
}

// UnsubscribeAll drops every subscription held by the connection and returns
// the channel names it held, so the disconnect path can run per-channel
// teardown (leaving anonymous conversations, for example).
func (h *Hub) UnsubscribeAll(connID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	chans := h.byConn[connID]
	if len(chans) == 0 {
		delete(h.byConn, connID)
		return nil
	}

	names := make([]string, 0, len(chans))
	for channel := range chans {
		names = append(names, channel)
		if subs := h.channels[channel]; subs != nil {
			delete(subs, connID)
			if len(subs) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	delete(h.byConn, connID)
	return names
}

// Subscribed reports whether the connection holds a subscription to the
// channel.
func (h *Hub) Subscribed(channel string, connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs, ok := h.channels[channel]
	if !ok {
		return false
	}
	_, ok = subs[connID]
	return ok
}

// UserPresent reports whether the user has at least one connection
// subscribed to the channel. The notifier uses this to skip external
// notifications for users who are watching the channel live.
func (h *Hub) UserPresent(channel string, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.channels[channel] {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

// SubscriberUsers returns the distinct user IDs with a live subscription to
// the channel.
func (h *Hub) SubscriberUsers(channel string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]struct{})
	users := make([]string, 0, len(h.channels[channel]))
	for _, c := range h.channels[channel] {
		if _, ok := seen[c.UserID]; ok {
			continue
		}
		seen[c.UserID] = struct{}{}
		users = append(users, c.UserID)
	}
	return users
}

// Broadcast delivers a frame to every connection subscribed to the channel.
// Fan-out is sequential, so all subscribers observe broadcasts in the order
// they were issued. Write errors on individual connections are ignored;
// failed connections are cleaned up by the event loop on the next read.
func (h *Hub) Broadcast(channel string, data []byte) int {
	start := time.Now()

	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.channels[channel]))
	for _, c := range h.channels[channel] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		_ = c.WriteMessage(data)
	}

	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
	return len(conns)
}
