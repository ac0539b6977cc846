package websocket

import (
	"context"
	"slices"
	"sync"

	"github.com/openctemio/scanregistry/pkg/logger"
)

const (
	// Max connections per identity (token subject or remote address)
	maxConnectionsPerIdentity = 10

	broadcastBufferSize = 256

	// Upper bound on channels whose last event is kept for late subscribers
	maxRetainedChannels = 1024
)

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	clients        map[*Client]bool
	identityCounts map[string]int

	// channel -> set of clients
	channels map[string]map[*Client]bool

	// Last event per channel, replayed on subscribe. retainOrder is FIFO for eviction.
	retained    map[string]*Message
	retainOrder []string

	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	logger      *logger.Logger
	authorizeFn AuthorizeFunc

	mu sync.RWMutex
}

// outbound is a queued event. Retained events become the channel's last
// event when they are fanned out.
type outbound struct {
	msg    *Message
	retain bool
}

// AuthorizeFunc reports whether a client may subscribe to a channel.
type AuthorizeFunc func(client *Client, channel string) bool

// NewHub creates a new Hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:        make(map[*Client]bool),
		identityCounts: make(map[string]int),
		channels:       make(map[string]map[*Client]bool),
		retained:       make(map[string]*Message),
		broadcast:      make(chan outbound, broadcastBufferSize),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		done:           make(chan struct{}),
		logger:         log.With("component", "websocket_hub"),
		authorizeFn:    defaultAuthorize,
	}
}

// defaultAuthorize accepts the all-scans feed and any scan:{id} channel.
func defaultAuthorize(_ *Client, channel string) bool {
	channelType, id := ParseChannel(channel)
	switch channelType {
	case ChannelTypeScan:
		return id != ""
	case ChannelTypeScans:
		return channel == AllScansChannel
	default:
		return false
	}
}

// SetAuthorizeFunc sets a custom authorization function.
func (h *Hub) SetAuthorizeFunc(fn AuthorizeFunc) {
	h.authorizeFn = fn
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("websocket hub stopping")
			close(h.done)
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			count := h.identityCounts[client.Identity]
			if count >= maxConnectionsPerIdentity {
				h.mu.Unlock()
				h.logger.Warn("connection limit exceeded",
					"identity", client.Identity,
					"current", count,
					"max", maxConnectionsPerIdentity,
				)
				client.Close()
				continue
			}
			h.identityCounts[client.Identity] = count + 1
			h.clients[client] = true
			h.mu.Unlock()

			h.logger.Debug("client registered", "client_id", client.ID, "identity", client.Identity)

		case client := <-h.unregister:
			h.mu.Lock()
			if h.clients[client] {
				delete(h.clients, client)
				h.removeClientFromAllChannels(client)
				if count := h.identityCounts[client.Identity]; count > 1 {
					h.identityCounts[client.Identity] = count - 1
				} else {
					delete(h.identityCounts, client.Identity)
				}
			}
			h.mu.Unlock()

			h.logger.Debug("client unregistered", "client_id", client.ID)

		case out := <-h.broadcast:
			h.broadcastToChannel(out)
		}
	}
}

// RegisterClient registers a new client. It returns false once the hub has stopped.
func (h *Hub) RegisterClient(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// BroadcastEvent queues an event for a channel and keeps it as the channel's
// last event. The event is dropped when the queue is full so publishers never
// block on slow consumers.
func (h *Hub) BroadcastEvent(channel string, data any) {
	h.publish(channel, data, true)
}

// BroadcastTransient queues an event without replacing the channel's last event.
func (h *Hub) BroadcastTransient(channel string, data any) {
	h.publish(channel, data, false)
}

func (h *Hub) publish(channel string, data any, retain bool) {
	msg := NewMessage(MessageTypeEvent).WithChannel(channel).WithData(data)

	select {
	case h.broadcast <- outbound{msg: msg, retain: retain}:
	default:
		h.logger.Warn("broadcast queue full, dropping event", "channel", channel)
		if retain {
			// Late subscribers still see the latest state.
			h.mu.Lock()
			h.retain(msg)
			h.mu.Unlock()
		}
	}
}

// retain records msg as its channel's last event. Callers hold h.mu.
func (h *Hub) retain(msg *Message) {
	if _, ok := h.retained[msg.Channel]; !ok {
		if len(h.retainOrder) >= maxRetainedChannels {
			delete(h.retained, h.retainOrder[0])
			h.retainOrder = slices.Delete(h.retainOrder, 0, 1)
		}
		h.retainOrder = append(h.retainOrder, msg.Channel)
	}
	h.retained[msg.Channel] = msg
}

// LastEvent returns the most recent event of a channel.
func (h *Hub) LastEvent(channel string) (*Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	msg, ok := h.retained[channel]
	return msg, ok
}

// subscribeToChannel adds a client to a channel, then queues ack and the
// channel's retained event. Holding the lock keeps the replay ahead of any
// event fanned out after the subscription.
func (h *Hub) subscribeToChannel(client *Client, channel string, ack *Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][client] = true

	_ = client.SendMessage(ack)
	if replay := h.retained[channel]; replay != nil {
		_ = client.SendMessage(replay)
	}
}

func (h *Hub) unsubscribeFromChannel(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.channels[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.channels, channel)
		}
	}
}

func (h *Hub) authorizeSubscription(client *Client, channel string) bool {
	if h.authorizeFn == nil {
		return true
	}
	return h.authorizeFn(client, channel)
}

// broadcastToChannel retains and fans out under the hub lock so that a
// concurrent subscribe sees either the new event as its replay or as a live
// message, never both.
func (h *Hub) broadcastToChannel(out outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg := out.msg
	if out.retain {
		h.retain(msg)
	}

	for client := range h.channels[msg.Channel] {
		if err := client.SendMessage(msg); err != nil {
			h.logger.Debug("failed to send message to client",
				"client_id", client.ID,
				"channel", msg.Channel,
				"error", err,
			)
		}
	}
}

func (h *Hub) removeClientFromAllChannels(client *Client) {
	for channel, clients := range h.channels {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.channels, channel)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
	h.channels = make(map[string]map[*Client]bool)
	h.identityCounts = make(map[string]int)
}

// HubStats contains hub statistics.
type HubStats struct {
	TotalClients   int            `json:"total_clients"`
	TotalChannels  int            `json:"total_channels"`
	ChannelClients map[string]int `json:"channel_clients"`
}

// GetStats returns hub statistics.
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	channelStats := make(map[string]int, len(h.channels))
	for channel, clients := range h.channels {
		channelStats[channel] = len(clients)
	}

	return HubStats{
		TotalClients:   len(h.clients),
		TotalChannels:  len(h.channels),
		ChannelClients: channelStats,
	}
}
