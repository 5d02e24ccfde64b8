// Package websocket implements the realtime fan-out gateway: a registry of
// authenticated connections keyed by channel, with best-effort broadcast to
// conversation and personal channels.
package websocket

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// CloseUnauthorized is sent to connections that fail authentication before
// any channel membership is established.
const CloseUnauthorized = 4001

// Hub is a concurrent-safe multimap from channel key to connections. It
// implements chat.Publisher. There is no queueing or replay: a publish
// reaches whoever is subscribed at that instant.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Client]bool
	clients  map[*Client]map[string]bool
	logger   *logrus.Logger
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		channels: make(map[string]map[*Client]bool),
		clients:  make(map[*Client]map[string]bool),
		logger:   logger,
	}
}

// Register tracks a connection. Channel membership is added separately via
// Subscribe.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = make(map[string]bool)
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{
		"connection_id": client.id,
		"user_id":       client.userID,
		"total_clients": total,
	}).Info("client connected")
}

// Unregister removes the connection from every channel it joined and closes
// its send queue. Safe to call more than once.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	keys, ok := h.clients[client]
	if ok {
		for key := range keys {
			h.removeFromChannel(key, client)
		}
		delete(h.clients, client)
		client.closeSend()
	}
	total := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.logger.WithFields(logrus.Fields{
			"connection_id":     client.id,
			"user_id":           client.userID,
			"remaining_clients": total,
		}).Info("client disconnected")
	}
}

// Subscribe joins the connection to a channel. Subscribing twice is a
// no-op.
func (h *Hub) Subscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	keys, ok := h.clients[client]
	if !ok {
		// Connection already torn down.
		return
	}
	if keys[channel] {
		return
	}
	keys[channel] = true
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][client] = true
}

// Unsubscribe removes the connection from one channel.
func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if keys, ok := h.clients[client]; ok {
		delete(keys, channel)
	}
	h.removeFromChannel(channel, client)
}

// removeFromChannel requires h.mu held.
func (h *Hub) removeFromChannel(channel string, client *Client) {
	if subs, ok := h.channels[channel]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
}

// Publish broadcasts the payload to every connection subscribed to the
// channel. Connections whose send queue is full are dropped, like any
// other dead connection.
func (h *Hub) Publish(channel string, payload interface{}) error {
	return h.publish(channel, payload, "")
}

// PublishExcept broadcasts to the channel, skipping connections owned by
// excludeUserID (a typist does not receive their own indicator).
func (h *Hub) PublishExcept(channel string, payload interface{}, excludeUserID string) error {
	return h.publish(channel, payload, excludeUserID)
}

func (h *Hub) publish(channel string, payload interface{}, excludeUserID string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.WithField("channel", channel).WithError(err).Error("failed to marshal event")
		return err
	}

	h.mu.RLock()
	var stuck []*Client
	delivered := 0
	for client := range h.channels[channel] {
		if excludeUserID != "" && client.userID == excludeUserID {
			continue
		}
		select {
		case client.send <- data:
			delivered++
		default:
			stuck = append(stuck, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range stuck {
		h.logger.WithFields(logrus.Fields{
			"connection_id": client.id,
			"user_id":       client.userID,
			"channel":       channel,
		}).Warn("send queue full, dropping client")
		h.Unregister(client)
	}

	h.logger.WithFields(logrus.Fields{
		"channel":   channel,
		"delivered": delivered,
	}).Debug("event published")
	return nil
}

// SubscriberCount reports how many connections are on a channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}
