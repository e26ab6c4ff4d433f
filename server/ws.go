package server

import (
	"encoding/json"
	"sync"

	"github.com/go-logr/logr"

	"go-socket/ipc"
)

const wsClientBuffer = 64

// WSMessage is one frame pushed to a connected surface. Type is one of
// FrameResult, FrameEvent or FrameClient.
type WSMessage struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// WSClient is one socket subscription. ID is unique per subscription and
// addresses ipc results to it. Send is closed on Unsubscribe.
type WSClient struct {
	ID      uint64
	Channel string
	Send    chan WSMessage
}

// WSHub fans frames out to the sockets subscribed to a channel. Surfaces
// sit on IPCChannel; other channels are free-form rooms.
type WSHub struct {
	log     logr.Logger
	mu      sync.RWMutex
	clients map[string]map[*WSClient]struct{} // channel -> clients
	byID    map[uint64]*WSClient
}

func NewWSHub(log logr.Logger) *WSHub {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &WSHub{
		log:     log.WithName("ws"),
		clients: make(map[string]map[*WSClient]struct{}),
		byID:    make(map[uint64]*WSClient),
	}
}

func (h *WSHub) Subscribe(channel string) *WSClient {
	c := &WSClient{
		Channel: channel,
		Send:    make(chan WSMessage, wsClientBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c.ID == 0 || h.byID[c.ID] != nil {
		c.ID = ipc.Rand64()
	}
	h.byID[c.ID] = c
	if h.clients[channel] == nil {
		h.clients[channel] = make(map[*WSClient]struct{})
	}
	h.clients[channel][c] = struct{}{}
	return c
}

// Unsubscribe is a no-op for clients not subscribed to channel.
func (h *WSHub) Unsubscribe(channel string, c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.clients[channel]
	if _, ok := subs[c]; !ok {
		return
	}

	delete(subs, c)
	delete(h.byID, c.ID)
	close(c.Send)
	if len(subs) == 0 {
		delete(h.clients, channel)
	}
}

// Publish broadcasts a message to all clients on the given channel and
// returns how many accepted it. Clients with a full buffer miss the
// message.
func (h *WSHub) Publish(channel, msgType string, payload any) int {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error(err, "marshal error", "channel", channel, "type", msgType)
		return 0
	}

	ev := WSMessage{
		Channel: channel,
		Type:    msgType,
		Data:    data,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for c := range h.clients[channel] {
		select {
		case c.Send <- ev:
			n++
		default:
			h.log.V(1).Info("client buffer full, dropping message", "channel", channel, "type", msgType)
		}
	}
	return n
}

// SendTo delivers a message to the subscription with the given id on its
// own channel. It reports false when the client is gone or its buffer is
// full.
func (h *WSHub) SendTo(id uint64, msgType string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error(err, "marshal error", "client", id, "type", msgType)
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.byID[id]
	if !ok {
		return false
	}
	select {
	case c.Send <- WSMessage{Channel: c.Channel, Type: msgType, Data: data}:
		return true
	default:
		h.log.V(1).Info("client buffer full, dropping message", "client", id, "type", msgType)
		return false
	}
}

// Clients returns the number of subscriptions across all channels.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, subs := range h.clients {
		n += len(subs)
	}
	return n
}
