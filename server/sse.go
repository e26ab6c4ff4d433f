package server

import (
	"encoding/json"
	"sync"

	"github.com/go-logr/logr"

	"go-socket/scheme"
)

const sseClientBuffer = 32

// SSEEvent is one event queued for a stream subscriber.
type SSEEvent struct {
	Channel string
	Event   string
	Data    []byte
}

// Frame renders the event in the text/event-stream format.
func (e SSEEvent) Frame() string {
	return scheme.Event{Name: e.Event, Data: string(e.Data)}.String()
}

type SSEClient struct {
	ch   chan SSEEvent
	done chan struct{}
}

func (c *SSEClient) Ch() <-chan SSEEvent {
	return c.ch
}

// Done is closed when the client is unsubscribed.
func (c *SSEClient) Done() <-chan struct{} {
	return c.done
}

type SSEHub struct {
	log     logr.Logger
	mu      sync.RWMutex
	clients map[string]map[*SSEClient]struct{}
}

func NewSSEHub(log logr.Logger) *SSEHub {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &SSEHub{
		log:     log.WithName("sse"),
		clients: make(map[string]map[*SSEClient]struct{}),
	}
}

func (h *SSEHub) Subscribe(channel string) *SSEClient {
	c := &SSEClient{
		ch:   make(chan SSEEvent, sseClientBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[channel] == nil {
		h.clients[channel] = make(map[*SSEClient]struct{})
	}
	h.clients[channel][c] = struct{}{}
	return c
}

func (h *SSEHub) Unsubscribe(channel string, c *SSEClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.clients[channel]
	if _, ok := subs[c]; !ok {
		return
	}

	delete(subs, c)
	close(c.done)
	if len(subs) == 0 {
		delete(h.clients, channel)
	}
}

// Publish queues an event for every subscriber of channel and returns how
// many accepted it. data is JSON encoded; json.RawMessage passes through.
func (h *SSEHub) Publish(channel, event string, data any) int {
	b, err := json.Marshal(data)
	if err != nil {
		h.log.Error(err, "marshal error", "channel", channel, "event", event)
		return 0
	}

	ev := SSEEvent{Channel: channel, Event: event, Data: b}

	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for c := range h.clients[channel] {
		select {
		case c.ch <- ev:
			n++
		default:
			h.log.V(1).Info("subscriber buffer full, dropping event", "channel", channel, "event", event)
		}
	}
	return n
}

func (h *SSEHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, subs := range h.clients {
		n += len(subs)
	}
	return n
}
