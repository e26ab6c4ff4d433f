package server

import (
	"encoding/json"
	"strconv"
	"sync/atomic"

	"github.com/go-logr/logr"

	"go-socket/ipc"
)

// Channels the bridge publishes on.
const (
	IPCChannel    = "ipc"
	EventsChannel = "runtime"
)

// Bridge carries ipc results and container events to connected surfaces.
// Results go to the WebSocket subscriber the call came from; events go to
// every IPCChannel subscriber and to SSE subscribers of EventsChannel.
// Result bodies are queued in Posts and referenced by id.
type Bridge struct {
	log    logr.Logger
	hub    *WSHub
	sse    *SSEHub
	posts  *Posts
	active atomic.Bool
}

func NewBridge(hub *WSHub, sse *SSEHub, posts *Posts, log logr.Logger) *Bridge {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	b := &Bridge{
		log:   log.WithName("bridge"),
		hub:   hub,
		sse:   sse,
		posts: posts,
	}
	b.active.Store(true)
	return b
}

func (b *Bridge) Active() bool {
	return b.active.Load()
}

// Close stops the bridge from accepting results or events.
func (b *Bridge) Close() {
	b.active.Store(false)
}

// Send frames a serialized result for the surface connected as client. A
// zero client has no connection of its own and the result goes to every
// IPCChannel subscriber. It reports whether any surface received it.
func (b *Bridge) Send(client uint64, seq, payload string, post *ipc.Post) bool {
	if !b.Active() {
		return false
	}

	frame := ResponsePayload{Seq: seq, Result: json.RawMessage(payload)}
	if post != nil && len(post.Body) > 0 {
		frame.Post = strconv.FormatUint(b.posts.Add(post), 10)
	}

	if client != 0 {
		ok := b.hub.SendTo(client, FrameResult, frame)
		b.log.V(2).Info("result sent", "seq", seq, "post", frame.Post, "client", client, "delivered", ok)
		return ok
	}

	n := b.hub.Publish(IPCChannel, FrameResult, frame)
	b.log.V(2).Info("result sent", "seq", seq, "post", frame.Post, "receivers", n)
	return n > 0
}

// Emit pushes a runtime event to every surface. payload must be JSON. It
// reports whether a WebSocket surface received it.
func (b *Bridge) Emit(event, payload string) bool {
	if !b.Active() {
		return false
	}

	data := json.RawMessage(payload)
	if !json.Valid(data) {
		b.log.Info("dropping event with invalid payload", "event", event)
		return false
	}

	n := b.hub.Publish(IPCChannel, FrameEvent, EventPayload{Name: event, Data: data})
	if b.sse != nil {
		b.sse.Publish(EventsChannel, event, data)
	}
	return n > 0
}
