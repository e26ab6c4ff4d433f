package server

import "encoding/json"

// Frame types carried in WSMessage.Type.
const (
	FrameResult = "result"
	FrameEvent  = "event"
	FrameClient = "client"
)

// RequestPayload is an ipc call sent by a surface over the WebSocket.
// Body is base64 in JSON and becomes the message buffer.
type RequestPayload struct {
	URI  string `json:"uri"`
	Body []byte `json:"body,omitempty"`
}

// ResponsePayload carries a serialized ipc result back to the surface.
// Post names a queued body to fetch from /__ipc/post.
type ResponsePayload struct {
	Seq    string          `json:"seq,omitempty"`
	Result json.RawMessage `json:"result"`
	Post   string          `json:"post,omitempty"`
}

// EventPayload is a runtime event pushed to every surface.
type EventPayload struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}
