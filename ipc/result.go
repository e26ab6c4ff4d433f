package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
)

// Error type tags surfaced to scripts as the `type` of a rejected call.
const (
	NotFoundError     = "NotFoundError"
	TypeError         = "TypeError"
	InvalidStateError = "InvalidStateError"
	AbortError        = "AbortError"
)

// Rand64 returns a random non-zero 64-bit id.
func Rand64() uint64 {
	for {
		u := uuid.New()
		if n := binary.BigEndian.Uint64(u[:8]) ^ binary.BigEndian.Uint64(u[8:]); n != 0 {
			return n
		}
	}
}

// Post is a binary body attached to a result, delivered out of band instead
// of as a JSON string.
type Post struct {
	ID       uint64
	WorkerID string
	Body     []byte
	Headers  http.Header
}

// ErrorBody is the JSON shape of an `err` payload.
type ErrorBody struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

func NewError(typ, message string) ErrorBody {
	return ErrorBody{Type: typ, Message: message}
}

// Result is the reply envelope for a Message. At most one of Value, Data
// and Err is set. Client is the id of the connection the message arrived
// on, zero when it has none.
type Result struct {
	ID      uint64
	Client  uint64
	Seq     string
	Source  string
	Token   string
	Value   any
	Data    any
	Err     any
	Headers http.Header
	Post    *Post
	Message *Message
}

func newResult(msg *Message) Result {
	r := Result{ID: Rand64(), Headers: http.Header{}}
	if msg != nil {
		r.Client = msg.Client.ID
		r.Seq = msg.Seq
		r.Source = msg.Name
		r.Token = msg.Get("ipc-token")
		r.Message = msg
	}
	return r
}

// NewResult builds a plain value result.
func NewResult(msg *Message, value any) Result {
	r := newResult(msg)
	r.Value = value
	return r
}

// NewPostResult builds a successful result carrying a binary body.
func NewPostResult(msg *Message, value any, post *Post) Result {
	r := NewResult(msg, value)
	r.WithPost(post)
	return r
}

// DataResult builds a typed success result.
func DataResult(msg *Message, data any) Result {
	r := newResult(msg)
	r.Data = data
	return r
}

// ErrResult builds a typed error result. Strings and errors become
// {"message": ...}.
func ErrResult(msg *Message, err any) Result {
	r := newResult(msg)
	switch e := err.(type) {
	case string:
		r.Err = ErrorBody{Message: e}
	case *ErrorBody:
		r.Err = *e
	case error:
		var body ErrorBody
		if errors.As(e, &body) {
			r.Err = body
		} else {
			r.Err = ErrorBody{Message: e.Error()}
		}
	default:
		r.Err = err
	}
	return r
}

// WithPost attaches post and copies its headers onto the result.
func (r *Result) WithPost(post *Post) *Result {
	r.Post = post
	if post != nil {
		if post.WorkerID == "" && r.Message != nil {
			post.WorkerID = r.Message.Get("runtime-worker-id")
		}
		for k, v := range post.Headers {
			r.Headers[k] = append([]string(nil), v...)
		}
	}
	return r
}

func (e ErrorBody) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

// asObject returns v as a JSON object when it encodes to one.
func asObject(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}

	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		return nil, false
	case string:
		return nil, false
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		raw = b
	}

	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	return m, true
}

func (r *Result) token() any {
	if r.Token == "" {
		return nil
	}
	return r.Token
}

// JSON returns the serializable envelope. A payload object that already
// carries id, token or source has those promoted into the envelope so
// forwarded results are not wrapped twice.
func (r *Result) JSON() any {
	if r.Value != nil {
		obj, ok := asObject(r.Value)
		if !ok {
			return r.Value
		}
		_, hasSource := obj["source"]
		_, hasData := obj["data"]
		_, hasErr := obj["err"]
		if hasSource && (hasData || hasErr) {
			obj["source"] = r.Source
			obj["token"] = r.token()
			obj["id"] = strconv.FormatUint(r.ID, 10)
		}
		return obj
	}

	entries := map[string]any{
		"source": r.Source,
		"token":  r.token(),
		"id":     strconv.FormatUint(r.ID, 10),
	}
	if r.Seq != "" {
		entries["seq"] = r.Seq
	}

	var payload any
	switch {
	case r.Err != nil:
		entries["err"] = r.Err
		payload = r.Err
	case r.Data != nil:
		entries["data"] = r.Data
		payload = r.Data
	}

	if obj, ok := asObject(payload); ok {
		for _, key := range []string{"id", "token", "source"} {
			if v, ok := obj[key]; ok {
				entries[key] = v
			}
		}
	}

	return entries
}

// String returns the JSON encoding of the envelope.
func (r *Result) String() string {
	b, err := json.Marshal(r.JSON())
	if err != nil {
		fallback, _ := json.Marshal(map[string]any{
			"source": r.Source,
			"id":     strconv.FormatUint(r.ID, 10),
			"err":    ErrorBody{Message: err.Error()},
		})
		return string(fallback)
	}
	return string(b)
}
