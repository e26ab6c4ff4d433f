package ipc

import (
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// SeqNone is the sequence value a script uses when no promise is waiting
// for the reply.
const SeqNone = "-1"

// Client identifies the embedding context a message came from.
type Client struct {
	ID    uint64
	Index int
}

// Cancellation is an optional token a handler can hook to learn that the
// originating call went away.
type Cancellation struct {
	mu       sync.Mutex
	handler  func()
	canceled bool
}

// OnCancel sets the function run when the token is canceled. If the token
// was already canceled it runs immediately.
func (c *Cancellation) OnCancel(fn func()) {
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
		return
	}
	c.handler = fn
	c.mu.Unlock()
}

func (c *Cancellation) Cancel() {
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		return
	}
	c.canceled = true
	fn := c.handler
	c.handler = nil
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func (c *Cancellation) Canceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

type param struct {
	key   string
	value string
}

// Message is a parsed `scheme://name?seq=..&value=..` call from the surface.
// It is not modified after ParseMessage returns; the router attaches buffers
// to a copy.
type Message struct {
	URI    string
	Name   string
	Seq    string
	Index  int
	Value  string
	Buffer []byte
	Client Client
	Cancel *Cancellation

	params  []param
	decoded bool
}

// ParseMessage parses uri. A uri without a scheme separator or without a
// name yields an inert message whose Name and Seq are empty. When
// decodeValues is true every argument is unescaped up front, otherwise on
// each Get.
func ParseMessage(uri string, decodeValues bool) Message {
	msg := Message{URI: uri, decoded: decodeValues}

	i := strings.Index(uri, "://")
	if i <= 0 {
		return msg
	}

	rest := uri[i+3:]
	if j := strings.IndexByte(rest, '#'); j >= 0 {
		rest = rest[:j]
	}

	query := ""
	if j := strings.IndexByte(rest, '?'); j >= 0 {
		query = rest[j+1:]
		rest = rest[:j]
	}

	name := rest
	if j := strings.IndexByte(name, '/'); j >= 0 {
		name = name[:j]
	}
	if name == "" {
		return msg
	}

	msg.Name = name
	msg.params = parseParams(query, decodeValues)
	msg.Seq = msg.Get("seq")
	msg.Value = msg.Get("value")

	if msg.Has("index") {
		if n, err := strconv.Atoi(msg.Get("index")); err == nil {
			msg.Index = n
			msg.Client.Index = n
		}
	}

	return msg
}

func parseParams(query string, decode bool) []param {
	if query == "" {
		return nil
	}

	parts := strings.Split(query, "&")
	params := make([]param, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		if decode {
			key = unescape(key)
			value = unescape(value)
		}
		params = append(params, param{key: key, value: value})
	}
	return params
}

func unescape(s string) string {
	if v, err := url.PathUnescape(s); err == nil {
		return v
	}
	return s
}

// IsInert reports whether the message carries no routable name.
func (m *Message) IsInert() bool {
	return m.Name == ""
}

func (m *Message) lookup(key string) (string, bool) {
	for _, p := range m.params {
		if p.key == key {
			return p.value, true
		}
	}
	return "", false
}

// Has reports whether key was present in the query string.
func (m *Message) Has(key string) bool {
	_, ok := m.lookup(key)
	return ok
}

// Get returns the decoded argument for key, or "" if absent. The reserved
// key "value" returns Value verbatim.
func (m *Message) Get(key string) string {
	return m.GetDefault(key, "")
}

func (m *Message) GetDefault(key, fallback string) string {
	if key == "value" && m.Value != "" {
		return m.Value
	}

	v, ok := m.lookup(key)
	if !ok {
		return fallback
	}
	if m.decoded {
		return v
	}
	return unescape(v)
}

// Uint64 parses the argument for key as an unsigned integer.
func (m *Message) Uint64(key string) (uint64, bool) {
	v := m.Get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Int parses the argument for key, returning fallback when absent or
// malformed.
func (m *Message) Int(key string, fallback int) int {
	n, err := strconv.Atoi(m.Get(key))
	if err != nil {
		return fallback
	}
	return n
}

// Keys returns argument names in query order.
func (m *Message) Keys() []string {
	keys := make([]string, 0, len(m.params))
	for _, p := range m.params {
		keys = append(keys, p.key)
	}
	return keys
}

// Args returns the decoded arguments. Later duplicates win.
func (m *Message) Args() map[string]string {
	args := make(map[string]string, len(m.params))
	for _, p := range m.params {
		if m.decoded {
			args[p.key] = p.value
		} else {
			args[p.key] = unescape(p.value)
		}
	}
	return args
}

func (m *Message) String() string {
	return m.URI
}

// JSON describes the message for logs and debugging surfaces. The buffer
// is reported by size only.
func (m *Message) JSON() map[string]any {
	out := map[string]any{
		"name":  m.Name,
		"seq":   m.Seq,
		"index": m.Index,
		"value": m.Value,
		"args":  m.Args(),
	}
	if len(m.Buffer) > 0 {
		out["buffer"] = len(m.Buffer)
	}
	return out
}
