package scheme

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

const redirectTemplate = `<meta http-equiv="refresh" content="0; url='{{url}}'" />`

// Response is the HTTP-shaped reply to one Request. The head is written at
// most once, before any body bytes. Every write fails once the response is
// finished or the request is no longer active.
type Response struct {
	Request    *Request
	StatusCode int
	Header     http.Header

	mu       sync.Mutex
	platform PlatformResponse
	headSent bool
	finished atomic.Bool
}

// NewResponse creates a response for req with the runtime's default
// headers applied.
func NewResponse(req *Request, status int) *Response {
	res := &Response{
		Request:    req,
		StatusCode: status,
		Header:     http.Header{},
	}
	if req.platform != nil {
		res.platform = req.platform.Response()
	}

	if req.handlers != nil && req.handlers.Debug() {
		res.Header.Set("cache-control", "no-cache")
	}

	res.Header.Set("connection", "keep-alive")
	res.Header.Set("access-control-allow-origin", "*")
	res.Header.Set("access-control-allow-methods", "*")
	res.Header.Set("access-control-allow-headers", "*")
	res.Header.Set("access-control-allow-credentials", "true")

	if req.Method == http.MethodOptions {
		res.Header.Set("allow", "GET, POST, PATCH, PUT, DELETE, HEAD")
	}

	if req.handlers != nil {
		for _, line := range strings.Split(req.handlers.Settings().Get("webview_headers"), "\n") {
			name, value, ok := strings.Cut(strings.TrimSpace(line), ":")
			if ok && strings.TrimSpace(name) != "" {
				res.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
			}
		}
	}
	return res
}

func (r *Response) SetHeader(name, value string) {
	r.mu.Lock()
	r.Header.Set(name, value)
	r.mu.Unlock()
}

func (r *Response) SetHeaders(h http.Header) {
	r.mu.Lock()
	for k, v := range h {
		r.Header[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	r.mu.Unlock()
}

func (r *Response) GetHeader(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Header.Get(name)
}

func (r *Response) HasHeader(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.Header[http.CanonicalHeaderKey(name)]
	return ok
}

func (r *Response) Finished() bool {
	return r.finished.Load()
}

func (r *Response) HeadersSent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headSent
}

func (r *Response) writable() bool {
	return !r.finished.Load() && r.Request.IsActive() && !r.Request.IsCancelled()
}

// WriteHead sends the status line and headers. Status codes outside
// 100-599 keep the current status.
func (r *Response) WriteHead(status int, h http.Header) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeHead(status, h)
}

func (r *Response) writeHead(status int, h http.Header) bool {
	if r.finished.Load() {
		return false
	}
	if !r.Request.IsActive() || r.Request.IsCancelled() {
		return false
	}
	if r.headSent || r.platform == nil {
		return false
	}

	if status >= 100 && status < 600 {
		r.StatusCode = status
	}
	for k, v := range h {
		r.Header[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}

	if err := r.platform.WriteHead(r.StatusCode, r.Header.Clone()); err != nil {
		return false
	}
	r.headSent = true
	return true
}

// Write sends body bytes, writing the head first if needed.
func (r *Response) Write(p []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.write(p)
}

func (r *Response) write(p []byte) bool {
	if !r.writable() {
		return false
	}

	if r.Header.Get("content-type") == "" {
		r.Header.Set("content-type", "application/octet-stream")
	}

	if !r.headSent && !r.writeHead(0, nil) {
		return false
	}

	if len(p) == 0 {
		return true
	}
	return r.platform.Write(p) == nil
}

// WriteString writes s. An empty string is a failed write.
func (r *Response) WriteString(s string) bool {
	if s == "" {
		return false
	}
	return r.Write([]byte(s))
}

// WriteJSON encodes v with an application/json content type.
func (r *Response) WriteJSON(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		return false
	}
	r.SetHeader("content-type", "application/json")
	return r.Write(b)
}

// WriteEvent writes one server-sent event frame.
func (r *Response) WriteEvent(ev Event) bool {
	if ev.Count() == 0 {
		return false
	}
	r.mu.Lock()
	if !r.headSent {
		r.Header.Set("content-type", "text/event-stream")
		r.Header.Set("cache-control", "no-cache")
	}
	r.mu.Unlock()
	return r.WriteString(ev.String())
}

// Send writes p as the whole body and finishes. The content-length is
// filled in when the head has not been sent yet.
func (r *Response) Send(p []byte) bool {
	r.mu.Lock()
	if !r.headSent && r.Header.Get("content-length") == "" {
		r.Header.Set("content-length", strconv.Itoa(len(p)))
	}
	ok := r.write(p)
	r.mu.Unlock()
	return ok && r.Finish()
}

func (r *Response) SendString(s string) bool {
	return r.Send([]byte(s))
}

func (r *Response) SendJSON(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		return false
	}
	r.SetHeader("content-type", "application/json")
	return r.Send(b)
}

// Finish completes the response, writing the head if nothing was written.
// It reports false on a second call.
func (r *Response) Finish() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.writable() {
		return false
	}
	if !r.headSent && !r.writeHead(0, nil) {
		return false
	}
	if err := r.platform.Finish(); err != nil {
		return false
	}
	return r.finished.CompareAndSwap(false, true)
}

// Fail aborts the response with reason.
func (r *Response) Fail(reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.writable() {
		return false
	}
	if reason == "" {
		reason = "Request failed for an unknown reason"
	}
	if r.platform != nil {
		_ = r.platform.Fail(r.StatusCode, reason)
	}
	r.Request.Callbacks.fail(reason)
	r.finished.Store(true)
	return true
}

// Redirect points the client at location. Paths starting with "/" or "."
// resolve against the request origin.
func (r *Response) Redirect(location string, status int) bool {
	if r.HeadersSent() {
		return false
	}
	if status == 0 {
		status = http.StatusMovedPermanently
	}

	switch {
	case strings.HasPrefix(location, "/"):
		r.SetHeader("location", r.Request.Origin+location)
	case strings.HasPrefix(location, "."):
		r.SetHeader("location", r.Request.Origin+location[1:])
	default:
		r.SetHeader("location", location)
	}

	withBody := r.Request.Method != http.MethodHead && r.Request.Method != http.MethodOptions
	if withBody {
		r.SetHeader("content-type", "text/html")
	}

	if !r.WriteHead(status, nil) {
		return false
	}

	if withBody {
		if !r.WriteString(strings.ReplaceAll(redirectTemplate, "{{url}}", location)) {
			return false
		}
	}
	return r.Finish()
}
