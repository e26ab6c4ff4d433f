package scheme

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// MaxRequestBodyBytes bounds how much of a platform request body is copied.
const MaxRequestBodyBytes = 50 * 1024 * 1024

// ErrBodyTooLarge is returned by HTTPTask.Body for bodies over the limit.
var ErrBodyTooLarge = errors.New("scheme: request body too large")

var errTaskClosed = errors.New("scheme: task already closed")

// PlatformRequest is the platform-native intercepted request. Builder
// copies everything it needs out of it synchronously.
type PlatformRequest interface {
	URL() string
	Method() string
	Header() http.Header
	Body() ([]byte, error)
	// Response returns the platform sink for the reply.
	Response() PlatformResponse
}

// PlatformResponse is the platform sink for a Response.
type PlatformResponse interface {
	WriteHead(status int, header http.Header) error
	Write(p []byte) error
	Finish() error
	Fail(status int, reason string) error
}

// HTTPTask adapts a net/http exchange to the platform interfaces. The
// serving goroutine waits on Done until the response is finished or
// failed.
type HTTPTask struct {
	w       http.ResponseWriter
	r       *http.Request
	url     string
	flusher http.Flusher
	maxBody int64

	mu       sync.Mutex
	headSent bool
	closed   bool
	done     chan struct{}
}

// NewHTTPTask wraps w and r, presenting the request as scheme://host.
// An empty host keeps the request's own Host.
func NewHTTPTask(w http.ResponseWriter, r *http.Request, scheme, host string) *HTTPTask {
	if host == "" {
		host = r.Host
	}
	f, _ := w.(http.Flusher)
	return &HTTPTask{
		w:       w,
		r:       r,
		url:     scheme + "://" + host + r.URL.RequestURI(),
		flusher: f,
		maxBody: MaxRequestBodyBytes,
		done:    make(chan struct{}),
	}
}

func (t *HTTPTask) URL() string         { return t.url }
func (t *HTTPTask) Method() string      { return t.r.Method }
func (t *HTTPTask) Header() http.Header { return t.r.Header }

func (t *HTTPTask) Body() ([]byte, error) {
	if t.r.Body == nil {
		return nil, nil
	}
	defer t.r.Body.Close()

	if t.r.ContentLength > t.maxBody {
		return nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, t.r.ContentLength)
	}
	body, err := io.ReadAll(io.LimitReader(t.r.Body, t.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > t.maxBody {
		return nil, fmt.Errorf("%w: over %d bytes", ErrBodyTooLarge, t.maxBody)
	}
	return body, nil
}

func (t *HTTPTask) Response() PlatformResponse { return t }

// Done is closed when the response is finished or failed.
func (t *HTTPTask) Done() <-chan struct{} { return t.done }

func (t *HTTPTask) WriteHead(status int, header http.Header) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTaskClosed
	}

	for k, v := range header {
		t.w.Header()[k] = v
	}
	t.w.WriteHeader(status)
	t.headSent = true
	return nil
}

func (t *HTTPTask) Write(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTaskClosed
	}

	if _, err := t.w.Write(p); err != nil {
		return err
	}
	if t.flusher != nil {
		t.flusher.Flush()
	}
	return nil
}

func (t *HTTPTask) Finish() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTaskClosed
	}
	t.closed = true
	close(t.done)
	return nil
}

func (t *HTTPTask) Fail(status int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTaskClosed
	}

	if !t.headSent {
		if status < 400 {
			status = http.StatusBadGateway
		}
		http.Error(t.w, reason, status)
	}
	t.closed = true
	close(t.done)
	return nil
}

// Recorder is an in-memory platform request and response.
type Recorder struct {
	method string
	url    string
	header http.Header
	body   []byte

	mu       sync.Mutex
	status   int
	resHead  http.Header
	buf      bytes.Buffer
	writes   int
	finished bool
	failure  string
	done     chan struct{}
}

func NewRecorder(method, url string, header http.Header, body []byte) *Recorder {
	if header == nil {
		header = http.Header{}
	}
	return &Recorder{
		method: method,
		url:    url,
		header: header,
		body:   body,
		done:   make(chan struct{}),
	}
}

func (r *Recorder) URL() string                { return r.url }
func (r *Recorder) Method() string             { return r.method }
func (r *Recorder) Header() http.Header        { return r.header }
func (r *Recorder) Body() ([]byte, error)      { return r.body, nil }
func (r *Recorder) Response() PlatformResponse { return r }
func (r *Recorder) Done() <-chan struct{}      { return r.done }

func (r *Recorder) WriteHead(status int, header http.Header) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return errTaskClosed
	}
	r.status = status
	r.resHead = header
	return nil
}

func (r *Recorder) Write(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return errTaskClosed
	}
	r.writes++
	r.buf.Write(p)
	return nil
}

func (r *Recorder) Finish() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return errTaskClosed
	}
	r.finished = true
	close(r.done)
	return nil
}

func (r *Recorder) Fail(status int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return errTaskClosed
	}
	if r.status == 0 {
		r.status = status
	}
	r.failure = reason
	r.finished = true
	close(r.done)
	return nil
}

func (r *Recorder) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Recorder) ResponseHeader() http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resHead.Clone()
}

func (r *Recorder) BodyBytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.buf.Bytes()...)
}

func (r *Recorder) Writes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

func (r *Recorder) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

func (r *Recorder) Failure() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}
