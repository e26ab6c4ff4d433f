package scheme

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"go-socket/ipc"
)

// Callbacks are hooks a scheme handler sets on its request.
type Callbacks struct {
	Cancel func()
	Finish func()
	Fail   func(reason string)
}

func (c *Callbacks) cancel() {
	if c != nil && c.Cancel != nil {
		c.Cancel()
	}
}

func (c *Callbacks) finish() {
	if c != nil && c.Finish != nil {
		c.Finish()
	}
}

func (c *Callbacks) fail(reason string) {
	if c != nil && c.Fail != nil {
		c.Fail(reason)
	}
}

// Client identifies the embedding context that issued a request.
type Client struct {
	ID uint64
}

// Request is an intercepted network-shaped request. Requests are created
// by Builder and are read-only after Build, except for Params and Origin
// which Finalize fills exactly once.
type Request struct {
	ID       uint64
	Scheme   string
	Method   string
	Hostname string
	Pathname string
	Query    string
	Fragment string
	Header   http.Header
	Body     []byte
	Client   Client
	Origin   string
	Params   map[string]string
	Err      error

	Callbacks Callbacks

	handlers  *Handlers
	platform  PlatformRequest
	finalized atomic.Bool
	cancelled atomic.Bool
	ctx       context.Context
	cancelCtx context.CancelFunc
}

// Finalize parses Query into Params and computes Origin. It reports false
// if the request was already finalized.
func (r *Request) Finalize() bool {
	if !r.finalized.CompareAndSwap(false, true) {
		return false
	}

	if v := r.Header.Get("runtime-client-id"); v != "" {
		if id, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64); err == nil {
			r.Client.ID = id
		}
	}

	r.Params = make(map[string]string)
	for _, entry := range strings.Split(r.Query, "&") {
		parts := strings.Split(entry, "=")
		if len(parts) != 2 {
			continue
		}
		key := decodeComponent(strings.TrimSpace(parts[0]))
		value := decodeComponent(strings.TrimSpace(parts[1]))
		r.Params[key] = value
	}

	r.Origin = r.Scheme + "://" + r.Hostname
	return true
}

func decodeComponent(s string) string {
	if v, err := url.PathUnescape(s); err == nil {
		return v
	}
	return s
}

func (r *Request) release() {
	if r.cancelCtx != nil {
		r.cancelCtx()
	}
}

func (r *Request) Finalized() bool {
	return r.finalized.Load()
}

// IsActive reports whether the request is in the active registry.
func (r *Request) IsActive() bool {
	return r.handlers != nil && r.handlers.IsRequestActive(r.ID)
}

// IsCancelled reports whether the platform stopped the request.
func (r *Request) IsCancelled() bool {
	return r.cancelled.Load()
}

// Context is canceled when the platform stops the request.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

func (r *Request) Handlers() *Handlers {
	return r.handlers
}

// Platform returns the platform request the request was built from, or nil.
func (r *Request) Platform() PlatformRequest {
	return r.platform
}

func (r *Request) HasHeader(name string) bool {
	_, ok := r.Header[http.CanonicalHeaderKey(name)]
	return ok
}

func (r *Request) GetHeader(name string) string {
	return r.Header.Get(name)
}

// URL reassembles the request URL. Requests without a hostname use the
// opaque `scheme:path` form.
func (r *Request) URL() string {
	var b strings.Builder
	b.WriteString(r.Scheme)
	if r.Hostname != "" {
		b.WriteString("://")
		b.WriteString(r.Hostname)
		b.WriteString(r.Pathname)
	} else {
		b.WriteString(":")
		b.WriteString(strings.TrimPrefix(r.Pathname, "/"))
	}
	if r.Query != "" {
		b.WriteString("?")
		b.WriteString(r.Query)
	}
	if r.Fragment != "" {
		b.WriteString("#")
		b.WriteString(r.Fragment)
	}
	return strings.TrimSpace(b.String())
}

func (r *Request) String() string {
	return r.URL()
}

// JSON returns the request description handed to scripts.
func (r *Request) JSON() map[string]any {
	return map[string]any{
		"scheme":   r.Scheme,
		"method":   r.Method,
		"hostname": r.Hostname,
		"pathname": r.Pathname,
		"query":    r.Query,
		"fragment": r.Fragment,
		"headers":  HeaderJSON(r.Header),
		"client":   map[string]any{"id": strconv.FormatUint(r.Client.ID, 10)},
	}
}

// HeaderJSON flattens h into lower-case names with comma-joined values.
func HeaderJSON(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}

// Builder copies a platform request into a Request before the platform
// object can be released.
type Builder struct {
	request *Request
	err     error
}

// NewBuilder starts a request for handlers. When platform is non-nil its
// URL, method, headers and body are copied immediately.
func NewBuilder(handlers *Handlers, platform PlatformRequest) *Builder {
	b := &Builder{
		request: &Request{
			ID:       ipc.Rand64(),
			Method:   http.MethodGet,
			Header:   http.Header{},
			handlers: handlers,
			platform: platform,
		},
	}

	if handlers != nil {
		b.request.Client.ID = handlers.ClientID()
	}

	if platform != nil {
		b.SetURL(platform.URL())
		b.SetMethod(platform.Method())
		b.SetHeaders(platform.Header())
		body, err := platform.Body()
		if err != nil {
			b.err = err
		} else {
			b.SetBody(body)
		}
	}
	return b
}

// SetURL derives scheme, hostname, pathname, query and fragment from an
// absolute URL.
func (b *Builder) SetURL(raw string) *Builder {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		b.err = err
		return b
	}

	r := b.request
	r.Scheme = u.Scheme
	r.Hostname = u.Host
	r.Query = u.RawQuery
	r.Fragment = u.Fragment
	switch {
	case u.Opaque != "":
		r.Pathname = "/" + u.Opaque
	case u.EscapedPath() != "":
		r.Pathname = u.EscapedPath()
	default:
		r.Pathname = "/"
	}
	return b
}

func (b *Builder) SetScheme(scheme string) *Builder {
	b.request.Scheme = scheme
	return b
}

func (b *Builder) SetMethod(method string) *Builder {
	if method != "" {
		b.request.Method = strings.ToUpper(method)
	}
	return b
}

func (b *Builder) SetHostname(hostname string) *Builder {
	b.request.Hostname = hostname
	return b
}

func (b *Builder) SetPathname(pathname string) *Builder {
	b.request.Pathname = pathname
	return b
}

func (b *Builder) SetQuery(query string) *Builder {
	b.request.Query = strings.TrimPrefix(query, "?")
	return b
}

func (b *Builder) SetFragment(fragment string) *Builder {
	b.request.Fragment = strings.TrimPrefix(fragment, "#")
	return b
}

func (b *Builder) SetHeader(name, value string) *Builder {
	b.request.Header.Set(name, value)
	return b
}

func (b *Builder) SetHeaders(h http.Header) *Builder {
	for k, v := range h {
		b.request.Header[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	return b
}

// SetBody copies body for methods that carry one. Call SetMethod first.
func (b *Builder) SetBody(body []byte) *Builder {
	switch b.request.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		if len(body) > 0 {
			b.request.Body = append([]byte(nil), body...)
		}
	}
	return b
}

func (b *Builder) SetClientID(id uint64) *Builder {
	b.request.Client.ID = id
	return b
}

func (b *Builder) SetCallbacks(c Callbacks) *Builder {
	b.request.Callbacks = c
	return b
}

// Build finalizes and returns the request. Any copy error is carried on
// Request.Err and answered with a 500 by HandleRequest.
func (b *Builder) Build() *Request {
	r := b.request
	r.Err = b.err
	ctx := context.Background()
	if b.request.handlers != nil {
		ctx = b.request.handlers.context()
	}
	r.ctx, r.cancelCtx = context.WithCancel(ctx)
	r.Finalize()
	return r
}
