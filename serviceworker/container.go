package serviceworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"go-socket/config"
	"go-socket/ipc"
)

const (
	DefaultPollInterval = 8 * time.Millisecond
	DefaultFetchTimeout = 32 * time.Second

	// FetchModeHeader set to "ignore" keeps a request away from workers.
	FetchModeHeader = "runtime-serviceworker-fetch-mode"
	// WorkerTypeHeader marks requests issued by a worker script itself.
	WorkerTypeHeader = "runtime-worker-type"
)

var errFetchPending = errors.New("serviceworker: registration not active yet")

// Bridge delivers container events to the surface hosting worker scripts.
type Bridge interface {
	Emit(event, payload string) bool
}

// Client identifies the context a fetch originated from.
type Client struct {
	ID    uint64
	Index int
}

// FetchRequest is the worker-facing copy of an intercepted request.
type FetchRequest struct {
	Method   string
	Scheme   string
	Hostname string
	Pathname string
	Query    string
	Header   http.Header
	Body     []byte
	Client   Client
}

func (r FetchRequest) String() string {
	s := r.Scheme + "://" + r.Hostname + r.Pathname
	if r.Query != "" {
		s += "?" + r.Query
	}
	return s
}

// StatusAbandoned is the StatusCode of a FetchResponse for a fetch no
// worker will answer: its deferral was dropped or it could not be
// dispatched after activation.
const StatusAbandoned = 0

// FetchResponse is a worker's answer to a FetchRequest.
type FetchResponse struct {
	ID         uint64
	StatusCode int
	Header     http.Header
	Body       []byte
	Client     Client
}

type FetchCallback func(FetchResponse)

type Options struct {
	// PollInterval is how often a deferred fetch rechecks its registration.
	PollInterval time.Duration
	// FetchTimeout bounds how long a deferred fetch waits for activation.
	FetchTimeout time.Duration
	// Preload is the markup injected into HTML worker responses.
	Preload string
}

type pendingFetch struct {
	request  FetchRequest
	callback FetchCallback
}

// Container tracks scoped worker registrations and routes fetches to them.
type Container struct {
	log       logr.Logger
	opts      Options
	protocols *Protocols

	ready atomic.Bool

	mu             sync.Mutex
	bridge         Bridge
	dispatcher     ipc.Dispatcher
	settings       config.Settings
	registrations  map[string]*Registration
	fetchRequests  map[uint64]FetchRequest
	fetchCallbacks map[uint64]FetchCallback
	workers        map[string]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewContainer(opts Options, log logr.Logger) *Container {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Preload == "" {
		opts.Preload = DefaultPreload
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Container{
		log:            log.WithName("serviceworker"),
		opts:           opts,
		protocols:      NewProtocols(),
		settings:       config.Settings{},
		registrations:  make(map[string]*Registration),
		fetchRequests:  make(map[uint64]FetchRequest),
		fetchCallbacks: make(map[uint64]FetchCallback),
		workers:        make(map[string]string),
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (c *Container) Protocols() *Protocols {
	return c.protocols
}

func (c *Container) Ready() bool {
	return c.ready.Load()
}

// Init binds the container to a bridge and seeds registrations and
// protocol handlers from settings.
func (c *Container) Init(settings config.Settings, bridge Bridge, dispatcher ipc.Dispatcher) {
	c.Reset()

	c.mu.Lock()
	c.bridge = bridge
	c.dispatcher = dispatcher
	c.settings = settings.Clone()
	bundle := c.settings.Get("meta_bundle_identifier")

	for _, value := range c.settings.Fields("webview_service-workers") {
		scope := normalizeScope(dirname(value))
		c.seed(scope, scriptURLFor(bundle, value), "*")
	}

	for _, entry := range c.settings.WithPrefix("webview_service-workers_") {
		scope := normalizeScope(strings.TrimPrefix(entry.Key, "webview_service-workers_"))
		c.seed(scope, scriptURLFor(bundle, strings.TrimSpace(entry.Value)), "*")
	}

	for _, name := range c.settings.Fields("webview_protocol-handlers") {
		c.protocols.Register(name, "")
	}

	for _, entry := range c.settings.WithPrefix("webview_protocol-handlers_") {
		name := normalizeScheme(strings.TrimPrefix(entry.Key, "webview_protocol-handlers_"))
		value := strings.TrimSpace(entry.Value)
		if !c.protocols.Register(name, value) {
			c.protocols.SetData(name, value)
		}

		if strings.HasPrefix(value, ".") || strings.HasPrefix(value, "/") {
			value = strings.TrimPrefix(value, ".")
			c.seed(normalizeScope(dirname(value)), scriptURLFor(bundle, value), name)
		}
	}
	count := len(c.registrations)
	c.mu.Unlock()

	c.ready.Store(true)
	c.log.V(1).Info("container ready", "registrations", count, "schemes", c.protocols.Schemes())
}

// seed inserts a static registration. Callers hold c.mu.
func (c *Container) seed(scope, scriptURL, scheme string) {
	id := ipc.Rand64()
	c.registrations[scope] = newRegistration(id, RegistrationOptions{
		Type:      ScriptModule,
		Scope:     scope,
		ScriptURL: scriptURL,
		Scheme:    scheme,
	}, StateRegistered)
}

// Reset moves every registration back to Registered and announces each
// one again.
func (c *Container) Reset() {
	c.mu.Lock()
	regs := c.sortedRegistrations()
	for _, r := range regs {
		r.reset()
	}
	c.mu.Unlock()

	for _, r := range regs {
		c.emit("serviceWorker.register", r.JSON())
	}
}

// Close abandons deferred fetches and waits for their goroutines.
func (c *Container) Close() {
	c.ready.Store(false)
	c.cancel()
	c.wg.Wait()
}

// RegisterServiceWorker returns the registration for the options' scope,
// creating it in the Registered state if needed. An empty scope is derived
// from the script URL's directory.
func (c *Container) RegisterServiceWorker(opts RegistrationOptions) *Registration {
	c.mu.Lock()
	bundle := c.settings.Get("meta_bundle_identifier")
	scope := opts.Scope
	scriptURL := opts.ScriptURL

	if scope == "" {
		tmp := strings.TrimSpace(opts.ScriptURL)
		tmp = strings.ReplaceAll(tmp, "https://", "")
		tmp = strings.ReplaceAll(tmp, "socket://", "")
		if bundle != "" {
			tmp = strings.ReplaceAll(tmp, bundle, "")
		}
		scope = dirname(tmp)
		scriptURL = scriptURLFor(bundle, tmp)
	}
	scope = normalizeScope(scope)

	if existing, ok := c.registrations[scope]; ok {
		c.mu.Unlock()
		c.emit("serviceWorker.register", existing.JSON())
		return existing
	}

	id := opts.ID
	if id == 0 {
		id = ipc.Rand64()
	}
	scheme := opts.Scheme
	if scheme == "" {
		scheme = "*"
	}

	reg := newRegistration(id, RegistrationOptions{
		Type:      opts.Type,
		Scope:     scope,
		ScriptURL: scriptURL,
		Scheme:    scheme,
	}, StateRegistered)
	c.registrations[scope] = reg
	dispatcher := c.dispatcher
	c.mu.Unlock()

	c.log.Info("registered service worker", "id", id, "scope", scope, "scriptURL", scriptURL)

	announce := func() { c.emit("serviceWorker.register", reg.JSON()) }
	if dispatcher == nil || !dispatcher.Dispatch(announce) {
		go announce()
	}
	return reg
}

// UnregisterServiceWorker removes the registration for a scope, or every
// registration loaded from the given script URL.
func (c *Container) UnregisterServiceWorker(scopeOrScriptURL string) bool {
	c.mu.Lock()
	var removed []*Registration
	scope := normalizeScope(scopeOrScriptURL)
	if reg, ok := c.registrations[scope]; ok {
		delete(c.registrations, scope)
		removed = append(removed, reg)
	} else {
		for key, reg := range c.registrations {
			if reg.ScriptURL == scopeOrScriptURL {
				delete(c.registrations, key)
				removed = append(removed, reg)
			}
		}
	}
	c.mu.Unlock()

	for _, reg := range removed {
		c.log.Info("unregistered service worker", "id", reg.ID, "scope", reg.Options.Scope)
		c.emit("serviceWorker.unregister", reg.JSON())
	}
	return len(removed) > 0
}

func (c *Container) UnregisterServiceWorkerByID(id uint64) bool {
	reg, ok := c.RegistrationByID(id)
	if !ok {
		return false
	}
	return c.UnregisterServiceWorker(reg.Options.Scope)
}

// SkipWaiting activates an installing or installed registration early.
func (c *Container) SkipWaiting(id uint64) error {
	reg, ok := c.RegistrationByID(id)
	if !ok {
		return fmt.Errorf("skip waiting %d: %w", id, ErrNotFound)
	}

	for {
		from := reg.State()
		if from != StateInstalling && from != StateInstalled {
			return fmt.Errorf("skip waiting from %s: %w", from, ErrInvalidState)
		}
		if reg.state.CompareAndSwap(int32(from), int32(StateActivating)) {
			break
		}
	}

	c.emit("serviceWorker.skipWaiting", reg.JSON())
	return nil
}

// UpdateState applies a state reported by a worker script.
func (c *Container) UpdateState(id uint64, state string) error {
	to, err := ParseState(state)
	if err != nil {
		return err
	}

	reg, ok := c.RegistrationByID(id)
	if !ok {
		return fmt.Errorf("update state %d: %w", id, ErrNotFound)
	}

	from, err := reg.transition(to)
	if err != nil {
		return err
	}

	c.log.V(1).Info("service worker state", "id", id, "scope", reg.Options.Scope, "from", from, "to", to)
	c.emit("serviceWorker.updateState", reg.JSON())
	return nil
}

// Registration returns the registration keyed by scope.
func (c *Container) Registration(scope string) (*Registration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.registrations[normalizeScope(scope)]
	return reg, ok
}

func (c *Container) RegistrationByID(id uint64) (*Registration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, reg := range c.registrations {
		if reg.ID == id {
			return reg, true
		}
	}
	return nil, false
}

// Registrations returns every registration ordered by scope.
func (c *Container) Registrations() []*Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedRegistrations()
}

// MatchScope returns the registration with the longest scope claiming
// pathname for scheme.
func (c *Container) MatchScope(scheme, pathname string) (*Registration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.match(scheme, pathname)
}

// ProtocolRegistration returns the registration serving a protocol scheme.
func (c *Container) ProtocolRegistration(scheme string) (*Registration, bool) {
	scheme = normalizeScheme(scheme)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, reg := range c.sortedRegistrations() {
		if reg.Options.Scheme == scheme {
			return reg, true
		}
	}
	return nil, false
}

// SetWorkerScript records the script URL behind a worker URL.
func (c *Container) SetWorkerScript(workerURL, scriptURL string) {
	c.mu.Lock()
	c.workers[workerURL] = scriptURL
	c.mu.Unlock()
}

func (c *Container) WorkerScript(workerURL string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.workers[workerURL]
	return s, ok
}

// sortedRegistrations returns registrations in lexical scope order.
// Callers hold c.mu.
func (c *Container) sortedRegistrations() []*Registration {
	scopes := make([]string, 0, len(c.registrations))
	for scope := range c.registrations {
		scopes = append(scopes, scope)
	}
	slices.Sort(scopes)

	out := make([]*Registration, 0, len(scopes))
	for _, scope := range scopes {
		out = append(out, c.registrations[scope])
	}
	return out
}

// match picks the longest matching scope. Callers hold c.mu.
func (c *Container) match(scheme, pathname string) (*Registration, bool) {
	var best *Registration
	for _, reg := range c.sortedRegistrations() {
		if !reg.matches(scheme, pathname) {
			continue
		}
		if best == nil || len(reg.Options.Scope) > len(best.Options.Scope) {
			best = reg
		}
	}
	return best, best != nil
}

// Fetch forwards req to the worker whose scope claims it. It reports false
// when no worker takes the request. A fetch for a registration that is
// still registering is deferred until it activates, the container closes
// or the fetch timeout passes. Once Fetch reports true the callback runs
// exactly once: with 504 on timeout and StatusAbandoned when the deferral
// is dropped.
func (c *Container) Fetch(ctx context.Context, req FetchRequest, cb FetchCallback) bool {
	if cb == nil || !c.ready.Load() {
		return false
	}
	if req.Header.Get(FetchModeHeader) == "ignore" {
		return false
	}
	if req.Header.Get(WorkerTypeHeader) == "serviceworker" {
		return false
	}

	c.mu.Lock()
	reg, ok := c.match(req.Scheme, req.Pathname)
	if !ok || c.bridge == nil {
		c.mu.Unlock()
		return false
	}

	state := reg.State()
	if !reg.IsActive() && (state == StateRegistering || state == StateRegistered) {
		c.mu.Unlock()
		c.deferFetch(ctx, reg.Options.Scope, req, cb)
		return true
	}

	id := ipc.Rand64()
	pathname := req.Pathname
	if c.protocols.HasHandler(req.Scheme) {
		pathname = strings.Replace(pathname, reg.Options.Scope, "", 1)
	}

	payload := reg.JSON()
	payload["fetch"] = map[string]any{
		"id":       strconv.FormatUint(id, 10),
		"method":   req.Method,
		"host":     req.Hostname,
		"scheme":   req.Scheme,
		"pathname": pathname,
		"query":    req.Query,
		"headers":  headerJSON(req.Header),
		"client":   map[string]any{"id": strconv.FormatUint(req.Client.ID, 10)},
	}

	c.fetchRequests[id] = req
	c.fetchCallbacks[id] = cb
	c.mu.Unlock()

	if !c.emit("serviceWorker.fetch", payload) {
		c.take(id)
		return false
	}
	return true
}

// deferFetch retries a fetch once the registration for scope activates.
// The registration is looked up again on every attempt.
func (c *Container) deferFetch(ctx context.Context, scope string, req FetchRequest, cb FetchCallback) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.log.V(1).Info("deferring fetch", "scope", scope, "url", req.String())

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		waitCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
		defer cancel()
		stop := context.AfterFunc(c.ctx, cancel)
		defer stop()

		attempt := func() error {
			reg, ok := c.Registration(scope)
			if !ok {
				return backoff.Permanent(fmt.Errorf("scope %q: %w", scope, ErrNotFound))
			}
			if reg.State() != StateActivated {
				return errFetchPending
			}
			return nil
		}

		abandon := func(status int) {
			cb(FetchResponse{StatusCode: status, Header: http.Header{}, Client: req.Client})
		}

		policy := backoff.WithContext(backoff.NewConstantBackOff(c.opts.PollInterval), waitCtx)
		if err := backoff.Retry(attempt, policy); err != nil {
			c.log.Info("deferred fetch abandoned", "scope", scope, "url", req.String(), "reason", err.Error())
			if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
				abandon(http.StatusGatewayTimeout)
				return
			}
			abandon(StatusAbandoned)
			return
		}

		if !c.Fetch(ctx, req, cb) {
			c.log.Info("failed to dispatch deferred fetch", "method", req.Method, "url", req.String(), "client", req.Client.ID)
			abandon(StatusAbandoned)
		}
	}()
}

// PendingFetch returns the request of an in-flight fetch.
func (c *Container) PendingFetch(id uint64) (FetchRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.fetchRequests[id]
	return req, ok
}

// PendingFetches returns the number of in-flight fetches.
func (c *Container) PendingFetches() (requests, callbacks int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fetchRequests), len(c.fetchCallbacks)
}

// take removes both entries for id together.
func (c *Container) take(id uint64) (pendingFetch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, okReq := c.fetchRequests[id]
	cb, okCb := c.fetchCallbacks[id]
	delete(c.fetchRequests, id)
	delete(c.fetchCallbacks, id)
	if !okReq || !okCb {
		return pendingFetch{}, false
	}
	return pendingFetch{request: req, callback: cb}, true
}

// Respond completes the fetch res.ID. HTML bodies get the preload
// injected unless injection is "disabled"; "always" forces it.
func (c *Container) Respond(res FetchResponse, injection string) error {
	pending, ok := c.take(res.ID)
	if !ok {
		return fmt.Errorf("fetch %d: %w", res.ID, ErrNotFound)
	}

	if res.Header == nil {
		res.Header = http.Header{}
	}
	res.Body = c.Inject(pending.request.Pathname, res.Header, res.Body, injection)

	pending.callback(res)
	return nil
}

// Inject applies the preload to an HTML body served for pathname and
// keeps a content-length header in step. An empty injection falls back
// to the header's runtime-preload-injection value.
func (c *Container) Inject(pathname string, header http.Header, body []byte, injection string) []byte {
	if injection == "" {
		injection = header.Get(PreloadInjectionHeader)
	}
	if !shouldInject(pathname, header, body, injection) {
		return body
	}

	body = InjectPreload(body, c.opts.Preload, c.protocols.Schemes())
	if header.Get("content-length") != "" {
		header.Set("content-length", strconv.Itoa(len(body)))
	}
	return body
}

func (c *Container) emit(event string, payload any) bool {
	c.mu.Lock()
	bridge := c.bridge
	c.mu.Unlock()
	if bridge == nil {
		return false
	}

	b, err := json.Marshal(payload)
	if err != nil {
		c.log.Error(err, "failed to encode event", "event", event)
		return false
	}
	return bridge.Emit(event, string(b))
}

func normalizeScope(scope string) string {
	s := strings.TrimSpace(scope)
	if s == "" {
		return "/"
	}
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	if len(s) > 1 && strings.HasSuffix(s, "/") {
		s = s[:len(s)-1]
	}
	return s
}

func normalizeScheme(scheme string) string {
	return strings.ReplaceAll(strings.TrimSpace(scheme), ":", "")
}

// dirname drops the last path segment of value.
func dirname(value string) string {
	i := strings.LastIndex(value, "/")
	if i < 0 {
		return ""
	}
	return value[:i]
}

func scriptURLFor(bundle, value string) string {
	u := "socket://" + bundle
	if !strings.HasPrefix(value, "/") {
		u += "/"
	}
	return u + value
}

func headerJSON(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}

// parseHeaderLines reads "name: value" lines.
func parseHeaderLines(s string) http.Header {
	h := http.Header{}
	for _, line := range strings.Split(s, "\n") {
		name, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok || strings.TrimSpace(name) == "" {
			continue
		}
		h.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return h
}
