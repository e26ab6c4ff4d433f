package scheme

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"go-socket/config"
	"go-socket/ipc"
)

var (
	ErrEmptyScheme      = errors.New("scheme: empty scheme")
	ErrSchemeRegistered = errors.New("scheme: handler already registered")
)

// Handler answers one request. It must call done exactly once with the
// response it wrote; HandleRequest finishes the response if the handler
// did not.
type Handler func(req *Request, callbacks *Callbacks, done func(*Response))

// Platform declares custom schemes to the rendering engine. Declaration
// happens once per scheme per process.
type Platform interface {
	DeclareScheme(scheme string) error
}

// Configuration binds a handler set to one embedding context.
type Configuration struct {
	Settings   config.Settings
	Debug      bool
	ClientID   uint64
	Platform   Platform
	Dispatcher ipc.Dispatcher
	Context    context.Context
}

type goDispatcher struct{}

func (goDispatcher) Dispatch(fn func()) bool {
	go fn()
	return true
}

// Handlers is the per-context scheme handler table. Active requests are
// tracked in the shared Registry.
type Handlers struct {
	log      logr.Logger
	registry *Registry

	mu       sync.RWMutex
	handlers map[string]Handler
	cfg      Configuration
}

func NewHandlers(registry *Registry, log logr.Logger) *Handlers {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Handlers{
		log:      log.WithName("scheme"),
		registry: registry,
		handlers: make(map[string]Handler),
		cfg:      Configuration{Settings: config.Settings{}},
	}
}

func (h *Handlers) Configure(cfg Configuration) {
	if cfg.Settings == nil {
		cfg.Settings = config.Settings{}
	}
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
}

func (h *Handlers) config() Configuration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

func (h *Handlers) Settings() config.Settings {
	return h.config().Settings
}

func (h *Handlers) Debug() bool {
	return h.config().Debug
}

// ClientID is stamped on requests that carry no runtime-client-id header.
func (h *Handlers) ClientID() uint64 {
	return h.config().ClientID
}

func (h *Handlers) Registry() *Registry {
	return h.registry
}

func (h *Handlers) context() context.Context {
	if ctx := h.config().Context; ctx != nil {
		return ctx
	}
	return context.Background()
}

func (h *Handlers) dispatcher() ipc.Dispatcher {
	if d := h.config().Dispatcher; d != nil {
		return d
	}
	return goDispatcher{}
}

// RegisterSchemeHandler binds handler to scheme.
func (h *Handlers) RegisterSchemeHandler(scheme string, handler Handler) error {
	scheme = strings.TrimSpace(scheme)
	if scheme == "" {
		return ErrEmptyScheme
	}
	if handler == nil {
		return fmt.Errorf("scheme %q: nil handler", scheme)
	}

	h.mu.Lock()
	if _, ok := h.handlers[scheme]; ok {
		h.mu.Unlock()
		return fmt.Errorf("scheme %q: %w", scheme, ErrSchemeRegistered)
	}
	h.handlers[scheme] = handler
	platform := h.cfg.Platform
	h.mu.Unlock()

	if h.registry.declare(scheme) && platform != nil {
		if err := platform.DeclareScheme(scheme); err != nil {
			h.log.Error(err, "failed to declare scheme", "scheme", scheme)
		}
	}
	return nil
}

func (h *Handlers) HasHandlerForScheme(scheme string) bool {
	_, ok := h.handlerFor(scheme)
	return ok
}

func (h *Handlers) handlerFor(scheme string) (Handler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handler, ok := h.handlers[scheme]
	return handler, ok
}

// Schemes returns the registered schemes in sorted order.
func (h *Handlers) Schemes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.handlers))
	for s := range h.handlers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (h *Handlers) IsRequestActive(id uint64) bool {
	return h.registry.Has(id)
}

func (h *Handlers) IsRequestCancelled(id uint64) bool {
	return id > 0 && h.registry.Cancelled(id)
}

// HandleRequest routes req to its scheme handler. It returns false when
// req was not built by a Builder or is already in flight. Otherwise
// callback runs exactly once, after the response is finished.
func (h *Handlers) HandleRequest(req *Request, callback func(*Response)) bool {
	if req == nil || !req.Finalized() {
		return false
	}

	if h.IsRequestActive(req.ID) {
		return false
	}

	handler, ok := h.handlerFor(req.Scheme)
	if !ok {
		h.respondNotFound(req, callback)
		return true
	}

	if !h.registry.Add(req) {
		return false
	}

	if req.Err != nil {
		status := http.StatusInternalServerError
		if errors.Is(req.Err, ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		res := NewResponse(req, status)
		res.Fail(req.Err.Error())
		h.registry.Remove(req.ID)
		req.release()
		if callback != nil {
			callback(res)
		}
		return true
	}

	var once sync.Once
	complete := func(res *Response) {
		once.Do(func() {
			res.Finish()
			req.Callbacks.finish()
			if callback != nil {
				callback(res)
			}
			h.registry.Remove(req.ID)
			req.release()
		})
	}

	id := req.ID
	dispatched := h.dispatcher().Dispatch(func() {
		current, ok := h.registry.Get(id)
		if !ok || current.IsCancelled() {
			complete(NewResponse(req, http.StatusServiceUnavailable))
			return
		}
		h.invoke(handler, current, complete)
	})

	if !dispatched {
		h.registry.Remove(id)
		req.release()
		return false
	}
	return true
}

func (h *Handlers) invoke(handler Handler, req *Request, complete func(*Response)) {
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error(nil, "scheme handler panicked", "scheme", req.Scheme, "url", req.URL(), "panic", rec)
			res := NewResponse(req, http.StatusInternalServerError)
			res.Fail(fmt.Sprint(rec))
			complete(res)
		}
	}()
	handler(req, &req.Callbacks, complete)
}

// respondNotFound answers a request for an unknown scheme with a finished
// 404.
func (h *Handlers) respondNotFound(req *Request, callback func(*Response)) {
	added := h.registry.Add(req)
	res := NewResponse(req, http.StatusNotFound)
	res.Finish()
	if added {
		h.registry.Remove(req.ID)
	}
	req.release()

	req.Callbacks.finish()
	if callback != nil {
		callback(res)
	}
}

// StopTask cancels the in-flight request bound to task.
func (h *Handlers) StopTask(task PlatformRequest) bool {
	req, ok := h.registry.Cancel(task)
	if !ok {
		return false
	}
	h.log.V(1).Info("request cancelled", "id", req.ID, "url", req.URL())
	req.Callbacks.cancel()
	return true
}
