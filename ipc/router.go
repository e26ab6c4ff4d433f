package ipc

import (
	"strings"
	"sync"

	"github.com/go-logr/logr"
)

// Reply delivers a handler's result.
type Reply func(Result)

// Handler answers a routed message. It must call reply at most once.
type Handler func(msg *Message, router *Router, reply Reply)

// Listener observes a dispatch without taking part in the reply.
type Listener func(msg *Message)

// Bridge is the transport back to the surface.
type Bridge interface {
	// Active reports whether the owning runtime still accepts messages.
	Active() bool
	// Send delivers a serialized result for seq to the connection client,
	// with an optional post body. Client zero addresses every connection.
	Send(client uint64, seq, payload string, post *Post) bool
}

// Dispatcher runs work on the async execution context.
type Dispatcher interface {
	Dispatch(fn func()) bool
}

type route struct {
	async   bool
	handler Handler
}

type listenerEntry struct {
	token    uint64
	listener Listener
}

// Router maps message names to handlers. Lookups consult the preserved
// snapshot taken by Init before the live table.
type Router struct {
	log        logr.Logger
	bridge     Bridge
	dispatcher Dispatcher

	mu        sync.RWMutex
	table     map[string]route
	preserved map[string]route
	listeners map[string][]listenerEntry
}

func NewRouter(bridge Bridge, dispatcher Dispatcher, log logr.Logger) *Router {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Router{
		log:        log.WithName("ipc"),
		bridge:     bridge,
		dispatcher: dispatcher,
		table:      make(map[string]route),
		preserved:  make(map[string]route),
		listeners:  make(map[string][]listenerEntry),
	}
}

// Init installs the built-in routes and each mapper's routes, then
// snapshots the table so none of them can be shadowed later.
func (r *Router) Init(mappers ...func(*Router)) {
	MapRoutes(r)
	for _, m := range mappers {
		m(r)
	}

	r.mu.Lock()
	r.preserved = make(map[string]route, len(r.table))
	for name, rt := range r.table {
		r.preserved[name] = rt
	}
	r.mu.Unlock()
}

func (r *Router) Log() logr.Logger {
	return r.log
}

func (r *Router) Bridge() Bridge {
	return r.bridge
}

// Map adds or replaces name in the live table. A nil handler is ignored.
func (r *Router) Map(name string, async bool, handler Handler) {
	if handler == nil {
		return
	}
	r.mu.Lock()
	r.table[strings.ToLower(name)] = route{async: async, handler: handler}
	r.mu.Unlock()
}

// Unmap removes name from the live table. Preserved routes stay reachable.
func (r *Router) Unmap(name string) {
	r.mu.Lock()
	delete(r.table, strings.ToLower(name))
	r.mu.Unlock()
}

// Has reports whether name resolves to a handler.
func (r *Router) Has(name string) bool {
	_, ok := r.resolve(strings.ToLower(name))
	return ok
}

// Listen registers l for name, or for every dispatch when name is "*".
func (r *Router) Listen(name string, l Listener) uint64 {
	key := strings.ToLower(name)
	token := Rand64()

	r.mu.Lock()
	r.listeners[key] = append(r.listeners[key], listenerEntry{token: token, listener: l})
	r.mu.Unlock()
	return token
}

func (r *Router) Unlisten(name string, token uint64) bool {
	key := strings.ToLower(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.listeners[key]
	for i, e := range entries {
		if e.token == token {
			r.listeners[key] = append(entries[:i:i], entries[i+1:]...)
			if len(r.listeners[key]) == 0 {
				delete(r.listeners, key)
			}
			return true
		}
	}
	return false
}

func (r *Router) resolve(key string) (route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rt, ok := r.preserved[key]; ok {
		return rt, true
	}
	rt, ok := r.table[key]
	return rt, ok
}

func (r *Router) snapshotListeners(key string) []listenerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]listenerEntry, 0, len(r.listeners[key])+len(r.listeners["*"]))
	out = append(out, r.listeners[key]...)
	if key != "*" {
		out = append(out, r.listeners["*"]...)
	}
	return out
}

// InvokeURI parses uri with eager decoding and invokes it.
func (r *Router) InvokeURI(uri string, buffer []byte, callback Reply) bool {
	if r.bridge == nil || !r.bridge.Active() {
		return false
	}
	return r.Invoke(ParseMessage(uri, true), buffer, callback)
}

// Invoke dispatches msg to its handler. It returns false without side
// effects when the bridge is inactive or no route matches. A nil callback
// sends results straight to the bridge; results with seq "-1" always go to
// the bridge.
func (r *Router) Invoke(msg Message, buffer []byte, callback Reply) bool {
	if r.bridge == nil || !r.bridge.Active() {
		return false
	}

	key := strings.ToLower(msg.Name)
	rt, ok := r.resolve(key)
	if !ok || rt.handler == nil {
		return false
	}

	incoming := msg
	if len(buffer) > 0 {
		incoming.Buffer = buffer
	}

	if v := r.log.V(2); v.Enabled() {
		v.Info("invoke", "message", incoming.JSON())
	}

	for _, e := range r.snapshotListeners(key) {
		r.notify(e.listener, &incoming)
	}

	if callback == nil {
		callback = r.sendToBridge
	}

	reply := func(result Result) {
		if result.Seq == SeqNone {
			r.sendToBridge(result)
			return
		}
		callback(result)
	}

	if rt.async && r.dispatcher != nil {
		return r.dispatcher.Dispatch(func() {
			r.call(rt.handler, &incoming, reply)
		})
	}

	r.call(rt.handler, &incoming, reply)
	return true
}

func (r *Router) sendToBridge(result Result) {
	if !r.bridge.Send(result.Client, result.Seq, result.String(), result.Post) {
		r.log.V(1).Info("bridge dropped result", "source", result.Source, "seq", result.Seq, "client", result.Client)
	}
}

func (r *Router) notify(l Listener, msg *Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error(nil, "listener panicked", "name", msg.Name, "panic", rec)
		}
	}()
	l(msg)
}

func (r *Router) call(h Handler, msg *Message, reply Reply) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error(nil, "handler panicked", "name", msg.Name, "panic", rec)
		}
	}()
	h(msg, r, reply)
}
