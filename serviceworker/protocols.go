package serviceworker

import (
	"slices"
	"sync"
)

// Protocols maps custom protocol schemes to opaque handler data.
type Protocols struct {
	mu       sync.RWMutex
	handlers map[string]string
}

func NewProtocols() *Protocols {
	return &Protocols{handlers: make(map[string]string)}
}

// Register adds scheme. It reports false if scheme is empty or already
// registered.
func (p *Protocols) Register(scheme, data string) bool {
	scheme = normalizeScheme(scheme)
	if scheme == "" {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handlers[scheme]; ok {
		return false
	}
	p.handlers[scheme] = data
	return true
}

func (p *Protocols) Unregister(scheme string) bool {
	scheme = normalizeScheme(scheme)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handlers[scheme]; !ok {
		return false
	}
	delete(p.handlers, scheme)
	return true
}

func (p *Protocols) HasHandler(scheme string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.handlers[normalizeScheme(scheme)]
	return ok
}

func (p *Protocols) GetData(scheme string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	data, ok := p.handlers[normalizeScheme(scheme)]
	return data, ok
}

// SetData replaces the data of a registered scheme.
func (p *Protocols) SetData(scheme, data string) bool {
	scheme = normalizeScheme(scheme)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handlers[scheme]; !ok {
		return false
	}
	p.handlers[scheme] = data
	return true
}

// Schemes returns the registered schemes in lexical order.
func (p *Protocols) Schemes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.handlers))
	for scheme := range p.handlers {
		out = append(out, scheme)
	}
	slices.Sort(out)
	return out
}
