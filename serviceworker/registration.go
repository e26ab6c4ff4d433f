package serviceworker

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// ScriptType is the kind of script a registration loads.
type ScriptType int

const (
	ScriptClassic ScriptType = iota
	ScriptModule
)

func (t ScriptType) String() string {
	if t == ScriptModule {
		return "module"
	}
	return "classic"
}

// RegistrationOptions describe a worker script and the scope it claims.
// Scheme "*" matches requests of any scheme.
type RegistrationOptions struct {
	Type      ScriptType
	Scope     string
	ScriptURL string
	Scheme    string
	ID        uint64
}

// Registration is one scoped worker script and its lifecycle state.
type Registration struct {
	ID        uint64
	ScriptURL string
	Options   RegistrationOptions
	Storage   *Storage

	state atomic.Int32
}

func newRegistration(id uint64, opts RegistrationOptions, state State) *Registration {
	r := &Registration{
		ID:        id,
		ScriptURL: opts.ScriptURL,
		Options:   opts,
		Storage:   NewStorage(),
	}
	r.Options.ID = id
	r.state.Store(int32(state))
	return r
}

func (r *Registration) State() State {
	return State(r.state.Load())
}

// transition moves the registration to state when CanTransition allows it.
func (r *Registration) transition(to State) (State, error) {
	for {
		from := r.State()
		if !CanTransition(from, to) {
			return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		if r.state.CompareAndSwap(int32(from), int32(to)) {
			return from, nil
		}
	}
}

// reset forces the registration back to Registered.
func (r *Registration) reset() {
	r.state.Store(int32(StateRegistered))
}

func (r *Registration) IsActive() bool {
	s := r.State()
	return s == StateActivating || s == StateActivated
}

func (r *Registration) IsWaiting() bool {
	return r.State() == StateInstalled
}

func (r *Registration) IsInstalling() bool {
	return r.State() == StateInstalling
}

// matches reports whether the registration claims pathname for scheme.
func (r *Registration) matches(scheme, pathname string) bool {
	if r.Options.Scheme != "*" && r.Options.Scheme != scheme {
		return false
	}
	return strings.HasPrefix(pathname, r.Options.Scope)
}

// JSON returns the registration description handed to scripts.
func (r *Registration) JSON() map[string]any {
	return map[string]any{
		"id":        strconv.FormatUint(r.ID, 10),
		"scriptURL": r.ScriptURL,
		"scope":     r.Options.Scope,
		"state":     r.State().String(),
	}
}

// Storage is a registration's string key/value store.
type Storage struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewStorage() *Storage {
	return &Storage{data: make(map[string]string)}
}

func (s *Storage) Set(key, value string) {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
}

func (s *Storage) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *Storage) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	delete(s.data, key)
	return ok
}

func (s *Storage) Clear() {
	s.mu.Lock()
	clear(s.data)
	s.mu.Unlock()
}

func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// JSON returns a copy of the stored entries.
func (s *Storage) JSON() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.data)
}
