package scheme

import "sync"

// Registry tracks in-flight requests across every Handlers instance in the
// process. It is the only path by which a platform stop notification
// reaches a running request.
type Registry struct {
	mu       sync.Mutex
	requests map[uint64]*Request
	tasks    map[PlatformRequest]uint64
	declared map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		requests: make(map[uint64]*Request),
		tasks:    make(map[PlatformRequest]uint64),
		declared: make(map[string]struct{}),
	}
}

// Add stores req. It returns false if a request with the same id is
// already active.
func (r *Registry) Add(req *Request) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.requests[req.ID]; ok {
		return false
	}
	r.requests[req.ID] = req
	if req.platform != nil {
		r.tasks[req.platform] = req.ID
	}
	return true
}

func (r *Registry) Remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[id]
	if !ok {
		return false
	}
	delete(r.requests, id)
	if req.platform != nil {
		delete(r.tasks, req.platform)
	}
	return true
}

func (r *Registry) Get(id uint64) (*Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	return req, ok
}

func (r *Registry) Has(id uint64) bool {
	_, ok := r.Get(id)
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// Cancelled reports whether id is active and marked cancelled.
func (r *Registry) Cancelled(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	return ok && req.cancelled.Load()
}

// Cancel marks the request bound to task as cancelled and returns it.
func (r *Registry) Cancel(task PlatformRequest) (*Request, bool) {
	r.mu.Lock()
	id, ok := r.tasks[task]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	req := r.requests[id]
	if req == nil || !req.cancelled.CompareAndSwap(false, true) {
		r.mu.Unlock()
		return nil, false
	}
	r.mu.Unlock()

	req.release()
	return req, true
}

// declare records scheme as known to the platform. It returns true only
// the first time a scheme is seen.
func (r *Registry) declare(scheme string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.declared[scheme]; ok {
		return false
	}
	r.declared[scheme] = struct{}{}
	return true
}
