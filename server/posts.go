package server

import (
	"sync"
	"time"

	"go-socket/ipc"
)

// DefaultPostTTL is how long a queued post waits to be collected.
const DefaultPostTTL = 32 * time.Second

type queuedPost struct {
	post    *ipc.Post
	created time.Time
}

// Posts holds result bodies that travel out of band until the surface
// collects them.
type Posts struct {
	mu    sync.Mutex
	items map[uint64]queuedPost
	now   func() time.Time
}

func NewPosts() *Posts {
	return &Posts{
		items: make(map[uint64]queuedPost),
		now:   time.Now,
	}
}

// Add queues post and returns its id, assigning one when post.ID is zero.
func (p *Posts) Add(post *ipc.Post) uint64 {
	if post.ID == 0 {
		post.ID = ipc.Rand64()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[post.ID] = queuedPost{post: post, created: p.now()}
	return post.ID
}

// Take removes and returns the post queued under id.
func (p *Posts) Take(id uint64) (*ipc.Post, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.items[id]
	if !ok {
		return nil, false
	}
	delete(p.items, id)
	return q.post, true
}

func (p *Posts) Has(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.items[id]
	return ok
}

func (p *Posts) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Expire drops posts older than ttl and returns how many were dropped.
func (p *Posts) Expire(ttl time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-ttl)
	n := 0
	for id, q := range p.items {
		if q.created.Before(cutoff) {
			delete(p.items, id)
			n++
		}
	}
	return n
}
