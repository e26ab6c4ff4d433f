package ipc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/smallnest/chanx"
)

const (
	loopInitialCapacity = 64
	loopDrainTimeout    = 500 * time.Millisecond
)

// Loop is a single-goroutine execution context for async routes. Work is
// queued without bound so Dispatch never blocks the caller.
type Loop struct {
	log          logr.Logger
	queue        *chanx.UnboundedChan[func()]
	ctx          context.Context
	cancel       context.CancelFunc
	drainTimeout time.Duration
	pending      atomic.Int64
	stopped      atomic.Bool
	stopping     chan struct{}
	done         chan struct{}
	once         sync.Once
}

func NewLoop(ctx context.Context, log logr.Logger) *Loop {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	ctx, cancel := context.WithCancel(ctx)
	l := &Loop{
		log:    log.WithName("loop"),
		queue:  chanx.NewUnboundedChan[func()](ctx, loopInitialCapacity),
		ctx:          ctx,
		cancel:       cancel,
		drainTimeout: loopDrainTimeout,
		stopping:     make(chan struct{}),
		done:         make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.stopping:
			l.drain()
			return
		default:
		}

		select {
		case <-l.ctx.Done():
			return
		case <-l.stopping:
			l.drain()
			return
		case fn, ok := <-l.queue.Out:
			if !ok {
				return
			}
			l.exec(fn)
		}
	}
}

// drain runs the work queued before Stop until the queue is empty or the
// drain timeout passes.
func (l *Loop) drain() {
	deadline := time.Now().Add(l.drainTimeout)
	timer := time.NewTimer(l.drainTimeout)
	defer timer.Stop()

	for l.pending.Load() > 0 {
		if time.Now().After(deadline) {
			l.log.Info("dropping queued work on stop", "pending", l.pending.Load())
			return
		}
		select {
		case <-l.ctx.Done():
			return
		case <-timer.C:
			l.log.Info("dropping queued work on stop", "pending", l.pending.Load())
			return
		case fn, ok := <-l.queue.Out:
			if !ok {
				return
			}
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer l.pending.Add(-1)
	defer func() {
		if rec := recover(); rec != nil {
			l.log.Error(nil, "dispatched function panicked", "panic", rec)
		}
	}()
	fn()
}

// Dispatch queues fn. It returns false once the loop is stopped.
func (l *Loop) Dispatch(fn func()) bool {
	if fn == nil || l.stopped.Load() {
		return false
	}
	l.pending.Add(1)
	select {
	case <-l.ctx.Done():
		l.pending.Add(-1)
		return false
	case l.queue.In <- fn:
		return true
	}
}

// Stop rejects new work and waits for the loop to finish what is already
// queued, so pending replies still fire. Work still queued after the drain
// timeout is dropped. Cancelling the parent context skips the drain.
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.stopped.Store(true)
		close(l.stopping)
	})
	<-l.done
	l.cancel()
}

func (l *Loop) Len() int {
	return l.queue.Len()
}
