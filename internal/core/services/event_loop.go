package services

import (
	"context"
	"sync"
	"time"
)

// Scheduler serializes coordinator work onto a single goroutine.
type Scheduler interface {
	// Post queues fn to run on the loop.
	Post(fn func())
	// Spawn runs fn off the loop. fn must not touch loop-owned state.
	Spawn(fn func())
	// AfterFunc runs fn on the loop once d has elapsed. stop reports whether
	// the call prevented fn from being queued.
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}

// EventLoop is the production Scheduler. Post never blocks, so continuations
// may be posted from the loop itself or from library callbacks.
type EventLoop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

// NewEventLoop creates a loop. Nothing runs until Run is called.
func NewEventLoop() *EventLoop {
	return &EventLoop{
		wake: make(chan struct{}, 1),
	}
}

// Post queues fn to run on the loop goroutine.
func (l *EventLoop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *EventLoop) Spawn(fn func()) {
	go fn()
}

// AfterFunc posts fn after d. The returned func cancels it if it has not
// fired yet.
func (l *EventLoop) AfterFunc(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, func() { l.Post(fn) })
	return t.Stop
}

// Run executes posted work until ctx is done.
func (l *EventLoop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()

			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				fn()
			}
		}
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *EventLoop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		fn()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// opChain runs blocking operations one at a time, in enqueue order, off the
// loop. Each operation returns a continuation that is posted back to the loop
// before the next operation starts. All fields are owned by the loop.
type opChain struct {
	sched Scheduler
	queue []func() func()
	busy  bool
}

func newOpChain(sched Scheduler) *opChain {
	return &opChain{sched: sched}
}

func (c *opChain) enqueue(op func() func()) {
	c.queue = append(c.queue, op)
	if !c.busy {
		c.next()
	}
}

// reset drops queued operations. An operation already in flight still
// completes and its continuation still runs.
func (c *opChain) reset() {
	c.queue = nil
}

func (c *opChain) next() {
	if len(c.queue) == 0 {
		c.busy = false
		return
	}
	op := c.queue[0]
	c.queue = c.queue[1:]
	c.busy = true

	c.sched.Spawn(func() {
		then := op()
		c.sched.Post(func() {
			if then != nil {
				then()
			}
			c.next()
		})
	})
}
