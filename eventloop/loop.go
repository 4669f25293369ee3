// Package eventloop runs closures in order on one dedicated goroutine.
//
// The overlay transport, the live-session set and every transport callback are
// owned by a single Loop: other goroutines never touch that state directly, they
// Post a closure instead. The same type doubles as a caller-side execution
// context, since it preserves submission order and Post never blocks.
//
//	caller goroutines ──Post(fn)──┐
//	transport reader  ──Post(fn)──┼──→ FIFO ──→ loop goroutine runs fn one at a time
//	timers            ──Post(fn)──┘
package eventloop

import (
	"errors"
	"sync"
)

// ErrStopped is returned by Do once the loop no longer accepts work.
var ErrStopped = errors.New("eventloop: stopped")

// Loop is an unbounded FIFO of closures drained by exactly one goroutine.
type Loop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	stopped bool
	done    chan struct{}
	onPanic func(any)
}

// Option configures a Loop.
type Option func(*Loop)

// WithPanicHandler installs a handler for panics raised by posted closures.
// Without one, a panicking closure crashes the process like any goroutine would.
func WithPanicHandler(fn func(any)) Option {
	return func(l *Loop) {
		l.onPanic = fn
	}
}

// New starts a loop goroutine.
func New(opts ...Option) *Loop {
	l := &Loop{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	for _, opt := range opts {
		opt(l)
	}
	go l.run()
	return l
}

// Post queues fn and returns immediately. It reports false when the loop is
// stopped and fn was dropped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.cond.Signal()
	return true
}

// Enqueue is Post under the name notify.Binding expects.
func (l *Loop) Enqueue(fn func()) bool {
	return l.Post(fn)
}

// Do runs fn on the loop and waits for it to return. It must not be called
// from the loop goroutine itself.
func (l *Loop) Do(fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		// Stop drains the queue before done closes, so fn has run or was dropped
		// by a panic handler; either way ran is settled.
		select {
		case <-ran:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Stop stops accepting new work. Already queued closures still run.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.cond.Signal()
	l.mu.Unlock()
}

// Wait blocks until the loop goroutine has exited.
func (l *Loop) Wait() {
	<-l.done
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Len returns the number of queued closures.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.tasks) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if len(l.tasks) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.call(fn)
		}
	}
}

func (l *Loop) call(fn func()) {
	if l.onPanic != nil {
		defer func() {
			if r := recover(); r != nil {
				l.onPanic(r)
			}
		}()
	}
	fn()
}
