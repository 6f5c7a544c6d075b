package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var ErrLoopClosed = errors.New("event loop closed")

// Loop is the single control goroutine. All pipeline and async context
// state is owned by functions running on it. Post is safe to call from any
// goroutine.
type Loop struct {
	mu       sync.Mutex
	queue    []func()
	closed   bool
	wakeup   chan struct{}
	holds    atomic.Int64
	draining atomic.Bool
	running  atomic.Bool
	stopped  chan struct{}
}

func New() *Loop {
	return &Loop{
		wakeup:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

func (l *Loop) notify() {
	select {
	case l.wakeup <- struct{}{}:
	default:
	}
}

// Post schedules fn to run on the loop exactly once. If the loop has been
// torn down fn is not scheduled and ErrLoopClosed is returned; the caller
// must then release whatever fn would have released itself.
func (l *Loop) Post(fn func()) error {
	if l == nil {
		return ErrLoopClosed
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.notify()
	return nil
}

// PostOrRun posts fn and runs fallback synchronously on the calling
// goroutine when the loop is gone.
func (l *Loop) PostOrRun(fn func(), fallback func()) {
	if err := l.Post(fn); err != nil {
		slog.Warn("Dropping completion, event loop is not available", "error", err)
		if fallback != nil {
			fallback()
		}
	}
}

// Hold registers admitted work that keeps the loop alive while draining.
// The returned function releases the hold and must be called exactly once.
func (l *Loop) Hold() (release func()) {
	l.holds.Add(1)
	released := atomic.Bool{}
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		if l.holds.Add(-1) == 0 && l.draining.Load() {
			l.notify()
		}
	}
}

// Holds returns the number of unreleased holds.
func (l *Loop) Holds() int64 {
	return l.holds.Load()
}

// Drain asks the loop to exit once all holds are released and the queue is
// empty. Posting keeps working until then.
func (l *Loop) Drain() {
	l.draining.Store(true)
	l.notify()
}

func (l *Loop) takeAll() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	tasks := l.queue
	l.queue = nil
	return tasks
}

func (l *Loop) shouldExit() bool {
	if !l.draining.Load() || l.holds.Load() > 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) > 0 {
		return false
	}
	l.closed = true
	return true
}

func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("Recovered panic on event loop: %v\n%s", r, debug.Stack()))
		}
	}()
	fn()
}

// Run executes posted functions until Drain was requested and all admitted
// work finished, or ctx is cancelled. After Run returns, Post fails.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("event loop already running")
	}
	defer close(l.stopped)
	for {
		for _, fn := range l.takeAll() {
			l.runTask(fn)
		}
		if l.shouldExit() {
			slog.Debug("Event loop drained")
			return nil
		}
		select {
		case <-l.wakeup:
		case <-ctx.Done():
			l.mu.Lock()
			l.closed = true
			dropped := len(l.queue)
			l.queue = nil
			l.mu.Unlock()
			if dropped > 0 {
				slog.Warn(fmt.Sprintf("Event loop cancelled with %d pending tasks", dropped))
			}
			return ctx.Err()
		}
	}
}

// Stopped is closed once Run returned.
func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}
