package lifecycle

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// ShutdownSignal is the process wide graceful shutdown flag. Once triggered
// no new work is admitted, while work already admitted runs to completion.
type ShutdownSignal struct {
	requested atomic.Bool
	once      sync.Once
	done      chan struct{}
	reason    atomic.Pointer[string]
}

func NewShutdownSignal() *ShutdownSignal {
	return &ShutdownSignal{
		done: make(chan struct{}),
	}
}

// Trigger requests a graceful shutdown. Only the first call has an effect;
// it returns true for that call.
func (s *ShutdownSignal) Trigger(reason string) bool {
	triggered := false
	s.once.Do(func() {
		s.reason.Store(&reason)
		s.requested.Store(true)
		close(s.done)
		triggered = true
		slog.Warn("Graceful shutdown requested", "reason", reason)
	})
	return triggered
}

func (s *ShutdownSignal) IsShuttingDown() bool {
	return s.requested.Load()
}

// Done is closed once Trigger has been called.
func (s *ShutdownSignal) Done() <-chan struct{} {
	return s.done
}

func (s *ShutdownSignal) Reason() string {
	reason := s.reason.Load()
	if reason == nil {
		return ""
	}
	return *reason
}
