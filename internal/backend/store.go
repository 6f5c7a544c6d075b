package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jdillenkofer/strato/internal/lifecycle"
	"github.com/jdillenkofer/strato/internal/task"
)

// Handle refers to a launched op.
type Handle struct {
	op     *Op
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel asks the executor to abandon the op. The completion still fires.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed after the completion callback returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

type job struct {
	handle     *Handle
	completion Completion
}

// Store runs ops of an Executor on a fixed pool of worker goroutines.
type Store struct {
	*lifecycle.ValidatedLifecycle
	executor    Executor
	workers     int
	stopTimeout time.Duration
	mu          sync.RWMutex
	stopping    bool
	jobs        chan *job
	baseCtx     context.Context
	cancelAll   context.CancelFunc
	inflightOps atomic.Int64
	workerTasks []*task.TaskHandle
}

// Compile-time check to ensure Store implements Launcher
var _ Launcher = (*Store)(nil)

func NewStore(executor Executor, workers int, queueSize int, stopTimeout time.Duration) (*Store, error) {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers
	}
	lifecycle, err := lifecycle.NewValidatedLifecycle("BackendStore")
	if err != nil {
		return nil, err
	}
	baseCtx, cancelAll := context.WithCancel(context.Background())
	return &Store{
		ValidatedLifecycle: lifecycle,
		executor:           executor,
		workers:            workers,
		stopTimeout:        stopTimeout,
		jobs:               make(chan *job, queueSize),
		baseCtx:            baseCtx,
		cancelAll:          cancelAll,
	}, nil
}

func (s *Store) Start(ctx context.Context) error {
	if err := s.ValidatedLifecycle.Start(ctx); err != nil {
		return err
	}
	for range s.workers {
		s.workerTasks = append(s.workerTasks, task.Start(func(cancelTask *atomic.Bool) {
			s.runWorker()
		}))
	}
	return nil
}

func (s *Store) runWorker() {
	for j := range s.jobs {
		s.execute(j)
	}
}

func (s *Store) execute(j *job) {
	defer s.inflightOps.Add(-1)
	defer close(j.handle.done)
	defer j.handle.cancel()

	var result Result
	if err := j.handle.ctx.Err(); err != nil {
		result = Failed(j.handle.op, RCCanceled, err.Error())
	} else {
		result = s.executor.Execute(j.handle.ctx, j.handle.op)
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error(fmt.Sprintf("Recovered panic in completion of %s: %v", j.handle.op.Kind, r))
			}
		}()
		j.completion(result)
	}()
}

// Launch queues op for execution. It fails without calling done when the
// store is not running or the queue is full.
func (s *Store) Launch(op *Op, done Completion) (*Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopping || !s.IsRunning() {
		return nil, ErrNotRunning
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	handle := &Handle{
		op:     op,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.inflightOps.Add(1)
	select {
	case s.jobs <- &job{handle: handle, completion: done}:
		return handle, nil
	default:
		s.inflightOps.Add(-1)
		cancel()
		return nil, ErrQueueFull
	}
}

// Inflight returns the number of launched ops whose completion did not return yet.
func (s *Store) Inflight() int64 {
	return s.inflightOps.Load()
}

// Stop refuses new launches, cancels every in-flight op and waits for the
// workers up to the configured timeout.
func (s *Store) Stop(ctx context.Context) error {
	if err := s.ValidatedLifecycle.Stop(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.stopping = true
	close(s.jobs)
	s.mu.Unlock()

	s.cancelAll()
	for _, workerTask := range s.workerTasks {
		workerTask.Cancel()
	}
	deadline := time.Now().Add(s.stopTimeout)
	for _, workerTask := range s.workerTasks {
		remaining := max(time.Until(deadline), 0)
		if workerTask.JoinWithTimeout(remaining) {
			slog.Warn(fmt.Sprintf("BackendStore workers did not finish within %s, %d ops still in flight", s.stopTimeout, s.Inflight()))
			return nil
		}
	}
	slog.Debug("BackendStore workers joined without timeout")
	return nil
}
