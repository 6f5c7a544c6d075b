package task

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const cancelPollInterval = 250 * time.Millisecond

type TaskFunc = func(cancelTask *atomic.Bool)

type TaskHandle struct {
	cancel       atomic.Bool
	taskCanceled sync.WaitGroup
}

func Start(taskFunc TaskFunc) *TaskHandle {
	taskHandle := &TaskHandle{
		cancel:       atomic.Bool{},
		taskCanceled: sync.WaitGroup{},
	}
	taskHandle.taskCanceled.Add(1)
	go func() {
		defer taskHandle.taskCanceled.Done()
		taskFunc(&taskHandle.cancel)
	}()
	return taskHandle
}

func (th *TaskHandle) IsCancelled() bool {
	return th.cancel.Load()
}

func (th *TaskHandle) Cancel() {
	th.cancel.Store(true)
}

func (th *TaskHandle) Join() {
	th.taskCanceled.Wait()
}

// JoinWithTimeout returns true if the timeout elapsed before the task finished.
func (th *TaskHandle) JoinWithTimeout(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		th.taskCanceled.Wait()
	}()
	select {
	case <-c:
		return false
	case <-time.After(timeout):
		return true
	}
}

// Sleep waits for d in small steps and returns false as soon as the task
// gets cancelled.
func Sleep(cancelTask *atomic.Bool, d time.Duration) bool {
	for d > 0 {
		if cancelTask.Load() {
			return false
		}
		step := min(d, cancelPollInterval)
		time.Sleep(step)
		d -= step
	}
	return !cancelTask.Load()
}

// Context returns a context that is cancelled once cancelTask is set or
// stop is called. Blocking calls made by a task use it to honor Cancel.
func Context(cancelTask *atomic.Bool) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if cancelTask.Load() {
					cancel()
					return
				}
			}
		}
	}()
	return ctx, cancel
}
