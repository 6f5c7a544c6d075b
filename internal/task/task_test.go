package task

import (
	"sync/atomic"
	"testing"
	"time"

	testutils "github.com/jdillenkofer/strato/internal/testing"
	"github.com/stretchr/testify/assert"
)

func TestTaskStopsAfterCancel(t *testing.T) {
	testutils.SkipIfIntegration(t)

	iterations := atomic.Int64{}
	handle := Start(func(cancelTask *atomic.Bool) {
		for Sleep(cancelTask, 10*time.Millisecond) {
			iterations.Add(1)
		}
	})
	time.Sleep(50 * time.Millisecond)
	handle.Cancel()
	assert.True(t, handle.IsCancelled())
	timedOut := handle.JoinWithTimeout(2 * time.Second)
	assert.False(t, timedOut)
	assert.Greater(t, iterations.Load(), int64(0))
}

func TestSleepReturnsFalseWhenAlreadyCancelled(t *testing.T) {
	testutils.SkipIfIntegration(t)

	cancelled := atomic.Bool{}
	cancelled.Store(true)
	start := time.Now()
	assert.False(t, Sleep(&cancelled, time.Minute))
	assert.Less(t, time.Since(start), time.Second)
}

func TestContextIsCancelledWithTask(t *testing.T) {
	testutils.SkipIfIntegration(t)

	handle := Start(func(cancelTask *atomic.Bool) {
		ctx, stop := Context(cancelTask)
		defer stop()
		<-ctx.Done()
	})
	handle.Cancel()
	assert.False(t, handle.JoinWithTimeout(2*time.Second))
}

func TestContextStop(t *testing.T) {
	testutils.SkipIfIntegration(t)

	cancelTask := atomic.Bool{}
	ctx, stop := Context(&cancelTask)
	assert.Nil(t, ctx.Err())
	stop()
	<-ctx.Done()
	assert.False(t, cancelTask.Load())
}
