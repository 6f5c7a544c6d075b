package action_test

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jdillenkofer/strato/internal/action"
	"github.com/jdillenkofer/strato/internal/action/actiontest"
	"github.com/jdillenkofer/strato/internal/asyncop"
	"github.com/jdillenkofer/strato/internal/asyncop/asyncoptest"
	"github.com/jdillenkofer/strato/internal/authorization"
	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/jdillenkofer/strato/internal/eventloop"
	"github.com/jdillenkofer/strato/internal/oid"
	testutils "github.com/jdillenkofer/strato/internal/testing"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHandler struct {
	p       *action.Pipeline
	respond func()
	plan    func()
}

func (h *testHandler) Respond() {
	if h.respond != nil {
		h.respond()
		return
	}
	h.p.SendResponse(http.StatusOK, nil)
}

func (h *testHandler) PlanCleanup() {
	if h.plan != nil {
		h.plan()
	}
}

func newPipeline(deps *action.Dependencies, request action.Request) (*action.Pipeline, *testHandler) {
	handler := &testHandler{}
	p := action.NewPipeline("Test", deps, request, handler)
	handler.p = p
	return p, handler
}

func asyncStep(p *action.Pipeline, name string, trace *[]string) func() {
	return func() {
		*trace = append(*trace, name+":start")
		go func() {
			time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
			p.Post(func() {
				*trace = append(*trace, name+":end")
				p.Next()
			})
		}()
	}
}

func TestStepsRunStrictlyInOrderUnderConcurrentPipelines(t *testing.T) {
	testutils.SkipIfIntegration(t)

	h := asyncoptest.New(t)
	deps := actiontest.NewDependencies(h)

	const pipelines = 50
	traces := make([][]string, pipelines)
	var wg sync.WaitGroup
	for i := range pipelines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			request := actiontest.NewRequest(h.Loop, http.MethodGet, "/bucket", nil)
			p, _ := newPipeline(deps, request)
			p.AddStep("A", asyncStep(p, "A", &traces[i]))
			p.AddStep("B", asyncStep(p, "B", &traces[i]))
			p.AddStep("C", func() {
				traces[i] = append(traces[i], "C")
				p.Next()
			})
			actiontest.Run(t, p)
			assert.Equal(t, http.StatusOK, request.Response(t).Status)
		}()
	}
	wg.Wait()
	for _, trace := range traces {
		assert.Equal(t, []string{"A:start", "A:end", "B:start", "B:end", "C"}, trace)
	}
	assert.Equal(t, float64(pipelines), testutil.ToFloat64(h.Metrics.RequestsTotal.WithLabelValues("Test", "200")))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.Metrics.InflightPipelines))
}

func TestShutdownGateRespondsServiceUnavailableWithRetryAfter(t *testing.T) {
	testutils.SkipIfIntegration(t)

	h := asyncoptest.New(t)
	deps := actiontest.NewDependencies(h)
	deps.RetryAfterSeconds = 7
	h.Signal.Trigger("test")

	request := actiontest.NewRequest(h.Loop, http.MethodPut, "/bucket/key", nil)
	p, _ := newPipeline(deps, request)
	ran := false
	p.AddStep("A", func() {
		ran = true
		p.Next()
	})
	actiontest.Run(t, p)

	response := request.Response(t)
	assert.False(t, ran)
	assert.Equal(t, http.StatusServiceUnavailable, response.Status)
	assert.Equal(t, "7", response.Headers.Get("Retry-After"))
	assert.Contains(t, string(response.Body), "<Code>ServiceUnavailable</Code>")
	assert.Contains(t, string(response.Body), "<Resource>/bucket/key</Resource>")
}

func TestShutdownOptOutAppliesToExactlyOneStep(t *testing.T) {
	testutils.SkipIfIntegration(t)

	h := asyncoptest.New(t)
	deps := actiontest.NewDependencies(h)
	request := actiontest.NewRequest(h.Loop, http.MethodPut, "/bucket/key", nil)
	p, _ := newPipeline(deps, request)
	trace := []string{}
	p.AddStep("A", func() {
		trace = append(trace, "A")
		h.Signal.Trigger("test")
		p.CheckShutdownSignalForNextStep(false)
		p.Next()
	})
	p.AddStep("B", func() {
		trace = append(trace, "B")
		p.Next()
	})
	p.AddStep("C", func() {
		trace = append(trace, "C")
		p.Next()
	})
	actiontest.Run(t, p)

	assert.Equal(t, []string{"A", "B"}, trace)
	assert.Equal(t, http.StatusServiceUnavailable, request.Response(t).Status)
}

func TestCleanupRunsAfterResponseAndSwallowsFailures(t *testing.T) {
	testutils.SkipIfIntegration(t)

	h := asyncoptest.New(t)
	deps := actiontest.NewDependencies(h)
	request := actiontest.NewRequest(h.Loop, http.MethodPut, "/bucket/key", nil)
	p, handler := newPipeline(deps, request)
	p.AddStep("A", func() { p.Fail(action.NoSuchKey, "missing") })
	p.AddStep("B", func() { t.Error("B must not run") })

	trace := []string{}
	handler.plan = func() {
		p.AddCleanupStep("first", func() {
			assert.Equal(t, 1, request.Snapshot().SendCount)
			trace = append(trace, "first")
			p.Next()
		})
		p.AddCleanupStep("second", func() {
			trace = append(trace, "second")
			go p.Post(func() { p.Fail(action.InternalError, "boom") })
		})
		p.AddCleanupStep("third", func() {
			trace = append(trace, "third")
			p.Next()
		})
	}
	actiontest.Run(t, p)

	response := request.Response(t)
	assert.Equal(t, http.StatusNotFound, response.Status)
	assert.Equal(t, 1, response.SendCount)
	assert.Contains(t, string(response.Body), "<Code>NoSuchKey</Code>")
	assert.Equal(t, []string{"first", "second", "third"}, trace)
	assert.Equal(t, action.StateDone, p.State())
	assert.Equal(t, action.NoSuchKey, p.ErrorKind())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.Metrics.CleanupFailuresTotal.WithLabelValues("Test")))
}

func TestCleanupIsNotGatedByShutdown(t *testing.T) {
	testutils.SkipIfIntegration(t)

	h := asyncoptest.New(t)
	deps := actiontest.NewDependencies(h)
	request := actiontest.NewRequest(h.Loop, http.MethodPut, "/bucket/key", nil)
	p, handler := newPipeline(deps, request)
	p.AddStep("A", func() {
		h.Signal.Trigger("test")
		p.Next()
	})
	cleaned := false
	handler.plan = func() {
		p.AddCleanupStep("cleanup", func() {
			cleaned = true
			p.Next()
		})
	}
	actiontest.Run(t, p)

	assert.True(t, cleaned)
	assert.Equal(t, http.StatusOK, request.Response(t).Status)
}

func TestDisconnectedClientGetsNoResponse(t *testing.T) {
	testutils.SkipIfIntegration(t)

	h := asyncoptest.New(t)
	deps := actiontest.NewDependencies(h)
	request := actiontest.NewRequest(h.Loop, http.MethodPut, "/bucket/key", nil)
	request.Disconnect()
	p, _ := newPipeline(deps, request)
	committed := false
	p.AddStep("commit", func() {
		if !p.ClientConnected() {
			return
		}
		committed = true
		p.Next()
	})
	actiontest.Run(t, p)

	assert.False(t, committed)
	assert.Equal(t, action.ClientDisconnected, p.ErrorKind())
	assert.Equal(t, 0, request.Snapshot().SendCount)
}

func TestHeadErrorsHaveNoBody(t *testing.T) {
	testutils.SkipIfIntegration(t)

	h := asyncoptest.New(t)
	deps := actiontest.NewDependencies(h)
	request := actiontest.NewRequest(h.Loop, http.MethodHead, "/bucket/key", nil)
	p, _ := newPipeline(deps, request)
	p.AddStep("A", func() { p.Fail(action.NoSuchKey, "missing") })
	actiontest.Run(t, p)

	response := request.Response(t)
	assert.Equal(t, http.StatusNotFound, response.Status)
	assert.Empty(t, response.Body)
}

type denyAll struct{}

func (denyAll) AuthorizeRequest(ctx context.Context, request *authorization.Request) (bool, error) {
	return false, nil
}

func TestAuthorizeStepDeniesRequests(t *testing.T) {
	testutils.SkipIfIntegration(t)

	h := asyncoptest.New(t)
	deps := actiontest.NewDependencies(h)
	deps.Authorizer = denyAll{}
	request := actiontest.NewRequest(h.Loop, http.MethodPut, "/bucket", nil)
	p, _ := newPipeline(deps, request)
	bucket := "bucket"
	p.AddAuthorizeStep(authorization.OperationCreateBucket, &bucket, nil)
	p.AddStep("create", func() { t.Error("create must not run") })
	actiontest.Run(t, p)

	response := request.Response(t)
	require.Equal(t, http.StatusForbidden, response.Status)
	assert.Contains(t, string(response.Body), "<Code>AccessDenied</Code>")
}

func TestStreamedResponseIsEndedOrAborted(t *testing.T) {
	testutils.SkipIfIntegration(t)

	h := asyncoptest.New(t)
	deps := actiontest.NewDependencies(h)

	request := actiontest.NewRequest(h.Loop, http.MethodGet, "/bucket/key", nil)
	p, _ := newPipeline(deps, request)
	p.AddStep("stream", func() {
		p.StartResponse(http.StatusOK)
		request.WriteResponseBody([]byte("data"), func(err error) { p.Next() })
	})
	actiontest.Run(t, p)
	response := request.Snapshot()
	assert.True(t, response.Ended)
	assert.Equal(t, "data", string(response.Body))

	request = actiontest.NewRequest(h.Loop, http.MethodGet, "/bucket/key", nil)
	p, _ = newPipeline(deps, request)
	p.AddStep("stream", func() {
		p.StartResponse(http.StatusOK)
		p.Fail(action.InternalError, "read failed")
	})
	actiontest.Run(t, p)
	response = request.Snapshot()
	assert.True(t, response.Aborted)
	assert.Equal(t, 1, response.SendCount)
}

func TestPanickingStepFailsAndStillCleansUp(t *testing.T) {
	testutils.SkipIfIntegration(t)

	h := asyncoptest.New(t)
	deps := actiontest.NewDependencies(h)
	request := actiontest.NewRequest(h.Loop, http.MethodPut, "/bucket/key", nil)
	p, handler := newPipeline(deps, request)
	cleaned := false
	p.AddStep("explode", func() { panic("boom") })
	handler.plan = func() {
		p.AddCleanupStep("after", func() {
			cleaned = true
			p.Next()
		})
	}
	actiontest.Run(t, p)

	assert.Equal(t, http.StatusInternalServerError, request.Response(t).Status)
	assert.True(t, cleaned)
	assert.Eventually(t, func() bool { return h.Loop.Holds() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestPanickingCompletionHandlerFailsStep(t *testing.T) {
	testutils.SkipIfIntegration(t)

	h := asyncoptest.New(t)
	deps := actiontest.NewDependencies(h)
	request := actiontest.NewRequest(h.Loop, http.MethodPut, "/bucket/key", nil)
	p, _ := newPipeline(deps, request)
	p.AddStep("create", func() {
		p.LaunchOne("create", &backend.Op{Kind: backend.OpCreateObject, Object: oid.Allocate("panic")}, func(*asyncop.Context) {
			panic("boom")
		})
	})
	actiontest.Run(t, p)

	assert.Equal(t, http.StatusInternalServerError, request.Response(t).Status)
	assert.Equal(t, action.StateDone, p.State())
}

func TestPostAfterLoopStoppedReleasesHold(t *testing.T) {
	testutils.SkipIfIntegration(t)

	h := asyncoptest.New(t)
	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	deps := actiontest.NewDependencies(h)
	deps.Engine = asyncop.NewEngine(loop, h.Store, h.Monitor, h.Metrics)

	request := actiontest.NewRequest(loop, http.MethodGet, "/bucket", nil)
	p, _ := newPipeline(deps, request)
	reached := make(chan struct{})
	resume := make(chan struct{})
	posted := make(chan struct{})
	ran := atomic.Bool{}
	p.AddStep("wait", func() {
		close(reached)
		go func() {
			<-resume
			p.Post(func() {
				ran.Store(true)
				p.Next()
			})
			close(posted)
		}()
	})
	require.Nil(t, p.Submit())
	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		t.Fatal("step did not start")
	}
	assert.Equal(t, int64(1), loop.Holds())

	cancel()
	<-loop.Stopped()
	close(resume)
	<-posted
	assert.False(t, ran.Load())
	assert.Equal(t, int64(0), loop.Holds())
}
