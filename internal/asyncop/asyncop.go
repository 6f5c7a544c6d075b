package asyncop

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/jdillenkofer/strato/internal/eventloop"
	"github.com/jdillenkofer/strato/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

type Status int

const (
	StatusPending Status = iota
	StatusSuccess
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	}
	return "pending"
}

// Response is the outcome of one slot of a Context.
type Response struct {
	Status  Status
	Code    backend.ReturnCode
	Message string
	Result  backend.Result
}

// Observer sees the return code of every completed operation on the loop.
type Observer interface {
	Observe(rc backend.ReturnCode) bool
}

// Handler is a continuation invoked on the control loop once a Context completed.
type Handler func(c *Context)

// Engine launches backend operations and marshals their completions back
// onto the control loop.
type Engine struct {
	loop     *eventloop.Loop
	launcher backend.Launcher
	observer Observer
	metrics  *telemetry.Metrics
}

func NewEngine(loop *eventloop.Loop, launcher backend.Launcher, observer Observer, metrics *telemetry.Metrics) *Engine {
	return &Engine{
		loop:     loop,
		launcher: launcher,
		observer: observer,
		metrics:  metrics,
	}
}

func (e *Engine) Loop() *eventloop.Loop {
	return e.loop
}

func (e *Engine) Launcher() backend.Launcher {
	return e.launcher
}

func (e *Engine) Metrics() *telemetry.Metrics {
	return e.metrics
}

// Context tracks one batch of concurrently issued operations. Slots are
// written by exactly one completion each; handlers only ever run on the loop.
type Context struct {
	engine         *Engine
	operation      string
	responses      []Response
	received       atomic.Int64
	failedToLaunch atomic.Bool
	onSuccess      Handler
	onFailure      Handler
	startedAt      time.Time
	elapsed        time.Duration
	completed      bool
}

// New creates a context that expects count completions. Either onSuccess or
// onFailure runs once on the loop after the last one was recorded.
func (e *Engine) New(operation string, count int, onSuccess Handler, onFailure Handler) *Context {
	return &Context{
		engine:    e,
		operation: operation,
		responses: make([]Response, count),
		onSuccess: onSuccess,
		onFailure: onFailure,
		startedAt: time.Now(),
	}
}

// Launch issues all ops concurrently under a single context. A launch that
// fails before reaching the backend fills its slot with ENOMEM.
func (e *Engine) Launch(operation string, ops []*backend.Op, onSuccess Handler, onFailure Handler) *Context {
	c := e.New(operation, len(ops), onSuccess, onFailure)
	if len(ops) == 0 {
		e.loop.PostOrRun(c.complete, c.drop)
		return c
	}
	for i, op := range ops {
		_, err := e.launcher.Launch(op, func(result backend.Result) {
			c.RecordResult(i, result)
		})
		if err != nil {
			slog.Warn(fmt.Sprintf("Launch of %s for %s failed: %v", op.Kind, operation, err))
			c.failedToLaunch.Store(true)
			c.RecordCompletion(i, backend.RCNoMemory, err.Error())
		}
	}
	return c
}

// LaunchOne is Launch for a single op.
func (e *Engine) LaunchOne(operation string, op *backend.Op, onSuccess Handler, onFailure Handler) *Context {
	return e.Launch(operation, []*backend.Op{op}, onSuccess, onFailure)
}

// RecordResult records the result of slot index. It may be called from any goroutine.
func (c *Context) RecordResult(index int, result backend.Result) {
	c.record(index, result.RC, result.Message, result)
}

// RecordCompletion records the outcome of slot index. It must be called
// exactly once per index and may be called from any goroutine.
func (c *Context) RecordCompletion(index int, rc backend.ReturnCode, message string) {
	c.record(index, rc, message, backend.Result{RC: rc, Message: message})
}

func (c *Context) record(index int, rc backend.ReturnCode, message string, result backend.Result) {
	status := StatusSuccess
	if !rc.IsSuccess() {
		status = StatusFailed
	}
	c.responses[index] = Response{
		Status:  status,
		Code:    rc,
		Message: message,
		Result:  result,
	}
	if c.received.Add(1) == int64(len(c.responses)) {
		c.engine.loop.PostOrRun(c.complete, c.drop)
	}
}

func (c *Context) drop() {
	slog.Warn(fmt.Sprintf("Discarding completion of %s, %d responses released", c.operation, len(c.responses)))
	c.responses = nil
}

func (c *Context) complete() {
	if c.completed {
		return
	}
	c.completed = true
	c.elapsed = time.Since(c.startedAt)

	metrics := c.engine.metrics
	for _, response := range c.responses {
		if response.Code.IsConnectivityFailure() {
			metrics.ConnectivityFailures.Inc()
		}
		if c.engine.observer != nil {
			c.engine.observer.Observe(response.Code)
		}
	}
	metrics.AsyncOpDuration.With(prometheus.Labels{"operation": c.operation}).Observe(c.elapsed.Seconds())

	if c.AtLeastOneSuccess() {
		metrics.AsyncOpsTotal.With(prometheus.Labels{"operation": c.operation, "result": "success"}).Inc()
		if c.onSuccess != nil {
			c.onSuccess(c)
		}
		return
	}
	metrics.AsyncOpsTotal.With(prometheus.Labels{"operation": c.operation, "result": "failed"}).Inc()
	if c.onFailure != nil {
		c.onFailure(c)
	}
}

func (c *Context) Operation() string {
	return c.operation
}

func (c *Context) Count() int {
	return len(c.responses)
}

func (c *Context) Received() int {
	return int(c.received.Load())
}

func (c *Context) Response(index int) Response {
	return c.responses[index]
}

// Result returns the backend result of slot index.
func (c *Context) Result(index int) backend.Result {
	return c.responses[index].Result
}

func (c *Context) AtLeastOneSuccess() bool {
	for _, response := range c.responses {
		if response.Status == StatusSuccess {
			return true
		}
	}
	return false
}

func (c *Context) AllSucceeded() bool {
	for _, response := range c.responses {
		if response.Status != StatusSuccess {
			return false
		}
	}
	return true
}

// FailedToLaunch reports whether at least one op never reached the backend.
func (c *Context) FailedToLaunch() bool {
	return c.failedToLaunch.Load()
}

// FirstFailure returns the first failed slot, or a success response if none failed.
func (c *Context) FirstFailure() Response {
	for _, response := range c.responses {
		if response.Status == StatusFailed {
			return response
		}
	}
	return Response{Status: StatusSuccess, Code: backend.RCSuccess}
}

// Elapsed is the time between creation and completion.
func (c *Context) Elapsed() time.Duration {
	return c.elapsed
}
