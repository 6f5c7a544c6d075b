package action

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/jdillenkofer/strato/internal/asyncop"
	"github.com/jdillenkofer/strato/internal/authorization"
	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/jdillenkofer/strato/internal/ledger"
	"github.com/jdillenkofer/strato/internal/lifecycle"
	"github.com/jdillenkofer/strato/internal/oid"
	"github.com/jdillenkofer/strato/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type State int

const (
	StateEmpty State = iota
	StateRunning
	StateCompleted
	StateError
	StateCleanup
	StateDone
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "Empty"
	case StateRunning:
		return "Running"
	case StateCompleted:
		return "Completed"
	case StateError:
		return "ErrorState"
	case StateCleanup:
		return "Cleanup"
	case StateDone:
		return "Done"
	}
	return "Unknown"
}

// Dependencies are the process wide services every pipeline uses.
type Dependencies struct {
	Engine                 *asyncop.Engine
	Ledger                 *ledger.Ledger
	Signal                 *lifecycle.ShutdownSignal
	Metrics                *telemetry.Metrics
	Authorizer             authorization.RequestAuthorizer
	MaxCollisionRetryCount int
	RetryAfterSeconds      int
}

// Handler is implemented by every action built on a Pipeline.
type Handler interface {
	// Respond sends the response of a pipeline whose forward steps all
	// succeeded, unless a step already did.
	Respond()
	// PlanCleanup adds cleanup steps based on how far the pipeline got. It
	// runs once, after the response was sent.
	PlanCleanup()
}

type step struct {
	name string
	fn   func()
}

// Pipeline executes the forward steps of one request strictly one after
// another on the control loop, responds, and then runs its cleanup steps.
// Every step must eventually call Next or Fail exactly once. A panic in a
// step body or in a handler passed to Launch or Post fails the step; other
// completion handlers must not panic.
type Pipeline struct {
	name              string
	deps              *Dependencies
	request           Request
	handler           Handler
	forward           []step
	cleanup           []step
	cursor            int
	state             State
	errorKind         ErrorKind
	errorReason       string
	skipShutdownCheck bool
	responded         bool
	streaming         bool
	responseStatus    int
	release           func()
	logger            *slog.Logger
	ctx               context.Context
	span              trace.Span
	tracer            trace.Tracer
	startedAt         time.Time
	onDone            []func()
}

func NewPipeline(name string, deps *Dependencies, request Request, handler Handler) *Pipeline {
	return &Pipeline{
		name:    name,
		deps:    deps,
		request: request,
		handler: handler,
		state:   StateEmpty,
		logger:  slog.With("requestId", request.Id(), "action", name),
		ctx:     context.WithoutCancel(request.Context()),
		tracer:  otel.Tracer("internal/action"),
	}
}

func (p *Pipeline) Name() string {
	return p.name
}

func (p *Pipeline) Deps() *Dependencies {
	return p.deps
}

func (p *Pipeline) Request() Request {
	return p.request
}

func (p *Pipeline) Logger() *slog.Logger {
	return p.logger
}

// Context carries the pipeline span. It is never cancelled.
func (p *Pipeline) Context() context.Context {
	return p.ctx
}

func (p *Pipeline) State() State {
	return p.state
}

func (p *Pipeline) ErrorKind() ErrorKind {
	return p.errorKind
}

func (p *Pipeline) Responded() bool {
	return p.responded
}

// AddStep appends a forward step.
func (p *Pipeline) AddStep(name string, fn func()) {
	p.forward = append(p.forward, step{name: name, fn: fn})
}

// AddCleanupStep appends a cleanup step. Cleanup steps complete with Next
// or Fail like forward steps, but a failure only skips to the next one.
func (p *Pipeline) AddCleanupStep(name string, fn func()) {
	p.cleanup = append(p.cleanup, step{name: name, fn: fn})
}

// OnDone registers fn to run on the loop once the pipeline is retired.
func (p *Pipeline) OnDone(fn func()) {
	p.onDone = append(p.onDone, fn)
}

// Submit hands the pipeline to the control loop and keeps the loop alive
// until the pipeline is done. It may be called from any goroutine.
func (p *Pipeline) Submit() error {
	loop := p.deps.Engine.Loop()
	p.release = loop.Hold()
	if err := loop.Post(p.start); err != nil {
		p.release()
		return err
	}
	return nil
}

// Start runs the pipeline from the control loop.
func (p *Pipeline) Start() {
	if p.release == nil {
		p.release = p.deps.Engine.Loop().Hold()
	}
	p.start()
}

func (p *Pipeline) start() {
	if p.state != StateEmpty {
		p.logger.Error(fmt.Sprintf("Pipeline started twice in state %s", p.state))
		return
	}
	p.startedAt = time.Now()
	p.ctx, p.span = p.tracer.Start(p.ctx, "Pipeline."+p.name)
	p.span.SetAttributes(attribute.String("requestId", p.request.Id()))
	p.deps.Metrics.InflightPipelines.Inc()
	p.state = StateRunning
	p.logger.Debug(fmt.Sprintf("Starting %s with %d steps", p.name, len(p.forward)))
	p.runNext()
}

// CheckShutdownSignalForNextStep(false) lets the next forward step run
// even if a shutdown was requested. It applies to exactly one step.
func (p *Pipeline) CheckShutdownSignalForNextStep(check bool) {
	p.skipShutdownCheck = !check
}

func (p *Pipeline) IsShuttingDown() bool {
	return p.deps.Signal.IsShuttingDown()
}

func (p *Pipeline) runNext() {
	if p.cursor >= len(p.forward) {
		p.state = StateCompleted
		p.finish()
		return
	}
	if p.skipShutdownCheck {
		p.skipShutdownCheck = false
	} else if p.IsShuttingDown() {
		p.Fail(ServiceUnavailable, "server is shutting down")
		return
	}
	s := p.forward[p.cursor]
	p.span.AddEvent(s.name)
	p.logger.Debug(fmt.Sprintf("Running step %d %s", p.cursor, s.name))
	p.guard(s.name, s.fn)
}

func (p *Pipeline) runCleanup() {
	if p.cursor >= len(p.cleanup) {
		p.Done()
		return
	}
	s := p.cleanup[p.cursor]
	p.span.AddEvent("cleanup." + s.name)
	p.logger.Debug(fmt.Sprintf("Running cleanup step %d %s", p.cursor, s.name))
	p.guard("cleanup."+s.name, s.fn)
}

// guard runs fn and turns a panic into a failure of the current step, so
// the pipeline still responds and releases its hold.
func (p *Pipeline) guard(name string, fn func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		p.logger.Error(fmt.Sprintf("Step %s panicked: %v\n%s", name, r, debug.Stack()))
		switch p.state {
		case StateRunning, StateCleanup:
			p.Fail(InternalError, fmt.Sprintf("step %s panicked: %v", name, r))
		default:
			p.Done()
		}
	}()
	fn()
}

func (p *Pipeline) guarded(name string, h asyncop.Handler) asyncop.Handler {
	return func(c *asyncop.Context) {
		p.guard(name, func() { h(c) })
	}
}

// Next completes the current step successfully.
func (p *Pipeline) Next() {
	switch p.state {
	case StateRunning:
		p.cursor++
		p.runNext()
	case StateCleanup:
		p.cursor++
		p.runCleanup()
	default:
		p.logger.Error(fmt.Sprintf("Next called in state %s", p.state))
	}
}

// Fail completes the current step with kind. During the forward steps the
// pipeline stops and responds with kind; during cleanup the failure is
// logged and the next cleanup step runs.
func (p *Pipeline) Fail(kind ErrorKind, reason string) {
	switch p.state {
	case StateRunning:
		p.errorKind = kind
		p.errorReason = reason
		p.state = StateError
		if kind == ClientDisconnected {
			p.logger.Info(fmt.Sprintf("Client disconnected before step %d: %s", p.cursor, reason))
		} else {
			p.logger.Warn(fmt.Sprintf("Step %d failed with %s: %s", p.cursor, kind, reason))
		}
		p.span.SetStatus(codes.Error, kind.Code())
		p.finish()
	case StateCleanup:
		s := p.cleanup[p.cursor]
		p.logger.Warn(fmt.Sprintf("Cleanup step %s failed: %s", s.name, reason))
		p.deps.Metrics.CleanupFailuresTotal.With(prometheus.Labels{"action": p.name}).Inc()
		p.cursor++
		p.runCleanup()
	default:
		p.logger.Error(fmt.Sprintf("Fail(%s) called in state %s: %s", kind, p.state, reason))
	}
}

// FailWith fails the current step with the error derived from c.
func (p *Pipeline) FailWith(c *asyncop.Context) {
	failure := c.FirstFailure()
	p.Fail(KindForContext(c), fmt.Sprintf("%s failed with %s %s", c.Operation(), failure.Code, failure.Message))
}

// ClientConnected fails the current step with ClientDisconnected if the
// client went away. Steps call it before committing a mutation.
func (p *Pipeline) ClientConnected() bool {
	if p.request.ClientDisconnected() {
		p.Fail(ClientDisconnected, "client disconnected before commit")
		return false
	}
	return true
}

// Launch issues ops as one async context. If every op failed the step
// fails with the matching error kind.
func (p *Pipeline) Launch(operation string, ops []*backend.Op, onSuccess asyncop.Handler) *asyncop.Context {
	return p.deps.Engine.Launch(p.name+"."+operation, ops, p.guarded(operation, onSuccess), p.guarded(operation, p.FailWith))
}

// LaunchOne is Launch for a single op.
func (p *Pipeline) LaunchOne(operation string, op *backend.Op, onSuccess asyncop.Handler) *asyncop.Context {
	return p.Launch(operation, []*backend.Op{op}, onSuccess)
}

// Post runs fn on the control loop later. If the loop is gone fn is
// dropped and the pipeline abandoned; its transport ends the request.
func (p *Pipeline) Post(fn func()) {
	p.deps.Engine.Loop().PostOrRun(func() { p.guard("post", fn) }, p.abandon)
}

func (p *Pipeline) abandon() {
	p.logger.Warn(fmt.Sprintf("Abandoning %s, control loop stopped", p.name))
	if p.release != nil {
		p.release()
	}
}

func (p *Pipeline) finish() {
	p.respond()
	p.deps.Metrics.RequestsTotal.With(prometheus.Labels{"action": p.name, "code": strconv.Itoa(p.responseStatus)}).Inc()
	p.span.SetAttributes(attribute.Int("status", p.responseStatus))

	p.handler.PlanCleanup()
	if len(p.cleanup) == 0 {
		p.Done()
		return
	}
	p.state = StateCleanup
	p.cursor = 0
	p.logger.Debug(fmt.Sprintf("Running %d cleanup steps", len(p.cleanup)))
	p.runCleanup()
}

func (p *Pipeline) respond() {
	if p.errorKind == ErrorNone {
		if !p.responded {
			p.handler.Respond()
		}
		if !p.responded {
			p.logger.Error("Completed pipeline did not respond")
			p.sendError(InternalError)
			return
		}
		if p.streaming {
			p.request.EndResponse()
		}
		return
	}
	if p.streaming {
		p.logger.Warn("Aborting streamed response")
		p.request.AbortResponse()
		return
	}
	if p.errorKind == ClientDisconnected {
		p.responseStatus = ClientDisconnected.Status()
		return
	}
	if p.responded {
		p.logger.Warn(fmt.Sprintf("Not sending %s, response was already sent", p.errorKind))
		return
	}
	p.sendError(p.errorKind)
}

func (p *Pipeline) sendError(kind ErrorKind) {
	if kind == ServiceUnavailable {
		retryAfter := p.deps.RetryAfterSeconds
		if retryAfter <= 0 {
			retryAfter = 1
		}
		p.request.SetHeader("Retry-After", strconv.Itoa(retryAfter))
	}
	if p.request.Method() == http.MethodHead {
		p.SendResponse(kind.Status(), nil)
		return
	}
	body, err := XmlMarshalWithDocType(ErrorResponse{
		Code:      kind.Code(),
		Message:   kind.Message(),
		Resource:  p.request.Resource(),
		RequestId: p.request.Id(),
	})
	if err != nil {
		body = nil
	}
	p.request.SetHeader("Content-Type", "application/xml")
	p.SendResponse(kind.Status(), body)
}

// SendResponse sends the complete response. Only the first response of a
// pipeline is sent.
func (p *Pipeline) SendResponse(status int, body []byte) {
	if p.responded {
		p.logger.Error(fmt.Sprintf("Dropping second response with status %d", status))
		return
	}
	p.responded = true
	p.responseStatus = status
	p.request.SendResponse(status, body)
}

// StartResponse starts a streamed response. The pipeline ends it once the
// forward steps completed, or aborts it if one failed.
func (p *Pipeline) StartResponse(status int) {
	if p.responded {
		p.logger.Error(fmt.Sprintf("Dropping second response with status %d", status))
		return
	}
	p.responded = true
	p.streaming = true
	p.responseStatus = status
	p.request.StartResponse(status)
}

// Done retires the pipeline and releases its hold on the control loop.
func (p *Pipeline) Done() {
	if p.state == StateDone {
		return
	}
	p.state = StateDone
	elapsed := time.Since(p.startedAt)
	if p.errorKind == ErrorNone {
		p.logger.Info(fmt.Sprintf("%s finished with %d in %s", p.name, p.responseStatus, elapsed))
	} else {
		p.logger.Info(fmt.Sprintf("%s failed with %s in %s", p.name, p.errorKind, elapsed))
	}
	p.deps.Metrics.InflightPipelines.Dec()
	if p.span != nil {
		p.span.End()
	}
	for _, fn := range p.onDone {
		fn()
	}
	if p.release != nil {
		p.release()
	}
}

// AddAuthorizeStep adds a step that runs the request authorizer off the
// control loop and fails with AccessDenied if it refuses.
func (p *Pipeline) AddAuthorizeStep(operation string, bucket *string, key *string) {
	p.AddStep("authorize", func() {
		request := &authorization.Request{
			RequestId: p.request.Id(),
			Operation: operation,
			Authorization: authorization.Authorization{
				AccessKeyId: p.request.AccessKeyId(),
			},
			Bucket: bucket,
			Key:    key,
		}
		authorizer := p.deps.Authorizer
		ctx := p.ctx
		go func() {
			authorized, err := authorizer.AuthorizeRequest(ctx, request)
			p.Post(func() {
				if err != nil {
					p.Fail(InternalError, fmt.Sprintf("authorization error: %v", err))
					return
				}
				if !authorized {
					p.Fail(AccessDenied, "request not authorized")
					return
				}
				p.Next()
			})
		}()
	})
}

// RaiseCollisionAlert reports an exhausted collision retry budget for seed.
func (p *Pipeline) RaiseCollisionAlert(seed string, last oid.Id) {
	p.deps.Metrics.RaiseAlert(telemetry.AlertCollisionResolutionFailed, "Object id collision resolution failed", "requestId", p.request.Id(), "seed", seed, "lastCandidate", last.String())
}
