package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrAlreadyStopped = errors.New("already stopped")
)

type state int32

const (
	stateCreated state = iota
	stateRunning
	stateStopped
)

// ValidatedLifecycle guards the Start/Stop transitions of a component that
// does its lifecycle work itself. A component runs at most once.
type ValidatedLifecycle struct {
	validator *StateValidator
	tracer    trace.Tracer
}

func NewValidatedLifecycle(name string) (*ValidatedLifecycle, error) {
	if name == "" {
		return nil, errors.New("lifecycle needs a name")
	}
	return &ValidatedLifecycle{
		validator: New(name),
		tracer:    otel.Tracer("internal/lifecycle"),
	}, nil
}

func (vl *ValidatedLifecycle) Start(ctx context.Context) error {
	_, span := vl.tracer.Start(ctx, vl.validator.name+".Start")
	defer span.End()
	return vl.validator.Start()
}

func (vl *ValidatedLifecycle) Stop(ctx context.Context) error {
	_, span := vl.tracer.Start(ctx, vl.validator.name+".Stop")
	defer span.End()
	return vl.validator.Stop()
}

// IsRunning reports whether Start succeeded and Stop was not called yet.
func (vl *ValidatedLifecycle) IsRunning() bool {
	return vl.validator.IsRunning()
}

// StateValidator moves from created to running to stopped and rejects every
// other transition.
type StateValidator struct {
	state atomic.Int32
	name  string
}

func New(name string) *StateValidator {
	return &StateValidator{name: name}
}

func (validator *StateValidator) Start() error {
	if !validator.state.CompareAndSwap(int32(stateCreated), int32(stateRunning)) {
		return validator.errorFor(ErrAlreadyStarted)
	}
	return nil
}

func (validator *StateValidator) Stop() error {
	if validator.state.CompareAndSwap(int32(stateRunning), int32(stateStopped)) {
		return nil
	}
	if state(validator.state.Load()) == stateCreated {
		return validator.errorFor(ErrNotStarted)
	}
	return validator.errorFor(ErrAlreadyStopped)
}

func (validator *StateValidator) IsRunning() bool {
	return state(validator.state.Load()) == stateRunning
}

func (validator *StateValidator) errorFor(err error) error {
	return fmt.Errorf("%s %w", validator.name, err)
}
