package backend

import (
	"context"
	"errors"

	"github.com/jdillenkofer/strato/internal/oid"
)

type OpKind int

const (
	OpCreateObject OpKind = iota
	OpWriteObject
	OpReadObject
	OpDeleteObject
	OpIndexGet
	OpIndexPut
	OpIndexDelete
	OpIndexList
)

func (k OpKind) String() string {
	switch k {
	case OpCreateObject:
		return "CreateObject"
	case OpWriteObject:
		return "WriteObject"
	case OpReadObject:
		return "ReadObject"
	case OpDeleteObject:
		return "DeleteObject"
	case OpIndexGet:
		return "IndexGet"
	case OpIndexPut:
		return "IndexPut"
	case OpIndexDelete:
		return "IndexDelete"
	case OpIndexList:
		return "IndexList"
	}
	return "Unknown"
}

func (k OpKind) IsIndexOp() bool {
	return k >= OpIndexGet
}

// Op describes a single backing store operation. Object ops use Object,
// LayoutId, Offset, Length and Data; index ops use Index, Keys, Values,
// StartAfter, Prefix and Limit. An IndexPut with IfAbsent leaves present
// keys untouched and reports RCExists for them.
type Op struct {
	Kind       OpKind
	Object     oid.Id
	LayoutId   int
	Offset     int64
	Length     int64
	Data       []byte
	Index      oid.Id
	Keys       []string
	Values     [][]byte
	StartAfter string
	Prefix     string
	Limit      int
	IfAbsent   bool
}

// Result is delivered once per launched Op. For batched index ops KeyRCs
// holds one code per key, and RC is the first failing key code.
type Result struct {
	RC      ReturnCode
	Message string
	Data    []byte
	KeyRCs  []ReturnCode
	Keys    []string
	Values  [][]byte
}

// Executor performs an Op synchronously. Implementations must be safe for
// concurrent use and must honor ctx cancellation.
type Executor interface {
	Execute(ctx context.Context, op *Op) Result
}

// Completion receives the result of a launched op on a worker goroutine.
type Completion func(Result)

// Launcher starts ops asynchronously. A returned error means the op never
// reached the backend and done will not be called.
type Launcher interface {
	Launch(op *Op, done Completion) (*Handle, error)
}

var ErrNotRunning = errors.New("backend store is not running")
var ErrQueueFull = errors.New("backend store queue is full")

// Do launches op and blocks until it completes or ctx is done.
func Do(ctx context.Context, launcher Launcher, op *Op) (Result, error) {
	resultChannel := make(chan Result, 1)
	handle, err := launcher.Launch(op, func(r Result) {
		resultChannel <- r
	})
	if err != nil {
		return Result{}, err
	}
	select {
	case r := <-resultChannel:
		return r, nil
	case <-ctx.Done():
		handle.Cancel()
		return <-resultChannel, nil
	}
}

// KeyResult builds the Result of a batched index op from per key codes.
func KeyResult(keyRCs []ReturnCode) Result {
	result := Result{RC: RCSuccess, KeyRCs: keyRCs}
	for _, rc := range keyRCs {
		if !rc.IsSuccess() {
			result.RC = rc
			break
		}
	}
	return result
}

// Failed builds a Result for op that failed as a whole.
func Failed(op *Op, rc ReturnCode, message string) Result {
	result := Result{RC: rc, Message: message}
	if op.Kind.IsIndexOp() && len(op.Keys) > 0 {
		result.KeyRCs = make([]ReturnCode, len(op.Keys))
		for i := range result.KeyRCs {
			result.KeyRCs[i] = rc
		}
	}
	return result
}
