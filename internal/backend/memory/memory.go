package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/jdillenkofer/strato/internal/oid"
)

// Fault makes matching ops fail with RC. Count < 0 means forever.
type Fault struct {
	Kind  backend.OpKind
	RC    backend.ReturnCode
	Count int
	Match func(op *backend.Op) bool
}

type object struct {
	layoutId int
	data     []byte
}

// Executor keeps objects and indexes in memory. It is used for tests and
// for running without persistent storage.
type Executor struct {
	mu      sync.Mutex
	objects map[oid.Id]*object
	indexes map[oid.Id]map[string][]byte
	faults  []*Fault
	latency time.Duration
	history []backend.OpKind
	before  func(op *backend.Op)
}

// Compile-time check to ensure Executor implements backend.Executor
var _ backend.Executor = (*Executor)(nil)

func New() *Executor {
	return &Executor{
		objects: map[oid.Id]*object{},
		indexes: map[oid.Id]map[string][]byte{},
	}
}

func (e *Executor) InjectFault(fault Fault) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f := fault
	e.faults = append(e.faults, &f)
}

func (e *Executor) ClearFaults() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults = nil
}

func (e *Executor) SetLatency(latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latency = latency
}

func (e *Executor) ObjectExists(id oid.Id) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.objects[id]
	return ok
}

func (e *Executor) ObjectIds() []oid.Id {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]oid.Id, 0, len(e.objects))
	for id := range e.objects {
		ids = append(ids, id)
	}
	return ids
}

func (e *Executor) ObjectData(id oid.Id) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	obj, ok := e.objects[id]
	if !ok {
		return nil
	}
	return append([]byte(nil), obj.data...)
}

// IndexEntries returns a copy of all entries of index.
func (e *Executor) IndexEntries(index oid.Id) map[string][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := map[string][]byte{}
	for k, v := range e.indexes[index] {
		entries[k] = append([]byte(nil), v...)
	}
	return entries
}

// BeforeExecute sets a hook that runs ahead of every op, outside the
// executor lock. The hook may execute ops itself.
func (e *Executor) BeforeExecute(hook func(op *backend.Op)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.before = hook
}

// History returns the kinds of all executed ops in execution order.
func (e *Executor) History() []backend.OpKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]backend.OpKind(nil), e.history...)
}

func (e *Executor) takeFault(op *backend.Op) *Fault {
	for i, fault := range e.faults {
		if fault.Kind != op.Kind {
			continue
		}
		if fault.Match != nil && !fault.Match(op) {
			continue
		}
		if fault.Count > 0 {
			fault.Count--
			if fault.Count == 0 {
				e.faults = append(e.faults[:i], e.faults[i+1:]...)
			}
		}
		return fault
	}
	return nil
}

func (e *Executor) Execute(ctx context.Context, op *backend.Op) backend.Result {
	e.mu.Lock()
	latency := e.latency
	before := e.before
	e.mu.Unlock()
	if before != nil {
		before(op)
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return backend.Failed(op, backend.RCCanceled, ctx.Err().Error())
		}
	}
	if err := ctx.Err(); err != nil {
		return backend.Failed(op, backend.RCCanceled, err.Error())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, op.Kind)
	if fault := e.takeFault(op); fault != nil {
		return backend.Failed(op, fault.RC, "injected fault")
	}

	switch op.Kind {
	case backend.OpCreateObject:
		if _, exists := e.objects[op.Object]; exists {
			return backend.Result{RC: backend.RCExists}
		}
		e.objects[op.Object] = &object{layoutId: op.LayoutId}
		return backend.Result{RC: backend.RCSuccess}
	case backend.OpWriteObject:
		obj, exists := e.objects[op.Object]
		if !exists {
			return backend.Result{RC: backend.RCNotFound}
		}
		end := op.Offset + int64(len(op.Data))
		if int64(len(obj.data)) < end {
			grown := make([]byte, end)
			copy(grown, obj.data)
			obj.data = grown
		}
		copy(obj.data[op.Offset:end], op.Data)
		return backend.Result{RC: backend.RCSuccess}
	case backend.OpReadObject:
		obj, exists := e.objects[op.Object]
		if !exists {
			return backend.Result{RC: backend.RCNotFound}
		}
		if op.Offset >= int64(len(obj.data)) {
			return backend.Result{RC: backend.RCSuccess, Data: []byte{}}
		}
		end := min(op.Offset+op.Length, int64(len(obj.data)))
		return backend.Result{RC: backend.RCSuccess, Data: append([]byte(nil), obj.data[op.Offset:end]...)}
	case backend.OpDeleteObject:
		if _, exists := e.objects[op.Object]; !exists {
			return backend.Result{RC: backend.RCNotFound}
		}
		delete(e.objects, op.Object)
		return backend.Result{RC: backend.RCSuccess}
	case backend.OpIndexGet:
		index := e.indexes[op.Index]
		keyRCs := make([]backend.ReturnCode, len(op.Keys))
		values := make([][]byte, len(op.Keys))
		for i, key := range op.Keys {
			value, ok := index[key]
			if !ok {
				keyRCs[i] = backend.RCNotFound
				continue
			}
			values[i] = append([]byte(nil), value...)
		}
		result := backend.KeyResult(keyRCs)
		result.Values = values
		return result
	case backend.OpIndexPut:
		if len(op.Keys) != len(op.Values) {
			return backend.Failed(op, backend.RCInvalid, "keys and values differ in length")
		}
		index, ok := e.indexes[op.Index]
		if !ok {
			index = map[string][]byte{}
			e.indexes[op.Index] = index
		}
		keyRCs := make([]backend.ReturnCode, len(op.Keys))
		for i, key := range op.Keys {
			if _, ok := index[key]; ok && op.IfAbsent {
				keyRCs[i] = backend.RCExists
				continue
			}
			index[key] = append([]byte(nil), op.Values[i]...)
		}
		return backend.KeyResult(keyRCs)
	case backend.OpIndexDelete:
		index := e.indexes[op.Index]
		keyRCs := make([]backend.ReturnCode, len(op.Keys))
		for i, key := range op.Keys {
			if _, ok := index[key]; !ok {
				keyRCs[i] = backend.RCNotFound
				continue
			}
			delete(index, key)
		}
		return backend.KeyResult(keyRCs)
	case backend.OpIndexList:
		index := e.indexes[op.Index]
		keys := make([]string, 0, len(index))
		for key := range index {
			if key > op.StartAfter && strings.HasPrefix(key, op.Prefix) {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)
		if op.Limit > 0 && len(keys) > op.Limit {
			keys = keys[:op.Limit]
		}
		values := make([][]byte, len(keys))
		for i, key := range keys {
			values[i] = append([]byte(nil), index[key]...)
		}
		return backend.Result{RC: backend.RCSuccess, Keys: keys, Values: values}
	}
	return backend.Result{RC: backend.RCNotSupported}
}
