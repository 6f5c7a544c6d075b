package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/jdillenkofer/strato/internal/action"
	"github.com/jdillenkofer/strato/internal/eventloop"
	"github.com/jdillenkofer/strato/internal/http/server/authentication"
	"github.com/oklog/ulid/v2"
)

const requestIdHeader = "x-amz-request-id"

var errResponseFinished = errors.New("response already finished")

// httpRequest adapts a net/http request to action.Request. The pipeline
// calls it from the control loop; every touch of the ResponseWriter is
// queued and executed by the handler goroutine in serve.
type httpRequest struct {
	id          string
	loop        *eventloop.Loop
	r           *http.Request
	w           http.ResponseWriter
	query       url.Values
	accessKeyId string
	remaining   int64

	mu       sync.Mutex
	commands []func() bool
	wakeup   chan struct{}
	finished atomic.Bool
	// wroteHeader is only touched by the handler goroutine.
	wroteHeader bool
}

// Compile-time check to ensure httpRequest implements action.Request
var _ action.Request = (*httpRequest)(nil)

func newHttpRequest(loop *eventloop.Loop, w http.ResponseWriter, r *http.Request) *httpRequest {
	accessKeyId, _ := r.Context().Value(authentication.AccessKeyIdContextKey{}).(string)
	return &httpRequest{
		id:          ulid.Make().String(),
		loop:        loop,
		r:           r,
		w:           w,
		query:       r.URL.Query(),
		accessKeyId: accessKeyId,
		remaining:   r.ContentLength,
		wakeup:      make(chan struct{}, 1),
	}
}

// enqueue hands cmd to the handler goroutine. A command returning true
// ends the handler.
func (hr *httpRequest) enqueue(cmd func() bool) {
	hr.mu.Lock()
	hr.commands = append(hr.commands, cmd)
	hr.mu.Unlock()
	select {
	case hr.wakeup <- struct{}{}:
	default:
	}
}

func (hr *httpRequest) takeAll() []func() bool {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	commands := hr.commands
	hr.commands = nil
	return commands
}

func (hr *httpRequest) runQueued() bool {
	for _, cmd := range hr.takeAll() {
		if cmd() {
			return true
		}
	}
	return false
}

// serve runs the queued commands on the handler goroutine until the
// response is complete, the pipeline retired without one or the control
// loop stopped.
func (hr *httpRequest) serve() {
	defer hr.finished.Store(true)
	for {
		if hr.runQueued() {
			return
		}
		select {
		case <-hr.wakeup:
		case <-hr.loop.Stopped():
			if !hr.runQueued() {
				hr.abandon()
			}
			return
		}
	}
}

// retire ends serve if the pipeline finished without completing a response.
func (hr *httpRequest) retire() {
	hr.enqueue(func() bool { return true })
}

// abandon ends a request whose pipeline can no longer run. A started
// response is cut off.
func (hr *httpRequest) abandon() {
	slog.Warn(fmt.Sprintf("Control loop stopped before request %s completed", hr.id))
	if hr.wroteHeader {
		panic(http.ErrAbortHandler)
	}
	hr.wroteHeader = true
	writeError(hr.w, hr.r, hr.id, action.ServiceUnavailable, 1)
}

// dropCompletion is the fallback of completions that cannot reach the
// control loop anymore.
func (hr *httpRequest) dropCompletion() {
	hr.enqueue(func() bool {
		hr.abandon()
		return true
	})
}

func (hr *httpRequest) Id() string {
	return hr.id
}

func (hr *httpRequest) Context() context.Context {
	return hr.r.Context()
}

func (hr *httpRequest) Method() string {
	return hr.r.Method
}

func (hr *httpRequest) Resource() string {
	return hr.r.URL.Path
}

func (hr *httpRequest) Header(name string) string {
	return hr.r.Header.Get(name)
}

func (hr *httpRequest) Query(name string) (string, bool) {
	if !hr.query.Has(name) {
		return "", false
	}
	return hr.query.Get(name), true
}

func (hr *httpRequest) ContentLength() int64 {
	return hr.r.ContentLength
}

func (hr *httpRequest) AccessKeyId() string {
	return hr.accessKeyId
}

func (hr *httpRequest) ReadBody(n int, done func(data []byte, err error)) {
	if hr.finished.Load() {
		done(nil, errResponseFinished)
		return
	}
	go func() {
		buffer := make([]byte, n)
		read, err := io.ReadFull(hr.r.Body, buffer)
		if hr.remaining >= 0 {
			hr.remaining -= int64(read)
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || (err == nil && hr.remaining == 0) {
			err = io.EOF
		}
		hr.loop.PostOrRun(func() { done(buffer[:read], err) }, hr.dropCompletion)
	}()
}

func (hr *httpRequest) SetHeader(name string, value string) {
	hr.enqueue(func() bool {
		hr.w.Header().Set(name, value)
		return false
	})
}

func (hr *httpRequest) SendResponse(status int, body []byte) {
	hr.enqueue(func() bool {
		hr.w.Header().Set(requestIdHeader, hr.id)
		hr.wroteHeader = true
		hr.w.WriteHeader(status)
		if len(body) > 0 {
			hr.w.Write(body)
		}
		return true
	})
}

func (hr *httpRequest) StartResponse(status int) {
	hr.enqueue(func() bool {
		hr.w.Header().Set(requestIdHeader, hr.id)
		hr.wroteHeader = true
		hr.w.WriteHeader(status)
		return false
	})
}

func (hr *httpRequest) WriteResponseBody(data []byte, done func(err error)) {
	hr.enqueue(func() bool {
		_, err := hr.w.Write(data)
		if err == nil {
			err = http.NewResponseController(hr.w).Flush()
		}
		hr.loop.PostOrRun(func() { done(err) }, hr.dropCompletion)
		return false
	})
}

func (hr *httpRequest) EndResponse() {
	hr.enqueue(func() bool { return true })
}

func (hr *httpRequest) AbortResponse() {
	hr.enqueue(func() bool {
		// net/http closes the connection without logging.
		panic(http.ErrAbortHandler)
	})
}

func (hr *httpRequest) ClientDisconnected() bool {
	return hr.r.Context().Err() != nil && !hr.finished.Load()
}
