package action

import "context"

// Request is the view of an inbound HTTP request the pipeline works with.
// Methods taking a done callback return immediately and invoke done on the
// control loop later. All other methods must not block.
type Request interface {
	Id() string
	Context() context.Context
	Method() string
	Resource() string
	Header(name string) string
	Query(name string) (string, bool)
	ContentLength() int64
	AccessKeyId() string

	// ReadBody reads up to n bytes of the body. It reports io.EOF with the
	// final chunk. Reading pauses until the next call.
	ReadBody(n int, done func(data []byte, err error))

	SetHeader(name string, value string)
	// SendResponse sends a complete response.
	SendResponse(status int, body []byte)
	// StartResponse sends the status line and headers of a streamed response.
	StartResponse(status int)
	// WriteResponseBody writes the next chunk of a streamed response.
	WriteResponseBody(data []byte, done func(err error))
	// EndResponse finishes a streamed response.
	EndResponse()
	// AbortResponse tears down the connection of a streamed response.
	AbortResponse()

	ClientDisconnected() bool
}
