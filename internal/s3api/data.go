package s3api

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/jdillenkofer/strato/internal/action"
	"github.com/jdillenkofer/strato/internal/asyncop"
	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/jdillenkofer/strato/internal/metadata"
)

var errInvalidContentMd5 = errors.New("invalid Content-MD5 header")

// parseContentMd5 returns the digest of the Content-MD5 header or nil if
// the header is absent.
func parseContentMd5(request action.Request) ([]byte, error) {
	value := request.Header(contentMd5Header)
	if value == "" {
		return nil, nil
	}
	digest, err := base64.StdEncoding.DecodeString(value)
	if err != nil || len(digest) != md5.Size {
		return nil, errInvalidContentMd5
	}
	return digest, nil
}

// bodyWriter streams the request body into a created object one layout
// write at a time and computes its MD5.
type bodyWriter struct {
	p           *action.Pipeline
	creation    *action.ObjectCreation
	layout      backend.Layout
	expectedMd5 []byte
	hash        hash.Hash
	size        int64
}

func newBodyWriter(p *action.Pipeline, creation *action.ObjectCreation, layout backend.Layout, expectedMd5 []byte) *bodyWriter {
	return &bodyWriter{
		p:           p,
		creation:    creation,
		layout:      layout,
		expectedMd5: expectedMd5,
		hash:        md5.New(),
	}
}

func (w *bodyWriter) ETag() string {
	return hex.EncodeToString(w.hash.Sum(nil))
}

func (w *bodyWriter) Size() int64 {
	return w.size
}

// Run is the body of the write step.
func (w *bodyWriter) Run() {
	w.read()
}

func (w *bodyWriter) read() {
	w.p.Request().ReadBody(int(w.layout.WriteSize()), func(data []byte, err error) {
		eof := errors.Is(err, io.EOF)
		if err != nil && !eof {
			if w.p.Request().ClientDisconnected() {
				w.p.Fail(action.ClientDisconnected, fmt.Sprintf("reading body: %v", err))
				return
			}
			w.p.Fail(action.IncompleteBody, fmt.Sprintf("reading body: %v", err))
			return
		}
		offset := w.size
		w.size += int64(len(data))
		if w.size > MaxObjectSize {
			w.p.Fail(action.EntityTooLarge, fmt.Sprintf("body exceeds %d bytes", int64(MaxObjectSize)))
			return
		}
		w.hash.Write(data)
		continueWith := w.read
		if eof {
			continueWith = w.finish
		}
		if len(data) == 0 {
			continueWith()
			return
		}
		w.p.LaunchOne("write_data", &backend.Op{
			Kind:   backend.OpWriteObject,
			Object: w.creation.Id(),
			Offset: offset,
			Data:   data,
		}, func(*asyncop.Context) {
			continueWith()
		})
	})
}

func (w *bodyWriter) finish() {
	if contentLength := w.p.Request().ContentLength(); contentLength >= 0 && contentLength != w.size {
		w.p.Fail(action.IncompleteBody, fmt.Sprintf("received %d of %d bytes", w.size, contentLength))
		return
	}
	if w.expectedMd5 != nil && !bytes.Equal(w.expectedMd5, w.hash.Sum(nil)) {
		w.p.Fail(action.BadDigest, "Content-MD5 does not match the body")
		return
	}
	w.p.Next()
}

// objectStreamer sends the data objects of an object as a streamed
// response body. Each read is issued only after the previous chunk was
// written to the client.
type objectStreamer struct {
	p      *action.Pipeline
	refs   []metadata.PartRef
	ref    int
	offset int64
}

func newObjectStreamer(p *action.Pipeline, object *metadata.Object) *objectStreamer {
	return &objectStreamer{p: p, refs: object.DataObjects()}
}

// Run is the body of the streaming step. The response must be started.
func (s *objectStreamer) Run() {
	s.next()
}

func (s *objectStreamer) next() {
	for s.ref < len(s.refs) && s.offset >= s.refs[s.ref].Size {
		s.ref++
		s.offset = 0
	}
	if s.ref >= len(s.refs) {
		s.p.Next()
		return
	}
	ref := s.refs[s.ref]
	layout, ok := backend.LayoutById(ref.LayoutId)
	if !ok {
		layout = backend.LayoutForSize(ref.Size)
	}
	length := min(layout.WriteSize(), ref.Size-s.offset)
	s.p.LaunchOne("read_data", &backend.Op{
		Kind:   backend.OpReadObject,
		Object: ref.ObjectId,
		Offset: s.offset,
		Length: length,
	}, func(c *asyncop.Context) {
		data := c.Result(0).Data
		if int64(len(data)) != length {
			s.p.Fail(action.InternalError, fmt.Sprintf("short read of %s: %d of %d bytes", ref.ObjectId, len(data), length))
			return
		}
		s.offset += length
		s.p.Request().WriteResponseBody(data, func(err error) {
			if err != nil {
				s.p.Fail(action.ClientDisconnected, fmt.Sprintf("writing body: %v", err))
				return
			}
			s.next()
		})
	})
}
