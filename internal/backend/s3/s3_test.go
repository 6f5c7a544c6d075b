package s3

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"testing"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/jdillenkofer/strato/internal/oid"
	testutils "github.com/jdillenkofer/strato/internal/testing"
	"github.com/stretchr/testify/assert"
)

func TestKeysArePrefixedByObjectId(t *testing.T) {
	testutils.SkipIfIntegration(t)

	e := New(nil, "bucket", "data/")
	id := oid.Id{Hi: 1, Lo: 2}
	assert.Equal(t, "data/AAAAAAAAAAE=-AAAAAAAAAAI=/.object", e.markerKey(id))
	assert.Equal(t, "data/AAAAAAAAAAE=-AAAAAAAAAAI=/00000000000000065536", e.blockKey(id, 65536))
}

func TestIndexOpsAreNotSupported(t *testing.T) {
	testutils.SkipIfIntegration(t)

	e := New(nil, "bucket", "")
	result := e.Execute(context.Background(), &backend.Op{Kind: backend.OpIndexGet, Keys: []string{"a"}})
	assert.Equal(t, backend.RCNotSupported, result.RC)
	assert.Equal(t, []backend.ReturnCode{backend.RCNotSupported}, result.KeyRCs)
}

func TestReturnCodeOf(t *testing.T) {
	testutils.SkipIfIntegration(t)

	assert.Equal(t, backend.RCNotFound, returnCodeOf(&smithy.GenericAPIError{Code: "NoSuchKey"}))
	assert.Equal(t, backend.RCExists, returnCodeOf(fmt.Errorf("put: %w", &smithy.GenericAPIError{Code: "PreconditionFailed"})))
	assert.Equal(t, backend.RCTimedOut, returnCodeOf(&smithy.GenericAPIError{Code: "SlowDown"}))
	assert.Equal(t, backend.RCTimedOut, returnCodeOf(&smithyhttp.ResponseError{Response: &smithyhttp.Response{Response: &http.Response{StatusCode: 503}}, Err: errors.New("unavailable")}))
	assert.Equal(t, backend.RCConnRefused, returnCodeOf(&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}))
	assert.Equal(t, backend.RCCanceled, returnCodeOf(context.Canceled))
	assert.Equal(t, backend.RCIO, returnCodeOf(errors.New("boom")))
}
