package s3

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/jdillenkofer/strato/internal/backend"
)

func returnCodeOf(err error) backend.ReturnCode {
	if err == nil {
		return backend.RCSuccess
	}
	if errors.Is(err, context.Canceled) {
		return backend.RCCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return backend.RCTimedOut
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return backend.RCNotFound
		case "PreconditionFailed", "ConditionalRequestConflict":
			return backend.RCExists
		case "SlowDown", "ServiceUnavailable", "RequestTimeout", "RequestTimeTooSkewed":
			return backend.RCTimedOut
		}
	}

	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		switch re.HTTPStatusCode() {
		case http.StatusNotFound:
			return backend.RCNotFound
		case http.StatusPreconditionFailed, http.StatusConflict:
			return backend.RCExists
		case http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusTooManyRequests:
			return backend.RCTimedOut
		}
		return backend.RCIO
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return backend.RCConnRefused
	}
	if errors.Is(err, syscall.EHOSTUNREACH) {
		return backend.RCHostUnreach
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return backend.RCTimedOut
		}
		return backend.RCNotConn
	}
	return backend.RCIO
}
