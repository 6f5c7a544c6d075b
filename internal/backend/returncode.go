package backend

import (
	"fmt"
	"strconv"
)

// ReturnCode is the result of a backing store operation: 0 on success,
// otherwise a negated errno. The numeric errno values are the Linux ones on
// every platform so that persisted and logged codes stay comparable.
type ReturnCode int

const (
	errnoENOENT       = 2
	errnoEIO          = 5
	errnoENOMEM       = 12
	errnoEEXIST       = 17
	errnoEINVAL       = 22
	errnoENOTSUP      = 95
	errnoENOTCONN     = 107
	errnoESHUTDOWN    = 108
	errnoETIMEDOUT    = 110
	errnoECONNREFUSED = 111
	errnoEHOSTUNREACH = 113
	errnoECANCELED    = 125
)

const (
	RCSuccess      ReturnCode = 0
	RCNotFound     ReturnCode = -errnoENOENT
	RCIO           ReturnCode = -errnoEIO
	RCNoMemory     ReturnCode = -errnoENOMEM
	RCExists       ReturnCode = -errnoEEXIST
	RCInvalid      ReturnCode = -errnoEINVAL
	RCNotSupported ReturnCode = -errnoENOTSUP
	RCNotConn      ReturnCode = -errnoENOTCONN
	RCShutdown     ReturnCode = -errnoESHUTDOWN
	RCTimedOut     ReturnCode = -errnoETIMEDOUT
	RCConnRefused  ReturnCode = -errnoECONNREFUSED
	RCHostUnreach  ReturnCode = -errnoEHOSTUNREACH
	RCCanceled     ReturnCode = -errnoECANCELED
)

var returnCodeNames = map[ReturnCode]string{
	RCSuccess:      "OK",
	RCNotFound:     "ENOENT",
	RCIO:           "EIO",
	RCNoMemory:     "ENOMEM",
	RCExists:       "EEXIST",
	RCInvalid:      "EINVAL",
	RCNotSupported: "ENOTSUP",
	RCNotConn:      "ENOTCONN",
	RCShutdown:     "ESHUTDOWN",
	RCTimedOut:     "ETIMEDOUT",
	RCConnRefused:  "ECONNREFUSED",
	RCHostUnreach:  "EHOSTUNREACH",
	RCCanceled:     "ECANCELED",
}

func (rc ReturnCode) IsSuccess() bool {
	return rc == RCSuccess
}

// IsConnectivityFailure reports whether rc means the backend could not be
// reached, as opposed to a permanent failure of the operation itself.
func (rc ReturnCode) IsConnectivityFailure() bool {
	switch rc {
	case RCTimedOut, RCShutdown, RCConnRefused, RCHostUnreach, RCNotConn, RCCanceled:
		return true
	}
	return false
}

func (rc ReturnCode) String() string {
	if name, ok := returnCodeNames[rc]; ok {
		return name
	}
	return "errno(" + strconv.Itoa(int(-rc)) + ")"
}

// Error wraps a non success ReturnCode as an error.
type Error struct {
	Code    ReturnCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend operation failed: %s", e.Code)
	}
	return fmt.Sprintf("backend operation failed: %s: %s", e.Code, e.Message)
}

// Err returns nil for a successful result and an *Error otherwise.
func (r Result) Err() error {
	if r.RC.IsSuccess() {
		return nil
	}
	return &Error{Code: r.RC, Message: r.Message}
}
