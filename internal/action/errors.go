package action

import (
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jdillenkofer/strato/internal/asyncop"
	"github.com/jdillenkofer/strato/internal/backend"
)

// ErrorKind is the S3 error a failed pipeline responds with.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	InternalError
	ServiceUnavailable
	AccessDenied
	NoSuchBucket
	NoSuchKey
	NoSuchUpload
	BucketAlreadyOwnedByYou
	BucketNotEmpty
	InvalidBucketName
	InvalidDigest
	BadDigest
	InvalidPart
	InvalidPartOrder
	InvalidArgument
	MalformedXML
	EntityTooLarge
	IncompleteBody
	// ClientDisconnected aborts the pipeline without sending a response.
	ClientDisconnected
)

type errorInfo struct {
	code      string
	status    int
	message   string
	retryable bool
}

var errorInfos = map[ErrorKind]errorInfo{
	InternalError:           {"InternalError", http.StatusInternalServerError, "We encountered an internal error. Please try again.", true},
	ServiceUnavailable:      {"ServiceUnavailable", http.StatusServiceUnavailable, "Reduce your request rate.", true},
	AccessDenied:            {"AccessDenied", http.StatusForbidden, "Access Denied", false},
	NoSuchBucket:            {"NoSuchBucket", http.StatusNotFound, "The specified bucket does not exist", false},
	NoSuchKey:               {"NoSuchKey", http.StatusNotFound, "The specified key does not exist.", false},
	NoSuchUpload:            {"NoSuchUpload", http.StatusNotFound, "The specified upload does not exist.", false},
	BucketAlreadyOwnedByYou: {"BucketAlreadyOwnedByYou", http.StatusConflict, "Your previous request to create the named bucket succeeded and you already own it.", false},
	BucketNotEmpty:          {"BucketNotEmpty", http.StatusConflict, "The bucket you tried to delete is not empty", false},
	InvalidBucketName:       {"InvalidBucketName", http.StatusBadRequest, "The specified bucket is not valid.", false},
	InvalidDigest:           {"InvalidDigest", http.StatusBadRequest, "The Content-MD5 you specified is not valid.", false},
	BadDigest:               {"BadDigest", http.StatusBadRequest, "The Content-MD5 you specified did not match what we received.", false},
	InvalidPart:             {"InvalidPart", http.StatusBadRequest, "One or more of the specified parts could not be found.", false},
	InvalidPartOrder:        {"InvalidPartOrder", http.StatusBadRequest, "The list of parts was not in ascending order.", false},
	InvalidArgument:         {"InvalidArgument", http.StatusBadRequest, "Invalid Argument", false},
	MalformedXML:            {"MalformedXML", http.StatusBadRequest, "The XML you provided was not well-formed or did not validate against our published schema.", false},
	EntityTooLarge:          {"EntityTooLarge", http.StatusBadRequest, "Your proposed upload exceeds the maximum allowed object size.", false},
	IncompleteBody:          {"IncompleteBody", http.StatusBadRequest, "You did not provide the number of bytes specified by the Content-Length HTTP header.", false},
	ClientDisconnected:      {"ClientDisconnected", 499, "The client closed the connection.", false},
}

func (k ErrorKind) info() errorInfo {
	if info, ok := errorInfos[k]; ok {
		return info
	}
	return errorInfos[InternalError]
}

func (k ErrorKind) Code() string {
	return k.info().code
}

func (k ErrorKind) Status() int {
	return k.info().status
}

func (k ErrorKind) Message() string {
	return k.info().message
}

func (k ErrorKind) Retryable() bool {
	return k.info().retryable
}

func (k ErrorKind) String() string {
	if k == ErrorNone {
		return "None"
	}
	return k.Code()
}

// KindForCode maps a failed backend return code to the error the client
// sees. Transient and launch failures become ServiceUnavailable.
func KindForCode(rc backend.ReturnCode) ErrorKind {
	switch {
	case rc.IsSuccess():
		return ErrorNone
	case rc.IsConnectivityFailure(), rc == backend.RCNoMemory:
		return ServiceUnavailable
	}
	return InternalError
}

// KindForContext maps the first failed slot of c.
func KindForContext(c *asyncop.Context) ErrorKind {
	if c.FailedToLaunch() {
		return ServiceUnavailable
	}
	return KindForCode(c.FirstFailure().Code)
}

type ErrorResponse struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource"`
	RequestId string   `xml:"RequestId"`
}

func XmlMarshalWithDocType(v any) ([]byte, error) {
	xmlResponse, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Error(fmt.Sprintf("Error during xml marshalling: %v", err))
		return nil, err
	}
	xmlResponse = []byte(xml.Header + string(xmlResponse))
	return xmlResponse, nil
}
