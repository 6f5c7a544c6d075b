package authorization

import "context"

type Authorization struct {
	AccessKeyId string
}

const (
	OperationCreateBucket            = "CreateBucket"
	OperationHeadBucket              = "HeadBucket"
	OperationDeleteBucket            = "DeleteBucket"
	OperationPutObject               = "PutObject"
	OperationGetObject               = "GetObject"
	OperationHeadObject              = "HeadObject"
	OperationDeleteObject            = "DeleteObject"
	OperationCreateMultipartUpload   = "CreateMultipartUpload"
	OperationUploadPart              = "UploadPart"
	OperationCompleteMultipartUpload = "CompleteMultipartUpload"
	OperationAbortMultipartUpload    = "AbortMultipartUpload"
)

// IsReadOnly reports whether operation never mutates the backing store.
func IsReadOnly(operation string) bool {
	switch operation {
	case OperationHeadBucket, OperationGetObject, OperationHeadObject:
		return true
	}
	return false
}

type Request struct {
	RequestId     string
	Operation     string
	Authorization Authorization
	Bucket        *string
	Key           *string
}

// RequestAuthorizer decides whether a request may run. Implementations may
// block and are never called on the control loop.
type RequestAuthorizer interface {
	AuthorizeRequest(ctx context.Context, request *Request) (bool, error)
}

// AllowAll authorizes every request.
type AllowAll struct{}

func (AllowAll) AuthorizeRequest(ctx context.Context, request *Request) (bool, error) {
	return true, nil
}
