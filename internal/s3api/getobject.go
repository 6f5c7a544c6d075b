package s3api

import (
	"net/http"
	"strconv"

	"github.com/jdillenkofer/strato/internal/action"
	"github.com/jdillenkofer/strato/internal/authorization"
	"github.com/jdillenkofer/strato/internal/metadata"
)

func setObjectHeaders(request action.Request, object *metadata.Object) {
	request.SetHeader(etagHeader, quoteETag(object.ETag))
	request.SetHeader(lastModifiedHeader, formatLastModified(object.LastModified))
	request.SetHeader(contentLengthHeader, strconv.FormatInt(object.Size, 10))
	request.SetHeader(contentTypeHeader, object.ContentType)
	request.SetHeader(versionIdHeader, object.VersionId)
}

type getObject struct {
	p          *action.Pipeline
	bucketName string
	key        string
	bucket     metadata.Bucket
	object     *metadata.Object
}

func NewGetObject(deps *action.Dependencies, request action.Request, bucket string, key string) *action.Pipeline {
	a := &getObject{bucketName: bucket, key: key}
	a.p = action.NewPipeline("GetObject", deps, request, a)
	a.p.AddAuthorizeStep(authorization.OperationGetObject, &a.bucketName, &a.key)
	addLookupBucketStep(a.p, a.bucketName, &a.bucket)
	addLookupObjectStep(a.p, &a.bucket, a.key, &a.object, nil)
	a.p.AddStep("stream_data", a.streamData)
	return a.p
}

func (a *getObject) streamData() {
	setObjectHeaders(a.p.Request(), a.object)
	a.p.StartResponse(http.StatusOK)
	newObjectStreamer(a.p, a.object).Run()
}

func (a *getObject) Respond() {}

func (a *getObject) PlanCleanup() {}

type headObject struct {
	p          *action.Pipeline
	bucketName string
	key        string
	bucket     metadata.Bucket
	object     *metadata.Object
}

func NewHeadObject(deps *action.Dependencies, request action.Request, bucket string, key string) *action.Pipeline {
	a := &headObject{bucketName: bucket, key: key}
	a.p = action.NewPipeline("HeadObject", deps, request, a)
	a.p.AddAuthorizeStep(authorization.OperationHeadObject, &a.bucketName, &a.key)
	addLookupBucketStep(a.p, a.bucketName, &a.bucket)
	addLookupObjectStep(a.p, &a.bucket, a.key, &a.object, nil)
	return a.p
}

func (a *headObject) Respond() {
	setObjectHeaders(a.p.Request(), a.object)
	a.p.SendResponse(http.StatusOK, nil)
}

func (a *headObject) PlanCleanup() {}
