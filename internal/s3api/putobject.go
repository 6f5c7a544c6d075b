package s3api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/jdillenkofer/strato/internal/action"
	"github.com/jdillenkofer/strato/internal/asyncop"
	"github.com/jdillenkofer/strato/internal/authorization"
	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/jdillenkofer/strato/internal/ledger"
	"github.com/jdillenkofer/strato/internal/metadata"
	"github.com/oklog/ulid/v2"
)

// putObject writes the body into a new object and then points the object
// index at it. A superseded version is deleted through the ledger once the
// new one is committed.
type putObject struct {
	p              *action.Pipeline
	bucketName     string
	key            string
	versionId      string
	bucket         metadata.Bucket
	old            *metadata.Object
	layout         backend.Layout
	expectedMd5    []byte
	creation       *action.ObjectCreation
	writer         *bodyWriter
	object         metadata.Object
	committed      bool
	versionWritten bool
}

func NewPutObject(deps *action.Dependencies, request action.Request, bucket string, key string) *action.Pipeline {
	a := &putObject{
		bucketName: bucket,
		key:        key,
		versionId:  ulid.Make().String(),
		layout:     backend.LayoutForSize(request.ContentLength()),
	}
	a.p = action.NewPipeline("PutObject", deps, request, a)
	a.p.AddAuthorizeStep(authorization.OperationPutObject, &a.bucketName, &a.key)
	a.p.AddStep("validate", a.validate)
	addLookupBucketStep(a.p, a.bucketName, &a.bucket)
	addLookupObjectStep(a.p, &a.bucket, a.key, &a.old, a.p.Next)
	a.p.AddStep("create_object", a.createObject)
	a.p.AddStep("write_data", func() { a.writer.Run() })
	a.p.AddStep("save_metadata", a.saveMetadata)
	return a.p
}

func (a *putObject) validate() {
	if !validateKey(a.key) {
		a.p.Fail(action.InvalidArgument, fmt.Sprintf("key length must be between 1 and %d", maxKeyLength))
		return
	}
	if a.p.Request().ContentLength() > MaxObjectSize {
		a.p.Fail(action.EntityTooLarge, fmt.Sprintf("content length %d exceeds %d", a.p.Request().ContentLength(), int64(MaxObjectSize)))
		return
	}
	digest, err := parseContentMd5(a.p.Request())
	if err != nil {
		a.p.Fail(action.InvalidDigest, err.Error())
		return
	}
	a.expectedMd5 = digest
	a.p.Next()
}

func (a *putObject) createObject() {
	template := ledger.Record{
		ObjectName:     a.key,
		LayoutId:       a.layout.Id,
		ObjectIndexId:  a.bucket.ObjectIndexId,
		VersionIndexId: a.bucket.VersionIndexId,
		VersionKey:     metadata.VersionKey(a.key, a.versionId),
	}
	a.creation = action.NewObjectCreation(a.p, metadata.ObjectSeed(a.bucketName, a.key, a.versionId), template, dataRecords(&a.bucket, a.old)...)
	a.writer = newBodyWriter(a.p, a.creation, a.layout, a.expectedMd5)
	a.creation.Run()
}

func (a *putObject) saveMetadata() {
	if !a.p.ClientConnected() {
		return
	}
	contentType := a.p.Request().Header(contentTypeHeader)
	if contentType == "" {
		contentType = defaultContentType
	}
	a.object = metadata.Object{
		Key:          a.key,
		VersionId:    a.versionId,
		ObjectId:     a.creation.Id(),
		LayoutId:     a.layout.Id,
		Size:         a.writer.Size(),
		ETag:         a.writer.ETag(),
		ContentType:  contentType,
		LastModified: time.Now().UTC(),
	}
	commit(a.p, &a.bucket, &a.object, &a.committed, &a.versionWritten)
}

// commit writes object to the object and version index. The object index
// entry decides: once it is written the new version is committed. A
// failed version index write is only logged.
func commit(p *action.Pipeline, bucket *metadata.Bucket, object *metadata.Object, committed *bool, versionWritten *bool) {
	p.Launch("save_metadata", []*backend.Op{
		metadata.PutOp(bucket.ObjectIndexId, object.Key, object),
		metadata.PutOp(bucket.VersionIndexId, metadata.VersionKey(object.Key, object.VersionId), object),
	}, func(c *asyncop.Context) {
		*versionWritten = c.Response(1).Status == asyncop.StatusSuccess
		if c.Response(0).Status != asyncop.StatusSuccess {
			failure := c.Response(0)
			p.Fail(action.KindForCode(failure.Code), fmt.Sprintf("saving object metadata failed with %s %s", failure.Code, failure.Message))
			return
		}
		*committed = true
		if !*versionWritten {
			p.Logger().Warn(fmt.Sprintf("Saving version %s of %s failed with %s", object.VersionId, object.Key, c.Response(1).Code))
		}
		p.Next()
	})
}

func (a *putObject) Respond() {
	a.p.Request().SetHeader(etagHeader, quoteETag(a.object.ETag))
	a.p.Request().SetHeader(versionIdHeader, a.versionId)
	a.p.SendResponse(http.StatusOK, nil)
}

func (a *putObject) PlanCleanup() {
	if a.creation == nil {
		return
	}
	if a.committed {
		a.creation.AddSupersedeCleanup()
		addRemoveVersionCleanup(a.p, &a.bucket, a.old)
		return
	}
	if a.versionWritten {
		a.p.AddCleanupStep("remove_new_version", func() {
			removeKeys(a.p, "remove_new_version", a.bucket.VersionIndexId, metadata.VersionKey(a.key, a.versionId))
		})
	}
	a.creation.AddAbandonCleanup()
}
