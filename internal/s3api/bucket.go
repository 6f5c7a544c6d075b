package s3api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/jdillenkofer/strato/internal/action"
	"github.com/jdillenkofer/strato/internal/asyncop"
	"github.com/jdillenkofer/strato/internal/authorization"
	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/jdillenkofer/strato/internal/metadata"
)

type createBucket struct {
	p    *action.Pipeline
	name string
}

func NewCreateBucket(deps *action.Dependencies, request action.Request, name string) *action.Pipeline {
	a := &createBucket{name: name}
	a.p = action.NewPipeline("CreateBucket", deps, request, a)
	a.p.AddAuthorizeStep(authorization.OperationCreateBucket, &a.name, nil)
	a.p.AddStep("validate", a.validate)
	a.p.AddStep("check_exists", a.checkExists)
	a.p.AddStep("save_bucket", a.saveBucket)
	return a.p
}

func (a *createBucket) validate() {
	if err := metadata.ValidateBucketName(a.name); err != nil {
		a.p.Fail(action.InvalidBucketName, err.Error())
		return
	}
	a.p.Next()
}

func (a *createBucket) checkExists() {
	lookup(a.p, "check_exists", metadata.BucketIndex(), a.name, func([]byte) {
		a.p.Fail(action.BucketAlreadyOwnedByYou, "bucket "+a.name+" already exists")
	}, a.p.Next)
}

func (a *createBucket) saveBucket() {
	if !a.p.ClientConnected() {
		return
	}
	bucket := metadata.NewBucket(a.name, time.Now())
	a.p.LaunchOne("save_bucket", metadata.PutOp(metadata.BucketIndex(), a.name, bucket), func(*asyncop.Context) {
		a.p.Next()
	})
}

func (a *createBucket) Respond() {
	a.p.Request().SetHeader(locationHeader, "/"+a.name)
	a.p.SendResponse(http.StatusOK, nil)
}

func (a *createBucket) PlanCleanup() {}

type headBucket struct {
	p      *action.Pipeline
	name   string
	bucket metadata.Bucket
}

func NewHeadBucket(deps *action.Dependencies, request action.Request, name string) *action.Pipeline {
	a := &headBucket{name: name}
	a.p = action.NewPipeline("HeadBucket", deps, request, a)
	a.p.AddAuthorizeStep(authorization.OperationHeadBucket, &a.name, nil)
	addLookupBucketStep(a.p, a.name, &a.bucket)
	return a.p
}

func (a *headBucket) Respond() {
	a.p.SendResponse(http.StatusOK, nil)
}

func (a *headBucket) PlanCleanup() {}

type deleteBucket struct {
	p      *action.Pipeline
	name   string
	bucket metadata.Bucket
}

func NewDeleteBucket(deps *action.Dependencies, request action.Request, name string) *action.Pipeline {
	a := &deleteBucket{name: name}
	a.p = action.NewPipeline("DeleteBucket", deps, request, a)
	a.p.AddAuthorizeStep(authorization.OperationDeleteBucket, &a.name, nil)
	addLookupBucketStep(a.p, a.name, &a.bucket)
	a.p.AddStep("check_empty", a.checkEmpty)
	a.p.AddStep("delete_bucket", a.deleteBucket)
	return a.p
}

func (a *deleteBucket) checkEmpty() {
	a.p.Launch("check_empty", []*backend.Op{
		metadata.ListOp(a.bucket.ObjectIndexId, "", "", 1),
		metadata.ListOp(a.bucket.MultipartIndexId, "", "", 1),
	}, func(c *asyncop.Context) {
		if !c.AllSucceeded() {
			a.p.FailWith(c)
			return
		}
		objects := len(c.Result(0).Keys)
		uploads := len(c.Result(1).Keys)
		if objects > 0 || uploads > 0 {
			a.p.Fail(action.BucketNotEmpty, fmt.Sprintf("bucket %s still has objects or uploads", a.name))
			return
		}
		a.p.Next()
	})
}

func (a *deleteBucket) deleteBucket() {
	if !a.p.ClientConnected() {
		return
	}
	a.p.LaunchOne("delete_bucket", metadata.DeleteOp(metadata.BucketIndex(), a.name), func(*asyncop.Context) {
		a.p.Next()
	})
}

func (a *deleteBucket) Respond() {
	a.p.SendResponse(http.StatusNoContent, nil)
}

func (a *deleteBucket) PlanCleanup() {}
