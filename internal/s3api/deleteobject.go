package s3api

import (
	"net/http"

	"github.com/jdillenkofer/strato/internal/action"
	"github.com/jdillenkofer/strato/internal/asyncop"
	"github.com/jdillenkofer/strato/internal/authorization"
	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/jdillenkofer/strato/internal/ledger"
	"github.com/jdillenkofer/strato/internal/metadata"
)

// deleteObject records the data objects of the current version in the
// ledger before its metadata is removed, so the data is reclaimed even if
// the process dies before the delete.
type deleteObject struct {
	p          *action.Pipeline
	bucketName string
	key        string
	bucket     metadata.Bucket
	object     *metadata.Object
	entries    []ledger.Entry
	recorded   bool
	removed    bool
}

func NewDeleteObject(deps *action.Dependencies, request action.Request, bucket string, key string) *action.Pipeline {
	a := &deleteObject{bucketName: bucket, key: key}
	a.p = action.NewPipeline("DeleteObject", deps, request, a)
	a.p.AddAuthorizeStep(authorization.OperationDeleteObject, &a.bucketName, &a.key)
	addLookupBucketStep(a.p, a.bucketName, &a.bucket)
	addLookupObjectStep(a.p, &a.bucket, a.key, &a.object, a.p.Next)
	a.p.AddStep("record_delete", a.recordDelete)
	a.p.AddStep("delete_metadata", a.deleteMetadata)
	return a.p
}

func (a *deleteObject) recordDelete() {
	if a.object == nil {
		a.p.Next()
		return
	}
	for _, record := range dataRecords(&a.bucket, a.object) {
		a.entries = append(a.entries, ledger.NewEntry(record))
	}
	a.p.Deps().Ledger.RecordNew(a.entries, func(*asyncop.Context) {
		a.recorded = true
		a.p.Next()
	}, a.p.FailWith)
}

func (a *deleteObject) deleteMetadata() {
	if a.object == nil {
		a.p.Next()
		return
	}
	if !a.p.ClientConnected() {
		return
	}
	a.p.Launch("delete_metadata", []*backend.Op{
		metadata.DeleteOp(a.bucket.ObjectIndexId, a.key),
		metadata.DeleteOp(a.bucket.VersionIndexId, metadata.VersionKey(a.key, a.object.VersionId)),
	}, func(c *asyncop.Context) {
		if c.Response(0).Status != asyncop.StatusSuccess {
			a.p.FailWith(c)
			return
		}
		a.removed = true
		a.p.Next()
	})
}

func (a *deleteObject) Respond() {
	a.p.SendResponse(http.StatusNoContent, nil)
}

func (a *deleteObject) PlanCleanup() {
	if !a.recorded {
		return
	}
	if a.removed {
		a.p.AddDiscardCleanup("deleted", action.Discard{Entries: a.entries})
		return
	}
	a.p.AddCleanupStep("remove_entries", func() {
		keys := make([]string, 0, len(a.entries))
		for _, entry := range a.entries {
			keys = append(keys, entry.Key)
		}
		a.p.Deps().Ledger.Remove(keys, func(*asyncop.Context) { a.p.Next() }, func(c *asyncop.Context) {
			a.p.FailWith(c)
		})
	})
}
