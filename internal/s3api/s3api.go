package s3api

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jdillenkofer/strato/internal/action"
	"github.com/jdillenkofer/strato/internal/asyncop"
	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/jdillenkofer/strato/internal/ledger"
	"github.com/jdillenkofer/strato/internal/metadata"
	"github.com/jdillenkofer/strato/internal/oid"
)

const maxKeyLength = 1024

// MaxObjectSize is the largest object a single PutObject or UploadPart
// accepts.
const MaxObjectSize = 5 * 1024 * 1024 * 1024

const maxCompleteBodySize = 1024 * 1024

const etagHeader = "ETag"
const lastModifiedHeader = "Last-Modified"
const contentTypeHeader = "Content-Type"
const contentLengthHeader = "Content-Length"
const contentMd5Header = "Content-MD5"
const locationHeader = "Location"
const versionIdHeader = "x-amz-version-id"

const applicationXmlContentType = "application/xml"
const defaultContentType = "binary/octet-stream"

const storageClassStandard = "STANDARD"

type InitiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadId string   `xml:"UploadId"`
}

type Part struct {
	ETag       string `xml:"ETag"`
	PartNumber int    `xml:"PartNumber"`
}

type CompleteMultipartUploadRequest struct {
	XMLName xml.Name `xml:"CompleteMultipartUpload"`
	Parts   []*Part  `xml:"Part"`
}

type CompleteMultipartUploadResult struct {
	XMLName  xml.Name `xml:"CompleteMultipartUploadResult"`
	Location string   `xml:"Location"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	ETag     string   `xml:"ETag"`
}

func quoteETag(etag string) string {
	return strconv.Quote(etag)
}

func formatLastModified(t time.Time) string {
	gmtTimeLoc := time.FixedZone("GMT", 0)
	return t.In(gmtTimeLoc).Format(time.RFC1123)
}

// sendXml sends v as the XML body of a 200 response.
func sendXml(p *action.Pipeline, v any) {
	body, err := action.XmlMarshalWithDocType(v)
	if err != nil {
		p.Logger().Error(fmt.Sprintf("Encoding response failed: %v", err))
		p.SendResponse(action.InternalError.Status(), nil)
		return
	}
	p.Request().SetHeader(contentTypeHeader, applicationXmlContentType)
	p.SendResponse(http.StatusOK, body)
}

// lookup reads key from index. found runs with the stored value, missing
// if the key does not exist. Any other failure fails the step.
func lookup(p *action.Pipeline, operation string, index oid.Id, key string, found func(value []byte), missing func()) {
	p.Deps().Engine.LaunchOne(p.Name()+"."+operation, metadata.GetOp(index, key), func(c *asyncop.Context) {
		found(c.Result(0).Values[0])
	}, func(c *asyncop.Context) {
		if notFound(c) {
			missing()
			return
		}
		p.FailWith(c)
	})
}

// notFound reports whether every op of c failed because its target is gone.
func notFound(c *asyncop.Context) bool {
	if c.FailedToLaunch() {
		return false
	}
	for i := range c.Count() {
		if c.Response(i).Code != backend.RCNotFound {
			return false
		}
	}
	return true
}

// decodeInto decodes value into target or fails the step.
func decodeInto[T any](p *action.Pipeline, what string, value []byte, target *T) bool {
	decoded, err := metadata.Decode[T](value)
	if err != nil {
		p.Fail(action.InternalError, fmt.Sprintf("corrupted %s metadata: %v", what, err))
		return false
	}
	*target = decoded
	return true
}

// addLookupBucketStep loads the bucket named name into bucket.
func addLookupBucketStep(p *action.Pipeline, name string, bucket *metadata.Bucket) {
	p.AddStep("lookup_bucket", func() {
		lookup(p, "lookup_bucket", metadata.BucketIndex(), name, func(value []byte) {
			if decodeInto(p, "bucket", value, bucket) {
				p.Next()
			}
		}, func() {
			p.Fail(action.NoSuchBucket, "bucket "+name+" does not exist")
		})
	})
}

// addLookupObjectStep loads the current version of key into object. If
// missing is nil the step fails with NoSuchKey, otherwise missing decides.
func addLookupObjectStep(p *action.Pipeline, bucket *metadata.Bucket, key string, object **metadata.Object, missing func()) {
	p.AddStep("lookup_object", func() {
		lookup(p, "lookup_object", bucket.ObjectIndexId, key, func(value []byte) {
			var o metadata.Object
			if decodeInto(p, "object", value, &o) {
				*object = &o
				p.Next()
			}
		}, func() {
			if missing == nil {
				p.Fail(action.NoSuchKey, "object "+key+" does not exist")
				return
			}
			missing()
		})
	})
}

func validateKey(key string) bool {
	return len(key) > 0 && len(key) <= maxKeyLength
}

// dataRecords describes the data objects of object as ledger records.
func dataRecords(bucket *metadata.Bucket, object *metadata.Object) []ledger.Record {
	if object == nil {
		return nil
	}
	records := []ledger.Record{}
	for _, ref := range object.DataObjects() {
		records = append(records, ledger.Record{
			ObjectName:     object.Key,
			ObjectId:       ref.ObjectId,
			LayoutId:       ref.LayoutId,
			ObjectIndexId:  bucket.ObjectIndexId,
			VersionIndexId: bucket.VersionIndexId,
			VersionKey:     metadata.VersionKey(object.Key, object.VersionId),
			IsMultipart:    object.IsMultipart(),
			PartNumber:     ref.PartNumber,
		})
	}
	return records
}

// addRemoveVersionCleanup removes the version entry of a superseded object.
func addRemoveVersionCleanup(p *action.Pipeline, bucket *metadata.Bucket, object *metadata.Object) {
	if object == nil {
		return
	}
	p.AddCleanupStep("remove_old_version", func() {
		removeKeys(p, "remove_old_version", bucket.VersionIndexId, metadata.VersionKey(object.Key, object.VersionId))
	})
}

// removeKeys deletes keys from index as a step. Keys that are already gone
// count as removed.
func removeKeys(p *action.Pipeline, operation string, index oid.Id, keys ...string) {
	if len(keys) == 0 {
		p.Next()
		return
	}
	p.Deps().Engine.LaunchOne(p.Name()+"."+operation, metadata.DeleteOp(index, keys...), func(*asyncop.Context) {
		p.Next()
	}, func(c *asyncop.Context) {
		for _, rc := range c.Result(0).KeyRCs {
			if !rc.IsSuccess() && rc != backend.RCNotFound {
				p.FailWith(c)
				return
			}
		}
		if c.FailedToLaunch() || len(c.Result(0).KeyRCs) == 0 {
			p.FailWith(c)
			return
		}
		p.Next()
	})
}
