package s3api

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jdillenkofer/strato/internal/action"
	"github.com/jdillenkofer/strato/internal/asyncop"
	"github.com/jdillenkofer/strato/internal/authorization"
	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/jdillenkofer/strato/internal/ledger"
	"github.com/jdillenkofer/strato/internal/metadata"
	"github.com/jdillenkofer/strato/internal/oid"
	"github.com/oklog/ulid/v2"
)

func partRecord(bucket *metadata.Bucket, key string, part *metadata.Part) ledger.Record {
	return ledger.Record{
		ObjectName:      key,
		ObjectId:        part.ObjectId,
		LayoutId:        part.LayoutId,
		IsMultipart:     true,
		PartNumber:      part.PartNumber,
		ExtendedIndexId: bucket.PartIndexId,
		PartVersionKey:  metadata.PartKey(part.UploadId, part.PartNumber),
	}
}

func addLookupUploadStep(p *action.Pipeline, bucket *metadata.Bucket, key string, uploadId string, upload *metadata.Upload) {
	p.AddStep("lookup_upload", func() {
		lookup(p, "lookup_upload", bucket.MultipartIndexId, metadata.UploadKey(key, uploadId), func(value []byte) {
			if decodeInto(p, "upload", value, upload) {
				p.Next()
			}
		}, func() {
			p.Fail(action.NoSuchUpload, "upload "+uploadId+" does not exist")
		})
	})
}

func addListPartsStep(p *action.Pipeline, bucket *metadata.Bucket, uploadId string, parts *[]metadata.Part) {
	p.AddStep("list_parts", func() {
		p.LaunchOne("list_parts", metadata.ListOp(bucket.PartIndexId, metadata.PartPrefix(uploadId), "", metadata.MaxPartNumber), func(c *asyncop.Context) {
			result := c.Result(0)
			for i, value := range result.Values {
				var part metadata.Part
				if !decodeInto(p, "part "+result.Keys[i], value, &part) {
					return
				}
				*parts = append(*parts, part)
			}
			p.Next()
		})
	})
}

func partKeys(parts []metadata.Part) []string {
	keys := make([]string, 0, len(parts))
	for _, part := range parts {
		keys = append(keys, metadata.PartKey(part.UploadId, part.PartNumber))
	}
	return keys
}

func entryKeys(entries []ledger.Entry) []string {
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		keys = append(keys, entry.Key)
	}
	return keys
}

func addRemoveEntriesCleanup(p *action.Pipeline, entries []ledger.Entry) {
	if len(entries) == 0 {
		return
	}
	p.AddCleanupStep("remove_entries", func() {
		p.Deps().Ledger.Remove(entryKeys(entries), func(*asyncop.Context) { p.Next() }, p.FailWith)
	})
}

type createMultipartUpload struct {
	p          *action.Pipeline
	bucketName string
	key        string
	uploadId   string
	bucket     metadata.Bucket
}

func NewCreateMultipartUpload(deps *action.Dependencies, request action.Request, bucket string, key string) *action.Pipeline {
	a := &createMultipartUpload{bucketName: bucket, key: key, uploadId: ulid.Make().String()}
	a.p = action.NewPipeline("CreateMultipartUpload", deps, request, a)
	a.p.AddAuthorizeStep(authorization.OperationCreateMultipartUpload, &a.bucketName, &a.key)
	a.p.AddStep("validate", a.validate)
	addLookupBucketStep(a.p, a.bucketName, &a.bucket)
	a.p.AddStep("save_upload", a.saveUpload)
	return a.p
}

func (a *createMultipartUpload) validate() {
	if !validateKey(a.key) {
		a.p.Fail(action.InvalidArgument, fmt.Sprintf("key length must be between 1 and %d", maxKeyLength))
		return
	}
	a.p.Next()
}

func (a *createMultipartUpload) saveUpload() {
	if !a.p.ClientConnected() {
		return
	}
	contentType := a.p.Request().Header(contentTypeHeader)
	if contentType == "" {
		contentType = defaultContentType
	}
	upload := metadata.Upload{
		Key:         a.key,
		UploadId:    a.uploadId,
		ContentType: contentType,
		Initiated:   time.Now().UTC(),
	}
	a.p.LaunchOne("save_upload", metadata.PutOp(a.bucket.MultipartIndexId, metadata.UploadKey(a.key, a.uploadId), upload), func(*asyncop.Context) {
		a.p.Next()
	})
}

func (a *createMultipartUpload) Respond() {
	sendXml(a.p, InitiateMultipartUploadResult{
		Bucket:   a.bucketName,
		Key:      a.key,
		UploadId: a.uploadId,
	})
}

func (a *createMultipartUpload) PlanCleanup() {}

// uploadPart stores one part like putObject stores an object. A part
// uploaded again under the same number supersedes the previous one.
type uploadPart struct {
	p           *action.Pipeline
	bucketName  string
	key         string
	uploadId    string
	partNumber  int
	bucket      metadata.Bucket
	upload      metadata.Upload
	old         *metadata.Part
	layout      backend.Layout
	expectedMd5 []byte
	creation    *action.ObjectCreation
	writer      *bodyWriter
	part        metadata.Part
	committed   bool
}

func NewUploadPart(deps *action.Dependencies, request action.Request, bucket string, key string, uploadId string, partNumber string) *action.Pipeline {
	a := &uploadPart{
		bucketName: bucket,
		key:        key,
		uploadId:   uploadId,
		layout:     backend.LayoutForSize(request.ContentLength()),
	}
	a.p = action.NewPipeline("UploadPart", deps, request, a)
	a.p.AddAuthorizeStep(authorization.OperationUploadPart, &a.bucketName, &a.key)
	a.p.AddStep("validate", func() { a.validate(partNumber) })
	addLookupBucketStep(a.p, a.bucketName, &a.bucket)
	addLookupUploadStep(a.p, &a.bucket, a.key, a.uploadId, &a.upload)
	a.p.AddStep("lookup_old_part", a.lookupOldPart)
	a.p.AddStep("create_object", a.createObject)
	a.p.AddStep("write_data", func() { a.writer.Run() })
	a.p.AddStep("save_part", a.savePart)
	a.p.AddStep("verify_upload", a.verifyUpload)
	return a.p
}

func (a *uploadPart) validate(partNumber string) {
	number, err := strconv.Atoi(partNumber)
	if err != nil || number < 1 || number > metadata.MaxPartNumber {
		a.p.Fail(action.InvalidArgument, fmt.Sprintf("part number must be an integer between 1 and %d", metadata.MaxPartNumber))
		return
	}
	a.partNumber = number
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

func (a *uploadPart) lookupOldPart() {
	lookup(a.p, "lookup_old_part", a.bucket.PartIndexId, metadata.PartKey(a.uploadId, a.partNumber), func(value []byte) {
		var part metadata.Part
		if decodeInto(a.p, "part", value, &part) {
			a.old = &part
			a.p.Next()
		}
	}, a.p.Next)
}

func (a *uploadPart) createObject() {
	template := partRecord(&a.bucket, a.key, &metadata.Part{UploadId: a.uploadId, PartNumber: a.partNumber, LayoutId: a.layout.Id})
	old := []ledger.Record{}
	if a.old != nil {
		old = append(old, partRecord(&a.bucket, a.key, a.old))
	}
	a.creation = action.NewObjectCreation(a.p, metadata.PartSeed(a.bucketName, a.key, a.uploadId, a.partNumber), template, old...)
	a.writer = newBodyWriter(a.p, a.creation, a.layout, a.expectedMd5)
	a.creation.Run()
}

func (a *uploadPart) savePart() {
	if !a.p.ClientConnected() {
		return
	}
	a.part = metadata.Part{
		UploadId:     a.uploadId,
		PartNumber:   a.partNumber,
		ObjectId:     a.creation.Id(),
		LayoutId:     a.layout.Id,
		Size:         a.writer.Size(),
		ETag:         a.writer.ETag(),
		LastModified: time.Now().UTC(),
	}
	a.p.LaunchOne("save_part", metadata.PutOp(a.bucket.PartIndexId, metadata.PartKey(a.uploadId, a.partNumber), a.part), func(*asyncop.Context) {
		a.committed = true
		a.p.Next()
	})
}

// verifyUpload catches an abort that removed the upload while the part was
// written. The saved part entry is removed again and the new object is
// discarded like any uncommitted one.
func (a *uploadPart) verifyUpload() {
	a.p.Deps().Engine.LaunchOne(a.p.Name()+".verify_upload", metadata.GetOp(a.bucket.MultipartIndexId, metadata.UploadKey(a.key, a.uploadId)), func(*asyncop.Context) {
		a.p.Next()
	}, func(c *asyncop.Context) {
		if !notFound(c) {
			a.p.Logger().Warn(fmt.Sprintf("Could not verify upload %s after saving part %d: %s", a.uploadId, a.partNumber, c.FirstFailure().Code))
			a.p.Next()
			return
		}
		a.p.Logger().Warn(fmt.Sprintf("Upload %s was removed while part %d was written", a.uploadId, a.partNumber))
		a.removePart()
	})
}

func (a *uploadPart) removePart() {
	removed := func(*asyncop.Context) {
		a.committed = false
		a.p.Fail(action.NoSuchUpload, "upload "+a.uploadId+" does not exist")
	}
	a.p.Deps().Engine.LaunchOne(a.p.Name()+".remove_part", metadata.DeleteOp(a.bucket.PartIndexId, metadata.PartKey(a.uploadId, a.partNumber)), removed, func(c *asyncop.Context) {
		if notFound(c) {
			removed(c)
			return
		}
		// The part entry still references the new object, so it must stay.
		a.p.FailWith(c)
	})
}

func (a *uploadPart) Respond() {
	a.p.Request().SetHeader(etagHeader, quoteETag(a.part.ETag))
	a.p.SendResponse(http.StatusOK, nil)
}

func (a *uploadPart) PlanCleanup() {
	if a.creation == nil {
		return
	}
	if a.committed {
		a.creation.AddSupersedeCleanup()
		return
	}
	a.creation.AddAbandonCleanup()
}

var errBodyTooLarge = errors.New("request body too large")

// readBody reads the whole request body of at most limit bytes.
func readBody(p *action.Pipeline, limit int, done func(body []byte, err error)) {
	body := []byte{}
	var read func()
	read = func() {
		p.Request().ReadBody(64*1024, func(data []byte, err error) {
			body = append(body, data...)
			if len(body) > limit {
				done(nil, errBodyTooLarge)
				return
			}
			if errors.Is(err, io.EOF) {
				done(body, nil)
				return
			}
			if err != nil {
				done(nil, err)
				return
			}
			read()
		})
	}
	read()
}

func trimETag(etag string) string {
	return strings.Trim(strings.TrimSpace(etag), "\"")
}

// multipartETag is the MD5 of the concatenated part digests followed by
// the part count.
func multipartETag(parts []metadata.Part) (string, error) {
	hash := md5.New()
	for _, part := range parts {
		digest, err := hex.DecodeString(part.ETag)
		if err != nil {
			return "", err
		}
		hash.Write(digest)
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(hash.Sum(nil)), len(parts)), nil
}

// completeMultipartUpload commits the listed parts as the new version of
// the key. The superseded version and parts left out of the list are
// recorded before the commit and deleted after it.
type completeMultipartUpload struct {
	p              *action.Pipeline
	bucketName     string
	key            string
	uploadId       string
	versionId      string
	bucket         metadata.Bucket
	upload         metadata.Upload
	request        CompleteMultipartUploadRequest
	stored         []metadata.Part
	used           []metadata.Part
	unused         []metadata.Part
	old            *metadata.Object
	object         metadata.Object
	entries        []ledger.Entry
	recorded       bool
	committed      bool
	versionWritten bool
}

func NewCompleteMultipartUpload(deps *action.Dependencies, request action.Request, bucket string, key string, uploadId string) *action.Pipeline {
	a := &completeMultipartUpload{
		bucketName: bucket,
		key:        key,
		uploadId:   uploadId,
		versionId:  ulid.Make().String(),
	}
	a.p = action.NewPipeline("CompleteMultipartUpload", deps, request, a)
	a.p.AddAuthorizeStep(authorization.OperationCompleteMultipartUpload, &a.bucketName, &a.key)
	addLookupBucketStep(a.p, a.bucketName, &a.bucket)
	addLookupUploadStep(a.p, &a.bucket, a.key, a.uploadId, &a.upload)
	a.p.AddStep("read_request", a.readRequest)
	addListPartsStep(a.p, &a.bucket, a.uploadId, &a.stored)
	a.p.AddStep("match_parts", a.matchParts)
	addLookupObjectStep(a.p, &a.bucket, a.key, &a.old, a.p.Next)
	a.p.AddStep("record_superseded", a.recordSuperseded)
	a.p.AddStep("save_metadata", a.saveMetadata)
	a.p.AddStep("remove_upload", a.removeUpload)
	return a.p
}

func (a *completeMultipartUpload) readRequest() {
	readBody(a.p, maxCompleteBodySize, func(body []byte, err error) {
		if err != nil {
			a.p.Fail(action.MalformedXML, fmt.Sprintf("reading body: %v", err))
			return
		}
		if err := xml.Unmarshal(body, &a.request); err != nil {
			a.p.Fail(action.MalformedXML, err.Error())
			return
		}
		if len(a.request.Parts) == 0 {
			a.p.Fail(action.MalformedXML, "no parts listed")
			return
		}
		a.p.Next()
	})
}

func (a *completeMultipartUpload) matchParts() {
	stored := map[int]metadata.Part{}
	for _, part := range a.stored {
		stored[part.PartNumber] = part
	}
	previous := 0
	listed := map[int]bool{}
	for _, requested := range a.request.Parts {
		if requested.PartNumber <= previous {
			a.p.Fail(action.InvalidPartOrder, "parts must be listed in ascending order")
			return
		}
		previous = requested.PartNumber
		part, ok := stored[requested.PartNumber]
		if !ok || trimETag(requested.ETag) != part.ETag {
			a.p.Fail(action.InvalidPart, fmt.Sprintf("part %d was not uploaded or its ETag does not match", requested.PartNumber))
			return
		}
		listed[part.PartNumber] = true
		a.used = append(a.used, part)
	}
	for _, part := range a.stored {
		if !listed[part.PartNumber] {
			a.unused = append(a.unused, part)
		}
	}
	a.p.Next()
}

func (a *completeMultipartUpload) recordSuperseded() {
	marker := oid.Allocate(metadata.ObjectSeed(a.bucketName, a.key, a.versionId))
	for _, record := range dataRecords(&a.bucket, a.old) {
		a.entries = append(a.entries, ledger.NewOverwriteEntry(record, marker))
	}
	for i := range a.unused {
		a.entries = append(a.entries, ledger.NewEntry(partRecord(&a.bucket, a.key, &a.unused[i])))
	}
	if len(a.entries) == 0 {
		a.p.Next()
		return
	}
	a.p.Deps().Ledger.RecordNew(a.entries, func(*asyncop.Context) {
		a.recorded = true
		a.p.Next()
	}, a.p.FailWith)
}

func (a *completeMultipartUpload) saveMetadata() {
	if !a.p.ClientConnected() {
		return
	}
	etag, err := multipartETag(a.used)
	if err != nil {
		a.p.Fail(action.InternalError, fmt.Sprintf("corrupted part ETag: %v", err))
		return
	}
	a.object = metadata.Object{
		Key:          a.key,
		VersionId:    a.versionId,
		ETag:         etag,
		ContentType:  a.upload.ContentType,
		LastModified: time.Now().UTC(),
		UploadId:     a.uploadId,
	}
	for _, part := range a.used {
		a.object.Size += part.Size
		a.object.Parts = append(a.object.Parts, metadata.PartRef{
			PartNumber: part.PartNumber,
			ObjectId:   part.ObjectId,
			LayoutId:   part.LayoutId,
			Size:       part.Size,
			ETag:       part.ETag,
		})
	}
	// The upload must be gone once the commit is acknowledged.
	a.p.CheckShutdownSignalForNextStep(false)
	commit(a.p, &a.bucket, &a.object, &a.committed, &a.versionWritten)
}

// removeUpload deletes the upload before responding, so a later abort
// cannot find it. A failure leaves the upload behind and is only logged.
func (a *completeMultipartUpload) removeUpload() {
	done := func(c *asyncop.Context) {
		if !c.AllSucceeded() {
			a.p.Logger().Warn(fmt.Sprintf("Completed upload %s was not fully removed: %s", a.uploadId, c.FirstFailure().Code))
		}
		a.p.Next()
	}
	a.p.Deps().Engine.Launch(a.p.Name()+".remove_upload", removeUploadOps(&a.bucket, a.key, a.uploadId, a.stored), done, done)
}

func (a *completeMultipartUpload) Respond() {
	a.p.Request().SetHeader(versionIdHeader, a.versionId)
	sendXml(a.p, CompleteMultipartUploadResult{
		Location: "/" + a.bucketName + "/" + a.key,
		Bucket:   a.bucketName,
		Key:      a.key,
		ETag:     quoteETag(a.object.ETag),
	})
}

func (a *completeMultipartUpload) PlanCleanup() {
	if !a.committed {
		if a.versionWritten {
			a.p.AddCleanupStep("remove_new_version", func() {
				removeKeys(a.p, "remove_new_version", a.bucket.VersionIndexId, metadata.VersionKey(a.key, a.versionId))
			})
		}
		if a.recorded {
			addRemoveEntriesCleanup(a.p, a.entries)
		}
		return
	}
	if a.recorded {
		a.p.AddDiscardCleanup("superseded", action.Discard{Entries: a.entries})
	}
	addRemoveVersionCleanup(a.p, &a.bucket, a.old)
}

// removeUploadOps deletes the upload and the part entries of parts.
func removeUploadOps(bucket *metadata.Bucket, key string, uploadId string, parts []metadata.Part) []*backend.Op {
	ops := []*backend.Op{metadata.DeleteOp(bucket.MultipartIndexId, metadata.UploadKey(key, uploadId))}
	if len(parts) > 0 {
		ops = append(ops, metadata.DeleteOp(bucket.PartIndexId, partKeys(parts)...))
	}
	return ops
}

// abortMultipartUpload records every part under a parent entry, removes
// the upload and then deletes the part data.
type abortMultipartUpload struct {
	p          *action.Pipeline
	bucketName string
	key        string
	uploadId   string
	bucket     metadata.Bucket
	upload     metadata.Upload
	parts      []metadata.Part
	current    *metadata.Object
	entries    []ledger.Entry
	parent     ledger.Entry
	recorded   bool
	removed    bool
}

func NewAbortMultipartUpload(deps *action.Dependencies, request action.Request, bucket string, key string, uploadId string) *action.Pipeline {
	a := &abortMultipartUpload{bucketName: bucket, key: key, uploadId: uploadId}
	a.p = action.NewPipeline("AbortMultipartUpload", deps, request, a)
	a.p.AddAuthorizeStep(authorization.OperationAbortMultipartUpload, &a.bucketName, &a.key)
	addLookupBucketStep(a.p, a.bucketName, &a.bucket)
	addLookupUploadStep(a.p, &a.bucket, a.key, a.uploadId, &a.upload)
	addListPartsStep(a.p, &a.bucket, a.uploadId, &a.parts)
	addLookupObjectStep(a.p, &a.bucket, a.key, &a.current, a.p.Next)
	a.p.AddStep("record_parts", a.recordParts)
	a.p.AddStep("remove_upload", a.removeUpload)
	a.p.AddStep("sweep_parts", a.sweepParts)
	return a.p
}

func (a *abortMultipartUpload) covers(part metadata.Part) bool {
	if a.current != nil && a.current.References(part.ObjectId) {
		return true
	}
	for _, listed := range a.parts {
		if listed.ObjectId == part.ObjectId {
			return true
		}
	}
	return false
}

func (a *abortMultipartUpload) recordParts() {
	for i := range a.parts {
		// Parts of an object committed from this upload stay.
		if a.current != nil && a.current.References(a.parts[i].ObjectId) {
			continue
		}
		a.entries = append(a.entries, ledger.NewEntry(partRecord(&a.bucket, a.key, &a.parts[i])))
	}
	a.parent = ledger.Entry{
		Key: ledger.MultipartKey(a.uploadId),
		Record: ledger.Record{
			ObjectName:      a.key,
			ExtendedIndexId: a.bucket.PartIndexId,
			PartVersionKey:  metadata.PartPrefix(a.uploadId),
		},
	}
	a.p.Deps().Ledger.RecordMultipart(a.entries, a.parent, func(*asyncop.Context) {
		a.recorded = true
		a.p.Next()
	}, a.p.FailWith)
}

func (a *abortMultipartUpload) removeUpload() {
	if !a.p.ClientConnected() {
		return
	}
	a.p.Launch("remove_upload", removeUploadOps(&a.bucket, a.key, a.uploadId, a.parts), func(c *asyncop.Context) {
		if c.Response(0).Status != asyncop.StatusSuccess {
			a.p.FailWith(c)
			return
		}
		a.removed = true
		if !c.AllSucceeded() {
			a.p.Logger().Warn(fmt.Sprintf("Removing part entries of upload %s failed with %s", a.uploadId, c.FirstFailure().Code))
		}
		a.p.Next()
	})
}

// sweepParts lists the parts again once the upload is gone. Parts saved
// after the first listing found the upload still present and are recorded
// and removed here; later ones remove themselves.
func (a *abortMultipartUpload) sweepParts() {
	a.p.Deps().Engine.LaunchOne(a.p.Name()+".sweep_parts", metadata.ListOp(a.bucket.PartIndexId, metadata.PartPrefix(a.uploadId), "", metadata.MaxPartNumber), func(c *asyncop.Context) {
		result := c.Result(0)
		late := []metadata.Part{}
		for i, value := range result.Values {
			part, err := metadata.Decode[metadata.Part](value)
			if err != nil {
				a.p.Logger().Warn(fmt.Sprintf("Skipping corrupted part %s of aborted upload %s: %v", result.Keys[i], a.uploadId, err))
				continue
			}
			if !a.covers(part) {
				late = append(late, part)
			}
		}
		a.recordLateParts(late)
	}, func(c *asyncop.Context) {
		a.p.Logger().Warn(fmt.Sprintf("Could not list remaining parts of aborted upload %s: %s", a.uploadId, c.FirstFailure().Code))
		a.p.Next()
	})
}

func (a *abortMultipartUpload) recordLateParts(late []metadata.Part) {
	if len(late) == 0 {
		a.p.Next()
		return
	}
	entries := make([]ledger.Entry, 0, len(late))
	for i := range late {
		entries = append(entries, ledger.NewEntry(partRecord(&a.bucket, a.key, &late[i])))
	}
	a.p.Deps().Ledger.RecordNew(entries, func(*asyncop.Context) {
		a.entries = append(a.entries, entries...)
		done := func(c *asyncop.Context) {
			if !c.AllSucceeded() && !notFound(c) {
				a.p.Logger().Warn(fmt.Sprintf("Removing late part entries of upload %s failed with %s", a.uploadId, c.FirstFailure().Code))
			}
			a.p.Next()
		}
		a.p.Deps().Engine.LaunchOne(a.p.Name()+".remove_late_parts", metadata.DeleteOp(a.bucket.PartIndexId, partKeys(late)...), done, done)
	}, func(c *asyncop.Context) {
		a.p.Logger().Warn(fmt.Sprintf("Could not record %d late parts of aborted upload %s: %s", len(late), a.uploadId, c.FirstFailure().Code))
		a.p.Next()
	})
}

func (a *abortMultipartUpload) Respond() {
	a.p.SendResponse(http.StatusNoContent, nil)
}

func (a *abortMultipartUpload) PlanCleanup() {
	if !a.recorded {
		return
	}
	if a.removed {
		a.p.AddDiscardCleanup("parts", action.Discard{Entries: a.entries, Parent: &a.parent})
		return
	}
	addRemoveEntriesCleanup(a.p, append(a.entries, a.parent))
}
