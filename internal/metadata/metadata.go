package metadata

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/jdillenkofer/strato/internal/oid"
)

const (
	BucketIndexSeed   = "strato/bucket-index"
	InstanceIndexSeed = "strato/instance-index"
)

// MaxPartNumber is the highest part number S3 allows.
const MaxPartNumber = 10000

func BucketIndex() oid.Id {
	return oid.AllocateIndex(BucketIndexSeed)
}

func InstanceIndex() oid.Id {
	return oid.AllocateIndex(InstanceIndexSeed)
}

// Bucket is stored in the bucket index under its name.
type Bucket struct {
	Name             string    `json:"name"`
	CreatedAt        time.Time `json:"created_at"`
	ObjectIndexId    oid.Id    `json:"object_index_id"`
	VersionIndexId   oid.Id    `json:"version_index_id"`
	MultipartIndexId oid.Id    `json:"multipart_index_id"`
	PartIndexId      oid.Id    `json:"part_index_id"`
}

func NewBucket(name string, createdAt time.Time) Bucket {
	seed := "strato/bucket/" + name
	return Bucket{
		Name:             name,
		CreatedAt:        createdAt.UTC(),
		ObjectIndexId:    oid.AllocateIndex(seed + "/objects"),
		VersionIndexId:   oid.AllocateIndex(seed + "/versions"),
		MultipartIndexId: oid.AllocateIndex(seed + "/uploads"),
		PartIndexId:      oid.AllocateIndex(seed + "/parts"),
	}
}

// PartRef points at the data of one part of a multipart object.
type PartRef struct {
	PartNumber int    `json:"part_number"`
	ObjectId   oid.Id `json:"oid"`
	LayoutId   int    `json:"layout_id"`
	Size       int64  `json:"size"`
	ETag       string `json:"etag"`
}

// Object is stored in the object index under its key and in the version
// index under its version key.
type Object struct {
	Key          string    `json:"key"`
	VersionId    string    `json:"version_id"`
	ObjectId     oid.Id    `json:"oid"`
	LayoutId     int       `json:"layout_id"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	ContentType  string    `json:"content_type"`
	LastModified time.Time `json:"last_modified"`
	UploadId     string    `json:"upload_id,omitempty"`
	Parts        []PartRef `json:"parts,omitempty"`
}

func (o *Object) IsMultipart() bool {
	return len(o.Parts) > 0
}

// DataObjects lists every backend object that holds data of o.
func (o *Object) DataObjects() []PartRef {
	if o.IsMultipart() {
		return o.Parts
	}
	return []PartRef{{ObjectId: o.ObjectId, LayoutId: o.LayoutId, Size: o.Size, ETag: o.ETag}}
}

// References reports whether id holds data of o.
func (o *Object) References(id oid.Id) bool {
	for _, ref := range o.DataObjects() {
		if ref.ObjectId == id {
			return true
		}
	}
	return false
}

// Upload is stored in the multipart index under its upload key.
type Upload struct {
	Key         string    `json:"key"`
	UploadId    string    `json:"upload_id"`
	ContentType string    `json:"content_type"`
	Initiated   time.Time `json:"initiated"`
}

// Part is stored in the part index under its part key.
type Part struct {
	UploadId     string    `json:"upload_id"`
	PartNumber   int       `json:"part_number"`
	ObjectId     oid.Id    `json:"oid"`
	LayoutId     int       `json:"layout_id"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`
}

// Instance is stored in the instance index while a gateway process runs.
type Instance struct {
	InstanceId string    `json:"instance_id"`
	Hostname   string    `json:"hostname"`
	StartedAt  time.Time `json:"started_at"`
}

func VersionKey(key string, versionId string) string {
	return key + "\x00" + versionId
}

func UploadKey(key string, uploadId string) string {
	return key + "\x00" + uploadId
}

func PartPrefix(uploadId string) string {
	return uploadId + "/"
}

func PartKey(uploadId string, partNumber int) string {
	return fmt.Sprintf("%s%05d", PartPrefix(uploadId), partNumber)
}

// ObjectSeed is the allocation seed of the data object of a version.
func ObjectSeed(bucket string, key string, versionId string) string {
	return "/" + bucket + "/" + key + "?versionId=" + versionId
}

// PartSeed is the allocation seed of the data object of an uploaded part.
func PartSeed(bucket string, key string, uploadId string, partNumber int) string {
	return fmt.Sprintf("/%s/%s?uploadId=%s&partNumber=%d", bucket, key, uploadId, partNumber)
}

func Decode[T any](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

func GetOp(index oid.Id, keys ...string) *backend.Op {
	return &backend.Op{Kind: backend.OpIndexGet, Index: index, Keys: keys}
}

// PutOp encodes value as JSON. Encoding the metadata types cannot fail.
func PutOp(index oid.Id, key string, value any) *backend.Op {
	data, err := json.Marshal(value)
	if err != nil {
		panic(fmt.Sprintf("encoding metadata for %s: %v", key, err))
	}
	return &backend.Op{Kind: backend.OpIndexPut, Index: index, Keys: []string{key}, Values: [][]byte{data}}
}

func DeleteOp(index oid.Id, keys ...string) *backend.Op {
	return &backend.Op{Kind: backend.OpIndexDelete, Index: index, Keys: keys}
}

func ListOp(index oid.Id, prefix string, startAfter string, limit int) *backend.Op {
	return &backend.Op{Kind: backend.OpIndexList, Index: index, Prefix: prefix, StartAfter: startAfter, Limit: limit}
}
