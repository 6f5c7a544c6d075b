package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/jdillenkofer/strato/internal/oid"
)

const markerName = ".object"
const maxDeleteBatch = 1000

type block struct {
	key    string
	offset int64
	size   int64
}

// Executor keeps object data in an S3 bucket. Every object is a marker key
// plus one key per written block. Index ops are not supported.
type Executor struct {
	client *s3.Client
	bucket string
	prefix string
}

// Compile-time check to ensure Executor implements backend.Executor
var _ backend.Executor = (*Executor)(nil)

func New(client *s3.Client, bucket string, prefix string) *Executor {
	return &Executor{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

func NewClient(ctx context.Context, endpoint string, region string, accessKeyId string, secretAccessKey string, usePathStyle bool) (*s3.Client, error) {
	optFns := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKeyId != "" {
		optFns = append(optFns, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyId, secretAccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func (e *Executor) objectPrefix(id oid.Id) string {
	return e.prefix + id.String() + "/"
}

func (e *Executor) markerKey(id oid.Id) string {
	return e.objectPrefix(id) + markerName
}

func (e *Executor) blockKey(id oid.Id, offset int64) string {
	return e.objectPrefix(id) + fmt.Sprintf("%020d", offset)
}

func (e *Executor) Execute(ctx context.Context, op *backend.Op) backend.Result {
	var err error
	var result backend.Result
	switch op.Kind {
	case backend.OpCreateObject:
		result, err = e.createObject(ctx, op)
	case backend.OpWriteObject:
		result, err = e.writeObject(ctx, op)
	case backend.OpReadObject:
		result, err = e.readObject(ctx, op)
	case backend.OpDeleteObject:
		result, err = e.deleteObject(ctx, op)
	default:
		return backend.Failed(op, backend.RCNotSupported, "S3 executor only stores object data")
	}
	if err != nil {
		return backend.Failed(op, returnCodeOf(err), err.Error())
	}
	return result
}

func (e *Executor) createObject(ctx context.Context, op *backend.Op) (backend.Result, error) {
	_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(e.markerKey(op.Object)),
		Body:        strings.NewReader(strconv.Itoa(op.LayoutId)),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		return backend.Result{}, err
	}
	return backend.Result{RC: backend.RCSuccess}, nil
}

func (e *Executor) markerExists(ctx context.Context, id oid.Id) (bool, error) {
	_, err := e.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(e.markerKey(id)),
	})
	if err != nil {
		if returnCodeOf(err) == backend.RCNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (e *Executor) writeObject(ctx context.Context, op *backend.Op) (backend.Result, error) {
	exists, err := e.markerExists(ctx, op.Object)
	if err != nil {
		return backend.Result{}, err
	}
	if !exists {
		return backend.Result{RC: backend.RCNotFound}, nil
	}
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(e.bucket),
		Key:           aws.String(e.blockKey(op.Object, op.Offset)),
		Body:          bytes.NewReader(op.Data),
		ContentLength: aws.Int64(int64(len(op.Data))),
	})
	if err != nil {
		return backend.Result{}, err
	}
	return backend.Result{RC: backend.RCSuccess}, nil
}

func (e *Executor) listKeys(ctx context.Context, id oid.Id) ([]types.Object, error) {
	objects := []types.Object{}
	paginator := s3.NewListObjectsV2Paginator(e.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(e.bucket),
		Prefix: aws.String(e.objectPrefix(id)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		objects = append(objects, page.Contents...)
	}
	return objects, nil
}

func (e *Executor) listBlocks(ctx context.Context, id oid.Id) ([]block, error) {
	objects, err := e.listKeys(ctx, id)
	if err != nil {
		return nil, err
	}
	prefix := e.objectPrefix(id)
	blocks := []block{}
	for _, object := range objects {
		name := strings.TrimPrefix(aws.ToString(object.Key), prefix)
		if name == markerName {
			continue
		}
		offset, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		blocks = append(blocks, block{key: aws.ToString(object.Key), offset: offset, size: aws.ToInt64(object.Size)})
	}
	return blocks, nil
}

func (e *Executor) readObject(ctx context.Context, op *backend.Op) (backend.Result, error) {
	exists, err := e.markerExists(ctx, op.Object)
	if err != nil {
		return backend.Result{}, err
	}
	if !exists {
		return backend.Result{RC: backend.RCNotFound}, nil
	}
	blocks, err := e.listBlocks(ctx, op.Object)
	if err != nil {
		return backend.Result{}, err
	}
	end := op.Offset + op.Length
	buffer := make([]byte, op.Length)
	var dataEnd int64 = 0
	for _, b := range blocks {
		from := max(b.offset, op.Offset)
		to := min(b.offset+b.size, end)
		if from >= to {
			continue
		}
		out, err := e.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(e.bucket),
			Key:    aws.String(b.key),
			Range:  aws.String(fmt.Sprintf("bytes=%d-%d", from-b.offset, to-b.offset-1)),
		})
		if err != nil {
			return backend.Result{}, err
		}
		_, err = io.ReadFull(out.Body, buffer[from-op.Offset:to-op.Offset])
		out.Body.Close()
		if err != nil {
			return backend.Result{}, err
		}
		dataEnd = max(dataEnd, to-op.Offset)
	}
	return backend.Result{RC: backend.RCSuccess, Data: buffer[:dataEnd]}, nil
}

func (e *Executor) deleteObject(ctx context.Context, op *backend.Op) (backend.Result, error) {
	objects, err := e.listKeys(ctx, op.Object)
	if err != nil {
		return backend.Result{}, err
	}
	if len(objects) == 0 {
		return backend.Result{RC: backend.RCNotFound}, nil
	}
	for start := 0; start < len(objects); start += maxDeleteBatch {
		batch := objects[start:min(start+maxDeleteBatch, len(objects))]
		identifiers := make([]types.ObjectIdentifier, 0, len(batch))
		for _, object := range batch {
			identifiers = append(identifiers, types.ObjectIdentifier{Key: object.Key})
		}
		out, err := e.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(e.bucket),
			Delete: &types.Delete{Objects: identifiers, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return backend.Result{}, err
		}
		if len(out.Errors) > 0 {
			return backend.Result{RC: backend.RCIO, Message: aws.ToString(out.Errors[0].Message)}, nil
		}
	}
	return backend.Result{RC: backend.RCSuccess}, nil
}
