package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jdillenkofer/strato/internal/action"
	"github.com/jdillenkofer/strato/internal/http/server/authentication"
	"github.com/jdillenkofer/strato/internal/middlewares"
	"github.com/jdillenkofer/strato/internal/s3api"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const bucketPath = "bucket"
const keyPath = "key"

const uploadIdQuery = "uploadId"
const uploadsQuery = "uploads"
const partNumberQuery = "partNumber"

type pipelineFactory func(request action.Request) *action.Pipeline

type Server struct {
	deps *action.Dependencies
}

func SetupServer(verifier *authentication.Verifier, baseEndpoint string, deps *action.Dependencies) http.Handler {
	server := &Server{
		deps: deps,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", server.notImplementedHandler)
	mux.HandleFunc("HEAD /{bucket}", server.headBucketHandler)
	mux.HandleFunc("GET /{bucket}", server.notImplementedHandler)
	mux.HandleFunc("PUT /{bucket}", server.createBucketHandler)
	mux.HandleFunc("DELETE /{bucket}", server.deleteBucketHandler)
	mux.HandleFunc("HEAD /{bucket}/{key...}", server.headObjectHandler)
	mux.HandleFunc("GET /{bucket}/{key...}", server.getObjectHandler)
	mux.HandleFunc("POST /{bucket}/{key...}", server.createMultipartUploadOrCompleteMultipartUploadHandler)
	mux.HandleFunc("PUT /{bucket}/{key...}", server.uploadPartOrPutObjectHandler)
	mux.HandleFunc("DELETE /{bucket}/{key...}", server.abortMultipartUploadOrDeleteObjectHandler)
	var rootHandler http.Handler = mux
	rootHandler = middlewares.MakeVirtualHostBucketAddressingMiddleware(baseEndpoint, rootHandler)
	if verifier != nil {
		rootHandler = authentication.MakeSignatureMiddleware(verifier, rootHandler)
	}
	return rootHandler
}

// run submits the pipeline built by newPipeline and serves its response
// on the calling handler goroutine.
func (s *Server) run(w http.ResponseWriter, r *http.Request, newPipeline pipelineFactory) {
	request := newHttpRequest(s.deps.Engine.Loop(), w, r)
	p := newPipeline(request)
	p.OnDone(request.retire)
	if err := p.Submit(); err != nil {
		slog.Warn(fmt.Sprintf("Rejecting %s %s: %v", r.Method, r.URL.Path, err))
		writeError(w, r, request.Id(), action.ServiceUnavailable, s.deps.RetryAfterSeconds)
		return
	}
	request.serve()
}

func writeError(w http.ResponseWriter, r *http.Request, requestId string, kind action.ErrorKind, retryAfterSeconds int) {
	if kind == action.ServiceUnavailable {
		w.Header().Set("Retry-After", fmt.Sprint(max(retryAfterSeconds, 1)))
	}
	w.Header().Set(requestIdHeader, requestId)
	body, err := action.XmlMarshalWithDocType(action.ErrorResponse{
		Code:      kind.Code(),
		Message:   kind.Message(),
		Resource:  r.URL.Path,
		RequestId: requestId,
	})
	if err != nil || r.Method == http.MethodHead {
		w.WriteHeader(kind.Status())
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(kind.Status())
	w.Write(body)
}

func (s *Server) notImplementedHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusNotImplemented)
	body, err := action.XmlMarshalWithDocType(action.ErrorResponse{
		Code:     "NotImplemented",
		Message:  "A header or query you provided implies functionality that is not implemented.",
		Resource: r.URL.Path,
	})
	if err == nil {
		w.Write(body)
	}
}

func (s *Server) headBucketHandler(w http.ResponseWriter, r *http.Request) {
	bucket := r.PathValue(bucketPath)
	s.run(w, r, func(request action.Request) *action.Pipeline {
		return s3api.NewHeadBucket(s.deps, request, bucket)
	})
}

func (s *Server) createBucketHandler(w http.ResponseWriter, r *http.Request) {
	bucket := r.PathValue(bucketPath)
	s.run(w, r, func(request action.Request) *action.Pipeline {
		return s3api.NewCreateBucket(s.deps, request, bucket)
	})
}

func (s *Server) deleteBucketHandler(w http.ResponseWriter, r *http.Request) {
	bucket := r.PathValue(bucketPath)
	s.run(w, r, func(request action.Request) *action.Pipeline {
		return s3api.NewDeleteBucket(s.deps, request, bucket)
	})
}

func (s *Server) headObjectHandler(w http.ResponseWriter, r *http.Request) {
	bucket := r.PathValue(bucketPath)
	key := r.PathValue(keyPath)
	s.run(w, r, func(request action.Request) *action.Pipeline {
		return s3api.NewHeadObject(s.deps, request, bucket, key)
	})
}

func (s *Server) getObjectHandler(w http.ResponseWriter, r *http.Request) {
	bucket := r.PathValue(bucketPath)
	key := r.PathValue(keyPath)
	if r.URL.Query().Has(uploadIdQuery) {
		s.notImplementedHandler(w, r)
		return
	}
	s.run(w, r, func(request action.Request) *action.Pipeline {
		return s3api.NewGetObject(s.deps, request, bucket, key)
	})
}

func (s *Server) createMultipartUploadOrCompleteMultipartUploadHandler(w http.ResponseWriter, r *http.Request) {
	bucket := r.PathValue(bucketPath)
	key := r.PathValue(keyPath)
	query := r.URL.Query()

	// CreateMultipartUpload
	if query.Has(uploadsQuery) {
		s.run(w, r, func(request action.Request) *action.Pipeline {
			return s3api.NewCreateMultipartUpload(s.deps, request, bucket, key)
		})
		return
	}

	// CompleteMultipartUpload
	if query.Has(uploadIdQuery) {
		uploadId := query.Get(uploadIdQuery)
		s.run(w, r, func(request action.Request) *action.Pipeline {
			return s3api.NewCompleteMultipartUpload(s.deps, request, bucket, key, uploadId)
		})
		return
	}

	w.WriteHeader(404)
}

func (s *Server) uploadPartOrPutObjectHandler(w http.ResponseWriter, r *http.Request) {
	bucket := r.PathValue(bucketPath)
	key := r.PathValue(keyPath)
	query := r.URL.Query()

	// UploadPart
	if query.Has(uploadIdQuery) || query.Has(partNumberQuery) {
		uploadId := query.Get(uploadIdQuery)
		partNumber := query.Get(partNumberQuery)
		s.run(w, r, func(request action.Request) *action.Pipeline {
			return s3api.NewUploadPart(s.deps, request, bucket, key, uploadId, partNumber)
		})
		return
	}

	// PutObject
	s.run(w, r, func(request action.Request) *action.Pipeline {
		return s3api.NewPutObject(s.deps, request, bucket, key)
	})
}

func (s *Server) abortMultipartUploadOrDeleteObjectHandler(w http.ResponseWriter, r *http.Request) {
	bucket := r.PathValue(bucketPath)
	key := r.PathValue(keyPath)
	query := r.URL.Query()

	// AbortMultipartUpload
	if query.Has(uploadIdQuery) {
		uploadId := query.Get(uploadIdQuery)
		s.run(w, r, func(request action.Request) *action.Pipeline {
			return s3api.NewAbortMultipartUpload(s.deps, request, bucket, key, uploadId)
		})
		return
	}

	// DeleteObject
	s.run(w, r, func(request action.Request) *action.Pipeline {
		return s3api.NewDeleteObject(s.deps, request, bucket, key)
	})
}

// HealthCheck reports whether a dependency can serve requests.
type HealthCheck func(ctx context.Context) error

func makeHealthCheckHandler(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		for _, check := range checks {
			err := check(ctx)
			if err != nil {
				slog.Warn(fmt.Sprintf("Health check failed: %v", err))
				w.WriteHeader(503)
				w.Write([]byte("Unhealthy"))
				return
			}
		}
		w.WriteHeader(200)
		w.Write([]byte("Healthy"))
	}
}

func SetupMonitoringServer(checks []HealthCheck) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", makeHealthCheckHandler(checks))
	var rootHandler http.Handler = mux
	return rootHandler
}
