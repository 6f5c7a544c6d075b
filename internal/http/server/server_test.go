package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jdillenkofer/strato/internal/action/actiontest"
	"github.com/jdillenkofer/strato/internal/asyncop/asyncoptest"
	"github.com/jdillenkofer/strato/internal/eventloop"
	testutils "github.com/jdillenkofer/strato/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestServer(t *testing.T) (*httptest.Server, *asyncoptest.Harness) {
	h := asyncoptest.New(t)
	deps := actiontest.NewDependencies(h)
	ts := httptest.NewServer(SetupServer(nil, "localhost", deps))
	t.Cleanup(ts.Close)
	return ts, h
}

func do(t *testing.T, method string, url string, body []byte) *http.Response {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.Nil(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.Nil(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPutAndGetObjectOverHttp(t *testing.T) {
	testutils.SkipIfIntegration(t)

	ts, _ := setupTestServer(t)
	resp := do(t, http.MethodPut, ts.URL+"/bucket", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(requestIdHeader))

	data := bytes.Repeat([]byte("0123456789abcdef"), 20000)
	resp = do(t, http.MethodPut, ts.URL+"/bucket/dir/object.bin", data)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("ETag"))

	resp = do(t, http.MethodGet, ts.URL+"/bucket/dir/object.bin", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	received, err := io.ReadAll(resp.Body)
	require.Nil(t, err)
	assert.Equal(t, data, received)

	resp = do(t, http.MethodHead, ts.URL+"/bucket/dir/object.bin", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(len(data)), resp.ContentLength)

	resp = do(t, http.MethodDelete, ts.URL+"/bucket/dir/object.bin", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/bucket/dir/object.bin", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.Nil(t, err)
	assert.Contains(t, string(body), "<Code>NoSuchKey</Code>")
}

func TestMultipartRoutes(t *testing.T) {
	testutils.SkipIfIntegration(t)

	ts, _ := setupTestServer(t)
	do(t, http.MethodPut, ts.URL+"/bucket", nil)

	resp := do(t, http.MethodPost, ts.URL+"/bucket/key?uploads", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.Nil(t, err)
	start := strings.Index(string(body), "<UploadId>") + len("<UploadId>")
	end := strings.Index(string(body), "</UploadId>")
	uploadId := string(body[start:end])

	resp = do(t, http.MethodPut, ts.URL+"/bucket/key?partNumber=1&uploadId="+uploadId, []byte("part one"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	etag := resp.Header.Get("ETag")

	complete := "<CompleteMultipartUpload><Part><ETag>" + etag + "</ETag><PartNumber>1</PartNumber></Part></CompleteMultipartUpload>"
	resp = do(t, http.MethodPost, ts.URL+"/bucket/key?uploadId="+uploadId, []byte(complete))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/bucket/key", nil)
	received, err := io.ReadAll(resp.Body)
	require.Nil(t, err)
	assert.Equal(t, "part one", string(received))

	resp = do(t, http.MethodDelete, ts.URL+"/bucket/key?uploadId="+uploadId, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListingIsNotImplemented(t *testing.T) {
	testutils.SkipIfIntegration(t)

	ts, _ := setupTestServer(t)
	resp := do(t, http.MethodGet, ts.URL+"/", nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestClosedLoopRespondsServiceUnavailable(t *testing.T) {
	testutils.SkipIfIntegration(t)

	h := asyncoptest.New(t)
	deps := actiontest.NewDependencies(h)
	h.Loop.Drain()
	<-h.Loop.Stopped()

	w := httptest.NewRecorder()
	SetupServer(nil, "localhost", deps).ServeHTTP(w, httptest.NewRequest(http.MethodHead, "/bucket", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestHealthCheck(t *testing.T) {
	testutils.SkipIfIntegration(t)

	healthy := true
	handler := SetupMonitoringServer([]HealthCheck{func(ctx context.Context) error {
		if !healthy {
			return errors.New("down")
		}
		return nil
	}})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	healthy = false
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServeRespondsServiceUnavailableWhenLoopStops(t *testing.T) {
	testutils.SkipIfIntegration(t)

	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	w := httptest.NewRecorder()
	request := newHttpRequest(loop, w, httptest.NewRequest(http.MethodPut, "/bucket/key", strings.NewReader("data")))
	served := make(chan struct{})
	go func() {
		request.serve()
		close(served)
	}()
	cancel()

	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("request was not ended after the control loop stopped")
	}
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, request.Id(), w.Header().Get(requestIdHeader))
}

func TestDroppedBodyReadEndsRequest(t *testing.T) {
	testutils.SkipIfIntegration(t)

	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	loop.Run(ctx)

	w := httptest.NewRecorder()
	request := newHttpRequest(loop, w, httptest.NewRequest(http.MethodPut, "/bucket/key", strings.NewReader("data")))
	called := false
	request.ReadBody(4, func([]byte, error) { called = true })
	request.serve()

	assert.False(t, called)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
