package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	testutils "github.com/jdillenkofer/strato/internal/testing"
	"github.com/stretchr/testify/assert"
)

func rewrittenPath(baseEndpoint string, url string) string {
	var path string
	handler := MakeVirtualHostBucketAddressingMiddleware(baseEndpoint, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, url, nil))
	return path
}

func TestVirtualHostBucketAddressing(t *testing.T) {
	testutils.SkipIfIntegration(t)

	assert.Equal(t, "/bucket/key.txt", rewrittenPath("localhost", "http://bucket.localhost:9000/key.txt"))
	assert.Equal(t, "/bucket", rewrittenPath("localhost:9000", "http://bucket.localhost:9000/"))
	assert.Equal(t, "/bucket/key.txt", rewrittenPath("localhost", "http://localhost:9000/bucket/key.txt"))
	assert.Equal(t, "/bucket/key.txt", rewrittenPath("localhost", "http://127.0.0.1:9000/bucket/key.txt"))
}
