package tracing

import (
	"context"
	"testing"

	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/jdillenkofer/strato/internal/backend/memory"
	"github.com/jdillenkofer/strato/internal/oid"
	testutils "github.com/jdillenkofer/strato/internal/testing"
	"github.com/stretchr/testify/assert"
)

func TestExecutorMiddlewarePassesResultsThrough(t *testing.T) {
	testutils.SkipIfIntegration(t)

	inner := memory.New()
	executor := NewExecutorMiddleware("Backend", inner)
	id := oid.Allocate("/bucket/key")

	result := executor.Execute(context.Background(), &backend.Op{Kind: backend.OpCreateObject, Object: id})
	assert.Equal(t, backend.RCSuccess, result.RC)
	assert.True(t, inner.ObjectExists(id))

	result = executor.Execute(context.Background(), &backend.Op{Kind: backend.OpReadObject, Object: oid.Allocate("/missing"), Length: 1})
	assert.Equal(t, backend.RCNotFound, result.RC)
}
