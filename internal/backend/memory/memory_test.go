package memory

import (
	"context"
	"testing"

	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/jdillenkofer/strato/internal/oid"
	testutils "github.com/jdillenkofer/strato/internal/testing"
	"github.com/stretchr/testify/assert"
)

func TestIndexPutIfAbsentKeepsPresentKeys(t *testing.T) {
	testutils.SkipIfIntegration(t)

	executor := New()
	ctx := context.Background()
	index := oid.AllocateIndex("index")

	result := executor.Execute(ctx, &backend.Op{Kind: backend.OpIndexPut, Index: index, Keys: []string{"taken"}, Values: [][]byte{[]byte("first")}})
	assert.Equal(t, backend.RCSuccess, result.RC)

	result = executor.Execute(ctx, &backend.Op{Kind: backend.OpIndexPut, Index: index, Keys: []string{"taken", "free"}, Values: [][]byte{[]byte("second"), []byte("new")}, IfAbsent: true})
	assert.Equal(t, backend.RCExists, result.RC)
	assert.Equal(t, []backend.ReturnCode{backend.RCExists, backend.RCSuccess}, result.KeyRCs)
	assert.Equal(t, map[string][]byte{"taken": []byte("first"), "free": []byte("new")}, executor.IndexEntries(index))
}
