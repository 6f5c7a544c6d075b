package ledger

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jdillenkofer/strato/internal/asyncop"
	"github.com/jdillenkofer/strato/internal/asyncop/asyncoptest"
	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/jdillenkofer/strato/internal/backend/memory"
	"github.com/jdillenkofer/strato/internal/oid"
	testutils "github.com/jdillenkofer/strato/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(name string) Record {
	return Record{
		ObjectName:    name,
		ObjectId:      oid.Allocate("/bucket/" + name),
		LayoutId:      backend.LayoutForSize(10).Id,
		ObjectIndexId: oid.AllocateIndex("bucket"),
	}
}

func TestKeysAreBucketedByLayout(t *testing.T) {
	testutils.SkipIfIntegration(t)

	id := oid.Id{Hi: 1, Lo: 2}
	newId := oid.Id{Hi: 3, Lo: 4}
	assert.Equal(t, "l1/"+id.String(), Key(1, id))
	assert.Equal(t, "l5/"+id.String()+":"+newId.String(), OverwriteKey(5, id, newId))

	parsedId, supersededBy, err := ParseKey(OverwriteKey(5, id, newId))
	require.Nil(t, err)
	assert.Equal(t, id, parsedId)
	assert.Equal(t, newId, supersededBy)

	parsedId, supersededBy, err = ParseKey(Key(1, id))
	require.Nil(t, err)
	assert.Equal(t, id, parsedId)
	assert.True(t, supersededBy.IsZero())

	_, _, err = ParseKey("garbage")
	assert.ErrorIs(t, err, ErrMalformedKey)
}

func TestRecordIsPersistedAsFlatJson(t *testing.T) {
	testutils.SkipIfIntegration(t)

	value, err := json.Marshal(record("key"))
	require.Nil(t, err)
	fields := map[string]any{}
	require.Nil(t, json.Unmarshal(value, &fields))
	for _, field := range []string{"object_name", "motr_identifier", "old_identifier", "layout_id", "placement_id", "owning_object_index_id", "owning_version_index_id", "version_key", "force_delete", "is_multipart", "part_number", "extended_index_id", "part_version_key"} {
		assert.Contains(t, fields, field)
	}
	assert.Equal(t, oid.Allocate("/bucket/key").String(), fields["motr_identifier"])
}

func TestRecordNewMarkAndRemove(t *testing.T) {
	testutils.SkipIfIntegration(t)

	h := asyncoptest.New(t)
	l := New(h.Engine, "instance-1")
	entry := NewEntry(record("key"))

	h.Await(t, func(done func()) {
		l.RecordNew([]Entry{entry}, func(c *asyncop.Context) { done() }, func(c *asyncop.Context) { t.Error("record failed"); done() })
	})
	stored := h.Memory.IndexEntries(l.Index())
	require.Contains(t, stored, entry.Key)
	decoded, err := Decode(entry.Key, stored[entry.Key])
	require.Nil(t, err)
	assert.Equal(t, "instance-1", decoded.Record.InstanceId)
	assert.False(t, decoded.Record.ForceDelete)
	assert.False(t, decoded.Record.RecordedAt.IsZero())

	h.Await(t, func(done func()) {
		l.MarkForceDelete([]Entry{decoded}, func(c *asyncop.Context) { done() }, func(c *asyncop.Context) { t.Error("mark failed"); done() })
	})
	decoded, err = Decode(entry.Key, h.Memory.IndexEntries(l.Index())[entry.Key])
	require.Nil(t, err)
	assert.True(t, decoded.Record.ForceDelete)

	h.Await(t, func(done func()) {
		l.Remove([]string{entry.Key}, func(c *asyncop.Context) { done() }, func(c *asyncop.Context) { t.Error("remove failed"); done() })
	})
	assert.NotContains(t, h.Memory.IndexEntries(l.Index()), entry.Key)

	h.Await(t, func(done func()) {
		l.Remove([]string{entry.Key}, func(c *asyncop.Context) { done() }, func(c *asyncop.Context) { t.Error("removing a missing key failed"); done() })
	})
}

func TestClaimReportsTakenKeysWithoutReplacingThem(t *testing.T) {
	testutils.SkipIfIntegration(t)

	h := asyncoptest.New(t)
	other := New(h.Engine, "instance-2")
	l := New(h.Engine, "instance-1")
	taken := NewEntry(record("taken"))
	free := NewEntry(record("free"))

	h.Await(t, func(done func()) {
		other.RecordNew([]Entry{taken}, func(c *asyncop.Context) { done() }, func(c *asyncop.Context) { t.Error("record failed"); done() })
	})
	var written []string
	h.Await(t, func(done func()) {
		l.Claim([]Entry{taken, free}, func(c *asyncop.Context) {
			t.Error("claim of a taken key succeeded")
			done()
		}, func(keys []string) {
			written = keys
			done()
		}, func(c *asyncop.Context) {
			t.Error("claim failed")
			done()
		})
	})

	assert.Equal(t, []string{free.Key}, written)
	decoded, err := Decode(taken.Key, h.Memory.IndexEntries(l.Index())[taken.Key])
	require.Nil(t, err)
	assert.Equal(t, "instance-2", decoded.Record.InstanceId)
}

func TestClaimBackendFailureIsNotTaken(t *testing.T) {
	testutils.SkipIfIntegration(t)

	h := asyncoptest.New(t)
	l := New(h.Engine, "instance-1")
	h.Memory.InjectFault(memory.Fault{Kind: backend.OpIndexPut, RC: backend.RCTimedOut, Count: 1})

	failed := false
	h.Await(t, func(done func()) {
		l.Claim([]Entry{NewEntry(record("key"))}, func(c *asyncop.Context) { done() }, func([]string) { done() }, func(c *asyncop.Context) {
			failed = true
			done()
		})
	})
	assert.True(t, failed)
}

func TestRecordNewFailureIsReported(t *testing.T) {
	testutils.SkipIfIntegration(t)

	h := asyncoptest.New(t)
	l := New(h.Engine, "instance-1")
	h.Memory.InjectFault(memory.Fault{Kind: backend.OpIndexPut, RC: backend.RCTimedOut, Count: 1})

	var code backend.ReturnCode
	h.Await(t, func(done func()) {
		l.RecordNew([]Entry{NewEntry(record("key"))}, func(c *asyncop.Context) {
			t.Error("record succeeded")
			done()
		}, func(c *asyncop.Context) {
			code = c.FirstFailure().Code
			done()
		})
	})
	assert.Equal(t, backend.RCTimedOut, code)
	assert.Empty(t, h.Memory.IndexEntries(l.Index()))
}

func TestRecordMultipartWritesParentLast(t *testing.T) {
	testutils.SkipIfIntegration(t)

	h := asyncoptest.New(t)
	l := New(h.Engine, "instance-1")
	parts := []Entry{NewEntry(record("part-1")), NewEntry(record("part-2"))}
	parent := Entry{Key: MultipartKey("upload"), Record: Record{ObjectName: "key"}}

	h.Await(t, func(done func()) {
		l.RecordMultipart(parts, parent, func(c *asyncop.Context) { done() }, func(c *asyncop.Context) { t.Error("record failed"); done() })
	})

	history := h.Memory.History()
	require.Equal(t, []backend.OpKind{backend.OpIndexPut, backend.OpIndexPut}, history)
	stored := h.Memory.IndexEntries(l.Index())
	assert.Len(t, stored, 3)
	decoded, err := Decode(parent.Key, stored[parent.Key])
	require.Nil(t, err)
	assert.True(t, decoded.Record.IsMultipart)
	assert.Equal(t, 2, decoded.Record.PartCount)
}

func TestRecordMultipartDoesNotWriteParentIfPartsFailed(t *testing.T) {
	testutils.SkipIfIntegration(t)

	h := asyncoptest.New(t)
	l := New(h.Engine, "instance-1")
	h.Memory.InjectFault(memory.Fault{Kind: backend.OpIndexPut, RC: backend.RCIO, Count: 1})
	parent := Entry{Key: MultipartKey("upload"), Record: Record{ObjectName: "key"}}

	h.Await(t, func(done func()) {
		l.RecordMultipart([]Entry{NewEntry(record("part-1"))}, parent, func(c *asyncop.Context) {
			t.Error("record succeeded")
			done()
		}, func(c *asyncop.Context) { done() })
	})
	assert.NotContains(t, h.Memory.IndexEntries(l.Index()), parent.Key)
}

func TestScanDecodesAndReportsCorruptedEntries(t *testing.T) {
	testutils.SkipIfIntegration(t)

	h := asyncoptest.New(t)
	l := New(h.Engine, "instance-1")
	entry := NewEntry(record("key"))
	h.Await(t, func(done func()) {
		l.RecordNew([]Entry{entry}, func(c *asyncop.Context) { done() }, func(c *asyncop.Context) { done() })
	})
	_, err := backend.Do(context.Background(), h.Store, &backend.Op{
		Kind:   backend.OpIndexPut,
		Index:  l.Index(),
		Keys:   []string{"l1/broken"},
		Values: [][]byte{[]byte("{")},
	})
	require.Nil(t, err)

	entries, corrupted, err := Scan(context.Background(), h.Store, l.Index(), "", "", 0)
	require.Nil(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.Key, entries[0].Key)
	assert.Equal(t, []string{"l1/broken"}, corrupted)
}
