package reaper

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/jdillenkofer/strato/internal/backend/memory"
	"github.com/jdillenkofer/strato/internal/ledger"
	"github.com/jdillenkofer/strato/internal/metadata"
	"github.com/jdillenkofer/strato/internal/oid"
	"github.com/jdillenkofer/strato/internal/telemetry"
	testutils "github.com/jdillenkofer/strato/internal/testing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const liveInstance = "live-instance"

type fixture struct {
	memory  *memory.Executor
	store   *backend.Store
	metrics *telemetry.Metrics
	reaper  *Reaper
	bucket  metadata.Bucket
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	metrics, err := telemetry.NewMetrics(prometheus.NewRegistry())
	require.Nil(t, err)
	executor := memory.New()
	store, err := backend.NewStore(executor, 2, 64, time.Second)
	require.Nil(t, err)
	require.Nil(t, store.Start(context.Background()))
	t.Cleanup(func() { store.Stop(context.Background()) })

	f := &fixture{
		memory:  executor,
		store:   store,
		metrics: metrics,
		reaper:  New(store, metrics, time.Hour, 0, 2),
		bucket:  metadata.NewBucket("bucket", time.Now()),
		now:     time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	f.reaper.now = func() time.Time { return f.now }
	require.Nil(t, metadata.RegisterInstance(context.Background(), store, metadata.Instance{InstanceId: liveInstance}))
	return f
}

func (f *fixture) do(t *testing.T, op *backend.Op) {
	result, err := backend.Do(context.Background(), f.store, op)
	require.Nil(t, err)
	require.Nil(t, result.Err())
}

func (f *fixture) createObject(t *testing.T, seed string) oid.Id {
	id := oid.Allocate(seed)
	f.do(t, &backend.Op{Kind: backend.OpCreateObject, Object: id, LayoutId: 1})
	return id
}

func (f *fixture) record(t *testing.T, key string, record ledger.Record) string {
	if key == "" {
		key = ledger.Key(record.LayoutId, record.ObjectId)
	}
	value, err := json.Marshal(record)
	require.Nil(t, err)
	f.do(t, &backend.Op{Kind: backend.OpIndexPut, Index: f.reaper.index, Keys: []string{key}, Values: [][]byte{value}})
	return key
}

func (f *fixture) objectRecord(id oid.Id, instanceId string, recordedAt time.Time) ledger.Record {
	return ledger.Record{
		ObjectName:     "key",
		ObjectId:       id,
		LayoutId:       1,
		ObjectIndexId:  f.bucket.ObjectIndexId,
		VersionIndexId: f.bucket.VersionIndexId,
		InstanceId:     instanceId,
		RecordedAt:     recordedAt,
	}
}

func (f *fixture) entries() map[string][]byte {
	return f.memory.IndexEntries(f.reaper.index)
}

func TestReaperKeepsYoungRecordsOfRegisteredInstances(t *testing.T) {
	testutils.SkipIfIntegration(t)

	f := newFixture(t)
	id := f.createObject(t, "young")
	key := f.record(t, "", f.objectRecord(id, liveInstance, f.now.Add(-time.Minute)))

	stats, err := f.reaper.RunOnce(context.Background())
	require.Nil(t, err)
	assert.Equal(t, 1, stats.Kept)
	assert.True(t, f.memory.ObjectExists(id))
	assert.Contains(t, f.entries(), key)
}

func TestReaperDeletesForceDeletedAndOrphanedObjects(t *testing.T) {
	testutils.SkipIfIntegration(t)

	f := newFixture(t)
	forced := f.createObject(t, "forced")
	record := f.objectRecord(forced, liveInstance, f.now)
	record.ForceDelete = true
	f.record(t, "", record)

	orphaned := f.createObject(t, "orphaned")
	f.record(t, "", f.objectRecord(orphaned, "dead-instance", f.now))

	expired := f.createObject(t, "expired")
	f.record(t, "", f.objectRecord(expired, liveInstance, f.now.Add(-2*time.Hour)))

	gone := oid.Allocate("gone")
	f.record(t, "", f.objectRecord(gone, "dead-instance", f.now))

	stats, err := f.reaper.RunOnce(context.Background())
	require.Nil(t, err)
	assert.Equal(t, 4, stats.Deleted)
	assert.Empty(t, f.memory.ObjectIds())
	assert.Empty(t, f.entries())
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.ReaperRecordsTotal.WithLabelValues(outcomeDeleted)))
}

func TestReaperReleasesReferencedObjects(t *testing.T) {
	testutils.SkipIfIntegration(t)

	f := newFixture(t)
	id := f.createObject(t, "referenced")
	f.do(t, metadata.PutOp(f.bucket.ObjectIndexId, "key", metadata.Object{Key: "key", ObjectId: id, LayoutId: 1}))
	f.record(t, ledger.OverwriteKey(1, id, oid.Allocate("new")), f.objectRecord(id, "dead-instance", f.now))

	part := f.createObject(t, "part")
	f.do(t, metadata.PutOp(f.bucket.PartIndexId, metadata.PartKey("upload", 1), metadata.Part{UploadId: "upload", PartNumber: 1, ObjectId: part}))
	partRecord := f.objectRecord(part, "dead-instance", f.now)
	partRecord.ExtendedIndexId = f.bucket.PartIndexId
	partRecord.PartVersionKey = metadata.PartKey("upload", 1)
	f.record(t, "", partRecord)

	stats, err := f.reaper.RunOnce(context.Background())
	require.Nil(t, err)
	assert.Equal(t, 2, stats.Released)
	assert.True(t, f.memory.ObjectExists(id))
	assert.True(t, f.memory.ObjectExists(part))
	assert.Empty(t, f.entries())
}

func TestReaperRemovesParentAfterItsParts(t *testing.T) {
	testutils.SkipIfIntegration(t)

	f := newFixture(t)
	parent := ledger.Record{ObjectName: "key", IsMultipart: true, PartCount: 1, ForceDelete: true, PartVersionKey: metadata.PartPrefix("upload")}
	parentKey := f.record(t, ledger.MultipartKey("upload"), parent)

	part := f.createObject(t, "part")
	partRecord := f.objectRecord(part, liveInstance, f.now)
	partRecord.ExtendedIndexId = f.bucket.PartIndexId
	partRecord.PartVersionKey = metadata.PartKey("upload", 1)
	partKey := f.record(t, "", partRecord)

	stats, err := f.reaper.RunOnce(context.Background())
	require.Nil(t, err)
	assert.Equal(t, 2, stats.Kept)
	assert.Contains(t, f.entries(), parentKey)

	partRecord.ForceDelete = true
	f.record(t, partKey, partRecord)
	stats, err = f.reaper.RunOnce(context.Background())
	require.Nil(t, err)
	assert.Equal(t, 1, stats.Deleted)
	assert.Equal(t, 1, stats.Released)
	assert.Empty(t, f.entries())
	assert.False(t, f.memory.ObjectExists(part))
}

func TestReaperAlertsOnCorruptedRecords(t *testing.T) {
	testutils.SkipIfIntegration(t)

	f := newFixture(t)
	f.do(t, &backend.Op{Kind: backend.OpIndexPut, Index: f.reaper.index, Keys: []string{"l1/broken"}, Values: [][]byte{[]byte("{not json")}})

	stats, err := f.reaper.RunOnce(context.Background())
	require.Nil(t, err)
	assert.Equal(t, 1, stats.Corrupted)
	assert.Contains(t, f.entries(), "l1/broken")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AlertsTotal.WithLabelValues(telemetry.AlertProbableDeleteCorrupted)))
}

func TestReaperKeepsRecordWhenDeleteFails(t *testing.T) {
	testutils.SkipIfIntegration(t)

	f := newFixture(t)
	id := f.createObject(t, "failing")
	key := f.record(t, "", f.objectRecord(id, "dead-instance", f.now))
	f.memory.InjectFault(memory.Fault{Kind: backend.OpDeleteObject, RC: backend.RCTimedOut, Count: 1})

	stats, err := f.reaper.RunOnce(context.Background())
	require.Nil(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Contains(t, f.entries(), key)
	assert.True(t, f.memory.ObjectExists(id))
}
