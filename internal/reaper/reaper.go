package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/jdillenkofer/strato/internal/ledger"
	"github.com/jdillenkofer/strato/internal/metadata"
	"github.com/jdillenkofer/strato/internal/oid"
	"github.com/jdillenkofer/strato/internal/task"
	"github.com/jdillenkofer/strato/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const DefaultBatchSize = 100

const (
	outcomeKept      = "kept"
	outcomeDeleted   = "deleted"
	outcomeReleased  = "released"
	outcomeCorrupted = "corrupted"
	outcomeFailed    = "failed"
)

// Stats counts what one pass did with the ledger records.
type Stats struct {
	Kept      int
	Deleted   int
	Released  int
	Corrupted int
	Failed    int
}

// Reaper reclaims objects that pipelines left behind in the probable delete
// ledger. A record is processed once it is marked force-delete, its
// instance is no longer registered or it is older than the grace period.
// Its object is deleted unless live metadata still references it, then the
// record is removed.
type Reaper struct {
	launcher  backend.Launcher
	index     oid.Id
	metrics   *telemetry.Metrics
	grace     time.Duration
	batchSize int
	limiter   *rate.Limiter
	now       func() time.Time
	tracer    trace.Tracer
}

// New creates a reaper that processes at most recordsPerSecond records.
// A non-positive rate disables the limit.
func New(launcher backend.Launcher, metrics *telemetry.Metrics, grace time.Duration, recordsPerSecond float64, batchSize int) *Reaper {
	limit := rate.Inf
	if recordsPerSecond > 0 {
		limit = rate.Limit(recordsPerSecond)
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Reaper{
		launcher:  launcher,
		index:     oid.AllocateIndex(ledger.IndexSeed),
		metrics:   metrics,
		grace:     grace,
		batchSize: batchSize,
		limiter:   rate.NewLimiter(limit, 1),
		now:       time.Now,
		tracer:    otel.Tracer("internal/reaper"),
	}
}

// RunLoop runs a pass every interval until stopRunning is set.
func (r *Reaper) RunLoop(stopRunning *atomic.Bool, interval time.Duration) {
	for !stopRunning.Load() {
		slog.Debug("Running reaper")
		stats, err := r.runCancellable(stopRunning)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error(fmt.Sprintf("Failure while running reaper: %s", err))
		} else {
			slog.Debug(fmt.Sprintf("Reaper deleted %d objects, released %d and kept %d records", stats.Deleted, stats.Released, stats.Kept))
		}
		if !task.Sleep(stopRunning, interval) {
			return
		}
	}
}

// runCancellable runs a pass that is cancelled once stopRunning is set.
func (r *Reaper) runCancellable(stopRunning *atomic.Bool) (Stats, error) {
	ctx, stop := task.Context(stopRunning)
	defer stop()
	return r.RunOnce(ctx)
}

func (r *Reaper) count(stats *Stats, outcome string) {
	switch outcome {
	case outcomeKept:
		stats.Kept++
	case outcomeDeleted:
		stats.Deleted++
	case outcomeReleased:
		stats.Released++
	case outcomeCorrupted:
		stats.Corrupted++
	case outcomeFailed:
		stats.Failed++
	}
	r.metrics.ReaperRecordsTotal.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// RunOnce makes one pass over the whole ledger.
func (r *Reaper) RunOnce(ctx context.Context) (Stats, error) {
	ctx, span := r.tracer.Start(ctx, "Reaper.RunOnce")
	defer span.End()

	stats := Stats{}
	instances, err := metadata.ListInstances(ctx, r.launcher)
	if err != nil {
		return stats, err
	}

	parents := []ledger.Entry{}
	pendingUploads := map[string]bool{}
	startAfter := ""
	for {
		entries, corrupted, err := ledger.Scan(ctx, r.launcher, r.index, "", startAfter, r.batchSize)
		if err != nil {
			return stats, err
		}
		if len(entries) == 0 && len(corrupted) == 0 {
			break
		}
		for _, key := range corrupted {
			r.metrics.RaiseAlert(telemetry.AlertProbableDeleteCorrupted, "Probable delete record cannot be decoded", "key", key)
			r.count(&stats, outcomeCorrupted)
			startAfter = max(startAfter, key)
		}
		for _, entry := range entries {
			startAfter = max(startAfter, entry.Key)
			if isParent(entry) {
				parents = append(parents, entry)
				continue
			}
			if err := r.limiter.Wait(ctx); err != nil {
				return stats, err
			}
			outcome := r.process(ctx, entry, instances)
			r.count(&stats, outcome)
			if outcome == outcomeKept || outcome == outcomeFailed {
				if entry.Record.PartVersionKey != "" {
					pendingUploads[uploadPrefix(entry.Record.PartVersionKey)] = true
				}
			}
		}
	}

	for _, parent := range parents {
		if pendingUploads[parent.Record.PartVersionKey] || !r.eligible(parent.Record, instances) {
			r.count(&stats, outcomeKept)
			continue
		}
		if err := r.removeEntry(ctx, parent.Key); err != nil {
			slog.Warn(fmt.Sprintf("Removing multipart record %s failed: %v", parent.Key, err))
			r.count(&stats, outcomeFailed)
			continue
		}
		r.count(&stats, outcomeReleased)
	}
	span.SetAttributes(attribute.Int("deleted", stats.Deleted), attribute.Int("released", stats.Released), attribute.Int("kept", stats.Kept))
	return stats, nil
}

func isParent(entry ledger.Entry) bool {
	return strings.HasPrefix(entry.Key, ledger.MultipartKey(""))
}

// uploadPrefix returns the part key prefix of a part key.
func uploadPrefix(partKey string) string {
	index := strings.LastIndex(partKey, "/")
	if index < 0 {
		return partKey
	}
	return partKey[:index+1]
}

func (r *Reaper) eligible(record ledger.Record, instances map[string]metadata.Instance) bool {
	if record.ForceDelete {
		return true
	}
	if _, registered := instances[record.InstanceId]; !registered {
		return true
	}
	return r.now().Sub(record.RecordedAt) > r.grace
}

func (r *Reaper) process(ctx context.Context, entry ledger.Entry, instances map[string]metadata.Instance) string {
	record := entry.Record
	if !r.eligible(record, instances) {
		return outcomeKept
	}
	live, err := r.isLive(ctx, record)
	if err != nil {
		slog.Warn(fmt.Sprintf("Checking references of %s failed: %v", record.ObjectId, err))
		return outcomeFailed
	}
	outcome := outcomeReleased
	if !live {
		result, err := backend.Do(ctx, r.launcher, &backend.Op{Kind: backend.OpDeleteObject, Object: record.ObjectId})
		if err == nil && result.RC != backend.RCNotFound {
			err = result.Err()
		}
		if err != nil {
			slog.Warn(fmt.Sprintf("Deleting object %s failed: %v", record.ObjectId, err))
			return outcomeFailed
		}
		outcome = outcomeDeleted
	}
	if err := r.removeEntry(ctx, entry.Key); err != nil {
		slog.Warn(fmt.Sprintf("Removing record %s failed: %v", entry.Key, err))
		return outcomeFailed
	}
	slog.Debug(fmt.Sprintf("Reaper %s %s of %s", outcome, record.ObjectId, record.ObjectName))
	return outcome
}

// isLive reports whether part or object metadata references the object
// of record.
func (r *Reaper) isLive(ctx context.Context, record ledger.Record) (bool, error) {
	if !record.ExtendedIndexId.IsZero() && record.PartVersionKey != "" {
		part, found, err := get[metadata.Part](ctx, r.launcher, record.ExtendedIndexId, record.PartVersionKey)
		if err != nil {
			return false, err
		}
		if found && part.ObjectId == record.ObjectId {
			return true, nil
		}
	}
	if !record.ObjectIndexId.IsZero() {
		object, found, err := get[metadata.Object](ctx, r.launcher, record.ObjectIndexId, record.ObjectName)
		if err != nil {
			return false, err
		}
		if found && object.References(record.ObjectId) {
			return true, nil
		}
	}
	return false, nil
}

func get[T any](ctx context.Context, launcher backend.Launcher, index oid.Id, key string) (T, bool, error) {
	var zero T
	result, err := backend.Do(ctx, launcher, metadata.GetOp(index, key))
	if err != nil {
		return zero, false, err
	}
	if result.RC == backend.RCNotFound {
		return zero, false, nil
	}
	if err := result.Err(); err != nil {
		return zero, false, err
	}
	value, err := metadata.Decode[T](result.Values[0])
	if err != nil {
		return zero, false, err
	}
	return value, true, nil
}

func (r *Reaper) removeEntry(ctx context.Context, key string) error {
	result, err := backend.Do(ctx, r.launcher, metadata.DeleteOp(r.index, key))
	if err != nil {
		return err
	}
	if result.RC == backend.RCNotFound {
		return nil
	}
	return result.Err()
}
