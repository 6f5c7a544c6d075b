package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jdillenkofer/strato/internal/asyncop"
	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/jdillenkofer/strato/internal/oid"
	"github.com/prometheus/client_golang/prometheus"
)

// IndexSeed names the global probable delete index.
const IndexSeed = "strato/probable-delete-index"

const keySeparator = ":"

var ErrMalformedKey = errors.New("malformed probable delete key")

// Record is one probable delete entry. It is persisted as a flat JSON object.
type Record struct {
	ObjectName      string    `json:"object_name"`
	ObjectId        oid.Id    `json:"motr_identifier"`
	OldId           oid.Id    `json:"old_identifier"`
	LayoutId        int       `json:"layout_id"`
	PlacementId     int       `json:"placement_id"`
	ObjectIndexId   oid.Id    `json:"owning_object_index_id"`
	VersionIndexId  oid.Id    `json:"owning_version_index_id"`
	VersionKey      string    `json:"version_key"`
	ForceDelete     bool      `json:"force_delete"`
	IsMultipart     bool      `json:"is_multipart"`
	PartNumber      int       `json:"part_number"`
	ExtendedIndexId oid.Id    `json:"extended_index_id"`
	PartVersionKey  string    `json:"part_version_key"`
	InstanceId      string    `json:"global_instance_id"`
	PartCount       int       `json:"part_count"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// Entry is a record together with its ledger key.
type Entry struct {
	Key    string
	Record Record
}

func keyPrefix(layoutId int) string {
	return "l" + strconv.Itoa(layoutId) + "/"
}

// Key returns the ledger key of a new object id. The prefix buckets
// entries by layout and therefore by object size.
func Key(layoutId int, id oid.Id) string {
	return keyPrefix(layoutId) + id.String()
}

// OverwriteKey returns the ledger key of an old object id that is being
// superseded by newId.
func OverwriteKey(layoutId int, oldId oid.Id, newId oid.Id) string {
	return keyPrefix(layoutId) + oldId.String() + keySeparator + newId.String()
}

// MultipartKey returns the key of the synthetic parent entry of an upload.
func MultipartKey(uploadId string) string {
	return "mp/" + uploadId
}

// ParseKey returns the object id a key refers to and, for overwrite keys,
// the id of the superseding object.
func ParseKey(key string) (id oid.Id, supersededBy oid.Id, err error) {
	_, rest, found := strings.Cut(key, "/")
	if !found {
		return oid.Zero, oid.Zero, ErrMalformedKey
	}
	oldPart, newPart, isOverwrite := strings.Cut(rest, keySeparator)
	id, err = oid.Parse(oldPart)
	if err != nil {
		return oid.Zero, oid.Zero, errors.Join(ErrMalformedKey, err)
	}
	if isOverwrite {
		supersededBy, err = oid.Parse(newPart)
		if err != nil {
			return oid.Zero, oid.Zero, errors.Join(ErrMalformedKey, err)
		}
	}
	return id, supersededBy, nil
}

func NewEntry(record Record) Entry {
	return Entry{Key: Key(record.LayoutId, record.ObjectId), Record: record}
}

// NewOverwriteEntry builds the entry of the object oldRecord describes that
// is superseded by newId.
func NewOverwriteEntry(oldRecord Record, newId oid.Id) Entry {
	return Entry{Key: OverwriteKey(oldRecord.LayoutId, oldRecord.ObjectId, newId), Record: oldRecord}
}

func Decode(key string, value []byte) (Entry, error) {
	var record Record
	if err := json.Unmarshal(value, &record); err != nil {
		return Entry{}, err
	}
	return Entry{Key: key, Record: record}, nil
}

// Ledger writes probable delete entries through async backend operations.
// All methods must be called on the control loop; handlers run there too.
type Ledger struct {
	engine     *asyncop.Engine
	index      oid.Id
	instanceId string
}

func New(engine *asyncop.Engine, instanceId string) *Ledger {
	return &Ledger{
		engine:     engine,
		index:      oid.AllocateIndex(IndexSeed),
		instanceId: instanceId,
	}
}

func (l *Ledger) Index() oid.Id {
	return l.index
}

func (l *Ledger) InstanceId() string {
	return l.instanceId
}

func (l *Ledger) count(operation string, c *asyncop.Context) {
	result := "success"
	if !c.AllSucceeded() {
		result = "failed"
	}
	l.engine.Metrics().ProbableDeleteOpTotal.With(prometheus.Labels{"operation": operation, "result": result}).Inc()
}

func (l *Ledger) put(operation string, entries []Entry, ifAbsent bool, onSuccess asyncop.Handler, onFailure asyncop.Handler) {
	keys := make([]string, 0, len(entries))
	values := make([][]byte, 0, len(entries))
	for _, entry := range entries {
		value, err := json.Marshal(entry.Record)
		if err != nil {
			slog.Error(fmt.Sprintf("Could not encode probable delete entry %s: %v", entry.Key, err))
			c := l.engine.New(operation, 1, onSuccess, onFailure)
			c.RecordCompletion(0, backend.RCInvalid, err.Error())
			return
		}
		keys = append(keys, entry.Key)
		values = append(values, value)
	}
	l.engine.LaunchOne(operation, &backend.Op{
		Kind:     backend.OpIndexPut,
		Index:    l.index,
		Keys:     keys,
		Values:   values,
		IfAbsent: ifAbsent,
	}, func(c *asyncop.Context) {
		l.count(operation, c)
		onSuccess(c)
	}, func(c *asyncop.Context) {
		l.count(operation, c)
		if ifAbsent && !c.FailedToLaunch() && takenOnly(c.Result(0).KeyRCs) {
			onFailure(c)
			return
		}
		slog.Error(fmt.Sprintf("Writing %d probable delete entries failed with %s", len(keys), c.FirstFailure().Code))
		onFailure(c)
	})
}

// RecordNew persists entries before their object ids are used for any
// mutation. The write covers all entries; a single failing key fails it.
func (l *Ledger) RecordNew(entries []Entry, onSuccess asyncop.Handler, onFailure asyncop.Handler) {
	l.stamp(entries)
	l.put("record_new", entries, false, onSuccess, onFailure)
}

// Claim records entries like RecordNew but never replaces an existing
// entry, which may belong to another writer of the same object id. If a key
// is taken, onTaken receives the keys this call did write.
func (l *Ledger) Claim(entries []Entry, onSuccess asyncop.Handler, onTaken func(written []string), onFailure asyncop.Handler) {
	l.stamp(entries)
	l.put("claim", entries, true, onSuccess, func(c *asyncop.Context) {
		if c.FailedToLaunch() || !takenOnly(c.Result(0).KeyRCs) {
			onFailure(c)
			return
		}
		written := []string{}
		for i, rc := range c.Result(0).KeyRCs {
			if rc.IsSuccess() {
				written = append(written, entries[i].Key)
			}
		}
		onTaken(written)
	})
}

func (l *Ledger) stamp(entries []Entry) {
	now := time.Now().UTC()
	for i := range entries {
		entries[i].Record.InstanceId = l.instanceId
		if entries[i].Record.RecordedAt.IsZero() {
			entries[i].Record.RecordedAt = now
		}
		entries[i].Record.ForceDelete = false
	}
}

// MarkForceDelete rewrites entries in place with force_delete set so the
// reaper may delete their objects without checking request liveness.
func (l *Ledger) MarkForceDelete(entries []Entry, onSuccess asyncop.Handler, onFailure asyncop.Handler) {
	for i := range entries {
		entries[i].Record.ForceDelete = true
	}
	l.put("mark_force_delete", entries, false, onSuccess, onFailure)
}

// Remove deletes the entries with keys. Keys that are already gone count
// as removed.
func (l *Ledger) Remove(keys []string, onSuccess asyncop.Handler, onFailure asyncop.Handler) {
	l.engine.LaunchOne("remove", &backend.Op{
		Kind:  backend.OpIndexDelete,
		Index: l.index,
		Keys:  keys,
	}, func(c *asyncop.Context) {
		l.count("remove", c)
		onSuccess(c)
	}, func(c *asyncop.Context) {
		if missingOnly(c.Result(0).KeyRCs) {
			l.count("remove", c)
			onSuccess(c)
			return
		}
		l.count("remove", c)
		slog.Error(fmt.Sprintf("Removing %d probable delete entries failed with %s", len(keys), c.FirstFailure().Code))
		onFailure(c)
	})
}

// takenOnly reports whether every failed key of a conditional put exists.
func takenOnly(keyRCs []backend.ReturnCode) bool {
	taken := false
	for _, rc := range keyRCs {
		switch {
		case rc == backend.RCExists:
			taken = true
		case !rc.IsSuccess():
			return false
		}
	}
	return taken
}

func missingOnly(keyRCs []backend.ReturnCode) bool {
	if len(keyRCs) == 0 {
		return false
	}
	for _, rc := range keyRCs {
		if !rc.IsSuccess() && rc != backend.RCNotFound {
			return false
		}
	}
	return true
}

// RecordMultipart records every part entry and, after they all persisted,
// the parent entry carrying the part count.
func (l *Ledger) RecordMultipart(parts []Entry, parent Entry, onSuccess asyncop.Handler, onFailure asyncop.Handler) {
	parent.Record.IsMultipart = true
	parent.Record.PartCount = len(parts)
	for i := range parts {
		parts[i].Record.IsMultipart = true
	}
	writeParent := func(c *asyncop.Context) {
		l.RecordNew([]Entry{parent}, onSuccess, onFailure)
	}
	if len(parts) == 0 {
		writeParent(nil)
		return
	}
	l.RecordNew(parts, writeParent, onFailure)
}

// MarkMultipartForceDelete marks the part entries and then the parent entry.
func (l *Ledger) MarkMultipartForceDelete(parts []Entry, parent Entry, onSuccess asyncop.Handler, onFailure asyncop.Handler) {
	parent.Record.IsMultipart = true
	parent.Record.PartCount = len(parts)
	markParent := func(c *asyncop.Context) {
		l.MarkForceDelete([]Entry{parent}, onSuccess, onFailure)
	}
	if len(parts) == 0 {
		markParent(nil)
		return
	}
	l.MarkForceDelete(parts, markParent, onFailure)
}

// Scan lists ledger entries after startAfter. It blocks and must not be
// called on the control loop. Entries that cannot be decoded are returned
// in corrupted.
func Scan(ctx context.Context, launcher backend.Launcher, index oid.Id, prefix string, startAfter string, limit int) (entries []Entry, corrupted []string, err error) {
	result, err := backend.Do(ctx, launcher, &backend.Op{
		Kind:       backend.OpIndexList,
		Index:      index,
		Prefix:     prefix,
		StartAfter: startAfter,
		Limit:      limit,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := result.Err(); err != nil {
		return nil, nil, err
	}
	for i, key := range result.Keys {
		entry, err := Decode(key, result.Values[i])
		if err != nil {
			corrupted = append(corrupted, key)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, corrupted, nil
}
