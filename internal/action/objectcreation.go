package action

import (
	"fmt"

	"github.com/jdillenkofer/strato/internal/asyncop"
	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/jdillenkofer/strato/internal/ledger"
	"github.com/jdillenkofer/strato/internal/oid"
)

// ObjectCreation picks an object id for seed, records it in the ledger and
// creates the object, retrying with a new candidate on id collisions.
type ObjectCreation struct {
	p        *Pipeline
	seed     string
	template ledger.Record
	old      []ledger.Record
	attempt  int
	newEntry ledger.Entry
	oldKeys  []string
	recorded bool
	created  bool
}

// NewObjectCreation prepares the creation of an object described by
// template. old lists objects the new one supersedes; they are recorded
// under overwrite keys together with the new id.
func NewObjectCreation(p *Pipeline, seed string, template ledger.Record, old ...ledger.Record) *ObjectCreation {
	return &ObjectCreation{
		p:        p,
		seed:     seed,
		template: template,
		old:      old,
	}
}

func (c *ObjectCreation) Id() oid.Id {
	return c.newEntry.Record.ObjectId
}

func (c *ObjectCreation) LayoutId() int {
	return c.template.LayoutId
}

// Entry is the ledger entry of the current candidate.
func (c *ObjectCreation) Entry() ledger.Entry {
	return c.newEntry
}

// OldEntries are the ledger entries of the superseded objects.
func (c *ObjectCreation) OldEntries() []ledger.Entry {
	entries := make([]ledger.Entry, 0, len(c.old))
	for _, old := range c.old {
		entries = append(entries, ledger.NewOverwriteEntry(old, c.Id()))
	}
	return entries
}

// Recorded reports whether the ledger holds an entry for the current candidate.
func (c *ObjectCreation) Recorded() bool {
	return c.recorded
}

// Created reports whether the object exists in the backend.
func (c *ObjectCreation) Created() bool {
	return c.created
}

func (c *ObjectCreation) isOld(id oid.Id) bool {
	for _, old := range c.old {
		if old.ObjectId == id {
			return true
		}
	}
	return false
}

func (c *ObjectCreation) entries() []ledger.Entry {
	return append([]ledger.Entry{c.newEntry}, c.OldEntries()...)
}

func keysOf(entries []ledger.Entry) []string {
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		keys = append(keys, entry.Key)
	}
	return keys
}

// Run is the body of the creation step. It calls Next once the object
// exists and fails the step otherwise.
func (c *ObjectCreation) Run() {
	c.try(oid.Allocate(c.seed))
}

func (c *ObjectCreation) try(id oid.Id) {
	if c.isOld(id) {
		c.p.Logger().Debug(fmt.Sprintf("Candidate %s is a superseded object id, resolving", id))
		c.resolve(id)
		return
	}
	record := c.template
	record.ObjectId = id
	c.newEntry = ledger.NewEntry(record)
	c.p.Deps().Ledger.Claim(c.entries(), func(*asyncop.Context) {
		c.recorded = true
		c.create()
	}, func(written []string) {
		c.p.Logger().Warn(fmt.Sprintf("Object id %s is recorded by another writer, attempt %d", id, c.attempt))
		c.release(id, written)
	}, c.p.FailWith)
}

func (c *ObjectCreation) create() {
	c.p.Deps().Engine.LaunchOne(c.p.Name()+".create_object", &backend.Op{
		Kind:     backend.OpCreateObject,
		Object:   c.Id(),
		LayoutId: c.template.LayoutId,
	}, func(*asyncop.Context) {
		c.created = true
		c.p.Next()
	}, func(ctx *asyncop.Context) {
		if ctx.FailedToLaunch() || ctx.FirstFailure().Code != backend.RCExists {
			c.p.FailWith(ctx)
			return
		}
		c.collided()
	})
}

func (c *ObjectCreation) collided() {
	c.p.Logger().Warn(fmt.Sprintf("Object id %s already exists, attempt %d", c.Id(), c.attempt))
	c.release(c.Id(), keysOf(c.entries()))
}

// release removes the ledger entries this creation wrote for collidedId and
// moves on to the next candidate. Entries of other writers stay.
func (c *ObjectCreation) release(collidedId oid.Id, written []string) {
	c.p.Deps().Metrics.OidCollisionsTotal.Inc()
	c.recorded = false
	if len(written) == 0 {
		c.resolve(collidedId)
		return
	}
	c.p.Deps().Ledger.Remove(written, func(*asyncop.Context) {
		c.resolve(collidedId)
	}, func(ctx *asyncop.Context) {
		c.p.Logger().Warn(fmt.Sprintf("Could not remove ledger entries of collided id %s: %s", collidedId, ctx.FirstFailure().Code))
		c.resolve(collidedId)
	})
}

func (c *ObjectCreation) resolve(collidedId oid.Id) {
	c.attempt++
	maxAttempts := c.p.Deps().MaxCollisionRetryCount
	if maxAttempts <= 0 {
		maxAttempts = oid.MaxCollisionRetryCount
	}
	if c.attempt > maxAttempts {
		c.p.RaiseCollisionAlert(c.seed, collidedId)
		c.p.Fail(InternalError, fmt.Sprintf("%v after %d attempts", oid.ErrCollisionRetriesExhausted, maxAttempts))
		return
	}
	c.try(oid.ResolveCollision(c.seed, c.attempt, collidedId))
}

// AddAbandonCleanup adds the cleanup of a creation that was not
// committed: the new object is marked, deleted and unrecorded while the
// superseded objects stay untouched and only lose their entries.
func (c *ObjectCreation) AddAbandonCleanup() {
	if !c.recorded {
		return
	}
	c.p.AddDiscardCleanup("new", Discard{
		Entries: []ledger.Entry{c.newEntry},
		Remove:  keysOf(c.OldEntries()),
	})
}

// AddSupersedeCleanup adds the cleanup of a committed creation: the
// superseded objects are marked, deleted and unrecorded, then the entry
// of the new object is removed.
func (c *ObjectCreation) AddSupersedeCleanup() {
	if !c.recorded {
		return
	}
	c.p.AddDiscardCleanup("old", Discard{
		Entries: c.OldEntries(),
		Remove:  []string{c.newEntry.Key},
	})
}
