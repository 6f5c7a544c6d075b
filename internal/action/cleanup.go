package action

import (
	"fmt"

	"github.com/jdillenkofer/strato/internal/asyncop"
	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/jdillenkofer/strato/internal/ledger"
)

// Discard describes objects whose data is deleted through the ledger.
type Discard struct {
	// Entries are the objects to delete.
	Entries []ledger.Entry
	// Parent is the synthetic multipart entry of Entries. It is marked
	// after them and removed only once every entry is gone.
	Parent *ledger.Entry
	// Remove lists further keys removed at the end.
	Remove []string
}

// AddDiscardCleanup adds the cleanup steps that mark the entries
// force-delete, delete their objects and remove the entries of every
// object that is gone. Entries of objects that could not be deleted stay
// behind, marked, for the reaper.
func (p *Pipeline) AddDiscardCleanup(name string, d Discard) {
	deleted := make([]bool, len(d.Entries))

	if len(d.Entries) > 0 || d.Parent != nil {
		p.AddCleanupStep("mark_"+name+"_force_delete", func() {
			onFailure := func(c *asyncop.Context) {
				p.Fail(KindForContext(c), fmt.Sprintf("marking %s entries force-delete failed with %s", name, c.FirstFailure().Code))
			}
			onSuccess := func(*asyncop.Context) { p.Next() }
			if d.Parent != nil {
				p.Deps().Ledger.MarkMultipartForceDelete(d.Entries, *d.Parent, onSuccess, onFailure)
				return
			}
			p.Deps().Ledger.MarkForceDelete(d.Entries, onSuccess, onFailure)
		})
	}

	if len(d.Entries) > 0 {
		p.AddCleanupStep("delete_"+name+"_objects", func() {
			ops := make([]*backend.Op, 0, len(d.Entries))
			for _, entry := range d.Entries {
				ops = append(ops, &backend.Op{Kind: backend.OpDeleteObject, Object: entry.Record.ObjectId})
			}
			inspect := func(c *asyncop.Context) {
				failed := 0
				for i := range d.Entries {
					code := c.Response(i).Code
					deleted[i] = code.IsSuccess() || code == backend.RCNotFound
					if !deleted[i] {
						failed++
					}
				}
				if failed > 0 {
					p.Fail(KindForContext(c), fmt.Sprintf("%d of %d %s objects not deleted", failed, len(d.Entries), name))
					return
				}
				p.Next()
			}
			p.Deps().Engine.Launch(p.Name()+".delete_"+name+"_objects", ops, inspect, inspect)
		})
	}

	p.AddCleanupStep("remove_"+name+"_entries", func() {
		keys := []string{}
		allDeleted := true
		for i, entry := range d.Entries {
			if deleted[i] {
				keys = append(keys, entry.Key)
			} else {
				allDeleted = false
			}
		}
		if d.Parent != nil && allDeleted {
			keys = append(keys, d.Parent.Key)
		}
		keys = append(keys, d.Remove...)
		if len(keys) == 0 {
			p.Next()
			return
		}
		p.Deps().Ledger.Remove(keys, func(*asyncop.Context) { p.Next() }, func(c *asyncop.Context) {
			p.Fail(KindForContext(c), fmt.Sprintf("removing %d ledger entries failed with %s", len(keys), c.FirstFailure().Code))
		})
	})
}
