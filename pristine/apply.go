// Package pristine maintains the global vertex graph that changes are
// applied to, and the per-channel views of it.
//
// Rows are keyed by the change that introduced them and shared across
// channels; a channel sees exactly the rows of the changes in its log.
// Applying a change is therefore a set insertion, which is what makes
// independent changes commute.
package pristine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"loom/change"
	"loom/store"
)

// Result reports the effect of an apply or unrecord.
type Result struct {
	Channel string
	State   change.Hash
	// Changes lists the changes that were applied or removed, in order.
	Changes []change.Hash
}

// Actor identifies who performs an operation and groups the history
// entries it produces.
type Actor struct {
	Name string
	OpID string
}

// Apply applies a stored change to a channel. Applying a change that is
// already applied is a no-op and reports no changes.
func Apply(ctx context.Context, db *store.DB, channel string, h change.Hash, actor Actor) (*Result, error) {
	c, err := db.GetChange(h)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ch, err := db.GetChannelTx(tx, channel)
	if err != nil {
		return nil, err
	}
	res := &Result{Channel: ch.Name}

	applied, err := ApplyTx(tx, db, ch, c, actor)
	if err != nil {
		return nil, err
	}
	if applied {
		res.Changes = append(res.Changes, h)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: committing apply: %w", store.ErrStorageIO, err)
	}
	res.State = ch.State
	return res, nil
}

// ApplyRecursive applies a stored change and every stored dependency the
// channel lacks, dependencies first, in one transaction.
func ApplyRecursive(ctx context.Context, db *store.DB, channel string, h change.Hash, actor Actor) (*Result, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ch, err := db.GetChannelTx(tx, channel)
	if err != nil {
		return nil, err
	}

	plan, err := closure(tx, db, ch, []change.Hash{h})
	if err != nil {
		return nil, err
	}

	res := &Result{Channel: ch.Name}
	for _, c := range plan {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		applied, err := ApplyTx(tx, db, ch, c, actor)
		if err != nil {
			return nil, err
		}
		if applied {
			res.Changes = append(res.Changes, c.Hash)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: committing apply: %w", store.ErrStorageIO, err)
	}
	res.State = ch.State
	return res, nil
}

// closure returns the changes among roots and their transitive
// dependencies that are not applied to ch, dependencies first.
func closure(tx *sql.Tx, db *store.DB, ch *store.Channel, roots []change.Hash) ([]*change.Change, error) {
	var out []*change.Change
	state := make(map[change.Hash]int) // 1 visiting, 2 done

	var visit func(h, parent change.Hash) error
	visit = func(h, parent change.Hash) error {
		switch state[h] {
		case 1:
			return fmt.Errorf("%w: dependency cycle through %s", change.ErrInvalidChange, h.Short())
		case 2:
			return nil
		}
		applied, err := db.IsAppliedTx(tx, ch.ID, h)
		if err != nil {
			return err
		}
		if applied {
			state[h] = 2
			return nil
		}
		c, err := db.GetChange(h)
		if errors.Is(err, store.ErrNotFound) && !parent.IsZero() {
			return &MissingDependencyError{Change: parent, Missing: []change.Hash{h}}
		}
		if err != nil {
			return err
		}
		state[h] = 1
		for _, d := range c.Dependencies {
			if err := visit(d, h); err != nil {
				return err
			}
		}
		state[h] = 2
		out = append(out, c)
		return nil
	}

	for _, h := range roots {
		if err := visit(h, change.Hash{}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ApplyTx applies c to ch inside tx and reports whether anything changed.
// ch is updated in place.
func ApplyTx(tx *sql.Tx, db *store.DB, ch *store.Channel, c *change.Change, actor Actor) (bool, error) {
	applied, err := db.IsAppliedTx(tx, ch.ID, c.Hash)
	if err != nil || applied {
		return false, err
	}

	var missing []change.Hash
	var depth int64
	for _, d := range c.Dependencies {
		ok, err := db.IsAppliedTx(tx, ch.ID, d)
		if err != nil {
			return false, err
		}
		if !ok {
			missing = append(missing, d)
			continue
		}
		dd, _, err := db.PristineDepth(tx, d)
		if err != nil {
			return false, err
		}
		if dd > depth {
			depth = dd
		}
	}
	if len(missing) > 0 {
		return false, &MissingDependencyError{Change: c.Hash, Missing: missing}
	}

	_, exists, err := db.PristineDepth(tx, c.Hash)
	if err != nil {
		return false, err
	}
	if !exists {
		rows := Expand(c)
		if err := checkReferences(tx, db, c, rows); err != nil {
			return false, err
		}
		if err := db.InsertPristineTx(tx, c.Hash, depth+1, rows); err != nil {
			return false, err
		}
	}

	if _, err := db.AppendLogTx(tx, ch, c.Hash, actor.Name, actor.OpID); err != nil {
		return false, err
	}
	if err := db.EnqueueRefresh(tx, ch.ID); err != nil {
		return false, err
	}
	return true, nil
}

// checkReferences verifies that every vertex c refers to exists and that
// insertions and order claims stay inside one file.
func checkReferences(tx *sql.Tx, db *store.DB, c *change.Change, rows *store.GraphRows) error {
	known := make(map[change.Vertex]store.VertexRow, len(rows.Vertices))
	for _, v := range rows.Vertices {
		known[v.Vertex] = v
	}

	var foreign []change.Vertex
	for _, op := range c.Operations {
		for _, v := range op.References() {
			if v = v.Resolve(c.Hash); v.Change != c.Hash {
				foreign = append(foreign, v)
			}
		}
	}
	found, err := db.LookupVertices(tx, foreign)
	if err != nil {
		return err
	}
	for v, row := range found {
		known[v] = row
	}

	lookup := func(v change.Vertex) (store.VertexRow, error) {
		row, ok := known[v]
		if !ok {
			return row, fmt.Errorf("%w: %s refers to unknown vertex %s", change.ErrInvalidChange, c.Hash.Short(), v)
		}
		return row, nil
	}

	for _, op := range c.Operations {
		switch op.Kind {
		case change.OpInsert, change.OpOrder, change.OpUnorder:
			file := op.File.Resolve(c.Hash)
			fileRow, err := lookup(file)
			if err != nil {
				return err
			}
			if fileRow.Kind != store.VertexFileStart {
				return fmt.Errorf("%w: %s is not a file", change.ErrInvalidChange, file)
			}
			for _, v := range []change.Vertex{op.Up.Resolve(c.Hash), op.Down.Resolve(c.Hash)} {
				row, err := lookup(v)
				if err != nil {
					return err
				}
				if row.File != file {
					return fmt.Errorf("%w: %s is not in file %s", change.ErrInvalidChange, v, file)
				}
			}
			if op.Kind == change.OpInsert {
				up, _ := lookup(op.Up.Resolve(c.Hash))
				down, _ := lookup(op.Down.Resolve(c.Hash))
				if up.Kind == store.VertexFileEnd || down.Kind == store.VertexFileStart {
					return fmt.Errorf("%w: insertion outside file bounds", change.ErrInvalidChange)
				}
			}
		case change.OpDelete, change.OpUndelete:
			row, err := lookup(op.Vertex.Resolve(c.Hash))
			if err != nil {
				return err
			}
			if row.Kind == store.VertexFileEnd {
				return fmt.Errorf("%w: file end vertex cannot be deleted", change.ErrInvalidChange)
			}
		}
	}
	return nil
}

// Unrecord removes a change from a channel. Its pristine rows stay for
// other channels and are reclaimed by GC.
func Unrecord(ctx context.Context, db *store.DB, channel string, h change.Hash, actor Actor) (*Result, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ch, err := db.GetChannelTx(tx, channel)
	if err != nil {
		return nil, err
	}

	dependents, err := db.AppliedDependentsTx(tx, ch.ID, h)
	if err != nil {
		return nil, err
	}
	if len(dependents) > 0 {
		return nil, &DependentChangesPresentError{Change: h, Dependents: dependents}
	}

	if err := db.RemoveLogTx(tx, ch, h, actor.Name, actor.OpID); err != nil {
		return nil, err
	}
	if err := db.EnqueueRefresh(tx, ch.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: committing unrecord: %w", store.ErrStorageIO, err)
	}
	return &Result{Channel: ch.Name, State: ch.State, Changes: []change.Hash{h}}, nil
}
