package record

import (
	"fmt"

	"loom/change"
)

// Revert builds the change undoing c: what c introduced is deleted, its
// status claims are reversed and its order claims retracted.
func Revert(c *change.Change, h change.Header) (*change.Change, []byte, error) {
	if c.Hash.IsZero() {
		return nil, nil, fmt.Errorf("%w: reverting an unsealed change", change.ErrInvalidChange)
	}

	b := change.NewBuilder(h)
	b.Depend(c.Hash)

	// Lines go before the files they belong to.
	var files []change.Vertex
	for _, op := range c.Operations {
		file := op.File.Resolve(c.Hash)
		v := op.Vertex.Resolve(c.Hash)
		up := op.Up.Resolve(c.Hash)
		down := op.Down.Resolve(c.Hash)

		switch op.Kind {
		case change.OpAddFile:
			files = append(files, v)
		case change.OpInsert:
			b.Delete(v)
		case change.OpDelete:
			b.Undelete(v)
		case change.OpUndelete:
			b.Delete(v)
		case change.OpOrder:
			b.Unorder(file, up, down)
		case change.OpUnorder:
			b.Order(file, up, down)
		}
	}
	for _, v := range files {
		b.Delete(v)
	}

	if b.Len() == 0 {
		return nil, nil, ErrNothingToRecord
	}
	return b.Build()
}
