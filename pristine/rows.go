package pristine

import (
	"loom/change"
	"loom/store"
)

// Expand turns the operations of a sealed change into the pristine rows
// it introduces. Local vertices are resolved against c.Hash.
func Expand(c *change.Change) *store.GraphRows {
	rows := &store.GraphRows{}
	self := c.Hash

	for _, op := range c.Operations {
		file := op.File.Resolve(self)
		v := op.Vertex.Resolve(self)
		up := op.Up.Resolve(self)
		down := op.Down.Resolve(self)

		switch op.Kind {
		case change.OpAddFile:
			end := change.Vertex{Change: v.Change, Index: v.Index + 1}
			rows.Vertices = append(rows.Vertices,
				store.VertexRow{Vertex: v, File: v, Kind: store.VertexFileStart, Content: []byte(op.Path)},
				store.VertexRow{Vertex: end, File: v, Kind: store.VertexFileEnd},
			)
			rows.Edges = append(rows.Edges, store.EdgeRow{
				Change: self, Src: v, Dst: end, File: v, Kind: store.EdgeStructural, Alive: true,
			})

		case change.OpInsert:
			rows.Vertices = append(rows.Vertices, store.VertexRow{
				Vertex: v, File: file, Kind: store.VertexLine, Content: op.Content,
			})
			rows.Edges = append(rows.Edges,
				store.EdgeRow{Change: self, Src: up, Dst: v, File: file, Kind: store.EdgeStructural, Alive: true},
				store.EdgeRow{Change: self, Src: v, Dst: down, File: file, Kind: store.EdgeStructural, Alive: true},
			)

		case change.OpDelete, change.OpUndelete:
			rows.Marks = append(rows.Marks, store.MarkRow{
				Change: self, Vertex: v, Alive: op.Kind == change.OpUndelete,
			})

		case change.OpOrder, change.OpUnorder:
			rows.Edges = append(rows.Edges, store.EdgeRow{
				Change: self, Src: up, Dst: down, File: file, Kind: store.EdgeOrder, Alive: op.Kind == change.OpOrder,
			})
		}
	}
	return rows
}
