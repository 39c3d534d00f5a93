package store

import (
	"context"
	"database/sql"

	"loom/cas"
	"loom/change"
)

// VertexKind distinguishes file boundary vertices from content.
type VertexKind int

const (
	VertexLine VertexKind = iota
	VertexFileStart
	VertexFileEnd
)

// EdgeKind distinguishes the edges created by insertions from ordering
// claims made by resolutions.
type EdgeKind int

const (
	EdgeStructural EdgeKind = iota
	EdgeOrder
)

// VertexRow is a vertex of the pristine graph.
type VertexRow struct {
	Vertex  change.Vertex
	File    change.Vertex
	Kind    VertexKind
	Content []byte
}

// EdgeRow is an edge claim made by Change.
type EdgeRow struct {
	Change change.Hash
	Src    change.Vertex
	Dst    change.Vertex
	File   change.Vertex
	Kind   EdgeKind
	Alive  bool
}

// MarkRow is a status claim on a vertex made by Change.
type MarkRow struct {
	Change change.Hash
	Vertex change.Vertex
	Alive  bool
}

// PristineChange is an applied change with its causal depth.
type PristineChange struct {
	Hash  change.Hash
	Depth int64
	Deps  []change.Hash
}

// GraphRows is the pristine content of a set of changes.
type GraphRows struct {
	Changes  []PristineChange
	Vertices []VertexRow
	Edges    []EdgeRow
	Marks    []MarkRow
}

// PristineDepth returns the causal depth of a change whose rows are in
// the pristine, and whether it is there.
func (db *DB) PristineDepth(tx *sql.Tx, h change.Hash) (int64, bool, error) {
	var depth int64
	err := tx.QueryRow(`SELECT depth FROM pristine_changes WHERE change = ?`, h.Bytes()).Scan(&depth)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, ioErr("querying pristine change", err)
	}
	return depth, true, nil
}

// InsertPristineTx writes the rows of one change. Rows already present
// are left untouched.
func (db *DB) InsertPristineTx(tx *sql.Tx, h change.Hash, depth int64, rows *GraphRows) error {
	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO pristine_changes (change, depth, created_at) VALUES (?, ?, ?)`,
		h.Bytes(), depth, cas.NowMs(),
	); err != nil {
		return ioErr("inserting pristine change", err)
	}

	for _, v := range rows.Vertices {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO vertices (change, idx, file_change, file_idx, kind, content)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			v.Vertex.Change.Bytes(), v.Vertex.Index, v.File.Change.Bytes(), v.File.Index, int(v.Kind), v.Content,
		); err != nil {
			return ioErr("inserting vertex", err)
		}
	}

	for _, e := range rows.Edges {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO edges (change, src_change, src_idx, dst_change, dst_idx, file_change, file_idx, kind, alive)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Change.Bytes(), e.Src.Change.Bytes(), e.Src.Index, e.Dst.Change.Bytes(), e.Dst.Index,
			e.File.Change.Bytes(), e.File.Index, int(e.Kind), boolInt(e.Alive),
		); err != nil {
			return ioErr("inserting edge", err)
		}
	}

	for _, m := range rows.Marks {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO marks (change, v_change, v_idx, alive) VALUES (?, ?, ?, ?)`,
			m.Change.Bytes(), m.Vertex.Change.Bytes(), m.Vertex.Index, boolInt(m.Alive),
		); err != nil {
			return ioErr("inserting mark", err)
		}
	}
	return nil
}

// LookupVertices returns the stored rows of the given vertices. Vertices
// not in the pristine are absent from the result.
func (db *DB) LookupVertices(tx *sql.Tx, vs []change.Vertex) (map[change.Vertex]VertexRow, error) {
	out := make(map[change.Vertex]VertexRow, len(vs))
	stmt, err := tx.Prepare(
		`SELECT file_change, file_idx, kind FROM vertices WHERE change = ? AND idx = ?`,
	)
	if err != nil {
		return nil, ioErr("preparing vertex lookup", err)
	}
	defer stmt.Close()

	for _, v := range vs {
		if _, ok := out[v]; ok {
			continue
		}
		var fileRaw []byte
		var fileIdx uint32
		var kind int
		err := stmt.QueryRow(v.Change.Bytes(), v.Index).Scan(&fileRaw, &fileIdx, &kind)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, ioErr("looking up vertex", err)
		}
		fh, err := scanHash(fileRaw)
		if err != nil {
			return nil, err
		}
		out[v] = VertexRow{Vertex: v, File: change.Vertex{Change: fh, Index: fileIdx}, Kind: VertexKind(kind)}
	}
	return out, nil
}

// LoadChannelRows loads the pristine rows of every change applied to a
// channel.
func (db *DB) LoadChannelRows(ctx context.Context, channelID string) (*GraphRows, error) {
	g := &GraphRows{}
	index := make(map[change.Hash]int)

	rows, err := db.conn.QueryContext(ctx,
		`SELECT l.change, p.depth FROM channel_log l
		 JOIN pristine_changes p ON p.change = l.change
		 WHERE l.channel_id = ? ORDER BY l.seq ASC`,
		channelID,
	)
	if err != nil {
		return nil, ioErr("loading channel changes", err)
	}
	err = scanRows(rows, func() error {
		var raw []byte
		var pc PristineChange
		if err := rows.Scan(&raw, &pc.Depth); err != nil {
			return err
		}
		h, err := scanHash(raw)
		if err != nil {
			return err
		}
		pc.Hash = h
		index[h] = len(g.Changes)
		g.Changes = append(g.Changes, pc)
		return nil
	})
	if err != nil {
		return nil, err
	}

	rows, err = db.conn.QueryContext(ctx,
		`SELECT d.change, d.dep FROM change_deps d
		 JOIN channel_log l ON l.change = d.change AND l.channel_id = ?`,
		channelID,
	)
	if err != nil {
		return nil, ioErr("loading dependencies", err)
	}
	err = scanRows(rows, func() error {
		var rawChange, rawDep []byte
		if err := rows.Scan(&rawChange, &rawDep); err != nil {
			return err
		}
		h, err := scanHash(rawChange)
		if err != nil {
			return err
		}
		dep, err := scanHash(rawDep)
		if err != nil {
			return err
		}
		if i, ok := index[h]; ok {
			g.Changes[i].Deps = append(g.Changes[i].Deps, dep)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	rows, err = db.conn.QueryContext(ctx,
		`SELECT v.change, v.idx, v.file_change, v.file_idx, v.kind, v.content FROM vertices v
		 JOIN channel_log l ON l.change = v.change AND l.channel_id = ?`,
		channelID,
	)
	if err != nil {
		return nil, ioErr("loading vertices", err)
	}
	err = scanRows(rows, func() error {
		var rawChange, rawFile []byte
		var v VertexRow
		var kind int
		if err := rows.Scan(&rawChange, &v.Vertex.Index, &rawFile, &v.File.Index, &kind, &v.Content); err != nil {
			return err
		}
		var err error
		if v.Vertex.Change, err = scanHash(rawChange); err != nil {
			return err
		}
		if v.File.Change, err = scanHash(rawFile); err != nil {
			return err
		}
		v.Kind = VertexKind(kind)
		g.Vertices = append(g.Vertices, v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	rows, err = db.conn.QueryContext(ctx,
		`SELECT e.change, e.src_change, e.src_idx, e.dst_change, e.dst_idx, e.file_change, e.file_idx, e.kind, e.alive
		 FROM edges e JOIN channel_log l ON l.change = e.change AND l.channel_id = ?`,
		channelID,
	)
	if err != nil {
		return nil, ioErr("loading edges", err)
	}
	err = scanRows(rows, func() error {
		var rawChange, rawSrc, rawDst, rawFile []byte
		var e EdgeRow
		var kind int
		if err := rows.Scan(&rawChange, &rawSrc, &e.Src.Index, &rawDst, &e.Dst.Index, &rawFile, &e.File.Index, &kind, &e.Alive); err != nil {
			return err
		}
		var err error
		if e.Change, err = scanHash(rawChange); err != nil {
			return err
		}
		if e.Src.Change, err = scanHash(rawSrc); err != nil {
			return err
		}
		if e.Dst.Change, err = scanHash(rawDst); err != nil {
			return err
		}
		if e.File.Change, err = scanHash(rawFile); err != nil {
			return err
		}
		e.Kind = EdgeKind(kind)
		g.Edges = append(g.Edges, e)
		return nil
	})
	if err != nil {
		return nil, err
	}

	rows, err = db.conn.QueryContext(ctx,
		`SELECT m.change, m.v_change, m.v_idx, m.alive FROM marks m
		 JOIN channel_log l ON l.change = m.change AND l.channel_id = ?`,
		channelID,
	)
	if err != nil {
		return nil, ioErr("loading marks", err)
	}
	err = scanRows(rows, func() error {
		var rawChange, rawVertex []byte
		var m MarkRow
		if err := rows.Scan(&rawChange, &rawVertex, &m.Vertex.Index, &m.Alive); err != nil {
			return err
		}
		var err error
		if m.Change, err = scanHash(rawChange); err != nil {
			return err
		}
		if m.Vertex.Change, err = scanHash(rawVertex); err != nil {
			return err
		}
		g.Marks = append(g.Marks, m)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return g, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// scanRows drains rows through fn and closes them.
func scanRows(rows *sql.Rows, fn func() error) error {
	defer rows.Close()
	for rows.Next() {
		if err := fn(); err != nil {
			return ioErr("scanning rows", err)
		}
	}
	if err := rows.Err(); err != nil {
		return ioErr("iterating rows", err)
	}
	return nil
}

// DeletePristineTx removes every row introduced by a change.
func (db *DB) DeletePristineTx(tx *sql.Tx, h change.Hash) error {
	for _, q := range []string{
		`DELETE FROM vertices WHERE change = ?`,
		`DELETE FROM edges WHERE change = ?`,
		`DELETE FROM marks WHERE change = ?`,
		`DELETE FROM pristine_changes WHERE change = ?`,
	} {
		if _, err := tx.Exec(q, h.Bytes()); err != nil {
			return ioErr("deleting pristine rows", err)
		}
	}
	return nil
}
