// Package output materializes a channel graph into files, with
// conflicts reported as values alongside the tree.
package output

import (
	"encoding/json"

	"loom/change"
)

// ConflictKind classifies a conflict.
type ConflictKind string

const (
	// ConflictOrder: alive vertices whose relative order no change decides.
	ConflictOrder ConflictKind = "order"
	// ConflictCycle: order claims that contradict each other.
	ConflictCycle ConflictKind = "cycle"
	// ConflictZombie: a vertex deleted by one change and kept alive by a
	// concurrent one.
	ConflictZombie ConflictKind = "zombie"
	// ConflictPath: two alive files with the same path.
	ConflictPath ConflictKind = "path"
)

// Line is one alive vertex of a materialized file.
type Line struct {
	Vertex  change.Vertex `json:"vertex"`
	Content []byte        `json:"content"`
	// Zone is the 1-based index into File.Conflicts of the order or cycle
	// conflict this line belongs to, or 0.
	Zone int `json:"zone,omitempty"`
}

// File is a materialized file.
type File struct {
	Path  string        `json:"path"`
	Start change.Vertex `json:"start"`
	Lines []Line        `json:"lines"`
	// Claims are the changes keeping the file alive. Deleting the file
	// must depend on all of them.
	Claims    []change.Hash `json:"claims"`
	Conflicts []*Conflict   `json:"-"`
}

// Bytes concatenates the file's lines.
func (f *File) Bytes() []byte {
	var n int
	for _, l := range f.Lines {
		n += len(l.Content)
	}
	out := make([]byte, 0, n)
	for _, l := range f.Lines {
		out = append(out, l.Content...)
	}
	return out
}

// Tree is the set of alive files of a channel, ordered by path.
type Tree struct {
	Files []*File `json:"files"`
}

// File returns the first file with the given path, or nil.
func (t *Tree) File(path string) *File {
	for _, f := range t.Files {
		if f.Path == path {
			return f
		}
	}
	return nil
}

// Paths returns the paths of every file.
func (t *Tree) Paths() []string {
	out := make([]string, len(t.Files))
	for i, f := range t.Files {
		out[i] = f.Path
	}
	return out
}

// Side is one alternative of a conflict: the vertices a single change
// contributes to it.
type Side struct {
	Change   change.Hash     `json:"change"`
	Label    string          `json:"label"`
	Vertices []change.Vertex `json:"vertices"`
}

// EdgeRef names an order edge.
type EdgeRef struct {
	Src change.Vertex `json:"src"`
	Dst change.Vertex `json:"dst"`
}

// Conflict is a region of a channel where applied changes disagree.
type Conflict struct {
	Kind      ConflictKind  `json:"kind"`
	Signature string        `json:"signature"`
	File      change.Vertex `json:"file"`
	Path      string        `json:"path"`
	Sides     []Side        `json:"sides"`
	// Before and After are the settled vertices around an order or cycle
	// zone; the file boundaries when there are none.
	Before change.Vertex `json:"before,omitempty"`
	After  change.Vertex `json:"after,omitempty"`
	// Edges are the alive order edges inside a cycle zone.
	Edges []EdgeRef `json:"edges,omitempty"`
	// Changes are the changes whose claims produce the conflict.
	Changes []change.Hash `json:"changes"`

	first vertexKey
}

// Vertices returns the vertices of every side.
func (c *Conflict) Vertices() []change.Vertex {
	var out []change.Vertex
	for _, s := range c.Sides {
		out = append(out, s.Vertices...)
	}
	return out
}

// Resolved records a conflict settled by a ledger resolution overlaid
// during materialization.
type Resolved struct {
	Conflict *Conflict   `json:"conflict"`
	Change   change.Hash `json:"change"`
}

// Stats counts what a materialization produced.
type Stats struct {
	Files        int `json:"files"`
	Lines        int `json:"lines"`
	Conflicts    int `json:"conflicts"`
	AutoResolved int `json:"autoResolved"`
}

// Result is the outcome of materializing a channel.
type Result struct {
	Tree      *Tree       `json:"tree"`
	Conflicts []*Conflict `json:"conflicts"`
	Resolved  []Resolved  `json:"resolved"`
	Stats     Stats       `json:"stats"`
}

// Resolver looks up recorded resolutions by conflict signature.
type Resolver interface {
	// Lookup returns the newest resolution change for signature, or nil.
	Lookup(signature string) (*change.Change, error)
}

// Options tunes a materialization.
type Options struct {
	// StrictAppends reports concurrent appends at the end of a file
	// instead of ordering them by tie-break.
	StrictAppends bool `json:"strictAppends"`
	// Parallelism bounds the files processed at once (0 = GOMAXPROCS).
	Parallelism int `json:"-"`
	// Resolver enables automatic reuse of recorded resolutions.
	Resolver Resolver `json:"-"`
}

// CacheKey identifies the options that change a result.
func (o Options) CacheKey() string {
	key := struct {
		StrictAppends bool `json:"strictAppends"`
		AutoResolve   bool `json:"autoResolve"`
	}{o.StrictAppends, o.Resolver != nil}
	data, _ := json.Marshal(key)
	return string(data)
}

// Encode serializes a result for caching.
func Encode(r *Result) ([]byte, error) {
	return json.Marshal(r)
}

// Decode restores a cached result and relinks each file's conflicts.
func Decode(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if r.Tree == nil {
		r.Tree = &Tree{}
	}
	byFile := make(map[change.Vertex][]*Conflict)
	for _, c := range r.Conflicts {
		byFile[c.File] = append(byFile[c.File], c)
	}
	for _, f := range r.Tree.Files {
		f.Conflicts = byFile[f.Start]
	}
	return &r, nil
}
