package pristine

import (
	"context"
	"sort"

	"github.com/bits-and-blooms/bitset"

	"loom/change"
	"loom/store"
)

// Claim is a change's assertion that a vertex or order edge is alive or
// dead.
type Claim struct {
	Change change.Hash
	Alive  bool
}

// Vertex is a vertex of a channel graph.
type Vertex struct {
	ID      change.Vertex
	File    change.Vertex
	Kind    store.VertexKind
	Content []byte
	Marks   []Claim
}

// Edge joins two vertices of the same file. Structural edges come from
// insertions and are always alive; order edges carry claims.
type Edge struct {
	Src    change.Vertex
	Dst    change.Vertex
	Kind   store.EdgeKind
	Claims []Claim
}

type edgeKey struct {
	src, dst change.Vertex
	kind     store.EdgeKind
}

// File groups the vertices and edges reachable from one file start
// vertex.
type File struct {
	Start    change.Vertex
	End      change.Vertex
	Vertices []change.Vertex
	Edges    []*Edge

	edges map[edgeKey]*Edge
}

// ChangeInfo is an applied change as seen by a channel graph.
type ChangeInfo struct {
	Hash    change.Hash
	Depth   int64
	Deps    []change.Hash
	Overlay bool

	ord uint
}

// Graph is the in-memory view of a channel: every row introduced by the
// channel's applied changes plus any overlaid changes.
type Graph struct {
	Changes  map[change.Hash]*ChangeInfo
	Vertices map[change.Vertex]*Vertex
	Files    map[change.Vertex]*File

	// ancestors[ord] holds the ords of every transitive dependency.
	ancestors []*bitset.BitSet
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		Changes:  make(map[change.Hash]*ChangeInfo),
		Vertices: make(map[change.Vertex]*Vertex),
		Files:    make(map[change.Vertex]*File),
	}
}

// Load builds the graph of a channel from the pristine.
func Load(ctx context.Context, db *store.DB, channelID string) (*Graph, error) {
	rows, err := db.LoadChannelRows(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return FromRows(rows), nil
}

// FromRows builds a graph from loaded pristine rows.
func FromRows(rows *store.GraphRows) *Graph {
	g := NewGraph()

	changes := append([]store.PristineChange(nil), rows.Changes...)
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].Depth < changes[j].Depth })
	for _, pc := range changes {
		g.addChangeInfo(pc.Hash, pc.Depth, pc.Deps, false)
	}
	g.addRows(rows)
	return g
}

func (g *Graph) addChangeInfo(h change.Hash, depth int64, deps []change.Hash, overlay bool) *ChangeInfo {
	info := &ChangeInfo{Hash: h, Depth: depth, Deps: deps, Overlay: overlay, ord: uint(len(g.ancestors))}
	anc := bitset.New(uint(len(g.ancestors) + 1))
	for _, d := range deps {
		di, ok := g.Changes[d]
		if !ok {
			continue
		}
		anc.Set(di.ord)
		anc.InPlaceUnion(g.ancestors[di.ord])
	}
	g.ancestors = append(g.ancestors, anc)
	g.Changes[h] = info
	return info
}

func (g *Graph) addRows(rows *store.GraphRows) {
	// File starts first so every other row finds its file.
	for _, kind := range []store.VertexKind{store.VertexFileStart, store.VertexFileEnd, store.VertexLine} {
		for _, r := range rows.Vertices {
			if r.Kind != kind {
				continue
			}
			g.Vertices[r.Vertex] = &Vertex{ID: r.Vertex, File: r.File, Kind: r.Kind, Content: r.Content}
			if kind == store.VertexFileStart {
				g.Files[r.Vertex] = &File{Start: r.Vertex, edges: make(map[edgeKey]*Edge)}
			}
			f := g.Files[r.File]
			if f == nil {
				continue
			}
			f.Vertices = append(f.Vertices, r.Vertex)
			if kind == store.VertexFileEnd {
				f.End = r.Vertex
			}
		}
	}

	for _, r := range rows.Edges {
		f := g.Files[r.File]
		if f == nil {
			continue
		}
		key := edgeKey{src: r.Src, dst: r.Dst, kind: r.Kind}
		e := f.edges[key]
		if e == nil {
			e = &Edge{Src: r.Src, Dst: r.Dst, Kind: r.Kind}
			f.edges[key] = e
			f.Edges = append(f.Edges, e)
		}
		e.Claims = append(e.Claims, Claim{Change: r.Change, Alive: r.Alive})
	}

	for _, r := range rows.Marks {
		if v := g.Vertices[r.Vertex]; v != nil {
			v.Marks = append(v.Marks, Claim{Change: r.Change, Alive: r.Alive})
		}
	}
}

// AddChange overlays a change that is not applied to the channel. Its
// dependencies must be in the graph. Adding a change twice is a no-op.
func (g *Graph) AddChange(c *change.Change) error {
	if _, ok := g.Changes[c.Hash]; ok {
		return nil
	}

	var missing []change.Hash
	var depth int64
	for _, d := range c.Dependencies {
		di, ok := g.Changes[d]
		if !ok {
			missing = append(missing, d)
			continue
		}
		if di.Depth > depth {
			depth = di.Depth
		}
	}
	if len(missing) > 0 {
		return &MissingDependencyError{Change: c.Hash, Missing: missing}
	}

	g.addChangeInfo(c.Hash, depth+1, c.Dependencies, true)
	g.addRows(Expand(c))
	return nil
}

// Has reports whether a change is in the graph.
func (g *Graph) Has(h change.Hash) bool {
	_, ok := g.Changes[h]
	return ok
}

// Depth returns the causal depth of a change, or 0 if it is absent.
func (g *Graph) Depth(h change.Hash) int64 {
	if info, ok := g.Changes[h]; ok {
		return info.Depth
	}
	return 0
}

// Dominates reports whether a transitively depends on b.
func (g *Graph) Dominates(a, b change.Hash) bool {
	ai, ok := g.Changes[a]
	if !ok || a == b {
		return false
	}
	bi, ok := g.Changes[b]
	if !ok {
		return false
	}
	return g.ancestors[ai.ord].Test(bi.ord)
}

// Maximal returns the claims not dominated by another claim, one per
// change, ordered by change hash.
func (g *Graph) Maximal(claims []Claim) []Claim {
	seen := make(map[change.Hash]bool, len(claims))
	var uniq []Claim
	for _, c := range claims {
		if !seen[c.Change] {
			seen[c.Change] = true
			uniq = append(uniq, c)
		}
	}

	var out []Claim
	for _, c := range uniq {
		dominated := false
		for _, o := range uniq {
			if g.Dominates(o.Change, c.Change) {
				dominated = true
				break
			}
		}
		if !dominated {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Change.Compare(out[j].Change) < 0 })
	return out
}

// Claims returns every claim on a vertex: its introduction, its marks
// and, for a file start, every insertion into the file.
func (g *Graph) Claims(v *Vertex) []Claim {
	claims := []Claim{{Change: v.ID.Change, Alive: true}}
	claims = append(claims, v.Marks...)
	if v.Kind == store.VertexFileStart {
		if f := g.Files[v.ID]; f != nil {
			for _, id := range f.Vertices {
				if id.Change != v.ID.Change {
					claims = append(claims, Claim{Change: id.Change, Alive: true})
				}
			}
		}
	}
	return claims
}

// Status returns whether a vertex is alive, and whether its maximal
// claims disagree.
func (g *Graph) Status(v *Vertex) (alive, disputed bool) {
	alive, disputed, _ = g.status(g.Claims(v))
	return alive, disputed
}

// StatusClaims is Status plus the maximal claims.
func (g *Graph) StatusClaims(v *Vertex) (alive, disputed bool, maximal []Claim) {
	return g.status(g.Claims(v))
}

func (g *Graph) status(claims []Claim) (alive, disputed bool, maximal []Claim) {
	maximal = g.Maximal(claims)
	var dead bool
	for _, c := range maximal {
		if c.Alive {
			alive = true
		} else {
			dead = true
		}
	}
	return alive, alive && dead, maximal
}

// EdgeAlive reports whether an edge is in effect.
func (g *Graph) EdgeAlive(e *Edge) bool {
	if e.Kind == store.EdgeStructural {
		return true
	}
	alive, _, _ := g.status(e.Claims)
	return alive
}

// Path returns the path carried by a file start vertex.
func (g *Graph) Path(file change.Vertex) string {
	if v := g.Vertices[file]; v != nil {
		return string(v.Content)
	}
	return ""
}

// SortedFiles returns the files ordered by path, then start vertex.
func (g *Graph) SortedFiles() []*File {
	out := make([]*File, 0, len(g.Files))
	for _, f := range g.Files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := g.Path(out[i].Start), g.Path(out[j].Start)
		if pi != pj {
			return pi < pj
		}
		return out[i].Start.Compare(out[j].Start) < 0
	})
	return out
}
