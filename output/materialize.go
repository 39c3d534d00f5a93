package output

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"loom/change"
	"loom/pristine"
	"loom/store"
)

// maxResolveRounds bounds how many times recorded resolutions are
// overlaid and the channel recomputed.
const maxResolveRounds = 8

// Materialize computes the tree and conflicts of a channel graph. With a
// Resolver set, recorded resolutions whose dependencies are all in g are
// overlaid onto g and the conflicts they settle are reported in
// Resolved. The result is a deterministic function of the graph's
// changes and the options.
func Materialize(ctx context.Context, g *pristine.Graph, opts Options) (*Result, error) {
	var resolved []Resolved
	for round := 0; ; round++ {
		res, err := materialize(ctx, g, opts)
		if err != nil {
			return nil, err
		}

		progress := false
		if opts.Resolver != nil && round < maxResolveRounds {
			for _, c := range res.Conflicts {
				rc, err := opts.Resolver.Lookup(c.Signature)
				if err != nil {
					return nil, fmt.Errorf("looking up resolution for %s: %w", c.Signature, err)
				}
				if rc == nil || g.Has(rc.Hash) || !depsPresent(g, rc) {
					continue
				}
				if err := g.AddChange(rc); err != nil {
					return nil, err
				}
				resolved = append(resolved, Resolved{Conflict: c, Change: rc.Hash})
				progress = true
			}
		}

		if !progress {
			res.Resolved = resolved
			res.Stats.AutoResolved = len(resolved)
			return res, nil
		}
	}
}

func depsPresent(g *pristine.Graph, c *change.Change) bool {
	for _, d := range c.Dependencies {
		if !g.Has(d) {
			return false
		}
	}
	return true
}

type fileResult struct {
	file      *File
	conflicts []*Conflict
}

func materialize(ctx context.Context, g *pristine.Graph, opts Options) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	files := g.SortedFiles()
	results := make([]*fileResult, len(files))

	limit := opts.Parallelism
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)
	for i, f := range files {
		i, f := i, f
		eg.Go(func() error {
			if err := ectx.Err(); err != nil {
				return err
			}
			r, err := materializeFile(ectx, g, f, opts)
			results[i] = r
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Tree: &Tree{}}
	byPath := make(map[string][]*File)
	for _, r := range results {
		if r == nil {
			continue
		}
		res.Tree.Files = append(res.Tree.Files, r.file)
		res.Conflicts = append(res.Conflicts, r.conflicts...)
		byPath[r.file.Path] = append(byPath[r.file.Path], r.file)
	}
	for path, fs := range byPath {
		if len(fs) > 1 {
			res.Conflicts = append(res.Conflicts, pathConflict(g, path, fs))
		}
	}

	sort.SliceStable(res.Conflicts, func(i, j int) bool {
		a, b := res.Conflicts[i], res.Conflicts[j]
		if a.first != b.first {
			return a.first.less(b.first)
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Signature < b.Signature
	})

	linkConflicts(res)

	res.Stats.Files = len(res.Tree.Files)
	for _, f := range res.Tree.Files {
		res.Stats.Lines += len(f.Lines)
	}
	res.Stats.Conflicts = len(res.Conflicts)
	return res, nil
}

// linkConflicts attaches each file's conflicts, in result order, and
// marks the lines of order and cycle zones.
func linkConflicts(res *Result) {
	byFile := make(map[change.Vertex][]*Conflict)
	for _, c := range res.Conflicts {
		if !c.File.IsZero() {
			byFile[c.File] = append(byFile[c.File], c)
		}
	}
	for _, f := range res.Tree.Files {
		f.Conflicts = byFile[f.Start]
		if len(f.Conflicts) == 0 {
			continue
		}
		lineAt := make(map[change.Vertex]int, len(f.Lines))
		for i, l := range f.Lines {
			lineAt[l.Vertex] = i
		}
		for k, c := range f.Conflicts {
			if c.Kind != ConflictOrder && c.Kind != ConflictCycle {
				continue
			}
			for _, v := range c.Vertices() {
				if i, ok := lineAt[v]; ok {
					f.Lines[i].Zone = k + 1
				}
			}
		}
	}
}

func materializeFile(ctx context.Context, g *pristine.Graph, f *pristine.File, opts Options) (*fileResult, error) {
	startV := g.Vertices[f.Start]
	alive, disputed, maximal := g.StatusClaims(startV)
	if !alive {
		return nil, nil
	}

	out := &File{Path: string(startV.Content), Start: f.Start}
	for _, cl := range maximal {
		if cl.Alive {
			out.Claims = append(out.Claims, cl.Change)
		}
	}
	res := &fileResult{file: out}
	if disputed {
		res.conflicts = append(res.conflicts, zombieConflict(g, f, out.Path, []change.Vertex{f.Start}, maximal))
	}

	n := len(f.Vertices)
	idx := make(map[change.Vertex]int, n)
	keys := make([]vertexKey, n)
	for i, v := range f.Vertices {
		idx[v] = i
		keys[i] = vertexKey{depth: g.Depth(v.Change), v: v}
	}
	succ := make([][]int, n)
	for _, e := range f.Edges {
		if !g.EdgeAlive(e) {
			continue
		}
		s, ok := idx[e.Src]
		d, ok2 := idx[e.Dst]
		if !ok || !ok2 || s == d {
			continue
		}
		succ[s] = append(succ[s], d)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cond := condense(keys, succ)
	order, err := cond.topo(ctx)
	if err != nil {
		return nil, err
	}

	// Alive lines in output order.
	type zombie struct {
		pos     int
		maximal []pristine.Claim
	}
	var lines []int
	var zombies []zombie
	for k, ci := range order {
		if k%cancelEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for _, v := range cond.members[ci] {
			vx := g.Vertices[f.Vertices[v]]
			if vx.Kind != store.VertexLine {
				continue
			}
			a, d, max := g.StatusClaims(vx)
			if !a {
				continue
			}
			if d {
				zombies = append(zombies, zombie{pos: len(lines), maximal: max})
			}
			lines = append(lines, v)
		}
	}
	m := len(lines)

	compAlive := make([][]int, len(cond.members))
	for pos, v := range lines {
		ci := cond.comp[v]
		compAlive[ci] = append(compAlive[ci], pos)
	}

	settledComp, err := cond.settled(ctx, order, compAlive)
	if err != nil {
		return nil, err
	}
	settled := make([]bool, m)
	for pos, v := range lines {
		settled[pos] = settledComp[cond.comp[v]]
	}

	for pos := 0; pos < m; {
		if settled[pos] {
			pos++
			continue
		}
		end := pos
		for end < m && !settled[end] {
			end++
		}
		c := zoneConflict(g, f, out.Path, cond, keys, lines[pos:end], compAlive)
		if end < m || opts.StrictAppends || c.Kind == ConflictCycle {
			c.Before = f.Start
			if pos > 0 {
				c.Before = f.Vertices[lines[pos-1]]
			}
			c.After = f.End
			if end < m {
				c.After = f.Vertices[lines[end]]
			}
			res.conflicts = append(res.conflicts, c)
		}
		pos = end
	}

	// Runs of adjacent zombie lines with the same claims form one conflict.
	for i := 0; i < len(zombies); {
		j := i + 1
		for j < len(zombies) && zombies[j].pos == zombies[j-1].pos+1 && sameClaims(zombies[j].maximal, zombies[i].maximal) {
			j++
		}
		var vs []change.Vertex
		for _, z := range zombies[i:j] {
			vs = append(vs, f.Vertices[lines[z.pos]])
		}
		res.conflicts = append(res.conflicts, zombieConflict(g, f, out.Path, vs, zombies[i].maximal))
		i = j
	}

	out.Lines = make([]Line, m)
	for pos, v := range lines {
		id := f.Vertices[v]
		out.Lines[pos] = Line{Vertex: id, Content: g.Vertices[id].Content}
	}
	return res, nil
}

func sameClaims(a, b []pristine.Claim) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func keyOf(g *pristine.Graph, v change.Vertex) vertexKey {
	return vertexKey{depth: g.Depth(v.Change), v: v}
}

func firstKey(g *pristine.Graph, vs []change.Vertex) vertexKey {
	k := keyOf(g, vs[0])
	for _, v := range vs[1:] {
		if kv := keyOf(g, v); kv.less(k) {
			k = kv
		}
	}
	return k
}

// sortSides orders sides by the causal key of their change.
func sortSides(g *pristine.Graph, sides []Side) {
	sort.SliceStable(sides, func(i, j int) bool {
		di, dj := g.Depth(sides[i].Change), g.Depth(sides[j].Change)
		if di != dj {
			return di < dj
		}
		if c := sides[i].Change.Compare(sides[j].Change); c != 0 {
			return c < 0
		}
		return sides[i].Label < sides[j].Label
	})
}

func zoneConflict(g *pristine.Graph, f *pristine.File, path string, cond *condensation, keys []vertexKey, zone []int, compAlive [][]int) *Conflict {
	c := &Conflict{Kind: ConflictOrder, File: f.Start, Path: path}

	bySide := make(map[change.Hash]*Side)
	var sides []*Side
	cycles := make(map[int]bool)
	for _, v := range zone {
		id := f.Vertices[v]
		if ci := cond.comp[v]; len(compAlive[ci]) > 1 {
			c.Kind = ConflictCycle
			cycles[ci] = true
		}
		s := bySide[id.Change]
		if s == nil {
			s = &Side{Change: id.Change, Label: id.Change.String()}
			bySide[id.Change] = s
			sides = append(sides, s)
		}
		s.Vertices = append(s.Vertices, id)
	}
	for _, s := range sides {
		c.Sides = append(c.Sides, *s)
	}
	sortSides(g, c.Sides)

	changes := make(map[change.Hash]bool)
	for _, s := range c.Sides {
		changes[s.Change] = true
	}

	if len(cycles) > 0 {
		idx := make(map[change.Vertex]int, len(f.Vertices))
		for i, v := range f.Vertices {
			idx[v] = i
		}
		for _, e := range f.Edges {
			if e.Kind != store.EdgeOrder || !g.EdgeAlive(e) {
				continue
			}
			s, d := cond.comp[idx[e.Src]], cond.comp[idx[e.Dst]]
			if s != d || !cycles[s] {
				continue
			}
			c.Edges = append(c.Edges, EdgeRef{Src: e.Src, Dst: e.Dst})
			for _, cl := range g.Maximal(e.Claims) {
				if cl.Alive {
					changes[cl.Change] = true
				}
			}
		}
		sort.Slice(c.Edges, func(i, j int) bool {
			if x := c.Edges[i].Src.Compare(c.Edges[j].Src); x != 0 {
				return x < 0
			}
			return c.Edges[i].Dst.Compare(c.Edges[j].Dst) < 0
		})
	}

	c.Changes = sortedHashes(changes)
	c.Signature = Signature(c.Kind, c.Sides)
	first := keys[zone[0]]
	for _, v := range zone[1:] {
		if keys[v].less(first) {
			first = keys[v]
		}
	}
	c.first = first
	return c
}

func zombieConflict(g *pristine.Graph, f *pristine.File, path string, vs []change.Vertex, maximal []pristine.Claim) *Conflict {
	c := &Conflict{Kind: ConflictZombie, File: f.Start, Path: path}
	changes := make(map[change.Hash]bool)
	for _, cl := range maximal {
		label := "dead:"
		if cl.Alive {
			label = "alive:"
		}
		c.Sides = append(c.Sides, Side{
			Change:   cl.Change,
			Label:    label + cl.Change.String(),
			Vertices: append([]change.Vertex(nil), vs...),
		})
		changes[cl.Change] = true
	}
	sortSides(g, c.Sides)
	c.Changes = sortedHashes(changes)
	c.Signature = Signature(c.Kind, c.Sides)
	c.first = firstKey(g, vs)
	return c
}

func pathConflict(g *pristine.Graph, path string, files []*File) *Conflict {
	c := &Conflict{Kind: ConflictPath, Path: path}
	changes := make(map[change.Hash]bool)
	var starts []change.Vertex
	for _, f := range files {
		starts = append(starts, f.Start)
		c.Sides = append(c.Sides, Side{
			Change:   f.Start.Change,
			Label:    vertexID(f.Start),
			Vertices: []change.Vertex{f.Start},
		})
		for _, cl := range g.Claims(g.Vertices[f.Start]) {
			changes[cl.Change] = true
		}
	}
	sortSides(g, c.Sides)
	c.Changes = sortedHashes(changes)
	c.Signature = Signature(c.Kind, c.Sides)
	c.first = firstKey(g, starts)
	return c
}

func sortedHashes(set map[change.Hash]bool) []change.Hash {
	out := make([]change.Hash, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}
