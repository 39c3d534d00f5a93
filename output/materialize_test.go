package output

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/change"
	"loom/pristine"
)

type fixture struct {
	t *testing.T
	g *pristine.Graph
}

func newFixture(t *testing.T) *fixture {
	return &fixture{t: t, g: pristine.NewGraph()}
}

func (f *fixture) build(b *change.Builder) *change.Change {
	f.t.Helper()
	c, _, err := b.Build()
	require.NoError(f.t, err)
	return c
}

func (f *fixture) add(b *change.Builder) *change.Change {
	f.t.Helper()
	c := f.build(b)
	require.NoError(f.t, f.g.AddChange(c))
	return c
}

func header(msg string) change.Header {
	return change.Header{Author: "ann", Message: msg, Timestamp: 1700000000000}
}

// baseFile is a file with one vertex per line, chained in order.
type baseFile struct {
	c     *change.Change
	start change.Vertex
	end   change.Vertex
	lines []change.Vertex
}

func (f *fixture) addFile(path string, lines ...string) *baseFile {
	f.t.Helper()
	b := change.NewBuilder(header("add " + path))
	start, end := b.AddFile(path)
	up := start
	var local []change.Vertex
	for _, l := range lines {
		up = b.Insert(start, up, end, []byte(l))
		local = append(local, up)
	}
	c := f.add(b)
	bf := &baseFile{c: c, start: start.Resolve(c.Hash), end: end.Resolve(c.Hash)}
	for _, v := range local {
		bf.lines = append(bf.lines, v.Resolve(c.Hash))
	}
	return bf
}

// insert returns a builder inserting content between up and down.
func insert(bf *baseFile, up, down change.Vertex, msg string, content ...string) *change.Builder {
	b := change.NewBuilder(header(msg))
	for _, c := range content {
		up = b.Insert(bf.start, up, down, []byte(c))
	}
	return b
}

func materializeText(t *testing.T, g *pristine.Graph, opts Options) (*Result, string) {
	t.Helper()
	res, err := Materialize(context.Background(), g, opts)
	require.NoError(t, err)
	require.NotEmpty(t, res.Tree.Files)
	return res, string(res.Tree.Files[0].Bytes())
}

func lessHash(a, b change.Hash) bool { return a.Compare(b) < 0 }

func TestMaterializeLinearFile(t *testing.T) {
	f := newFixture(t)
	f.addFile("a.txt", "foo\n", "bar\n")

	res, text := materializeText(t, f.g, Options{})
	assert.Equal(t, "foo\nbar\n", text)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, []string{"a.txt"}, res.Tree.Paths())
	assert.Equal(t, Stats{Files: 1, Lines: 2}, res.Stats)
}

func TestConcurrentInsertsConflict(t *testing.T) {
	f := newFixture(t)
	base := f.addFile("a.txt", "foo\n", "qux\n")
	foo, qux := base.lines[0], base.lines[1]
	x := f.add(insert(base, foo, qux, "x", "x\n"))
	y := f.add(insert(base, foo, qux, "y", "y\n"))

	res, text := materializeText(t, f.g, Options{})
	first, second := "x\n", "y\n"
	if lessHash(y.Hash, x.Hash) {
		first, second = second, first
	}
	assert.Equal(t, "foo\n"+first+second+"qux\n", text)

	require.Len(t, res.Conflicts, 1)
	c := res.Conflicts[0]
	assert.Equal(t, ConflictOrder, c.Kind)
	assert.Equal(t, "a.txt", c.Path)
	assert.Equal(t, base.start, c.File)
	assert.Equal(t, foo, c.Before)
	assert.Equal(t, qux, c.After)
	require.Len(t, c.Sides, 2)
	assert.ElementsMatch(t, []change.Hash{x.Hash, y.Hash}, c.Changes)
	assert.Len(t, c.Signature, 64)

	file := res.Tree.Files[0]
	require.Len(t, file.Conflicts, 1)
	zones := []int{}
	for _, l := range file.Lines {
		zones = append(zones, l.Zone)
	}
	assert.Equal(t, []int{0, 1, 1, 0}, zones)
}

func TestConcurrentAppendsAreOrderedByTieBreak(t *testing.T) {
	f := newFixture(t)
	base := f.addFile("a.txt", "foo\n")
	foo := base.lines[0]
	bar := f.add(insert(base, foo, base.end, "bar", "bar\n"))
	baz := f.add(insert(base, foo, base.end, "baz", "baz\n"))

	res, text := materializeText(t, f.g, Options{})
	want := "foo\nbar\nbaz\n"
	if lessHash(baz.Hash, bar.Hash) {
		want = "foo\nbaz\nbar\n"
	}
	assert.Equal(t, want, text)
	assert.Empty(t, res.Conflicts)

	strict, err := Materialize(context.Background(), f.g, Options{StrictAppends: true})
	require.NoError(t, err)
	require.Len(t, strict.Conflicts, 1)
	assert.Equal(t, ConflictOrder, strict.Conflicts[0].Kind)
	assert.Equal(t, base.end, strict.Conflicts[0].After)
}

func TestOrderClaimSettlesConflict(t *testing.T) {
	f := newFixture(t)
	base := f.addFile("a.txt", "foo\n", "qux\n")
	foo, qux := base.lines[0], base.lines[1]
	x := f.add(insert(base, foo, qux, "x", "x\n"))
	y := f.add(insert(base, foo, qux, "y", "y\n"))

	// Put whichever line the tie-break places second first.
	xv, yv := x.Vertices()[0], y.Vertices()[0]
	up, down, want := yv, xv, "foo\ny\nx\nqux\n"
	if lessHash(y.Hash, x.Hash) {
		up, down, want = xv, yv, "foo\nx\ny\nqux\n"
	}
	b := change.NewBuilder(header("resolve"))
	b.Order(base.start, up, down)
	f.add(b)

	res, text := materializeText(t, f.g, Options{})
	assert.Equal(t, want, text)
	assert.Empty(t, res.Conflicts)
}

type mapResolver map[string]*change.Change

func (m mapResolver) Lookup(sig string) (*change.Change, error) {
	return m[sig], nil
}

func TestRecordedResolutionIsReused(t *testing.T) {
	f := newFixture(t)
	base := f.addFile("a.txt", "foo\n", "qux\n")
	foo, qux := base.lines[0], base.lines[1]
	x := f.add(insert(base, foo, qux, "x", "x\n"))
	y := f.add(insert(base, foo, qux, "y", "y\n"))

	before, err := Materialize(context.Background(), f.g, Options{})
	require.NoError(t, err)
	require.Len(t, before.Conflicts, 1)
	sig := before.Conflicts[0].Signature

	b := change.NewBuilder(header("resolve")).Resolves(sig)
	b.Order(base.start, y.Vertices()[0], x.Vertices()[0])
	fix := f.build(b)

	res, text := materializeText(t, f.g, Options{Resolver: mapResolver{sig: fix}})
	assert.Equal(t, "foo\ny\nx\nqux\n", text)
	assert.Empty(t, res.Conflicts)
	require.Len(t, res.Resolved, 1)
	assert.Equal(t, fix.Hash, res.Resolved[0].Change)
	assert.Equal(t, sig, res.Resolved[0].Conflict.Signature)
	assert.Equal(t, 1, res.Stats.AutoResolved)
	assert.True(t, f.g.Changes[fix.Hash].Overlay)
}

func TestResolutionWithMissingDependencyIsSkipped(t *testing.T) {
	f := newFixture(t)
	base := f.addFile("a.txt", "foo\n", "qux\n")
	foo, qux := base.lines[0], base.lines[1]
	x := f.add(insert(base, foo, qux, "x", "x\n"))
	y := f.add(insert(base, foo, qux, "y", "y\n"))

	before, err := Materialize(context.Background(), f.g, Options{})
	require.NoError(t, err)
	sig := before.Conflicts[0].Signature

	b := change.NewBuilder(header("resolve")).Resolves(sig)
	b.Order(base.start, y.Vertices()[0], x.Vertices()[0])
	b.Depend(hashOf(t, "unrelated.txt"))
	fix := f.build(b)

	res, err := Materialize(context.Background(), f.g, Options{Resolver: mapResolver{sig: fix}})
	require.NoError(t, err)
	assert.Len(t, res.Conflicts, 1)
	assert.Empty(t, res.Resolved)
}

func hashOf(t *testing.T, path string) change.Hash {
	t.Helper()
	b := change.NewBuilder(header("add " + path))
	b.AddFile(path)
	c, _, err := b.Build()
	require.NoError(t, err)
	return c.Hash
}

func TestDeletedLineDisappears(t *testing.T) {
	f := newFixture(t)
	base := f.addFile("a.txt", "foo\n", "qux\n")
	b := change.NewBuilder(header("drop foo"))
	b.Delete(base.lines[0])
	f.add(b)

	res, text := materializeText(t, f.g, Options{})
	assert.Equal(t, "qux\n", text)
	assert.Empty(t, res.Conflicts)
}

func TestZombieConflict(t *testing.T) {
	f := newFixture(t)
	base := f.addFile("a.txt", "foo\n", "qux\n")
	foo := base.lines[0]

	del := change.NewBuilder(header("drop foo"))
	del.Delete(foo)
	d := f.add(del)
	keep := change.NewBuilder(header("keep foo"))
	keep.Undelete(foo)
	u := f.add(keep)

	res, text := materializeText(t, f.g, Options{})
	assert.Equal(t, "foo\nqux\n", text)
	require.Len(t, res.Conflicts, 1)
	c := res.Conflicts[0]
	assert.Equal(t, ConflictZombie, c.Kind)
	require.Len(t, c.Sides, 2)
	labels := []string{c.Sides[0].Label, c.Sides[1].Label}
	assert.ElementsMatch(t, []string{"alive:" + u.Hash.String(), "dead:" + d.Hash.String()}, labels)
	assert.Equal(t, []change.Vertex{foo}, c.Sides[0].Vertices)

	// A later deletion that depends on both settles it.
	settle := change.NewBuilder(header("drop foo again"))
	settle.Delete(foo)
	settle.Depend(d.Hash).Depend(u.Hash)
	f.add(settle)

	res, text = materializeText(t, f.g, Options{})
	assert.Equal(t, "qux\n", text)
	assert.Empty(t, res.Conflicts)
}

func TestCycleConflict(t *testing.T) {
	f := newFixture(t)
	base := f.addFile("a.txt", "foo\n", "qux\n")
	foo, qux := base.lines[0], base.lines[1]

	b := change.NewBuilder(header("swap"))
	b.Order(base.start, qux, foo)
	x := f.add(b)

	res, text := materializeText(t, f.g, Options{})
	assert.Equal(t, "foo\nqux\n", text)
	require.Len(t, res.Conflicts, 1)
	c := res.Conflicts[0]
	assert.Equal(t, ConflictCycle, c.Kind)
	assert.Equal(t, []EdgeRef{{Src: qux, Dst: foo}}, c.Edges)
	assert.ElementsMatch(t, []change.Hash{base.c.Hash, x.Hash}, c.Changes)
	assert.Equal(t, base.start, c.Before)
	assert.Equal(t, base.end, c.After)

	un := change.NewBuilder(header("unswap"))
	un.Unorder(base.start, qux, foo)
	un.Depend(x.Hash)
	f.add(un)

	res, text = materializeText(t, f.g, Options{})
	assert.Equal(t, "foo\nqux\n", text)
	assert.Empty(t, res.Conflicts)
}

func TestPathConflict(t *testing.T) {
	f := newFixture(t)
	a := f.addFile("a.txt", "one\n")
	b := f.addFile("a.txt", "two\n")

	res, err := Materialize(context.Background(), f.g, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "a.txt"}, res.Tree.Paths())
	require.Len(t, res.Conflicts, 1)
	c := res.Conflicts[0]
	assert.Equal(t, ConflictPath, c.Kind)
	assert.True(t, c.File.IsZero())
	assert.ElementsMatch(t, []change.Hash{a.c.Hash, b.c.Hash}, c.Changes)
	for _, file := range res.Tree.Files {
		assert.Empty(t, file.Conflicts)
	}
}

func TestDeletedFileIsOmitted(t *testing.T) {
	f := newFixture(t)
	a := f.addFile("a.txt", "one\n")
	f.addFile("b.txt", "two\n")
	b := change.NewBuilder(header("rm a"))
	b.Delete(a.start)
	f.add(b)

	res, err := Materialize(context.Background(), f.g, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b.txt"}, res.Tree.Paths())
}

func TestMaterializeIsIndependentOfApplyOrder(t *testing.T) {
	build := func(t *testing.T) (*fixture, *baseFile, []*change.Change) {
		f := newFixture(t)
		base := f.addFile("a.txt", "foo\n", "qux\n")
		foo, qux := base.lines[0], base.lines[1]
		var cs []*change.Change
		for _, s := range []string{"x", "y", "z"} {
			cs = append(cs, f.build(insert(base, foo, qux, s, s+"\n")))
		}
		return f, base, cs
	}

	f1, _, cs := build(t)
	for _, c := range cs {
		require.NoError(t, f1.g.AddChange(c))
	}
	f2, _, _ := build(t)
	for i := len(cs) - 1; i >= 0; i-- {
		require.NoError(t, f2.g.AddChange(cs[i]))
	}

	r1, err := Materialize(context.Background(), f1.g, Options{})
	require.NoError(t, err)
	r2, err := Materialize(context.Background(), f2.g, Options{Parallelism: 1})
	require.NoError(t, err)

	d1, err := Encode(r1)
	require.NoError(t, err)
	d2, err := Encode(r2)
	require.NoError(t, err)
	assert.Equal(t, string(d1), string(d2))
	require.Len(t, r1.Conflicts, 1)
	assert.Len(t, r1.Conflicts[0].Sides, 3)
}

func TestMaterializeLongFile(t *testing.T) {
	const n = 60000
	f := newFixture(t)
	lines := make([]string, n)
	for i := range lines {
		lines[i] = "line\n"
	}
	base := f.addFile("big.txt", lines...)

	// Replace a block in the middle and race two insertions near the end.
	b := change.NewBuilder(header("rewrite"))
	for _, v := range base.lines[1000:2000] {
		b.Delete(v)
	}
	b.Insert(base.start, base.lines[1999], base.lines[2000], []byte("new\n"))
	f.add(b)
	f.add(insert(base, base.lines[n-10], base.lines[n-9], "x", "x\n"))
	f.add(insert(base, base.lines[n-10], base.lines[n-9], "y", "y\n"))

	res, text := materializeText(t, f.g, Options{})
	assert.Equal(t, n-1000+3, res.Stats.Lines)
	assert.Equal(t, "new\n", string(res.Tree.Files[0].Lines[1000].Content))
	assert.Equal(t, len(text), (n-1000)*len("line\n")+len("new\n")+4)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, base.lines[n-10], res.Conflicts[0].Before)
	assert.Equal(t, base.lines[n-9], res.Conflicts[0].After)
}

func TestMaterializeCancelled(t *testing.T) {
	f := newFixture(t)
	f.addFile("a.txt", "foo\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Materialize(ctx, f.g, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRenderMarksConflictZones(t *testing.T) {
	f := newFixture(t)
	base := f.addFile("a.txt", "foo\n", "qux\n")
	foo, qux := base.lines[0], base.lines[1]
	f.add(insert(base, foo, qux, "x", "x\n"))
	f.add(insert(base, foo, qux, "y", "y\n"))

	res, err := Materialize(context.Background(), f.g, Options{})
	require.NoError(t, err)
	file := res.Tree.Files[0]
	out := string(file.Render())
	sig := res.Conflicts[0].Signature[:8]

	assert.True(t, strings.HasPrefix(out, "foo\n>>>>>>> order "+sig+"\n"), out)
	assert.Contains(t, out, "\n=======\n")
	assert.True(t, strings.HasSuffix(out, "<<<<<<< "+sig+"\nqux\n"), out)
	assert.Equal(t, 7, strings.Count(out, "\n"))
}

func TestEncodeDecodeRelinksConflicts(t *testing.T) {
	f := newFixture(t)
	base := f.addFile("a.txt", "foo\n", "qux\n")
	foo, qux := base.lines[0], base.lines[1]
	f.add(insert(base, foo, qux, "x", "x\n"))
	f.add(insert(base, foo, qux, "y", "y\n"))

	res, err := Materialize(context.Background(), f.g, Options{})
	require.NoError(t, err)
	data, err := Encode(res)
	require.NoError(t, err)

	back, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, back.Tree.Files, 1)
	require.Len(t, back.Tree.Files[0].Conflicts, 1)
	assert.Equal(t, res.Conflicts[0].Signature, back.Tree.Files[0].Conflicts[0].Signature)
	assert.Equal(t, string(res.Tree.Files[0].Render()), string(back.Tree.Files[0].Render()))
}

func TestSignatureIgnoresSideOrder(t *testing.T) {
	h1, h2 := hashOf(t, "a"), hashOf(t, "b")
	s1 := Side{Change: h1, Label: h1.String(), Vertices: []change.Vertex{{Change: h1, Index: 3}, {Change: h1, Index: 4}}}
	s2 := Side{Change: h2, Label: h2.String(), Vertices: []change.Vertex{{Change: h2, Index: 3}}}

	a := Signature(ConflictOrder, []Side{s1, s2})
	b := Signature(ConflictOrder, []Side{s2, s1})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Signature(ConflictCycle, []Side{s1, s2}))
}
