package change

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildFile(t *testing.T, path string, lines ...string) (*Change, Vertex, Vertex) {
	t.Helper()
	b := NewBuilder(Header{Author: "ann", Message: "add " + path, Timestamp: 1700000000000})
	start, end := b.AddFile(path)
	up := start
	for _, l := range lines {
		up = b.Insert(start, up, end, []byte(l))
	}
	c, _, err := b.Build()
	require.NoError(t, err)
	return c, start.Resolve(c.Hash), end.Resolve(c.Hash)
}

func TestBuilderProducesValidChange(t *testing.T) {
	c, start, end := buildFile(t, "a.txt", "foo\n", "bar\n")

	assert.False(t, c.Hash.IsZero())
	assert.Empty(t, c.Dependencies)
	assert.Len(t, c.Operations, 3)
	assert.Equal(t, c.Hash, start.Change)
	assert.Equal(t, uint32(2), end.Index)
	assert.Len(t, c.Vertices(), 4)
}

func TestDependenciesCollectedFromReferences(t *testing.T) {
	base, start, end := buildFile(t, "a.txt", "foo\n")

	b := NewBuilder(Header{Author: "bob"})
	b.Insert(start, start, end, []byte("bar\n"))
	c, _, err := b.Build()
	require.NoError(t, err)

	assert.Equal(t, []Hash{base.Hash}, c.Dependencies)
	assert.True(t, c.DependsOn(base.Hash))
	assert.Equal(t, map[Hash]bool{base.Hash: true}, c.ReferencedChanges())
}

func TestHashIgnoresDependencyOrder(t *testing.T) {
	a, _, _ := buildFile(t, "a.txt", "x\n")
	b, _, _ := buildFile(t, "b.txt", "y\n")

	mk := func(deps ...Hash) Hash {
		c := &Change{
			Dependencies: deps,
			Operations:   []Operation{{Kind: OpAddFile, Vertex: Vertex{Index: 1}, Path: "c.txt"}},
			Header:       Header{Author: "ann"},
		}
		_, err := Seal(c)
		require.NoError(t, err)
		return c.Hash
	}

	assert.Equal(t, mk(a.Hash, b.Hash), mk(b.Hash, a.Hash, a.Hash))
}

func TestDecodeRoundTrip(t *testing.T) {
	c, _, _ := buildFile(t, "dir/a.txt", "one\n", "two")
	data, err := Encode(c)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, c.Hash, decoded.Hash)
	assert.Equal(t, c.Operations, decoded.Operations)
	assert.Equal(t, c.Header, decoded.Header)
}

func TestDecodeRejectsNonCanonical(t *testing.T) {
	c, _, _ := buildFile(t, "a.txt", "one\n")
	pretty, err := json.MarshalIndent(c, "", "  ")
	require.NoError(t, err)

	_, err = Decode(pretty)
	assert.ErrorIs(t, err, ErrInvalidChange)

	_, err = Decode([]byte("not json"))
	assert.ErrorIs(t, err, ErrInvalidChange)
}

func TestValidateRejects(t *testing.T) {
	_, start, end := buildFile(t, "a.txt", "foo\n")

	tests := []struct {
		name string
		c    *Change
	}{
		{"empty", &Change{}},
		{"undeclared dependency", &Change{Operations: []Operation{
			{Kind: OpDelete, Vertex: start},
		}}},
		{"bad path", &Change{Operations: []Operation{
			{Kind: OpAddFile, Vertex: Vertex{Index: 1}, Path: "../x"},
		}}},
		{"absolute path", &Change{Operations: []Operation{
			{Kind: OpAddFile, Vertex: Vertex{Index: 1}, Path: "/x"},
		}}},
		{"reused index", &Change{Operations: []Operation{
			{Kind: OpAddFile, Vertex: Vertex{Index: 1}, Path: "x"},
			{Kind: OpAddFile, Vertex: Vertex{Index: 2}, Path: "y"},
		}}},
		{"unknown local", &Change{Operations: []Operation{
			{Kind: OpAddFile, Vertex: Vertex{Index: 1}, Path: "x"},
			{Kind: OpInsert, File: Vertex{Index: 1}, Vertex: Vertex{Index: 3}, Up: Vertex{Index: 1}, Down: Vertex{Index: 9}, Content: []byte("a")},
		}}},
		{"delete own vertex", &Change{Operations: []Operation{
			{Kind: OpAddFile, Vertex: Vertex{Index: 1}, Path: "x"},
			{Kind: OpDelete, Vertex: Vertex{Index: 1}},
		}}},
		{"delete and undelete", &Change{Dependencies: []Hash{start.Change}, Operations: []Operation{
			{Kind: OpDelete, Vertex: start},
			{Kind: OpUndelete, Vertex: start},
		}}},
		{"self edge", &Change{Dependencies: []Hash{start.Change}, Operations: []Operation{
			{Kind: OpOrder, File: start, Up: end, Down: end},
		}}},
		{"unknown kind", &Change{Operations: []Operation{{Kind: "rename"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Seal(tt.c)
			assert.ErrorIs(t, err, ErrInvalidChange)
		})
	}
}

func TestVertexText(t *testing.T) {
	c, start, _ := buildFile(t, "a.txt")

	for _, v := range []Vertex{{}, {Index: 3}, start} {
		text, err := v.MarshalText()
		require.NoError(t, err)
		var back Vertex
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, v, back)
	}

	assert.Equal(t, c.Hash.Short()+":1", start.String())
	assert.Equal(t, start, Vertex{Index: 1}.Resolve(c.Hash))
	assert.Equal(t, start, start.Resolve(Hash{9}))

	var bad Vertex
	assert.Error(t, bad.UnmarshalText([]byte("abc")))
}

func TestHashHelpers(t *testing.T) {
	a := Hash{1, 2, 3}
	b := Hash{7}

	assert.Equal(t, a.Xor(b), b.Xor(a))
	assert.Equal(t, a, a.Xor(b).Xor(b))
	assert.True(t, a.Xor(a).IsZero())

	parsed, err := ParseHash(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)
	assert.Len(t, a.Short(), 12)

	_, err = ParseHash("00ff")
	assert.Error(t, err)
	_, err = HashFromBytes(a.Bytes())
	assert.NoError(t, err)
}
