// Package record turns the difference between a materialized channel and
// new file contents into a change.
package record

import (
	"errors"
	"sort"

	"loom/change"
	"loom/diff"
	"loom/output"
)

// ErrNothingToRecord is returned when the contents match the channel.
var ErrNothingToRecord = errors.New("nothing to record")

// Options tunes a recording.
type Options struct {
	Header    change.Header
	Algorithm diff.Algorithm
	// Include and Ignore are doublestar patterns over paths. Paths that are
	// not selected are left as they are in the channel.
	Include []string
	Ignore  []string
	// Dependencies are added to the ones implied by referenced vertices.
	Dependencies []change.Hash
}

// Record builds the change turning tree into working, a map from path to
// full file contents. Files of tree missing from working are deleted.
// When several files share a path, the first one in tree is compared and
// the others are left alone.
func Record(tree *output.Tree, working map[string][]byte, opts Options) (*change.Change, []byte, error) {
	m, err := NewMatcher(opts.Include, opts.Ignore)
	if err != nil {
		return nil, nil, err
	}

	b := change.NewBuilder(opts.Header)
	for _, d := range opts.Dependencies {
		b.Depend(d)
	}

	current := make(map[string]*output.File)
	if tree != nil {
		for _, f := range tree.Files {
			if _, ok := current[f.Path]; !ok {
				current[f.Path] = f
			}
		}
	}

	paths := make([]string, 0, len(working))
	for p := range working {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if !m.Match(p) {
			continue
		}
		if f, ok := current[p]; ok {
			recordEdit(b, f, working[p], opts.Algorithm)
			continue
		}
		if err := change.ValidatePath(p); err != nil {
			return nil, nil, err
		}
		recordAdd(b, p, working[p])
	}

	if tree != nil {
		for _, f := range tree.Files {
			if _, ok := working[f.Path]; ok || !m.Match(f.Path) || current[f.Path] != f {
				continue
			}
			contested := zombieClaims(f)
			for _, l := range f.Lines {
				deleteLine(b, l.Vertex, contested)
			}
			b.Delete(f.Start)
			for _, h := range f.Claims {
				b.Depend(h)
			}
		}
	}

	if b.Len() == 0 {
		return nil, nil, ErrNothingToRecord
	}
	return b.Build()
}

func recordAdd(b *change.Builder, path string, content []byte) {
	start, end := b.AddFile(path)
	up := start
	for _, l := range diff.SplitLines(content) {
		up = b.Insert(start, up, end, l)
	}
}

func recordEdit(b *change.Builder, f *output.File, content []byte, alg diff.Algorithm) {
	old := make([][]byte, len(f.Lines))
	for i, l := range f.Lines {
		old[i] = l.Content
	}
	lines := diff.SplitLines(content)

	end := fileEnd(f)
	contested := zombieClaims(f)
	for _, h := range diff.Lines(old, lines, alg) {
		up := f.Start
		if h.OldStart > 0 {
			up = f.Lines[h.OldStart-1].Vertex
		}
		for _, l := range f.Lines[h.OldStart : h.OldStart+h.OldLen] {
			deleteLine(b, l.Vertex, contested)
			up = l.Vertex
		}

		down := end
		if next := h.OldStart + h.OldLen; next < len(f.Lines) {
			down = f.Lines[next].Vertex
		}
		for _, l := range lines[h.NewStart : h.NewStart+h.NewLen] {
			up = b.Insert(f.Start, up, down, l)
		}
	}
}

// fileEnd returns the end vertex of a materialized file. An addfile
// operation allocates the end right after the start.
func fileEnd(f *output.File) change.Vertex {
	return change.Vertex{Change: f.Start.Change, Index: f.Start.Index + 1}
}

// zombieClaims maps the lines of f's zombie conflicts to the changes
// disputing them. A deletion must depend on those changes to settle the
// dispute.
func zombieClaims(f *output.File) map[change.Vertex][]change.Hash {
	out := make(map[change.Vertex][]change.Hash)
	for _, c := range f.Conflicts {
		if c.Kind != output.ConflictZombie {
			continue
		}
		for _, v := range c.Vertices() {
			out[v] = append(out[v], c.Changes...)
		}
	}
	return out
}

func deleteLine(b *change.Builder, v change.Vertex, contested map[change.Vertex][]change.Hash) {
	b.Delete(v)
	for _, h := range contested[v] {
		b.Depend(h)
	}
}
