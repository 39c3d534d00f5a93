package change

// Builder assembles a change operation by operation, allocating local
// vertex indices and collecting dependencies from referenced vertices.
type Builder struct {
	header   Header
	ops      []Operation
	deps     map[Hash]bool
	next     uint32
	resolves string
}

// NewBuilder starts an empty change with the given header.
func NewBuilder(h Header) *Builder {
	return &Builder{header: h, deps: make(map[Hash]bool), next: 1}
}

func (b *Builder) ref(v Vertex) {
	if !v.IsZero() && !v.IsLocal() {
		b.deps[v.Change] = true
	}
}

// Depend declares an explicit dependency.
func (b *Builder) Depend(h Hash) *Builder {
	b.deps[h] = true
	return b
}

// Len returns the number of operations added so far.
func (b *Builder) Len() int { return len(b.ops) }

// AddFile introduces a file and returns its start and end vertices.
func (b *Builder) AddFile(p string) (start, end Vertex) {
	start = Vertex{Index: b.next}
	end = Vertex{Index: b.next + 1}
	b.next += 2
	b.ops = append(b.ops, Operation{Kind: OpAddFile, Vertex: start, Path: p})
	return start, end
}

// Insert introduces a vertex holding content between up and down.
func (b *Builder) Insert(file, up, down Vertex, content []byte) Vertex {
	v := Vertex{Index: b.next}
	b.next++
	b.ref(file)
	b.ref(up)
	b.ref(down)
	b.ops = append(b.ops, Operation{Kind: OpInsert, File: file, Vertex: v, Up: up, Down: down, Content: content})
	return v
}

// Delete claims v is dead.
func (b *Builder) Delete(v Vertex) {
	b.ref(v)
	b.ops = append(b.ops, Operation{Kind: OpDelete, Vertex: v})
}

// Undelete claims v is alive.
func (b *Builder) Undelete(v Vertex) {
	b.ref(v)
	b.ops = append(b.ops, Operation{Kind: OpUndelete, Vertex: v})
}

// Order claims up precedes down.
func (b *Builder) Order(file, up, down Vertex) {
	b.ref(file)
	b.ref(up)
	b.ref(down)
	b.ops = append(b.ops, Operation{Kind: OpOrder, File: file, Up: up, Down: down})
}

// Unorder retracts an ordering claim.
func (b *Builder) Unorder(file, up, down Vertex) {
	b.ref(file)
	b.ref(up)
	b.ref(down)
	b.ops = append(b.ops, Operation{Kind: OpUnorder, File: file, Up: up, Down: down})
}

// Resolves marks the change as the resolution of a conflict signature.
func (b *Builder) Resolves(signature string) *Builder {
	b.resolves = signature
	return b
}

// Build seals the change: it validates it, computes its hash and returns
// it together with its canonical encoding.
func (b *Builder) Build() (*Change, []byte, error) {
	c := &Change{
		Operations: append([]Operation(nil), b.ops...),
		Header:     b.header,
		Resolves:   b.resolves,
	}
	for d := range b.deps {
		c.Dependencies = append(c.Dependencies, d)
	}
	data, err := Seal(c)
	if err != nil {
		return nil, nil, err
	}
	return c, data, nil
}
