// Package change defines the change model: content-addressed, commutative
// units of history made of vertex insertions, status claims and ordering
// claims over a global file graph.
package change

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"loom/cas"
)

// HashSize is the length of a change hash in bytes.
const HashSize = cas.Size

// Hash identifies a change: the blake3 digest of its canonical encoding.
type Hash [HashSize]byte

// HashFromBytes converts a raw digest into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// ParseHash parses the 64-character hex form of a hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parsing hash %q: %w", s, err)
	}
	return HashFromBytes(b)
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the 12-character prefix used in logs and listings.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:6])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Bytes returns a copy of the digest.
func (h Hash) Bytes() []byte {
	b := make([]byte, HashSize)
	copy(b, h[:])
	return b
}

func (h Hash) Compare(o Hash) int {
	return bytes.Compare(h[:], o[:])
}

// Xor folds o into h. Channel states are the XOR of their applied change
// hashes, which makes them independent of application order.
func (h Hash) Xor(o Hash) Hash {
	var r Hash
	for i := range h {
		r[i] = h[i] ^ o[i]
	}
	return r
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Vertex identifies a node of the file graph: the change that introduced
// it and its index within that change. Indices start at 1, so the zero
// Vertex means "unset". Inside a change's own operations a zero Change
// refers to the change itself.
type Vertex struct {
	Change Hash
	Index  uint32
}

func (v Vertex) IsZero() bool {
	return v == Vertex{}
}

// IsLocal reports whether v refers to a vertex of the enclosing change.
func (v Vertex) IsLocal() bool {
	return v.Change.IsZero() && v.Index != 0
}

// Resolve replaces a local reference with a reference to self.
func (v Vertex) Resolve(self Hash) Vertex {
	if v.IsLocal() {
		return Vertex{Change: self, Index: v.Index}
	}
	return v
}

func (v Vertex) Compare(o Vertex) int {
	if c := v.Change.Compare(o.Change); c != 0 {
		return c
	}
	switch {
	case v.Index < o.Index:
		return -1
	case v.Index > o.Index:
		return 1
	}
	return 0
}

func (v Vertex) String() string {
	if v.IsLocal() {
		return ":" + strconv.FormatUint(uint64(v.Index), 10)
	}
	return v.Change.Short() + ":" + strconv.FormatUint(uint64(v.Index), 10)
}

func (v Vertex) MarshalText() ([]byte, error) {
	switch {
	case v.IsZero():
		return []byte{}, nil
	case v.IsLocal():
		return []byte(":" + strconv.FormatUint(uint64(v.Index), 10)), nil
	}
	return []byte(v.Change.String() + ":" + strconv.FormatUint(uint64(v.Index), 10)), nil
}

func (v *Vertex) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" {
		*v = Vertex{}
		return nil
	}
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return fmt.Errorf("vertex %q: missing index", s)
	}
	idx, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return fmt.Errorf("vertex %q: %w", s, err)
	}
	var h Hash
	if i > 0 {
		if h, err = ParseHash(s[:i]); err != nil {
			return err
		}
	}
	*v = Vertex{Change: h, Index: uint32(idx)}
	return nil
}

// OpKind is the kind of an operation.
type OpKind string

const (
	// OpAddFile introduces a file: a start vertex at Vertex carrying Path,
	// and an end vertex at Vertex.Index+1.
	OpAddFile OpKind = "addfile"
	// OpInsert introduces Vertex with Content between Up and Down in File.
	OpInsert OpKind = "insert"
	// OpDelete claims Vertex is dead.
	OpDelete OpKind = "delete"
	// OpUndelete claims Vertex is alive.
	OpUndelete OpKind = "undelete"
	// OpOrder claims Up precedes Down in File.
	OpOrder OpKind = "order"
	// OpUnorder retracts an ordering claim between Up and Down.
	OpUnorder OpKind = "unorder"
)

// Operation is one step of a change.
type Operation struct {
	Kind    OpKind `json:"kind"`
	File    Vertex `json:"file"`
	Vertex  Vertex `json:"vertex"`
	Up      Vertex `json:"up"`
	Down    Vertex `json:"down"`
	Path    string `json:"path,omitempty"`
	Content []byte `json:"content,omitempty"`
}

// Introduced returns the vertices this operation creates, unresolved.
func (op Operation) Introduced() []Vertex {
	switch op.Kind {
	case OpAddFile:
		return []Vertex{op.Vertex, {Change: op.Vertex.Change, Index: op.Vertex.Index + 1}}
	case OpInsert:
		return []Vertex{op.Vertex}
	}
	return nil
}

// References returns the existing vertices this operation presupposes,
// unresolved.
func (op Operation) References() []Vertex {
	switch op.Kind {
	case OpInsert, OpOrder, OpUnorder:
		return []Vertex{op.File, op.Up, op.Down}
	case OpDelete, OpUndelete:
		return []Vertex{op.Vertex}
	}
	return nil
}

// Header carries the descriptive metadata of a change.
type Header struct {
	Author    string `json:"author"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Change is an immutable unit of history.
type Change struct {
	Hash         Hash        `json:"-"`
	Dependencies []Hash      `json:"dependencies"`
	Operations   []Operation `json:"operations"`
	Header       Header      `json:"header"`
	// Resolves is the signature of the conflict this change resolves.
	Resolves string `json:"resolves,omitempty"`
}

// DependsOn reports whether h is a declared dependency.
func (c *Change) DependsOn(h Hash) bool {
	for _, d := range c.Dependencies {
		if d == h {
			return true
		}
	}
	return false
}

// Vertices returns every vertex introduced by c, resolved against c.Hash.
func (c *Change) Vertices() []Vertex {
	var out []Vertex
	for _, op := range c.Operations {
		for _, v := range op.Introduced() {
			out = append(out, v.Resolve(c.Hash))
		}
	}
	return out
}

// ReferencedChanges returns the set of other changes whose vertices c
// references.
func (c *Change) ReferencedChanges() map[Hash]bool {
	out := make(map[Hash]bool)
	for _, op := range c.Operations {
		for _, v := range op.References() {
			if !v.IsZero() && !v.IsLocal() {
				out[v.Change] = true
			}
		}
	}
	return out
}
