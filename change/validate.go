package change

import (
	"path"
	"strings"
)

// Validate checks the structural well-formedness of a change. It does not
// consult any graph: whether referenced vertices exist is checked when the
// change is applied.
func Validate(c *Change) error {
	if len(c.Operations) == 0 {
		return invalid("no operations")
	}
	for i, d := range c.Dependencies {
		if d.IsZero() {
			return invalid("zero dependency")
		}
		if i > 0 && c.Dependencies[i-1].Compare(d) >= 0 {
			return invalid("dependencies not sorted and unique")
		}
	}

	local := make(map[uint32]bool)
	for i, op := range c.Operations {
		if err := validateFields(op); err != nil {
			return invalid("operation %d: %v", i, err)
		}
		for _, v := range op.Introduced() {
			if !v.IsLocal() {
				return invalid("operation %d introduces non-local vertex %s", i, v)
			}
			if local[v.Index] {
				return invalid("operation %d reuses index %d", i, v.Index)
			}
			local[v.Index] = true
		}
	}

	status := make(map[Vertex]OpKind)
	edges := make(map[[2]Vertex]OpKind)
	for i, op := range c.Operations {
		for _, v := range op.References() {
			switch {
			case v.IsLocal():
				if !local[v.Index] {
					return invalid("operation %d references unknown local vertex %s", i, v)
				}
			case !c.DependsOn(v.Change):
				return invalid("operation %d references %s without depending on %s", i, v, v.Change.Short())
			}
		}
		switch op.Kind {
		case OpDelete, OpUndelete:
			if op.Vertex.IsLocal() {
				return invalid("operation %d changes status of its own vertex", i)
			}
			if prev, ok := status[op.Vertex]; ok && prev != op.Kind {
				return invalid("vertex %s both deleted and undeleted", op.Vertex)
			}
			status[op.Vertex] = op.Kind
		case OpOrder, OpUnorder:
			key := [2]Vertex{op.Up, op.Down}
			if prev, ok := edges[key]; ok && prev != op.Kind {
				return invalid("edge %s->%s both ordered and unordered", op.Up, op.Down)
			}
			edges[key] = op.Kind
		}
	}
	return nil
}

func validateFields(op Operation) error {
	switch op.Kind {
	case OpAddFile:
		if op.Vertex.IsZero() || !op.File.IsZero() || !op.Up.IsZero() || !op.Down.IsZero() {
			return errField(op.Kind)
		}
		if op.Vertex.Index == ^uint32(0) {
			return errField(op.Kind)
		}
		return ValidatePath(op.Path)
	case OpInsert:
		if op.Vertex.IsZero() || op.File.IsZero() || op.Up.IsZero() || op.Down.IsZero() || len(op.Content) == 0 {
			return errField(op.Kind)
		}
		if op.Up == op.Vertex || op.Down == op.Vertex || op.Up == op.Down {
			return errField(op.Kind)
		}
	case OpDelete, OpUndelete:
		if op.Vertex.IsZero() || !op.File.IsZero() || !op.Up.IsZero() || !op.Down.IsZero() || len(op.Content) > 0 {
			return errField(op.Kind)
		}
	case OpOrder, OpUnorder:
		if op.File.IsZero() || op.Up.IsZero() || op.Down.IsZero() || !op.Vertex.IsZero() || op.Up == op.Down {
			return errField(op.Kind)
		}
	default:
		return &fieldError{msg: "unknown kind " + string(op.Kind)}
	}
	if op.Kind != OpAddFile && op.Path != "" {
		return errField(op.Kind)
	}
	return nil
}

// ValidatePath checks that p is a clean, relative, slash-separated path.
func ValidatePath(p string) error {
	switch {
	case p == "", p == ".", strings.HasPrefix(p, "/"), strings.ContainsRune(p, 0):
		return &fieldError{msg: "bad path " + `"` + p + `"`}
	case path.Clean(p) != p, p == "..", strings.HasPrefix(p, "../"):
		return &fieldError{msg: "unclean path " + `"` + p + `"`}
	}
	return nil
}

type fieldError struct{ msg string }

func (e *fieldError) Error() string { return e.msg }

func errField(kind OpKind) error {
	return &fieldError{msg: "malformed " + string(kind)}
}
