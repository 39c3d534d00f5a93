package pristine

import (
	"errors"
	"fmt"
	"strings"

	"loom/change"
)

var (
	ErrMissingDependency       = errors.New("missing dependency")
	ErrDependentChangesPresent = errors.New("dependent changes present")
)

// MissingDependencyError lists the dependencies of Change that are not
// applied to the channel.
type MissingDependencyError struct {
	Change  change.Hash
	Missing []change.Hash
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("%s: %s needs %s", ErrMissingDependency, e.Change.Short(), shortList(e.Missing))
}

func (e *MissingDependencyError) Is(target error) bool {
	return target == ErrMissingDependency
}

// DependentChangesPresentError lists the applied changes that depend on
// Change.
type DependentChangesPresentError struct {
	Change     change.Hash
	Dependents []change.Hash
}

func (e *DependentChangesPresentError) Error() string {
	return fmt.Sprintf("%s: %s is needed by %s", ErrDependentChangesPresent, e.Change.Short(), shortList(e.Dependents))
}

func (e *DependentChangesPresentError) Is(target error) bool {
	return target == ErrDependentChangesPresent
}

func shortList(hs []change.Hash) string {
	parts := make([]string, len(hs))
	for i, h := range hs {
		parts[i] = h.Short()
	}
	return strings.Join(parts, ", ")
}
