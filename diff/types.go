// Package diff computes line-level differences between two versions of a
// file. Lines are byte runs terminated by '\n'; a final run without a
// terminator is a line too, so joining the lines restores the input.
package diff

import "fmt"

// Algorithm selects the line-matching strategy.
type Algorithm string

const (
	// Myers is the minimal edit script (github.com/sergi/go-diff).
	Myers Algorithm = "myers"
	// Matcher is the longest-matching-block strategy of Python's difflib
	// (github.com/pmezard/go-difflib). It tends to keep moved blocks intact.
	Matcher Algorithm = "matcher"
)

// ParseAlgorithm validates an algorithm name. The empty string selects
// Myers.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case "", Myers:
		return Myers, nil
	case Matcher:
		return Matcher, nil
	}
	return "", fmt.Errorf("unknown diff algorithm %q", s)
}

// Hunk replaces Old[OldStart:OldStart+OldLen] with
// New[NewStart:NewStart+NewLen]. A pure insertion has OldLen 0, a pure
// deletion NewLen 0.
type Hunk struct {
	OldStart int `json:"oldStart"`
	OldLen   int `json:"oldLen"`
	NewStart int `json:"newStart"`
	NewLen   int `json:"newLen"`
}

func (h Hunk) String() string {
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart+1, h.OldLen, h.NewStart+1, h.NewLen)
}
