package change

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"loom/cas"
)

// Kind is the object kind changes are stored under.
const Kind = "Change"

// ErrInvalidChange is returned for malformed or non-canonical changes.
var ErrInvalidChange = errors.New("invalid change")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidChange, fmt.Sprintf(format, args...))
}

// normalize sorts and deduplicates dependencies and replaces nil slices
// so that equal changes encode to equal bytes.
func (c *Change) normalize() {
	deps := make([]Hash, 0, len(c.Dependencies))
	seen := make(map[Hash]bool, len(c.Dependencies))
	for _, d := range c.Dependencies {
		if !seen[d] {
			seen[d] = true
			deps = append(deps, d)
		}
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Compare(deps[j]) < 0 })
	c.Dependencies = deps
	if c.Operations == nil {
		c.Operations = []Operation{}
	}
}

// Encode returns the canonical encoding of c. It normalizes c in place.
func Encode(c *Change) ([]byte, error) {
	c.normalize()
	data, err := cas.CanonicalJSON(c)
	if err != nil {
		return nil, fmt.Errorf("encoding change: %w", err)
	}
	return data, nil
}

// Seal validates and normalizes c, computes its hash, and returns its
// canonical encoding.
func Seal(c *Change) ([]byte, error) {
	c.normalize()
	if err := Validate(c); err != nil {
		return nil, err
	}
	data, err := Encode(c)
	if err != nil {
		return nil, err
	}
	c.Hash = Hash(cas.Blake3Sum(data))
	return data, nil
}

// Decode parses a canonical encoding and sets the resulting hash.
// Encodings that do not round-trip byte for byte are rejected.
func Decode(data []byte) (*Change, error) {
	var c Change
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, invalid("decoding: %v", err)
	}
	canonical, err := Encode(&c)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(canonical, data) {
		return nil, invalid("non-canonical encoding")
	}
	if err := Validate(&c); err != nil {
		return nil, err
	}
	c.Hash = Hash(cas.Blake3Sum(data))
	return &c, nil
}
