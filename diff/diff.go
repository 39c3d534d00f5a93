package diff

import (
	"bytes"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// SplitLines splits b after every '\n'. The returned slices alias b.
func SplitLines(b []byte) [][]byte {
	var lines [][]byte
	for len(b) > 0 {
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			lines = append(lines, b)
			break
		}
		lines = append(lines, b[:i+1])
		b = b[i+1:]
	}
	return lines
}

// Lines returns the hunks turning old into new, in ascending order.
func Lines(old, new [][]byte, alg Algorithm) []Hunk {
	a := toStrings(old)
	b := toStrings(new)
	if alg == Matcher {
		return matcherHunks(a, b)
	}
	return myersHunks(a, b)
}

func toStrings(lines [][]byte) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = string(l)
	}
	return out
}

// myersHunks maps every distinct line to one rune and runs the
// diff-match-patch Myers implementation over the rune sequences.
func myersHunks(a, b []string) []Hunk {
	ids := make(map[string]rune)
	encode := func(lines []string) []rune {
		out := make([]rune, len(lines))
		for i, l := range lines {
			r, ok := ids[l]
			if !ok {
				r = lineRune(len(ids))
				ids[l] = r
			}
			out[i] = r
		}
		return out
	}
	ra, rb := encode(a), encode(b)

	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	diffs := dmp.DiffMainRunes(ra, rb, false)

	var hunks []Hunk
	var cur *Hunk
	i, j := 0, 0
	flush := func() {
		if cur != nil {
			hunks = append(hunks, *cur)
			cur = nil
		}
	}
	for _, d := range diffs {
		n := len([]rune(d.Text))
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()
			i += n
			j += n
		case diffmatchpatch.DiffDelete:
			if cur == nil {
				cur = &Hunk{OldStart: i, NewStart: j}
			}
			cur.OldLen += n
			i += n
		case diffmatchpatch.DiffInsert:
			if cur == nil {
				cur = &Hunk{OldStart: i, NewStart: j}
			}
			cur.NewLen += n
			j += n
		}
	}
	flush()
	return hunks
}

// lineRune skips the surrogate range, which does not survive conversion
// to string.
func lineRune(n int) rune {
	r := rune(n + 1)
	if r >= 0xD800 {
		r += 0x800
	}
	return r
}

func matcherHunks(a, b []string) []Hunk {
	m := difflib.NewMatcherWithJunk(a, b, false, nil)
	var hunks []Hunk
	for _, op := range m.GetOpCodes() {
		if op.Tag == 'e' {
			continue
		}
		hunks = append(hunks, Hunk{
			OldStart: op.I1,
			OldLen:   op.I2 - op.I1,
			NewStart: op.J1,
			NewLen:   op.J2 - op.J1,
		})
	}
	return hunks
}
