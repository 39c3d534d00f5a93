package diff

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(s string) [][]byte {
	return SplitLines([]byte(s))
}

// apply replays hunks over old and returns the result.
func apply(old, new [][]byte, hunks []Hunk) []byte {
	var out bytes.Buffer
	i := 0
	for _, h := range hunks {
		for ; i < h.OldStart; i++ {
			out.Write(old[i])
		}
		for k := 0; k < h.NewLen; k++ {
			out.Write(new[h.NewStart+k])
		}
		i += h.OldLen
	}
	for ; i < len(old); i++ {
		out.Write(old[i])
	}
	return out.Bytes()
}

func TestSplitLines(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{"a\n", []string{"a\n"}},
		{"a\nb", []string{"a\n", "b"}},
		{"\n\n", []string{"\n", "\n"}},
	}
	for _, tt := range tests {
		got := SplitLines([]byte(tt.in))
		var s []string
		for _, l := range got {
			s = append(s, string(l))
		}
		assert.Equal(t, tt.want, s, "input %q", tt.in)
	}
}

func TestLinesReconstructs(t *testing.T) {
	cases := []struct{ old, new string }{
		{"", "a\nb\n"},
		{"a\nb\n", ""},
		{"a\nb\nc\n", "a\nx\nc\n"},
		{"a\nb\nc\n", "a\nb\nc\nd"},
		{"foo\nbar\nbaz\n", "baz\nfoo\nbar\n"},
		{strings.Repeat("x\n", 50), strings.Repeat("x\n", 25) + "y\n" + strings.Repeat("x\n", 25)},
	}

	for _, alg := range []Algorithm{Myers, Matcher} {
		for _, c := range cases {
			old, new := lines(c.old), lines(c.new)
			hunks := Lines(old, new, alg)
			assert.Equal(t, c.new, string(apply(old, new, hunks)), "%s: %q -> %q", alg, c.old, c.new)
		}
	}
}

func TestLinesMinimalReplace(t *testing.T) {
	old := lines("a\nb\nc\n")
	new := lines("a\nx\nc\n")

	for _, alg := range []Algorithm{Myers, Matcher} {
		hunks := Lines(old, new, alg)
		require.Len(t, hunks, 1, alg)
		assert.Equal(t, Hunk{OldStart: 1, OldLen: 1, NewStart: 1, NewLen: 1}, hunks[0], alg)
	}
}

func TestLinesIdentical(t *testing.T) {
	old := lines("a\nb\n")
	assert.Empty(t, Lines(old, old, Myers))
	assert.Empty(t, Lines(old, old, Matcher))
}

func TestParseAlgorithm(t *testing.T) {
	alg, err := ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, Myers, alg)

	alg, err = ParseAlgorithm("matcher")
	require.NoError(t, err)
	assert.Equal(t, Matcher, alg)

	_, err = ParseAlgorithm("patience")
	assert.Error(t, err)

	assert.Equal(t, "@@ -2,1 +2,3 @@", Hunk{OldStart: 1, OldLen: 1, NewStart: 1, NewLen: 3}.String())
}
