package output

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/change"
)

// settledNodes condenses a graph of n nodes and reports which alive
// nodes are comparable with every other alive node.
func settledNodes(t *testing.T, n int, edges [][2]int, dead ...int) []int {
	t.Helper()
	keys := make([]vertexKey, n)
	for i := range keys {
		keys[i] = vertexKey{v: change.Vertex{Index: uint32(i + 1)}}
	}
	succ := make([][]int, n)
	for _, e := range edges {
		succ[e[0]] = append(succ[e[0]], e[1])
	}
	isDead := make(map[int]bool)
	for _, d := range dead {
		isDead[d] = true
	}

	ctx := context.Background()
	cond := condense(keys, succ)
	order, err := cond.topo(ctx)
	require.NoError(t, err)
	compAlive := make([][]int, len(cond.members))
	pos := 0
	for _, ci := range order {
		for _, v := range cond.members[ci] {
			if !isDead[v] {
				compAlive[ci] = append(compAlive[ci], pos)
				pos++
			}
		}
	}

	settled, err := cond.settled(ctx, order, compAlive)
	require.NoError(t, err)
	var out []int
	for v := 0; v < n; v++ {
		if !isDead[v] && settled[cond.comp[v]] {
			out = append(out, v)
		}
	}
	return out
}

func TestSettledChainWithShortcut(t *testing.T) {
	// 0 -> 1 -> 2, plus the shortcut 0 -> 2 left by an insertion.
	got := settledNodes(t, 3, [][2]int{{0, 1}, {1, 2}, {0, 2}})
	assert.Equal(t, []int{0, 1, 2}, got)
}

func TestSettledDiamond(t *testing.T) {
	got := settledNodes(t, 4, [][2]int{{0, 1}, {0, 2}, {1, 3}, {2, 3}})
	assert.Equal(t, []int{0, 3}, got)
}

func TestSettledThroughDeadVertices(t *testing.T) {
	// The dead 1 joins 0 to 2; the dead 3 hanging off 0 is ignored.
	got := settledNodes(t, 4, [][2]int{{0, 1}, {1, 2}, {0, 3}}, 1, 3)
	assert.Equal(t, []int{0, 2}, got)

	// 2 and 3 both follow the dead 1 and are concurrent.
	got = settledNodes(t, 4, [][2]int{{0, 1}, {1, 2}, {1, 3}}, 1)
	assert.Equal(t, []int{0}, got)
}

func TestSettledSkipsCycles(t *testing.T) {
	got := settledNodes(t, 4, [][2]int{{0, 1}, {1, 2}, {2, 1}, {2, 3}})
	assert.Equal(t, []int{0, 3}, got)
}

func TestSettledCancelled(t *testing.T) {
	keys := []vertexKey{{v: change.Vertex{Index: 1}}}
	cond := condense(keys, [][]int{nil})
	order, err := cond.topo(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = cond.settled(ctx, order, [][]int{{0}})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = cond.topo(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
