package output

import (
	"container/heap"
	"context"

	"loom/change"
)

// cancelEvery is how many vertices or components are processed between
// context checks.
const cancelEvery = 1024

// vertexKey orders vertices for tie-breaking: causal depth of the
// introducing change, then vertex identity.
type vertexKey struct {
	depth int64
	v     change.Vertex
}

func (a vertexKey) less(b vertexKey) bool {
	if a.depth != b.depth {
		return a.depth < b.depth
	}
	return a.v.Compare(b.v) < 0
}

// tarjan returns the strongly connected component of every node and the
// number of components. It is iterative so long files do not grow the
// stack.
func tarjan(n int, succ [][]int) ([]int, int) {
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	comp := make([]int, n)
	for i := range index {
		index[i] = -1
	}

	type frame struct{ v, next int }
	var stack []int
	var call []frame
	counter, ncomp := 0, 0

	for root := 0; root < n; root++ {
		if index[root] >= 0 {
			continue
		}
		index[root], low[root] = counter, counter
		counter++
		stack = append(stack, root)
		onStack[root] = true
		call = append(call[:0], frame{v: root})

		for len(call) > 0 {
			top := &call[len(call)-1]
			v := top.v
			if top.next < len(succ[v]) {
				w := succ[v][top.next]
				top.next++
				if index[w] < 0 {
					index[w], low[w] = counter, counter
					counter++
					stack = append(stack, w)
					onStack[w] = true
					call = append(call, frame{v: w})
				} else if onStack[w] && index[w] < low[v] {
					low[v] = index[w]
				}
				continue
			}

			if low[v] == index[v] {
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					comp[w] = ncomp
					if w == v {
						break
					}
				}
				ncomp++
			}
			call = call[:len(call)-1]
			if len(call) > 0 {
				if p := call[len(call)-1].v; low[v] < low[p] {
					low[p] = low[v]
				}
			}
		}
	}
	return comp, ncomp
}

// condensation is the DAG of strongly connected components.
type condensation struct {
	comp    []int
	members [][]int // node indices, sorted by key
	succ    [][]int
	pred    [][]int
	key     []vertexKey // smallest member key
}

func condense(keys []vertexKey, succ [][]int) *condensation {
	comp, ncomp := tarjan(len(keys), succ)
	c := &condensation{
		comp:    comp,
		members: make([][]int, ncomp),
		succ:    make([][]int, ncomp),
		pred:    make([][]int, ncomp),
		key:     make([]vertexKey, ncomp),
	}
	for i, ci := range comp {
		c.members[ci] = append(c.members[ci], i)
	}
	for ci, ms := range c.members {
		sortByKey(ms, keys)
		c.key[ci] = keys[ms[0]]
	}

	stamp := make([]int, ncomp)
	for i := range stamp {
		stamp[i] = -1
	}
	for ci, ms := range c.members {
		for _, v := range ms {
			for _, w := range succ[v] {
				cw := comp[w]
				if cw == ci || stamp[cw] == ci {
					continue
				}
				stamp[cw] = ci
				c.succ[ci] = append(c.succ[ci], cw)
				c.pred[cw] = append(c.pred[cw], ci)
			}
		}
	}
	return c
}

func sortByKey(nodes []int, keys []vertexKey) {
	// Insertion sort: components are almost always singletons.
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && keys[nodes[j]].less(keys[nodes[j-1]]); j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
}

type compHeap struct {
	items []int
	key   []vertexKey
}

func (h *compHeap) Len() int           { return len(h.items) }
func (h *compHeap) Less(i, j int) bool { return h.key[h.items[i]].less(h.key[h.items[j]]) }
func (h *compHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *compHeap) Push(x interface{}) { h.items = append(h.items, x.(int)) }
func (h *compHeap) Pop() interface{} {
	n := len(h.items)
	x := h.items[n-1]
	h.items = h.items[:n-1]
	return x
}

// topo returns the components in a deterministic topological order:
// among the components ready at each step, the one with the smallest
// key comes first.
func (c *condensation) topo(ctx context.Context) ([]int, error) {
	indeg := make([]int, len(c.members))
	for ci := range c.succ {
		for _, s := range c.succ[ci] {
			indeg[s]++
		}
	}

	h := &compHeap{key: c.key}
	for ci, d := range indeg {
		if d == 0 {
			h.items = append(h.items, ci)
		}
	}
	heap.Init(h)

	order := make([]int, 0, len(c.members))
	for h.Len() > 0 {
		if len(order)%cancelEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		ci := heap.Pop(h).(int)
		order = append(order, ci)
		for _, s := range c.succ[ci] {
			indeg[s]--
			if indeg[s] == 0 {
				heap.Push(h, s)
			}
		}
	}
	return order, nil
}

// settled reports, for every component holding exactly one alive
// vertex, whether that vertex is comparable with every other alive
// vertex. compAlive lists the alive vertices of each component and order
// is a topological order of the components.
//
// Two sweeps keep the frontier of the alive components seen so far: its
// maximal elements going forward, its minimal ones going backward. A
// component follows every alive component before it exactly when it is
// reached from the whole frontier, and a frontier member can only reach
// it through dead components. Runs in time linear in the condensation
// plus the dead components walked from each alive one.
func (c *condensation) settled(ctx context.Context, order []int, compAlive [][]int) ([]bool, error) {
	n := len(c.members)
	var seq []int
	for _, ci := range order {
		if len(compAlive[ci]) > 0 {
			seq = append(seq, ci)
		}
	}

	stamp := make([]int, n)
	walk := 0
	var stack []int
	// adjacent calls fn once for each alive component joined to ci
	// through dead components only, following next.
	adjacent := func(ci int, next [][]int, fn func(int)) {
		walk++
		stamp[ci] = walk
		stack = append(stack[:0], ci)
		for len(stack) > 0 {
			x := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, y := range next[x] {
				if stamp[y] == walk {
					continue
				}
				stamp[y] = walk
				if len(compAlive[y]) > 0 {
					fn(y)
					continue
				}
				stack = append(stack, y)
			}
		}
	}

	sweep := func(seq []int, back [][]int) ([]bool, error) {
		ok := make([]bool, n)
		front := make([]bool, n)
		size := 0
		for i, ci := range seq {
			if i%cancelEvery == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			hits := 0
			adjacent(ci, back, func(p int) {
				if front[p] {
					front[p] = false
					hits++
				}
			})
			ok[ci] = hits == size
			size += 1 - hits
			front[ci] = true
		}
		return ok, nil
	}

	before, err := sweep(seq, c.pred)
	if err != nil {
		return nil, err
	}
	rev := make([]int, len(seq))
	for i, ci := range seq {
		rev[len(seq)-1-i] = ci
	}
	after, err := sweep(rev, c.succ)
	if err != nil {
		return nil, err
	}

	out := make([]bool, n)
	for _, ci := range seq {
		out[ci] = len(compAlive[ci]) == 1 && before[ci] && after[ci]
	}
	return out, nil
}
