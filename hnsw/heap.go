package hnsw

// candidate pairs an internal node id with its distance to the query.
type candidate struct {
	id   uint32
	dist float32
}

// candidateHeap is a binary heap of candidates. With max=false it pops the
// nearest candidate first (traversal frontier); with max=true it pops the
// farthest first (bounded result set).
type candidateHeap struct {
	items []candidate
	max   bool
}

func newCandidateHeap(max bool, capacity int) *candidateHeap {
	return &candidateHeap{items: make([]candidate, 0, capacity), max: max}
}

func (h *candidateHeap) Len() int { return len(h.items) }

func (h *candidateHeap) Reset() { h.items = h.items[:0] }

func (h *candidateHeap) less(i, j int) bool {
	if h.max {
		return h.items[i].dist > h.items[j].dist
	}
	return h.items[i].dist < h.items[j].dist
}

func (h *candidateHeap) Push(c candidate) {
	h.items = append(h.items, c)
	i := len(h.items) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if !h.less(i, parent) {
			break
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *candidateHeap) Pop() (candidate, bool) {
	if len(h.items) == 0 {
		return candidate{}, false
	}
	top := h.items[0]
	last := len(h.items) - 1
	h.items[0] = h.items[last]
	h.items = h.items[:last]
	h.siftDown(0)
	return top, true
}

// Top returns the root without removing it.
func (h *candidateHeap) Top() (candidate, bool) {
	if len(h.items) == 0 {
		return candidate{}, false
	}
	return h.items[0], true
}

func (h *candidateHeap) siftDown(i int) {
	n := len(h.items)
	for {
		left, right := 2*i+1, 2*i+2
		best := i
		if left < n && h.less(left, best) {
			best = left
		}
		if right < n && h.less(right, best) {
			best = right
		}
		if best == i {
			return
		}
		h.items[i], h.items[best] = h.items[best], h.items[i]
		i = best
	}
}

// PushBounded keeps at most bound items, evicting the worst (for a max heap,
// the farthest) when full and the new candidate is better.
func (h *candidateHeap) PushBounded(c candidate, bound int) {
	if len(h.items) < bound {
		h.Push(c)
		return
	}
	top, _ := h.Top()
	if h.max && c.dist < top.dist {
		h.Pop()
		h.Push(c)
	}
}
