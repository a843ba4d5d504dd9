// Package hnsw implements the per-collective vector index: a Hierarchical
// Navigable Small World graph over (id, embedding) pairs.
//
// Deletes are tombstones: the node stays in the graph for connectivity and
// is skipped in results. Filtering happens during traversal through a
// candidate callback, so k results survive even aggressive filters. The
// index is a derived artifact; the key-value store owns the embedding bytes
// and the graph is rebuilt from them whenever the persisted sidecar cannot
// be trusted.
package hnsw

import (
	"math"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/draco28/PulseDB/distance"
)

// Key is the external 16-byte identifier of an indexed vector (experience or
// insight id).
type Key [16]byte

// Result is a single search hit.
type Result struct {
	Key      Key
	Distance float32
}

// FilterFunc decides during traversal whether a candidate may appear in
// results. It must be cheap; it runs once per considered node.
type FilterFunc func(key Key) bool

// Index is one HNSW graph. Safe for concurrent use: searches take the read
// side, mutations the write side.
type Index struct {
	mu sync.RWMutex

	opts     Options
	distFunc distance.Func

	// Node storage, indexed by internal id. Nodes are never removed.
	levels  []int32
	conns   [][][]uint32 // conns[id][layer] -> neighbor ids
	vectors [][]float32
	keys    []Key
	byKey   map[Key]uint32

	tombstones *roaring.Bitmap

	entryPoint uint32
	maxLevel   int
	liveCount  int

	maxConnsPerLayer int
	maxConnsLayer0   int
	layerMultiplier  float64

	// builtAtCSN records the store CSN the persisted form was current at.
	builtAtCSN uint64
}

// New creates an empty index.
func New(optFns ...func(o *Options)) (*Index, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Dimension <= 0 {
		return nil, &InvalidDimensionError{Dimension: opts.Dimension}
	}
	if opts.M < minimumM {
		opts.M = minimumM
	}
	if opts.EFConstruction <= 0 {
		opts.EFConstruction = DefaultEFConstruction
	}
	if opts.EFSearch <= 0 {
		opts.EFSearch = DefaultEFSearch
	}

	distFunc, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	return &Index{
		opts:             opts,
		distFunc:         distFunc,
		byKey:            make(map[Key]uint32),
		tombstones:       roaring.New(),
		maxLevel:         -1,
		maxConnsPerLayer: opts.M,
		maxConnsLayer0:   mmax0Multiplier * opts.M,
		layerMultiplier:  1.0 / math.Log(float64(opts.M)),
	}, nil
}

// Dimension returns the configured vector dimension.
func (x *Index) Dimension() int { return x.opts.Dimension }

// Metric returns the configured distance metric.
func (x *Index) Metric() distance.Metric { return x.opts.Metric }

// EFSearch returns the configured default search candidate list size.
func (x *Index) EFSearch() int { return x.opts.EFSearch }

// Len returns the number of live (non-tombstoned) vectors.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.liveCount
}

// BuiltAtCSN returns the store CSN the loaded sidecar was built at.
func (x *Index) BuiltAtCSN() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.builtAtCSN
}

// SetBuiltAtCSN records the CSN an upcoming Save will be current at.
func (x *Index) SetBuiltAtCSN(csn uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.builtAtCSN = csn
}

// Contains reports whether key is a live member of the index.
func (x *Index) Contains(key Key) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	id, ok := x.byKey[key]
	return ok && !x.tombstones.Contains(id)
}

// Insert adds a vector under key. Re-inserting a tombstoned key revives it
// in place (embeddings are immutable, so the stored vector is still valid);
// inserting a live key is a no-op.
func (x *Index) Insert(key Key, vec []float32) error {
	if len(vec) == 0 {
		return ErrEmptyVector
	}
	if len(vec) != x.opts.Dimension {
		return &DimensionMismatchError{Expected: x.opts.Dimension, Actual: len(vec)}
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if id, ok := x.byKey[key]; ok {
		if x.tombstones.Contains(id) {
			x.tombstones.Remove(id)
			x.liveCount++
		}
		return nil
	}

	id := uint32(len(x.keys))
	level := x.layerForID(uint64(id))

	x.keys = append(x.keys, key)
	x.byKey[key] = id
	stored := make([]float32, len(vec))
	copy(stored, vec)
	x.vectors = append(x.vectors, stored)
	x.levels = append(x.levels, int32(level))
	nodeConns := make([][]uint32, level+1)
	x.conns = append(x.conns, nodeConns)

	if x.liveCount == 0 && len(x.keys) == 1 {
		x.entryPoint = id
		x.maxLevel = level
		x.liveCount = 1
		return nil
	}

	x.insertNode(id, stored, level)
	x.liveCount++
	if level > x.maxLevel {
		x.maxLevel = level
		x.entryPoint = id
	} else if x.liveCount == 1 {
		// Every other node is tombstoned; make the new node the entry so it
		// stays reachable even if nothing linked to it.
		x.entryPoint = id
	}
	return nil
}

// Delete tombstones key. The node remains in the graph for connectivity.
// Returns false when the key is absent or already tombstoned.
func (x *Index) Delete(key Key) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	id, ok := x.byKey[key]
	if !ok || x.tombstones.Contains(id) {
		return false
	}
	x.tombstones.Add(id)
	x.liveCount--
	return true
}

// TombstoneCount returns the number of tombstoned nodes still in the graph.
func (x *Index) TombstoneCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return int(x.tombstones.GetCardinality())
}

// Search returns up to k live results nearest to query, distance ascending.
// ef bounds the candidate list (values below k are raised to k; zero uses
// the configured default). A nil filter accepts every live node.
func (x *Index) Search(query []float32, k, ef int, filter FilterFunc) ([]Result, error) {
	if len(query) != x.opts.Dimension {
		return nil, &DimensionMismatchError{Expected: x.opts.Dimension, Actual: len(query)}
	}
	if k <= 0 {
		return nil, nil
	}
	if ef <= 0 {
		ef = x.opts.EFSearch
	}
	if ef < k {
		ef = k
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if len(x.keys) == 0 {
		return nil, nil
	}

	// Greedy descent through the upper layers.
	curr := x.entryPoint
	currDist := x.distFunc(query, x.vectors[curr])
	for layer := x.maxLevel; layer > 0; layer-- {
		curr, currDist = x.greedyStep(query, curr, currDist, layer)
	}

	results := x.searchLayer(query, curr, currDist, 0, ef, filter)

	// The result heap is a max-heap; pop down to k, then reverse.
	for results.Len() > k {
		results.Pop()
	}
	out := make([]Result, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		c, _ := results.Pop()
		out[i] = Result{Key: x.keys[c.id], Distance: c.dist}
	}
	return out, nil
}

// greedyStep walks to the locally nearest neighbor on a layer.
func (x *Index) greedyStep(query []float32, curr uint32, currDist float32, layer int) (uint32, float32) {
	for changed := true; changed; {
		changed = false
		for _, next := range x.connsAt(curr, layer) {
			d := x.distFunc(query, x.vectors[next])
			if d < currDist {
				curr, currDist = next, d
				changed = true
			}
		}
	}
	return curr, currDist
}

// searchLayer is the ef-bounded best-first search on one layer. Tombstoned
// and filtered nodes still navigate but never enter the result set.
func (x *Index) searchLayer(query []float32, entry uint32, entryDist float32, layer, ef int, filter FilterFunc) *candidateHeap {
	frontier := newCandidateHeap(false, ef)
	results := newCandidateHeap(true, ef)
	visited := roaring.New()

	visited.Add(entry)
	frontier.Push(candidate{id: entry, dist: entryDist})
	if x.admissible(entry, filter) {
		results.Push(candidate{id: entry, dist: entryDist})
	}

	for frontier.Len() > 0 {
		curr, _ := frontier.Pop()
		if worst, ok := results.Top(); ok && results.Len() >= ef && curr.dist > worst.dist {
			break
		}
		for _, next := range x.connsAt(curr.id, layer) {
			if visited.Contains(next) {
				continue
			}
			visited.Add(next)
			d := x.distFunc(query, x.vectors[next])
			if worst, ok := results.Top(); ok && results.Len() >= ef && d > worst.dist {
				continue
			}
			frontier.Push(candidate{id: next, dist: d})
			if x.admissible(next, filter) {
				results.PushBounded(candidate{id: next, dist: d}, ef)
			}
		}
	}
	return results
}

func (x *Index) admissible(id uint32, filter FilterFunc) bool {
	if x.tombstones.Contains(id) {
		return false
	}
	return filter == nil || filter(x.keys[id])
}

func (x *Index) connsAt(id uint32, layer int) []uint32 {
	node := x.conns[id]
	if layer >= len(node) {
		return nil
	}
	return node[layer]
}

// insertNode links a new node into the graph. Caller holds the write lock.
func (x *Index) insertNode(id uint32, vec []float32, level int) {
	curr := x.entryPoint
	currDist := x.distFunc(vec, x.vectors[curr])

	for layer := x.maxLevel; layer > level; layer-- {
		curr, currDist = x.greedyStep(vec, curr, currDist, layer)
	}

	for layer := min(level, x.maxLevel); layer >= 0; layer-- {
		results := x.searchLayer(vec, curr, currDist, layer, x.opts.EFConstruction, nil)

		maxConns := x.maxConnsPerLayer
		if layer == 0 {
			maxConns = x.maxConnsLayer0
		}

		neighbors := x.selectNeighbors(results, maxConns)
		ids := make([]uint32, len(neighbors))
		for i, n := range neighbors {
			ids[i] = n.id
		}
		x.conns[id][layer] = ids

		if len(neighbors) > 0 {
			curr, currDist = neighbors[0].id, neighbors[0].dist
		}

		for _, n := range neighbors {
			x.linkBack(n.id, id, layer, n.dist)
		}
	}
}

// linkBack adds a reverse edge, pruning to the connection cap with the
// selection heuristic when full.
func (x *Index) linkBack(from, to uint32, layer int, dist float32) {
	maxConns := x.maxConnsPerLayer
	if layer == 0 {
		maxConns = x.maxConnsLayer0
	}
	conns := x.connsAt(from, layer)
	for _, c := range conns {
		if c == to {
			return
		}
	}
	if len(conns) < maxConns {
		x.conns[from][layer] = append(conns, to)
		return
	}

	// Over cap: rebuild the neighbor list from candidates.
	pool := newCandidateHeap(true, len(conns)+1)
	src := x.vectors[from]
	for _, c := range conns {
		pool.Push(candidate{id: c, dist: x.distFunc(src, x.vectors[c])})
	}
	pool.Push(candidate{id: to, dist: dist})
	selected := x.selectNeighbors(pool, maxConns)
	ids := make([]uint32, len(selected))
	for i, n := range selected {
		ids[i] = n.id
	}
	x.conns[from][layer] = ids
}

// selectNeighbors drains the candidate max-heap and applies the relative
// neighborhood heuristic: a candidate is kept only if it is closer to the
// query than to every already-kept neighbor. Falls back to filling with the
// nearest remaining candidates when the heuristic under-selects.
func (x *Index) selectNeighbors(candidates *candidateHeap, m int) []candidate {
	sorted := make([]candidate, candidates.Len())
	for i := candidates.Len() - 1; i >= 0; i-- {
		sorted[i], _ = candidates.Pop()
	}
	if len(sorted) <= m {
		return sorted
	}

	result := make([]candidate, 0, m)
	for _, cand := range sorted {
		if len(result) >= m {
			break
		}
		good := true
		for _, kept := range result {
			if x.distFunc(x.vectors[cand.id], x.vectors[kept.id]) < cand.dist {
				good = false
				break
			}
		}
		if good {
			result = append(result, cand)
		}
	}

	for _, cand := range sorted {
		if len(result) >= m {
			break
		}
		seen := false
		for _, kept := range result {
			if kept.id == cand.id {
				seen = true
				break
			}
		}
		if !seen {
			result = append(result, cand)
		}
	}
	return result
}

// layerForID derives the node's top layer deterministically from its id, so
// rebuilds that replay inserts in the same order produce the same graph.
func (x *Index) layerForID(id uint64) int {
	v := id + 0x9e3779b97f4a7c15
	v = (v ^ (v >> 30)) * 0xbf58476d1ce4e5b9
	v = (v ^ (v >> 27)) * 0x94d049bb133111eb
	v ^= v >> 31
	const inv = 1.0 / (1 << 53)
	r := float64(v>>11) * inv
	if r == 0 {
		r = inv
	}
	return int(math.Floor(-math.Log(r) * x.layerMultiplier))
}
