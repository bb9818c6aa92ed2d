// Package hnsw implements a Hierarchical Navigable Small World graph
// for approximate nearest-neighbor search over normalized vectors.
//
// The search engine keeps one index per hierarchy level and serializes
// writers; an Index performs no internal locking, and concurrent reads
// during an insert are not safe. Deletion is soft: a removed slot never
// appears in results, but its edges remain and keep the graph
// navigable. Compaction is a separately scheduled job, not part of this
// index.
package hnsw

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/hupe1980/recall/distance"
	"github.com/hupe1980/recall/internal/searcher"
)

var (
	// ErrFull is returned when inserting into an index at capacity.
	ErrFull = errors.New("hnsw: index full")
	// ErrNotFound is returned when a slot does not exist.
	ErrNotFound = errors.New("hnsw: slot not found")
	// ErrDimension is returned when a vector does not match the index dimension.
	ErrDimension = errors.New("hnsw: dimension mismatch")
)

// Options contains configuration for an Index.
type Options struct {
	// Dimension is the vector dimension. Required.
	Dimension int

	// M is the neighbor budget per node at upper layers; layer 0 uses
	// 2M. Higher M improves recall at the cost of memory and build time.
	M int

	// EFConstruction is the candidate list size during insertion.
	EFConstruction int

	// EFSearch is the default candidate list size during queries.
	EFSearch int

	// Capacity is the maximum number of slots. Insertion fails closed
	// at capacity.
	Capacity int

	// RandomSeed seeds the layer-assignment generator. The generator is
	// owned by the index instance, so equal seeds and equal insertion
	// order build identical graphs.
	RandomSeed int64
}

// DefaultOptions contains the default configuration.
var DefaultOptions = Options{
	M:              16,
	EFConstruction: 200,
	EFSearch:       50,
	Capacity:       1 << 20,
	RandomSeed:     1,
}

// Result is one query hit.
type Result struct {
	Slot     uint32
	Distance float32
}

type node struct {
	vec       []float32
	neighbors [][]uint32 // per layer, layer 0 first
	deleted   bool
}

// Index is a single HNSW graph.
type Index struct {
	opts Options
	mL   float64 // layer draw rate, 1/ln(M)
	rng  *rand.Rand

	nodes    []node
	entry    uint32
	maxLayer int
	deleted  int
}

// New creates an empty index.
func New(optFns ...func(o *Options)) (*Index, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("hnsw: invalid dimension %d", opts.Dimension)
	}
	if opts.M < 2 {
		return nil, fmt.Errorf("hnsw: M must be at least 2, got %d", opts.M)
	}
	if opts.EFConstruction < 1 || opts.EFSearch < 1 {
		return nil, errors.New("hnsw: ef parameters must be positive")
	}
	if opts.Capacity < 1 {
		return nil, errors.New("hnsw: capacity must be positive")
	}

	return &Index{
		opts:     opts,
		mL:       1 / math.Log(float64(opts.M)),
		rng:      rand.New(rand.NewSource(opts.RandomSeed)), //nolint:gosec // deterministic construction is intentional
		maxLayer: -1,
	}, nil
}

// Len returns the number of slots ever inserted, including soft-deleted
// ones. Soft deletion never shrinks the index.
func (h *Index) Len() int { return len(h.nodes) }

// Live returns the number of slots that are not soft-deleted.
func (h *Index) Live() int { return len(h.nodes) - h.deleted }

func (h *Index) dist(q []float32, slot uint32) float32 {
	return distance.NormalizedDistance(q, h.nodes[slot].vec)
}

// drawLayer samples a top layer from the exponential distribution with
// rate 1/ln(M).
func (h *Index) drawLayer() int {
	u := h.rng.Float64()
	for u == 0 {
		u = h.rng.Float64()
	}
	return int(-math.Log(u) * h.mL)
}

func (h *Index) budget(layer int) int {
	if layer == 0 {
		return 2 * h.opts.M
	}
	return h.opts.M
}

// Insert adds a copy of vec and returns its slot. Vectors must be
// pre-normalized and of the configured dimension. Fails closed with
// ErrFull at capacity.
func (h *Index) Insert(vec []float32) (uint32, error) {
	if len(vec) != h.opts.Dimension {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(vec), h.opts.Dimension)
	}
	if len(h.nodes) >= h.opts.Capacity {
		return 0, ErrFull
	}

	layer := h.drawLayer()
	slot := uint32(len(h.nodes)) //nolint:gosec // bounded by Capacity

	n := node{
		vec:       append([]float32(nil), vec...),
		neighbors: make([][]uint32, layer+1),
	}
	h.nodes = append(h.nodes, n)

	if slot == 0 {
		h.entry = 0
		h.maxLayer = layer
		return slot, nil
	}

	curr := h.entry
	currDist := h.dist(vec, curr)

	// Greedy descent through the layers above the drawn one.
	for l := h.maxLayer; l > layer; l-- {
		curr, currDist = h.greedyStep(vec, curr, currDist, l)
	}

	vis := searcher.NewVisited(len(h.nodes))

	// Connect on every layer from min(layer, maxLayer) down to 0.
	for l := min(layer, h.maxLayer); l >= 0; l-- {
		// Deleted slots stay in the candidate set during construction:
		// their edges still route traffic, and excluding them could
		// leave the new node unreachable.
		found := h.searchLayer(vis, vec, curr, currDist, l, h.opts.EFConstruction, true)

		m := h.budget(l)
		links := h.nodes[slot].neighbors[l][:0]
		for _, c := range found {
			if len(links) >= m {
				break
			}
			links = append(links, c.Slot)
			h.linkBack(c.Slot, slot, l, c.Distance)
		}
		h.nodes[slot].neighbors[l] = links

		if len(found) > 0 {
			curr, currDist = found[0].Slot, found[0].Distance
		}
	}

	if layer > h.maxLayer {
		h.entry = slot
		h.maxLayer = layer
	}
	return slot, nil
}

// linkBack adds the reverse edge target→source. A full neighbor list
// evicts its farthest entry only if the newcomer is strictly closer.
func (h *Index) linkBack(target, source uint32, layer int, dist float32) {
	conns := h.nodes[target].neighbors[layer]
	m := h.budget(layer)

	if len(conns) < m {
		h.nodes[target].neighbors[layer] = append(conns, source)
		return
	}

	tvec := h.nodes[target].vec
	worstIdx, worstDist := -1, float32(0)
	for i, nb := range conns {
		d := distance.NormalizedDistance(tvec, h.nodes[nb].vec)
		if worstIdx < 0 || d > worstDist {
			worstIdx, worstDist = i, d
		}
	}
	if dist < worstDist {
		conns[worstIdx] = source
	}
}

// greedyStep follows the single best neighbor at a layer until no
// neighbor improves on the current distance.
func (h *Index) greedyStep(q []float32, curr uint32, currDist float32, layer int) (uint32, float32) {
	for {
		improved := false
		for _, nb := range h.neighborsAt(curr, layer) {
			if d := h.dist(q, nb); d < currDist {
				curr, currDist = nb, d
				improved = true
			}
		}
		if !improved {
			return curr, currDist
		}
	}
}

func (h *Index) neighborsAt(slot uint32, layer int) []uint32 {
	n := &h.nodes[slot]
	if layer >= len(n.neighbors) {
		return nil
	}
	return n.neighbors[layer]
}

// searchLayer runs a bounded best-first search at one layer and returns
// up to ef candidates sorted by ascending distance. Soft-deleted slots
// are always traversed; includeDeleted controls whether they may also
// appear in the result set (construction yes, queries no). The visited
// tracker is per-call so concurrent read-only searches do not share
// state.
func (h *Index) searchLayer(vis *searcher.Visited, q []float32, ep uint32, epDist float32, layer, ef int, includeDeleted bool) []searcher.Candidate {
	vis.Reset()
	vis.Visit(ep)

	frontier := searcher.NewMinQueue()
	frontier.Push(searcher.Candidate{Slot: ep, Distance: epDist})

	results := searcher.NewMaxQueue()
	if includeDeleted || !h.nodes[ep].deleted {
		results.Push(searcher.Candidate{Slot: ep, Distance: epDist})
	}

	for frontier.Len() > 0 {
		c, _ := frontier.Pop()
		if worst, ok := results.Top(); ok && results.Len() >= ef && c.Distance > worst.Distance {
			break
		}
		for _, nb := range h.neighborsAt(c.Slot, layer) {
			if vis.Has(nb) {
				continue
			}
			vis.Visit(nb)
			d := h.dist(q, nb)
			if worst, ok := results.Top(); !ok || results.Len() < ef || d < worst.Distance {
				frontier.Push(searcher.Candidate{Slot: nb, Distance: d})
				if includeDeleted || !h.nodes[nb].deleted {
					results.PushBounded(searcher.Candidate{Slot: nb, Distance: d}, ef)
				}
			}
		}
	}

	// Max queue drains farthest first; reverse into ascending order.
	drained := results.Drain(nil)
	for i, j := 0, len(drained)-1; i < j; i, j = i+1, j-1 {
		drained[i], drained[j] = drained[j], drained[i]
	}
	return drained
}

// Search returns the k nearest live slots to q by ascending distance.
// The candidate list size is max(EFSearch, k).
func (h *Index) Search(q []float32, k int) ([]Result, error) {
	if len(q) != h.opts.Dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(q), h.opts.Dimension)
	}
	if k < 1 || len(h.nodes) == 0 {
		return nil, nil
	}

	curr := h.entry
	currDist := h.dist(q, curr)
	for l := h.maxLayer; l > 0; l-- {
		curr, currDist = h.greedyStep(q, curr, currDist, l)
	}

	ef := max(h.opts.EFSearch, k)
	found := h.searchLayer(searcher.NewVisited(len(h.nodes)), q, curr, currDist, 0, ef, false)
	if len(found) > k {
		found = found[:k]
	}

	out := make([]Result, len(found))
	for i, c := range found {
		out[i] = Result{Slot: c.Slot, Distance: c.Distance}
	}
	return out, nil
}

// Delete soft-deletes a slot. Its storage and edges remain; it is
// skipped in traversal results from now on.
func (h *Index) Delete(slot uint32) error {
	if int(slot) >= len(h.nodes) {
		return fmt.Errorf("%w: %d", ErrNotFound, slot)
	}
	if !h.nodes[slot].deleted {
		h.nodes[slot].deleted = true
		h.deleted++
	}
	return nil
}

// Deleted reports whether slot is soft-deleted.
func (h *Index) Deleted(slot uint32) (bool, error) {
	if int(slot) >= len(h.nodes) {
		return false, fmt.Errorf("%w: %d", ErrNotFound, slot)
	}
	return h.nodes[slot].deleted, nil
}

// Vector returns the stored copy of a slot's vector.
func (h *Index) Vector(slot uint32) ([]float32, error) {
	if int(slot) >= len(h.nodes) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, slot)
	}
	return h.nodes[slot].vec, nil
}
