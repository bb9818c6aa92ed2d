// Package search combines approximate semantic retrieval with exact
// token matching over the hierarchy. One HNSW graph per level carries
// the vectors; an inverted index carries the tokens; queries run both
// passes, merge by node id and rank with a weighted blend of semantic
// score, exact score, recency and level priority. A separate budget
// step trims a ranked list to a token allowance.
package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/recall"
	"github.com/hupe1980/recall/core"
	"github.com/hupe1980/recall/hnsw"
	"github.com/hupe1980/recall/lexical"
	"github.com/hupe1980/recall/lexical/inverted"
)

var (
	// ErrNotFound is returned when removing a node that is not indexed.
	ErrNotFound = errors.New("search: node not indexed")
	// ErrEmptyQuery is returned when a query has neither vector nor tokens.
	ErrEmptyQuery = errors.New("search: query needs a vector or tokens")
)

// Weights controls the ranking blend. The three outer weights should
// sum to roughly one; the two inner weights split the relevance share
// between the semantic and exact passes.
type Weights struct {
	Relevance float64
	Recency   float64
	Level     float64
	Semantic  float64
	Exact     float64
}

// DefaultWeights is the default ranking blend.
var DefaultWeights = Weights{
	Relevance: 0.6,
	Recency:   0.25,
	Level:     0.15,
	Semantic:  0.7,
	Exact:     0.3,
}

// levelBoost ranks coarser conversational context higher, except agent
// roots which carry no retrievable content of their own.
var levelBoost = [core.NumLevels]float64{
	core.LevelStatement: 0.25,
	core.LevelBlock:     0.5,
	core.LevelMessage:   0.75,
	core.LevelSession:   1.0,
	core.LevelAgent:     0.0,
}

// tokenCost estimates the prompt-token price of including a node of a
// given level in assembled context.
var tokenCost = [core.NumLevels]int{
	core.LevelStatement: 50,
	core.LevelBlock:     200,
	core.LevelMessage:   500,
	core.LevelSession:   1000,
	core.LevelAgent:     1000,
}

// TokenCost returns the token-cost estimate for a level.
func TokenCost(level core.Level) int { return tokenCost[level] }

// Options contains configuration for an Engine.
type Options struct {
	// Dimension is the vector dimension. Required.
	Dimension int

	// Capacity bounds each per-level graph.
	Capacity int

	// M, EFConstruction and EFSearch tune the per-level graphs.
	M              int
	EFConstruction int
	EFSearch       int

	// RandomSeed seeds graph construction.
	RandomSeed int64

	// HalfLife is the recency decay half-life.
	HalfLife time.Duration

	// Weights is the ranking blend.
	Weights Weights

	// Lexical overrides the exact-match index. Defaults to the
	// in-memory inverted index.
	Lexical lexical.Index

	// Logger receives structured logs. Defaults to a no-op logger.
	Logger *recall.Logger

	// Metrics receives operational metrics. Defaults to a no-op.
	Metrics recall.MetricsCollector
}

// DefaultOptions contains the default Engine configuration.
var DefaultOptions = Options{
	Capacity:       1 << 20,
	M:              16,
	EFConstruction: 200,
	EFSearch:       50,
	RandomSeed:     1,
	HalfLife:       time.Hour,
	Weights:        DefaultWeights,
}

type entry struct {
	level     core.Level
	slot      uint32 // graph slot at that level
	hasVector bool
	timestamp time.Time
	tokens    int
}

// Engine indexes nodes and answers combined queries. It serializes
// writers internally; reads run concurrently.
type Engine struct {
	mu      sync.RWMutex
	opts    Options
	graphs  [core.NumLevels]*hnsw.Index
	slotIDs [core.NumLevels][]core.NodeID // graph slot -> node id
	lex     lexical.Index
	byID    map[core.NodeID]entry
	logger  *recall.Logger
	metrics recall.MetricsCollector
}

// New creates an empty engine.
func New(optFns ...func(o *Options)) (*Engine, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("search: invalid dimension %d", opts.Dimension)
	}
	if opts.Lexical == nil {
		opts.Lexical = inverted.New()
	}
	if opts.Logger == nil {
		opts.Logger = recall.NoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = recall.NoopMetricsCollector{}
	}

	e := &Engine{
		opts:    opts,
		lex:     opts.Lexical,
		byID:    make(map[core.NodeID]entry),
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	for lvl := core.Level(0); lvl < core.NumLevels; lvl++ {
		idx, err := hnsw.New(func(o *hnsw.Options) {
			o.Dimension = opts.Dimension
			o.M = opts.M
			o.EFConstruction = opts.EFConstruction
			o.EFSearch = opts.EFSearch
			o.Capacity = opts.Capacity
			// Distinct seeds per level keep the layer draws independent.
			o.RandomSeed = opts.RandomSeed + int64(lvl)
		})
		if err != nil {
			return nil, err
		}
		e.graphs[lvl] = idx
	}
	return e, nil
}

// Index adds or refreshes a node. vec may be nil for token-only nodes;
// tokens may be empty for vector-only nodes. Re-indexing replaces both.
func (e *Engine) Index(id core.NodeID, level core.Level, ts time.Time, vec []float32, tokens []string) error {
	if !level.Valid() {
		return fmt.Errorf("search: invalid level %d", level)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if old, ok := e.byID[id]; ok && old.hasVector {
		// Old vector becomes unreachable; the slot is soft-deleted.
		if err := e.graphs[old.level].Delete(old.slot); err != nil {
			return err
		}
	}

	ent := entry{level: level, timestamp: ts, tokens: len(tokens)}
	if vec != nil {
		slot, err := e.graphs[level].Insert(vec)
		if err != nil {
			return err
		}
		for len(e.slotIDs[level]) <= int(slot) {
			e.slotIDs[level] = append(e.slotIDs[level], core.NoNode)
		}
		e.slotIDs[level][slot] = id
		ent.slot = slot
		ent.hasVector = true
	}
	if err := e.lex.Add(id, tokens); err != nil {
		return err
	}
	e.byID[id] = ent
	return nil
}

// Remove unindexes a node. Graph storage is soft-deleted, not
// reclaimed.
func (e *Engine) Remove(id core.NodeID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.byID[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if ent.hasVector {
		if err := e.graphs[ent.level].Delete(ent.slot); err != nil {
			return err
		}
	}
	if err := e.lex.Remove(id); err != nil {
		return err
	}
	delete(e.byID, id)
	return nil
}

// Len returns the number of indexed nodes.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.byID)
}

// Query describes one combined search.
type Query struct {
	// Vector drives the semantic pass. Optional if Tokens are given.
	Vector []float32
	// Tokens drive the exact-match pass. Optional if Vector is given.
	Tokens []string
	// K caps the result count.
	K int
	// MinLevel and MaxLevel bound the searched levels, inclusive. The
	// zero values cover statement through session; agents are only
	// searched when MaxLevel includes them explicitly.
	MinLevel core.Level
	MaxLevel core.Level
	// Now anchors recency scoring. Zero means time.Now().
	Now time.Time
}

// Result is one ranked hit.
type Result struct {
	ID       core.NodeID
	Level    core.Level
	Combined float64
	Semantic float64
	Exact    float64
	Recency  float64
	// TokenCost is the level's token estimate, used by ApplyBudget.
	TokenCost int
}

// Search runs the semantic and exact passes, merges, scores and ranks.
// Results come back sorted by descending combined score, at most K.
func (e *Engine) Search(ctx context.Context, q Query) ([]Result, error) {
	start := time.Now()
	results, err := e.search(ctx, q)
	e.metrics.RecordSearch(q.K, time.Since(start), err)
	e.logger.LogSearch(ctx, q.K, len(results), err)
	return results, err
}

func (e *Engine) search(ctx context.Context, q Query) ([]Result, error) {
	if q.Vector == nil && len(q.Tokens) == 0 {
		return nil, ErrEmptyQuery
	}
	if q.K <= 0 {
		return nil, nil
	}
	minLvl, maxLvl := q.MinLevel, q.MaxLevel
	if maxLvl == 0 && minLvl == 0 {
		maxLvl = core.LevelSession
	}
	if maxLvl < minLvl || !maxLvl.Valid() {
		return nil, fmt.Errorf("search: invalid level range %d..%d", minLvl, maxLvl)
	}
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	merged := make(map[core.NodeID]*Result)

	if q.Vector != nil {
		if len(q.Vector) != e.opts.Dimension {
			return nil, fmt.Errorf("search: query dimension %d, want %d", len(q.Vector), e.opts.Dimension)
		}

		// The per-level graphs are independent, so the semantic pass
		// fans out one goroutine per level.
		perLevel := make([][]hnsw.Result, core.NumLevels)
		g, _ := errgroup.WithContext(ctx)
		for lvl := minLvl; lvl <= maxLvl && lvl.Valid(); lvl++ {
			lvl := lvl
			g.Go(func() error {
				res, err := e.graphs[lvl].Search(q.Vector, q.K)
				if err != nil {
					return err
				}
				perLevel[lvl] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for lvl := minLvl; lvl <= maxLvl && lvl.Valid(); lvl++ {
			for _, r := range perLevel[lvl] {
				id := e.slotIDs[lvl][r.Slot]
				if !id.IsValid() {
					continue
				}
				// Distance is 1 - cosine; clamp the score to [0, 1].
				sem := math.Max(0, math.Min(1, 1-float64(r.Distance)))
				e.merge(merged, id, lvl, sem, 0)
			}
		}
	}

	if len(q.Tokens) > 0 {
		matches, err := e.lex.SearchAny(q.Tokens, q.K*4)
		if err != nil {
			return nil, err
		}
		maxHits := 0
		for _, m := range matches {
			if m.Hits > maxHits {
				maxHits = m.Hits
			}
		}
		for _, m := range matches {
			ent, ok := e.byID[m.ID]
			if !ok || ent.level < minLvl || ent.level > maxLvl {
				continue
			}
			// Normalize into [0, 1] by the best hit count in this
			// candidate set.
			e.merge(merged, m.ID, ent.level, 0, float64(m.Hits)/float64(maxHits))
		}
	}

	out := make([]Result, 0, len(merged))
	for _, r := range merged {
		ent := e.byID[r.ID]
		r.Recency = e.recency(now, ent.timestamp)
		w := e.opts.Weights
		r.Combined = w.Relevance*(w.Semantic*r.Semantic+w.Exact*r.Exact) +
			w.Recency*r.Recency +
			w.Level*levelBoost[r.Level]
		r.TokenCost = tokenCost[r.Level]
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Combined != out[j].Combined {
			return out[i].Combined > out[j].Combined
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > q.K {
		out = out[:q.K]
	}
	return out, nil
}

// merge folds one sub-score into the candidate set, deduplicating by id
// and keeping the maximum of each sub-score seen.
func (e *Engine) merge(merged map[core.NodeID]*Result, id core.NodeID, lvl core.Level, sem, exact float64) {
	r, ok := merged[id]
	if !ok {
		merged[id] = &Result{ID: id, Level: lvl, Semantic: sem, Exact: exact}
		return
	}
	r.Semantic = math.Max(r.Semantic, sem)
	r.Exact = math.Max(r.Exact, exact)
}

// recency decays exponentially with the configured half-life.
func (e *Engine) recency(now, ts time.Time) float64 {
	age := now.Sub(ts)
	if age <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * age.Seconds() / e.opts.HalfLife.Seconds())
}

// ApplyBudget greedily keeps the ranked prefix whose cumulative token
// cost fits budget, stopping at the first result that would overflow.
// No best-fit packing: rank order wins over utilization.
func ApplyBudget(results []Result, budget int) []Result {
	total := 0
	for i, r := range results {
		total += r.TokenCost
		if total > budget {
			return results[:i]
		}
	}
	return results
}
