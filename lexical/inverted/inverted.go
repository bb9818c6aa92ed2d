// Package inverted provides the in-memory lexical index used by
// default: one compressed bitmap of node ids per token.
package inverted

import (
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/recall/core"
	"github.com/hupe1980/recall/lexical"
)

// Index is a roaring-bitmap inverted index. Safe for concurrent use.
type Index struct {
	mu       sync.RWMutex
	postings map[string]*roaring.Bitmap
	// docTokens remembers each node's tokens so Remove can clear its
	// postings without scanning every bitmap.
	docTokens map[core.NodeID][]string
}

var _ lexical.Index = (*Index)(nil)

// New creates an empty index.
func New() *Index {
	return &Index{
		postings:  make(map[string]*roaring.Bitmap),
		docTokens: make(map[core.NodeID][]string),
	}
}

// Add indexes id under tokens, replacing any prior posting set.
func (idx *Index) Add(id core.NodeID, tokens []string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.removeLocked(id)

	seen := make(map[string]struct{}, len(tokens))
	kept := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		kept = append(kept, tok)

		bm := idx.postings[tok]
		if bm == nil {
			bm = roaring.New()
			idx.postings[tok] = bm
		}
		bm.Add(uint32(id))
	}
	if len(kept) > 0 {
		idx.docTokens[id] = kept
	}
	return nil
}

// Remove drops id from every posting list.
func (idx *Index) Remove(id core.NodeID) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(id)
	return nil
}

func (idx *Index) removeLocked(id core.NodeID) {
	for _, tok := range idx.docTokens[id] {
		bm := idx.postings[tok]
		if bm == nil {
			continue
		}
		bm.Remove(uint32(id))
		if bm.IsEmpty() {
			delete(idx.postings, tok)
		}
	}
	delete(idx.docTokens, id)
}

// SearchAny returns nodes matching at least one token, ordered by
// matched-token count descending, then id ascending.
func (idx *Index) SearchAny(tokens []string, limit int) ([]lexical.Match, error) {
	if limit <= 0 {
		return nil, nil
	}

	idx.mu.RLock()
	hits := make(map[uint32]int)
	for _, tok := range tokens {
		bm := idx.postings[tok]
		if bm == nil {
			continue
		}
		it := bm.Iterator()
		for it.HasNext() {
			hits[it.Next()]++
		}
	}
	idx.mu.RUnlock()

	out := make([]lexical.Match, 0, len(hits))
	for id, n := range hits {
		out = append(out, lexical.Match{ID: core.NodeID(id), Hits: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hits != out[j].Hits {
			return out[i].Hits > out[j].Hits
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Tokens returns the indexed tokens for id, or nil.
func (idx *Index) Tokens(id core.NodeID) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.docTokens[id]
}

// Len returns the number of indexed nodes.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docTokens)
}

// Close releases nothing for the in-memory index.
func (idx *Index) Close() error { return nil }
