// Package lexical defines the exact-match index contract consumed by
// the search engine. Token extraction (keywords, identifiers, file
// paths) happens upstream; this layer only stores and matches tokens.
package lexical

import "github.com/hupe1980/recall/core"

// Match is one exact-match candidate.
type Match struct {
	// ID is the matching node.
	ID core.NodeID
	// Hits is the number of query tokens the node matched. Raw counts;
	// normalization to [0,1] is the search engine's job.
	Hits int
}

// Index is the interface for an inverted token index.
type Index interface {
	// Add indexes a node under the given tokens, replacing any prior
	// tokens for the same node.
	Add(id core.NodeID, tokens []string) error
	// Remove drops a node and all its postings.
	Remove(id core.NodeID) error
	// SearchAny returns nodes matching at least one token, best first
	// (most matched tokens, ties by ascending id), capped at limit.
	SearchAny(tokens []string, limit int) ([]Match, error)
	// Close releases index resources.
	Close() error
}
