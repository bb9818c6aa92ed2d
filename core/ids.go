// Package core defines the identifier and level types shared by every
// storage layer.
package core

// NodeID is a dense, internal identifier for a hierarchy node.
// It is strictly 32-bit, allowing for max 4 billion nodes per store.
// Used for all hot-path structures (relation arrays, graph adjacency, heaps).
type NodeID uint32

// NoNode is the reserved sentinel meaning "no relation".
const NoNode = ^NodeID(0)

// IsValid reports whether the id refers to an actual node.
func (id NodeID) IsValid() bool {
	return id != NoNode
}
