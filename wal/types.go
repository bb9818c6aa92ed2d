package wal

import "time"

// DurabilityMode defines the fsync behavior for WAL writes.
type DurabilityMode int

const (
	// DurabilityAsync performs no fsync on append. Fastest, but a crash
	// can lose every write since the last explicit Sync.
	DurabilityAsync DurabilityMode = iota

	// DurabilityGroupCommit batches fsync at a fixed interval,
	// amortizing its cost across operations. Recommended default.
	DurabilityGroupCommit

	// DurabilitySync fsyncs after every append. Slowest, strongest.
	DurabilitySync
)

// OpType tags the operation a WAL entry records.
type OpType uint8

const (
	// OpCreateAgent records the creation of an agent root node.
	OpCreateAgent OpType = iota + 1
	// OpCreateSession records the creation of a session node.
	OpCreateSession
	// OpCreateNode records the creation of a message/block/statement node.
	OpCreateNode
	// OpSetEmbedding records an embedding slot overwrite.
	OpSetEmbedding
	// OpSetText records a node text update.
	OpSetText
	// OpCheckpoint marks a safe recovery boundary. It is never passed
	// to the replay callback.
	OpCheckpoint
)

// Entry is a single decoded WAL entry.
type Entry struct {
	Seq       uint64
	Timestamp int64 // wall clock, nanoseconds
	Op        OpType
	Payload   []byte
}

// Options contains configuration for the WAL.
type Options struct {
	// DurabilityMode controls fsync behavior on append.
	DurabilityMode DurabilityMode

	// GroupCommitInterval is the flush period for DurabilityGroupCommit.
	GroupCommitInterval time.Duration

	// MaxPayload bounds the declared payload length accepted during
	// replay, defending against a corrupted length field causing an
	// unbounded allocation.
	MaxPayload int

	// AutoCheckpointOps arms MaybeCheckpoint after this many appends
	// since the last checkpoint. Zero disables.
	AutoCheckpointOps int

	// AutoCheckpointMinInterval rate-limits automatic checkpoints
	// regardless of operation count.
	AutoCheckpointMinInterval time.Duration

	// CheckpointFunc is invoked by MaybeCheckpoint for automatic
	// checkpoints. It must materialize state into the primary stores
	// and then call Checkpoint (and usually Truncate) on this WAL.
	CheckpointFunc func() error
}

// DefaultOptions contains the default WAL configuration.
var DefaultOptions = Options{
	DurabilityMode:            DurabilityGroupCommit,
	GroupCommitInterval:       50 * time.Millisecond,
	MaxPayload:                64 << 20,
	AutoCheckpointMinInterval: time.Second,
}
