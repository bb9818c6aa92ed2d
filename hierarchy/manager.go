// Package hierarchy composes the relations store, the embeddings store
// and the write-ahead log into the caller-facing transcript model: a
// five-level tree of agent, session, message, block and statement
// nodes with per-node embeddings and text.
//
// Durability is layered. Relations and embeddings are mmap-backed and
// synced at every checkpoint; the WAL makes operations between
// checkpoints recoverable. Node metadata and text ride in snapshot side
// files written at checkpoint/close only, with replay reconstructing
// anything newer from the log.
//
// A Manager does not serialize writers. At most one mutating call may
// be in flight at a time; reads are safe to run concurrently with each
// other but not with a mutation.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/recall"
	"github.com/hupe1980/recall/blobstore"
	"github.com/hupe1980/recall/core"
	"github.com/hupe1980/recall/distance"
	"github.com/hupe1980/recall/embeddings"
	"github.com/hupe1980/recall/relations"
	"github.com/hupe1980/recall/wal"
)

var (
	// ErrExists is returned when creating an agent or session whose
	// identifier is already taken. The existing node id accompanies it.
	ErrExists = errors.New("hierarchy: identifier exists")
	// ErrNotFound is returned when a node does not exist.
	ErrNotFound = errors.New("hierarchy: node not found")
	// ErrInvalidLevel is returned when a child's level is not exactly
	// one finer than its parent's. The create performs no mutation.
	ErrInvalidLevel = errors.New("hierarchy: invalid level")
	// ErrNoEmbedding is returned when reading an embedding that was
	// never set, or pooling over children without embeddings.
	ErrNoEmbedding = errors.New("hierarchy: no embedding")
	// ErrCorrupted is returned when a side file or the replay stream is
	// inconsistent with the primary stores.
	ErrCorrupted = errors.New("hierarchy: corrupted state")
)

// Options contains configuration for a Manager.
type Options struct {
	// Dimension is the embedding dimension.
	Dimension int

	// Capacity is the node capacity of the relations store and of each
	// embedding level.
	Capacity uint32

	// Durability controls WAL fsync behavior.
	Durability wal.DurabilityMode

	// TextCodec selects the compression of the text side file.
	TextCodec Codec

	// AutoCheckpointOps makes the WAL trigger a full checkpoint cycle
	// after this many logged operations. Zero disables.
	AutoCheckpointOps int

	// Logger receives structured logs. Defaults to a no-op logger.
	Logger *recall.Logger

	// Metrics receives operational metrics. Defaults to a no-op.
	Metrics recall.MetricsCollector
}

// DefaultOptions contains the default Manager configuration.
var DefaultOptions = Options{
	Dimension:  embeddings.DefaultDimension,
	Capacity:   1 << 16,
	Durability: wal.DurabilityGroupCommit,
	TextCodec:  CodecZstd,
}

// meta is the in-memory per-node state not held by the relations store.
type meta struct {
	createdAt int64 // unix nanoseconds; zero means unmaterialized
	slot      uint32
	agent     string
	session   string
	hasEmbed  bool
}

// Node is an assembled snapshot of one hierarchy node.
type Node struct {
	ID            core.NodeID
	Level         core.Level
	Parent        core.NodeID
	CreatedAt     time.Time
	AgentID       string
	SessionID     string
	EmbeddingSlot uint32
	HasEmbedding  bool
}

// Manager is the hierarchy store.
type Manager struct {
	dir  string
	opts Options

	relations  *relations.Store
	embeddings *embeddings.Store
	wal        *wal.WAL
	blobs      blobstore.BlobStore
	logger     *recall.Logger
	metrics    recall.MetricsCollector

	metas    []meta
	texts    map[core.NodeID]string
	agents   map[string]core.NodeID
	sessions map[string]core.NodeID
}

// Open opens or creates a store instance rooted at dir and replays the
// WAL to bring in-memory and store state up to the last durable write.
func Open(dir string, optFns ...func(o *Options)) (*Manager, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = recall.NoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = recall.NoopMetricsCollector{}
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("hierarchy: create %s: %w", dir, err)
	}

	m := &Manager{
		dir:      dir,
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		texts:    make(map[core.NodeID]string),
		agents:   make(map[string]core.NodeID),
		sessions: make(map[string]core.NodeID),
	}

	var err error
	relDir := filepath.Join(dir, "relations")
	if _, serr := os.Stat(filepath.Join(relDir, "parent.bin")); serr == nil {
		m.relations, err = relations.Open(relDir)
	} else {
		m.relations, err = relations.Create(relDir, opts.Capacity)
	}
	if err != nil {
		return nil, err
	}

	embDir := filepath.Join(dir, "embeddings")
	if _, serr := os.Stat(filepath.Join(embDir, "level_0.bin")); serr == nil {
		m.embeddings, err = embeddings.Open(embDir, opts.Dimension)
	} else {
		m.embeddings, err = embeddings.Create(embDir, opts.Dimension, opts.Capacity)
	}
	if err != nil {
		m.relations.Close()
		return nil, err
	}

	if m.blobs, err = blobstore.NewLocalStore(dir); err != nil {
		m.closeStores()
		return nil, err
	}
	if err = m.loadSideFiles(); err != nil {
		m.closeStores()
		return nil, err
	}

	m.wal, err = wal.Open(filepath.Join(dir, "wal"), func(o *wal.Options) {
		o.DurabilityMode = opts.Durability
		if opts.AutoCheckpointOps > 0 {
			o.AutoCheckpointOps = opts.AutoCheckpointOps
			o.CheckpointFunc = m.Checkpoint
		}
	})
	if err != nil {
		m.closeStores()
		return nil, err
	}

	replayed := 0
	err = m.wal.Replay(func(e wal.Entry) error {
		replayed++
		return m.apply(e)
	})
	m.logger.LogRecovery(context.Background(), replayed, err)
	if err != nil {
		m.wal.Close()
		m.closeStores()
		return nil, err
	}

	m.rebuildIdentifierMaps()
	return m, nil
}

func (m *Manager) closeStores() {
	m.embeddings.Close()
	m.relations.Close()
}

func (m *Manager) loadSideFiles() error {
	if raw, err := m.blobs.Get(metadataBlobName); err == nil {
		metas, derr := decodeMetadata(raw)
		if derr != nil {
			return derr
		}
		// The side file may lag a crash, never lead the primary stores.
		if n := int(m.relations.Count()); len(metas) > n {
			metas = metas[:n]
		}
		m.metas = metas
	} else if !errors.Is(err, blobstore.ErrNotFound) {
		return fmt.Errorf("hierarchy: read metadata side file: %w", err)
	}

	if raw, err := m.blobs.Get(textsBlobName); err == nil {
		texts, derr := decodeTexts(raw)
		if derr != nil {
			return derr
		}
		m.texts = texts
	} else if !errors.Is(err, blobstore.ErrNotFound) {
		return fmt.Errorf("hierarchy: read text side file: %w", err)
	}
	return nil
}

func (m *Manager) rebuildIdentifierMaps() {
	for id := core.NodeID(0); uint32(id) < m.relations.Count(); id++ {
		lvl, err := m.relations.Level(id)
		if err != nil || int(id) >= len(m.metas) {
			continue
		}
		mt := &m.metas[id]
		switch lvl {
		case core.LevelAgent:
			if mt.agent != "" {
				m.agents[mt.agent] = id
			}
		case core.LevelSession:
			if mt.session != "" {
				m.sessions[mt.session] = id
			}
		}
	}
}

// apply replays one WAL entry. Entries are idempotent: node ids below
// the current relations count are already materialized and only have
// their in-memory state rebuilt.
func (m *Manager) apply(e wal.Entry) error {
	switch e.Op {
	case wal.OpCreateAgent:
		p, err := decodeCreateAgent(e.Payload)
		if err != nil {
			return err
		}
		return m.materialize(p.ID, core.NoNode, core.LevelAgent, e.Timestamp, p.AgentID, "")

	case wal.OpCreateSession:
		p, err := decodeCreateSession(e.Payload)
		if err != nil {
			return err
		}
		agent := ""
		if int(p.Parent) < len(m.metas) {
			agent = m.metas[p.Parent].agent
		}
		return m.materialize(p.ID, p.Parent, core.LevelSession, e.Timestamp, agent, p.SessionID)

	case wal.OpCreateNode:
		p, err := decodeCreateNode(e.Payload)
		if err != nil {
			return err
		}
		var agent, session string
		if int(p.Parent) < len(m.metas) {
			agent = m.metas[p.Parent].agent
			session = m.metas[p.Parent].session
		}
		return m.materialize(p.ID, p.Parent, p.Level, e.Timestamp, agent, session)

	case wal.OpSetEmbedding:
		p, err := decodeSetEmbedding(e.Payload)
		if err != nil {
			return err
		}
		if int(p.ID) >= len(m.metas) {
			return fmt.Errorf("%w: embedding replay for unknown node %d", ErrCorrupted, p.ID)
		}
		lvl, err := m.relations.Level(p.ID)
		if err != nil {
			return err
		}
		mt := &m.metas[p.ID]
		if err := m.embeddings.Set(lvl, mt.slot, p.Vector); err != nil {
			return err
		}
		mt.hasEmbed = true
		return nil

	case wal.OpSetText:
		p, err := decodeSetText(e.Payload)
		if err != nil {
			return err
		}
		m.texts[p.ID] = p.Text
		return nil

	default:
		return fmt.Errorf("%w: unknown replay op %d", ErrCorrupted, e.Op)
	}
}

// materialize brings a logged node creation into effect. ts is the WAL
// entry timestamp, reused as the creation time on replay.
func (m *Manager) materialize(id, parent core.NodeID, level core.Level, ts int64, agent, session string) error {
	count := core.NodeID(m.relations.Count())
	switch {
	case id > count:
		return fmt.Errorf("%w: replay gap, node %d logged before %d", ErrCorrupted, id, count)
	case id == count:
		got, err := m.relations.AllocateNode(level)
		if err != nil {
			return err
		}
		if got != id {
			return fmt.Errorf("%w: replay allocated %d, expected %d", ErrCorrupted, got, id)
		}
		if parent.IsValid() {
			if err := m.relations.AppendChild(parent, id); err != nil {
				return err
			}
		}
	}

	slot := m.slotFor(id, level)
	for m.embeddings.Count(level) <= slot {
		if _, err := m.embeddings.AllocSlot(level); err != nil {
			return err
		}
	}

	m.ensureMeta(id)
	mt := &m.metas[id]
	if mt.createdAt == 0 {
		mt.createdAt = ts
		mt.slot = slot
		mt.agent = agent
		mt.session = session
	}
	return nil
}

// slotFor derives a node's embedding slot from creation order: slots
// are handed out per level as nodes are created, so the slot equals the
// number of earlier nodes at the same level. Replay-only path.
func (m *Manager) slotFor(id core.NodeID, level core.Level) uint32 {
	var n uint32
	for i := core.NodeID(0); i < id; i++ {
		if lvl, err := m.relations.Level(i); err == nil && lvl == level {
			n++
		}
	}
	return n
}

func (m *Manager) ensureMeta(id core.NodeID) {
	for len(m.metas) <= int(id) {
		m.metas = append(m.metas, meta{})
	}
}

// nodeMeta returns id's metadata. A node the relations store knows but
// the metadata table does not means the side file lags the primary
// stores and the WAL no longer covers the gap; callers must fail
// before logging anything against such a node.
func (m *Manager) nodeMeta(id core.NodeID) (meta, error) {
	if int(id) >= len(m.metas) {
		return meta{}, fmt.Errorf("%w: metadata missing for node %d", ErrCorrupted, id)
	}
	return m.metas[id], nil
}

// afterMutate gives the WAL its auto-checkpoint opportunity, strictly
// after the logged operation reached the stores. A checkpoint failure
// leaves the log intact and is reported through the checkpoint's own
// logging, not the mutation's result.
func (m *Manager) afterMutate() {
	_ = m.wal.MaybeCheckpoint()
}

// precheck verifies capacity before logging, so a logged create can
// never fail to materialize.
func (m *Manager) precheck(level core.Level) error {
	if m.relations.Count() >= m.relations.Capacity() {
		return relations.ErrFull
	}
	if m.embeddings.Count(level) >= m.embeddings.Capacity(level) {
		return fmt.Errorf("%w: level %s", embeddings.ErrFull, level)
	}
	return nil
}

// CreateAgent creates an agent root node. An empty identifier gets a
// generated one. Creating an agent whose identifier exists returns the
// existing node id together with ErrExists.
func (m *Manager) CreateAgent(agentID string) (id core.NodeID, err error) {
	defer func(start time.Time) { m.metrics.RecordCreate(time.Since(start), err) }(time.Now())

	if agentID == "" {
		agentID = uuid.NewString()
	}
	if existing, ok := m.agents[agentID]; ok {
		return existing, fmt.Errorf("%w: agent %q", ErrExists, agentID)
	}
	if err := m.precheck(core.LevelAgent); err != nil {
		return core.NoNode, err
	}

	id = core.NodeID(m.relations.Count())
	e, err := m.wal.Append(wal.OpCreateAgent, encodeCreateAgent(createAgentPayload{ID: id, AgentID: agentID}))
	if err != nil {
		return core.NoNode, err
	}
	if err := m.commitNode(id, core.NoNode, core.LevelAgent, agentID, "", e.Timestamp); err != nil {
		return core.NoNode, err
	}
	m.agents[agentID] = id
	m.logger.LogCreateNode(context.Background(), uint32(id), core.LevelAgent.String(), nil)
	m.afterMutate()
	return id, nil
}

// CreateSession creates a session under an agent. An empty identifier
// gets a generated one. A duplicate identifier returns the existing
// node id together with ErrExists.
func (m *Manager) CreateSession(agent core.NodeID, sessionID string) (id core.NodeID, err error) {
	defer func(start time.Time) { m.metrics.RecordCreate(time.Since(start), err) }(time.Now())

	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if existing, ok := m.sessions[sessionID]; ok {
		return existing, fmt.Errorf("%w: session %q", ErrExists, sessionID)
	}
	parentLvl, err := m.relations.Level(agent)
	if err != nil {
		return core.NoNode, fmt.Errorf("%w: agent %d", ErrNotFound, agent)
	}
	if parentLvl != core.LevelAgent {
		return core.NoNode, fmt.Errorf("%w: sessions attach to agents, parent %d is %s", ErrInvalidLevel, agent, parentLvl)
	}
	pm, err := m.nodeMeta(agent)
	if err != nil {
		return core.NoNode, err
	}
	if err := m.precheck(core.LevelSession); err != nil {
		return core.NoNode, err
	}

	id = core.NodeID(m.relations.Count())
	e, err := m.wal.Append(wal.OpCreateSession, encodeCreateSession(createSessionPayload{ID: id, Parent: agent, SessionID: sessionID}))
	if err != nil {
		return core.NoNode, err
	}
	if err := m.commitNode(id, agent, core.LevelSession, pm.agent, sessionID, e.Timestamp); err != nil {
		return core.NoNode, err
	}
	m.sessions[sessionID] = id
	m.logger.LogCreateNode(context.Background(), uint32(id), core.LevelSession.String(), nil)
	m.afterMutate()
	return id, nil
}

// CreateMessage creates a message under a session.
func (m *Manager) CreateMessage(parent core.NodeID) (core.NodeID, error) {
	return m.createChild(parent, core.LevelMessage)
}

// CreateBlock creates a block under a message.
func (m *Manager) CreateBlock(parent core.NodeID) (core.NodeID, error) {
	return m.createChild(parent, core.LevelBlock)
}

// CreateStatement creates a statement under a block.
func (m *Manager) CreateStatement(parent core.NodeID) (core.NodeID, error) {
	return m.createChild(parent, core.LevelStatement)
}

// createChild validates that parent is exactly one level coarser, then
// logs and materializes the node. A level mismatch mutates nothing.
func (m *Manager) createChild(parent core.NodeID, level core.Level) (id core.NodeID, err error) {
	defer func(start time.Time) { m.metrics.RecordCreate(time.Since(start), err) }(time.Now())

	parentLvl, err := m.relations.Level(parent)
	if err != nil {
		return core.NoNode, fmt.Errorf("%w: parent %d", ErrNotFound, parent)
	}
	want, ok := parentLvl.ChildLevel()
	if !ok || want != level {
		return core.NoNode, fmt.Errorf("%w: cannot create %s under %s parent %d", ErrInvalidLevel, level, parentLvl, parent)
	}
	pm, err := m.nodeMeta(parent)
	if err != nil {
		return core.NoNode, err
	}
	if err := m.precheck(level); err != nil {
		return core.NoNode, err
	}

	id = core.NodeID(m.relations.Count())
	e, err := m.wal.Append(wal.OpCreateNode, encodeCreateNode(createNodePayload{ID: id, Parent: parent, Level: level}))
	if err != nil {
		return core.NoNode, err
	}
	if err := m.commitNode(id, parent, level, pm.agent, pm.session, e.Timestamp); err != nil {
		return core.NoNode, err
	}
	m.logger.LogCreateNode(context.Background(), uint32(id), level.String(), nil)
	m.afterMutate()
	return id, nil
}

// commitNode applies a pre-logged creation to the stores. ts is the
// WAL entry timestamp, so live and replayed state stamp the same
// creation time. The prechecks make store failures here unexpected.
func (m *Manager) commitNode(id, parent core.NodeID, level core.Level, agent, session string, ts int64) error {
	got, err := m.relations.AllocateNode(level)
	if err != nil {
		return err
	}
	if got != id {
		return fmt.Errorf("%w: allocated %d, expected %d", ErrCorrupted, got, id)
	}
	if parent.IsValid() {
		if err := m.relations.AppendChild(parent, id); err != nil {
			return err
		}
	}
	slot, err := m.embeddings.AllocSlot(level)
	if err != nil {
		return err
	}

	m.ensureMeta(id)
	m.metas[id] = meta{
		createdAt: ts,
		slot:      slot,
		agent:     agent,
		session:   session,
	}
	return nil
}

// Node returns an assembled snapshot of id.
func (m *Manager) Node(id core.NodeID) (Node, error) {
	lvl, err := m.relations.Level(id)
	if err != nil {
		return Node{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	parent, err := m.relations.Parent(id)
	if err != nil {
		return Node{}, err
	}
	mt, err := m.nodeMeta(id)
	if err != nil {
		return Node{}, err
	}
	return Node{
		ID:            id,
		Level:         lvl,
		Parent:        parent,
		CreatedAt:     time.Unix(0, mt.createdAt),
		AgentID:       mt.agent,
		SessionID:     mt.session,
		EmbeddingSlot: mt.slot,
		HasEmbedding:  mt.hasEmbed,
	}, nil
}

// Count returns the number of nodes.
func (m *Manager) Count() uint32 { return m.relations.Count() }

// Dimension returns the embedding dimension.
func (m *Manager) Dimension() int { return m.opts.Dimension }

// Agent resolves an agent identifier to its node id.
func (m *Manager) Agent(agentID string) (core.NodeID, bool) {
	id, ok := m.agents[agentID]
	return id, ok
}

// Session resolves a session identifier to its node id.
func (m *Manager) Session(sessionID string) (core.NodeID, bool) {
	id, ok := m.sessions[sessionID]
	return id, ok
}

// Children returns the child ids of id in insertion order.
func (m *Manager) Children(id core.NodeID) ([]core.NodeID, error) {
	return m.relations.Children(id)
}

// Siblings returns the other children of id's parent.
func (m *Manager) Siblings(id core.NodeID) ([]core.NodeID, error) {
	return m.relations.Siblings(id)
}

// Ancestors returns the parent chain of id, nearest first.
func (m *Manager) Ancestors(id core.NodeID) ([]core.NodeID, error) {
	return m.relations.Ancestors(id)
}

// DescendantCount returns the size of the subtree below id.
func (m *Manager) DescendantCount(id core.NodeID) (int, error) {
	return m.relations.DescendantCount(id)
}

// SetEmbedding logs and stores the node's vector.
func (m *Manager) SetEmbedding(id core.NodeID, vec []float32) (err error) {
	defer func(start time.Time) {
		m.metrics.RecordSetEmbedding(time.Since(start), err)
		m.logger.LogSetEmbedding(context.Background(), uint32(id), err)
	}(time.Now())

	lvl, err := m.relations.Level(id)
	if err != nil {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if len(vec) != m.opts.Dimension {
		return fmt.Errorf("%w: got %d, want %d", embeddings.ErrDimension, len(vec), m.opts.Dimension)
	}
	if _, err := m.nodeMeta(id); err != nil {
		return err
	}

	if _, err := m.wal.Append(wal.OpSetEmbedding, encodeSetEmbedding(setEmbeddingPayload{ID: id, Vector: vec})); err != nil {
		return err
	}
	mt := &m.metas[id]
	if err := m.embeddings.Set(lvl, mt.slot, vec); err != nil {
		return err
	}
	mt.hasEmbed = true
	m.afterMutate()
	return nil
}

// Embedding returns a zero-copy view of the node's vector.
func (m *Manager) Embedding(id core.NodeID) ([]float32, error) {
	lvl, mt, err := m.embeddingRef(id)
	if err != nil {
		return nil, err
	}
	return m.embeddings.Get(lvl, mt.slot)
}

// EmbeddingCopy returns a defensive copy of the node's vector.
func (m *Manager) EmbeddingCopy(id core.NodeID) ([]float32, error) {
	lvl, mt, err := m.embeddingRef(id)
	if err != nil {
		return nil, err
	}
	return m.embeddings.Copy(lvl, mt.slot)
}

// Similarity returns the cosine similarity between the node's vector
// and query.
func (m *Manager) Similarity(id core.NodeID, query []float32) (float32, error) {
	lvl, mt, err := m.embeddingRef(id)
	if err != nil {
		return 0, err
	}
	return m.embeddings.Similarity(lvl, mt.slot, query)
}

func (m *Manager) embeddingRef(id core.NodeID) (core.Level, *meta, error) {
	lvl, err := m.relations.Level(id)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if int(id) >= len(m.metas) || !m.metas[id].hasEmbed {
		return 0, nil, fmt.Errorf("%w: node %d", ErrNoEmbedding, id)
	}
	return lvl, &m.metas[id], nil
}

// SetText logs and stores the node's text.
func (m *Manager) SetText(id core.NodeID, text string) error {
	if uint32(id) >= m.relations.Count() {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if _, err := m.wal.Append(wal.OpSetText, encodeSetText(setTextPayload{ID: id, Text: text})); err != nil {
		return err
	}
	m.texts[id] = text
	m.afterMutate()
	return nil
}

// Text returns the node's text. Nodes without text return ErrNotFound.
func (m *Manager) Text(id core.NodeID) (string, error) {
	if uint32(id) >= m.relations.Count() {
		return "", fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	text, ok := m.texts[id]
	if !ok {
		return "", fmt.Errorf("%w: no text on node %d", ErrNotFound, id)
	}
	return text, nil
}

// SessionNodes walks all nodes belonging to a session, filtered by
// level, in id order. fn returning false stops the walk early.
func (m *Manager) SessionNodes(session core.NodeID, level core.Level, fn func(n Node) bool) error {
	lvl, err := m.relations.Level(session)
	if err != nil {
		return fmt.Errorf("%w: %d", ErrNotFound, session)
	}
	if lvl != core.LevelSession {
		return fmt.Errorf("%w: node %d is %s, not a session", ErrInvalidLevel, session, lvl)
	}
	sm, err := m.nodeMeta(session)
	if err != nil {
		return err
	}
	key := sm.session

	for id := core.NodeID(0); uint32(id) < m.relations.Count(); id++ {
		if int(id) >= len(m.metas) || m.metas[id].session != key {
			continue
		}
		if nlvl, err := m.relations.Level(id); err != nil || nlvl != level {
			continue
		}
		n, err := m.Node(id)
		if err != nil {
			return err
		}
		if !fn(n) {
			return nil
		}
	}
	return nil
}

// PoolChildren sets id's embedding to the normalized mean of its
// children's embeddings. Children without embeddings are skipped;
// pooling with no embedded children fails with ErrNoEmbedding.
func (m *Manager) PoolChildren(id core.NodeID) error {
	children, err := m.relations.Children(id)
	if err != nil {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	var vecs [][]float32
	for _, child := range children {
		if int(child) < len(m.metas) && m.metas[child].hasEmbed {
			v, err := m.Embedding(child)
			if err != nil {
				return err
			}
			vecs = append(vecs, v)
		}
	}
	pooled := distance.NormalizedMean(vecs)
	if pooled == nil {
		return fmt.Errorf("%w: node %d has no embedded children", ErrNoEmbedding, id)
	}
	return m.SetEmbedding(id, pooled)
}

// Checkpoint materializes all state, marks a WAL recovery boundary and
// truncates the log. The primary stores sync before the side files so
// the side files never describe state the stores do not have.
func (m *Manager) Checkpoint() error {
	start := time.Now()
	err := m.checkpoint()
	m.metrics.RecordCheckpoint(time.Since(start), err)
	m.logger.LogCheckpoint(context.Background(), m.wal.CheckpointSeq(), err)
	return err
}

func (m *Manager) checkpoint() error {
	if err := m.relations.Sync(); err != nil {
		return err
	}
	if err := m.embeddings.Sync(); err != nil {
		return err
	}
	if err := m.saveSideFiles(); err != nil {
		return err
	}
	if _, err := m.wal.Checkpoint(); err != nil {
		return err
	}
	return m.wal.Truncate()
}

func (m *Manager) saveSideFiles() error {
	if err := m.blobs.Put(metadataBlobName, encodeMetadata(m.metas)); err != nil {
		return err
	}
	texts, err := encodeTexts(m.texts, m.opts.TextCodec)
	if err != nil {
		return err
	}
	return m.blobs.Put(textsBlobName, texts)
}

// Sync is Checkpoint under its caller-facing name.
func (m *Manager) Sync() error { return m.Checkpoint() }

// Close syncs and releases everything.
func (m *Manager) Close() error {
	err := m.Checkpoint()
	if werr := m.wal.Close(); werr != nil && err == nil {
		err = werr
	}
	if eerr := m.embeddings.Close(); eerr != nil && err == nil {
		err = eerr
	}
	if rerr := m.relations.Close(); rerr != nil && err == nil {
		err = rerr
	}
	return err
}
