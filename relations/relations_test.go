package relations

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/recall/core"
)

func newStore(t *testing.T, capacity uint32) *Store {
	t.Helper()
	s, err := Create(t.TempDir(), capacity)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_AllocateNode(t *testing.T) {
	s := newStore(t, 4)

	id0, err := s.AllocateNode(core.LevelAgent)
	require.NoError(t, err)
	assert.Equal(t, core.NodeID(0), id0)

	id1, err := s.AllocateNode(core.LevelSession)
	require.NoError(t, err)
	assert.Equal(t, core.NodeID(1), id1)

	lvl, err := s.Level(id1)
	require.NoError(t, err)
	assert.Equal(t, core.LevelSession, lvl)

	p, err := s.Parent(id1)
	require.NoError(t, err)
	assert.Equal(t, core.NoNode, p, "fresh node has no parent")
}

func TestStore_FailClosedAtCapacity(t *testing.T) {
	s := newStore(t, 2)

	_, err := s.AllocateNode(core.LevelStatement)
	require.NoError(t, err)
	_, err = s.AllocateNode(core.LevelStatement)
	require.NoError(t, err)

	_, err = s.AllocateNode(core.LevelStatement)
	assert.ErrorIs(t, err, ErrFull)
	assert.Equal(t, uint32(2), s.Count())
}

func TestStore_InvalidNode(t *testing.T) {
	s := newStore(t, 4)

	_, err := s.Parent(0)
	assert.ErrorIs(t, err, ErrInvalidNode)

	_, err = s.AllocateNode(core.LevelAgent)
	require.NoError(t, err)

	_, err = s.Children(7)
	assert.ErrorIs(t, err, ErrInvalidNode)
}

func buildTree(t *testing.T, s *Store) (root, a, b, c core.NodeID) {
	t.Helper()
	root, err := s.AllocateNode(core.LevelMessage)
	require.NoError(t, err)
	a, err = s.AllocateNode(core.LevelBlock)
	require.NoError(t, err)
	b, err = s.AllocateNode(core.LevelBlock)
	require.NoError(t, err)
	c, err = s.AllocateNode(core.LevelBlock)
	require.NoError(t, err)
	require.NoError(t, s.AppendChild(root, a))
	require.NoError(t, s.AppendChild(root, b))
	require.NoError(t, s.AppendChild(root, c))
	return root, a, b, c
}

func TestStore_ChildChainOrder(t *testing.T) {
	s := newStore(t, 16)
	root, a, b, c := buildTree(t, s)

	children, err := s.Children(root)
	require.NoError(t, err)
	assert.Equal(t, []core.NodeID{a, b, c}, children, "sibling chain preserves insertion order")

	sibs, err := s.Siblings(b)
	require.NoError(t, err)
	assert.Equal(t, []core.NodeID{a, c}, sibs)

	sibs, err = s.Siblings(root)
	require.NoError(t, err)
	assert.Empty(t, sibs, "root has no siblings")
}

func TestStore_AncestorsAndDescendants(t *testing.T) {
	s := newStore(t, 16)
	root, a, _, _ := buildTree(t, s)

	leaf, err := s.AllocateNode(core.LevelStatement)
	require.NoError(t, err)
	require.NoError(t, s.AppendChild(a, leaf))

	anc, err := s.Ancestors(leaf)
	require.NoError(t, err)
	assert.Equal(t, []core.NodeID{a, root}, anc, "nearest ancestor first")

	n, err := s.DescendantCount(root)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = s.DescendantCount(leaf)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_Reopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Create(dir, 16)
	require.NoError(t, err)
	root, a, b, c := buildTree(t, s)
	require.NoError(t, s.Sync())
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, uint32(4), s2.Count())
	assert.Equal(t, uint32(16), s2.Capacity())

	children, err := s2.Children(root)
	require.NoError(t, err)
	assert.Equal(t, []core.NodeID{a, b, c}, children)

	lvl, err := s2.Level(root)
	require.NoError(t, err)
	assert.Equal(t, core.LevelMessage, lvl)
}

func TestStore_OpenRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()

	s, err := Create(dir, 4)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	path := filepath.Join(dir, parentFilename)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("XXXX"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(dir)
	assert.ErrorIs(t, err, ErrCorrupted)
}
