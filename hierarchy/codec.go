package hierarchy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/hupe1980/recall/core"
)

// WAL payload encodings, little-endian. Every payload starts with the
// node id the operation applies to, so replay is deterministic and
// idempotent: an id below the current relations count was already
// materialized and only needs its in-memory state rebuilt.

var errShortPayload = errors.New("hierarchy: short wal payload")

type createAgentPayload struct {
	ID      core.NodeID
	AgentID string
}

func encodeCreateAgent(p createAgentPayload) []byte {
	buf := make([]byte, 0, 8+len(p.AgentID))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.ID))
	return appendString(buf, p.AgentID)
}

func decodeCreateAgent(b []byte) (createAgentPayload, error) {
	if len(b) < 8 {
		return createAgentPayload{}, errShortPayload
	}
	id := core.NodeID(binary.LittleEndian.Uint32(b))
	s, _, err := readString(b[4:])
	if err != nil {
		return createAgentPayload{}, err
	}
	return createAgentPayload{ID: id, AgentID: s}, nil
}

type createSessionPayload struct {
	ID        core.NodeID
	Parent    core.NodeID
	SessionID string
}

func encodeCreateSession(p createSessionPayload) []byte {
	buf := make([]byte, 0, 12+len(p.SessionID))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.ID))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.Parent))
	return appendString(buf, p.SessionID)
}

func decodeCreateSession(b []byte) (createSessionPayload, error) {
	if len(b) < 12 {
		return createSessionPayload{}, errShortPayload
	}
	p := createSessionPayload{
		ID:     core.NodeID(binary.LittleEndian.Uint32(b)),
		Parent: core.NodeID(binary.LittleEndian.Uint32(b[4:])),
	}
	s, _, err := readString(b[8:])
	if err != nil {
		return createSessionPayload{}, err
	}
	p.SessionID = s
	return p, nil
}

type createNodePayload struct {
	ID     core.NodeID
	Parent core.NodeID
	Level  core.Level
}

func encodeCreateNode(p createNodePayload) []byte {
	buf := make([]byte, 9)
	binary.LittleEndian.PutUint32(buf, uint32(p.ID))
	binary.LittleEndian.PutUint32(buf[4:], uint32(p.Parent))
	buf[8] = byte(p.Level)
	return buf
}

func decodeCreateNode(b []byte) (createNodePayload, error) {
	if len(b) < 9 {
		return createNodePayload{}, errShortPayload
	}
	return createNodePayload{
		ID:     core.NodeID(binary.LittleEndian.Uint32(b)),
		Parent: core.NodeID(binary.LittleEndian.Uint32(b[4:])),
		Level:  core.Level(b[8]),
	}, nil
}

type setEmbeddingPayload struct {
	ID     core.NodeID
	Vector []float32
}

func encodeSetEmbedding(p setEmbeddingPayload) []byte {
	buf := make([]byte, 0, 8+4*len(p.Vector))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.ID))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.Vector))) //nolint:gosec // dimension is small
	for _, f := range p.Vector {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	return buf
}

func decodeSetEmbedding(b []byte) (setEmbeddingPayload, error) {
	if len(b) < 8 {
		return setEmbeddingPayload{}, errShortPayload
	}
	p := setEmbeddingPayload{ID: core.NodeID(binary.LittleEndian.Uint32(b))}
	n := int(binary.LittleEndian.Uint32(b[4:]))
	if len(b) < 8+4*n {
		return setEmbeddingPayload{}, errShortPayload
	}
	p.Vector = make([]float32, n)
	for i := range p.Vector {
		p.Vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[8+4*i:]))
	}
	return p, nil
}

type setTextPayload struct {
	ID   core.NodeID
	Text string
}

func encodeSetText(p setTextPayload) []byte {
	buf := make([]byte, 0, 8+len(p.Text))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.ID))
	return appendString(buf, p.Text)
}

func decodeSetText(b []byte) (setTextPayload, error) {
	if len(b) < 8 {
		return setTextPayload{}, errShortPayload
	}
	id := core.NodeID(binary.LittleEndian.Uint32(b))
	s, _, err := readString(b[4:])
	if err != nil {
		return setTextPayload{}, err
	}
	return setTextPayload{ID: id, Text: s}, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s))) //nolint:gosec // bounded by WAL MaxPayload
	return append(buf, s...)
}

func readString(b []byte) (string, int, error) {
	if len(b) < 4 {
		return "", 0, errShortPayload
	}
	n := int(binary.LittleEndian.Uint32(b))
	if len(b) < 4+n {
		return "", 0, fmt.Errorf("%w: declared string length %d", errShortPayload, n)
	}
	return string(b[4 : 4+n]), 4 + n, nil
}
