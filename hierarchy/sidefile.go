package hierarchy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/recall/core"
)

// Node metadata and text content live in two snapshot side files,
// replaced atomically as whole blobs at sync/close. They sit outside
// WAL protection: a crash between the primary-store sync and the side
// file write loses only metadata written since the last checkpoint,
// which replay reconstructs from the log. Best effort, documented.

const (
	metadataBlobName = "metadata.dat"
	textsBlobName    = "texts.dat"

	metadataVersion    = 1
	metadataHeaderSize = 12
	metadataRecordSize = 24

	noString = ^uint32(0)
)

// MetadataMagic identifies the node metadata side file.
var MetadataMagic = [4]byte{'M', 'E', 'M', 'O'}

// Codec selects the compression applied to the text side file.
type Codec uint8

const (
	// CodecNone stores text uncompressed.
	CodecNone Codec = iota
	// CodecZstd compresses text with zstd. Default.
	CodecZstd
	// CodecLZ4 compresses text with lz4, trading ratio for speed.
	CodecLZ4
)

// encodeMetadata serializes per-node metadata records followed by a
// string table of the unique agent/session identifiers.
func encodeMetadata(metas []meta) []byte {
	strIdx := make(map[string]uint32)
	var strs []string
	intern := func(s string) uint32 {
		if s == "" {
			return noString
		}
		if i, ok := strIdx[s]; ok {
			return i
		}
		i := uint32(len(strs)) //nolint:gosec // bounded by node count
		strIdx[s] = i
		strs = append(strs, s)
		return i
	}

	buf := make([]byte, 0, metadataHeaderSize+metadataRecordSize*len(metas))
	buf = append(buf, MetadataMagic[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, metadataVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(metas))) //nolint:gosec // node count fits uint32

	for i := range metas {
		m := &metas[i]
		buf = binary.LittleEndian.AppendUint64(buf, uint64(m.createdAt)) //nolint:gosec // non-negative timestamps
		buf = binary.LittleEndian.AppendUint32(buf, m.slot)
		buf = binary.LittleEndian.AppendUint32(buf, intern(m.agent))
		buf = binary.LittleEndian.AppendUint32(buf, intern(m.session))
		var flags byte
		if m.hasEmbed {
			flags |= 1
		}
		buf = append(buf, flags, 0, 0, 0)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(strs))) //nolint:gosec // bounded by node count
	for _, s := range strs {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s))) //nolint:gosec // identifier strings are short
		buf = append(buf, s...)
	}
	return buf
}

func decodeMetadata(b []byte) ([]meta, error) {
	if len(b) < metadataHeaderSize {
		return nil, fmt.Errorf("%w: metadata side file too short", ErrCorrupted)
	}
	if [4]byte(b[0:4]) != MetadataMagic {
		return nil, fmt.Errorf("%w: bad metadata magic", ErrCorrupted)
	}
	if v := binary.LittleEndian.Uint32(b[4:8]); v != metadataVersion {
		return nil, fmt.Errorf("%w: unsupported metadata version %d", ErrCorrupted, v)
	}
	count := int(binary.LittleEndian.Uint32(b[8:12]))
	if len(b) < metadataHeaderSize+count*metadataRecordSize {
		return nil, fmt.Errorf("%w: metadata side file truncated", ErrCorrupted)
	}

	type rawRec struct {
		agentIdx, sessionIdx uint32
	}
	metas := make([]meta, count)
	raws := make([]rawRec, count)
	off := metadataHeaderSize
	for i := 0; i < count; i++ {
		rec := b[off : off+metadataRecordSize]
		metas[i] = meta{
			createdAt: int64(binary.LittleEndian.Uint64(rec[0:8])), //nolint:gosec // round-trip of encodeMetadata
			slot:      binary.LittleEndian.Uint32(rec[8:12]),
			hasEmbed:  rec[20]&1 != 0,
		}
		raws[i] = rawRec{
			agentIdx:   binary.LittleEndian.Uint32(rec[12:16]),
			sessionIdx: binary.LittleEndian.Uint32(rec[16:20]),
		}
		off += metadataRecordSize
	}

	if len(b) < off+4 {
		return nil, fmt.Errorf("%w: metadata string table missing", ErrCorrupted)
	}
	n := int(binary.LittleEndian.Uint32(b[off:]))
	off += 4
	strs := make([]string, n)
	for i := 0; i < n; i++ {
		if len(b) < off+4 {
			return nil, fmt.Errorf("%w: metadata string table truncated", ErrCorrupted)
		}
		l := int(binary.LittleEndian.Uint32(b[off:]))
		off += 4
		if len(b) < off+l {
			return nil, fmt.Errorf("%w: metadata string table truncated", ErrCorrupted)
		}
		strs[i] = string(b[off : off+l])
		off += l
	}

	lookup := func(idx uint32) (string, error) {
		if idx == noString {
			return "", nil
		}
		if int(idx) >= len(strs) {
			return "", fmt.Errorf("%w: metadata string index %d out of range", ErrCorrupted, idx)
		}
		return strs[idx], nil
	}
	for i := range metas {
		var err error
		if metas[i].agent, err = lookup(raws[i].agentIdx); err != nil {
			return nil, err
		}
		if metas[i].session, err = lookup(raws[i].sessionIdx); err != nil {
			return nil, err
		}
	}
	return metas, nil
}

// encodeTexts serializes the text table as a codec byte followed by the
// (possibly compressed) entries.
func encodeTexts(texts map[core.NodeID]string, codec Codec) ([]byte, error) {
	body := make([]byte, 0, 64)
	body = binary.LittleEndian.AppendUint32(body, uint32(len(texts))) //nolint:gosec // node count fits uint32
	for id, text := range texts {
		body = binary.LittleEndian.AppendUint32(body, uint32(id))
		body = binary.LittleEndian.AppendUint32(body, uint32(len(text))) //nolint:gosec // bounded by WAL MaxPayload
		body = append(body, text...)
	}

	switch codec {
	case CodecNone:
		return append([]byte{byte(CodecNone)}, body...), nil
	case CodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("hierarchy: init zstd: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(body, []byte{byte(CodecZstd)}), nil
	case CodecLZ4:
		var out bytes.Buffer
		out.WriteByte(byte(CodecLZ4))
		w := lz4.NewWriter(&out)
		if _, err := w.Write(body); err != nil {
			return nil, fmt.Errorf("hierarchy: lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("hierarchy: lz4 flush: %w", err)
		}
		return out.Bytes(), nil
	default:
		return nil, fmt.Errorf("hierarchy: unknown text codec %d", codec)
	}
}

func decodeTexts(b []byte) (map[core.NodeID]string, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty text side file", ErrCorrupted)
	}

	var body []byte
	switch Codec(b[0]) {
	case CodecNone:
		body = b[1:]
	case CodecZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("hierarchy: init zstd: %w", err)
		}
		defer dec.Close()
		if body, err = dec.DecodeAll(b[1:], nil); err != nil {
			return nil, fmt.Errorf("%w: zstd decode: %v", ErrCorrupted, err)
		}
	case CodecLZ4:
		var err error
		if body, err = io.ReadAll(lz4.NewReader(bytes.NewReader(b[1:]))); err != nil {
			return nil, fmt.Errorf("%w: lz4 decode: %v", ErrCorrupted, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown text codec %d", ErrCorrupted, b[0])
	}

	if len(body) < 4 {
		return nil, fmt.Errorf("%w: text table truncated", ErrCorrupted)
	}
	count := int(binary.LittleEndian.Uint32(body))
	texts := make(map[core.NodeID]string, count)
	off := 4
	for i := 0; i < count; i++ {
		if len(body) < off+8 {
			return nil, fmt.Errorf("%w: text table truncated", ErrCorrupted)
		}
		id := core.NodeID(binary.LittleEndian.Uint32(body[off:]))
		l := int(binary.LittleEndian.Uint32(body[off+4:]))
		off += 8
		if len(body) < off+l {
			return nil, fmt.Errorf("%w: text table truncated", ErrCorrupted)
		}
		texts[id] = string(body[off : off+l])
		off += l
	}
	return texts, nil
}
