package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Entry wire format, little-endian:
//
//	magic   [4]byte "WAL0"
//	crc     uint32  CRC32-IEEE of the payload
//	seq     uint64
//	ts      uint64  wall clock, nanoseconds
//	op      uint8
//	length  uint32  payload bytes
//	payload [length]byte
const headerSize = 4 + 4 + 8 + 8 + 1 + 4

// Magic identifies a WAL entry header.
var Magic = [4]byte{'W', 'A', 'L', '0'}

var (
	// ErrCorrupt is returned when replay hits a corrupt entry in the
	// body of the log. A corrupt or truncated tail is not an error.
	ErrCorrupt = errors.New("wal: corrupt entry in log body")
	// ErrPayloadTooLarge is returned when an append exceeds MaxPayload.
	ErrPayloadTooLarge = errors.New("wal: payload too large")
	// ErrClosed is returned when using a closed WAL.
	ErrClosed = errors.New("wal: closed")
)

func crcOf(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

func encodeEntry(buf []byte, e Entry) []byte {
	var hdr [headerSize]byte
	copy(hdr[0:4], Magic[:])
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(e.Payload))
	binary.LittleEndian.PutUint64(hdr[8:16], e.Seq)
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(e.Timestamp)) //nolint:gosec // timestamps are non-negative
	hdr[24] = byte(e.Op)
	binary.LittleEndian.PutUint32(hdr[25:29], uint32(len(e.Payload))) //nolint:gosec // bounded by MaxPayload

	buf = append(buf, hdr[:]...)
	return append(buf, e.Payload...)
}

// decodeHeader parses an entry header. It returns the declared payload
// length and the expected payload CRC.
func decodeHeader(hdr []byte, maxPayload int) (e Entry, payloadLen int, crc uint32, err error) {
	if [4]byte(hdr[0:4]) != Magic {
		return Entry{}, 0, 0, errors.New("wal: bad entry magic")
	}
	crc = binary.LittleEndian.Uint32(hdr[4:8])
	e.Seq = binary.LittleEndian.Uint64(hdr[8:16])
	e.Timestamp = int64(binary.LittleEndian.Uint64(hdr[16:24])) //nolint:gosec // round-trip of encodeEntry
	e.Op = OpType(hdr[24])
	payloadLen = int(binary.LittleEndian.Uint32(hdr[25:29]))
	if payloadLen > maxPayload {
		return Entry{}, 0, 0, fmt.Errorf("wal: declared payload length %d exceeds limit %d", payloadLen, maxPayload)
	}
	return e, payloadLen, crc, nil
}
