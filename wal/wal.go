// Package wal provides the write-ahead log that makes hierarchy
// mutations durable before they are acknowledged.
//
// Every entry carries a CRC over its payload and a monotonic sequence
// number defining one global order across all logged operations. Replay
// trusts everything before the first validation failure: a corrupt or
// truncated tail is treated as residue of an interrupted write and
// silently discarded, while a corrupt entry in the body of the log
// (with valid data after it) is a fatal error. Maximal recovery over
// strict whole-file validation.
package wal

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const logFilename = "recall.log"

// WAL is a durable append-only operation log.
type WAL struct {
	mu            sync.Mutex
	file          *os.File
	path          string
	size          int64
	seq           uint64
	checkpointSeq uint64
	opsSinceCP    int
	closed        bool

	opts      Options
	cpLimiter *rate.Limiter
	cpRunning bool

	// Group commit worker state.
	dirty  bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open opens or creates the log under dir. An existing log is scanned
// to recover the sequence and checkpoint counters; crash residue at the
// tail is trimmed so new appends start on a clean boundary.
func Open(dir string, optFns ...func(o *Options)) (*WAL, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}
	path := filepath.Join(dir, logFilename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600) //nolint:gosec // G304: path is store-owned
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	w := &WAL{
		file: file,
		path: path,
		opts: opts,
	}
	if opts.AutoCheckpointOps > 0 {
		w.cpLimiter = rate.NewLimiter(rate.Every(opts.AutoCheckpointMinInterval), 1)
	}

	valid, lastSeq, lastCP, err := w.scan(nil)
	if err != nil {
		file.Close()
		return nil, err
	}
	w.size = valid
	w.seq = lastSeq
	w.checkpointSeq = lastCP

	// Drop torn-write residue so the next append starts a valid entry.
	if err := file.Truncate(valid); err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: trim tail of %s: %w", path, err)
	}
	if _, err := file.Seek(valid, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: seek %s: %w", path, err)
	}

	if opts.DurabilityMode == DurabilityGroupCommit {
		w.stopCh = make(chan struct{})
		w.wg.Add(1)
		go w.groupCommitLoop()
	}
	return w, nil
}

// scan reads the log from the start, calling fn (if non-nil) for every
// valid entry including checkpoints. It returns the byte length of the
// valid prefix, the last sequence number, and the last checkpoint
// sequence. A corrupt entry followed by more data fails with ErrCorrupt.
func (w *WAL) scan(fn func(e Entry) error) (valid int64, lastSeq, lastCP uint64, err error) {
	st, err := w.file.Stat()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("wal: stat: %w", err)
	}
	fileSize := st.Size()

	r := bufio.NewReader(io.NewSectionReader(w.file, 0, fileSize))
	var (
		off int64
		hdr [headerSize]byte
	)
	for {
		if _, rerr := io.ReadFull(r, hdr[:]); rerr != nil {
			// Short header at EOF: interrupted write, keep the prefix.
			break
		}
		e, payloadLen, wantCRC, derr := decodeHeader(hdr[:], w.opts.MaxPayload)
		if derr != nil {
			// Bad magic or length. Crash residue always ends the file;
			// a complete entry decodable past this point means the log
			// body itself is damaged, and replay cannot bridge the gap.
			if w.validEntryAfter(off, fileSize) {
				return 0, 0, 0, fmt.Errorf("%w: unreadable entry at offset %d with intact entries after it", ErrCorrupt, off)
			}
			break
		}
		payload := make([]byte, payloadLen)
		if _, rerr := io.ReadFull(r, payload); rerr != nil {
			// Truncated payload: interrupted write, keep the prefix.
			break
		}
		if crcOf(payload) != wantCRC {
			end := off + headerSize + int64(payloadLen)
			if end < fileSize {
				return 0, 0, 0, fmt.Errorf("%w: CRC mismatch at offset %d (seq %d)", ErrCorrupt, off, e.Seq)
			}
			// CRC failure on the final entry: torn write, keep the prefix.
			break
		}
		e.Payload = payload

		if e.Op == OpCheckpoint {
			lastCP = e.Seq
		}
		if fn != nil {
			if ferr := fn(e); ferr != nil {
				return 0, 0, 0, ferr
			}
		}
		lastSeq = e.Seq
		off += headerSize + int64(payloadLen)
	}
	return off, lastSeq, lastCP, nil
}

// validEntryAfter reports whether a complete, CRC-valid entry exists
// anywhere past off. It distinguishes torn-tail residue, which never
// contains one, from a framing failure in the log body.
func (w *WAL) validEntryAfter(off, fileSize int64) bool {
	rem := make([]byte, fileSize-off)
	if _, err := w.file.ReadAt(rem, off); err != nil {
		return false
	}
	for i := 0; i+headerSize <= len(rem); {
		j := bytes.Index(rem[i:], Magic[:])
		if j < 0 {
			return false
		}
		i += j
		if i+headerSize > len(rem) {
			return false
		}
		_, payloadLen, wantCRC, err := decodeHeader(rem[i:i+headerSize], w.opts.MaxPayload)
		if err == nil && i+headerSize+payloadLen <= len(rem) &&
			crcOf(rem[i+headerSize:i+headerSize+payloadLen]) == wantCRC {
			return true
		}
		i++
	}
	return false
}

// Append writes one entry and returns it with the assigned sequence
// number and timestamp. Durability depends on the configured mode;
// Sync forces a flush at any time.
func (w *WAL) Append(op OpType, payload []byte) (Entry, error) {
	if op == OpCheckpoint {
		return Entry{}, fmt.Errorf("wal: checkpoint entries are written via Checkpoint")
	}
	if len(payload) > w.opts.MaxPayload {
		return Entry{}, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), w.opts.MaxPayload)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return Entry{}, ErrClosed
	}

	w.seq++
	e := Entry{
		Seq:       w.seq,
		Timestamp: time.Now().UnixNano(),
		Op:        op,
		Payload:   payload,
	}
	if err := w.write(e); err != nil {
		return Entry{}, err
	}
	w.opsSinceCP++
	return e, nil
}

// MaybeCheckpoint runs the configured checkpoint callback when the
// auto-checkpoint threshold is reached. Callers invoke it only after
// a logged operation has materialized in the primary stores: the
// checkpoint truncates the log, so firing it between Append and the
// store mutation would discard the record of an unmaterialized write.
func (w *WAL) MaybeCheckpoint() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	run := w.shouldAutoCheckpoint()
	if run {
		w.cpRunning = true
	}
	w.mu.Unlock()
	if !run {
		return nil
	}

	err := w.opts.CheckpointFunc()
	w.mu.Lock()
	w.cpRunning = false
	w.mu.Unlock()
	if err != nil {
		return fmt.Errorf("wal: auto checkpoint: %w", err)
	}
	return nil
}

func (w *WAL) shouldAutoCheckpoint() bool {
	return w.opts.AutoCheckpointOps > 0 &&
		w.opts.CheckpointFunc != nil &&
		!w.cpRunning &&
		w.opsSinceCP >= w.opts.AutoCheckpointOps &&
		w.cpLimiter.Allow()
}

// write appends an encoded entry. Caller holds w.mu.
func (w *WAL) write(e Entry) error {
	buf := encodeEntry(nil, e)
	if _, err := w.file.Write(buf); err != nil {
		return fmt.Errorf("wal: write entry: %w", err)
	}
	w.size += int64(len(buf))

	switch w.opts.DurabilityMode {
	case DurabilitySync:
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("wal: fsync: %w", err)
		}
	case DurabilityGroupCommit:
		w.dirty = true
	case DurabilityAsync:
	}
	return nil
}

// Checkpoint appends a checkpoint marker and fsyncs regardless of the
// durability mode. Entries at or before the returned sequence are safe
// to drop once the primary stores are synced.
func (w *WAL) Checkpoint() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}

	w.seq++
	e := Entry{
		Seq:       w.seq,
		Timestamp: time.Now().UnixNano(),
		Op:        OpCheckpoint,
	}
	buf := encodeEntry(nil, e)
	if _, err := w.file.Write(buf); err != nil {
		return 0, fmt.Errorf("wal: write checkpoint: %w", err)
	}
	w.size += int64(len(buf))
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("wal: fsync checkpoint: %w", err)
	}

	w.checkpointSeq = e.Seq
	w.opsSinceCP = 0
	w.dirty = false
	return e.Seq, nil
}

// Truncate resets the log to empty. The sequence counter is preserved
// so ordering stays monotonic across truncations. Call only after a
// checkpoint and a confirmed sync of the primary stores.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek after truncate: %w", err)
	}
	w.size = 0
	w.dirty = false
	return nil
}

// Replay feeds every data entry after the last checkpoint to fn, in
// sequence order. Checkpoint markers advance the recovery boundary but
// are not delivered. fn errors abort replay.
func (w *WAL) Replay(fn func(e Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	var pending []Entry
	_, _, _, err := w.scan(func(e Entry) error {
		if e.Op == OpCheckpoint {
			pending = pending[:0]
			return nil
		}
		pending = append(pending, e)
		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range pending {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Seq returns the last assigned sequence number.
func (w *WAL) Seq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// CheckpointSeq returns the sequence of the last checkpoint marker.
func (w *WAL) CheckpointSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkpointSeq
}

// Size returns the current log size in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Sync flushes buffered writes to disk.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	w.dirty = false
	return nil
}

// Close flushes and closes the log.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	stopCh := w.stopCh
	w.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		w.wg.Wait()
	}

	err := w.file.Sync()
	if cerr := w.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (w *WAL) groupCommitLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.opts.GroupCommitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			flush := w.dirty && !w.closed
			if flush {
				w.dirty = false
			}
			f := w.file
			w.mu.Unlock()
			if flush {
				// fsync outside the lock so appends are not stalled.
				_ = f.Sync()
			}
		}
	}
}
