package chunkfile

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/shelfdb/shelfdb/digest"
	"github.com/shelfdb/shelfdb/status"
)

// Transaction is the single write-side handle to a File. Only one can be
// open at a time (File.OpenTransaction blocks on writeMu); every chunk
// write it performs lands on disk immediately, but the file only considers
// those writes real once Commit atomically swaps the header's transactional
// pointers (file size, free list head) to the new values. A Transaction
// ends only through Commit, Rollback or Close; one that is dropped without
// any of them is not rolled back and keeps the write lock held.
type Transaction struct {
	f    *File
	orig transactionalData
	cur  transactionalData

	preservedTarget ChunkUid
	preservedRecord []byte

	committed bool
	done      bool
}

// OpenTransaction begins the single writer transaction for f, blocking
// until any previous transaction on this File has been committed or
// rolled back.
func (f *File) OpenTransaction() (*Transaction, error) {
	if err := f.Status(); err != nil {
		return nil, err
	}
	f.writeMu.Lock()
	orig, err := f.readTransactionalData(f.offTransactionalData)
	if err != nil {
		f.writeMu.Unlock()
		return nil, err
	}
	return &Transaction{f: f, orig: orig, cur: orig, preservedTarget: InvalidChunkUid}, nil
}

// RootUid returns the chunk UID of the B-tree root as of the start of this
// transaction's commit epoch (the file's RootChunkUid is a fixed location,
// not a movable pointer: root content lives at a fixed chunk chain head,
// identical in spirit to the original's of_Root constant).
func (t *Transaction) RootUid() ChunkUid { return t.f.RootChunkUid() }

// FileSize returns the proposed file size as of this transaction's current
// (uncommitted) state.
func (t *Transaction) FileSize() int64 { return t.cur.FileSize }

func (t *Transaction) allocate() (ChunkUid, error) {
	if t.cur.FreeSpace != InvalidChunkUid {
		uid := t.cur.FreeSpace
		buf := make([]byte, chunkHeaderSize)
		if _, err := t.f.w.ReadAt(buf, int64(uid)); err != nil && err != io.EOF {
			return 0, t.f.fail(status.ErrIoError)
		}
		t.cur.FreeSpace = ChunkUid(binary.BigEndian.Uint64(buf[12:20]))
		return uid, nil
	}
	uid := ChunkUid(t.cur.FileSize)
	t.cur.FileSize += recordSize(t.f.policy.ChunkSize)
	if err := t.f.w.Truncate(t.cur.FileSize); err != nil {
		return 0, t.f.fail(status.ErrIoError)
	}
	return uid, nil
}

func (t *Transaction) writeChunk(uid ChunkUid, c *chunk) error {
	buf := make([]byte, recordSize(t.f.policy.ChunkSize))
	c.encode(buf)
	return t.f.writeAt(int64(uid), buf)
}

func (t *Transaction) readChunk(uid ChunkUid) (*chunk, error) {
	buf := make([]byte, recordSize(t.f.policy.ChunkSize))
	if _, err := t.f.w.ReadAt(buf, int64(uid)); err != nil && err != io.EOF {
		return nil, t.f.fail(status.ErrIoError)
	}
	return decodeChunk(buf), nil
}

// WriteChain serializes data into a freshly allocated chunk chain and
// returns the UID of its head chunk.
func (t *Transaction) WriteChain(data []byte) (ChunkUid, error) {
	payloadSize := t.f.policy.ChunkSize
	if len(data) == 0 {
		uid, err := t.allocate()
		if err != nil {
			return 0, err
		}
		c := newChunk(payloadSize)
		if err := t.writeChunk(uid, c); err != nil {
			return 0, err
		}
		return uid, nil
	}

	var head ChunkUid = InvalidChunkUid
	var prev ChunkUid = InvalidChunkUid
	for off := 0; off < len(data); off += payloadSize {
		end := off + payloadSize
		if end > len(data) {
			end = len(data)
		}
		uid, err := t.allocate()
		if err != nil {
			return 0, err
		}
		if head == InvalidChunkUid {
			head = uid
		}
		if prev != InvalidChunkUid {
			if err := t.linkNext(prev, uid); err != nil {
				return 0, err
			}
		}
		c := newChunk(payloadSize)
		c.usedSize = uint32(end - off)
		copy(c.space, data[off:end])
		if err := t.writeChunk(uid, c); err != nil {
			return 0, err
		}
		prev = uid
	}
	return head, nil
}

func (t *Transaction) linkNext(uid, next ChunkUid) error {
	c, err := t.readChunk(uid)
	if err != nil {
		return err
	}
	c.nextUsed = next
	return t.writeChunk(uid, c)
}

// ReadChain reads the full content of a chain starting at head.
func (t *Transaction) ReadChain(head ChunkUid) ([]byte, error) {
	return t.f.readChain(head)
}

func (f *File) readChain(head ChunkUid) ([]byte, error) {
	var buf bytes.Buffer
	uid := head
	for uid != InvalidChunkUid {
		rec := make([]byte, recordSize(f.policy.ChunkSize))
		if _, err := f.w.ReadAt(rec, int64(uid)); err != nil && err != io.EOF {
			return nil, f.fail(status.ErrIoError)
		}
		c := decodeChunk(rec)
		buf.Write(c.space[:c.usedSize])
		uid = c.nextUsed
	}
	return buf.Bytes(), nil
}

// OverwriteChain replaces the content addressed by head with data while
// preserving head as the chain's UID, so that any index entry pointing at
// head keeps working transparently once the transaction commits. The new
// head chunk's record is staged in the header's preserved-chunk slot and
// copied into place only during Commit; the rest of the new chain (if any)
// is written to fresh chunks exactly like WriteChain. The old continuation
// chunks are scheduled for release.
func (t *Transaction) OverwriteChain(head ChunkUid, data []byte) error {
	if t.preservedTarget != InvalidChunkUid {
		return status.ErrTooManyConcurrentOps // at most one preserved write per transaction
	}

	oldHead, err := t.readChunk(head)
	if err != nil {
		return err
	}
	if err := t.eraseFrom(oldHead.nextUsed); err != nil {
		return err
	}

	payloadSize := t.f.policy.ChunkSize
	newHead := newChunk(payloadSize)
	var tailUID ChunkUid = InvalidChunkUid
	if len(data) > 0 {
		firstEnd := len(data)
		if firstEnd > payloadSize {
			firstEnd = payloadSize
		}
		newHead.usedSize = uint32(firstEnd)
		copy(newHead.space, data[:firstEnd])

		if len(data) > payloadSize {
			tail, err := t.WriteChain(data[payloadSize:])
			if err != nil {
				return err
			}
			tailUID = tail
		}
	}
	newHead.nextUsed = tailUID

	rec := make([]byte, recordSize(payloadSize))
	newHead.encode(rec)

	t.preservedTarget = head
	t.preservedRecord = rec
	return nil
}

// EraseChain releases every chunk in the chain starting at head back to
// the free list, effective once the transaction commits.
func (t *Transaction) EraseChain(head ChunkUid) error {
	return t.eraseFrom(head)
}

func (t *Transaction) eraseFrom(uid ChunkUid) error {
	for uid != InvalidChunkUid {
		c, err := t.readChunk(uid)
		if err != nil {
			return err
		}
		next := uid
		nextUsed := c.nextUsed
		c.nextFree = t.cur.FreeSpace
		if err := t.writeChunk(next, c); err != nil {
			return err
		}
		t.cur.FreeSpace = next
		uid = nextUsed
	}
	return nil
}

// crcOf computes the transaction CRC stored alongside a proposed
// transactional_data: a hash of (file size, free list head), reusing the
// same digest primitive as everywhere else in the file format rather than
// adding a second one just for this check. A CRC of exactly zero is
// reserved to mean "no pending transaction", so it is nudged by one in the
// astronomically unlikely case the hash itself lands on zero.
func crcOf(td transactionalData) uint64 {
	buf := make([]byte, transactionalDataSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(td.FileSize))
	binary.BigEndian.PutUint64(buf[8:16], uint64(td.FreeSpace))
	sum := digest.OfBytes(buf)
	if sum == 0 {
		sum = 1
	}
	return sum
}

// Commit stages the proposed transactional data and preserved chunk (if
// any) behind a CRC, writes it, fsyncs, then applies it — matching the
// original's two-phase commit: a crash before the CRC write leaves the
// previous state intact; a crash after leaves a replayable pending
// transaction that File.commitPending finishes on the next Open.
func (t *Transaction) Commit() error {
	if t.done {
		return nil
	}
	defer func() { t.done = true; t.f.writeMu.Unlock() }()

	if err := t.f.writeTransactionalData(t.f.offTransaction, t.cur); err != nil {
		return err
	}
	if err := t.f.writeAt(int64(t.f.offPreservedTarget), i64bytes(int64(t.preservedTarget))); err != nil {
		return err
	}
	if t.preservedTarget != InvalidChunkUid {
		if err := t.f.writeAt(int64(t.f.offPreservedRecord), t.preservedRecord); err != nil {
			return err
		}
	}
	if err := t.f.writeAt(int64(t.f.offTransactionCRC), u64bytes(crcOf(t.cur))); err != nil {
		return err
	}
	if err := t.f.w.Sync(); err != nil {
		return t.f.fail(status.ErrIoError)
	}

	if err := t.f.applyPending(t.cur, t.preservedTarget, t.preservedRecord); err != nil {
		return err
	}

	t.committed = true
	return nil
}

// Rollback discards every write this transaction made. Chunks allocated
// past the original file size are reclaimed by truncation; chunks that
// existed before the transaction are untouched because nothing references
// their mutated next_free links until the (never-written) new free-list
// head is committed.
func (t *Transaction) Rollback() error {
	if t.done {
		return nil
	}
	defer func() { t.done = true; t.f.writeMu.Unlock() }()

	if err := t.f.w.Truncate(t.orig.FileSize); err != nil {
		return t.f.fail(status.ErrIoError)
	}
	return nil
}

// Close rolls back the transaction if it was never committed, so callers
// can safely `defer tx.Close()` right after OpenTransaction.
func (t *Transaction) Close() error {
	if t.done {
		return nil
	}
	if t.committed {
		t.done = true
		return nil
	}
	return t.Rollback()
}

// applyPending performs the "apply" half of a two-phase commit: copy the
// preserved chunk into place (if staged), write the new transactional
// data over the old, then invalidate the CRC so a crash mid-apply is
// idempotently finished by commitPending on the next Open.
func (f *File) applyPending(td transactionalData, preservedTarget ChunkUid, preservedRecord []byte) error {
	if preservedTarget != InvalidChunkUid {
		if err := f.writeAt(int64(preservedTarget), preservedRecord); err != nil {
			return err
		}
	}
	if err := f.writeTransactionalData(f.offTransactionalData, td); err != nil {
		return err
	}
	if err := f.writeAt(int64(f.offTransactionCRC), u64bytes(0)); err != nil {
		return err
	}
	return f.w.Sync()
}

// commitPending replays a transaction left pending by a crash between the
// CRC write and the final invalidation, or rolls back an invalid (partial)
// one. A CRC of zero means "no pending transaction".
func (f *File) commitPending() error {
	crcBuf := make([]byte, 8)
	if _, err := f.w.ReadAt(crcBuf, int64(f.offTransactionCRC)); err != nil && err != io.EOF {
		return f.fail(status.ErrIoError)
	}
	crc := binary.BigEndian.Uint64(crcBuf)
	if crc == 0 {
		return nil
	}

	proposed, err := f.readTransactionalData(f.offTransaction)
	if err != nil {
		return err
	}
	if crc != crcOf(proposed) {
		// Corrupt or torn transaction record: roll back to the last known-
		// good committed state, truncating away anything the crashed
		// transaction allocated past it, then discard the pending marker.
		committed, err := f.readTransactionalData(f.offTransactionalData)
		if err != nil {
			return err
		}
		if err := f.w.Truncate(committed.FileSize); err != nil {
			return f.fail(status.ErrIoError)
		}
		return f.writeAt(int64(f.offTransactionCRC), u64bytes(0))
	}

	targetBuf := make([]byte, 8)
	if _, err := f.w.ReadAt(targetBuf, int64(f.offPreservedTarget)); err != nil && err != io.EOF {
		return f.fail(status.ErrIoError)
	}
	target := ChunkUid(binary.BigEndian.Uint64(targetBuf))

	var record []byte
	if target != InvalidChunkUid {
		record = make([]byte, recordSize(f.policy.ChunkSize))
		if _, err := f.w.ReadAt(record, int64(f.offPreservedRecord)); err != nil && err != io.EOF {
			return f.fail(status.ErrIoError)
		}
	}

	return f.applyPending(proposed, target, record)
}
