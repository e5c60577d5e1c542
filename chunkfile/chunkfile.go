// Package chunkfile implements the crash-safe, chunked on-disk container
// that backs one physical volume: a single file divided into fixed-size
// chunks, linked into chains, with a two-phase-commit header that makes a
// crash between writes either fully visible or fully invisible, never
// half-applied.
package chunkfile

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/shelfdb/shelfdb/digest"
	"github.com/shelfdb/shelfdb/status"
)

// ChunkUid addresses a chunk by its byte offset in the file.
type ChunkUid int64

// InvalidChunkUid marks the end of a chain or an empty free list.
const InvalidChunkUid ChunkUid = math.MaxInt64

// formatVersion feeds the compatibility stamp; bump it whenever the on-disk
// layout changes in a way that makes old files unreadable.
const formatVersion = 1

const (
	offCompatibilityStamp = 0
)

// transactionalData is the committed (file size, free list head) pair kept
// in the header. The header's other fields are not described by a type:
// Bloom and the preserved-chunk record have policy-dependent size, so their
// offsets are computed per-File rather than as package constants.
type transactionalData struct {
	FileSize  int64
	FreeSpace ChunkUid
}

const transactionalDataSize = 8 + 8

// File is an open, crash-safe chunk container. All mutation goes through a
// single Transaction at a time (writeMu enforces this); reads proceed
// concurrently through a bounded pool of independent file handles sharing
// the same Sync source of truth.
type File struct {
	path   string
	policy Policy

	writeMu sync.Mutex
	w       *os.File

	lock *flock.Flock

	readers *readerPool

	newlyCreated bool
	sticky       status.Sticky

	offTransactionalData ChunkUid
	offTransaction       ChunkUid
	offTransactionCRC    ChunkUid
	offPreservedChunk    ChunkUid
	offPreservedTarget   ChunkUid
	offPreservedRecord   ChunkUid
	headerSize           int64
}

func computeOffsets(p Policy) (f File) {
	f.policy = p
	off := ChunkUid(offCompatibilityStamp + 8 + p.BloomSize)
	f.offTransactionalData = off
	off += transactionalDataSize
	f.offTransaction = off
	off += transactionalDataSize
	f.offTransactionCRC = off
	off += 8
	f.offPreservedChunk = off
	f.offPreservedTarget = off
	f.offPreservedRecord = off + 8
	f.headerSize = int64(f.offPreservedRecord) + recordSize(p.ChunkSize)
	return f
}

// RootChunkUid is the well-known UID of the root B-tree node's chunk chain:
// the first chunk immediately following the header, exactly as
// HeaderOffsets::of_Root defined it in the original layout.
func (f *File) RootChunkUid() ChunkUid { return ChunkUid(f.headerSize) }

// Open opens (creating if necessary) the chunk file at path under an
// inter-process advisory lock, deploying a fresh header for a new file or
// validating compatibility and replaying any pending transaction for an
// existing one.
func Open(path string, policy Policy) (*File, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, status.ErrIoError
	}
	if !locked {
		return nil, status.ErrAlreadyOpened
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		lock.Unlock()
		return nil, status.ErrUnableToOpen
	}

	_, statErr := os.Stat(path)
	newlyCreated := os.IsNotExist(statErr)

	w, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		lock.Unlock()
		return nil, status.ErrUnableToOpen
	}

	base := computeOffsets(policy)
	f := &File{
		path:                 path,
		policy:               policy,
		w:                    w,
		lock:                 lock,
		newlyCreated:         newlyCreated,
		offTransactionalData: base.offTransactionalData,
		offTransaction:       base.offTransaction,
		offTransactionCRC:    base.offTransactionCRC,
		offPreservedChunk:    base.offPreservedChunk,
		offPreservedTarget:   base.offPreservedTarget,
		offPreservedRecord:   base.offPreservedRecord,
		headerSize:           base.headerSize,
	}

	if newlyCreated {
		if err := f.deploy(); err != nil {
			w.Close()
			lock.Unlock()
			return nil, err
		}
	} else {
		if err := f.checkCompatibility(); err != nil {
			w.Close()
			lock.Unlock()
			return nil, err
		}
		if err := f.commitPending(); err != nil {
			w.Close()
			lock.Unlock()
			return nil, err
		}
	}

	pool, err := newReaderPool(path, policy.ReaderNumber)
	if err != nil {
		w.Close()
		lock.Unlock()
		return nil, err
	}
	f.readers = pool

	return f, nil
}

// Close releases the reader pool and the inter-process file lock. Any
// transaction still open at this point was already rolled back by its own
// Rollback/Commit call; Close does not itself abort anything.
func (f *File) Close() error {
	f.readers.close()
	werr := f.w.Close()
	_ = f.lock.Unlock()
	if werr != nil {
		return status.ErrIoError
	}
	return nil
}

// Status reports the latched fatal error, if the file has become unusable.
func (f *File) Status() error { return f.sticky.Err() }

// NewlyCreated reports whether Open initialized a fresh file.
func (f *File) NewlyCreated() bool { return f.newlyCreated }

// Policy returns the parameters this file was opened with.
func (f *File) Policy() Policy { return f.policy }

func (f *File) compatibilityStamp() uint64 {
	buf := make([]byte, 0, 40)
	put := func(v int) { buf = binary.BigEndian.AppendUint64(buf, uint64(v)) }
	buf = binary.BigEndian.AppendUint64(buf, uint64(formatVersion))
	put(f.policy.ChunkSize)
	put(f.policy.BloomSize)
	put(f.policy.BloomFnCount)
	put(f.policy.BloomPrecision)
	return digest.OfBytes(buf)
}

func (f *File) deploy() error {
	if err := f.w.Truncate(f.headerSize); err != nil {
		return f.fail(status.ErrIoError)
	}

	stamp := f.compatibilityStamp()
	if err := f.writeAt(offCompatibilityStamp, u64bytes(stamp)); err != nil {
		return err
	}

	emptyBloom := make([]byte, f.policy.BloomSize)
	if err := f.writeAt(int64(8), emptyBloom); err != nil {
		return err
	}

	td := transactionalData{FileSize: f.headerSize, FreeSpace: InvalidChunkUid}
	if err := f.writeTransactionalData(f.offTransactionalData, td); err != nil {
		return err
	}

	// Fill the transaction CRC slot with a value that will not match the
	// (garbage) transaction copy: commitPending treats a non-zero,
	// non-matching CRC as a torn transaction, rolls back to the committed
	// state and then clears the slot to zero ("no pending transaction").
	if err := f.writeAt(int64(f.offTransactionCRC), u64bytes(^uint64(0))); err != nil {
		return err
	}

	if err := f.writeAt(int64(f.offPreservedTarget), i64bytes(int64(InvalidChunkUid))); err != nil {
		return err
	}

	return nil
}

func (f *File) checkCompatibility() error {
	buf := make([]byte, 8)
	if _, err := f.w.ReadAt(buf, offCompatibilityStamp); err != nil {
		return f.fail(status.ErrIoError)
	}
	if binary.BigEndian.Uint64(buf) != f.compatibilityStamp() {
		return f.fail(status.ErrIncompatibleFile)
	}
	return nil
}

func (f *File) writeTransactionalData(off ChunkUid, td transactionalData) error {
	buf := make([]byte, transactionalDataSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(td.FileSize))
	binary.BigEndian.PutUint64(buf[8:16], uint64(td.FreeSpace))
	return f.writeAt(int64(off), buf)
}

func (f *File) readTransactionalData(off ChunkUid) (transactionalData, error) {
	buf := make([]byte, transactionalDataSize)
	if _, err := f.w.ReadAt(buf, int64(off)); err != nil && err != io.EOF {
		return transactionalData{}, f.fail(status.ErrIoError)
	}
	return transactionalData{
		FileSize:  int64(binary.BigEndian.Uint64(buf[0:8])),
		FreeSpace: ChunkUid(binary.BigEndian.Uint64(buf[8:16])),
	}, nil
}

func (f *File) writeAt(off int64, p []byte) error {
	n, err := f.w.WriteAt(p, off)
	if err != nil || n != len(p) {
		return f.fail(status.ErrIoError)
	}
	return nil
}

// SnapshotTo writes a point-in-time copy of the committed file contents to
// w, excluding anything staged in an open-but-uncommitted transaction. It
// blocks concurrent commits for the duration of the copy.
func (f *File) SnapshotTo(w io.Writer) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	td, err := f.readTransactionalData(f.offTransactionalData)
	if err != nil {
		return err
	}
	sr := io.NewSectionReader(f.w, 0, td.FileSize)
	if _, err := io.Copy(w, sr); err != nil {
		return f.fail(status.ErrIoError)
	}
	return nil
}

// ReadBloomBits returns the persisted bloom filter bitmap region of the
// header.
func (f *File) ReadBloomBits() ([]byte, error) {
	buf := make([]byte, f.policy.BloomSize)
	if _, err := f.w.ReadAt(buf, 8); err != nil && err != io.EOF {
		return nil, f.fail(status.ErrIoError)
	}
	return buf, nil
}

// WriteBloomBits persists the bloom filter bitmap. It is written outside
// any Transaction: the filter is an advisory index (a false positive only
// costs an extra failed lookup, see bloom.Filter), so it does not need the
// same crash-atomicity guarantees as the B-tree itself.
func (f *File) WriteBloomBits(bits []byte) error {
	if len(bits) != f.policy.BloomSize {
		return status.ErrInvalidData
	}
	return f.writeAt(8, bits)
}

func (f *File) fail(err error) error {
	f.sticky.Set(err)
	return err
}

func u64bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func i64bytes(v int64) []byte { return u64bytes(uint64(v)) }
