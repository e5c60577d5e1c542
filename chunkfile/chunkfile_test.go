package chunkfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func testPolicy() Policy {
	return Policy{ChunkSize: 64, BloomSize: 32, BloomFnCount: 4, BloomPrecision: 4, ReaderNumber: 4}
}

func openTemp(t *testing.T) (*File, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "data.jb")
	f, err := Open(path, testPolicy())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f, path
}

func TestOpenFreshFileIsNewlyCreated(t *testing.T) {
	f, _ := openTemp(t)
	if !f.NewlyCreated() {
		t.Fatal("expected NewlyCreated on a fresh file")
	}
	if f.RootChunkUid() != ChunkUid(f.headerSize) {
		t.Fatalf("RootChunkUid should equal header size, got %d vs %d", f.RootChunkUid(), f.headerSize)
	}
}

func TestWriteChainThenReadBack(t *testing.T) {
	f, _ := openTemp(t)
	payload := bytes.Repeat([]byte("0123456789"), 20) // spans multiple 64-byte chunks

	tx, err := f.OpenTransaction()
	if err != nil {
		t.Fatal(err)
	}
	head, err := tx.WriteChain(payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	got, err := f.ReadChain(head)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round-trip mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestRollbackWithoutCommitLeavesNoTrace(t *testing.T) {
	f, path := openTemp(t)
	sizeBefore := fileSize(t, path)

	tx, err := f.OpenTransaction()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.WriteChain([]byte("should vanish")); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}

	if got := fileSize(t, path); got != sizeBefore {
		t.Fatalf("file grew across a rolled-back transaction: %d -> %d", sizeBefore, got)
	}
}

func TestCloseWithoutCommitRollsBack(t *testing.T) {
	f, path := openTemp(t)
	sizeBefore := fileSize(t, path)

	func() {
		tx, err := f.OpenTransaction()
		if err != nil {
			t.Fatal(err)
		}
		defer tx.Close()
		if _, err := tx.WriteChain([]byte("never committed")); err != nil {
			t.Fatal(err)
		}
	}()

	if got := fileSize(t, path); got != sizeBefore {
		t.Fatalf("file grew despite an uncommitted, closed transaction: %d -> %d", sizeBefore, got)
	}

	// The file must still be usable for a following transaction.
	tx, err := f.OpenTransaction()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Close()
	if _, err := tx.WriteChain([]byte("ok")); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestCommitThenReopenSurvives(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.jb")
	policy := testPolicy()

	f, err := Open(path, policy)
	if err != nil {
		t.Fatal(err)
	}
	tx, err := f.OpenTransaction()
	if err != nil {
		t.Fatal(err)
	}
	head, err := tx.WriteChain([]byte("durable payload"))
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	f2, err := Open(path, policy)
	if err != nil {
		t.Fatal(err)
	}
	defer f2.Close()
	if f2.NewlyCreated() {
		t.Fatal("reopened file reported as newly created")
	}
	got, err := f2.ReadChain(head)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "durable payload" {
		t.Fatalf("got %q", got)
	}
}

func TestFreeListReusesErasedChunk(t *testing.T) {
	f, _ := openTemp(t)

	tx, err := f.OpenTransaction()
	if err != nil {
		t.Fatal(err)
	}
	head, err := tx.WriteChain([]byte("short"))
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx2, err := f.OpenTransaction()
	if err != nil {
		t.Fatal(err)
	}
	if err := tx2.EraseChain(head); err != nil {
		t.Fatal(err)
	}
	reused, err := tx2.WriteChain([]byte("new"))
	if err != nil {
		t.Fatal(err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatal(err)
	}

	if reused != head {
		t.Fatalf("expected free list reuse to hand back uid %d, got %d", head, reused)
	}
}

func TestOverwriteChainPreservesHeadUid(t *testing.T) {
	f, _ := openTemp(t)

	tx, err := f.OpenTransaction()
	if err != nil {
		t.Fatal(err)
	}
	head, err := tx.WriteChain([]byte("original value, short"))
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx2, err := f.OpenTransaction()
	if err != nil {
		t.Fatal(err)
	}
	long := bytes.Repeat([]byte("x"), 200)
	if err := tx2.OverwriteChain(head, long); err != nil {
		t.Fatal(err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatal(err)
	}

	got, err := f.ReadChain(head)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, long) {
		t.Fatalf("overwrite through preserved UID did not round-trip: got %d bytes, want %d", len(got), len(long))
	}
}

func TestTornPendingTransactionIsRolledBackOnReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.jb")
	policy := testPolicy()

	f, err := Open(path, policy)
	if err != nil {
		t.Fatal(err)
	}
	tx, err := f.OpenTransaction()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.WriteChain([]byte("committed baseline")); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	committedSize := fileSize(t, path)

	// Simulate a crash mid-commit: grow the file the way a pending
	// transaction would (more chunks allocated), stage a transactional_data
	// record reflecting that growth, but write a CRC that does not match it
	// (a torn/corrupted write). On reopen this must be detected as invalid
	// and rolled back, truncating the file back to the last committed size.
	tx2, err := f.OpenTransaction()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx2.WriteChain(bytes.Repeat([]byte("y"), 300)); err != nil {
		t.Fatal(err)
	}
	if err := tx2.f.writeTransactionalData(tx2.f.offTransaction, tx2.cur); err != nil {
		t.Fatal(err)
	}
	if err := tx2.f.writeAt(int64(tx2.f.offTransactionCRC), u64bytes(0xdeadbeef)); err != nil {
		t.Fatal(err)
	}
	if err := tx2.f.w.Sync(); err != nil {
		t.Fatal(err)
	}
	tx2.done = true // pretend the process died before Commit finished

	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	f2, err := Open(path, policy)
	if err != nil {
		t.Fatal(err)
	}
	defer f2.Close()

	if got := fileSize(t, path); got != committedSize {
		t.Fatalf("torn pending transaction left file grown: got %d bytes, want %d (the committed size)", got, committedSize)
	}
}

func TestSecondOpenOfSameFileFails(t *testing.T) {
	_, path := openTemp(t)
	if _, err := Open(path, testPolicy()); err == nil {
		t.Fatal("expected second Open of the same path to fail under the inter-process lock")
	}
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return info.Size()
}
