package btree

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shelfdb/shelfdb/btreecache"
	"github.com/shelfdb/shelfdb/chunkfile"
	"github.com/shelfdb/shelfdb/digest"
	"github.com/shelfdb/shelfdb/status"
	"github.com/shelfdb/shelfdb/value"
)

func openTestFile(t *testing.T) *chunkfile.File {
	t.Helper()
	dir := t.TempDir()
	f, err := chunkfile.Open(filepath.Join(dir, "data.jb"), chunkfile.Policy{
		ChunkSize: 64, BloomSize: 32, BloomFnCount: 4, BloomPrecision: 4, ReaderNumber: 4,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func mustPacked(t *testing.T, n int) value.PackedValue {
	t.Helper()
	return value.PackedValue{Kind: value.KindUint64, Payload: uint64(n)}
}

func TestGetOnEmptyTreeIsNotFound(t *testing.T) {
	f := openTestFile(t)
	tree := Open(f, 4, btreecache.New(64))

	tx, err := f.OpenTransaction()
	if err != nil {
		t.Fatal(err)
	}
	root, err := tree.NewRoot(tx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	if _, err := tree.Get(root, digest.Digest(1)); err != status.ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestPutThenGetManyEntriesForcesSplits(t *testing.T) {
	f := openTestFile(t)
	tree := Open(f, 4, btreecache.New(64)) // small fan-out so inserting a few dozen keys forces splits

	tx, err := f.OpenTransaction()
	if err != nil {
		t.Fatal(err)
	}
	root, err := tree.NewRoot(tx)
	if err != nil {
		t.Fatal(err)
	}

	const n = 200
	for i := 0; i < n; i++ {
		d := digest.Digest(i*2654435761 + 1) // scattered, distinct keys
		var existing chunkfile.ChunkUid
		root, existing, err = tree.PutValue(tx, root, d, mustPacked(t, i), 0, true)
		if err != nil {
			t.Fatalf("PutValue(%d): %v", i, err)
		}
		if existing != chunkfile.InvalidChunkUid {
			t.Fatalf("PutValue(%d): expected fresh insert, found existing subtree", i)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < n; i++ {
		d := digest.Digest(i*2654435761 + 1)
		e, err := tree.Get(root, d)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if e.Value.Payload != uint64(i) {
			t.Fatalf("Get(%d): got payload %d, want %d", i, e.Value.Payload, i)
		}
	}
}

func TestPutExistingWithoutOverwriteFails(t *testing.T) {
	f := openTestFile(t)
	tree := Open(f, 4, btreecache.New(64))

	tx, err := f.OpenTransaction()
	if err != nil {
		t.Fatal(err)
	}
	root, err := tree.NewRoot(tx)
	if err != nil {
		t.Fatal(err)
	}
	root, _, err = tree.PutValue(tx, root, digest.Digest(7), mustPacked(t, 1), 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := tree.PutValue(tx, root, digest.Digest(7), mustPacked(t, 2), 0, false); err != status.ErrAlreadyExists {
		t.Fatalf("got %v, want ErrAlreadyExists", err)
	}
}

func TestSetSubtreeThenGetReflectsIt(t *testing.T) {
	f := openTestFile(t)
	tree := Open(f, 4, btreecache.New(64))

	tx, err := f.OpenTransaction()
	if err != nil {
		t.Fatal(err)
	}
	root, err := tree.NewRoot(tx)
	if err != nil {
		t.Fatal(err)
	}
	root, _, err = tree.PutValue(tx, root, digest.Digest(9), mustPacked(t, 1), 0, true)
	if err != nil {
		t.Fatal(err)
	}
	childRoot, err := tree.NewRoot(tx)
	if err != nil {
		t.Fatal(err)
	}
	root, err = tree.SetSubtree(tx, root, digest.Digest(9), childRoot)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	e, err := tree.Get(root, digest.Digest(9))
	if err != nil {
		t.Fatal(err)
	}
	if e.Subtree != childRoot {
		t.Fatalf("got subtree %d, want %d", e.Subtree, childRoot)
	}
}

func TestDeleteWithChildrenIsRefused(t *testing.T) {
	f := openTestFile(t)
	tree := Open(f, 4, btreecache.New(64))

	tx, err := f.OpenTransaction()
	if err != nil {
		t.Fatal(err)
	}
	root, err := tree.NewRoot(tx)
	if err != nil {
		t.Fatal(err)
	}
	root, _, err = tree.PutValue(tx, root, digest.Digest(3), mustPacked(t, 1), 0, true)
	if err != nil {
		t.Fatal(err)
	}
	childRoot, err := tree.NewRoot(tx)
	if err != nil {
		t.Fatal(err)
	}
	root, err = tree.SetSubtree(tx, root, digest.Digest(3), childRoot)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := tree.Delete(tx, root, digest.Digest(3)); err != status.ErrHasChildren {
		t.Fatalf("got %v, want ErrHasChildren", err)
	}
}

func TestDeleteAllEntriesInRandomOrderLeavesEmptyTree(t *testing.T) {
	f := openTestFile(t)
	tree := Open(f, 4, btreecache.New(64))

	tx, err := f.OpenTransaction()
	if err != nil {
		t.Fatal(err)
	}
	root, err := tree.NewRoot(tx)
	if err != nil {
		t.Fatal(err)
	}

	const n = 150
	digests := make([]digest.Digest, n)
	for i := 0; i < n; i++ {
		digests[i] = digest.Digest(i*2654435761 + 1)
		root, _, err = tree.PutValue(tx, root, digests[i], mustPacked(t, i), 0, true)
		if err != nil {
			t.Fatalf("PutValue(%d): %v", i, err)
		}
	}

	// Delete in a scrambled order so borrow/merge rebalancing exercises
	// internal nodes as well as leaves.
	order := make([]int, n)
	for i := range order {
		order[i] = (i*37 + 11) % n
	}
	seen := map[int]bool{}
	deleteOrder := []int{}
	for _, i := range order {
		if !seen[i] {
			seen[i] = true
			deleteOrder = append(deleteOrder, i)
		}
	}

	for _, i := range deleteOrder {
		root, err = tree.Delete(tx, root, digests[i])
		if err != nil {
			t.Fatalf("Delete(%d): %v", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < n; i++ {
		if _, err := tree.Get(root, digests[i]); err != status.ErrNotFound {
			t.Fatalf("Get(%d) after full deletion: got %v, want ErrNotFound", i, err)
		}
	}
}

func TestDeleteMissingEntryIsNotFound(t *testing.T) {
	f := openTestFile(t)
	tree := Open(f, 4, btreecache.New(64))

	tx, err := f.OpenTransaction()
	if err != nil {
		t.Fatal(err)
	}
	root, err := tree.NewRoot(tx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tree.Delete(tx, root, digest.Digest(123)); err != status.ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestRootUidStableAcrossCommits(t *testing.T) {
	f := openTestFile(t)
	tree := Open(f, 4, btreecache.New(64))

	tx, err := f.OpenTransaction()
	if err != nil {
		t.Fatal(err)
	}
	root, err := tree.NewRoot(tx)
	if err != nil {
		t.Fatal(err)
	}
	fixed := f.RootChunkUid()

	for i := 0; i < 40; i++ {
		var werr error
		root, _, werr = tree.PutValue(tx, root, digest.Digest(i+1), mustPacked(t, i), 0, true)
		if werr != nil {
			t.Fatal(werr)
		}
		// The computed root moves as the tree splits; nothing here folds it
		// back into the fixed slot. The check below is only that the file's
		// own RootChunkUid is unaffected by those writes.
		if root == fixed {
			continue
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if f.RootChunkUid() != fixed {
		t.Fatalf("file root uid moved: %d -> %d", fixed, f.RootChunkUid())
	}
	fmt.Sprintf("%d", root) // keep root referenced for clarity in failures above
}

func TestNilCacheDisablesCachingWithoutAffectingCorrectness(t *testing.T) {
	f := openTestFile(t)
	tree := Open(f, 4, nil)

	tx, err := f.OpenTransaction()
	if err != nil {
		t.Fatal(err)
	}
	root, err := tree.NewRoot(tx)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		d := digest.Digest(i*2654435761 + 1)
		var werr error
		root, _, werr = tree.PutValue(tx, root, d, mustPacked(t, i), 0, true)
		if werr != nil {
			t.Fatal(werr)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		d := digest.Digest(i*2654435761 + 1)
		e, err := tree.Get(root, d)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if e.Value.Payload != uint64(i) {
			t.Fatalf("Get(%d): got %d", i, e.Value.Payload)
		}
	}
}

func TestTinyCacheForcingConstantEvictionStillReadsCorrectly(t *testing.T) {
	f := openTestFile(t)
	// Capacity 1 forces nearly every loadNode to miss and reload, exercising
	// the cache-miss path on almost every call.
	tree := Open(f, 4, btreecache.New(1))

	tx, err := f.OpenTransaction()
	if err != nil {
		t.Fatal(err)
	}
	root, err := tree.NewRoot(tx)
	if err != nil {
		t.Fatal(err)
	}
	const n = 80
	digests := make([]digest.Digest, n)
	for i := 0; i < n; i++ {
		digests[i] = digest.Digest(i*2654435761 + 1)
		var werr error
		root, _, werr = tree.PutValue(tx, root, digests[i], mustPacked(t, i), 0, true)
		if werr != nil {
			t.Fatalf("PutValue(%d): %v", i, werr)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		e, err := tree.Get(root, digests[i])
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if e.Value.Payload != uint64(i) {
			t.Fatalf("Get(%d): got %d, want %d", i, e.Value.Payload, i)
		}
	}
}

// TestConcurrentGetsAgainstSharedRootAreRaceFree runs many goroutines doing
// nothing but Get against a single already-committed root, exercising each
// node's RLock/RUnlock under real concurrency (run with -race to catch any
// unguarded field access).
func TestConcurrentGetsAgainstSharedRootAreRaceFree(t *testing.T) {
	f := openTestFile(t)
	tree := Open(f, 4, btreecache.New(32))

	tx, err := f.OpenTransaction()
	if err != nil {
		t.Fatal(err)
	}
	root, err := tree.NewRoot(tx)
	if err != nil {
		t.Fatal(err)
	}
	const n = 40
	digests := make([]digest.Digest, n)
	for i := 0; i < n; i++ {
		digests[i] = digest.Digest(i*2654435761 + 1)
		var werr error
		root, _, werr = tree.PutValue(tx, root, digests[i], mustPacked(t, i), 0, true)
		if werr != nil {
			t.Fatalf("PutValue(%d): %v", i, werr)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				e, err := tree.Get(root, digests[i])
				if err != nil {
					t.Errorf("Get(%d): %v", i, err)
					return
				}
				if e.Value.Payload != uint64(i) {
					t.Errorf("Get(%d): got %d, want %d", i, e.Value.Payload, i)
					return
				}
			}
		}()
	}
	wg.Wait()
}

// TestNodeUidReflectsLastWrite checks the Uid accessor a node exposes
// alongside its lock: every successful writeNode/NewRoot records the chunk
// UID the node now lives at.
func TestNodeUidReflectsLastWrite(t *testing.T) {
	f := openTestFile(t)
	tree := Open(f, 4, nil)

	tx, err := f.OpenTransaction()
	if err != nil {
		t.Fatal(err)
	}
	root, err := tree.NewRoot(tx)
	if err != nil {
		t.Fatal(err)
	}
	n, err := tree.loadNode(tx, root)
	if err != nil {
		t.Fatal(err)
	}
	if n.Uid() != root {
		t.Fatalf("node.Uid() = %d, want %d", n.Uid(), root)
	}

	root2, _, err := tree.PutValue(tx, root, digest.Digest(1), mustPacked(t, 1), 0, true)
	if err != nil {
		t.Fatal(err)
	}
	n2, err := tree.loadNode(tx, root2)
	if err != nil {
		t.Fatal(err)
	}
	if n2.Uid() != root2 {
		t.Fatalf("node.Uid() after PutValue = %d, want %d", n2.Uid(), root2)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}
