// Package volume wires chunkfile, btree, btreecache, bloom, and value into
// the path-addressed facade a physical volume presents to the layer above
// it (the virtual-volume/mount-table routing this repository treats as an
// external collaborator, per its interface in spec.md §6): Open, Close,
// Get, Put, Delete, Stat, SnapshotTo and RestoreFrom.
package volume

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shelfdb/shelfdb/bloom"
	"github.com/shelfdb/shelfdb/btree"
	"github.com/shelfdb/shelfdb/btreecache"
	"github.com/shelfdb/shelfdb/chunkfile"
	"github.com/shelfdb/shelfdb/digest"
	"github.com/shelfdb/shelfdb/key"
	"github.com/shelfdb/shelfdb/status"
	"github.com/shelfdb/shelfdb/value"
)

// Policy bundles a chunkfile.Policy with the parameters volume itself owns:
// B-tree fan-out and cache sizing.
type Policy struct {
	chunkfile.Policy
	TreePower     int
	CacheCapacity int
}

// DefaultPolicy returns sensible defaults for a new volume file.
func DefaultPolicy() Policy {
	return Policy{
		Policy:        chunkfile.DefaultPolicy(),
		TreePower:     64,
		CacheCapacity: 4096,
	}
}

// Info is the result of Stat: existence, whether a node carries a value of
// its own (as opposed to being a container for children only), whether it
// has children, and its expiration if any.
type Info struct {
	Exists      bool
	HasValue    bool
	HasChildren bool
	Expiration  time.Time
}

// Volume is one open physical volume.
type Volume struct {
	path   string
	policy Policy
	log    zerolog.Logger

	f      *chunkfile.File
	tree   *btree.Tree
	filter *bloom.Filter
	cache  *btreecache.Cache
}

// Open opens or creates the volume file at path. A nil logger falls back
// to the global zerolog logger, matching how other_examples' Warren wires
// component loggers off a shared default.
func Open(path string, policy Policy, logger *zerolog.Logger) (*Volume, error) {
	lg := log.Logger
	if logger != nil {
		lg = *logger
	}
	lg = lg.With().Str("component", "volume").Str("path", path).Logger()

	f, err := chunkfile.Open(path, policy.Policy)
	if err != nil {
		lg.Error().Err(err).Msg("failed to open chunk file")
		return nil, err
	}

	cache := btreecache.New(policy.CacheCapacity)
	tree := btree.Open(f, policy.TreePower, cache)

	var filter *bloom.Filter
	if f.NewlyCreated() {
		lg.Info().Msg("deploying fresh volume")
		filter, err = bloom.New(policy.BloomSize, policy.BloomFnCount, policy.BloomPrecision)
		if err != nil {
			f.Close()
			return nil, err
		}
		tx, err := f.OpenTransaction()
		if err != nil {
			f.Close()
			return nil, err
		}
		root, err := tree.NewRoot(tx)
		if err != nil {
			tx.Close()
			f.Close()
			return nil, err
		}
		if root != f.RootChunkUid() {
			tx.Close()
			f.Close()
			lg.Error().Int64("root", int64(root)).Msg("first allocation did not land on the fixed root slot")
			return nil, status.ErrInvalidData
		}
		if err := tx.Commit(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		lg.Info().Msg("recovering existing volume")
		bits, err := f.ReadBloomBits()
		if err != nil {
			f.Close()
			return nil, err
		}
		filter, err = bloom.Load(bits, policy.BloomFnCount, policy.BloomPrecision)
		if err != nil {
			f.Close()
			return nil, err
		}
	}

	return &Volume{path: path, policy: policy, log: lg, f: f, tree: tree, filter: filter, cache: cache}, nil
}

// Close persists the Bloom filter bitmap and releases the underlying file.
func (v *Volume) Close() error {
	if err := v.f.WriteBloomBits(v.filter.Bytes()); err != nil {
		v.log.Warn().Err(err).Msg("failed to persist bloom filter on close")
	}
	return v.f.Close()
}

// Status reports the latched fatal error, if the volume has become
// unusable.
func (v *Volume) Status() error { return v.f.Status() }

// levelDescent is one step of a path walk: the root of the level's tree,
// and the leaf digest of the segment being looked up at that level.
type levelDescent struct {
	root chunkfile.ChunkUid
	d    digest.Digest
}

func segmentDigests(k key.Key) ([]digest.Digest, error) {
	segs, err := k.Segments()
	if err != nil {
		return nil, err
	}
	out := make([]digest.Digest, len(segs))
	for i, s := range segs {
		out[i] = digest.OfSegment(s)
	}
	return out, nil
}

// Get resolves k to its value. A path that exists only as a container
// (holding children but never Put with a value of its own) reports
// status.ErrNotFound, the same as a path that does not exist at all. A
// value whose expiration has already passed is treated as absent (read-time
// filtering; Get never implicitly deletes — see Delete).
func (v *Volume) Get(k key.Key) (value.Value, error) {
	if !k.IsPath() {
		return value.Value{}, status.ErrInvalidLogicalPath
	}
	digests, err := segmentDigests(k)
	if err != nil {
		return value.Value{}, err
	}
	if len(digests) == 0 {
		return value.Value{}, status.ErrNotFound
	}

	if ok, err := v.testBloom(k); err == nil && !ok {
		return value.Value{}, status.ErrNotFound
	}

	root := v.f.RootChunkUid()
	var entry btree.Entry
	for i, d := range digests {
		entry, err = v.tree.Get(root, d)
		if err != nil {
			return value.Value{}, err
		}
		if i < len(digests)-1 {
			if entry.Subtree == chunkfile.InvalidChunkUid {
				return value.Value{}, status.ErrNotFound
			}
			root = entry.Subtree
		}
	}

	if entry.Value.IsNone() {
		return value.Value{}, status.ErrNotFound
	}
	if entry.Expiration != 0 && entry.Expiration <= nowUnixNano() {
		return value.Value{}, status.ErrNotFound
	}

	return value.Unpack(v.f, entry.Value)
}

// Put stores val at k, creating any missing container ancestors along the
// way. A zero expireAt means the entry never expires.
func (v *Volume) Put(k key.Key, val value.Value, expireAt time.Time, overwrite bool) error {
	if !k.IsPath() {
		return status.ErrInvalidLogicalPath
	}
	digests, err := segmentDigests(k)
	if err != nil {
		return err
	}
	if len(digests) == 0 {
		return status.ErrInvalidLogicalPath
	}

	var expNano int64
	if !expireAt.IsZero() {
		expNano = expireAt.UnixNano()
		if expNano <= nowUnixNano() {
			return status.ErrAlreadyExpired
		}
	}

	tx, err := v.f.OpenTransaction()
	if err != nil {
		return err
	}
	defer tx.Close()

	roots := make([]chunkfile.ChunkUid, len(digests))
	roots[0] = v.f.RootChunkUid()
	for i := 0; i < len(digests)-1; i++ {
		root, existingSubtree, err := v.tree.PutValue(tx, roots[i], digests[i], value.PackedValue{Kind: value.KindNone}, 0, false)
		if err != nil && err != status.ErrAlreadyExists {
			return err
		}
		// Either a brand new container entry was inserted, or one already
		// existed (value or container) and is left untouched either way.
		roots[i] = root
		if existingSubtree == chunkfile.InvalidChunkUid {
			childRoot, err := v.tree.NewRoot(tx)
			if err != nil {
				return err
			}
			roots[i], err = v.tree.SetSubtree(tx, roots[i], digests[i], childRoot)
			if err != nil {
				return err
			}
			existingSubtree = childRoot
		}
		roots[i+1] = existingSubtree
	}

	last := len(digests) - 1
	packed, err := value.Pack(tx, val)
	if err != nil {
		return err
	}
	leafRoot, _, err := v.tree.PutValue(tx, roots[last], digests[last], packed, expNano, overwrite)
	if err != nil {
		return err
	}

	newTop, err := v.propagateRoots(tx, roots, digests, leafRoot)
	if err != nil {
		return err
	}
	if err := v.commitNewTopRoot(tx, newTop); err != nil {
		return err
	}

	if err := v.filter.Add(parentOf(k), lastSegment(k)); err != nil {
		v.log.Warn().Err(err).Msg("failed to update bloom filter")
	}
	return nil
}

// propagateRoots walks the per-level roots bottom-up, re-pointing each
// ancestor level's matched entry at the new root its child level acquired
// through the Put or subtree creation above, returning the resulting
// top-level (level 0) root.
func (v *Volume) propagateRoots(tx *chunkfile.Transaction, roots []chunkfile.ChunkUid, digests []digest.Digest, finalChildRoot chunkfile.ChunkUid) (chunkfile.ChunkUid, error) {
	childRoot := finalChildRoot
	for i := len(digests) - 2; i >= 0; i-- {
		newRoot, err := v.tree.SetSubtree(tx, roots[i], digests[i], childRoot)
		if err != nil {
			return 0, err
		}
		childRoot = newRoot
	}
	return childRoot, nil
}

// commitNewTopRoot folds a new top-level root into the file's fixed root
// slot (copy-on-write everywhere except the one physical location nothing
// else points to) and commits.
func (v *Volume) commitNewTopRoot(tx *chunkfile.Transaction, newTopRoot chunkfile.ChunkUid) error {
	fixed := v.f.RootChunkUid()
	if newTopRoot != fixed {
		raw, err := tx.ReadChain(newTopRoot)
		if err != nil {
			return err
		}
		if err := tx.OverwriteChain(fixed, raw); err != nil {
			return err
		}
		if err := tx.EraseChain(newTopRoot); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	// The fixed slot's contents were replaced by the preserved copy at
	// commit, not through writeNode, so the node cached under that UID is
	// the pre-transaction root.
	v.cache.Drop(btreecache.Key(fixed))
	return nil
}

// Delete removes the value at k. If k has children, it fails with
// status.ErrHasChildren unless force is set, in which case the whole
// subtree rooted at k is erased first.
func (v *Volume) Delete(k key.Key, force bool) error {
	if !k.IsPath() {
		return status.ErrInvalidLogicalPath
	}
	digests, err := segmentDigests(k)
	if err != nil {
		return err
	}
	if len(digests) == 0 {
		return status.ErrInvalidLogicalPath
	}

	tx, err := v.f.OpenTransaction()
	if err != nil {
		return err
	}
	defer tx.Close()

	roots := make([]chunkfile.ChunkUid, len(digests))
	roots[0] = v.f.RootChunkUid()
	for i := 0; i < len(digests)-1; i++ {
		e, err := v.tree.Get(roots[i], digests[i])
		if err != nil {
			return err
		}
		if e.Subtree == chunkfile.InvalidChunkUid {
			return status.ErrNotFound
		}
		roots[i+1] = e.Subtree
	}

	last := len(digests) - 1
	e, err := v.tree.Get(roots[last], digests[last])
	if err != nil {
		return err
	}
	if e.Subtree != chunkfile.InvalidChunkUid {
		if !force {
			return status.ErrHasChildren
		}
		if err := v.eraseSubtree(tx, e.Subtree); err != nil {
			return err
		}
		roots[last], err = v.tree.SetSubtree(tx, roots[last], digests[last], chunkfile.InvalidChunkUid)
		if err != nil {
			return err
		}
	}
	if err := value.Delete(tx, e.Value); err != nil {
		return err
	}

	leafRoot, err := v.tree.Delete(tx, roots[last], digests[last])
	if err != nil {
		return err
	}

	newTop, err := v.propagateRoots(tx, roots, digests, leafRoot)
	if err != nil {
		return err
	}
	return v.commitNewTopRoot(tx, newTop)
}

// eraseSubtree, used by a forced Delete, frees the blob chains of every
// entry in the level rooted at root, recurses into each nested subtree, and
// then frees the chunk of that level's root node. Chunks of a level's other
// B-tree nodes (below its root) are not freed.
func (v *Volume) eraseSubtree(tx *chunkfile.Transaction, root chunkfile.ChunkUid) error {
	if root == chunkfile.InvalidChunkUid {
		return nil
	}
	entries, children, err := v.allEntries(tx, root)
	if err != nil {
		return err
	}
	for i, e := range entries {
		if err := value.Delete(tx, e.Value); err != nil {
			return err
		}
		if children[i] != chunkfile.InvalidChunkUid {
			if err := v.eraseSubtree(tx, children[i]); err != nil {
				return err
			}
		}
	}
	return tx.EraseChain(root)
}

// allEntries walks every node of the single-level tree rooted at root with
// btree.WalkAll (nodes loaded through the tree's node cache, entries in no
// particular order) and returns their values and subtree pointers.
func (v *Volume) allEntries(tx *chunkfile.Transaction, root chunkfile.ChunkUid) ([]btree.Entry, []chunkfile.ChunkUid, error) {
	return btree.WalkAll(tx, v.tree, root)
}

// Stat reports existence/value/children/expiration for k without
// unpacking the value.
func (v *Volume) Stat(k key.Key) (Info, error) {
	if !k.IsPath() {
		return Info{}, status.ErrInvalidLogicalPath
	}
	digests, err := segmentDigests(k)
	if err != nil {
		return Info{}, err
	}
	if len(digests) == 0 {
		return Info{}, status.ErrInvalidLogicalPath
	}

	root := v.f.RootChunkUid()
	var entry btree.Entry
	for i, d := range digests {
		entry, err = v.tree.Get(root, d)
		if err == status.ErrNotFound {
			return Info{Exists: false}, nil
		}
		if err != nil {
			return Info{}, err
		}
		if i < len(digests)-1 {
			if entry.Subtree == chunkfile.InvalidChunkUid {
				return Info{Exists: false}, nil
			}
			root = entry.Subtree
		}
	}

	info := Info{
		Exists:      true,
		HasValue:    !entry.Value.IsNone(),
		HasChildren: entry.Subtree != chunkfile.InvalidChunkUid,
	}
	if entry.Expiration != 0 {
		info.Expiration = time.Unix(0, entry.Expiration)
	}
	return info, nil
}

// SnapshotTo writes a consistent point-in-time copy of the volume file to
// w.
func (v *Volume) SnapshotTo(w io.Writer) error {
	if err := v.f.WriteBloomBits(v.filter.Bytes()); err != nil {
		return err
	}
	return v.f.SnapshotTo(w)
}

// RestoreFrom replaces this volume's contents with r's, closing and
// reopening the underlying file. The volume is unusable if RestoreFrom
// returns an error; callers should discard it and Open a fresh handle.
func (v *Volume) RestoreFrom(r io.Reader) error {
	if err := v.f.Close(); err != nil {
		return err
	}

	out, err := os.Create(v.path)
	if err != nil {
		return status.ErrUnableToOpen
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return status.ErrIoError
	}
	if err := out.Close(); err != nil {
		return status.ErrIoError
	}

	fresh, err := Open(v.path, v.policy, &v.log)
	if err != nil {
		return err
	}
	v.f = fresh.f
	v.tree = fresh.tree
	v.filter = fresh.filter
	v.cache = fresh.cache
	return nil
}

func nowUnixNano() int64 { return time.Now().UnixNano() }

func (v *Volume) testBloom(k key.Key) (bool, error) {
	return v.filter.Test(parentOf(k), lastSegment(k))
}

func parentOf(k key.Key) key.Key {
	parent, _, err := k.SplitAtTail()
	if err != nil || parent.String() == "" {
		return key.Root()
	}
	return parent
}

func lastSegment(k key.Key) key.Key {
	_, tail, err := k.SplitAtTail()
	if err != nil {
		return key.Root()
	}
	leaf, err := tail.CutLeadSeparator()
	if err != nil {
		return key.Root()
	}
	return leaf
}
