// Package btree implements the digest-keyed B-tree used to index the
// entries of a single path-segment level: every node holds up to Power
// sibling entries sorted by 64-bit segment digest, each carrying a packed
// value, an optional expiration, and the root chunk of the next path
// level's own Tree (Invalid if that segment has no children). A Tree knows
// nothing about paths or path depth — that composition lives in the volume
// package; Tree only ever sees one flat level of digests at a time, the
// same way the original's single BTree class was reused once per path
// segment rather than written once per depth.
package btree

import (
	"github.com/shelfdb/shelfdb/btreecache"
	"github.com/shelfdb/shelfdb/chunkfile"
	"github.com/shelfdb/shelfdb/digest"
	"github.com/shelfdb/shelfdb/status"
	"github.com/shelfdb/shelfdb/value"
)

// Tree is a handle to the node-loading/writing machinery for one level;
// it carries no state about which root is "the" root — every operation
// takes the relevant root chunk UID explicitly, since a volume holds many
// independent Trees (one per path level) sharing the same underlying File.
// cache holds decoded nodes keyed by chunk UID; it is shared across every
// level's Tree (one per path depth) since they all read from the same File.
type Tree struct {
	f     *chunkfile.File
	power int
	cache *btreecache.Cache
}

// Entry is one (digest, value, expiration, subtree) tuple read back from a
// Tree.
type Entry struct {
	Value      value.PackedValue
	Expiration int64
	Subtree    chunkfile.ChunkUid
}

// Open returns a Tree over f using the given node fan-out (entries per
// node). A nil cache disables node caching entirely (every load re-reads
// and re-decodes from f).
func Open(f *chunkfile.File, power int, cache *btreecache.Cache) *Tree {
	return &Tree{f: f, power: power, cache: cache}
}

// NewRoot allocates and commits an empty leaf node, for use as the initial
// root of a brand-new level (either the volume's top level, on first open,
// or a freshly created subtree under some path segment).
func (t *Tree) NewRoot(tx *chunkfile.Transaction) (chunkfile.ChunkUid, error) {
	n := newLeaf(t.power)
	uid, err := tx.WriteChain(n.encode())
	if err != nil {
		return 0, err
	}
	n.setUid(uid)
	t.cachePut(uid, n)
	return uid, nil
}

// loadNode returns the node at uid, cloned if served from cache so the
// caller is free to mutate it in place without corrupting what a concurrent
// reader might be looking at through the same cache entry.
func (t *Tree) loadNode(tx *chunkfile.Transaction, uid chunkfile.ChunkUid) (*node, error) {
	if t.cache != nil {
		if cached, ok := t.cache.Get(btreecache.Key(uid)); ok {
			return cached.(*node).clone(), nil
		}
	}

	var raw []byte
	var err error
	if tx != nil {
		raw, err = tx.ReadChain(uid)
	} else {
		raw, err = t.f.ReadChain(uid)
	}
	if err != nil {
		return nil, err
	}
	n, err := decodeNode(t.power, raw)
	if err != nil {
		return nil, err
	}
	n.setUid(uid)
	t.cachePut(uid, n)
	return n, nil
}

// writeNode persists n's current contents under a brand-new chunk UID
// (the tree is copy-on-write: nothing is ever overwritten in place) and
// records that UID on n itself.
func (t *Tree) writeNode(tx *chunkfile.Transaction, n *node) (chunkfile.ChunkUid, error) {
	uid, err := tx.WriteChain(n.encode())
	if err != nil {
		return 0, err
	}
	n.setUid(uid)
	t.cachePut(uid, n)
	return uid, nil
}

// cachePut stores a defensive copy of n under uid so later mutation by the
// caller that just wrote it (the node is frequently reused/mutated further
// up a recursive insert/delete) never leaks into the cached copy.
func (t *Tree) cachePut(uid chunkfile.ChunkUid, n *node) {
	if t.cache == nil {
		return
	}
	t.cache.Put(btreecache.Key(uid), n.clone())
}

// Get looks up d in the tree rooted at root, returning status.ErrNotFound
// if absent. Get never opens a transaction: it only reads already-committed
// state, so concurrent readers never contend with the single writer.
func (t *Tree) Get(root chunkfile.ChunkUid, d digest.Digest) (Entry, error) {
	uid := root
	for uid != chunkfile.InvalidChunkUid {
		n, err := t.loadNode(nil, uid)
		if err != nil {
			return Entry{}, err
		}
		n.RLock()
		pos, found := n.find(d)
		if found {
			e := Entry{Value: n.values[pos], Expiration: n.expiration[pos], Subtree: n.subtree[pos]}
			n.RUnlock()
			return e, nil
		}
		isLeaf := n.isLeaf()
		next := chunkfile.InvalidChunkUid
		if !isLeaf {
			next = n.link[pos]
		}
		n.RUnlock()
		if isLeaf {
			return Entry{}, status.ErrNotFound
		}
		uid = next
	}
	return Entry{}, status.ErrNotFound
}

// promoted carries a median entry bubbling up from a split child.
type promoted struct {
	digest  digest.Digest
	value   value.PackedValue
	exp     int64
	subtree chunkfile.ChunkUid
	left    chunkfile.ChunkUid
	right   chunkfile.ChunkUid
}

// PutValue inserts a brand-new entry (subtree initially Invalid) or, if d
// already exists and overwrite is set, updates its value/expiration in
// place while leaving its subtree untouched. It returns the tree's new
// root and the entry's subtree after the operation (Invalid for a fresh
// insert, unchanged for an update) so callers can decide whether a deeper
// path level still needs to be created.
func (t *Tree) PutValue(tx *chunkfile.Transaction, root chunkfile.ChunkUid, d digest.Digest, v value.PackedValue, exp int64, overwrite bool) (chunkfile.ChunkUid, chunkfile.ChunkUid, error) {
	newRoot, pr, existingSubtree, err := t.insert(tx, root, d, v, exp, chunkfile.InvalidChunkUid, overwrite)
	if err == status.ErrAlreadyExists {
		return newRoot, existingSubtree, err
	}
	if err != nil {
		return 0, 0, err
	}
	if pr != nil {
		// Root split: build a fresh root with the promoted median and the
		// two halves as its only children.
		newNode := newLeaf(t.power)
		newNode.link = []chunkfile.ChunkUid{chunkfile.InvalidChunkUid, chunkfile.InvalidChunkUid}
		newNode.insertAt(0, pr.digest, pr.value, pr.exp, pr.subtree)
		newNode.link[0] = pr.left
		newNode.link[1] = pr.right
		newRoot, err = t.writeNode(tx, newNode)
		if err != nil {
			return 0, 0, err
		}
	}
	return newRoot, existingSubtree, nil
}

// SetSubtree updates the subtree pointer of an already-existing entry d.
func (t *Tree) SetSubtree(tx *chunkfile.Transaction, root chunkfile.ChunkUid, d digest.Digest, subtree chunkfile.ChunkUid) (chunkfile.ChunkUid, error) {
	uid := root
	var path []chunkfile.ChunkUid
	var positions []int
	var nodes []*node
	for {
		n, err := t.loadNode(tx, uid)
		if err != nil {
			return 0, err
		}
		n.Lock()
		pos, found := n.find(d)
		if found {
			n.subtree[pos] = subtree
			n.Unlock()
			newUID, err := t.writeNode(tx, n)
			if err != nil {
				return 0, err
			}
			if err := tx.EraseChain(uid); err != nil {
				return 0, err
			}
			return rewriteAncestry(tx, t, path, positions, nodes, newUID)
		}
		isLeaf := n.isLeaf()
		next := chunkfile.InvalidChunkUid
		if !isLeaf {
			next = n.link[pos]
		}
		n.Unlock()
		if isLeaf {
			return 0, status.ErrNotFound
		}
		path = append(path, uid)
		positions = append(positions, pos)
		nodes = append(nodes, n)
		uid = next
	}
}

// rewriteAncestry re-links each ancestor node (collected top-down in
// path/positions/nodes) to point at childUID at the recorded position,
// COW-ing each ancestor in turn, erasing the chunk it superseded, and
// returning the new overall root.
func rewriteAncestry(tx *chunkfile.Transaction, t *Tree, path []chunkfile.ChunkUid, positions []int, nodes []*node, childUID chunkfile.ChunkUid) (chunkfile.ChunkUid, error) {
	for i := len(nodes) - 1; i >= 0; i-- {
		nodes[i].Lock()
		nodes[i].link[positions[i]] = childUID
		nodes[i].Unlock()
		uid, err := t.writeNode(tx, nodes[i])
		if err != nil {
			return 0, err
		}
		if err := tx.EraseChain(path[i]); err != nil {
			return 0, err
		}
		childUID = uid
	}
	return childUID, nil
}

// insert is the classic recursive B-tree insert: it descends to the
// correct leaf, inserts or updates, and on overflow splits the node,
// returning the promoted median to the caller instead of writing a new
// root itself — only PutValue, at the top, knows how to build a new root.
// Every call that actually mutates the node it loaded at uid releases that
// superseded chunk with tx.EraseChain once the replacement is durably
// written; a no-op (status.ErrAlreadyExists) leaves uid untouched and
// erases nothing.
func (t *Tree) insert(tx *chunkfile.Transaction, uid chunkfile.ChunkUid, d digest.Digest, v value.PackedValue, exp int64, subtree chunkfile.ChunkUid, overwrite bool) (chunkfile.ChunkUid, *promoted, chunkfile.ChunkUid, error) {
	n, err := t.loadNode(tx, uid)
	if err != nil {
		return 0, nil, 0, err
	}

	n.Lock()
	pos, found := n.find(d)
	if found {
		if !overwrite {
			n.Unlock()
			// Nothing changes: propagate the original uid unchanged, not
			// a freshly written (and therefore bogus) one.
			return uid, nil, n.subtree[pos], status.ErrAlreadyExists
		}
		n.values[pos] = v
		if exp != 0 {
			n.expiration[pos] = exp
		}
		existing := n.subtree[pos]
		n.Unlock()
		newUID, err := t.writeNode(tx, n)
		if err != nil {
			return 0, nil, 0, err
		}
		if err := tx.EraseChain(uid); err != nil {
			return 0, nil, 0, err
		}
		return newUID, nil, existing, nil
	}

	if n.isLeaf() {
		n.insertAt(pos, d, v, exp, subtree)
		n.Unlock()
		return t.finishInsert(tx, uid, n)
	}
	childLink := n.link[pos]
	n.Unlock()

	childUID, childSplit, existing, err := t.insert(tx, childLink, d, v, exp, subtree, overwrite)
	if err == status.ErrAlreadyExists {
		return uid, nil, existing, err
	}
	if err != nil {
		return 0, nil, 0, err
	}

	n.Lock()
	if childSplit == nil {
		n.link[pos] = childUID
		n.Unlock()
		newUID, werr := t.writeNode(tx, n)
		if werr != nil {
			return 0, nil, 0, werr
		}
		if err := tx.EraseChain(uid); err != nil {
			return 0, nil, 0, err
		}
		return newUID, nil, existing, nil
	}

	n.insertAt(pos, childSplit.digest, childSplit.value, childSplit.exp, childSplit.subtree)
	n.link[pos] = childSplit.left
	n.link[pos+1] = childSplit.right
	n.Unlock()
	return t.finishInsert(tx, uid, n)
}

// finishInsert writes n, splitting it first if it has overflowed, then
// releases the chunk at oldUID that n's content has superseded.
func (t *Tree) finishInsert(tx *chunkfile.Transaction, oldUID chunkfile.ChunkUid, n *node) (chunkfile.ChunkUid, *promoted, chunkfile.ChunkUid, error) {
	if !n.full() {
		uid, err := t.writeNode(tx, n)
		if err != nil {
			return 0, nil, 0, err
		}
		if err := tx.EraseChain(oldUID); err != nil {
			return 0, nil, 0, err
		}
		return uid, nil, chunkfile.InvalidChunkUid, nil
	}

	mid := len(n.digests) / 2

	left := &node{power: n.power}
	left.digests = append(left.digests, n.digests[:mid]...)
	left.values = append(left.values, n.values[:mid]...)
	left.expiration = append(left.expiration, n.expiration[:mid]...)
	left.subtree = append(left.subtree, n.subtree[:mid]...)
	left.link = append(left.link, n.link[:mid+1]...)

	right := &node{power: n.power}
	right.digests = append(right.digests, n.digests[mid+1:]...)
	right.values = append(right.values, n.values[mid+1:]...)
	right.expiration = append(right.expiration, n.expiration[mid+1:]...)
	right.subtree = append(right.subtree, n.subtree[mid+1:]...)
	right.link = append(right.link, n.link[mid+1:]...)

	leftUID, err := t.writeNode(tx, left)
	if err != nil {
		return 0, nil, 0, err
	}
	rightUID, err := t.writeNode(tx, right)
	if err != nil {
		return 0, nil, 0, err
	}
	if err := tx.EraseChain(oldUID); err != nil {
		return 0, nil, 0, err
	}

	return 0, &promoted{
		digest:  n.digests[mid],
		value:   n.values[mid],
		exp:     n.expiration[mid],
		subtree: n.subtree[mid],
		left:    leftUID,
		right:   rightUID,
	}, chunkfile.InvalidChunkUid, nil
}

// minKeys is the fewest entries a non-root node may hold before it is
// considered underflowed: classic B-tree rule of ceil(power/2)-1, floored
// at 1 so a power of 2 or 3 still rebalances sensibly.
func (t *Tree) minKeys() int {
	m := (t.power + 1) / 2 - 1
	if m < 1 {
		m = 1
	}
	return m
}

// Delete removes entry d from the tree rooted at root. It refuses with
// status.ErrHasChildren if the entry has any subtree pointer set, even one
// to an empty subtree — callers that want to force a recursive delete must
// erase the subtree explicitly and clear the pointer (SetSubtree with
// chunkfile.InvalidChunkUid) first.
func (t *Tree) Delete(tx *chunkfile.Transaction, root chunkfile.ChunkUid, d digest.Digest) (chunkfile.ChunkUid, error) {
	newRoot, _, err := t.delete(tx, root, d)
	if err != nil {
		return 0, err
	}
	n, err := t.loadNode(tx, newRoot)
	if err != nil {
		return 0, err
	}
	n.RLock()
	collapse := len(n.digests) == 0 && !n.isLeaf()
	onlyChild := chunkfile.InvalidChunkUid
	if collapse {
		onlyChild = n.link[0]
	}
	n.RUnlock()
	// Collapse a root left with a single child and no entries of its own:
	// the degenerate root chunk itself becomes garbage once its one child
	// takes over as the tree's root.
	if collapse {
		if err := tx.EraseChain(newRoot); err != nil {
			return 0, err
		}
		return onlyChild, nil
	}
	return newRoot, nil
}

// delete returns the node's new uid and whether it underflowed afterward.
// As with insert, the chunk at uid is always released via tx.EraseChain
// once its replacement (whether a simple rewrite or the result of a
// rebalance) is durably written.
func (t *Tree) delete(tx *chunkfile.Transaction, uid chunkfile.ChunkUid, d digest.Digest) (chunkfile.ChunkUid, bool, error) {
	n, err := t.loadNode(tx, uid)
	if err != nil {
		return 0, false, err
	}

	n.Lock()
	pos, found := n.find(d)
	var rebalance bool
	switch {
	case found && n.isLeaf():
		if n.subtree[pos] != chunkfile.InvalidChunkUid {
			n.Unlock()
			return 0, false, status.ErrHasChildren
		}
		n.removeAt(pos)
	case found:
		if n.subtree[pos] != chunkfile.InvalidChunkUid {
			n.Unlock()
			return 0, false, status.ErrHasChildren
		}
		childLink := n.link[pos]
		n.Unlock()
		predDigest, predValue, predExp, predSubtree, newLeftUID, leftUnderflow, err := t.removeMax(tx, childLink)
		if err != nil {
			return 0, false, err
		}
		n.Lock()
		n.digests[pos] = predDigest
		n.values[pos] = predValue
		n.expiration[pos] = predExp
		n.subtree[pos] = predSubtree
		n.link[pos] = newLeftUID
		rebalance = leftUnderflow
	case n.isLeaf():
		n.Unlock()
		return 0, false, status.ErrNotFound
	default:
		childLink := n.link[pos]
		n.Unlock()
		childUID, childUnderflow, err := t.delete(tx, childLink, d)
		if err != nil {
			return 0, false, err
		}
		n.Lock()
		n.link[pos] = childUID
		rebalance = childUnderflow
	}
	n.Unlock()

	var newUID chunkfile.ChunkUid
	var underflow bool
	if rebalance {
		newUID, underflow, err = t.rebalanceAt(tx, n, pos)
	} else {
		newUID, err = t.writeNode(tx, n)
		n.RLock()
		underflow = len(n.digests) < t.minKeys()
		n.RUnlock()
	}
	if err != nil {
		return 0, false, err
	}
	if err := tx.EraseChain(uid); err != nil {
		return 0, false, err
	}
	return newUID, underflow, nil
}

// removeMax removes and returns the greatest entry in the subtree rooted
// at uid (used to find a predecessor when deleting an internal key). The
// chunk at uid is released once its replacement is written, exactly as in
// delete.
func (t *Tree) removeMax(tx *chunkfile.Transaction, uid chunkfile.ChunkUid) (digest.Digest, value.PackedValue, int64, chunkfile.ChunkUid, chunkfile.ChunkUid, bool, error) {
	n, err := t.loadNode(tx, uid)
	if err != nil {
		return 0, value.PackedValue{}, 0, 0, 0, false, err
	}

	if n.isLeaf() {
		n.Lock()
		last := len(n.digests) - 1
		d, v, exp, sub := n.digests[last], n.values[last], n.expiration[last], n.subtree[last]
		n.removeAt(last)
		n.Unlock()
		newUID, err := t.writeNode(tx, n)
		if err != nil {
			return 0, value.PackedValue{}, 0, 0, 0, false, err
		}
		if err := tx.EraseChain(uid); err != nil {
			return 0, value.PackedValue{}, 0, 0, 0, false, err
		}
		n.RLock()
		underflow := len(n.digests) < t.minKeys()
		n.RUnlock()
		return d, v, exp, sub, newUID, underflow, nil
	}

	n.RLock()
	last := len(n.link) - 1
	childLink := n.link[last]
	n.RUnlock()
	d, v, exp, sub, childUID, childUnderflow, err := t.removeMax(tx, childLink)
	if err != nil {
		return 0, value.PackedValue{}, 0, 0, 0, false, err
	}
	n.Lock()
	n.link[last] = childUID
	n.Unlock()

	var newUID chunkfile.ChunkUid
	var underflow bool
	if childUnderflow {
		newUID, underflow, err = t.rebalanceAt(tx, n, last)
	} else {
		newUID, err = t.writeNode(tx, n)
		n.RLock()
		underflow = len(n.digests) < t.minKeys()
		n.RUnlock()
	}
	if err != nil {
		return 0, value.PackedValue{}, 0, 0, 0, false, err
	}
	if err := tx.EraseChain(uid); err != nil {
		return 0, value.PackedValue{}, 0, 0, 0, false, err
	}
	return d, v, exp, sub, newUID, underflow, nil
}

// rebalanceAt repairs an underflowed child at n.link[pos] by, in order:
// borrowing an entry from the left sibling, borrowing from the right
// sibling, merging with the left sibling, or merging with the right
// sibling. The sibling(s)/child consumed by whichever path is taken have
// their old chunks released with tx.EraseChain once the rotated or merged
// replacement is durably written; n itself (the parent) is left for the
// caller to erase, since n's own original uid is the caller's to know.
func (t *Tree) rebalanceAt(tx *chunkfile.Transaction, n *node, pos int) (chunkfile.ChunkUid, bool, error) {
	n.RLock()
	childUID := n.link[pos]
	n.RUnlock()
	child, err := t.loadNode(tx, childUID)
	if err != nil {
		return 0, false, err
	}

	if pos > 0 {
		n.RLock()
		leftUID := n.link[pos-1]
		n.RUnlock()
		leftSib, err := t.loadNode(tx, leftUID)
		if err != nil {
			return 0, false, err
		}
		if len(leftSib.digests) > t.minKeys() {
			t.borrowFromLeft(n, pos, leftSib, child)
			newUID, underflow, err := t.finishRebalance(tx, n, pos-1, leftSib, child)
			if err != nil {
				return 0, false, err
			}
			if err := tx.EraseChain(leftUID); err != nil {
				return 0, false, err
			}
			if err := tx.EraseChain(childUID); err != nil {
				return 0, false, err
			}
			return newUID, underflow, nil
		}
	}

	n.RLock()
	hasRight := pos < len(n.link)-1
	var rightUID chunkfile.ChunkUid
	if hasRight {
		rightUID = n.link[pos+1]
	}
	n.RUnlock()
	if hasRight {
		rightSib, err := t.loadNode(tx, rightUID)
		if err != nil {
			return 0, false, err
		}
		if len(rightSib.digests) > t.minKeys() {
			t.borrowFromRight(n, pos, child, rightSib)
			newUID, underflow, err := t.finishRebalance(tx, n, pos, child, rightSib)
			if err != nil {
				return 0, false, err
			}
			if err := tx.EraseChain(childUID); err != nil {
				return 0, false, err
			}
			if err := tx.EraseChain(rightUID); err != nil {
				return 0, false, err
			}
			return newUID, underflow, nil
		}
	}

	if pos > 0 {
		n.RLock()
		leftUID := n.link[pos-1]
		n.RUnlock()
		leftSib, err := t.loadNode(tx, leftUID)
		if err != nil {
			return 0, false, err
		}
		merged := mergeNodes(leftSib, n, pos-1, child)
		newUID, underflow, err := t.finishMerge(tx, n, pos-1, merged)
		if err != nil {
			return 0, false, err
		}
		if err := tx.EraseChain(leftUID); err != nil {
			return 0, false, err
		}
		if err := tx.EraseChain(childUID); err != nil {
			return 0, false, err
		}
		return newUID, underflow, nil
	}

	rightSib, err := t.loadNode(tx, rightUID)
	if err != nil {
		return 0, false, err
	}
	merged := mergeNodes(child, n, pos, rightSib)
	newUID, underflow, err := t.finishMerge(tx, n, pos, merged)
	if err != nil {
		return 0, false, err
	}
	if err := tx.EraseChain(childUID); err != nil {
		return 0, false, err
	}
	if err := tx.EraseChain(rightUID); err != nil {
		return 0, false, err
	}
	return newUID, underflow, nil
}

func (t *Tree) borrowFromLeft(n *node, pos int, leftSib, child *node) {
	n.Lock()
	leftSib.Lock()
	child.Lock()
	defer n.Unlock()
	defer leftSib.Unlock()
	defer child.Unlock()

	last := len(leftSib.digests) - 1
	// Rotate: parent's separator entry moves down into child, leftSib's
	// last entry moves up to become the new separator.
	child.digests = append([]digest.Digest{n.digests[pos-1]}, child.digests...)
	child.values = append([]value.PackedValue{n.values[pos-1]}, child.values...)
	child.expiration = append([]int64{n.expiration[pos-1]}, child.expiration...)
	child.subtree = append([]chunkfile.ChunkUid{n.subtree[pos-1]}, child.subtree...)
	child.link = append([]chunkfile.ChunkUid{leftSib.link[last+1]}, child.link...)

	n.digests[pos-1] = leftSib.digests[last]
	n.values[pos-1] = leftSib.values[last]
	n.expiration[pos-1] = leftSib.expiration[last]
	n.subtree[pos-1] = leftSib.subtree[last]

	leftSib.digests = leftSib.digests[:last]
	leftSib.values = leftSib.values[:last]
	leftSib.expiration = leftSib.expiration[:last]
	leftSib.subtree = leftSib.subtree[:last]
	leftSib.link = leftSib.link[:last+1]
}

func (t *Tree) borrowFromRight(n *node, pos int, child, rightSib *node) {
	n.Lock()
	child.Lock()
	rightSib.Lock()
	defer n.Unlock()
	defer child.Unlock()
	defer rightSib.Unlock()

	child.digests = append(child.digests, n.digests[pos])
	child.values = append(child.values, n.values[pos])
	child.expiration = append(child.expiration, n.expiration[pos])
	child.subtree = append(child.subtree, n.subtree[pos])
	child.link = append(child.link, rightSib.link[0])

	n.digests[pos] = rightSib.digests[0]
	n.values[pos] = rightSib.values[0]
	n.expiration[pos] = rightSib.expiration[0]
	n.subtree[pos] = rightSib.subtree[0]

	rightSib.digests = rightSib.digests[1:]
	rightSib.values = rightSib.values[1:]
	rightSib.expiration = rightSib.expiration[1:]
	rightSib.subtree = rightSib.subtree[1:]
	rightSib.link = rightSib.link[1:]
}

// finishRebalance writes the rotated left/right node pair back and relinks
// n at leftPos/leftPos+1 to their fresh UIDs. leftPos is the position of
// the "left" node among n.link, independent of which side the entry was
// actually borrowed from.
func (t *Tree) finishRebalance(tx *chunkfile.Transaction, n *node, leftPos int, left, right *node) (chunkfile.ChunkUid, bool, error) {
	leftUID, err := t.writeNode(tx, left)
	if err != nil {
		return 0, false, err
	}
	rightUID, err := t.writeNode(tx, right)
	if err != nil {
		return 0, false, err
	}
	n.Lock()
	n.link[leftPos] = leftUID
	n.link[leftPos+1] = rightUID
	n.Unlock()
	newUID, err := t.writeNode(tx, n)
	n.RLock()
	underflow := len(n.digests) < t.minKeys()
	n.RUnlock()
	return newUID, underflow, err
}

// mergeNodes folds parent's separator entry at index sepPos and right's
// entries into left, producing the merged node (left is mutated in
// place and returned for clarity).
func mergeNodes(left, parent *node, sepPos int, right *node) *node {
	left.Lock()
	parent.RLock()
	right.RLock()
	defer left.Unlock()
	defer parent.RUnlock()
	defer right.RUnlock()

	left.digests = append(left.digests, parent.digests[sepPos])
	left.values = append(left.values, parent.values[sepPos])
	left.expiration = append(left.expiration, parent.expiration[sepPos])
	left.subtree = append(left.subtree, parent.subtree[sepPos])

	left.digests = append(left.digests, right.digests...)
	left.values = append(left.values, right.values...)
	left.expiration = append(left.expiration, right.expiration...)
	left.subtree = append(left.subtree, right.subtree...)
	left.link = append(left.link, right.link...)
	return left
}

// WalkAll returns every entry in the level rooted at root, in no
// particular order, used by a forced recursive delete that needs to
// release every blob and nested subtree reachable from a container being
// torn down.
func WalkAll(tx *chunkfile.Transaction, t *Tree, root chunkfile.ChunkUid) ([]Entry, []chunkfile.ChunkUid, error) {
	if root == chunkfile.InvalidChunkUid {
		return nil, nil, nil
	}
	var entries []Entry
	var subtrees []chunkfile.ChunkUid
	var walk func(uid chunkfile.ChunkUid) error
	walk = func(uid chunkfile.ChunkUid) error {
		if uid == chunkfile.InvalidChunkUid {
			return nil
		}
		n, err := t.loadNode(tx, uid)
		if err != nil {
			return err
		}
		n.RLock()
		defer n.RUnlock()
		for i := range n.digests {
			if !n.isLeaf() {
				if err := walk(n.link[i]); err != nil {
					return err
				}
			}
			entries = append(entries, Entry{Value: n.values[i], Expiration: n.expiration[i], Subtree: n.subtree[i]})
			subtrees = append(subtrees, n.subtree[i])
		}
		if !n.isLeaf() {
			return walk(n.link[len(n.link)-1])
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, nil, err
	}
	return entries, subtrees, nil
}

// finishMerge folds the absorbed sibling's content (already merged into
// merged by mergeNodes) into a brand-new chunk, removes the now-redundant
// separator entry from the parent n, relinks n at sepPos to the merged
// node's UID, and writes n. It does not erase any chunk itself: the
// parent's own old uid and the two nodes merged consumed are both the
// caller's (rebalanceAt's) to release, since finishMerge only ever sees
// their decoded contents, not their UIDs.
func (t *Tree) finishMerge(tx *chunkfile.Transaction, n *node, sepPos int, merged *node) (chunkfile.ChunkUid, bool, error) {
	n.Lock()
	n.removeAt(sepPos)
	n.Unlock()
	mergedUID, err := t.writeNode(tx, merged)
	if err != nil {
		return 0, false, err
	}
	n.Lock()
	n.link[sepPos] = mergedUID
	n.Unlock()
	newUID, err := t.writeNode(tx, n)
	n.RLock()
	underflow := len(n.digests) < t.minKeys()
	n.RUnlock()
	return newUID, underflow, err
}
