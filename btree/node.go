package btree

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/shelfdb/shelfdb/chunkfile"
	"github.com/shelfdb/shelfdb/digest"
	"github.com/shelfdb/shelfdb/value"
)

// entrySize is the on-disk size of one digest + packed value + expiration +
// subtree-root quadruplet: 8 (digest) + 16 (packed value: 1-byte kind,
// 7 reserved, 8-byte payload) + 8 (expiration, unix nanos) + 8 (subtree
// root chunk uid).
const entrySize = 8 + 16 + 8 + 8

// linkSize is the on-disk size of one same-level child pointer.
const linkSize = 8

// node is one physical B-tree node for a single path-segment level: up to
// power entries, each keyed by a segment digest and carrying a packed
// value, optional expiration, and the root of the next path level's B-tree
// rooted under that segment (InvalidChunkUid if the segment has no
// children). links holds power+1 same-level child pointers for internal
// nodes, or is all-InvalidChunkUid for a leaf — the same
// hashes_/values_/expirations_/children_/links_ shape the original B-tree
// node used, renamed here to separate "next path level" (subtree) from
// "same level, different node" (link).
type node struct {
	power int
	uid   chunkfile.ChunkUid

	// mu guards concurrent access to this node's contents once it is
	// reachable from more than one caller (served out of the cache to a
	// reader while a writer still holds the same pointer). Readers take
	// RLock; a writer about to mutate a node in place upgrades by taking
	// Lock after first cloning (see clone), so the lock only ever
	// protects a snapshot nobody else will write to, never a real
	// shared/exclusive race on the same mutation.
	mu sync.RWMutex

	digests    []digest.Digest
	values     []value.PackedValue
	expiration []int64
	subtree    []chunkfile.ChunkUid
	link       []chunkfile.ChunkUid
}

func newLeaf(power int) *node {
	return &node{power: power, link: []chunkfile.ChunkUid{chunkfile.InvalidChunkUid}}
}

// Uid returns the chunk UID this node was last read from or written to.
// It is the zero ChunkUid for a node that has not yet been written.
func (n *node) Uid() chunkfile.ChunkUid {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.uid
}

func (n *node) setUid(uid chunkfile.ChunkUid) {
	n.mu.Lock()
	n.uid = uid
	n.mu.Unlock()
}

// Lock/Unlock/RLock/RUnlock expose the node's own readers/writer lock to
// callers that hold a *node across more than one operation (the cache,
// and any future code that pins a node across a read-then-write).
func (n *node) Lock()    { n.mu.Lock() }
func (n *node) Unlock()  { n.mu.Unlock() }
func (n *node) RLock()   { n.mu.RLock() }
func (n *node) RUnlock() { n.mu.RUnlock() }

func (n *node) isLeaf() bool {
	for _, l := range n.link {
		if l != chunkfile.InvalidChunkUid {
			return false
		}
	}
	return true
}

func (n *node) full() bool { return len(n.digests) > n.power }

// clone returns a deep copy of n. Every node handed back from the cache must
// go through clone before a caller is allowed to mutate it in place (insertAt,
// removeAt, direct field assignment) — otherwise a writer's in-progress edit
// would be visible to a concurrent reader sharing the same cached node.
func (n *node) clone() *node {
	c := &node{power: n.power, uid: n.Uid()}
	c.digests = append(c.digests, n.digests...)
	c.values = append(c.values, n.values...)
	c.expiration = append(c.expiration, n.expiration...)
	c.subtree = append(c.subtree, n.subtree...)
	c.link = append(c.link, n.link...)
	return c
}

// find returns the position of d in n (sorted ascending) and whether it
// was found exactly.
func (n *node) find(d digest.Digest) (pos int, found bool) {
	lo, hi := 0, len(n.digests)
	for lo < hi {
		mid := (lo + hi) / 2
		if n.digests[mid] < d {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(n.digests) && n.digests[lo] == d {
		return lo, true
	}
	return lo, false
}

func (n *node) insertAt(pos int, d digest.Digest, v value.PackedValue, exp int64, subtree chunkfile.ChunkUid) {
	n.digests = append(n.digests, 0)
	copy(n.digests[pos+1:], n.digests[pos:])
	n.digests[pos] = d

	n.values = append(n.values, value.PackedValue{})
	copy(n.values[pos+1:], n.values[pos:])
	n.values[pos] = v

	n.expiration = append(n.expiration, 0)
	copy(n.expiration[pos+1:], n.expiration[pos:])
	n.expiration[pos] = exp

	n.subtree = append(n.subtree, 0)
	copy(n.subtree[pos+1:], n.subtree[pos:])
	n.subtree[pos] = subtree

	n.link = append(n.link, 0)
	copy(n.link[pos+2:], n.link[pos+1:])
	n.link[pos+1] = chunkfile.InvalidChunkUid
}

func (n *node) removeAt(pos int) {
	n.digests = append(n.digests[:pos], n.digests[pos+1:]...)
	n.values = append(n.values[:pos], n.values[pos+1:]...)
	n.expiration = append(n.expiration[:pos], n.expiration[pos+1:]...)
	n.subtree = append(n.subtree[:pos], n.subtree[pos+1:]...)
	n.link = append(n.link[:pos+1], n.link[pos+2:]...)
}

func (n *node) encode() []byte {
	count := len(n.digests)
	buf := make([]byte, 2+count*entrySize+(count+1)*linkSize)
	binary.BigEndian.PutUint16(buf[0:2], uint16(count))
	off := 2
	for i := 0; i < count; i++ {
		binary.BigEndian.PutUint64(buf[off:], uint64(n.digests[i]))
		off += 8
		buf[off] = byte(n.values[i].Kind)
		binary.BigEndian.PutUint64(buf[off+8:], n.values[i].Payload)
		off += 16
		binary.BigEndian.PutUint64(buf[off:], uint64(n.expiration[i]))
		off += 8
		binary.BigEndian.PutUint64(buf[off:], uint64(n.subtree[i]))
		off += 8
	}
	for i := 0; i <= count; i++ {
		binary.BigEndian.PutUint64(buf[off:], uint64(n.link[i]))
		off += 8
	}
	return buf
}

func decodeNode(power int, buf []byte) (*node, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("btree: node record too short: %d bytes", len(buf))
	}
	count := int(binary.BigEndian.Uint16(buf[0:2]))
	want := 2 + count*entrySize + (count+1)*linkSize
	if len(buf) < want {
		return nil, fmt.Errorf("btree: node record truncated: have %d, want %d", len(buf), want)
	}

	n := &node{power: power}
	off := 2
	for i := 0; i < count; i++ {
		d := digest.Digest(binary.BigEndian.Uint64(buf[off:]))
		off += 8
		kind := value.Kind(buf[off])
		payload := binary.BigEndian.Uint64(buf[off+8:])
		off += 16
		exp := int64(binary.BigEndian.Uint64(buf[off:]))
		off += 8
		sub := chunkfile.ChunkUid(binary.BigEndian.Uint64(buf[off:]))
		off += 8

		n.digests = append(n.digests, d)
		n.values = append(n.values, value.PackedValue{Kind: kind, Payload: payload})
		n.expiration = append(n.expiration, exp)
		n.subtree = append(n.subtree, sub)
	}
	for i := 0; i <= count; i++ {
		n.link = append(n.link, chunkfile.ChunkUid(binary.BigEndian.Uint64(buf[off:])))
		off += 8
	}
	return n, nil
}
