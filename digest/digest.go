// Package digest hashes path segments and segment sequences down to a
// fixed-width unsigned integer used to order and address B-tree index
// entries (see spec.md §3 "Segment digest").
package digest

import (
	"github.com/cespare/xxhash/v2"

	"github.com/shelfdb/shelfdb/key"
)

// Digest is the fixed-width unsigned integer spec.md §3 describes.
type Digest uint64

// OfSegment hashes a single leaf segment. Panics if leaf is not a leaf key —
// callers in btree/volume only ever pass already-validated leaves.
func OfSegment(leaf key.Key) Digest {
	if !leaf.IsLeaf() {
		panic("digest: OfSegment requires a leaf key")
	}
	return Digest(xxhash.Sum64String(leaf.String()))
}

// OfBytes hashes an arbitrary byte stream, used by chunkfile for the
// compatibility stamp and transaction CRC (spec.md §3 "File header"); those
// quantities are not path segments but reuse the same hash primitive rather
// than introducing a second one for the same kind of fixed-width digest.
func OfBytes(b []byte) uint64 {
	return xxhash.Sum64(b)
}
