// Package bloom implements the probabilistic negative-lookup filter used to
// short-circuit misses before a B-tree descent (spec.md §3, §4.4).
package bloom

import (
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/shelfdb/shelfdb/digest"
	"github.com/shelfdb/shelfdb/key"
)

// ErrBloomSizeNotPowerOfTwo is returned by New when Size is not a power of two.
var ErrBloomSizeNotPowerOfTwo = errors.New("bloom: size must be a power of two")

// ErrTooManyFunctions is returned by New when FnCount exceeds 16.
var ErrTooManyFunctions = errors.New("bloom: function count must be <= 16")

// shaDigestWords is the number of big-endian uint32 words a SHA-512 digest
// (64 bytes) reinterprets into.
const shaDigestWords = sha512.Size / 4

// Filter is a fixed-size bitset Bloom filter keyed on combined segment
// digest streams of a (prefix, suffix) path pair.
type Filter struct {
	mu        sync.RWMutex
	bits      []byte // len == size, size*8 bits
	fnCount   int
	precision int
}

// New constructs an empty filter. size must be a power of two (bit count is
// 8*size); fnCount (BloomFnCount) must be <= 16; precision (BloomPrecision)
// bounds how many leading per-segment digests of the combined prefix+suffix
// stream feed the SHA-512 input, mirroring the original's fixed-size digest
// buffer.
func New(size int, fnCount int, precision int) (*Filter, error) {
	if size <= 0 || size&(size-1) != 0 {
		return nil, ErrBloomSizeNotPowerOfTwo
	}
	if fnCount <= 0 || fnCount > 16 {
		return nil, ErrTooManyFunctions
	}
	if precision <= 0 {
		precision = 1
	}
	return &Filter{bits: make([]byte, size), fnCount: fnCount, precision: precision}, nil
}

// Load wraps pre-existing bitset bytes (e.g. read from a chunkfile header)
// in a Filter without re-deriving bits from scratch.
func Load(bits []byte, fnCount int, precision int) (*Filter, error) {
	f, err := New(len(bits), fnCount, precision)
	if err != nil {
		return nil, err
	}
	copy(f.bits, bits)
	return f, nil
}

// Bytes returns a copy of the underlying bitset, suitable for persisting
// back into the chunkfile header.
func (f *Filter) Bytes() []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]byte, len(f.bits))
	copy(out, f.bits)
	return out
}

// Add records that the combination (prefix, suffix) is present.
func (f *Filter) Add(prefix, suffix key.Key) error {
	positions, err := f.positions(prefix, suffix)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, bit := range positions {
		f.setBit(bit)
	}
	return nil
}

// Test reports whether the combination (prefix, suffix) may be present.
// A false result is definitive; a true result is only probable.
func (f *Filter) Test(prefix, suffix key.Key) (bool, error) {
	positions, err := f.positions(prefix, suffix)
	if err != nil {
		return false, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, bit := range positions {
		if !f.testBit(bit) {
			return false, nil
		}
	}
	return true, nil
}

func (f *Filter) setBit(bit uint32) {
	idx := bit / 8
	off := bit % 8
	f.bits[idx] |= 1 << off
}

func (f *Filter) testBit(bit uint32) bool {
	idx := bit / 8
	off := bit % 8
	return f.bits[idx]&(1<<off) != 0
}

// positions computes the BloomFnCount bit positions for the combined
// per-segment digest stream of prefix and suffix (root segments skipped),
// hashed with SHA-512 and reinterpreted as big-endian uint32 words, exactly
// as original_source/include/bloom.h does.
func (f *Filter) positions(prefix, suffix key.Key) ([]uint32, error) {
	stream := make([]uint64, 0, f.precision)
	appendSegments := func(k key.Key) error {
		if !k.IsValid() || k.String() == "/" {
			return nil
		}
		// A leaf key (e.g. the tail segment of a path, handed in bare —
		// "b", not "/b") has no '/' to split on and is itself the single
		// segment to digest; only a path key decomposes via Segments.
		if k.IsLeaf() {
			if len(stream) < f.precision {
				stream = append(stream, uint64(digest.OfSegment(k)))
			}
			return nil
		}
		segs, err := k.Segments()
		if err != nil {
			return err
		}
		for _, seg := range segs {
			if len(stream) >= f.precision {
				break
			}
			stream = append(stream, uint64(digest.OfSegment(seg)))
		}
		return nil
	}
	if err := appendSegments(prefix); err != nil {
		return nil, err
	}
	if err := appendSegments(suffix); err != nil {
		return nil, err
	}
	for len(stream) < f.precision {
		stream = append(stream, 0)
	}

	buf := make([]byte, len(stream)*8)
	for i, d := range stream {
		binary.BigEndian.PutUint64(buf[i*8:], d)
	}
	sum := sha512.Sum512(buf)

	bitCount := uint32(len(f.bits) * 8)
	positions := make([]uint32, f.fnCount)
	for i := 0; i < f.fnCount; i++ {
		w := binary.BigEndian.Uint32(sum[i*4 : i*4+4])
		positions[i] = w % bitCount
	}
	return positions, nil
}
