package chunkfile

// Policy bundles the compile-time-in-spirit parameters of a storage file:
// chunk payload size and Bloom filter shape. All instances of a file must
// agree on these values; a mismatch is detected at Open time via the
// compatibility stamp and reported as status.ErrIncompatibleFile.
// ReaderNumber is the exception: it is not part of the stamp and may
// differ from one Open to the next.
type Policy struct {
	ChunkSize      int // bytes of payload per chunk
	BloomSize      int // bytes in the Bloom bitset, power of two
	BloomFnCount   int // number of Bloom hash functions, <= 16
	BloomPrecision int // per-segment digests folded into one Bloom hash
	ReaderNumber   int // concurrent chain-reader handles
}

// DefaultPolicy returns the parameters used when none are supplied.
func DefaultPolicy() Policy {
	return Policy{
		ChunkSize:      4096,
		BloomSize:      256,
		BloomFnCount:   4,
		BloomPrecision: 8,
		ReaderNumber:   8,
	}
}
