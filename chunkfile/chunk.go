package chunkfile

import "encoding/binary"

// chunkHeaderSize is the fixed-size prefix of every on-disk chunk record:
// UsedSize (uint32) + NextUsed (int64) + NextFree (int64), mirroring
// chunk_t's used_size_/next_used_/next_free_ fields in the original storage
// format. The head_/released_/reserved_ marker bytes of the original are
// not carried forward: Go chunks are always addressed by UID and chained
// explicitly, so there is nothing left for a "used" flag byte to mean.
const chunkHeaderSize = 4 + 8 + 8

// chunk is one fixed-size record of the chunk file: a header describing how
// much of Space is meaningful and where the chain continues, followed by
// ChunkSize bytes of payload.
type chunk struct {
	usedSize uint32
	nextUsed ChunkUid
	nextFree ChunkUid
	space    []byte
}

func newChunk(payloadSize int) *chunk {
	return &chunk{nextUsed: InvalidChunkUid, nextFree: InvalidChunkUid, space: make([]byte, payloadSize)}
}

func recordSize(payloadSize int) int64 {
	return int64(chunkHeaderSize + payloadSize)
}

func (c *chunk) encode(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], c.usedSize)
	binary.BigEndian.PutUint64(buf[4:12], uint64(c.nextUsed))
	binary.BigEndian.PutUint64(buf[12:20], uint64(c.nextFree))
	copy(buf[chunkHeaderSize:], c.space)
}

func decodeChunk(buf []byte) *chunk {
	c := &chunk{
		usedSize: binary.BigEndian.Uint32(buf[0:4]),
		nextUsed: ChunkUid(binary.BigEndian.Uint64(buf[4:12])),
		nextFree: ChunkUid(binary.BigEndian.Uint64(buf[12:20])),
		space:    make([]byte, len(buf)-chunkHeaderSize),
	}
	copy(c.space, buf[chunkHeaderSize:])
	return c
}
