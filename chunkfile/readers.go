package chunkfile

import (
	"io"
	"os"
	"sync"

	"github.com/shelfdb/shelfdb/status"
)

// readerPool hands out a bounded number of independent read-only file
// handles opened against the same path, so concurrent chain reads never
// contend with each other or with the single writer's handle. It is the Go
// counterpart of the original's stack-of-handles-plus-condvar reader pool.
type readerPool struct {
	mu    sync.Mutex
	cond  *sync.Cond
	stack []*os.File
}

func newReaderPool(path string, n int) (*readerPool, error) {
	if n <= 0 {
		n = 1
	}
	p := &readerPool{stack: make([]*os.File, 0, n)}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < n; i++ {
		h, err := os.Open(path)
		if err != nil {
			p.close()
			return nil, status.ErrUnableToOpen
		}
		p.stack = append(p.stack, h)
	}
	return p, nil
}

// acquire blocks until a reader handle is available.
func (p *readerPool) acquire() *os.File {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.stack) == 0 {
		p.cond.Wait()
	}
	h := p.stack[len(p.stack)-1]
	p.stack = p.stack[:len(p.stack)-1]
	return h
}

func (p *readerPool) release(h *os.File) {
	p.mu.Lock()
	p.stack = append(p.stack, h)
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *readerPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.stack {
		h.Close()
	}
	p.stack = nil
}

// ChainReader reads one value chain through a borrowed handle, returning
// it to the pool on Close.
type ChainReader struct {
	f    *File
	h    *os.File
	uid  ChunkUid
	rec  []byte
	pos  int
	left uint32
	next ChunkUid
}

// GetChainReader borrows a reader handle and positions it at the start of
// the chain rooted at head.
func (f *File) GetChainReader(head ChunkUid) (*ChainReader, error) {
	if err := f.Status(); err != nil {
		return nil, err
	}
	h := f.readers.acquire()
	r := &ChainReader{f: f, h: h, uid: head, next: head}
	if err := r.loadNext(); err != nil {
		f.readers.release(h)
		return nil, err
	}
	return r, nil
}

func (r *ChainReader) loadNext() error {
	if r.next == InvalidChunkUid {
		r.left = 0
		return nil
	}
	rec := make([]byte, recordSize(r.f.policy.ChunkSize))
	n, err := r.h.ReadAt(rec, int64(r.next))
	if err != nil && err != io.EOF {
		return r.f.fail(status.ErrIoError)
	}
	if n < len(rec) {
		// next lies at or past the current file size — e.g. a chain head
		// left over from a transaction that allocated the chunk but was
		// rolled back before commit, truncating the file back underneath
		// it. There is no chunk there to decode; terminate the chain
		// rather than read a short/zero buffer as a bogus one.
		r.left = 0
		r.next = InvalidChunkUid
		return nil
	}
	c := decodeChunk(rec)
	r.rec = c.space[:c.usedSize]
	r.pos = 0
	r.left = c.usedSize
	r.next = c.nextUsed
	return nil
}

// Read implements io.Reader over the chain's concatenated payload.
func (r *ChainReader) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if r.pos >= len(r.rec) {
			if r.next == InvalidChunkUid {
				break
			}
			if err := r.loadNext(); err != nil {
				return total, err
			}
			continue
		}
		n := copy(p[total:], r.rec[r.pos:])
		r.pos += n
		total += n
	}
	if total == 0 {
		return 0, io.EOF
	}
	return total, nil
}

// Close returns the borrowed handle to the pool.
func (r *ChainReader) Close() error {
	r.f.readers.release(r.h)
	return nil
}

// ReadChain reads the full content of a chain rooted at head through a
// pooled reader handle, for callers (btree node loads, value unpacking)
// that are not themselves inside a Transaction.
func (f *File) ReadChain(head ChunkUid) ([]byte, error) {
	r, err := f.GetChainReader(head)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []byte
	buf := make([]byte, f.policy.ChunkSize)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
