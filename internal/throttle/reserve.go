package throttle

import "sync"

// Reserve is a small pre-allocated memory cushion released one block at a
// time to buy room for final reporting under memory pressure.
type Reserve struct {
	mu     sync.Mutex
	blocks [][]byte
}

// NewReserve allocates count blocks of size bytes.
func NewReserve(count int, size int) *Reserve {
	r := &Reserve{}
	for i := 0; i < count; i++ {
		block := make([]byte, size)
		// touch every page so the reserve is really resident
		for j := 0; j < len(block); j += 4096 {
			block[j] = 1
		}
		r.blocks = append(r.blocks, block)
	}
	return r
}

// ReleaseBlock drops one block. It returns false when the reserve is spent.
func (r *Reserve) ReleaseBlock() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.blocks) == 0 {
		return false
	}
	r.blocks[len(r.blocks)-1] = nil
	r.blocks = r.blocks[:len(r.blocks)-1]
	return true
}

// Remaining returns the number of blocks still held.
func (r *Reserve) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blocks)
}
