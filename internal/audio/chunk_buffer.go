package audio

import (
	"sync"
)

// ChunkBuffer is a thread-safe bounded queue of audio chunks. It holds
// caller audio that arrives before the upstream connection is ready. On
// overflow the oldest chunk is dropped, bounding memory under a slow or
// failed upstream handshake.
type ChunkBuffer struct {
	chunks []string
	cap    int
	mu     sync.Mutex
}

// NewChunkBuffer creates a chunk buffer holding at most capacity chunks
func NewChunkBuffer(capacity int) *ChunkBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ChunkBuffer{
		chunks: make([]string, 0, capacity),
		cap:    capacity,
	}
}

// Push appends a chunk, evicting the oldest if the buffer is full.
// Returns the number of chunks dropped (0 or 1).
func (b *ChunkBuffer) Push(chunk string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	if len(b.chunks) == b.cap {
		copy(b.chunks, b.chunks[1:])
		b.chunks = b.chunks[:len(b.chunks)-1]
		dropped = 1
	}
	b.chunks = append(b.chunks, chunk)
	return dropped
}

// Drain removes and returns all buffered chunks in arrival order
func (b *ChunkBuffer) Drain() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.chunks
	b.chunks = make([]string, 0, b.cap)
	return out
}

// Len returns the number of buffered chunks
func (b *ChunkBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Cap returns the buffer capacity in chunks
func (b *ChunkBuffer) Cap() int {
	return b.cap
}
