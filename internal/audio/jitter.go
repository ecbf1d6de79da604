// Package audio implements the unreliable-channel audio relay: per-sender
// jitter buffering and periodic per-recipient mixing.
package audio

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
	"go.uber.org/atomic"
)

// jitterBuffer is a bounded queue of timestamped PCM chunks from one
// contributing endpoint. Inserts never block: once the buffer holds the
// full jitter window the oldest chunk is dropped, trading old samples for
// bounded delay.
type jitterBuffer struct {
	mu       sync.Mutex
	chunks   deque.Deque[pcmChunk]
	capacity int

	lastSeen atomic.Int64 // unix nanos of last push
}

type pcmChunk struct {
	arrival time.Time
	data    []byte
}

func newJitterBuffer(capacity int) *jitterBuffer {
	b := &jitterBuffer{capacity: capacity}
	b.chunks.SetMinCapacity(3)
	return b
}

func (b *jitterBuffer) push(data []byte, now time.Time) {
	b.mu.Lock()
	if b.chunks.Len() >= b.capacity {
		b.chunks.PopFront()
	}
	b.chunks.PushBack(pcmChunk{arrival: now, data: data})
	b.mu.Unlock()

	b.lastSeen.Store(now.UnixNano())
}

// pop drains the oldest chunk, if any.
func (b *jitterBuffer) pop() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.chunks.Len() == 0 {
		return nil, false
	}
	return b.chunks.PopFront().data, true
}

func (b *jitterBuffer) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, b.lastSeen.Load()))
}
