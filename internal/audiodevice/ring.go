package audiodevice

import (
	"sync"

	"github.com/partyline-chat/partyline/pkg/frame"
)

// FrameRing is a bounded single-producer single-consumer frame queue with
// drop-oldest overflow. Audio callbacks push and pull here and never block.
type FrameRing struct {
	mu      sync.Mutex
	frames  []frame.PCMFrame
	head    int
	count   int
	dropped uint64
}

func NewFrameRing(capacity int) *FrameRing {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameRing{frames: make([]frame.PCMFrame, capacity)}
}

// Push enqueues one frame, evicting the oldest entry when full.
// It reports whether an eviction happened.
func (r *FrameRing) Push(pcm frame.PCMFrame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := false
	if r.count == len(r.frames) {
		r.head = (r.head + 1) % len(r.frames)
		r.count--
		r.dropped++
		evicted = true
	}

	tail := (r.head + r.count) % len(r.frames)
	r.frames[tail] = pcm
	r.count++
	return evicted
}

// Pop dequeues the oldest frame, reporting false when the ring is empty.
func (r *FrameRing) Pop() (frame.PCMFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil, false
	}
	pcm := r.frames[r.head]
	r.frames[r.head] = nil
	r.head = (r.head + 1) % len(r.frames)
	r.count--
	return pcm, true
}

// Len returns the number of queued frames.
func (r *FrameRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Dropped returns the running count of evicted frames.
func (r *FrameRing) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
