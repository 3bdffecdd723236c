package audiodevice

import (
	"testing"

	"github.com/partyline-chat/partyline/pkg/frame"
)

func markedFrame(mark float32) frame.PCMFrame {
	return frame.PCMFrame{mark}
}

func TestRingFIFO(t *testing.T) {
	ring := NewFrameRing(4)
	for i := 0; i < 3; i++ {
		ring.Push(markedFrame(float32(i)))
	}

	for i := 0; i < 3; i++ {
		pcm, ok := ring.Pop()
		if !ok {
			t.Fatalf("pop %d: ring empty", i)
		}
		if pcm[0] != float32(i) {
			t.Errorf("pop %d = %f, want %d", i, pcm[0], i)
		}
	}
	if _, ok := ring.Pop(); ok {
		t.Error("pop on empty ring succeeded")
	}
}

func TestRingDropsOldestOnOverflow(t *testing.T) {
	ring := NewFrameRing(2)
	ring.Push(markedFrame(0))
	ring.Push(markedFrame(1))

	if evicted := ring.Push(markedFrame(2)); !evicted {
		t.Error("overflow push did not report eviction")
	}
	if ring.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", ring.Dropped())
	}

	pcm, _ := ring.Pop()
	if pcm[0] != 1 {
		t.Errorf("head after overflow = %f, want 1 (oldest dropped)", pcm[0])
	}
	pcm, _ = ring.Pop()
	if pcm[0] != 2 {
		t.Errorf("second after overflow = %f, want 2", pcm[0])
	}
}

func TestRingLen(t *testing.T) {
	ring := NewFrameRing(8)
	if ring.Len() != 0 {
		t.Error("fresh ring not empty")
	}
	ring.Push(markedFrame(0))
	ring.Push(markedFrame(1))
	if ring.Len() != 2 {
		t.Errorf("len = %d, want 2", ring.Len())
	}
	ring.Pop()
	if ring.Len() != 1 {
		t.Errorf("len after pop = %d, want 1", ring.Len())
	}
}
