// Package jitter implements the per-peer reordering buffer between the
// network and the decoder. It trades a small, adaptive amount of latency
// for smooth playout in the face of reordering, jitter and loss.
package jitter

import (
	"sync"

	"github.com/partyline-chat/partyline/internal/metrics"
	"github.com/partyline-chat/partyline/pkg/frame"
)

const (
	DefaultTargetDepth = 3
	DefaultMaxDepth    = 12

	// PLC covers at most this many consecutive missing ticks before the
	// buffer falls back to plain silence.
	maxConsecutivePLC = 2

	// After this many consecutive silent ticks the decoder state is reset
	// so stale prediction history cannot color the next utterance.
	decoderResetAfterSilentTicks = 20

	// Underflow bookkeeping window: 2s of 10ms ticks.
	underflowWindowTicks = 200
	underflowGrowPercent = 2
)

// A FrameDecoder is the per-peer decode surface the buffer drives. It is
// the codec.Decoder in production and a stub in tests.
type FrameDecoder interface {
	Decode(payload frame.EncodedFrame) (frame.PCMFrame, error)
	DecodePLC(frameSamples int) (frame.PCMFrame, error)
	Reset() error
}

// Buffer is one peer's jitter buffer. Sequence numbers count 10ms ticks,
// matching the voice-packet sequence unit, so a 20ms Opus frame occupies
// two sequence steps.
//
// Push is called from the network goroutine, Tick from the mixer loop;
// a mutex covers the shared state.
type Buffer struct {
	mu sync.Mutex

	decoder FrameDecoder
	meter   *metrics.Engine

	entries map[int64]frame.EncodedFrame

	playoutSeq int64
	started    bool

	targetDepth int
	maxDepth    int

	consecutivePLC  int
	silentTicks     int
	decoderWasReset bool

	// Remainder of a decoded multi-tick frame, drained before the next
	// sequence advance.
	pending frame.PCMFrame

	// Adaptive state.
	depthAverage   float64
	underflowTicks int
	windowTicks    int
}

func New(decoder FrameDecoder, targetDepth, maxDepth int, meter *metrics.Engine) *Buffer {
	if targetDepth < 1 {
		targetDepth = DefaultTargetDepth
	}
	if maxDepth < targetDepth {
		maxDepth = targetDepth * 4
	}
	if meter == nil {
		meter = metrics.New()
	}
	return &Buffer{
		decoder:     decoder,
		meter:       meter,
		entries:     make(map[int64]frame.EncodedFrame),
		targetDepth: targetDepth,
		maxDepth:    maxDepth,
	}
}

// Push inserts one encoded frame at the given sequence position.
func (b *Buffer) Push(seq int64, payload frame.EncodedFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		b.playoutSeq = seq
		b.started = true
	}

	if seq < b.playoutSeq {
		b.meter.RxLateFramesDropped.Add(1)
		return
	}

	if seq > b.playoutSeq+int64(b.maxDepth) {
		// The stream jumped far ahead, e.g. after a long pause. Restart the
		// playout clock just behind the new head instead of grinding through
		// the gap one PLC tick at a time.
		for existing := range b.entries {
			if existing < seq-int64(b.targetDepth) {
				delete(b.entries, existing)
			}
		}
		b.playoutSeq = seq - int64(b.targetDepth)
		b.meter.RxGapEvents.Add(1)
	}

	b.entries[seq] = append(frame.EncodedFrame(nil), payload...)
}

// Tick produces exactly one 10ms tick of PCM: decoded audio when the next
// frame is present, concealment when it is recoverable, silence otherwise.
// The returned slice is owned by the caller.
func (b *Buffer) Tick() frame.PCMFrame {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.observeDepth()

	if len(b.pending) >= frame.SamplesPerTick {
		out := b.pending[:frame.SamplesPerTick].Clone()
		b.pending = b.pending[frame.SamplesPerTick:]
		return out
	}

	if !b.started {
		return silentTick()
	}

	payload, ok := b.entries[b.playoutSeq]
	if ok {
		delete(b.entries, b.playoutSeq)
		decoded, err := b.decoder.Decode(payload)
		if err != nil {
			// An undecodable frame is treated like a lost one.
			return b.concealTick()
		}
		b.consecutivePLC = 0
		b.silentTicks = 0
		b.decoderWasReset = false

		ticks := len(decoded) / frame.SamplesPerTick
		if ticks < 1 {
			ticks = 1
		}
		b.playoutSeq += int64(ticks)

		out := decoded[:frame.SamplesPerTick].Clone()
		if len(decoded) > frame.SamplesPerTick {
			b.pending = decoded[frame.SamplesPerTick:].Clone()
		}
		return out
	}

	return b.concealTick()
}

// concealTick covers one missing tick. Must be called with the lock held.
func (b *Buffer) concealTick() frame.PCMFrame {
	b.playoutSeq++
	b.underflowTicks++

	if b.consecutivePLC < maxConsecutivePLC {
		b.consecutivePLC++
		if plc, err := b.decoder.DecodePLC(frame.SamplesPerTick); err == nil {
			b.meter.RxPLCFrames.Add(1)
			return plc.Clone()
		}
	}

	b.silentTicks++
	if b.silentTicks >= decoderResetAfterSilentTicks && !b.decoderWasReset {
		_ = b.decoder.Reset()
		b.decoderWasReset = true
	}
	return silentTick()
}

// observeDepth runs the adaptive policy once per tick. Must be called with
// the lock held.
func (b *Buffer) observeDepth() {
	depth := len(b.entries)
	b.depthAverage = b.depthAverage*0.9 + float64(depth)*0.1

	// Persistent over-buffering: peel off the oldest frame to claw the
	// latency back.
	if b.depthAverage > float64(b.targetDepth+3) && depth > b.targetDepth {
		oldest := int64(-1)
		for seq := range b.entries {
			if oldest < 0 || seq < oldest {
				oldest = seq
			}
		}
		if oldest >= 0 {
			delete(b.entries, oldest)
			if oldest == b.playoutSeq {
				b.playoutSeq++
			}
			b.depthAverage -= 1
		}
	}

	b.windowTicks++
	if b.windowTicks >= underflowWindowTicks {
		if b.underflowTicks*100 > underflowWindowTicks*underflowGrowPercent && b.targetDepth < b.maxDepth {
			b.targetDepth++
		}
		b.windowTicks = 0
		b.underflowTicks = 0
	}

	b.meter.JitterDepth.Store(int64(depth))
}

// Depth returns the number of buffered, not yet played frames.
func (b *Buffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// TargetDepth returns the current adaptive target.
func (b *Buffer) TargetDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.targetDepth
}

func silentTick() frame.PCMFrame {
	return make(frame.PCMFrame, frame.SamplesPerTick)
}
