package frame

import "time"

// Canonical engine-side audio format.
// Every stage between the capture device and the encoder (and between the
// decoder and the playback device) works on mono float32 PCM at 48kHz.
const (
	CanonicalSampleRate = 48000
	CanonicalChannels   = 1

	// The engine moves audio in exactly 10ms steps.
	TickDuration       = 10 * time.Millisecond
	SamplesPerTick     = CanonicalSampleRate / 100
	TicksPerSecond     = 100
	DefaultOpusFrameMs = 20
)

// A PCMFrame is a slice of raw audio samples, interleaved if multichannel.
// Samples are float32 in [-1, 1].
type PCMFrame []float32

// An EncodedFrame is a single codec payload, e.g. one Opus frame.
type EncodedFrame []byte

// Clone returns an independent copy of the frame.
// Stages that hand frames across goroutine boundaries after reusing
// their scratch buffers must clone first.
func (f PCMFrame) Clone() PCMFrame {
	c := make(PCMFrame, len(f))
	copy(c, f)
	return c
}

// SamplesPerFrame returns the number of mono samples in a frame of the
// given duration at the canonical rate.
func SamplesPerFrame(duration time.Duration) int {
	return int(CanonicalSampleRate * duration / time.Second)
}
