package audiodevice

import (
	"github.com/oov/audio/resampler"

	"github.com/partyline-chat/partyline/pkg/frame"
)

const (
	// To avoid reallocating for every frame, reuse a buffer with "enough
	// size". 48000Hz stereo at 120ms is 11520 samples, so 2**14 covers
	// anything a device hands us.
	conversionBufferSize = 16384

	resampleQuality = 10
)

// A conversionFunc is one in-place format transformation step.
type conversionFunc func(frame.PCMFrame) frame.PCMFrame

// Converter rewrites frames from one PCM format to another: channel count
// first, then sample rate via the resampler. A Converter is not safe for
// concurrent use; each pipeline direction owns its own.
type Converter struct {
	source DeviceProperties
	sink   DeviceProperties
	steps  []conversionFunc
}

// NewConverter builds the step list for a source-to-sink format change.
// Identical formats produce a pass-through converter.
func NewConverter(source, sink DeviceProperties) *Converter {
	conv := &Converter{source: source, sink: sink}

	if source.NumChannels == 2 && sink.NumChannels == 1 {
		conv.steps = append(conv.steps, stereoToMono())
	}
	if source.NumChannels == 1 && sink.NumChannels == 2 {
		conv.steps = append(conv.steps, monoToStereo())
	}
	if source.SampleRate != sink.SampleRate {
		// Channel conversion runs first, so the resampler sees the sink's
		// channel count.
		conv.steps = append(conv.steps, newResampleStep(sink.NumChannels, source.SampleRate, sink.SampleRate))
	}
	return conv
}

// Convert transforms one frame. The returned slice aliases internal
// buffers and must be consumed (or cloned) before the next call.
func (c *Converter) Convert(pcm frame.PCMFrame) frame.PCMFrame {
	for _, step := range c.steps {
		pcm = step(pcm)
	}
	return pcm
}

func monoToStereo() conversionFunc {
	buf := make(frame.PCMFrame, conversionBufferSize)
	return func(source frame.PCMFrame) frame.PCMFrame {
		for i, v := range source {
			buf[2*i] = v
			buf[2*i+1] = v
		}
		return buf[:2*len(source)]
	}
}

func stereoToMono() conversionFunc {
	buf := make(frame.PCMFrame, conversionBufferSize)
	return func(source frame.PCMFrame) frame.PCMFrame {
		if len(source)%2 == 1 {
			source = source[:len(source)-1]
		}
		for i := range len(source) / 2 {
			buf[i] = (source[2*i] + source[2*i+1]) / 2
		}
		return buf[:len(source)/2]
	}
}

func newResampleStep(numChannels, sourceRate, sinkRate int) conversionFunc {
	if numChannels == 1 {
		r := resampler.New(1, sourceRate, sinkRate, resampleQuality)
		buf := make(frame.PCMFrame, conversionBufferSize)
		return func(source frame.PCMFrame) frame.PCMFrame {
			_, written := r.ProcessFloat32(0, source, buf)
			return buf[:written]
		}
	}

	r := resampler.New(2, sourceRate, sinkRate, resampleQuality)
	leftSource := make(frame.PCMFrame, conversionBufferSize/2)
	rightSource := make(frame.PCMFrame, conversionBufferSize/2)
	leftSink := make(frame.PCMFrame, conversionBufferSize/2)
	rightSink := make(frame.PCMFrame, conversionBufferSize/2)
	buf := make(frame.PCMFrame, conversionBufferSize)
	return func(source frame.PCMFrame) frame.PCMFrame {
		if len(source)%2 == 1 {
			source = source[:len(source)-1]
		}
		half := len(source) / 2
		for i := range half {
			leftSource[i] = source[2*i]
			rightSource[i] = source[2*i+1]
		}

		_, written := r.ProcessFloat32(0, leftSource[:half], leftSink)
		r.ProcessFloat32(1, rightSource[:half], rightSink)

		for i := range written {
			buf[2*i] = leftSink[i]
			buf[2*i+1] = rightSink[i]
		}
		return buf[:2*written]
	}
}

// Chunker re-slices a stream of arbitrarily sized frames into exact
// fixed-size frames, carrying the remainder between calls. The resampler
// rarely emits tick-aligned output, so every converted stream runs
// through one of these before the engine sees it.
type Chunker struct {
	size  int
	carry frame.PCMFrame
}

func NewChunker(frameSize int) *Chunker {
	return &Chunker{size: frameSize}
}

// Push appends samples and returns every complete frame now available.
// Returned frames are freshly allocated and safe to retain.
func (c *Chunker) Push(pcm frame.PCMFrame) []frame.PCMFrame {
	c.carry = append(c.carry, pcm...)

	var out []frame.PCMFrame
	for len(c.carry) >= c.size {
		chunk := make(frame.PCMFrame, c.size)
		copy(chunk, c.carry[:c.size])
		out = append(out, chunk)
		c.carry = c.carry[c.size:]
	}
	return out
}
