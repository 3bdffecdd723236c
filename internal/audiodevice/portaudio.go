package audiodevice

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/partyline-chat/partyline/internal/metrics"
	"github.com/partyline-chat/partyline/pkg/frame"
)

const (
	// Device callbacks hand the engine 10ms buffers at the device rate.
	callbackFramesPerSecond = 100

	// Capacity of the capture channel and playback ring, in frames.
	captureQueueFrames  = 20
	playbackQueueFrames = 20
)

var errNoSuchDevice = errors.New("audio device not found")

// PortAudioBackend implements Backend on top of portaudio. Device ids are
// device names: they are what the config persists, and they survive a
// restart where raw indices do not.
type PortAudioBackend struct {
	logger *slog.Logger
	meter  *metrics.Engine

	initOnce sync.Once
	initErr  error
}

func NewPortAudioBackend(meter *metrics.Engine, logger *slog.Logger) *PortAudioBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if meter == nil {
		meter = metrics.New()
	}
	return &PortAudioBackend{
		logger: logger.With("component", "portaudio"),
		meter:  meter,
	}
}

func (b *PortAudioBackend) ensureInit() error {
	b.initOnce.Do(func() {
		b.initErr = portaudio.Initialize()
	})
	return b.initErr
}

func (b *PortAudioBackend) Close() error {
	if b.initErr != nil {
		return nil
	}
	return portaudio.Terminate()
}

func (b *PortAudioBackend) ListDevices() ([]Info, []Info, error) {
	if err := b.ensureInit(); err != nil {
		return nil, nil, err
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, nil, fmt.Errorf("enumerate devices: %w", err)
	}

	defaultIn, _ := portaudio.DefaultInputDevice()
	defaultOut, _ := portaudio.DefaultOutputDevice()

	var inputs, outputs []Info
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 {
			inputs = append(inputs, Info{
				ID:        dev.Name,
				Name:      dev.Name,
				IsDefault: defaultIn != nil && dev.Name == defaultIn.Name,
			})
		}
		if dev.MaxOutputChannels > 0 {
			outputs = append(outputs, Info{
				ID:        dev.Name,
				Name:      dev.Name,
				IsDefault: defaultOut != nil && dev.Name == defaultOut.Name,
			})
		}
	}
	return inputs, outputs, nil
}

// findDevice resolves a device id to a portaudio device, falling back to
// the system default when the id is empty or stale.
func (b *PortAudioBackend) findDevice(deviceID string, wantInput bool) (*portaudio.DeviceInfo, error) {
	if deviceID != "" {
		devices, err := portaudio.Devices()
		if err != nil {
			return nil, err
		}
		for _, dev := range devices {
			if dev.Name != deviceID {
				continue
			}
			if wantInput && dev.MaxInputChannels > 0 {
				return dev, nil
			}
			if !wantInput && dev.MaxOutputChannels > 0 {
				return dev, nil
			}
		}
		b.logger.Warn("configured device missing, falling back to default", "deviceID", deviceID)
	}

	if wantInput {
		return portaudio.DefaultInputDevice()
	}
	return portaudio.DefaultOutputDevice()
}

// --------------------------------------------------------------------------------
// Capture

type portAudioInput struct {
	logger *slog.Logger
	meter  *metrics.Engine

	stream     *portaudio.Stream
	properties DeviceProperties

	frames chan frame.PCMFrame

	shutdownOnce sync.Once
}

func (b *PortAudioBackend) OpenInput(deviceID string) (InputStream, error) {
	if err := b.ensureInit(); err != nil {
		return nil, err
	}

	dev, err := b.findDevice(deviceID, true)
	if err != nil || dev == nil {
		return nil, fmt.Errorf("open input %q: %w", deviceID, errors.Join(errNoSuchDevice, err))
	}

	sampleRate := int(dev.DefaultSampleRate)
	framesPerBuffer := sampleRate / callbackFramesPerSecond

	input := &portAudioInput{
		logger: b.logger.With("device", dev.Name, "direction", "input"),
		meter:  b.meter,
		properties: DeviceProperties{
			SampleRate:  sampleRate,
			NumChannels: 1,
		},
		frames: make(chan frame.PCMFrame, captureQueueFrames),
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: framesPerBuffer,
	}

	stream, err := portaudio.OpenStream(params, input.captureCallback)
	if err != nil {
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	input.stream = stream

	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("start input stream: %w", err)
	}
	input.logger.Info("capture stream started", "sampleRate", sampleRate)
	return input, nil
}

// captureCallback runs on the audio thread. It copies the buffer and
// enqueues it; when the engine is behind, the oldest queued frame is
// dropped so the callback never blocks.
func (in *portAudioInput) captureCallback(buf []float32) {
	pcm := make(frame.PCMFrame, len(buf))
	copy(pcm, buf)

	select {
	case in.frames <- pcm:
	default:
		select {
		case <-in.frames:
			in.meter.InputDroppedChunks.Add(1)
		default:
		}
		select {
		case in.frames <- pcm:
		default:
			in.meter.InputDroppedChunks.Add(1)
		}
	}
}

func (in *portAudioInput) GetStream() <-chan frame.PCMFrame {
	return in.frames
}

func (in *portAudioInput) GetDeviceProperties() DeviceProperties {
	return in.properties
}

func (in *portAudioInput) Close() {
	in.shutdownOnce.Do(func() {
		if err := in.stream.Stop(); err != nil {
			in.logger.Warn("stop capture stream", "err", err)
		}
		in.stream.Close()
		close(in.frames)
	})
}

// --------------------------------------------------------------------------------
// Playback

type portAudioOutput struct {
	logger *slog.Logger
	meter  *metrics.Engine

	stream     *portaudio.Stream
	properties DeviceProperties

	ring *FrameRing

	// Partial frame being drained into the device callback.
	partial frame.PCMFrame

	shutdownOnce sync.Once
}

func (b *PortAudioBackend) OpenOutput(deviceID string) (OutputStream, error) {
	if err := b.ensureInit(); err != nil {
		return nil, err
	}

	dev, err := b.findDevice(deviceID, false)
	if err != nil || dev == nil {
		return nil, fmt.Errorf("open output %q: %w", deviceID, errors.Join(errNoSuchDevice, err))
	}

	sampleRate := int(dev.DefaultSampleRate)
	framesPerBuffer := sampleRate / callbackFramesPerSecond

	output := &portAudioOutput{
		logger: b.logger.With("device", dev.Name, "direction", "output"),
		meter:  b.meter,
		properties: DeviceProperties{
			SampleRate:  sampleRate,
			NumChannels: 1,
		},
		ring: NewFrameRing(playbackQueueFrames),
	}

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: framesPerBuffer,
	}

	stream, err := portaudio.OpenStream(params, output.playbackCallback)
	if err != nil {
		return nil, fmt.Errorf("open output stream: %w", err)
	}
	output.stream = stream

	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("start output stream: %w", err)
	}
	output.logger.Info("playback stream started", "sampleRate", sampleRate)
	return output, nil
}

// playbackCallback runs on the audio thread. Underflow renders silence;
// it never waits for the mixer.
func (out *portAudioOutput) playbackCallback(buf []float32) {
	filled := 0
	for filled < len(buf) {
		if len(out.partial) == 0 {
			pcm, ok := out.ring.Pop()
			if !ok {
				for i := filled; i < len(buf); i++ {
					buf[i] = 0
				}
				out.meter.OutputUnderflowEvents.Add(1)
				return
			}
			out.partial = pcm
		}

		n := copy(buf[filled:], out.partial)
		out.partial = out.partial[n:]
		filled += n
	}
}

func (out *portAudioOutput) TryWrite(pcm frame.PCMFrame) bool {
	return !out.ring.Push(pcm)
}

func (out *portAudioOutput) GetDeviceProperties() DeviceProperties {
	return out.properties
}

func (out *portAudioOutput) Close() {
	out.shutdownOnce.Do(func() {
		if err := out.stream.Stop(); err != nil {
			out.logger.Warn("stop playback stream", "err", err)
		}
		out.stream.Close()
	})
}
