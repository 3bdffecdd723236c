// Package audiodevice owns the platform audio devices. It exposes a small
// capability-set interface so the engine never touches the host API
// directly, and moves samples exclusively through bounded rings: the
// device callbacks never block.
package audiodevice

import "github.com/partyline-chat/partyline/pkg/frame"

// DeviceProperties describe the raw format a device produces or consumes.
type DeviceProperties struct {
	SampleRate  int
	NumChannels int
}

// Info identifies one enumerable device.
type Info struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
}

// InputStream is an open capture device. Frames arrive on Stream at the
// device's native format; the engine resamples to canonical downstream.
type InputStream interface {
	// Get the stream of this capture device.
	//
	// Raw audio data (as PCMFrames) will arrive on the returned channel.
	GetStream() <-chan frame.PCMFrame

	GetDeviceProperties() DeviceProperties

	// Meaningfully close the device, including any cleanup of memory and
	// closing of channels. Once closed, no more frames arrive.
	Close()
}

// OutputStream is an open playback device. The engine pushes mixed frames
// with TryWrite; the device callback pulls them at its own cadence and
// renders silence on underflow.
type OutputStream interface {
	// TryWrite offers one frame to the playback ring without blocking.
	// It reports whether the frame was queued without evicting an older
	// one.
	TryWrite(pcm frame.PCMFrame) bool

	GetDeviceProperties() DeviceProperties

	Close()
}

// Backend is the capability set one platform audio layer provides.
type Backend interface {
	ListDevices() (inputs []Info, outputs []Info, err error)

	// OpenInput opens the device with the given id, or the system default
	// when id is empty or no longer present.
	OpenInput(deviceID string) (InputStream, error)

	// OpenOutput opens the playback device by id with the same fallback.
	OpenOutput(deviceID string) (OutputStream, error)

	Close() error
}
