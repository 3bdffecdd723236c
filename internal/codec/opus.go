// Package codec wraps the Opus encoder and decoder behind the engine's
// frame types. One Encoder serves the transmit stream; one Decoder is held
// per active peer session.
package codec

import (
	"errors"

	"gopkg.in/hraban/opus.v2"

	"github.com/partyline-chat/partyline/pkg/frame"
)

const (
	// Large enough for any Opus payload the encoder can produce at the
	// bitrates the engine allows.
	maxPayloadBytes = 1500
)

var errBadFrameSize = errors.New("pcm frame size does not match a valid opus duration")

// Settings are the encoder knobs applied together from a voice-quality
// bundle.
type Settings struct {
	Bitrate        int
	LossPercentage int
	InbandFEC      bool
}

// Encoder turns canonical 48kHz mono PCM frames into Opus payloads.
type Encoder struct {
	enc      *opus.Encoder
	settings Settings
	buf      [maxPayloadBytes]byte
}

func NewEncoder(settings Settings) (*Encoder, error) {
	enc, err := opus.NewEncoder(frame.CanonicalSampleRate, frame.CanonicalChannels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}

	encoder := &Encoder{enc: enc, settings: settings}
	if err := encoder.apply(); err != nil {
		return nil, err
	}
	return encoder, nil
}

func (e *Encoder) apply() error {
	if err := e.enc.SetBitrate(e.settings.Bitrate); err != nil {
		return err
	}
	if err := e.enc.SetPacketLossPerc(e.settings.LossPercentage); err != nil {
		return err
	}
	return e.enc.SetInBandFEC(e.settings.InbandFEC)
}

// Reconfigure applies a fresh settings bundle to the live encoder.
func (e *Encoder) Reconfigure(settings Settings) error {
	e.settings = settings
	return e.apply()
}

// Reset tears down internal prediction state by recreating the encoder.
// Called when the transmit gate opens so a new utterance never leans on
// the tail of the previous one.
func (e *Encoder) Reset() error {
	enc, err := opus.NewEncoder(frame.CanonicalSampleRate, frame.CanonicalChannels, opus.AppVoIP)
	if err != nil {
		return err
	}
	e.enc = enc
	return e.apply()
}

// Encode compresses one PCM frame. The frame length must be a valid Opus
// duration (10/20/40/60ms at 48kHz mono). The returned payload aliases the
// encoder's scratch buffer and must be copied before the next call.
func (e *Encoder) Encode(pcm frame.PCMFrame) (frame.EncodedFrame, error) {
	switch len(pcm) {
	case 480, 960, 1920, 2880:
	default:
		return nil, errBadFrameSize
	}

	n, err := e.enc.EncodeFloat32(pcm, e.buf[:])
	if err != nil {
		return nil, err
	}
	return frame.EncodedFrame(e.buf[:n]), nil
}

// Decoder turns Opus payloads from one peer back into canonical PCM.
type Decoder struct {
	dec *opus.Decoder
	buf [frame.CanonicalSampleRate / 1000 * 60]float32
}

func NewDecoder() (*Decoder, error) {
	dec, err := opus.NewDecoder(frame.CanonicalSampleRate, frame.CanonicalChannels)
	if err != nil {
		return nil, err
	}
	return &Decoder{dec: dec}, nil
}

// Decode decompresses one payload. The returned frame aliases the decoder's
// scratch buffer and must be copied before the next call.
func (d *Decoder) Decode(payload frame.EncodedFrame) (frame.PCMFrame, error) {
	n, err := d.dec.DecodeFloat32(payload, d.buf[:])
	if err != nil {
		return nil, err
	}
	return frame.PCMFrame(d.buf[:n]), nil
}

// DecodePLC synthesizes concealment audio for a lost frame. frameSamples
// chooses how much audio to conjure, normally one 10ms tick.
func (d *Decoder) DecodePLC(frameSamples int) (frame.PCMFrame, error) {
	if frameSamples > len(d.buf) {
		frameSamples = len(d.buf)
	}
	pcm := d.buf[:frameSamples]
	if err := d.dec.DecodePLCFloat32(pcm); err != nil {
		return nil, err
	}
	return frame.PCMFrame(pcm), nil
}

// Reset recreates the decoder, dropping all prediction state. The jitter
// buffer calls this after a long run of silence so a stale excitation
// history cannot color the next utterance.
func (d *Decoder) Reset() error {
	dec, err := opus.NewDecoder(frame.CanonicalSampleRate, frame.CanonicalChannels)
	if err != nil {
		return err
	}
	d.dec = dec
	return nil
}
