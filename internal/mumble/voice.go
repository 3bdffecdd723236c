package mumble

import (
	"errors"
	"fmt"
)

// Voice-plane packet types (high three bits of the header byte).
const (
	VoiceCELTAlpha = 0
	VoicePing      = 1
	VoiceSpeex     = 2
	VoiceCELTBeta  = 3
	VoiceOpus      = 4
)

// Voice targets (low five bits of the header byte).
const (
	TargetNormal   = 0
	TargetLoopback = 1
)

// Opus frames inside a voice packet carry a Mumble varint length where bit
// 0x2000 marks the last frame of an utterance. The length itself is 13 bits.
const (
	opusTerminatorBit = 0x2000
	opusLengthMask    = 0x1FFF
)

var (
	errNotOpus        = errors.New("voice packet is not opus")
	errVoiceTruncated = errors.New("truncated voice packet")
	errFrameTooLarge  = errors.New("opus frame exceeds 13-bit length")
)

// An OpusFrame is one encoded frame plus its position in the utterance.
type OpusFrame struct {
	Payload []byte
	// Terminator marks the end of an utterance; the receiver finalizes the
	// stream (speaking indicator, decoder flush) when it sees one.
	Terminator bool
}

// IsStopMarker reports whether this frame is a bare utterance terminator
// with no audio payload.
func (f OpusFrame) IsStopMarker() bool {
	return f.Terminator && len(f.Payload) == 0
}

// A VoicePacket is the parsed form of a Mumble voice datagram (or tunnel
// payload). Session is only present on ingress; the server stamps it.
type VoicePacket struct {
	Target   byte
	Session  uint32
	Sequence int64
	Frames   []OpusFrame
}

// EncodeVoicePacket assembles an egress Opus voice packet: header byte,
// varint sequence, then each frame prefixed by its varint length with the
// terminator bit on the last frame when requested. Egress packets omit the
// session; the server prepends it when routing to peers.
func EncodeVoicePacket(target byte, sequence int64, frames []OpusFrame) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(VoiceOpus<<5)|(target&0x1F))
	buf = AppendVarint(buf, sequence)

	for _, f := range frames {
		if len(f.Payload) > opusLengthMask {
			return nil, errFrameTooLarge
		}
		header := int64(len(f.Payload))
		if f.Terminator {
			header |= opusTerminatorBit
		}
		buf = AppendVarint(buf, header)
		buf = append(buf, f.Payload...)
	}
	return buf, nil
}

// EncodeVoicePing assembles a voice-plane ping carrying a caller-chosen
// timestamp. The server echoes it back verbatim, which is how the engine
// learns that UDP is open in both directions.
func EncodeVoicePing(timestamp int64) []byte {
	buf := make([]byte, 0, 10)
	buf = append(buf, byte(VoicePing<<5))
	return AppendVarint(buf, timestamp)
}

// DecodeVoicePing parses a voice-plane ping echo, returning its timestamp.
func DecodeVoicePing(data []byte) (int64, bool) {
	if len(data) == 0 || data[0]>>5 != VoicePing {
		return 0, false
	}
	timestamp, _, err := ConsumeVarint(data[1:])
	if err != nil {
		return 0, false
	}
	return timestamp, true
}

// DecodeVoicePacket parses an ingress voice packet. Ingress packets carry
// the sender session as the first varint after the header byte.
func DecodeVoicePacket(data []byte) (VoicePacket, error) {
	if len(data) < 2 {
		return VoicePacket{}, errVoiceTruncated
	}

	packetType := data[0] >> 5
	if packetType != VoiceOpus {
		return VoicePacket{}, fmt.Errorf("%w: type %d", errNotOpus, packetType)
	}

	packet := VoicePacket{Target: data[0] & 0x1F}
	rest := data[1:]

	session, n, err := ConsumeVarint(rest)
	if err != nil {
		return VoicePacket{}, errVoiceTruncated
	}
	packet.Session = uint32(session)
	rest = rest[n:]

	sequence, n, err := ConsumeVarint(rest)
	if err != nil {
		return VoicePacket{}, errVoiceTruncated
	}
	packet.Sequence = sequence
	rest = rest[n:]

	for len(rest) > 0 {
		header, n, err := ConsumeVarint(rest)
		if err != nil {
			return VoicePacket{}, errVoiceTruncated
		}
		rest = rest[n:]

		length := int(header & opusLengthMask)
		if length > len(rest) {
			return VoicePacket{}, errVoiceTruncated
		}

		packet.Frames = append(packet.Frames, OpusFrame{
			Payload:    append([]byte(nil), rest[:length]...),
			Terminator: header&opusTerminatorBit != 0,
		})
		rest = rest[length:]

		// A terminator is by definition the last frame of the packet.
		if header&opusTerminatorBit != 0 {
			break
		}
	}

	return packet, nil
}
