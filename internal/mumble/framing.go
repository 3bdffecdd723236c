package mumble

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Control-channel message types, as defined by the Mumble protocol.
// The numeric values are the wire format and must not change.
const (
	TypeVersion          uint16 = 0
	TypeUDPTunnel        uint16 = 1
	TypeAuthenticate     uint16 = 2
	TypePing             uint16 = 3
	TypeReject           uint16 = 4
	TypeServerSync       uint16 = 5
	TypeChannelRemove    uint16 = 6
	TypeChannelState     uint16 = 7
	TypeUserRemove       uint16 = 8
	TypeUserState        uint16 = 9
	TypeBanList          uint16 = 10
	TypeTextMessage      uint16 = 11
	TypePermissionDenied uint16 = 12
	TypeACL              uint16 = 13
	TypeQueryUsers       uint16 = 14
	TypeCryptSetup       uint16 = 15
	TypeUserList         uint16 = 18
	TypeCodecVersion     uint16 = 21
	TypeServerConfig     uint16 = 24
)

const (
	frameHeaderSize = 6

	// Servers reject larger control messages; so do we, before allocating.
	maxControlPayload = 8 * 1024 * 1024
)

var errControlPayloadTooLarge = errors.New("control payload exceeds protocol limit")

// A ControlFrame is one typed message on the TLS stream: two bytes of
// message type, four bytes of payload length (both big-endian), then the
// payload itself.
type ControlFrame struct {
	Type    uint16
	Payload []byte
}

// WriteControlFrame writes one length-prefixed control message.
func WriteControlFrame(w io.Writer, frameType uint16, payload []byte) error {
	if len(payload) > maxControlPayload {
		return errControlPayloadTooLarge
	}

	header := make([]byte, frameHeaderSize, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint16(header[0:2], frameType)
	binary.BigEndian.PutUint32(header[2:6], uint32(len(payload)))

	if _, err := w.Write(append(header, payload...)); err != nil {
		return fmt.Errorf("write control frame type %d: %w", frameType, err)
	}
	return nil
}

// ReadControlFrame reads one length-prefixed control message.
func ReadControlFrame(r io.Reader) (ControlFrame, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return ControlFrame{}, err
	}

	frameType := binary.BigEndian.Uint16(header[0:2])
	payloadLen := binary.BigEndian.Uint32(header[2:6])
	if payloadLen > maxControlPayload {
		return ControlFrame{}, errControlPayloadTooLarge
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return ControlFrame{}, fmt.Errorf("read control payload type %d: %w", frameType, err)
	}
	return ControlFrame{Type: frameType, Payload: payload}, nil
}
