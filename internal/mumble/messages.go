package mumble

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// The control payloads are proto2 messages. The engine only touches a small,
// stable subset of fields, so rather than carrying generated bindings it
// encodes and decodes exactly those fields with protowire. Field numbers are
// the wire contract and come straight from the Mumble protocol definition.

var errMalformedMessage = errors.New("malformed control message")

// Reject reason codes, per the protocol's Reject.RejectType enum.
const (
	RejectNone                uint64 = 0
	RejectWrongVersion        uint64 = 1
	RejectInvalidUsername     uint64 = 2
	RejectWrongUserPassword   uint64 = 3
	RejectWrongServerPassword uint64 = 4
	RejectUsernameInUse       uint64 = 5
	RejectServerFull          uint64 = 6
	RejectNoCertificate       uint64 = 7
	RejectAuthenticatorFail   uint64 = 8
)

// Version (type 0).
type Version struct {
	Version   uint32 // 1: major<<16 | minor<<8 | patch
	Release   string // 2
	OS        string // 3
	OSVersion string // 4
}

func (m *Version) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.Version))
	b = appendStringField(b, 2, m.Release)
	b = appendStringField(b, 3, m.OS)
	b = appendStringField(b, 4, m.OSVersion)
	return b
}

func (m *Version) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Version = uint32(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			m.Release = s
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			m.OS = s
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			m.OSVersion = s
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// Authenticate (type 2).
type Authenticate struct {
	Username     string   // 1
	Password     string   // 2
	Tokens       []string // 3
	CeltVersions []int32  // 4
	Opus         bool     // 5
}

func (m *Authenticate) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.Username)
	if m.Password != "" {
		b = appendStringField(b, 2, m.Password)
	}
	for _, token := range m.Tokens {
		b = appendStringField(b, 3, token)
	}
	for _, v := range m.CeltVersions {
		b = appendVarintField(b, 4, uint64(uint32(v)))
	}
	b = appendBoolField(b, 5, m.Opus)
	return b
}

// Ping (type 3). Carries a timestamp echoed by the server plus running
// transport statistics.
type Ping struct {
	Timestamp  uint64  // 1
	Good       uint32  // 2
	Late       uint32  // 3
	Lost       uint32  // 4
	Resync     uint32  // 5
	UDPPackets uint32  // 6
	TCPPackets uint32  // 7
	UDPPingAvg float32 // 8
	UDPPingVar float32 // 9
	TCPPingAvg float32 // 10
	TCPPingVar float32 // 11
}

func (m *Ping) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, m.Timestamp)
	b = appendVarintField(b, 2, uint64(m.Good))
	b = appendVarintField(b, 3, uint64(m.Late))
	b = appendVarintField(b, 4, uint64(m.Lost))
	b = appendVarintField(b, 5, uint64(m.Resync))
	b = appendVarintField(b, 6, uint64(m.UDPPackets))
	b = appendVarintField(b, 7, uint64(m.TCPPackets))
	b = appendFloatField(b, 8, m.UDPPingAvg)
	b = appendFloatField(b, 9, m.UDPPingVar)
	b = appendFloatField(b, 10, m.TCPPingAvg)
	b = appendFloatField(b, 11, m.TCPPingVar)
	return b
}

func (m *Ping) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType && num == 1 {
			v, n := protowire.ConsumeVarint(b)
			m.Timestamp = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// Reject (type 4).
type Reject struct {
	RejectType uint64 // 1
	Reason     string // 2
}

func (m *Reject) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.RejectType = v
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			m.Reason = s
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// ReasonText maps a Reject to the human-readable reason surfaced on the
// connection event.
func (m *Reject) ReasonText() string {
	if m.Reason != "" {
		return m.Reason
	}
	switch m.RejectType {
	case RejectWrongVersion:
		return "version mismatch"
	case RejectInvalidUsername:
		return "invalid username"
	case RejectWrongUserPassword, RejectWrongServerPassword:
		return "invalid password"
	case RejectUsernameInUse:
		return "username already in use"
	case RejectServerFull:
		return "server full"
	case RejectNoCertificate:
		return "certificate required"
	default:
		return "authentication rejected"
	}
}

// ServerSync (type 5).
type ServerSync struct {
	Session      uint32 // 1
	MaxBandwidth uint32 // 2
	WelcomeText  string // 3
}

func (m *ServerSync) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Session = uint32(v)
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.MaxBandwidth = uint32(v)
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			m.WelcomeText = s
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// ChannelRemove (type 6).
type ChannelRemove struct {
	ChannelID uint32 // 1
}

func (m *ChannelRemove) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			m.ChannelID = uint32(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// ChannelState (type 7). Parent and Name use pointers because the server
// sends partial updates; absence means "unchanged".
type ChannelState struct {
	ChannelID *uint32 // 1
	Parent    *uint32 // 2
	Name      *string // 3
}

func (m *ChannelState) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			id := uint32(v)
			m.ChannelID = &id
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			parent := uint32(v)
			m.Parent = &parent
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			m.Name = &s
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// UserRemove (type 8).
type UserRemove struct {
	Session uint32 // 1
	Reason  string // 3
}

func (m *UserRemove) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Session = uint32(v)
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			m.Reason = s
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// UserState (type 9). Every field is optional on the wire; pointers keep
// the partial-update semantics so the roster only applies what changed.
type UserState struct {
	Session   *uint32 // 1
	Actor     *uint32 // 2
	Name      *string // 3
	ChannelID *uint32 // 5
	Mute      *bool   // 6
	Deaf      *bool   // 7
	SelfMute  *bool   // 9
	SelfDeaf  *bool   // 10
	Comment   *string // 14
}

func (m *UserState) Marshal() []byte {
	var b []byte
	if m.Session != nil {
		b = appendVarintField(b, 1, uint64(*m.Session))
	}
	if m.Actor != nil {
		b = appendVarintField(b, 2, uint64(*m.Actor))
	}
	if m.Name != nil {
		b = appendStringField(b, 3, *m.Name)
	}
	if m.ChannelID != nil {
		b = appendVarintField(b, 5, uint64(*m.ChannelID))
	}
	if m.Mute != nil {
		b = appendBoolField(b, 6, *m.Mute)
	}
	if m.Deaf != nil {
		b = appendBoolField(b, 7, *m.Deaf)
	}
	if m.SelfMute != nil {
		b = appendBoolField(b, 9, *m.SelfMute)
	}
	if m.SelfDeaf != nil {
		b = appendBoolField(b, 10, *m.SelfDeaf)
	}
	if m.Comment != nil {
		b = appendStringField(b, 14, *m.Comment)
	}
	return b
}

func (m *UserState) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			session := uint32(v)
			m.Session = &session
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			actor := uint32(v)
			m.Actor = &actor
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			m.Name = &s
			return n, nil
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			channel := uint32(v)
			m.ChannelID = &channel
			return n, nil
		case num == 6 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			mute := v != 0
			m.Mute = &mute
			return n, nil
		case num == 7 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			deaf := v != 0
			m.Deaf = &deaf
			return n, nil
		case num == 9 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			selfMute := v != 0
			m.SelfMute = &selfMute
			return n, nil
		case num == 10 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			selfDeaf := v != 0
			m.SelfDeaf = &selfDeaf
			return n, nil
		case num == 14 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			m.Comment = &s
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// TextMessage (type 11).
type TextMessage struct {
	Actor      *uint32  // 1
	Sessions   []uint32 // 2
	ChannelIDs []uint32 // 3
	Message    string   // 5
}

func (m *TextMessage) Marshal() []byte {
	var b []byte
	if m.Actor != nil {
		b = appendVarintField(b, 1, uint64(*m.Actor))
	}
	for _, session := range m.Sessions {
		b = appendVarintField(b, 2, uint64(session))
	}
	for _, channel := range m.ChannelIDs {
		b = appendVarintField(b, 3, uint64(channel))
	}
	b = appendStringField(b, 5, m.Message)
	return b
}

func (m *TextMessage) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			actor := uint32(v)
			m.Actor = &actor
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Sessions = append(m.Sessions, uint32(v))
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.ChannelIDs = append(m.ChannelIDs, uint32(v))
			return n, nil
		case num == 5 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			m.Message = s
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// CryptSetup (type 15). Carries the OCB2 key and both nonces on connect;
// a server may later send only a fresh server nonce to resync.
type CryptSetup struct {
	Key         []byte // 1
	ClientNonce []byte // 2
	ServerNonce []byte // 3
}

func (m *CryptSetup) Marshal() []byte {
	var b []byte
	if m.Key != nil {
		b = appendBytesField(b, 1, m.Key)
	}
	if m.ClientNonce != nil {
		b = appendBytesField(b, 2, m.ClientNonce)
	}
	if m.ServerNonce != nil {
		b = appendBytesField(b, 3, m.ServerNonce)
	}
	return b
}

func (m *CryptSetup) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			m.Key = append([]byte(nil), v...)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			m.ClientNonce = append([]byte(nil), v...)
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			m.ServerNonce = append([]byte(nil), v...)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// CodecVersion (type 21). Received and ignored beyond the opus flag; the
// engine requires Opus.
type CodecVersion struct {
	Opus bool // 4
}

func (m *CodecVersion) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 4 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			m.Opus = v != 0
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// --------------------------------------------------------------------------------
// protowire helpers

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	var raw uint64
	if v {
		raw = 1
	}
	return appendVarintField(b, num, raw)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendFloatField(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

// eachField walks every field in a proto2 payload, handing the body after
// the tag to fn. fn returns the number of bytes it consumed.
func eachField(data []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: bad tag", errMalformedMessage)
		}
		data = data[n:]

		consumed, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if consumed < 0 {
			return fmt.Errorf("%w: field %d", errMalformedMessage, num)
		}
		data = data[consumed:]
	}
	return nil
}
