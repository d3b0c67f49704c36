// Package wire implements the datagram framing used by Airzound speakers
// and the command table that maps command names to opcodes and payload
// layouts. The byte layout is fixed by the device firmware and must be
// preserved bit for bit.
//
// Frame layout (big-endian):
//
//	[0:2]  magic 0xAA 0xAA
//	[2]    command type: 1=fetch, 2=set
//	[3:5]  command opcode
//	[5]    kind: 0=request, 1=response, 2=notification
//	[6:8]  correlation id
//	[8:10] payload length
//	[10:]  payload
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderSize = 10

const (
	magic0 = 0xAA
	magic1 = 0xAA
)

const (
	TypeFetch byte = 1
	TypeSet   byte = 2
)

type Kind byte

const (
	KindRequest Kind = iota
	KindResponse
	KindNotify
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotify:
		return "notify"
	}
	return "unknown"
}

var (
	ErrShortFrame     = errors.New("wire: frame too short")
	ErrBadMagic       = errors.New("wire: bad magic")
	ErrBadKind        = errors.New("wire: unknown message kind")
	ErrLengthMismatch = errors.New("wire: declared length mismatch")
)

// Frame is a single decoded datagram. Notifications carry a zero
// correlation id, the device never echoes one for unsolicited pushes.
type Frame struct {
	Type    byte
	Opcode  uint16
	Kind    Kind
	ID      uint16
	Payload []byte
}

func (f *Frame) Marshal() []byte {
	b := make([]byte, HeaderSize+len(f.Payload))
	b[0] = magic0
	b[1] = magic1
	b[2] = f.Type
	binary.BigEndian.PutUint16(b[3:], f.Opcode)
	b[5] = byte(f.Kind)
	binary.BigEndian.PutUint16(b[6:], f.ID)
	binary.BigEndian.PutUint16(b[8:], uint16(len(f.Payload)))
	copy(b[HeaderSize:], f.Payload)
	return b
}

// Unmarshal decodes a raw datagram. It never panics on truncated or
// adversarial input, the caller drops the datagram on error.
func Unmarshal(b []byte) (*Frame, error) {
	if len(b) < HeaderSize {
		return nil, ErrShortFrame
	}
	if b[0] != magic0 || b[1] != magic1 {
		return nil, ErrBadMagic
	}
	if b[5] > byte(KindNotify) {
		return nil, fmt.Errorf("%w: %d", ErrBadKind, b[5])
	}

	size := int(binary.BigEndian.Uint16(b[8:]))
	if size != len(b)-HeaderSize {
		return nil, fmt.Errorf("%w: declared %d, actual %d", ErrLengthMismatch, size, len(b)-HeaderSize)
	}

	f := &Frame{
		Type:   b[2],
		Opcode: binary.BigEndian.Uint16(b[3:]),
		Kind:   Kind(b[5]),
		ID:     binary.BigEndian.Uint16(b[6:]),
	}

	if size > 0 {
		// own copy, the read buffer is reused
		f.Payload = append([]byte(nil), b[HeaderSize:]...)
	}

	return f, nil
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s type=%d op=%d id=%d len=%d", f.Kind, f.Type, f.Opcode, f.ID, len(f.Payload))
}
