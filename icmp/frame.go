// Package icmp implements the RFC 792 ICMP header codec (component C) and
// the echo-reply/destination-unreachable/time-exceeded builders
// (component E).
package icmp

import (
	"encoding/binary"
	"errors"

	"github.com/soypat/vrouter/wire"
)

const sizeHeader = 8

var errShort = errors.New("icmp: buffer shorter than header")

// Type is the ICMP message type field.
type Type uint8

const (
	TypeEchoReply             Type = 0
	TypeDestinationUnreach    Type = 3
	TypeEcho                  Type = 8
	TypeTimeExceeded          Type = 11
)

// CodeDestinationUnreachable is the Code field of a Type 3 message.
type CodeDestinationUnreachable uint8

const (
	CodeNetUnreachable  CodeDestinationUnreachable = 0
	CodeHostUnreachable CodeDestinationUnreachable = 1
	CodePortUnreachable CodeDestinationUnreachable = 3
)

// CodeTimeExceeded is the Code field of a Type 11 message.
type CodeTimeExceeded uint8

const CodeExceededInTransit CodeTimeExceeded = 0

// NewFrame wraps buf as a Frame. An error is returned if buf is shorter
// than the 8-byte ICMP header.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{}, errShort
	}
	return Frame{buf: buf}, nil
}

// Frame is a view over the raw bytes of an ICMP message.
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice the Frame was built from.
func (f Frame) RawData() []byte { return f.buf }

// Type returns the ICMP message type.
func (f Frame) Type() Type { return Type(f.buf[0]) }

// SetType sets the ICMP message type.
func (f Frame) SetType(t Type) { f.buf[0] = uint8(t) }

// Code returns the ICMP message code.
func (f Frame) Code() uint8 { return f.buf[1] }

// SetCode sets the ICMP message code.
func (f Frame) SetCode(c uint8) { f.buf[1] = c }

// CRC returns the checksum field.
func (f Frame) CRC() uint16 { return binary.BigEndian.Uint16(f.buf[2:4]) }

// SetCRC sets the checksum field.
func (f Frame) SetCRC(cs uint16) { binary.BigEndian.PutUint16(f.buf[2:4], cs) }

// RestOfHeader returns the 4 type-specific bytes following Type/Code/CRC
// (echo identifier+sequence, or unused/zero for error messages).
func (f Frame) RestOfHeader() []byte { return f.buf[4:8] }

// Payload returns the bytes following the 8-byte ICMP header.
func (f Frame) Payload() []byte { return f.buf[sizeHeader:] }

// CalculateCRC computes the ICMP checksum over the whole message
// (header, with the checksum field itself treated as zero, plus payload).
func (f Frame) CalculateCRC() uint16 {
	var crc wire.CRC791
	crc.AddUint16(binary.BigEndian.Uint16(f.buf[0:2])) // type, code
	crc.AddUint16(0)                                   // checksum field zeroed
	crc.WritePayload(f.buf[4:])
	return crc.Sum16()
}

// ValidateSize checks the buffer is at least long enough for the header.
func (f Frame) ValidateSize(v *wire.Validator) {
	if len(f.buf) < sizeHeader {
		v.AddError(errShort)
	}
}

// Echo is a view over an ICMP echo/echo-reply message (Type 0 or 8).
type Echo struct{ Frame }

// Identifier returns the echo identifier field.
func (e Echo) Identifier() uint16 { return binary.BigEndian.Uint16(e.buf[4:6]) }

// SetIdentifier sets the echo identifier field.
func (e Echo) SetIdentifier(id uint16) { binary.BigEndian.PutUint16(e.buf[4:6], id) }

// SequenceNumber returns the echo sequence number field.
func (e Echo) SequenceNumber() uint16 { return binary.BigEndian.Uint16(e.buf[6:8]) }

// SetSequenceNumber sets the echo sequence number field.
func (e Echo) SetSequenceNumber(seq uint16) { binary.BigEndian.PutUint16(e.buf[6:8], seq) }

// IsSaneICMPPacket implements component I's is_sane_icmp_packet predicate:
// ipPayload (the bytes following the IPv4 header) covers the 8-byte ICMP
// header and the ICMP checksum verifies.
func IsSaneICMPPacket(ipPayload []byte) bool {
	if len(ipPayload) < sizeHeader {
		return false
	}
	f, err := NewFrame(ipPayload)
	if err != nil {
		return false
	}
	want := f.CRC()
	got := f.CalculateCRC()
	return wire.NeverZero(got) == wire.NeverZero(want)
}
