// Package udp implements the RFC 768 UDP header codec. The forwarding
// pipeline (component H) uses it to sanity-check a locally-addressed UDP
// datagram's length field before answering with ICMP port-unreachable.
package udp

import (
	"encoding/binary"
	"errors"

	"github.com/soypat/vrouter/wire"
)

const sizeHeader = 8

var errShort = errors.New("udp: buffer shorter than header")

// NewFrame wraps buf as a Frame. An error is returned if buf is shorter
// than the 8-byte UDP header.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{}, errShort
	}
	return Frame{buf: buf}, nil
}

// Frame is a view over the raw bytes of a UDP datagram.
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice the Frame was built from.
func (f Frame) RawData() []byte { return f.buf }

// SourcePort identifies the sending port.
func (f Frame) SourcePort() uint16 { return binary.BigEndian.Uint16(f.buf[0:2]) }

// SetSourcePort sets the source port.
func (f Frame) SetSourcePort(p uint16) { binary.BigEndian.PutUint16(f.buf[0:2], p) }

// DestinationPort identifies the receiving port.
func (f Frame) DestinationPort() uint16 { return binary.BigEndian.Uint16(f.buf[2:4]) }

// SetDestinationPort sets the destination port.
func (f Frame) SetDestinationPort(p uint16) { binary.BigEndian.PutUint16(f.buf[2:4], p) }

// Length returns the UDP length field: header plus payload, in bytes.
func (f Frame) Length() uint16 { return binary.BigEndian.Uint16(f.buf[4:6]) }

// SetLength sets the UDP length field.
func (f Frame) SetLength(length uint16) { binary.BigEndian.PutUint16(f.buf[4:6], length) }

// CRC returns the checksum field.
func (f Frame) CRC() uint16 { return binary.BigEndian.Uint16(f.buf[6:8]) }

// SetCRC sets the checksum field.
func (f Frame) SetCRC(cs uint16) { binary.BigEndian.PutUint16(f.buf[6:8], cs) }

// Payload returns the datagram payload. Call [Frame.ValidateSize] first to
// avoid a panic on a malformed Length field.
func (f Frame) Payload() []byte { return f.buf[sizeHeader:f.Length()] }

// ClearHeader zeros the 8-byte header.
func (f Frame) ClearHeader() {
	for i := range f.buf[:sizeHeader] {
		f.buf[i] = 0
	}
}

var (
	errBadLen = errors.New("udp: length field below header size")
	errTooBig = errors.New("udp: length field exceeds buffer")
)

// ValidateSize checks the Length field against the backing buffer.
func (f Frame) ValidateSize(v *wire.Validator) {
	l := f.Length()
	if l < sizeHeader {
		v.AddError(errBadLen)
	}
	if int(l) > len(f.buf) {
		v.AddError(errTooBig)
	}
}
