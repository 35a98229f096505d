// Package tcp implements the RFC 9293 TCP header codec, trimmed to the
// fields the NAT component (G) and the forwarding pipeline (H) actually
// read: ports and flags. This router neither originates nor terminates
// TCP connections, so no connection state machine lives here.
package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/soypat/vrouter/wire"
)

const sizeHeader = 20

var errShort = errors.New("tcp: buffer shorter than header")

// NewFrame wraps buf as a Frame. An error is returned if buf is shorter
// than the 20-byte no-options header.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{}, errShort
	}
	return Frame{buf: buf}, nil
}

// Frame is a view over the raw bytes of a TCP segment.
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

// offsetAndFlags returns the data-offset (in 32-bit words) and flags field.
func (f Frame) offsetAndFlags() (offset uint8, flags Flags) {
	v := binary.BigEndian.Uint16(f.buf[12:14])
	return uint8(v >> 12), Flags(v).Mask()
}

// SetOffsetAndFlags sets the data-offset and flags field.
func (f Frame) SetOffsetAndFlags(offset uint8, flags Flags) {
	v := uint16(offset)<<12 | uint16(flags.Mask())
	binary.BigEndian.PutUint16(f.buf[12:14], v)
}

// HeaderLength returns the header length in bytes, options included.
func (f Frame) HeaderLength() int {
	offset, _ := f.offsetAndFlags()
	return 4 * int(offset)
}

// Flags returns the TCP flags field (SYN, ACK, FIN, RST, ...).
func (f Frame) Flags() Flags {
	_, flags := f.offsetAndFlags()
	return flags
}

// CRC returns the checksum field.
func (f Frame) CRC() uint16 { return binary.BigEndian.Uint16(f.buf[16:18]) }

// SetCRC sets the checksum field.
func (f Frame) SetCRC(cs uint16) { binary.BigEndian.PutUint16(f.buf[16:18], cs) }

// CalculateCRC computes the checksum over the current segment bytes
// (header through end of buf), treating the checksum field as zero. No
// pseudo-header is included, so the IPv4 addresses NAT rewrites are not
// covered (see DESIGN.md's Open Question decision).
func (f Frame) CalculateCRC() uint16 {
	var crc wire.CRC791
	crc.Write(f.buf[0:16])
	crc.AddUint16(0) // checksum field zeroed
	crc.WritePayload(f.buf[18:])
	return crc.Sum16()
}

// Payload returns the segment payload, after the header and any options.
func (f Frame) Payload() []byte { return f.buf[f.HeaderLength():] }

// ClearHeader zeros the fixed 20-byte header (not any options).
func (f Frame) ClearHeader() {
	for i := range f.buf[:sizeHeader] {
		f.buf[i] = 0
	}
}

var (
	errBadOffset  = errors.New("tcp: data offset below minimum of 5")
	errZeroSource = errors.New("tcp: zero source port")
	errZeroDest   = errors.New("tcp: zero destination port")
)

// ValidateSize checks the data-offset field against the backing buffer.
func (f Frame) ValidateSize(v *wire.Validator) {
	off := f.HeaderLength()
	if off < sizeHeader {
		v.AddBitPosErr(12*8, 4, errBadOffset)
	}
	if off > len(f.buf) {
		v.AddBitPosErr(12*8, 4, wire.ErrInvalidLengthField)
	}
}

// ValidateExceptCRC runs ValidateSize and additionally rejects zero
// source/destination ports, but does not verify the checksum.
func (f Frame) ValidateExceptCRC(v *wire.Validator) {
	f.ValidateSize(v)
	if f.SourcePort() == 0 {
		v.AddBitPosErr(0, 16, errZeroSource)
	}
	if f.DestinationPort() == 0 {
		v.AddBitPosErr(2*8, 16, errZeroDest)
	}
}

func (f Frame) String() string {
	return fmt.Sprintf("TCP :%d -> :%d %s", f.SourcePort(), f.DestinationPort(), f.Flags())
}
