// Package ipv4 implements the RFC 791 IPv4 header codec (component C,
// no-options profile) plus the IPv4-specific half of component I's sanity
// predicates.
package ipv4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/soypat/vrouter/wire"
)

// NewFrame wraps buf as a Frame. An error is returned if buf is shorter
// than the 20-byte no-options header; callers should still call
// [Frame.ValidateSize] before trusting TotalLength-derived slices.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{}, errShort
	}
	return Frame{buf: buf}, nil
}

// Frame is a view over the raw bytes of an IPv4 datagram. See RFC 791.
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice the Frame was built from.
func (f Frame) RawData() []byte { return f.buf }

// HeaderLength returns the header length in bytes, including any options.
func (f Frame) HeaderLength() int { return int(f.ihl()) * 4 }

func (f Frame) ihl() uint8     { return f.buf[0] & 0xf }
func (f Frame) version() uint8 { return f.buf[0] >> 4 }

// SetVersionAndIHL sets the version (always 4 here) and IHL fields.
func (f Frame) SetVersionAndIHL(version, ihl uint8) { f.buf[0] = version<<4 | ihl&0xf }

// ToS returns the Type-of-Service field.
func (f Frame) ToS() ToS { return ToS(f.buf[1]) }

// SetToS sets the Type-of-Service field.
func (f Frame) SetToS(tos ToS) { f.buf[1] = byte(tos) }

// TotalLength returns the entire datagram size in bytes, header + payload.
func (f Frame) TotalLength() uint16 { return binary.BigEndian.Uint16(f.buf[2:4]) }

// SetTotalLength sets the TotalLength field.
func (f Frame) SetTotalLength(tl uint16) { binary.BigEndian.PutUint16(f.buf[2:4], tl) }

// ID returns the datagram identification field.
func (f Frame) ID() uint16 { return binary.BigEndian.Uint16(f.buf[4:6]) }

// SetID sets the identification field.
func (f Frame) SetID(id uint16) { binary.BigEndian.PutUint16(f.buf[4:6], id) }

// Flags returns the fragmentation Flags field.
func (f Frame) Flags() Flags { return Flags(binary.BigEndian.Uint16(f.buf[6:8])) }

// SetFlags sets the fragmentation Flags field.
func (f Frame) SetFlags(flags Flags) { binary.BigEndian.PutUint16(f.buf[6:8], uint16(flags)) }

// TTL returns the time-to-live / hop-count field.
func (f Frame) TTL() uint8 { return f.buf[8] }

// SetTTL sets the TTL field.
func (f Frame) SetTTL(ttl uint8) { f.buf[8] = ttl }

// Protocol returns the encapsulated protocol number.
func (f Frame) Protocol() wire.IPProto { return wire.IPProto(f.buf[9]) }

// SetProtocol sets the encapsulated protocol number field.
func (f Frame) SetProtocol(p wire.IPProto) { f.buf[9] = uint8(p) }

// CRC returns the header checksum field.
func (f Frame) CRC() uint16 { return binary.BigEndian.Uint16(f.buf[10:12]) }

// SetCRC sets the header checksum field.
func (f Frame) SetCRC(cs uint16) { binary.BigEndian.PutUint16(f.buf[10:12], cs) }

// CalculateHeaderCRC computes the IPv4 header checksum over the current
// header bytes (treating the CRC field itself as zero).
func (f Frame) CalculateHeaderCRC() uint16 {
	var crc wire.CRC791
	hl := f.HeaderLength()
	crc.Write(f.buf[0:10])
	crc.Write(f.buf[12:hl])
	return crc.Sum16()
}

// SourceAddr returns a pointer to the source address field.
func (f Frame) SourceAddr() *[4]byte { return (*[4]byte)(f.buf[12:16]) }

// SetSourceAddr sets the source address field.
func (f Frame) SetSourceAddr(addr [4]byte) { copy(f.buf[12:16], addr[:]) }

// DestinationAddr returns a pointer to the destination address field.
func (f Frame) DestinationAddr() *[4]byte { return (*[4]byte)(f.buf[16:20]) }

// SetDestinationAddr sets the destination address field.
func (f Frame) SetDestinationAddr(addr [4]byte) { copy(f.buf[16:20], addr[:]) }

// Payload returns the datagram's payload (after the header, up to
// TotalLength). Call [Frame.ValidateSize] first to avoid a panic on a
// malformed TotalLength.
func (f Frame) Payload() []byte {
	return f.buf[f.HeaderLength():f.TotalLength()]
}

// ClearHeader zeros the fixed 20-byte header (not any IP options).
func (f Frame) ClearHeader() {
	for i := range f.buf[:sizeHeader] {
		f.buf[i] = 0
	}
}

var (
	errBadTL      = errors.New("ipv4: total length shorter than header")
	errShort      = errors.New("ipv4: buffer shorter than total length")
	errBadIHL     = errors.New("ipv4: IHL below minimum of 5")
	errBadVersion = errors.New("ipv4: version field is not 4")
)

// ValidateSize checks TotalLength and IHL against the backing buffer.
func (f Frame) ValidateSize(v *wire.Validator) {
	ihl := f.ihl()
	tl := f.TotalLength()
	if tl < sizeHeader {
		v.AddError(errBadTL)
	}
	if int(tl) > len(f.buf) {
		v.AddError(errShort)
	}
	if ihl < 5 {
		v.AddError(errBadIHL)
	}
}

// ValidateExceptCRC runs ValidateSize and additionally checks the version
// field, but does not verify the header checksum (callers that already
// know the checksum is good, e.g. right after computing it, skip that
// cost).
func (f Frame) ValidateExceptCRC(v *wire.Validator) {
	f.ValidateSize(v)
	if f.version() != 4 {
		v.AddError(errBadVersion)
	}
}

// IsSaneIPPacket implements component I's is_sane_ip_packet predicate: the
// buffer is at least long enough for an Ethernet+IPv4 header and the IPv4
// checksum verifies.
func IsSaneIPPacket(buf []byte) bool {
	const minEthIPv4 = 14 + sizeHeader
	if len(buf) < minEthIPv4 {
		return false
	}
	f, err := NewFrame(buf[14:])
	if err != nil {
		return false
	}
	var v wire.Validator
	f.ValidateExceptCRC(&v)
	if v.HasError() {
		return false
	}
	want := f.CRC()
	got := f.CalculateHeaderCRC()
	return wire.NeverZero(got) == wire.NeverZero(want)
}

func (f Frame) String() string {
	dst := netip.AddrFrom4(*f.DestinationAddr())
	src := netip.AddrFrom4(*f.SourceAddr())
	return fmt.Sprintf("IP %s SRC=%s DST=%s LEN=%d TTL=%d ID=%d",
		f.Protocol(), src, dst, f.TotalLength(), f.TTL(), f.ID())
}
