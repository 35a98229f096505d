// Package wire holds the primitives shared by every frame codec package:
// the one's-complement checksum accumulator, the multi-error Validator,
// and the IP protocol-number enumeration. Per-protocol packages (ethernet,
// arp, ipv4, icmp, tcp, udp) each keep their own Frame type and field
// layout, but all of them validate through this package.
package wire

import "encoding/binary"

// CRC791 implements the checksum algorithm of RFC 791: the 16-bit one's
// complement of the one's complement sum of all 16-bit words. An odd
// trailing byte is treated as the high byte of a zero-padded 16-bit word.
//
// The zero value is ready to use.
type CRC791 struct {
	sum uint32
}

// AddUint16 adds a 16 bit value to the running checksum, network byte order.
func (c *CRC791) AddUint16(v uint16) {
	c.sum += uint32(v)
}

// AddUint32 adds a 32 bit value to the running checksum, network byte order.
func (c *CRC791) AddUint32(v uint32) {
	c.AddUint16(uint16(v >> 16))
	c.AddUint16(uint16(v))
}

// Write adds the bytes in buf to the running checksum. len(buf) must be even.
func (c *CRC791) Write(buf []byte) {
	for i := 0; i < len(buf); i += 2 {
		c.sum += uint32(binary.BigEndian.Uint16(buf[i:]))
	}
}

// WritePayload adds buf to the running checksum, handling an odd-length
// trailing byte by padding it on the low side, as RFC 791 prescribes for
// packet payloads (as opposed to fixed-size headers, which are always even).
func (c *CRC791) WritePayload(buf []byte) {
	odd := len(buf) & 1
	c.Write(buf[:len(buf)-odd])
	if odd == 1 {
		c.sum += uint32(buf[len(buf)-1]) << 8
	}
}

// Sum16 folds the accumulator down to its final 16-bit one's-complement form.
func (c *CRC791) Sum16() uint16 {
	sum := c.sum
	sum = (sum & 0xffff) + sum>>16
	sum = (sum & 0xffff) + sum>>16
	return ^uint16(sum)
}

// Reset zeros the accumulator.
func (c *CRC791) Reset() { *c = CRC791{} }

// NeverZero maps a checksum of 0x0000 to 0xffff, since both represent the
// same value in one's-complement arithmetic and RFC 791 reserves an
// all-zero transmitted checksum to mean "no checksum".
func NeverZero(sum16 uint16) uint16 {
	if sum16 == 0 {
		return 0xffff
	}
	return sum16
}
