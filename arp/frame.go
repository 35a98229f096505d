// Package arp implements the RFC 826 ARP wire codec (component C), the
// MAC/IP cache with its pending-packet queue and reaper (component D),
// and the reply/request builders (component F).
package arp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/soypat/vrouter/ethernet"
	"github.com/soypat/vrouter/wire"
)

const sizeHeaderv4 = 28

var errShort = errors.New("arp: buffer shorter than IPv4 ARP header")

// Operation is the ARP header's operation field.
type Operation uint16

const (
	OpRequest Operation = 1
	OpReply   Operation = 2
)

func (op Operation) String() string {
	switch op {
	case OpRequest:
		return "request"
	case OpReply:
		return "reply"
	default:
		return "unknown"
	}
}

const hwTypeEthernet uint16 = 1

// NewFrame wraps buf as a Frame. An error is returned if buf is shorter
// than the 28-byte Ethernet/IPv4 ARP header.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeaderv4 {
		return Frame{}, errShort
	}
	return Frame{buf: buf}, nil
}

// Frame is a view over the raw bytes of an ARP packet, restricted in
// practice to hardware=Ethernet, protocol=IPv4 (§4.C). See RFC 826.
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice the Frame was built from.
func (f Frame) RawData() []byte { return f.buf }

func (f Frame) hwlen() uint8    { return f.buf[4] }
func (f Frame) protolen() uint8 { return f.buf[5] }

// Hardware returns the hardware type and address length fields.
func (f Frame) Hardware() (typ uint16, length uint8) {
	return binary.BigEndian.Uint16(f.buf[0:2]), f.hwlen()
}

// Protocol returns the protocol type and address length fields.
func (f Frame) Protocol() (typ ethernet.Type, length uint8) {
	return ethernet.Type(binary.BigEndian.Uint16(f.buf[2:4])), f.protolen()
}

// Operation returns the request/reply operation field.
func (f Frame) Operation() Operation { return Operation(binary.BigEndian.Uint16(f.buf[6:8])) }

// SetOperation sets the operation field.
func (f Frame) SetOperation(op Operation) { binary.BigEndian.PutUint16(f.buf[6:8], uint16(op)) }

// SetIPv4Header fills the hardware/protocol type+length fields for an
// Ethernet/IPv4 ARP packet.
func (f Frame) SetIPv4Header() {
	binary.BigEndian.PutUint16(f.buf[0:2], hwTypeEthernet)
	binary.BigEndian.PutUint16(f.buf[2:4], uint16(ethernet.TypeIPv4))
	f.buf[4] = 6
	f.buf[5] = 4
}

// Sender4 returns pointers to the sender hardware and IPv4 address fields.
func (f Frame) Sender4() (hw *[6]byte, proto *[4]byte) {
	return (*[6]byte)(f.buf[8:14]), (*[4]byte)(f.buf[14:18])
}

// Target4 returns pointers to the target hardware and IPv4 address fields.
func (f Frame) Target4() (hw *[6]byte, proto *[4]byte) {
	return (*[6]byte)(f.buf[18:24]), (*[4]byte)(f.buf[24:28])
}

// ClearHeader zeros the fixed (non hardware/protocol-length-dependent)
// first 8 bytes of the header.
func (f Frame) ClearHeader() {
	for i := range f.buf[:8] {
		f.buf[i] = 0
	}
}

// ValidateSize checks the frame's address-length fields against the
// backing buffer.
func (f Frame) ValidateSize(v *wire.Validator) {
	_, hlen := f.Hardware()
	_, ilen := f.Protocol()
	minLen := 8 + 2*(int(hlen)+int(ilen))
	if len(f.buf) < minLen {
		v.AddError(errShort)
	}
}

func (f Frame) String() string {
	sndhw, sndip := f.Sender4()
	tgthw, tgtip := f.Target4()
	return fmt.Sprintf("ARP %s HW=(SENDER=%s,TARGET=%s) IP=(SENDER=%s,TARGET=%s)",
		f.Operation(), net.HardwareAddr(sndhw[:]), net.HardwareAddr(tgthw[:]),
		netip.AddrFrom4(*sndip), netip.AddrFrom4(*tgtip))
}
