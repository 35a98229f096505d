// Package ethernet implements the IEEE 802.3 Ethernet II frame codec used
// at the edges of the forwarding pipeline: every frame read from or
// written to a link-layer transport passes through a Frame.
package ethernet

import (
	"encoding/binary"
	"errors"

	"github.com/soypat/vrouter/wire"
)

var errShort = errors.New("ethernet: buffer shorter than header")

// NewFrame wraps buf as a Frame. An error is returned if buf is shorter
// than the 14-byte non-VLAN header; callers should still call
// [Frame.ValidateSize] before touching variable-length fields.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeaderNoVLAN {
		return Frame{}, errShort
	}
	return Frame{buf: buf}, nil
}

// Frame is a view over the raw bytes of an Ethernet II frame, starting at
// the destination MAC address (no preamble, no FCS trailer — those are a
// link-layer transport's concern, not this codec's).
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice the Frame was built from.
func (f Frame) RawData() []byte { return f.buf }

// HeaderLength returns 14, or 18 if the frame carries a VLAN tag.
func (f Frame) HeaderLength() int {
	if f.IsVLAN() {
		return 18
	}
	return sizeHeaderNoVLAN
}

// Payload returns the frame's data portion following the header.
func (f Frame) Payload() []byte {
	hl := f.HeaderLength()
	et := f.EtherTypeOrSize()
	if et.IsSize() {
		return f.buf[hl : hl+int(et)]
	}
	return f.buf[hl:]
}

// DestinationHardwareAddr returns the destination MAC address.
func (f Frame) DestinationHardwareAddr() *[6]byte { return (*[6]byte)(f.buf[0:6]) }

// SetDestinationHardwareAddr sets the destination MAC address.
func (f Frame) SetDestinationHardwareAddr(addr [6]byte) { copy(f.buf[0:6], addr[:]) }

// IsBroadcast reports whether the destination is ff:ff:ff:ff:ff:ff.
func (f Frame) IsBroadcast() bool {
	b := f.buf
	return b[0] == 0xff && b[1] == 0xff && b[2] == 0xff && b[3] == 0xff && b[4] == 0xff && b[5] == 0xff
}

// SourceHardwareAddr returns the source MAC address.
func (f Frame) SourceHardwareAddr() *[6]byte { return (*[6]byte)(f.buf[6:12]) }

// SetSourceHardwareAddr sets the source MAC address.
func (f Frame) SetSourceHardwareAddr(addr [6]byte) { copy(f.buf[6:12], addr[:]) }

// SwapAddrs exchanges the source and destination MAC addresses in place,
// turning an inbound frame's header into a reply's without reallocating a
// fresh header.
func (f Frame) SwapAddrs() {
	var tmp [6]byte
	copy(tmp[:], f.buf[0:6])
	copy(f.buf[0:6], f.buf[6:12])
	copy(f.buf[6:12], tmp[:])
}

// EtherTypeOrSize returns the EtherType/Size field. Callers should check
// [Type.IsSize] before treating it as a protocol identifier.
func (f Frame) EtherTypeOrSize() Type {
	return Type(binary.BigEndian.Uint16(f.buf[12:14]))
}

// SetEtherType sets the EtherType field.
func (f Frame) SetEtherType(t Type) {
	binary.BigEndian.PutUint16(f.buf[12:14], uint16(t))
}

// IsVLAN reports whether the frame carries an 802.1Q VLAN tag.
func (f Frame) IsVLAN() bool { return f.EtherTypeOrSize() == TypeVLAN }

// VLANTag returns the VLAN tag field. Call [Frame.ValidateSize] first.
func (f Frame) VLANTag() VLANTag { return VLANTag(binary.BigEndian.Uint16(f.buf[14:16])) }

// VLANEtherType returns the inner EtherType of a VLAN-tagged frame.
func (f Frame) VLANEtherType() Type { return Type(binary.BigEndian.Uint16(f.buf[16:18])) }

// ClearHeader zeros the fixed (non-VLAN) header bytes.
func (f Frame) ClearHeader() {
	for i := range f.buf[:sizeHeaderNoVLAN] {
		f.buf[i] = 0
	}
}

// ValidateSize checks the frame's size fields against the backing buffer.
func (f Frame) ValidateSize(v *wire.Validator) {
	sz := f.EtherTypeOrSize()
	if sz.IsSize() && len(f.buf) < sizeHeaderNoVLAN+int(sz) {
		v.AddError(errShort)
	}
	if sz == TypeVLAN && len(f.buf) < 18 {
		v.AddError(errors.New("ethernet: short VLAN header"))
	}
}

func (f Frame) String() string {
	src := f.SourceHardwareAddr()
	dst := f.DestinationHardwareAddr()
	return "ETH " + macString(*src) + " -> " + macString(*dst) + " " + f.EtherTypeOrSize().String()
}

func macString(addr [6]byte) string {
	buf := make([]byte, 0, 17)
	for i, b := range addr {
		if i != 0 {
			buf = append(buf, ':')
		}
		buf = append(buf, hexDigit(b>>4), hexDigit(b&0xf))
	}
	return string(buf)
}

func hexDigit(b byte) byte {
	const digits = "0123456789abcdef"
	return digits[b]
}
