package icmp

import (
	"log/slog"
	"net/netip"

	"github.com/soypat/vrouter/arp"
	"github.com/soypat/vrouter/ethernet"
	"github.com/soypat/vrouter/iface"
	"github.com/soypat/vrouter/internal/ratelimit"
	"github.com/soypat/vrouter/ipv4"
	"github.com/soypat/vrouter/wire"
)

// DataSize is ICMP_DATA_SIZE from §6: the number of bytes of the
// offending datagram carried by a Type-3/Type-11 error message, starting
// at its IP header, zero-padded if the original was shorter.
const DataSize = 28

// Emitter builds and sends ICMP echo-replies and error messages
// (component E).
type Emitter struct {
	Ifaces   *iface.Table
	ArpCache *arp.Cache
	// Send transmits the whole of frame out the named interface,
	// matching the §6 link-layer send contract.
	Send func(ifaceName string, frame []byte) error
	Log  *slog.Logger
	// Limiter, if set, caps the rate of error-message emission so a
	// packet storm cannot turn into an ICMP storm. Echo replies are
	// never limited: a ping flood should see its replies, only the
	// router's own generated errors are throttled.
	Limiter *ratelimit.Limiter
}

func (e *Emitter) logger() *slog.Logger {
	if e.Log == nil {
		return slog.Default()
	}
	return e.Log
}

// EchoReply turns an inbound echo-request frame into an echo-reply in
// place: Ethernet and IP source/destination are swapped, TTL is set to 64,
// the ICMP type becomes EchoReply, and both checksums are recomputed. The
// reply is then handed to the ARP-resolved send path: if the destination
// MAC is already cached the frame is sent immediately, otherwise it is
// queued on the ARP cache (component D) for the reaper to resolve.
func (e *Emitter) EchoReply(buf []byte, length int, ifaceName string) error {
	eth, err := ethernet.NewFrame(buf[:length])
	if err != nil {
		return err
	}
	ip, err := ipv4.NewFrame(eth.Payload())
	if err != nil {
		return err
	}
	icmpf, err := NewFrame(ip.Payload())
	if err != nil {
		return err
	}

	origSrc := *ip.SourceAddr()
	origDst := *ip.DestinationAddr()
	ip.SetSourceAddr(origDst)
	ip.SetDestinationAddr(origSrc)
	ip.SetTTL(64)

	icmpf.SetType(TypeEchoReply)
	icmpf.SetCode(0)
	icmpf.SetCRC(0)
	icmpf.SetCRC(wire.NeverZero(icmpf.CalculateCRC()))

	ip.SetCRC(0)
	ip.SetCRC(wire.NeverZero(ip.CalculateHeaderCRC()))

	dest := netip.AddrFrom4(origSrc)
	mac, ok := e.ArpCache.Lookup(dest)
	if !ok {
		e.ArpCache.Queue(dest, buf[:length], length, ifaceName)
		return nil
	}
	ifc, ok := e.Ifaces.Lookup(ifaceName)
	if !ok {
		return errUnknownIface(ifaceName)
	}
	eth.SetDestinationHardwareAddr(mac)
	eth.SetSourceHardwareAddr(ifc.MAC)
	return e.Send(ifaceName, buf[:length])
}

// EmitHostUnreachable builds and sends a Type-3/Code-1 (host unreachable)
// message for a packet that could not be ARP-resolved after exhausting
// retries. It satisfies [arp.UnreachableEmitter].
func (e *Emitter) EmitHostUnreachable(packet []byte, length int, ifaceName string) {
	if err := e.sendError(packet, length, ifaceName, TypeDestinationUnreach, uint8(CodeHostUnreachable)); err != nil {
		e.logger().Warn("icmp: host-unreachable emit failed", "err", err)
	}
}

// NetUnreachable sends a Type-3/Code-0 (net unreachable) message, used by
// the forwarding pipeline when the routing table has no matching entry.
func (e *Emitter) NetUnreachable(packet []byte, length int, ifaceName string) error {
	return e.sendError(packet, length, ifaceName, TypeDestinationUnreach, uint8(CodeNetUnreachable))
}

// PortUnreachable sends a Type-3/Code-3 (port unreachable) message, used
// both for TCP/UDP traffic addressed to the router itself and for
// quarantined SYNs that age out of the NAT's SYN quarantine.
func (e *Emitter) PortUnreachable(packet []byte, length int, ifaceName string) error {
	return e.sendError(packet, length, ifaceName, TypeDestinationUnreach, uint8(CodePortUnreachable))
}

// TimeExceeded sends a Type-11/Code-0 message, used when a forwarded
// datagram's TTL reaches zero.
func (e *Emitter) TimeExceeded(packet []byte, length int, ifaceName string) error {
	return e.sendError(packet, length, ifaceName, TypeTimeExceeded, uint8(CodeExceededInTransit))
}

// sendError builds a fresh Ethernet/IPv4/ICMP frame carrying the first
// DataSize bytes of the offending datagram, addressed back to its sender.
// No ARP resolution is needed: the sender's MAC is read straight off the
// inbound frame that triggered the error (§4.E).
func (e *Emitter) sendError(packet []byte, length int, ifaceName string, typ Type, code uint8) error {
	if !e.Limiter.Allow() {
		return nil
	}
	inEth, err := ethernet.NewFrame(packet[:length])
	if err != nil {
		return err
	}
	inIP, err := ipv4.NewFrame(inEth.Payload())
	if err != nil {
		return err
	}
	ifc, ok := e.Ifaces.Lookup(ifaceName)
	if !ok {
		return errUnknownIface(ifaceName)
	}

	const totalLen = 14 + 20 + 8 + DataSize
	out := make([]byte, totalLen)

	outEth, _ := ethernet.NewFrame(out)
	outEth.SetDestinationHardwareAddr(*inEth.SourceHardwareAddr())
	outEth.SetSourceHardwareAddr(ifc.MAC)
	outEth.SetEtherType(ethernet.TypeIPv4)

	outIP, _ := ipv4.NewFrame(out[14:])
	outIP.SetVersionAndIHL(4, 5)
	outIP.SetToS(0)
	outIP.SetTotalLength(uint16(totalLen - 14))
	outIP.SetID(0)
	outIP.SetFlags(0)
	outIP.SetTTL(64)
	outIP.SetProtocol(wire.IPProtoICMP)
	outIP.SetSourceAddr(ifc.IPv4.As4())
	outIP.SetDestinationAddr(*inIP.SourceAddr())
	outIP.SetCRC(0)
	outIP.SetCRC(wire.NeverZero(outIP.CalculateHeaderCRC()))

	outICMP, _ := NewFrame(out[14+20:])
	outICMP.SetType(typ)
	outICMP.SetCode(code)
	copy(outICMP.RestOfHeader(), []byte{0, 0, 0, 0})
	copy(outICMP.Payload(), buildDataSection(inEth.Payload()))
	outICMP.SetCRC(0)
	outICMP.SetCRC(wire.NeverZero(outICMP.CalculateCRC()))

	return e.Send(ifaceName, out)
}

// buildDataSection reproduces the original C implementation's fixed-size,
// zero-pad-if-shorter / truncate-if-longer copy of the offending datagram
// (starting at its IP header) into a DataSize-byte buffer.
func buildDataSection(origIPDatagram []byte) []byte {
	var data [DataSize]byte
	copy(data[:], origIPDatagram)
	return data[:]
}

type errUnknownIface string

func (e errUnknownIface) Error() string { return "icmp: unknown interface " + string(e) }
