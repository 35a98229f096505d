// Package pipeline implements the forwarding pipeline (component H): the
// single entry point that receives a raw Ethernet frame off some
// interface and drives every other component (ARP cache, routing table,
// ICMP emitter, NAT) to either answer, forward, or drop it.
package pipeline

import (
	"log/slog"
	"net/netip"

	"github.com/soypat/vrouter/arp"
	"github.com/soypat/vrouter/ethernet"
	"github.com/soypat/vrouter/iface"
	"github.com/soypat/vrouter/icmp"
	"github.com/soypat/vrouter/ipv4"
	"github.com/soypat/vrouter/nat"
	"github.com/soypat/vrouter/rtable"
	"github.com/soypat/vrouter/tcp"
	"github.com/soypat/vrouter/udp"
	"github.com/soypat/vrouter/wire"
)

// Pipeline wires every component together behind a single [Pipeline.Handle]
// entry point, the shape of sr_router.c's sr_handlepacket translated into
// the Frame-codec idiom used throughout this module.
type Pipeline struct {
	Ifaces *iface.Table
	Routes *rtable.Table
	Arp    *arp.Cache
	ArpTx  *arp.Emitter
	ICMP   *icmp.Emitter
	NAT    *nat.Table // nil when NAT is disabled.
	Send   func(ifaceName string, frame []byte) error
	Log    *slog.Logger
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Log == nil {
		return slog.Default()
	}
	return p.Log
}

// Handle is the §4.H entry point: dispatch on EtherType, then run the
// ARP or IPv4 algorithm. Malformed or uninteresting frames are dropped
// silently, per §7.
func (p *Pipeline) Handle(frame []byte, length int, ifaceName string) {
	eth, err := ethernet.NewFrame(frame[:length])
	if err != nil {
		return
	}
	switch eth.EtherTypeOrSize() {
	case ethernet.TypeARP:
		p.handleARP(eth, ifaceName)
	case ethernet.TypeIPv4:
		p.handleIPv4(eth, ifaceName)
	}
}

// handleARP implements §4.H step 1.
func (p *Pipeline) handleARP(eth ethernet.Frame, ifaceName string) {
	af, err := arp.NewFrame(eth.Payload())
	if err != nil {
		return
	}
	var v wire.Validator
	af.ValidateSize(&v)
	if v.HasError() {
		return
	}

	senderHW, senderIP4 := af.Sender4()
	_, targetIP4 := af.Target4()
	targetIP := netip.AddrFrom4(*targetIP4)

	_, weOwnTarget := p.Ifaces.OwnsIP(targetIP)
	if !eth.IsBroadcast() && !weOwnTarget {
		return
	}

	senderIP := netip.AddrFrom4(*senderIP4)
	drained, hadRequest := p.Arp.Insert(senderIP, *senderHW)
	if hadRequest {
		for _, pkt := range drained {
			p.forwardResolved(pkt)
		}
	}

	if af.Operation() == arp.OpRequest && weOwnTarget {
		if err := p.ArpTx.Reply(eth, af, ifaceName); err != nil {
			p.logger().Warn("pipeline: arp reply failed", "err", err)
		}
	}
}

// forwardResolved re-drives a packet that was queued on the ARP cache
// now that its next hop's MAC is known: it repeats the routing lookup
// and link-layer rewrite steps of the forward path's final stage.
func (p *Pipeline) forwardResolved(pkt arp.PendingPacket) {
	eth, err := ethernet.NewFrame(pkt.Bytes[:pkt.Length])
	if err != nil {
		return
	}
	ip, err := ipv4.NewFrame(eth.Payload())
	if err != nil {
		return
	}
	dst := netip.AddrFrom4(*ip.DestinationAddr())
	route, ok := p.Routes.Lookup(dst)
	if !ok {
		return
	}
	mac, ok := p.Arp.Lookup(route.Gateway)
	if !ok {
		// Still unresolved (shouldn't normally happen right after an
		// insert) — re-queue and let the reaper keep trying.
		p.Arp.Queue(route.Gateway, pkt.Bytes, pkt.Length, pkt.Iface)
		return
	}
	ifc, ok := p.Ifaces.Lookup(route.Iface)
	if !ok {
		return
	}
	eth.SetDestinationHardwareAddr(mac)
	eth.SetSourceHardwareAddr(ifc.MAC)
	if err := p.Send(route.Iface, pkt.Bytes[:pkt.Length]); err != nil {
		p.logger().Warn("pipeline: resolved send failed", "err", err)
	}
}

// handleIPv4 implements §4.H step 2.
func (p *Pipeline) handleIPv4(eth ethernet.Frame, ifaceName string) {
	ip, err := ipv4.NewFrame(eth.Payload())
	if err != nil {
		return
	}
	var v wire.Validator
	ip.ValidateExceptCRC(&v)
	if v.HasError() {
		return
	}
	if wire.NeverZero(ip.CRC()) != wire.NeverZero(ip.CalculateHeaderCRC()) {
		return
	}

	dst := netip.AddrFrom4(*ip.DestinationAddr())
	if _, ok := p.Ifaces.OwnsIP(dst); ok {
		p.localDeliver(eth, ip, ifaceName)
		return
	}
	p.forward(eth, ip, ifaceName)
}

// localDeliver handles a datagram addressed to one of our own
// interfaces. Note the TTL decrement happens unconditionally before the
// protocol check, reproducing the original's order exactly (see
// DESIGN.md's Open Question decision): a TTL=1 echo request addressed to
// the router itself yields time-exceeded, not an echo reply.
func (p *Pipeline) localDeliver(eth ethernet.Frame, ip ipv4.Frame, ifaceName string) {
	ttl := ip.TTL()
	if ttl > 0 {
		ttl--
	}
	ip.SetTTL(ttl)
	if ttl == 0 {
		p.emitTimeExceeded(eth, ifaceName)
		return
	}

	switch ip.Protocol() {
	case wire.IPProtoICMP:
		if !icmp.IsSaneICMPPacket(ip.Payload()) {
			return
		}
		icmpf, err := icmp.NewFrame(ip.Payload())
		if err != nil || icmpf.Type() != icmp.TypeEcho {
			return
		}
		if err := p.ICMP.EchoReply(eth.RawData(), len(eth.RawData()), ifaceName); err != nil {
			p.logger().Warn("pipeline: echo reply failed", "err", err)
		}
	case wire.IPProtoTCP:
		tf, err := tcp.NewFrame(ip.Payload())
		if err != nil {
			return
		}
		var v wire.Validator
		tf.ValidateSize(&v)
		if v.HasError() {
			return
		}
		p.emitPortUnreachable(eth, ifaceName)
	case wire.IPProtoUDP:
		uf, err := udp.NewFrame(ip.Payload())
		if err != nil {
			return
		}
		var v wire.Validator
		uf.ValidateSize(&v)
		if v.HasError() {
			return
		}
		p.emitPortUnreachable(eth, ifaceName)
	}
}

// forward handles a datagram not addressed to us: sanity check, TTL
// decrement, optional NAT translation, routing lookup, and ARP-resolved
// send or queue.
func (p *Pipeline) forward(eth ethernet.Frame, ip ipv4.Frame, ifaceName string) {
	if !ipv4.IsSaneIPPacket(eth.RawData()) {
		return
	}

	ttl := ip.TTL()
	if ttl > 0 {
		ttl--
	}
	ip.SetTTL(ttl)
	if ttl == 0 {
		p.emitTimeExceeded(eth, ifaceName)
		return
	}

	if p.NAT != nil {
		if err := p.NAT.Translate(ip, ifaceName); err != nil {
			return
		}
	}

	dst := netip.AddrFrom4(*ip.DestinationAddr())
	route, ok := p.Routes.Lookup(dst)
	if !ok {
		p.emitNetUnreachable(eth, ifaceName)
		return
	}

	ip.SetCRC(0)
	ip.SetCRC(wire.NeverZero(ip.CalculateHeaderCRC()))

	mac, ok := p.Arp.Lookup(route.Gateway)
	ifc, ifcOK := p.Ifaces.Lookup(route.Iface)
	if !ok || !ifcOK {
		p.Arp.Queue(route.Gateway, eth.RawData(), len(eth.RawData()), ifaceName)
		if !ok {
			if err := p.ArpTx.Request(route.Gateway); err != nil {
				p.logger().Warn("pipeline: arp request failed", "err", err)
			}
		}
		return
	}
	eth.SetDestinationHardwareAddr(mac)
	eth.SetSourceHardwareAddr(ifc.MAC)
	if err := p.Send(route.Iface, eth.RawData()); err != nil {
		p.logger().Warn("pipeline: forward send failed", "err", err)
	}
}

func (p *Pipeline) emitTimeExceeded(eth ethernet.Frame, ifaceName string) {
	if err := p.ICMP.TimeExceeded(eth.RawData(), len(eth.RawData()), ifaceName); err != nil {
		p.logger().Warn("pipeline: time-exceeded emit failed", "err", err)
	}
}

func (p *Pipeline) emitNetUnreachable(eth ethernet.Frame, ifaceName string) {
	if err := p.ICMP.NetUnreachable(eth.RawData(), len(eth.RawData()), ifaceName); err != nil {
		p.logger().Warn("pipeline: net-unreachable emit failed", "err", err)
	}
}

func (p *Pipeline) emitPortUnreachable(eth ethernet.Frame, ifaceName string) {
	if err := p.ICMP.PortUnreachable(eth.RawData(), len(eth.RawData()), ifaceName); err != nil {
		p.logger().Warn("pipeline: port-unreachable emit failed", "err", err)
	}
}
