package arp

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/soypat/vrouter/ethernet"
	"github.com/soypat/vrouter/iface"
	"github.com/soypat/vrouter/rtable"
)

const sizeEthARPv4 = 14 + sizeHeaderv4

// Emitter builds and sends ARP replies and requests (component F). It
// consults the interface and routing tables to know which addresses to
// fill in and which link to send on, and hands the finished frame to Send
// — the link-layer contract of §6.
type Emitter struct {
	Ifaces *iface.Table
	Routes *rtable.Table
	// Send transmits frame out the named interface. It matches the §6
	// link-layer send contract: non-blocking, frame already fully built.
	Send func(ifaceName string, frame []byte) error
	Log  *slog.Logger
}

func (e *Emitter) logger() *slog.Logger {
	if e.Log == nil {
		return slog.Default()
	}
	return e.Log
}

// Reply answers an inbound ARP request in place: it swaps the Ethernet and
// ARP sender/target fields so the frame becomes a unicast reply from
// ifaceName's own address back to the original requester, and sends it on
// ifaceName.
func (e *Emitter) Reply(eth ethernet.Frame, af Frame, ifaceName string) error {
	ifc, ok := e.Ifaces.Lookup(ifaceName)
	if !ok {
		return fmt.Errorf("arp: reply: unknown interface %q", ifaceName)
	}
	requesterHW, requesterIP := af.Sender4()
	origRequesterHW := *requesterHW
	origRequesterIP := *requesterIP

	af.SetOperation(OpReply)
	senderHW, senderIP := af.Sender4()
	*senderHW = ifc.MAC
	*senderIP = ifc.IPv4.As4()
	targetHW, targetIP := af.Target4()
	*targetHW = origRequesterHW
	*targetIP = origRequesterIP

	eth.SetDestinationHardwareAddr(origRequesterHW)
	eth.SetSourceHardwareAddr(ifc.MAC)

	e.logger().Debug("arp: sending reply", "iface", ifaceName, "to", origRequesterIP)
	return e.Send(ifaceName, eth.RawData())
}

// Request builds and sends a fresh broadcast ARP request for target,
// determining the outgoing interface and next-hop by longest-prefix match
// on target (§4.F). The ARP target-IP is set to the routing entry's
// gateway, not target itself — target may be many hops away; we only ever
// need to resolve the immediate next hop's MAC.
func (e *Emitter) Request(target netip.Addr) error {
	route, ok := e.Routes.Lookup(target)
	if !ok {
		return fmt.Errorf("arp: request: no route to %s", target)
	}
	ifc, ok := e.Ifaces.Lookup(route.Iface)
	if !ok {
		return fmt.Errorf("arp: request: unknown interface %q", route.Iface)
	}

	buf := make([]byte, sizeEthARPv4)
	eth, err := ethernet.NewFrame(buf)
	if err != nil {
		return err
	}
	eth.SetDestinationHardwareAddr(ethernet.BroadcastAddr())
	eth.SetSourceHardwareAddr(ifc.MAC)
	eth.SetEtherType(ethernet.TypeARP)

	af, err := NewFrame(buf[eth.HeaderLength():])
	if err != nil {
		return err
	}
	af.ClearHeader()
	af.SetIPv4Header()
	af.SetOperation(OpRequest)
	senderHW, senderIP := af.Sender4()
	*senderHW = ifc.MAC
	*senderIP = ifc.IPv4.As4()
	_, targetIP := af.Target4()
	*targetIP = route.Gateway.As4()

	e.logger().Debug("arp: sending request", "iface", route.Iface, "gateway", route.Gateway)
	return e.Send(route.Iface, buf)
}

// compile-time check that the Emitter adapter satisfies [RequestEmitter].
var (
	_ RequestEmitter = (*emitterRequestAdapter)(nil)
)

// emitterRequestAdapter adapts *Emitter to [RequestEmitter], logging and
// swallowing routing errors the way the reaper's fire-and-forget retry
// loop expects (a transient no-route condition just means the next tick
// tries again).
type emitterRequestAdapter struct {
	E *Emitter
}

// NewRequestEmitter wraps e so it satisfies [RequestEmitter] for use with
// [Cache.RunReaper].
func NewRequestEmitter(e *Emitter) RequestEmitter {
	return &emitterRequestAdapter{E: e}
}

func (a *emitterRequestAdapter) EmitRequest(target netip.Addr) {
	if err := a.E.Request(target); err != nil {
		a.E.logger().Warn("arp: request emit failed", "target", target, "err", err)
	}
}
