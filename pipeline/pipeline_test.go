package pipeline

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/soypat/vrouter/arp"
	"github.com/soypat/vrouter/ethernet"
	"github.com/soypat/vrouter/iface"
	"github.com/soypat/vrouter/icmp"
	"github.com/soypat/vrouter/ipv4"
	"github.com/soypat/vrouter/nat"
	"github.com/soypat/vrouter/rtable"
	"github.com/soypat/vrouter/wire"
)

const testIfacesCfg = `eth0 aa:aa:aa:aa:aa:01 10.0.1.1 255.255.255.0
eth1 aa:aa:aa:aa:aa:02 10.0.2.1 255.255.255.0
`

const testRoutesCfg = `10.0.2.0 10.0.2.254 255.255.255.0 eth1
0.0.0.0 10.0.2.254 0.0.0.0 eth1
`

type sentFrame struct {
	iface string
	bytes []byte
}

func newTestPipeline(t *testing.T) (*Pipeline, *[]sentFrame) {
	t.Helper()
	ifaces, err := iface.Load(strings.NewReader(testIfacesCfg), "")
	if err != nil {
		t.Fatal(err)
	}
	routes, err := rtable.Load(strings.NewReader(testRoutesCfg))
	if err != nil {
		t.Fatal(err)
	}
	cache := arp.NewCache(time.Minute, 64, clockwork.NewFakeClock(), nil)
	arpTx := &arp.Emitter{Ifaces: ifaces, Routes: routes}
	icmpTx := &icmp.Emitter{Ifaces: ifaces, ArpCache: cache}

	var sent []sentFrame
	send := func(ifaceName string, frame []byte) error {
		sent = append(sent, sentFrame{iface: ifaceName, bytes: append([]byte(nil), frame...)})
		return nil
	}
	arpTx.Send = send
	icmpTx.Send = send

	p := &Pipeline{
		Ifaces: ifaces,
		Routes: routes,
		Arp:    cache,
		ArpTx:  arpTx,
		ICMP:   icmpTx,
		Send:   send,
	}
	return p, &sent
}

func buildARPRequest(senderMAC [6]byte, senderIP, targetIP [4]byte) []byte {
	buf := make([]byte, 14+28)
	eth, _ := ethernet.NewFrame(buf)
	eth.SetSourceHardwareAddr(senderMAC)
	eth.SetDestinationHardwareAddr(ethernet.BroadcastAddr())
	eth.SetEtherType(ethernet.TypeARP)
	af, _ := arp.NewFrame(buf[14:])
	af.ClearHeader()
	af.SetIPv4Header()
	af.SetOperation(arp.OpRequest)
	sHW, sIP := af.Sender4()
	*sHW = senderMAC
	*sIP = senderIP
	_, tIP := af.Target4()
	*tIP = targetIP
	return buf
}

func TestHandleARPRequestForOurAddress(t *testing.T) {
	p, sent := newTestPipeline(t)
	frame := buildARPRequest([6]byte{1, 2, 3, 4, 5, 6}, [4]byte{10, 0, 1, 50}, [4]byte{10, 0, 1, 1})
	p.Handle(frame, len(frame), "eth0")

	if len(*sent) != 1 {
		t.Fatalf("expected one ARP reply sent, got %d", len(*sent))
	}
	af, _ := arp.NewFrame((*sent)[0].bytes[14:])
	if af.Operation() != arp.OpReply {
		t.Fatal("expected an ARP reply")
	}
	if _, ok := p.Arp.Lookup(netip.MustParseAddr("10.0.1.50")); !ok {
		t.Fatal("expected the requester's address to be learned")
	}
}

func TestHandleARPRequestNotForUsIsIgnored(t *testing.T) {
	p, sent := newTestPipeline(t)
	frame := buildARPRequest([6]byte{1, 2, 3, 4, 5, 6}, [4]byte{10, 0, 1, 50}, [4]byte{10, 0, 1, 99})
	eth, _ := ethernet.NewFrame(frame)
	eth.SetDestinationHardwareAddr([6]byte{9, 9, 9, 9, 9, 9}) // unicast, not broadcast
	p.Handle(frame, len(frame), "eth0")
	if len(*sent) != 0 {
		t.Fatal("expected no reply for a request not addressed to us")
	}
}

func buildEthIPv4(srcMAC, dstMAC [6]byte, srcIP, dstIP [4]byte, ttl uint8, proto wire.IPProto, payloadLen int) []byte {
	total := 14 + 20 + payloadLen
	buf := make([]byte, total)
	eth, _ := ethernet.NewFrame(buf)
	eth.SetSourceHardwareAddr(srcMAC)
	eth.SetDestinationHardwareAddr(dstMAC)
	eth.SetEtherType(ethernet.TypeIPv4)
	ip, _ := ipv4.NewFrame(buf[14:])
	ip.SetVersionAndIHL(4, 5)
	ip.SetTotalLength(uint16(20 + payloadLen))
	ip.SetTTL(ttl)
	ip.SetProtocol(proto)
	ip.SetSourceAddr(srcIP)
	ip.SetDestinationAddr(dstIP)
	ip.SetCRC(0)
	ip.SetCRC(wire.NeverZero(ip.CalculateHeaderCRC()))
	return buf
}

func TestHandleEchoRequestToRouter(t *testing.T) {
	p, sent := newTestPipeline(t)
	p.Arp.Insert(netip.MustParseAddr("10.0.1.50"), [6]byte{1, 2, 3, 4, 5, 6})

	buf := buildEthIPv4([6]byte{1, 2, 3, 4, 5, 6}, [6]byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01},
		[4]byte{10, 0, 1, 50}, [4]byte{10, 0, 1, 1}, 64, wire.IPProtoICMP, 8)
	ip, _ := ipv4.NewFrame(buf[14:])
	icmpf, _ := icmp.NewFrame(ip.Payload())
	icmpf.SetType(icmp.TypeEcho)
	e := icmp.Echo{Frame: icmpf}
	e.SetIdentifier(1)
	e.SetCRC(0)
	e.SetCRC(wire.NeverZero(e.CalculateCRC()))
	ip.SetCRC(0)
	ip.SetCRC(wire.NeverZero(ip.CalculateHeaderCRC()))

	p.Handle(buf, len(buf), "eth0")

	if len(*sent) != 1 {
		t.Fatalf("expected one echo reply, got %d", len(*sent))
	}
	outEth, _ := ethernet.NewFrame((*sent)[0].bytes)
	outIP, _ := ipv4.NewFrame(outEth.Payload())
	if *outIP.SourceAddr() != [4]byte{10, 0, 1, 1} {
		t.Fatal("echo reply should come from the router's own address")
	}
}

func TestHandleForwardQueuesOnArpMiss(t *testing.T) {
	p, sent := newTestPipeline(t)
	buf := buildEthIPv4([6]byte{1, 2, 3, 4, 5, 6}, [6]byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01},
		[4]byte{10, 0, 1, 50}, [4]byte{10, 0, 2, 50}, 64, wire.IPProtoICMP, 8)
	ip, _ := ipv4.NewFrame(buf[14:])
	icmpf, _ := icmp.NewFrame(ip.Payload())
	icmpf.SetType(icmp.TypeEcho)
	ip.SetCRC(0)
	ip.SetCRC(wire.NeverZero(ip.CalculateHeaderCRC()))

	p.Handle(buf, len(buf), "eth0")

	if p.Arp.NumPendingRequests() != 1 {
		t.Fatalf("expected the packet to be queued behind a fresh ARP request, got %d pending", p.Arp.NumPendingRequests())
	}
	// The queued ARP request itself is an immediate send.
	if len(*sent) != 1 {
		t.Fatalf("expected one ARP request sent, got %d", len(*sent))
	}
	af, _ := arp.NewFrame((*sent)[0].bytes[14:])
	if af.Operation() != arp.OpRequest {
		t.Fatal("expected an ARP request")
	}
}

func TestHandleForwardSendsWhenResolved(t *testing.T) {
	p, sent := newTestPipeline(t)
	p.Arp.Insert(netip.MustParseAddr("10.0.2.254"), [6]byte{7, 7, 7, 7, 7, 7})

	buf := buildEthIPv4([6]byte{1, 2, 3, 4, 5, 6}, [6]byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01},
		[4]byte{10, 0, 1, 50}, [4]byte{8, 8, 8, 8}, 64, wire.IPProtoICMP, 8)
	ip, _ := ipv4.NewFrame(buf[14:])
	icmpf, _ := icmp.NewFrame(ip.Payload())
	icmpf.SetType(icmp.TypeEcho)
	ip.SetCRC(0)
	ip.SetCRC(wire.NeverZero(ip.CalculateHeaderCRC()))

	p.Handle(buf, len(buf), "eth0")

	if len(*sent) != 1 {
		t.Fatalf("expected the packet to be forwarded immediately, got %d sends", len(*sent))
	}
	outEth, _ := ethernet.NewFrame((*sent)[0].bytes)
	if *outEth.DestinationHardwareAddr() != [6]byte{7, 7, 7, 7, 7, 7} {
		t.Fatal("expected the forwarded frame's destination MAC to be the resolved gateway")
	}
	outIP, _ := ipv4.NewFrame(outEth.Payload())
	if outIP.TTL() != 63 {
		t.Fatalf("expected TTL decremented to 63, got %d", outIP.TTL())
	}
}

func TestHandleForwardTTLExpired(t *testing.T) {
	p, sent := newTestPipeline(t)
	p.Arp.Insert(netip.MustParseAddr("10.0.1.50"), [6]byte{1, 2, 3, 4, 5, 6})

	buf := buildEthIPv4([6]byte{1, 2, 3, 4, 5, 6}, [6]byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01},
		[4]byte{10, 0, 1, 50}, [4]byte{8, 8, 8, 8}, 1, wire.IPProtoICMP, 8)
	ip, _ := ipv4.NewFrame(buf[14:])
	icmpf, _ := icmp.NewFrame(ip.Payload())
	icmpf.SetType(icmp.TypeEcho)
	ip.SetCRC(0)
	ip.SetCRC(wire.NeverZero(ip.CalculateHeaderCRC()))

	p.Handle(buf, len(buf), "eth0")

	if len(*sent) != 1 {
		t.Fatalf("expected a time-exceeded message, got %d sends", len(*sent))
	}
	outEth, _ := ethernet.NewFrame((*sent)[0].bytes)
	outIP, _ := ipv4.NewFrame(outEth.Payload())
	outICMP, _ := icmp.NewFrame(outIP.Payload())
	if outICMP.Type() != icmp.TypeTimeExceeded {
		t.Fatalf("expected time-exceeded, got type %d", outICMP.Type())
	}
}

func TestHandleForwardNoRouteSendsNetUnreachable(t *testing.T) {
	p, sent := newTestPipeline(t)
	buf := buildEthIPv4([6]byte{1, 2, 3, 4, 5, 6}, [6]byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01},
		[4]byte{10, 0, 1, 50}, [4]byte{8, 8, 8, 8}, 64, wire.IPProtoICMP, 8)
	ip, _ := ipv4.NewFrame(buf[14:])
	icmpf, _ := icmp.NewFrame(ip.Payload())
	icmpf.SetType(icmp.TypeEcho)
	ip.SetCRC(0)
	ip.SetCRC(wire.NeverZero(ip.CalculateHeaderCRC()))

	// Replace the routing table with one that has no matching entry.
	noRoutes, err := rtable.Load(strings.NewReader("192.0.2.0 192.0.2.254 255.255.255.0 eth1\n"))
	if err != nil {
		t.Fatal(err)
	}
	p.Routes = noRoutes
	p.ArpTx.Routes = noRoutes

	p.Handle(buf, len(buf), "eth0")

	if len(*sent) != 1 {
		t.Fatalf("expected a net-unreachable message, got %d sends", len(*sent))
	}
	outEth, _ := ethernet.NewFrame((*sent)[0].bytes)
	outIP, _ := ipv4.NewFrame(outEth.Payload())
	outICMP, _ := icmp.NewFrame(outIP.Payload())
	if outICMP.Type() != icmp.TypeDestinationUnreach || outICMP.Code() != uint8(icmp.CodeNetUnreachable) {
		t.Fatalf("unexpected type/code: %d/%d", outICMP.Type(), outICMP.Code())
	}
}

func TestHandleForwardWithNATRewritesSource(t *testing.T) {
	p, sent := newTestPipeline(t)
	natIfaces, err := iface.Load(strings.NewReader(
		"internal aa:aa:aa:aa:aa:01 10.0.1.1 255.255.255.0\n"+
			"external aa:aa:aa:aa:aa:02 203.0.113.1 255.255.255.0\n"), "external")
	if err != nil {
		t.Fatal(err)
	}
	natRoutes, err := rtable.Load(strings.NewReader(
		"10.0.1.0 10.0.1.1 255.255.255.0 internal\n"+
			"0.0.0.0 203.0.113.254 0.0.0.0 external\n"))
	if err != nil {
		t.Fatal(err)
	}
	p.Ifaces = natIfaces
	p.Routes = natRoutes
	p.ArpTx.Ifaces = natIfaces
	p.ArpTx.Routes = natRoutes
	p.ICMP.Ifaces = natIfaces
	p.NAT = nat.New(natIfaces, natRoutes, nat.Config{ExternalIface: "external"}, clockwork.NewFakeClock())
	p.Arp.Insert(netip.MustParseAddr("203.0.113.254"), [6]byte{9, 9, 9, 9, 9, 9})

	buf := buildEthIPv4([6]byte{1, 2, 3, 4, 5, 6}, [6]byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01},
		[4]byte{10, 0, 1, 50}, [4]byte{8, 8, 8, 8}, 64, wire.IPProtoICMP, 8)
	ip, _ := ipv4.NewFrame(buf[14:])
	icmpf, _ := icmp.NewFrame(ip.Payload())
	icmpf.SetType(icmp.TypeEcho)
	e := icmp.Echo{Frame: icmpf}
	e.SetIdentifier(42)
	e.SetCRC(0)
	e.SetCRC(wire.NeverZero(e.CalculateCRC()))
	ip.SetCRC(0)
	ip.SetCRC(wire.NeverZero(ip.CalculateHeaderCRC()))

	p.Handle(buf, len(buf), "internal")

	if len(*sent) != 1 {
		t.Fatalf("expected the translated packet to be forwarded, got %d sends", len(*sent))
	}
	outEth, _ := ethernet.NewFrame((*sent)[0].bytes)
	outIP, _ := ipv4.NewFrame(outEth.Payload())
	if *outIP.SourceAddr() != [4]byte{203, 0, 113, 1} {
		t.Fatalf("expected NAT to rewrite source to the external IP, got %v", *outIP.SourceAddr())
	}
}

// TestHandleForwardWithNATUnroutableDestinationPassesThroughUntouched covers
// the case where NAT.Translate runs before the routing lookup: an
// unroutable destination must not be rewritten by NAT first and then
// fail routing, since emitNetUnreachable would otherwise build its ICMP
// reply from an already-translated packet instead of the original.
func TestHandleForwardWithNATUnroutableDestinationPassesThroughUntouched(t *testing.T) {
	p, sent := newTestPipeline(t)
	natIfaces, err := iface.Load(strings.NewReader(
		"internal aa:aa:aa:aa:aa:01 10.0.1.1 255.255.255.0\n"+
			"external aa:aa:aa:aa:aa:02 203.0.113.1 255.255.255.0\n"), "external")
	if err != nil {
		t.Fatal(err)
	}
	// No default route: 8.8.8.8 is unroutable.
	natRoutes, err := rtable.Load(strings.NewReader("10.0.1.0 10.0.1.1 255.255.255.0 internal\n"))
	if err != nil {
		t.Fatal(err)
	}
	p.Ifaces = natIfaces
	p.Routes = natRoutes
	p.ArpTx.Ifaces = natIfaces
	p.ArpTx.Routes = natRoutes
	p.ICMP.Ifaces = natIfaces
	p.NAT = nat.New(natIfaces, natRoutes, nat.Config{ExternalIface: "external"}, clockwork.NewFakeClock())

	buf := buildEthIPv4([6]byte{1, 2, 3, 4, 5, 6}, [6]byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01},
		[4]byte{10, 0, 1, 50}, [4]byte{8, 8, 8, 8}, 64, wire.IPProtoICMP, 8)
	ip, _ := ipv4.NewFrame(buf[14:])
	icmpf, _ := icmp.NewFrame(ip.Payload())
	icmpf.SetType(icmp.TypeEcho)
	e := icmp.Echo{Frame: icmpf}
	e.SetIdentifier(42)
	e.SetCRC(0)
	e.SetCRC(wire.NeverZero(e.CalculateCRC()))
	ip.SetCRC(0)
	ip.SetCRC(wire.NeverZero(ip.CalculateHeaderCRC()))

	p.Handle(buf, len(buf), "internal")

	if len(*sent) != 1 {
		t.Fatalf("expected a net-unreachable message, got %d sends", len(*sent))
	}
	outEth, _ := ethernet.NewFrame((*sent)[0].bytes)
	outIP, _ := ipv4.NewFrame(outEth.Payload())
	outICMP, _ := icmp.NewFrame(outIP.Payload())
	if outICMP.Type() != icmp.TypeDestinationUnreach || outICMP.Code() != uint8(icmp.CodeNetUnreachable) {
		t.Fatalf("unexpected type/code: %d/%d", outICMP.Type(), outICMP.Code())
	}

	// The embedded original datagram inside the ICMP payload must still
	// carry the untranslated internal source address: NAT must not have
	// rewritten it before the routing lookup failed.
	embeddedIP, err := ipv4.NewFrame(outICMP.Payload())
	if err != nil {
		t.Fatalf("parsing embedded datagram: %v", err)
	}
	if *embeddedIP.SourceAddr() != [4]byte{10, 0, 1, 50} {
		t.Fatalf("expected the embedded original source to be untranslated, got %v", *embeddedIP.SourceAddr())
	}
}
