package arp

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/soypat/vrouter/ethernet"
	"github.com/soypat/vrouter/iface"
	"github.com/soypat/vrouter/rtable"
)

func testIfaces(t *testing.T) *iface.Table {
	t.Helper()
	ifaces, err := iface.Load(strings.NewReader(
		"eth0 aa:aa:aa:aa:aa:01 10.0.1.1 255.255.255.0\n"), "")
	if err != nil {
		t.Fatal(err)
	}
	return ifaces
}

func testRoutes(t *testing.T) *rtable.Table {
	t.Helper()
	routes, err := rtable.Load(strings.NewReader(
		"10.0.2.0 10.0.1.254 255.255.255.0 eth0\n"))
	if err != nil {
		t.Fatal(err)
	}
	return routes
}

func TestEmitterReply(t *testing.T) {
	ifaces := testIfaces(t)
	var sent []byte
	e := &Emitter{
		Ifaces: ifaces,
		Routes: testRoutes(t),
		Send: func(ifaceName string, frame []byte) error {
			sent = append([]byte(nil), frame...)
			return nil
		},
	}

	buf := make([]byte, sizeEthARPv4)
	eth, _ := ethernet.NewFrame(buf)
	eth.SetSourceHardwareAddr([6]byte{1, 2, 3, 4, 5, 6})
	eth.SetDestinationHardwareAddr(ethernet.BroadcastAddr())
	eth.SetEtherType(ethernet.TypeARP)
	af, _ := NewFrame(buf[eth.HeaderLength():])
	af.ClearHeader()
	af.SetIPv4Header()
	af.SetOperation(OpRequest)
	senderHW, senderIP := af.Sender4()
	*senderHW = [6]byte{1, 2, 3, 4, 5, 6}
	*senderIP = [4]byte{10, 0, 1, 2}
	_, targetIP := af.Target4()
	*targetIP = [4]byte{10, 0, 1, 1}

	if err := e.Reply(eth, af, "eth0"); err != nil {
		t.Fatal(err)
	}
	if sent == nil {
		t.Fatal("expected a frame to be sent")
	}

	outEth, _ := ethernet.NewFrame(sent)
	if *outEth.DestinationHardwareAddr() != [6]byte{1, 2, 3, 4, 5, 6} {
		t.Fatal("reply not addressed back to the requester")
	}
	outAF, _ := NewFrame(sent[outEth.HeaderLength():])
	if outAF.Operation() != OpReply {
		t.Fatal("expected operation to become reply")
	}
	_, gotTargetIP := outAF.Target4()
	if *gotTargetIP != [4]byte{10, 0, 1, 2} {
		t.Fatal("reply target should be the original requester")
	}
}

func TestEmitterRequest(t *testing.T) {
	ifaces := testIfaces(t)
	var sentIface string
	var sent []byte
	e := &Emitter{
		Ifaces: ifaces,
		Routes: testRoutes(t),
		Send: func(ifaceName string, frame []byte) error {
			sentIface = ifaceName
			sent = append([]byte(nil), frame...)
			return nil
		},
	}

	target := netip.MustParseAddr("10.0.2.5")
	if err := e.Request(target); err != nil {
		t.Fatal(err)
	}
	if sentIface != "eth0" {
		t.Fatalf("expected send on eth0, got %q", sentIface)
	}
	eth, _ := ethernet.NewFrame(sent)
	if !eth.IsBroadcast() {
		t.Fatal("request should be broadcast")
	}
	af, _ := NewFrame(sent[eth.HeaderLength():])
	if af.Operation() != OpRequest {
		t.Fatal("expected operation request")
	}
	_, gotTargetIP := af.Target4()
	// Gateway for the matching route is 10.0.1.254, not the target itself.
	if *gotTargetIP != [4]byte{10, 0, 1, 254} {
		t.Fatalf("expected ARP to resolve the next hop's gateway, got %v", *gotTargetIP)
	}
}

func TestEmitterRequestNoRoute(t *testing.T) {
	ifaces := testIfaces(t)
	e := &Emitter{Ifaces: ifaces, Routes: testRoutes(t), Send: func(string, []byte) error { return nil }}
	if err := e.Request(netip.MustParseAddr("192.0.2.1")); err == nil {
		t.Fatal("expected error for unroutable target")
	}
}
