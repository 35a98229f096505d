// Package nat implements the stateful NAT core (component G): per-flow
// mapping table, external port/ID allocator, unsolicited-SYN quarantine,
// and the idle reaper that ages mappings and quarantined SYNs out.
//
// Like [arp.Cache] (see that package's doc comment), the table uses a
// single non-recursive [sync.Mutex] plus the discipline that public
// methods never call back into each other while holding it, instead of
// a recursive lock.
package nat

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/soypat/vrouter/iface"
	"github.com/soypat/vrouter/icmp"
	"github.com/soypat/vrouter/ipv4"
	"github.com/soypat/vrouter/rtable"
	"github.com/soypat/vrouter/tcp"
	"github.com/soypat/vrouter/wire"
)

// MappingType distinguishes ICMP (keyed by echo identifier) from TCP
// (keyed by port) mappings.
type MappingType uint8

const (
	TypeICMP MappingType = iota
	TypeTCP
)

func (t MappingType) String() string {
	if t == TypeICMP {
		return "ICMP"
	}
	return "TCP"
}

// ConnState is the lifecycle state of a single TCP flow riding a mapping.
type ConnState uint8

const (
	ConnEstablished ConnState = iota
	ConnTransitory
)

// TcpConnection tracks one remote peer/port pair using a TCP mapping.
type TcpConnection struct {
	Remote      netip.Addr
	RemotePort  uint16
	State       ConnState
	LastUpdated time.Time
}

// Mapping is a single NAT flow: internal (ip_int, aux_int) translated to
// external (ip_ext, aux_ext). aux is a port number for TCP, an echo
// identifier for ICMP.
type Mapping struct {
	Type        MappingType
	IntIP       netip.Addr
	IntAux      uint16
	ExtIP       netip.Addr
	ExtAux      uint16
	LastUpdated time.Time
	Connections []TcpConnection
}

// PendingSyn is a quarantined unsolicited inbound SYN: held for a short
// window in case a matching outbound connection is already in flight
// (simultaneous open), then either silently dropped (match found) or
// answered with ICMP port-unreachable (window expires first).
type PendingSyn struct {
	SrcIP     netip.Addr
	SrcPort   uint16
	DstPort   uint16
	ArrivedAt time.Time
	Header    [icmp.DataSize]byte
	Iface     string
}

const synQuarantineWindow = 6 * time.Second

// Config carries the idle timeouts and the external interface name. Zero
// values for the durations fall back to this package's own defaults.
type Config struct {
	ExternalIface      string
	ICMPIdle           time.Duration
	TCPEstablishedIdle time.Duration
	TCPTransitoryIdle  time.Duration
}

const (
	defaultICMPIdle           = 60 * time.Second
	defaultTCPEstablishedIdle = 7440 * time.Second
	defaultTCPTransitoryIdle  = 300 * time.Second
)

// extKey identifies a mapping by its external-facing identity: aux plus
// type (aux_ext is unique per type over the whole table, per §3).
type extKey struct {
	typ MappingType
	aux uint16
}

// intKey identifies a mapping by its internal-facing identity.
type intKey struct {
	typ MappingType
	ip  netip.Addr
	aux uint16
}

// Table is the NAT mapping table plus SYN quarantine (component G).
type Table struct {
	ifaces *iface.Table
	routes *rtable.Table
	cfg    Config
	clock  clockwork.Clock

	mu       sync.Mutex
	byExt    map[extKey]*Mapping
	byInt    map[intKey]*Mapping
	pending  []*PendingSyn
	nextPort uint16
}

// New builds a Table. ifaces resolves the external interface's IP for
// outbound rewrites; routes drives the direction classifier, so a
// destination the router cannot route to is never mistaken for NAT
// traffic; clock drives all timestamps so reapers are deterministically
// testable.
func New(ifaces *iface.Table, routes *rtable.Table, cfg Config, clock clockwork.Clock) *Table {
	if cfg.ICMPIdle == 0 {
		cfg.ICMPIdle = defaultICMPIdle
	}
	if cfg.TCPEstablishedIdle == 0 {
		cfg.TCPEstablishedIdle = defaultTCPEstablishedIdle
	}
	if cfg.TCPTransitoryIdle == 0 {
		cfg.TCPTransitoryIdle = defaultTCPTransitoryIdle
	}
	return &Table{
		ifaces:   ifaces,
		routes:   routes,
		cfg:      cfg,
		clock:    clock,
		byExt:    make(map[extKey]*Mapping),
		byInt:    make(map[intKey]*Mapping),
		nextPort: 1024,
	}
}

func (t *Table) externalIP() (netip.Addr, error) {
	ifc, ok := t.ifaces.Lookup(t.cfg.ExternalIface)
	if !ok {
		return netip.Addr{}, fmt.Errorf("nat: unknown external interface %q", t.cfg.ExternalIface)
	}
	return ifc.IPv4, nil
}

// Direction classifies an IPv4 datagram per §4.G.
type Direction uint8

const (
	NotCrossing Direction = iota
	Incoming
	Outgoing
)

// classify implements §4.G's direction predicate by consulting the
// routing table, not interface subnet containment. srcInternal reports
// whether routes would send src out a non-external interface; an
// Outgoing crossing additionally requires dst to be routable through
// the external interface specifically — a destination the routing
// table has no entry for is neither internal nor external, so it falls
// through to NotCrossing instead of being mistaken for Outgoing.
func (t *Table) classify(src, dst netip.Addr) (Direction, error) {
	extIP, err := t.externalIP()
	if err != nil {
		return NotCrossing, err
	}
	srcInternal := t.ifaces.IsInternal(src, t.routes)
	switch {
	case !srcInternal && dst == extIP:
		return Incoming, nil
	case srcInternal && t.ifaces.IsExternal(dst, t.routes):
		return Outgoing, nil
	default:
		return NotCrossing, nil
	}
}

// LookupExternal returns a deep copy of the mapping keyed by (aux, typ),
// updating its LastUpdated to now.
func (t *Table) LookupExternal(typ MappingType, aux uint16) (Mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byExt[extKey{typ, aux}]
	if !ok {
		return Mapping{}, false
	}
	m.LastUpdated = t.clock.Now()
	return *m, true
}

// LookupInternal returns a deep copy of the mapping keyed by
// (ip, aux, typ), updating its LastUpdated to now.
func (t *Table) LookupInternal(typ MappingType, ip netip.Addr, aux uint16) (Mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byInt[intKey{typ, ip, aux}]
	if !ok {
		return Mapping{}, false
	}
	m.LastUpdated = t.clock.Now()
	return *m, true
}

// allocPort returns the next unused external port/ID for typ, advancing
// the shared cursor through [1024, 65535] and wrapping at overflow.
// Caller must hold t.mu.
func (t *Table) allocPort(typ MappingType) uint16 {
	start := t.nextPort
	for {
		candidate := t.nextPort
		t.nextPort++
		if t.nextPort == 0 {
			t.nextPort = 1024
		}
		if _, inUse := t.byExt[extKey{typ, candidate}]; !inUse {
			return candidate
		}
		if t.nextPort == start {
			// Table full for this type; extremely unlikely at 64k
			// flows, but avoid spinning forever.
			return candidate
		}
	}
}

// insert creates a mapping for (typ, ip_int, aux_int), allocating a fresh
// external aux. Caller must hold t.mu.
func (t *Table) insert(typ MappingType, ip netip.Addr, aux uint16) (*Mapping, error) {
	extIP, err := t.externalIP()
	if err != nil {
		return nil, err
	}
	extAux := t.allocPort(typ)
	m := &Mapping{
		Type:        typ,
		IntIP:       ip,
		IntAux:      aux,
		ExtIP:       extIP,
		ExtAux:      extAux,
		LastUpdated: t.clock.Now(),
	}
	t.byInt[intKey{typ, ip, aux}] = m
	t.byExt[extKey{typ, extAux}] = m
	return m, nil
}

// removeQuarantine removes the pending SYN matching (remote, port), if any,
// and reports whether one was removed. Caller must hold t.mu.
func (t *Table) removeQuarantine(remote netip.Addr, port uint16) bool {
	for i, p := range t.pending {
		if p.SrcIP == remote && p.SrcPort == port {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return true
		}
	}
	return false
}

// hasQuarantine reports whether a pending SYN already exists for
// (srcIP, srcPort). Caller must hold t.mu.
func (t *Table) hasQuarantine(srcIP netip.Addr, srcPort uint16) bool {
	for _, p := range t.pending {
		if p.SrcIP == srcIP && p.SrcPort == srcPort {
			return true
		}
	}
	return false
}

var (
	errUnsupportedL4 = fmt.Errorf("nat: protocol neither ICMP nor TCP")
	errQuarantined   = fmt.Errorf("nat: unsolicited SYN quarantined")
	errNoMapping     = fmt.Errorf("nat: no mapping for inbound packet")
)

// Translate implements §4.G's Translate: classifies direction, finds or
// creates a mapping, and rewrites the packet's IP/L4 addressing plus
// checksums in place. ip is a view over the datagram's IPv4 header and
// payload. A nil error with no mutation means direction was NotCrossing,
// or an inbound ICMP message had no mapping: pass the packet through
// unchanged.
//
// The L4 checksum (TCP or ICMP) is recomputed over the L4 header and
// payload only; the IPv4 pseudo-header is not included.
func (t *Table) Translate(ip ipv4.Frame, ifaceName string) error {
	src := netip.AddrFrom4(*ip.SourceAddr())
	dst := netip.AddrFrom4(*ip.DestinationAddr())

	dir, err := t.classify(src, dst)
	if err != nil {
		return err
	}
	if dir == NotCrossing {
		return nil
	}

	proto := ip.Protocol()
	if proto != wire.IPProtoICMP && proto != wire.IPProtoTCP {
		return errUnsupportedL4
	}

	switch dir {
	case Outgoing:
		return t.translateOutgoing(ip, proto, src)
	case Incoming:
		return t.translateIncoming(ip, proto, ifaceName)
	}
	return nil
}

func (t *Table) translateOutgoing(ip ipv4.Frame, proto wire.IPProto, src netip.Addr) error {
	typ := TypeTCP
	var aux uint16
	var tf tcp.Frame
	var isSYN bool
	if proto == wire.IPProtoICMP {
		typ = TypeICMP
		echo, err := icmp.NewFrame(ip.Payload())
		if err != nil {
			return err
		}
		aux = icmp.Echo{Frame: echo}.Identifier()
	} else {
		var err error
		tf, err = tcp.NewFrame(ip.Payload())
		if err != nil {
			return err
		}
		aux = tf.SourcePort()
		isSYN = tf.Flags().IsSYNOnly()
	}

	t.mu.Lock()
	m, ok := t.byInt[intKey{typ, src, aux}]
	if !ok {
		var err error
		m, err = t.insert(typ, src, aux)
		if err != nil {
			t.mu.Unlock()
			return err
		}
		if isSYN {
			dst := netip.AddrFrom4(*ip.DestinationAddr())
			t.removeQuarantine(dst, tf.DestinationPort())
		}
	} else {
		m.LastUpdated = t.clock.Now()
	}
	if typ == TypeTCP {
		t.recordConnection(m, netip.AddrFrom4(*ip.DestinationAddr()), tf.DestinationPort(), tf.Flags())
	}
	extIP, extAux := m.ExtIP, m.ExtAux
	t.mu.Unlock()

	ip.SetSourceAddr(extIP.As4())
	if typ == TypeICMP {
		echo, _ := icmp.NewFrame(ip.Payload())
		e := icmp.Echo{Frame: echo}
		e.SetIdentifier(extAux)
		e.SetCRC(0)
		e.SetCRC(wire.NeverZero(e.CalculateCRC()))
	} else {
		tf.SetSourcePort(extAux)
		tf.SetCRC(0)
		tf.SetCRC(wire.NeverZero(tf.CalculateCRC()))
	}
	ip.SetCRC(0)
	ip.SetCRC(wire.NeverZero(ip.CalculateHeaderCRC()))
	return nil
}

func (t *Table) translateIncoming(ip ipv4.Frame, proto wire.IPProto, ifaceName string) error {
	typ := TypeTCP
	var aux uint16
	var tf tcp.Frame
	if proto == wire.IPProtoICMP {
		typ = TypeICMP
		echo, err := icmp.NewFrame(ip.Payload())
		if err != nil {
			return err
		}
		aux = icmp.Echo{Frame: echo}.Identifier()
	} else {
		var err error
		tf, err = tcp.NewFrame(ip.Payload())
		if err != nil {
			return err
		}
		aux = tf.DestinationPort()
	}

	t.mu.Lock()
	m, ok := t.byExt[extKey{typ, aux}]
	if !ok {
		if typ == TypeICMP {
			t.mu.Unlock()
			return nil
		}
		quarantined := false
		if tf.Flags().IsSYNOnly() {
			src := netip.AddrFrom4(*ip.SourceAddr())
			if !t.hasQuarantine(src, tf.SourcePort()) {
				p := &PendingSyn{
					SrcIP:     src,
					SrcPort:   tf.SourcePort(),
					DstPort:   aux,
					ArrivedAt: t.clock.Now(),
					Iface:     ifaceName,
				}
				copy(p.Header[:], ip.RawData())
				t.pending = append(t.pending, p)
				quarantined = true
			}
		}
		t.mu.Unlock()
		if quarantined {
			return errQuarantined
		}
		return errNoMapping
	}
	m.LastUpdated = t.clock.Now()
	if typ == TypeTCP {
		t.recordConnection(m, netip.AddrFrom4(*ip.SourceAddr()), tf.SourcePort(), tf.Flags())
	}
	intIP, intAux := m.IntIP, m.IntAux
	t.mu.Unlock()

	ip.SetDestinationAddr(intIP.As4())
	if typ == TypeICMP {
		echo, _ := icmp.NewFrame(ip.Payload())
		e := icmp.Echo{Frame: echo}
		e.SetIdentifier(intAux)
		e.SetCRC(0)
		e.SetCRC(wire.NeverZero(e.CalculateCRC()))
	} else {
		tf.SetDestinationPort(intAux)
		tf.SetCRC(0)
		tf.SetCRC(wire.NeverZero(tf.CalculateCRC()))
	}
	ip.SetCRC(0)
	ip.SetCRC(wire.NeverZero(ip.CalculateHeaderCRC()))
	return nil
}

// recordConnection updates or appends the TcpConnection for (remote,
// remotePort) on m, classifying state from flags. Caller must hold t.mu.
func (t *Table) recordConnection(m *Mapping, remote netip.Addr, remotePort uint16, flags tcp.Flags) {
	now := t.clock.Now()
	state := ConnTransitory
	if flags.HasAll(tcp.FlagACK) && !flags.HasAny(tcp.FlagSYN|tcp.FlagFIN|tcp.FlagRST) {
		state = ConnEstablished
	}
	for i := range m.Connections {
		c := &m.Connections[i]
		if c.Remote == remote && c.RemotePort == remotePort {
			c.LastUpdated = now
			if state == ConnEstablished {
				c.State = ConnEstablished
			}
			return
		}
	}
	m.Connections = append(m.Connections, TcpConnection{
		Remote: remote, RemotePort: remotePort, State: state, LastUpdated: now,
	})
}
