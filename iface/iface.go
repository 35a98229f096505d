// Package iface implements the router's interface table (component A): an
// immutable map from interface name to its MAC address, IPv4 address, and
// subnet mask, loaded once at startup from the "interfaces" config file.
package iface

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"net/netip"
	"strings"

	"github.com/soypat/vrouter/rtable"
)

// Interface is a single virtual network interface the router owns.
type Interface struct {
	Name string
	MAC  [6]byte
	IPv4 netip.Addr
	Mask netip.Addr
}

// Prefix returns the interface's local subnet as a netip.Prefix.
func (i Interface) Prefix() netip.Prefix {
	ones := maskOnes(i.Mask)
	return netip.PrefixFrom(i.IPv4, ones).Masked()
}

func maskOnes(mask netip.Addr) int {
	b := mask.As4()
	n := 0
	for _, v := range b {
		for v&0x80 != 0 {
			n++
			v <<= 1
		}
	}
	return n
}

// Table is the read-only set of interfaces the router operates, keyed by
// name. It is immutable after [Load] returns.
type Table struct {
	byName map[string]Interface
	// external, if non-empty, names the NAT-designated external interface.
	external string
}

// Lookup returns the interface named name.
func (t *Table) Lookup(name string) (Interface, bool) {
	ifc, ok := t.byName[name]
	return ifc, ok
}

// OwnsIP reports whether ip belongs to one of the router's own interfaces,
// and if so returns that interface.
func (t *Table) OwnsIP(ip netip.Addr) (Interface, bool) {
	for _, ifc := range t.byName {
		if ifc.IPv4 == ip {
			return ifc, true
		}
	}
	return Interface{}, false
}

// External returns the NAT-designated external interface, if one was set.
func (t *Table) External() (Interface, bool) {
	if t.external == "" {
		return Interface{}, false
	}
	return t.Lookup(t.external)
}

// IsInternal reports whether routes would send ip out a non-external
// interface — used by the NAT direction classifier (§4.G). An ip with
// no matching route is neither internal nor external.
func (t *Table) IsInternal(ip netip.Addr, routes *rtable.Table) bool {
	route, ok := routes.Lookup(ip)
	return ok && route.Iface != t.external
}

// IsExternal reports whether routes would send ip out the NAT external
// interface — used by the NAT direction classifier (§4.G).
func (t *Table) IsExternal(ip netip.Addr, routes *rtable.Table) bool {
	route, ok := routes.Lookup(ip)
	return ok && route.Iface == t.external
}

// All returns every interface in the table. The returned slice is a copy;
// callers may not mutate the table through it.
func (t *Table) All() []Interface {
	out := make([]Interface, 0, len(t.byName))
	for _, ifc := range t.byName {
		out = append(out, ifc)
	}
	return out
}

// Load parses an "interfaces" config file: one interface per line,
// `name mac ipv4 mask`, e.g. `eth0 aa:aa:aa:aa:aa:01 10.0.1.1 255.255.255.0`.
// externalName, if non-empty, must match one of the parsed interface names
// and designates the NAT external interface.
func Load(r io.Reader, externalName string) (*Table, error) {
	t := &Table{byName: make(map[string]Interface), external: externalName}
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, fmt.Errorf("iface: line %d: want 4 fields, got %d", lineNo, len(fields))
		}
		mac, err := parseMAC(fields[1])
		if err != nil {
			return nil, fmt.Errorf("iface: line %d: %w", lineNo, err)
		}
		ip, err := netip.ParseAddr(fields[2])
		if err != nil || !ip.Is4() {
			return nil, fmt.Errorf("iface: line %d: bad ipv4 %q", lineNo, fields[2])
		}
		mask, err := netip.ParseAddr(fields[3])
		if err != nil || !mask.Is4() {
			return nil, fmt.Errorf("iface: line %d: bad mask %q", lineNo, fields[3])
		}
		name := fields[0]
		if _, dup := t.byName[name]; dup {
			return nil, fmt.Errorf("iface: line %d: duplicate interface %q", lineNo, name)
		}
		t.byName[name] = Interface{Name: name, MAC: mac, IPv4: ip, Mask: mask}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if externalName != "" {
		if _, ok := t.byName[externalName]; !ok {
			return nil, fmt.Errorf("iface: external interface %q not defined", externalName)
		}
	}
	return t, nil
}

func parseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return mac, fmt.Errorf("bad MAC %q", s)
	}
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return mac, fmt.Errorf("bad MAC octet %q in %q", p, s)
		}
		mac[i] = b[0]
	}
	return mac, nil
}
