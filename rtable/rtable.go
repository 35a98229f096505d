// Package rtable implements the router's static routing table (component
// B): an ordered sequence of entries with longest-prefix-match lookup,
// loaded once at startup from the "routing-table" config file.
package rtable

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"strings"
)

// Entry is one routing-table line: packets destined for Dest/mask Mask
// are sent to Gateway (the next-hop IP) out interface Iface.
type Entry struct {
	Dest    netip.Addr
	Mask    netip.Addr
	Gateway netip.Addr
	Iface   string
}

func (e Entry) prefixLen() int {
	b := e.Mask.As4()
	n := 0
	for _, v := range b {
		for v&0x80 != 0 {
			n++
			v <<= 1
		}
	}
	return n
}

func (e Entry) matches(ip netip.Addr) bool {
	d := e.Dest.As4()
	m := e.Mask.As4()
	q := ip.As4()
	for i := range d {
		if d[i]&m[i] != q[i]&m[i] {
			return false
		}
	}
	return true
}

// Table is the read-only, ordered set of routing entries. It is immutable
// after [Load] returns; lookups are pure.
type Table struct {
	entries []Entry
}

// Lookup returns the entry whose (Dest & Mask) matches (ip & Mask) with the
// longest Mask, ties broken by first occurrence in the loaded file.
func (t *Table) Lookup(ip netip.Addr) (Entry, bool) {
	best := -1
	bestLen := -1
	for i, e := range t.entries {
		if !e.matches(ip) {
			continue
		}
		l := e.prefixLen()
		if l > bestLen {
			bestLen = l
			best = i
		}
	}
	if best < 0 {
		return Entry{}, false
	}
	return t.entries[best], true
}

// Entries returns a copy of the ordered entry sequence.
func (t *Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Load parses a "routing-table" config file: one entry per line,
// `dst_ipv4 gateway_ipv4 mask iface_name`.
func Load(r io.Reader) (*Table, error) {
	t := &Table{}
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
			return nil, fmt.Errorf("rtable: line %d: want 4 fields, got %d", lineNo, len(fields))
		}
		dst, err := netip.ParseAddr(fields[0])
		if err != nil || !dst.Is4() {
			return nil, fmt.Errorf("rtable: line %d: bad dest %q", lineNo, fields[0])
		}
		gw, err := netip.ParseAddr(fields[1])
		if err != nil || !gw.Is4() {
			return nil, fmt.Errorf("rtable: line %d: bad gateway %q", lineNo, fields[1])
		}
		mask, err := netip.ParseAddr(fields[2])
		if err != nil || !mask.Is4() {
			return nil, fmt.Errorf("rtable: line %d: bad mask %q", lineNo, fields[2])
		}
		t.entries = append(t.entries, Entry{Dest: dst, Gateway: gw, Mask: mask, Iface: fields[3]})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return t, nil
}
