package nat

import (
	"context"
	"log/slog"
	"time"
)

const reaperTick = time.Second

// ErrorEmitter is the subset of an ICMP emitter the reaper needs to
// answer an expired quarantined SYN.
type ErrorEmitter interface {
	PortUnreachable(packet []byte, length int, ifaceName string) error
}

// RunReaper implements the §4.G timeout sweep: it wakes once per tick
// (nominally once a second) and destroys mappings past their idle
// timeout and quarantined SYNs past the 6-second window, emitting
// port-unreachable for the latter via errEmitter.
func (t *Table) RunReaper(ctx context.Context, errEmitter ErrorEmitter, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	ticker := t.clock.NewTicker(reaperTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			t.tick(errEmitter, log)
		}
	}
}

func (t *Table) tick(errEmitter ErrorEmitter, log *slog.Logger) {
	now := t.clock.Now()

	t.mu.Lock()
	var expiredSyns []*PendingSyn
	kept := t.pending[:0]
	for _, p := range t.pending {
		if now.Sub(p.ArrivedAt) >= synQuarantineWindow {
			expiredSyns = append(expiredSyns, p)
		} else {
			kept = append(kept, p)
		}
	}
	t.pending = kept

	for k, m := range t.byExt {
		if t.isExpired(m, now) {
			delete(t.byExt, k)
			delete(t.byInt, intKey{m.Type, m.IntIP, m.IntAux})
		}
	}
	t.mu.Unlock()

	for _, p := range expiredSyns {
		if err := errEmitter.PortUnreachable(p.Header[:], len(p.Header), p.Iface); err != nil {
			log.Warn("nat: port-unreachable emit failed", "err", err)
		}
	}
}

// isExpired implements the per-mapping idle-timeout rules of §4.G.
// Caller must hold t.mu.
func (t *Table) isExpired(m *Mapping, now time.Time) bool {
	if m.Type == TypeICMP {
		return now.Sub(m.LastUpdated) > t.cfg.ICMPIdle
	}
	m.Connections = pruneConnections(m.Connections, now, t.cfg.TCPEstablishedIdle, t.cfg.TCPTransitoryIdle)
	return len(m.Connections) == 0 && now.Sub(m.LastUpdated) > t.cfg.TCPTransitoryIdle
}

// pruneConnections removes connections that have aged out per their
// state's timeout.
func pruneConnections(conns []TcpConnection, now time.Time, establishedIdle, transitoryIdle time.Duration) []TcpConnection {
	kept := conns[:0]
	for _, c := range conns {
		idle := transitoryIdle
		if c.State == ConnEstablished {
			idle = establishedIdle
		}
		if now.Sub(c.LastUpdated) <= idle {
			kept = append(kept, c)
		}
	}
	return kept
}
