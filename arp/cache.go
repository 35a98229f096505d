package arp

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
)

// maxRetries is the retry cap on an ArpRequest (§3 ArpRequest invariant:
// times_sent ≤ 5). On the tick after the 5th retransmission, the reaper
// gives up and emits host-unreachable for every queued packet.
const maxRetries = 5

// retryInterval is the reaper's retransmission period for a live request.
const retryInterval = time.Second

// ArpEntry is a deep-copy snapshot of a resolved cache entry (§3).
type ArpEntry struct {
	IP         netip.Addr
	MAC        [6]byte
	InsertedAt time.Time
}

// PendingPacket is one packet queued behind an unresolved ArpRequest,
// remembered so it can be resent (once the target resolves) or answered
// with host-unreachable (once the request gives up).
type PendingPacket struct {
	Bytes  []byte
	Length int
	Iface  string
}

// ArpRequest tracks one outstanding resolution attempt for a target IP and
// the packets blocked on it (§3). The cache owns ArpRequests; destroying
// one frees every queued packet buffer.
type ArpRequest struct {
	TargetIP   netip.Addr
	TimesSent  int
	LastSentAt time.Time
	Pending    []PendingPacket
}

// RequestEmitter sends a fresh ARP request for target, per component F.
type RequestEmitter interface {
	EmitRequest(target netip.Addr)
}

// UnreachableEmitter sends an ICMP host-unreachable in response to a
// packet that could not be delivered because ARP resolution exhausted its
// retries, per component E.
type UnreachableEmitter interface {
	EmitHostUnreachable(packet []byte, length int, iface string)
}

// Cache is the MAC↔IP cache with its per-target pending-packet queue
// (component D). Resolved entries live in an expirable.LRU with their own
// wall-clock TTL (hashicorp/golang-lru has no fake-clock hook, so entry
// expiry is tested with short real TTLs rather than clockwork); the
// ArpRequest bookkeeping — retry counts and retry timing — is hand-rolled
// and driven by an injected clockwork.Clock so the reaper is
// deterministically testable.
//
// The original C implementation uses a single recursive lock per §5,
// reasoning that ARP operations might call back into the cache through
// the emitters. This port instead follows §9's accepted alternative: a
// plain, non-recursive [sync.Mutex] plus the discipline that no public
// method here calls another public method on the same Cache while holding
// the lock.
type Cache struct {
	entries *lru.LRU[netip.Addr, entryRecord]
	clock   clockwork.Clock
	log     *slog.Logger

	mu       sync.Mutex
	requests map[netip.Addr]*ArpRequest
}

type entryRecord struct {
	mac        [6]byte
	insertedAt time.Time
}

// NewCache creates a Cache whose resolved entries expire after ttl.
// capacity bounds the number of resolved entries kept (least recently used
// evicted first beyond it); log defaults to [slog.Default] if nil.
func NewCache(ttl time.Duration, capacity int, clock clockwork.Clock, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache{
		entries:  lru.NewLRU[netip.Addr, entryRecord](capacity, nil, ttl),
		clock:    clock,
		log:      log,
		requests: make(map[netip.Addr]*ArpRequest),
	}
}

// Lookup returns the MAC address cached for ip, if any unexpired entry
// exists.
func (c *Cache) Lookup(ip netip.Addr) (mac [6]byte, ok bool) {
	rec, ok := c.entries.Get(ip)
	if !ok {
		return [6]byte{}, false
	}
	return rec.mac, true
}

// LookupEntry is like Lookup but returns the full deep-copy ArpEntry.
func (c *Cache) LookupEntry(ip netip.Addr) (ArpEntry, bool) {
	rec, ok := c.entries.Get(ip)
	if !ok {
		return ArpEntry{}, false
	}
	return ArpEntry{IP: ip, MAC: rec.mac, InsertedAt: rec.insertedAt}, true
}

// Insert records mac as the resolved address for ip. If a live ArpRequest
// existed for ip, it is destroyed and its queued packets are returned for
// the caller to drain (resolve each one's next hop and send).
func (c *Cache) Insert(ip netip.Addr, mac [6]byte) (drained []PendingPacket, hadRequest bool) {
	c.entries.Add(ip, entryRecord{mac: mac, insertedAt: c.clock.Now()})
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[ip]
	if !ok {
		return nil, false
	}
	delete(c.requests, ip)
	return req.Pending, true
}

// Queue appends packet to the pending queue for ip's ArpRequest, creating
// the request (with TimesSent=0) if none is live yet. FIFO order is
// preserved across calls for the same ip.
func (c *Cache) Queue(ip netip.Addr, packet []byte, length int, ifaceName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[ip]
	if !ok {
		req = &ArpRequest{TargetIP: ip, LastSentAt: c.clock.Now()}
		c.requests[ip] = req
	}
	req.Pending = append(req.Pending, PendingPacket{Bytes: packet, Length: length, Iface: ifaceName})
}

// RunReaper ticks once per second (via the Cache's clock) until ctx is
// canceled. Each tick, every live request that has waited at least
// retryInterval since its last transmission either gets a fresh ARP
// request (via reqEmitter, with TimesSent incremented) or, having already
// retried maxRetries times, is destroyed and every one of its queued
// packets is answered with host-unreachable (via unreachEmitter).
func (c *Cache) RunReaper(ctx context.Context, reqEmitter RequestEmitter, unreachEmitter UnreachableEmitter) {
	ticker := c.clock.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.tick(reqEmitter, unreachEmitter)
		}
	}
}

func (c *Cache) tick(reqEmitter RequestEmitter, unreachEmitter UnreachableEmitter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	for ip, req := range c.requests {
		if now.Sub(req.LastSentAt) < retryInterval {
			continue
		}
		if req.TimesSent >= maxRetries {
			c.log.Info("arp: request exhausted retries, sending host-unreachable",
				"target", ip, "pending", len(req.Pending))
			for _, p := range req.Pending {
				unreachEmitter.EmitHostUnreachable(p.Bytes, p.Length, p.Iface)
			}
			delete(c.requests, ip)
			continue
		}
		reqEmitter.EmitRequest(req.TargetIP)
		req.TimesSent++
		req.LastSentAt = now
	}
}

// NumPendingRequests reports the number of targets with a live, unresolved
// ArpRequest. Exposed for tests and diagnostics.
func (c *Cache) NumPendingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}
