package htlcswitch

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/ilpfi/connectord/ilppacket"
	"github.com/juju/clock"
)

// dedupKey identifies a PREPARE by the fields the deduplicate middleware
// caches on: an identical retry within the configured window must
// produce the same outcome, since re-forwarding could double-pay.
type dedupKey struct {
	destination ilppacket.Address
	amount      uint64
	condition   ilppacket.Condition
	expiresAt   int64
}

type dedupEntry struct {
	fulfill *ilppacket.Fulfill
	err     error
	expiry  time.Time
}

// DedupCache caches the outcome of an outgoing PREPARE for Window,
// keyed by (destination, amount, executionCondition, expiresAt).
type DedupCache struct {
	window time.Duration
	clk    clock.Clock

	mu      sync.Mutex
	entries map[dedupKey]dedupEntry
}

// NewDedupCache returns a cache that remembers outcomes for window. A
// nil clk defaults to clock.WallClock.
func NewDedupCache(window time.Duration, clk clock.Clock) *DedupCache {
	if clk == nil {
		clk = clock.WallClock
	}
	return &DedupCache{window: window, clk: clk, entries: make(map[dedupKey]dedupEntry)}
}

func keyFor(p *ilppacket.Prepare) dedupKey {
	return dedupKey{
		destination: p.Destination,
		amount:      p.Amount,
		condition:   p.ExecutionCondition,
		expiresAt:   p.ExpiresAt.UnixNano(),
	}
}

func (c *DedupCache) lookup(p *ilppacket.Prepare) (dedupEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := keyFor(p)
	e, ok := c.entries[k]
	if !ok || c.clk.Now().After(e.expiry) {
		return dedupEntry{}, false
	}
	return e, true
}

func (c *DedupCache) store(p *ilppacket.Prepare, fulfill *ilppacket.Fulfill, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[keyFor(p)] = dedupEntry{
		fulfill: fulfill,
		err:     err,
		expiry:  c.clk.Now().Add(c.window),
	}
}

// maxPacketAmountData encodes the (actual, maximum) pair carried in an F08
// reject's Data field.
func maxPacketAmountData(actual, maximum uint64) []byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], actual)
	binary.BigEndian.PutUint64(b[8:16], maximum)
	return b[:]
}
